package domain

import (
	"net/mail"
	"strings"
	"time"
)

type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleResearcher Role = "researcher"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleResearcher:
		return true
	}
	return false
}

// User is the credential record: identity, password hash and the
// security counters driven by the lockout policy. The record is never
// hard-deleted; deactivation clears Active.
type User struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Username     string `gorm:"size:50;uniqueIndex;not null" json:"username"`
	Email        string `gorm:"size:255;uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"size:128;not null" json:"-"`
	FirstName    string `gorm:"size:100" json:"first_name"`
	LastName     string `gorm:"size:100" json:"last_name"`
	Role         Role   `gorm:"size:16;not null;default:user" json:"role"`
	Active       bool   `gorm:"not null;default:true" json:"active"`

	EmailVerified bool       `gorm:"not null;default:false" json:"email_verified"`
	LoginAttempts int        `gorm:"not null;default:0" json:"-"`
	LockUntil     *time.Time `json:"-"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
	LoginCount    int64      `gorm:"not null;default:0" json:"-"`
	AccessCount   int64      `gorm:"not null;default:0" json:"-"`
	LastAccessIP  string     `gorm:"size:64" json:"-"`

	VerificationToken        *string    `gorm:"size:64;index" json:"-"`
	VerificationTokenExpires *time.Time `json:"-"`
	ResetToken               *string    `gorm:"size:64;index" json:"-"`
	ResetTokenExpires        *time.Time `json:"-"`
	OTPCode                  *string    `gorm:"size:8" json:"-"`
	OTPExpires               *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PublicUser is the projection exposed to callers. It is constructed
// deliberately rather than derived by stripping fields from User.
type PublicUser struct {
	ID            uint       `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	FirstName     string     `json:"first_name,omitempty"`
	LastName      string     `json:"last_name,omitempty"`
	Role          Role       `json:"role"`
	EmailVerified bool       `json:"email_verified"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (u *User) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		Role:          u.Role,
		EmailVerified: u.EmailVerified,
		LastLogin:     u.LastLogin,
		CreatedAt:     u.CreatedAt,
	}
}

// NormalizeEmail lowercases and trims an email address before any
// lookup or storage; the email column is unique on the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func ValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

func ValidUsername(username string) bool {
	if len(username) < 3 || len(username) > 50 {
		return false
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}
