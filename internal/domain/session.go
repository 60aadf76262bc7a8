package domain

import "time"

// Session is one outstanding refresh-token grant. Only the SHA-256
// hash of the refresh token is stored; the unique index on it gives
// at-most-one session per token value. A session with RevokedAt set or
// past ExpiresAt can never mint new access tokens, regardless of
// whether the row still physically exists.
type Session struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	UserID           uint       `gorm:"index;not null" json:"user_id"`
	RefreshTokenHash string     `gorm:"size:128;uniqueIndex;not null" json:"-"`
	UserAgent        string     `gorm:"size:512" json:"user_agent"`
	IP               string     `gorm:"size:64" json:"ip"`
	ExpiresAt        time.Time  `gorm:"index;not null" json:"expires_at"`
	RevokedAt        *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	RevokedReason    *string    `gorm:"size:64" json:"revoked_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Usable reports whether the session may still mint access tokens.
func (s *Session) Usable(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}
