package repository

import (
	"context"
	"errors"
	"time"

	"github.com/credstack/credd/internal/domain"
	"github.com/credstack/credd/internal/observability"

	"gorm.io/gorm"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrDuplicateUser = errors.New("username or email already taken")
	// ErrArtifactConsumed signals that a conditional single-use update
	// matched no row: the artifact was already used or changed.
	ErrArtifactConsumed = errors.New("verification artifact already consumed")
)

// UserRepository persists credential records. Every security-state
// mutation is a single conditional UPDATE so concurrent requests never
// lose counter increments or replay consumed artifacts.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	FindByID(ctx context.Context, id uint) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	FindByVerificationToken(ctx context.Context, token string) (*domain.User, error)
	FindByResetToken(ctx context.Context, token string) (*domain.User, error)

	IncrementLoginAttempts(ctx context.Context, id uint) error
	LockIfAttemptsReached(ctx context.Context, id uint, threshold int, until time.Time) (bool, error)
	ResetAttemptsAfterExpiredLock(ctx context.Context, id uint, now time.Time) (bool, error)
	RecordLoginSuccess(ctx context.Context, id uint, now time.Time, ip string) error
	RecordAccess(ctx context.Context, id uint, ip string) error

	SetVerificationToken(ctx context.Context, id uint, token string, expires time.Time) error
	ConsumeVerificationToken(ctx context.Context, id uint, token string) error
	SetResetToken(ctx context.Context, id uint, token string, expires time.Time) error
	ConsumeResetToken(ctx context.Context, id uint, token, newPasswordHash string, now time.Time) error
	SetOTP(ctx context.Context, id uint, code string, expires time.Time) error
	ConsumeOTP(ctx context.Context, id uint, code string, now time.Time) error

	UpdatePassword(ctx context.Context, id uint, passwordHash string) error
	Deactivate(ctx context.Context, id uint) error
}

type GormUserRepository struct{ db *gorm.DB }

func NewUserRepository(db *gorm.DB) UserRepository { return &GormUserRepository{db: db} }

func (r *GormUserRepository) Create(ctx context.Context, user *domain.User) error {
	err := r.db.WithContext(ctx).Create(user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			observability.RecordRepositoryOperation(ctx, "user", "create", "duplicate")
			return ErrDuplicateUser
		}
		observability.RecordRepositoryOperation(ctx, "user", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "user", "create", "success")
	return nil
}

func (r *GormUserRepository) FindByID(ctx context.Context, id uint) (*domain.User, error) {
	return r.findOne(ctx, "find_by_id", "id = ?", id)
}

func (r *GormUserRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.findOne(ctx, "find_by_email", "email = ?", domain.NormalizeEmail(email))
}

func (r *GormUserRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.findOne(ctx, "find_by_username", "username = ?", username)
}

func (r *GormUserRepository) FindByVerificationToken(ctx context.Context, token string) (*domain.User, error) {
	return r.findOne(ctx, "find_by_verification_token", "verification_token = ?", token)
}

func (r *GormUserRepository) FindByResetToken(ctx context.Context, token string) (*domain.User, error) {
	return r.findOne(ctx, "find_by_reset_token", "reset_token = ?", token)
}

func (r *GormUserRepository) findOne(ctx context.Context, op string, query string, args ...any) (*domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).Where(query, args...).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "user", op, "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(ctx, "user", op, "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "user", op, "success")
	return &u, nil
}

// IncrementLoginAttempts applies an atomic counter increment; two
// concurrent failed logins both land.
func (r *GormUserRepository) IncrementLoginAttempts(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", id).
		UpdateColumn("login_attempts", gorm.Expr("login_attempts + ?", 1)).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "user", "increment_login_attempts", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "user", "increment_login_attempts", "success")
	return nil
}

// LockIfAttemptsReached sets the lock timestamp only when the counter
// has reached the threshold and no lock is present. Returns whether
// this call installed the lock.
func (r *GormUserRepository) LockIfAttemptsReached(ctx context.Context, id uint, threshold int, until time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ? AND login_attempts >= ? AND lock_until IS NULL", id, threshold).
		UpdateColumn("lock_until", until)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "user", "lock_if_attempts_reached", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "user", "lock_if_attempts_reached", "success")
	return res.RowsAffected > 0, nil
}

// ResetAttemptsAfterExpiredLock restarts the counter at 1 and clears
// the lock, guarded on the lock still being expired so it cannot tear
// down a lock installed by a concurrent request.
func (r *GormUserRepository) ResetAttemptsAfterExpiredLock(ctx context.Context, id uint, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ? AND lock_until IS NOT NULL AND lock_until <= ?", id, now).
		UpdateColumns(map[string]any{"login_attempts": 1, "lock_until": nil})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "user", "reset_attempts_after_expired_lock", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "user", "reset_attempts_after_expired_lock", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormUserRepository) RecordLoginSuccess(ctx context.Context, id uint, now time.Time, ip string) error {
	err := r.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"login_attempts": 0,
			"lock_until":     nil,
			"last_login":     now,
			"login_count":    gorm.Expr("login_count + ?", 1),
			"access_count":   gorm.Expr("access_count + ?", 1),
			"last_access_ip": ip,
		}).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "user", "record_login_success", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "user", "record_login_success", "success")
	return nil
}

func (r *GormUserRepository) RecordAccess(ctx context.Context, id uint, ip string) error {
	err := r.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"access_count":   gorm.Expr("access_count + ?", 1),
			"last_access_ip": ip,
		}).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "user", "record_access", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "user", "record_access", "success")
	return nil
}

func (r *GormUserRepository) SetVerificationToken(ctx context.Context, id uint, token string, expires time.Time) error {
	return r.updateByID(ctx, "set_verification_token", id, map[string]any{
		"verification_token":         token,
		"verification_token_expires": expires,
	})
}

// ConsumeVerificationToken marks the email verified and clears the
// token in one conditional UPDATE; a replayed token matches no row.
func (r *GormUserRepository) ConsumeVerificationToken(ctx context.Context, id uint, token string) error {
	res := r.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ? AND verification_token = ?", id, token).
		UpdateColumns(map[string]any{
			"email_verified":             true,
			"verification_token":         nil,
			"verification_token_expires": nil,
		})
	return r.consumeResult(ctx, "consume_verification_token", res)
}

func (r *GormUserRepository) SetResetToken(ctx context.Context, id uint, token string, expires time.Time) error {
	return r.updateByID(ctx, "set_reset_token", id, map[string]any{
		"reset_token":         token,
		"reset_token_expires": expires,
	})
}

// ConsumeResetToken installs the new password hash and clears the
// reset artifact as one unit, guarded on the token still matching and
// being unexpired: exactly one password change per VERIFIED artifact.
func (r *GormUserRepository) ConsumeResetToken(ctx context.Context, id uint, token, newPasswordHash string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ? AND reset_token = ? AND reset_token_expires > ?", id, token, now).
		UpdateColumns(map[string]any{
			"password_hash":       newPasswordHash,
			"reset_token":         nil,
			"reset_token_expires": nil,
			"login_attempts":      0,
			"lock_until":          nil,
		})
	return r.consumeResult(ctx, "consume_reset_token", res)
}

func (r *GormUserRepository) SetOTP(ctx context.Context, id uint, code string, expires time.Time) error {
	return r.updateByID(ctx, "set_otp", id, map[string]any{
		"otp_code":    code,
		"otp_expires": expires,
	})
}

func (r *GormUserRepository) ConsumeOTP(ctx context.Context, id uint, code string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ? AND otp_code = ? AND otp_expires > ?", id, code, now).
		UpdateColumns(map[string]any{"otp_code": nil, "otp_expires": nil})
	return r.consumeResult(ctx, "consume_otp", res)
}

func (r *GormUserRepository) UpdatePassword(ctx context.Context, id uint, passwordHash string) error {
	return r.updateByID(ctx, "update_password", id, map[string]any{"password_hash": passwordHash})
}

func (r *GormUserRepository) Deactivate(ctx context.Context, id uint) error {
	return r.updateByID(ctx, "deactivate", id, map[string]any{"active": false})
}

func (r *GormUserRepository) updateByID(ctx context.Context, op string, id uint, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", id).UpdateColumns(updates)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "user", op, "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "user", op, "not_found")
		return ErrUserNotFound
	}
	observability.RecordRepositoryOperation(ctx, "user", op, "success")
	return nil
}

func (r *GormUserRepository) consumeResult(ctx context.Context, op string, res *gorm.DB) error {
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "user", op, "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "user", op, "consumed")
		return ErrArtifactConsumed
	}
	observability.RecordRepositoryOperation(ctx, "user", op, "success")
	return nil
}
