package repository

import (
	"context"
	"errors"
	"time"

	"github.com/credstack/credd/internal/domain"
	"github.com/credstack/credd/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrRefreshTokenConflict reports a unique-index collision on the
	// refresh-token hash. Retryable: mint a fresh token and try again.
	ErrRefreshTokenConflict = errors.New("refresh token already exists")
)

// SessionRepository persists refresh-token grants. Validity and expiry
// checks on reads are authoritative; the periodic sweep only reclaims
// storage.
type SessionRepository interface {
	Create(ctx context.Context, s *domain.Session) error
	FindValidByHash(ctx context.Context, hash string) (*domain.Session, error)
	Rotate(ctx context.Context, oldHash string, newSession *domain.Session) (*domain.Session, error)
	RevokeByHash(ctx context.Context, hash, reason string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID uint, reason string) (int64, error)
	ListActiveByUserID(ctx context.Context, userID uint) ([]domain.Session, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

func (r *GormSessionRepository) Create(ctx context.Context, s *domain.Session) error {
	err := r.db.WithContext(ctx).Create(s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			observability.RecordRepositoryOperation(ctx, "session", "create", "conflict")
			return ErrRefreshTokenConflict
		}
		observability.RecordRepositoryOperation(ctx, "session", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "create", "success")
	return nil
}

// FindValidByHash returns a session only when it is unrevoked and
// unexpired; anything else is not found even if the row still exists.
func (r *GormSessionRepository) FindValidByHash(ctx context.Context, hash string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).
		Where("refresh_token_hash = ? AND revoked_at IS NULL AND expires_at > ?", hash, time.Now()).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "find_valid_by_hash", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "find_valid_by_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "find_valid_by_hash", "success")
	return &s, nil
}

// Rotate retires the presented session and installs its replacement as
// one transactional unit, so a failure mid-way never strands the user
// without a session.
func (r *GormSessionRepository) Rotate(ctx context.Context, oldHash string, newSession *domain.Session) (*domain.Session, error) {
	var rotated *domain.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s domain.Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("refresh_token_hash = ? AND revoked_at IS NULL AND expires_at > ?", oldHash, time.Now()).
			First(&s).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		now := time.Now().UTC()
		reason := "rotated"
		if err := tx.Model(&domain.Session{}).
			Where("id = ? AND revoked_at IS NULL", s.ID).
			Updates(map[string]any{"revoked_at": now, "revoked_reason": reason}).Error; err != nil {
			return err
		}
		if err := tx.Create(newSession).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrRefreshTokenConflict
			}
			return err
		}
		s.RevokedAt = &now
		s.RevokedReason = &reason
		rotated = &s
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			observability.RecordRepositoryOperation(ctx, "session", "rotate", "not_found")
		case errors.Is(err, ErrRefreshTokenConflict):
			observability.RecordRepositoryOperation(ctx, "session", "rotate", "conflict")
		default:
			observability.RecordRepositoryOperation(ctx, "session", "rotate", "error")
		}
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "rotate", "success")
	return rotated, nil
}

// RevokeByHash invalidates the session for the given token hash.
// Returns false when nothing changed, which callers treat as an
// already-logged-out session rather than an error.
func (r *GormSessionRepository) RevokeByHash(ctx context.Context, hash, reason string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("refresh_token_hash = ? AND revoked_at IS NULL", hash).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "revoke_by_hash", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "revoke_by_hash", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormSessionRepository) RevokeAllForUser(ctx context.Context, userID uint, reason string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "revoke_all_for_user", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "revoke_all_for_user", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionRepository) ListActiveByUserID(ctx context.Context, userID uint) ([]domain.Session, error) {
	var sessions []domain.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, time.Now()).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "list_active_by_user_id", "error")
		return sessions, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "list_active_by_user_id", "success")
	return sessions, nil
}

// CleanupExpired physically removes expired rows. Storage reclamation
// only; reads never depend on it having run.
func (r *GormSessionRepository) CleanupExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", time.Now()).Delete(&domain.Session{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "cleanup_expired", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "cleanup_expired", "success")
	return res.RowsAffected, nil
}
