package service

import (
	"context"
	"errors"
	"time"

	"github.com/credstack/credd/internal/apperr"
	"github.com/credstack/credd/internal/domain"
	"github.com/credstack/credd/internal/repository"
	"github.com/credstack/credd/internal/security"
)

// refreshMintAttempts bounds retries on the (astronomically unlikely)
// refresh-token hash collision before giving up as transient.
const refreshMintAttempts = 3

// TokenService mints access/refresh token pairs and drives refresh
// rotation. It keeps no state of its own; sessions live in the
// repository.
type TokenService struct {
	jwtMgr     *security.JWTManager
	sessions   repository.SessionRepository
	pepper     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewTokenService(jwtMgr *security.JWTManager, sessions repository.SessionRepository, pepper string, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{jwtMgr: jwtMgr, sessions: sessions, pepper: pepper, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// Issue creates a fresh token pair and persists the backing session.
func (s *TokenService) Issue(ctx context.Context, user *domain.User, ua, ip string) (access, refresh string, err error) {
	access, err = s.jwtMgr.SignAccessToken(user.ID, string(user.Role), s.accessTTL)
	if err != nil {
		return "", "", apperr.Internal(err)
	}
	for attempt := 0; attempt < refreshMintAttempts; attempt++ {
		refresh, err = security.NewRefreshToken()
		if err != nil {
			return "", "", apperr.Internal(err)
		}
		err = s.sessions.Create(ctx, &domain.Session{
			UserID:           user.ID,
			RefreshTokenHash: security.HashRefreshToken(refresh, s.pepper),
			UserAgent:        ua,
			IP:               ip,
			ExpiresAt:        time.Now().Add(s.refreshTTL),
		})
		if err == nil {
			return access, refresh, nil
		}
		if !errors.Is(err, repository.ErrRefreshTokenConflict) {
			return "", "", mapStorageError(err)
		}
	}
	return "", "", apperr.Transient("could not allocate refresh token", err)
}

// Rotate exchanges a valid refresh token for a new pair. The presented
// token is single-use: rotation retires it, and a replay after
// rotation fails with INVALID_SESSION.
func (s *TokenService) Rotate(ctx context.Context, refreshToken, ua, ip string, fetchUser func(ctx context.Context, id uint) (*domain.User, error)) (access, newRefresh string, user *domain.User, err error) {
	hash := security.HashRefreshToken(refreshToken, s.pepper)
	session, err := s.sessions.FindValidByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return "", "", nil, apperr.InvalidSession()
		}
		return "", "", nil, mapStorageError(err)
	}

	user, err = fetchUser(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return "", "", nil, apperr.InvalidSession()
		}
		return "", "", nil, mapStorageError(err)
	}
	if !user.Active {
		return "", "", nil, apperr.InvalidSession()
	}

	access, err = s.jwtMgr.SignAccessToken(user.ID, string(user.Role), s.accessTTL)
	if err != nil {
		return "", "", nil, apperr.Internal(err)
	}
	newRefresh, err = security.NewRefreshToken()
	if err != nil {
		return "", "", nil, apperr.Internal(err)
	}
	_, err = s.sessions.Rotate(ctx, hash, &domain.Session{
		UserID:           user.ID,
		RefreshTokenHash: security.HashRefreshToken(newRefresh, s.pepper),
		UserAgent:        ua,
		IP:               ip,
		ExpiresAt:        time.Now().Add(s.refreshTTL),
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSessionNotFound):
			// Lost the race against a concurrent rotation or logout.
			return "", "", nil, apperr.InvalidSession()
		case errors.Is(err, repository.ErrRefreshTokenConflict):
			return "", "", nil, apperr.Transient("could not allocate refresh token", err)
		default:
			return "", "", nil, mapStorageError(err)
		}
	}
	return access, newRefresh, user, nil
}

// Revoke invalidates the session behind a refresh token. Idempotent:
// an already-invalid session is not an error.
func (s *TokenService) Revoke(ctx context.Context, refreshToken, reason string) error {
	hash := security.HashRefreshToken(refreshToken, s.pepper)
	if _, err := s.sessions.RevokeByHash(ctx, hash, reason); err != nil {
		return mapStorageError(err)
	}
	return nil
}

func (s *TokenService) RevokeAll(ctx context.Context, userID uint, reason string) (int64, error) {
	n, err := s.sessions.RevokeAllForUser(ctx, userID, reason)
	if err != nil {
		return 0, mapStorageError(err)
	}
	return n, nil
}
