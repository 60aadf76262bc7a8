package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/credstack/credd/internal/apperr"
	"github.com/credstack/credd/internal/domain"
	"github.com/credstack/credd/internal/lockout"
	"github.com/credstack/credd/internal/observability"
	"github.com/credstack/credd/internal/repository"
	"github.com/credstack/credd/internal/security"
)

type RegisterInput struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
}

type LoginResult struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token"`
	User         domain.PublicUser `json:"user"`
}

// AuthService orchestrates the register / login / refresh / logout
// flows. It is the only component that mutates the credential record's
// security state, and it does so exclusively through the repository's
// atomic updates.
type AuthService struct {
	users    repository.UserRepository
	hasher   *security.PasswordHasher
	tokens   *TokenService
	verifier *VerificationService
	policy   lockout.Policy
	logger   *slog.Logger
}

func NewAuthService(
	users repository.UserRepository,
	hasher *security.PasswordHasher,
	tokens *TokenService,
	verifier *VerificationService,
	policy lockout.Policy,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:    users,
		hasher:   hasher,
		tokens:   tokens,
		verifier: verifier,
		policy:   policy,
		logger:   logger,
	}
}

// Register creates a credential record and kicks off email
// verification. Registration succeeds even when the verification
// dispatch fails; the artifact can be re-sent.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*domain.PublicUser, error) {
	if !domain.ValidUsername(in.Username) {
		return nil, apperr.Validation("username must be 3-50 characters of letters, digits, '_', '-' or '.'")
	}
	email := domain.NormalizeEmail(in.Email)
	if !domain.ValidEmail(email) {
		return nil, apperr.Validation("invalid email address")
	}
	if len(in.Password) < 8 {
		return nil, apperr.Validation("password must be at least 8 characters")
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	user := &domain.User{
		Username:     in.Username,
		Email:        email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Role:         domain.RoleUser,
		Active:       true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateUser) {
			return nil, apperr.Duplicate("username or email already taken")
		}
		return nil, mapStorageError(err)
	}
	if err := s.verifier.SendVerificationEmail(ctx, user); err != nil {
		s.logger.Warn("issue verification artifact failed", "user_id", user.ID, "error", err.Error())
	}
	pub := user.Public()
	return &pub, nil
}

// Login verifies credentials under the lockout policy. While locked,
// the credential check is skipped entirely, so lock-window attempts do
// not churn the counter; lookup and password failures both collapse to
// the same generic error.
func (s *AuthService) Login(ctx context.Context, email, password, ua, ip string) (*LoginResult, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			observability.RecordAuthLogin("unknown_email")
			return nil, apperr.InvalidCredentials()
		}
		return nil, mapStorageError(err)
	}
	if !user.Active {
		observability.RecordAuthLogin("inactive")
		return nil, apperr.InvalidCredentials()
	}

	now := time.Now()
	if lockout.IsLocked(user, now) {
		observability.RecordAuthLogin("locked")
		observability.RecordLockout("rejected")
		return nil, apperr.Locked(lockout.RetryAfter(user, now))
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		locked, err := s.applyFailedAttempt(ctx, user, now)
		if err != nil {
			return nil, err
		}
		// The attempt that crosses the threshold already answers as
		// locked, not as one more bad password.
		if locked {
			observability.RecordAuthLogin("locked")
			return nil, apperr.Locked(s.policy.LockDuration)
		}
		observability.RecordAuthLogin("bad_password")
		return nil, apperr.InvalidCredentials()
	}

	if err := s.users.RecordLoginSuccess(ctx, user.ID, now, ip); err != nil {
		return nil, mapStorageError(err)
	}
	access, refresh, err := s.tokens.Issue(ctx, user, ua, ip)
	if err != nil {
		return nil, err
	}
	observability.RecordAuthLogin("success")
	last := now
	user.LastLogin = &last
	return &LoginResult{AccessToken: access, RefreshToken: refresh, User: user.Public()}, nil
}

// applyFailedAttempt plays the lockout policy's failure transition
// against storage. The increment and the lock set are each a single
// conditional UPDATE, so concurrent failures neither under-count nor
// double-lock. Reports whether this attempt installed the lock.
func (s *AuthService) applyFailedAttempt(ctx context.Context, user *domain.User, now time.Time) (bool, error) {
	tr := s.policy.OnFailure(user, now)
	if tr.ResetExpiredLock {
		if _, err := s.users.ResetAttemptsAfterExpiredLock(ctx, user.ID, now); err != nil {
			return false, mapStorageError(err)
		}
		observability.RecordLockout("expired_reset")
		return false, nil
	}
	if err := s.users.IncrementLoginAttempts(ctx, user.ID); err != nil {
		return false, mapStorageError(err)
	}
	// The threshold re-check runs against the stored counter, not the
	// snapshot, so racing failures cannot slip past it.
	locked, err := s.users.LockIfAttemptsReached(ctx, user.ID, s.policy.MaxAttempts, now.Add(s.policy.LockDuration))
	if err != nil {
		return false, mapStorageError(err)
	}
	if locked {
		observability.RecordLockout("locked")
		s.logger.Info("account locked after repeated failures", "user_id", user.ID)
	}
	return locked, nil
}

// Refresh rotates a refresh token: the presented token is retired and
// a new pair is issued. A replayed token fails with INVALID_SESSION.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, ua, ip string) (*LoginResult, error) {
	access, newRefresh, user, err := s.tokens.Rotate(ctx, refreshToken, ua, ip, s.users.FindByID)
	if err != nil {
		observability.RecordAuthRefresh("rejected")
		return nil, err
	}
	observability.RecordAuthRefresh("success")
	return &LoginResult{AccessToken: access, RefreshToken: newRefresh, User: user.Public()}, nil
}

// Logout invalidates the presented session. Idempotent.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if err := s.tokens.Revoke(ctx, refreshToken, "logout"); err != nil {
		observability.RecordAuthLogout("error")
		return err
	}
	observability.RecordAuthLogout("success")
	return nil
}

func (s *AuthService) GetProfile(ctx context.Context, userID uint) (*domain.PublicUser, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, apperr.Unauthenticated("account not found")
		}
		return nil, mapStorageError(err)
	}
	if !user.Active {
		return nil, apperr.Unauthenticated("account deactivated")
	}
	pub := user.Public()
	return &pub, nil
}

// ChangePassword verifies the current password, installs the new hash
// and revokes every outstanding session.
func (s *AuthService) ChangePassword(ctx context.Context, userID uint, current, next string) error {
	if len(next) < 8 {
		return apperr.Validation("password must be at least 8 characters")
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return apperr.Unauthenticated("account not found")
		}
		return mapStorageError(err)
	}
	if !s.hasher.Verify(current, user.PasswordHash) {
		return apperr.InvalidCredentials()
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return mapStorageError(err)
	}
	if _, err := s.tokens.RevokeAll(ctx, userID, "password_change"); err != nil {
		s.logger.Warn("revoke sessions after password change failed", "user_id", userID, "error", err.Error())
	}
	return nil
}

// TouchAccess bumps the access counter and network address for an
// authenticated request. Best effort; the guard does not fail a
// request over it.
func (s *AuthService) TouchAccess(ctx context.Context, userID uint, ip string) {
	if err := s.users.RecordAccess(ctx, userID, ip); err != nil {
		s.logger.Debug("record access failed", "user_id", userID, "error", err.Error())
	}
}
