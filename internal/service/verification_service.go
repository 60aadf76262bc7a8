package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/credstack/credd/internal/apperr"
	"github.com/credstack/credd/internal/domain"
	"github.com/credstack/credd/internal/notify"
	"github.com/credstack/credd/internal/observability"
	"github.com/credstack/credd/internal/repository"
	"github.com/credstack/credd/internal/security"
)

// VerificationService issues and consumes the single-use verification
// artifacts: email-verification tokens, password-reset tokens, OTP
// codes. Consumption clears value and expiry atomically, so a replayed
// value fails with MISMATCH.
type VerificationService struct {
	users      repository.UserRepository
	sessions   repository.SessionRepository
	hasher     *security.PasswordHasher
	dispatcher *notify.Dispatcher
	baseURL    string
	otpTTL     time.Duration
	resetTTL   time.Duration
	verifyTTL  time.Duration
	logger     *slog.Logger
}

func NewVerificationService(
	users repository.UserRepository,
	sessions repository.SessionRepository,
	hasher *security.PasswordHasher,
	dispatcher *notify.Dispatcher,
	baseURL string,
	otpTTL, resetTTL, verifyTTL time.Duration,
	logger *slog.Logger,
) *VerificationService {
	return &VerificationService{
		users:      users,
		sessions:   sessions,
		hasher:     hasher,
		dispatcher: dispatcher,
		baseURL:    baseURL,
		otpTTL:     otpTTL,
		resetTTL:   resetTTL,
		verifyTTL:  verifyTTL,
		logger:     logger,
	}
}

// SendVerificationEmail issues a fresh verification token and hands it
// to the notification channel. Dispatch failures never surface.
func (s *VerificationService) SendVerificationEmail(ctx context.Context, user *domain.User) error {
	token := security.NewVerificationToken()
	if err := s.users.SetVerificationToken(ctx, user.ID, token, time.Now().Add(s.verifyTTL)); err != nil {
		return mapStorageError(err)
	}
	s.dispatcher.Dispatch(notify.Message{
		To:       user.Email,
		Template: notify.TemplateVerifyEmail,
		Payload:  map[string]string{"link": fmt.Sprintf("%s/api/v1/auth/verify-email?token=%s", s.baseURL, token)},
	})
	return nil
}

func (s *VerificationService) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return apperr.Validation("token is required")
	}
	user, err := s.users.FindByVerificationToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			observability.RecordVerification("email", "mismatch")
			return apperr.Mismatch("invalid verification token")
		}
		return mapStorageError(err)
	}
	if user.VerificationTokenExpires == nil || !user.VerificationTokenExpires.After(time.Now()) {
		observability.RecordVerification("email", "expired")
		return apperr.Expired("verification token expired")
	}
	if err := s.users.ConsumeVerificationToken(ctx, user.ID, token); err != nil {
		if errors.Is(err, repository.ErrArtifactConsumed) {
			observability.RecordVerification("email", "mismatch")
			return apperr.Mismatch("invalid verification token")
		}
		return mapStorageError(err)
	}
	observability.RecordVerification("email", "verified")
	return nil
}

// ForgotPassword always reports success to the caller so the endpoint
// cannot be used to enumerate accounts.
func (s *VerificationService) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			observability.RecordVerification("reset", "unknown_email")
			return nil
		}
		return mapStorageError(err)
	}
	if !user.Active {
		return nil
	}
	token := security.NewVerificationToken()
	if err := s.users.SetResetToken(ctx, user.ID, token, time.Now().Add(s.resetTTL)); err != nil {
		return mapStorageError(err)
	}
	s.dispatcher.Dispatch(notify.Message{
		To:       user.Email,
		Template: notify.TemplatePasswordReset,
		Payload:  map[string]string{"link": fmt.Sprintf("%s/reset-password?token=%s", s.baseURL, token)},
	})
	observability.RecordVerification("reset", "issued")
	return nil
}

// ResetPassword consumes a reset token and installs the new password.
// The artifact permits exactly one password change; all sessions are
// revoked afterwards.
func (s *VerificationService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" || len(newPassword) < 8 {
		return apperr.Validation("token and a password of at least 8 characters are required")
	}
	user, err := s.users.FindByResetToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			observability.RecordVerification("reset", "mismatch")
			return apperr.Mismatch("invalid reset token")
		}
		return mapStorageError(err)
	}
	now := time.Now()
	if user.ResetTokenExpires == nil || !user.ResetTokenExpires.After(now) {
		observability.RecordVerification("reset", "expired")
		return apperr.Expired("reset token expired")
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := s.users.ConsumeResetToken(ctx, user.ID, token, hash, now); err != nil {
		if errors.Is(err, repository.ErrArtifactConsumed) {
			observability.RecordVerification("reset", "mismatch")
			return apperr.Mismatch("invalid reset token")
		}
		return mapStorageError(err)
	}
	if _, err := s.sessions.RevokeAllForUser(ctx, user.ID, "password_reset"); err != nil {
		s.logger.Warn("revoke sessions after password reset failed", "user_id", user.ID, "error", err.Error())
	}
	observability.RecordVerification("reset", "verified")
	return nil
}

// SendOTP stores a short-lived 6-digit code on the record and
// dispatches it. Unknown addresses succeed silently.
func (s *VerificationService) SendOTP(ctx context.Context, email string) error {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			observability.RecordVerification("otp", "unknown_email")
			return nil
		}
		return mapStorageError(err)
	}
	if !user.Active {
		return nil
	}
	code, err := security.NewOTPCode()
	if err != nil {
		return apperr.Internal(err)
	}
	if err := s.users.SetOTP(ctx, user.ID, code, time.Now().Add(s.otpTTL)); err != nil {
		return mapStorageError(err)
	}
	s.dispatcher.Dispatch(notify.Message{
		To:       user.Email,
		Template: notify.TemplateOTP,
		Payload:  map[string]string{"code": code},
	})
	observability.RecordVerification("otp", "issued")
	return nil
}

// VerifyOTP checks the presented code. A matching but expired code is
// EXPIRED, never VERIFIED; the expiry check is independent of the
// value comparison.
func (s *VerificationService) VerifyOTP(ctx context.Context, email, code string) error {
	if code == "" {
		return apperr.Validation("code is required")
	}
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			observability.RecordVerification("otp", "mismatch")
			return apperr.Mismatch("invalid code")
		}
		return mapStorageError(err)
	}
	if user.OTPCode == nil || !security.ConstantTimeEquals(code, *user.OTPCode) {
		observability.RecordVerification("otp", "mismatch")
		return apperr.Mismatch("invalid code")
	}
	now := time.Now()
	if user.OTPExpires == nil || !user.OTPExpires.After(now) {
		observability.RecordVerification("otp", "expired")
		return apperr.Expired("code expired")
	}
	if err := s.users.ConsumeOTP(ctx, user.ID, code, now); err != nil {
		if errors.Is(err, repository.ErrArtifactConsumed) {
			observability.RecordVerification("otp", "mismatch")
			return apperr.Mismatch("invalid code")
		}
		return mapStorageError(err)
	}
	observability.RecordVerification("otp", "verified")
	return nil
}
