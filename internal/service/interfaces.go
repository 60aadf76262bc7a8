package service

import (
	"context"

	"github.com/credstack/credd/internal/domain"
)

// Handler-facing surfaces. Handlers depend on these rather than the
// concrete services so tests can substitute fakes.

type Authenticator interface {
	Register(ctx context.Context, in RegisterInput) (*domain.PublicUser, error)
	Login(ctx context.Context, email, password, ua, ip string) (*LoginResult, error)
	Refresh(ctx context.Context, refreshToken, ua, ip string) (*LoginResult, error)
	Logout(ctx context.Context, refreshToken string) error
	GetProfile(ctx context.Context, userID uint) (*domain.PublicUser, error)
	ChangePassword(ctx context.Context, userID uint, current, next string) error
	TouchAccess(ctx context.Context, userID uint, ip string)
}

type Verifier interface {
	VerifyEmail(ctx context.Context, token string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	SendOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, code string) error
}

type SessionLister interface {
	ListActiveSessions(ctx context.Context, userID uint) ([]SessionView, error)
	LogoutEverywhere(ctx context.Context, userID uint) (int64, error)
}
