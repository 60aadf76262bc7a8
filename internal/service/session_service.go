package service

import (
	"context"
	"time"

	"github.com/credstack/credd/internal/repository"
)

type SessionView struct {
	ID        uint      `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UserAgent string    `json:"user_agent"`
	IP        string    `json:"ip"`
}

// SessionService exposes a user's own outstanding refresh grants.
type SessionService struct {
	sessions repository.SessionRepository
}

func NewSessionService(sessions repository.SessionRepository) *SessionService {
	return &SessionService{sessions: sessions}
}

func (s *SessionService) ListActiveSessions(ctx context.Context, userID uint) ([]SessionView, error) {
	sessions, err := s.sessions.ListActiveByUserID(ctx, userID)
	if err != nil {
		return nil, mapStorageError(err)
	}
	views := make([]SessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, SessionView{
			ID:        session.ID,
			CreatedAt: session.CreatedAt,
			ExpiresAt: session.ExpiresAt,
			UserAgent: session.UserAgent,
			IP:        session.IP,
		})
	}
	return views, nil
}

// LogoutEverywhere revokes every outstanding session for the user.
func (s *SessionService) LogoutEverywhere(ctx context.Context, userID uint) (int64, error) {
	n, err := s.sessions.RevokeAllForUser(ctx, userID, "logout_everywhere")
	if err != nil {
		return 0, mapStorageError(err)
	}
	return n, nil
}
