package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/credstack/credd/internal/domain"
	"github.com/credstack/credd/internal/lockout"
	"github.com/credstack/credd/internal/notify"
	"github.com/credstack/credd/internal/repository"
	"github.com/credstack/credd/internal/security"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// captureMailer records dispatched messages so tests can read issued
// artifacts back out of the notification path.
type captureMailer struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (m *captureMailer) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *captureMailer) waitFor(t *testing.T, n int) notify.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		if len(m.sent) >= n {
			msg := m.sent[n-1]
			m.mu.Unlock()
			return msg
		}
		m.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no dispatched message #%d within deadline", n)
	return notify.Message{}
}

type authStack struct {
	db       *gorm.DB
	users    repository.UserRepository
	sessions repository.SessionRepository
	auth     *AuthService
	tokens   *TokenService
	verifier *VerificationService
	svcSess  *SessionService
	mailer   *captureMailer
	hasher   *security.PasswordHasher
}

func newAuthStack(t *testing.T) *authStack {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.Session{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	silent := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := repository.NewUserRepository(db)
	sessions := repository.NewSessionRepository(db)
	hasher := security.NewPasswordHasher(4)
	jwtMgr := security.NewJWTManager("credd-test", "credd-clients", "0123456789abcdef0123456789abcdef")
	tokens := NewTokenService(jwtMgr, sessions, "test-pepper-0123", 15*time.Minute, 24*time.Hour)
	mailer := &captureMailer{}
	dispatcher := notify.NewDispatcher(mailer, time.Second, 1, silent)
	verifier := NewVerificationService(users, sessions, hasher, dispatcher,
		"http://localhost:8080", 10*time.Minute, 2*time.Hour, 24*time.Hour, silent)
	policy := lockout.Policy{MaxAttempts: lockout.DefaultMaxAttempts, LockDuration: lockout.DefaultLockDuration}
	auth := NewAuthService(users, hasher, tokens, verifier, policy, silent)

	return &authStack{
		db:       db,
		users:    users,
		sessions: sessions,
		auth:     auth,
		tokens:   tokens,
		verifier: verifier,
		svcSess:  NewSessionService(sessions),
		mailer:   mailer,
		hasher:   hasher,
	}
}

func (st *authStack) register(t *testing.T, username, email, password string) *domain.PublicUser {
	t.Helper()
	pub, err := st.auth.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    email,
		Password: password,
	})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return pub
}
