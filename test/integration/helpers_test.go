package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/credstack/credd/internal/domain"
	"github.com/credstack/credd/internal/health"
	"github.com/credstack/credd/internal/http/handler"
	"github.com/credstack/credd/internal/http/router"
	"github.com/credstack/credd/internal/lockout"
	"github.com/credstack/credd/internal/notify"
	"github.com/credstack/credd/internal/repository"
	"github.com/credstack/credd/internal/security"
	"github.com/credstack/credd/internal/service"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// captureMailer stands in for the SMTP transport so tests can read
// issued tokens and codes out of the dispatched messages.
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

type testServer struct {
	baseURL string
	client  *http.Client
	mailer  *captureMailer
	db      *gorm.DB
}

func newAuthTestServer(t *testing.T) *testServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.User{}, &domain.Session{}))

	silent := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := repository.NewUserRepository(db)
	sessions := repository.NewSessionRepository(db)
	hasher := security.NewPasswordHasher(4)
	jwtMgr := security.NewJWTManager("credd-test", "credd-clients", "0123456789abcdef0123456789abcdef")
	tokens := service.NewTokenService(jwtMgr, sessions, "test-pepper-0123", 15*time.Minute, 24*time.Hour)
	mailer := &captureMailer{}
	dispatcher := notify.NewDispatcher(mailer, time.Second, 1, silent)
	verifier := service.NewVerificationService(users, sessions, hasher, dispatcher,
		"http://localhost:8080", 10*time.Minute, 2*time.Hour, 24*time.Hour, silent)
	policy := lockout.Policy{MaxAttempts: lockout.DefaultMaxAttempts, LockDuration: lockout.DefaultLockDuration}
	auth := service.NewAuthService(users, hasher, tokens, verifier, policy, silent)

	h := router.NewRouter(router.Dependencies{
		AuthHandler:        handler.NewAuthHandler(auth, verifier),
		UserHandler:        handler.NewUserHandler(service.NewSessionService(sessions)),
		JWTManager:         jwtMgr,
		Identities:         auth,
		CORSOrigins:        []string{"http://localhost"},
		APIRateLimitRPM:    10000,
		AuthRateLimitRPM:   10000,
		ForgotRateLimitRPM: 10000,
		Readiness:          health.NewProbeRunner(time.Second),
	})

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &testServer{baseURL: srv.URL, client: srv.Client(), mailer: mailer, db: db}
}

func (ts *testServer) doJSON(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, ts.baseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

type loginPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID    uint   `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (ts *testServer) register(t *testing.T, username, email, password string) {
	t.Helper()
	resp, env := ts.doJSON(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, env.Success)
}

func (ts *testServer) login(t *testing.T, email, password string) loginPayload {
	t.Helper()
	resp, env := ts.doJSON(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)
	var payload loginPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.NotEmpty(t, payload.AccessToken)
	require.NotEmpty(t, payload.RefreshToken)
	return payload
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func tokenFromLink(t *testing.T, msg notify.Message) string {
	t.Helper()
	link := msg.Payload["link"]
	i := strings.Index(link, "token=")
	require.GreaterOrEqual(t, i, 0, "no token in link %q", link)
	return link[i+len("token="):]
}
