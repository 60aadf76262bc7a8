package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/credstack/credd/internal/apperr"
	"github.com/credstack/credd/internal/domain"
	"github.com/credstack/credd/internal/http/middleware"
	"github.com/credstack/credd/internal/service"
)

type fakeAuthenticator struct {
	registerErr error
	loginRes    *service.LoginResult
	loginErr    error
	changeErr   error
	lastLogin   [2]string
}

func (f *fakeAuthenticator) Register(_ context.Context, in service.RegisterInput) (*domain.PublicUser, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &domain.PublicUser{ID: 1, Username: in.Username, Email: in.Email, Role: domain.RoleUser}, nil
}

func (f *fakeAuthenticator) Login(_ context.Context, email, password, _, _ string) (*service.LoginResult, error) {
	f.lastLogin = [2]string{email, password}
	return f.loginRes, f.loginErr
}

func (f *fakeAuthenticator) Refresh(context.Context, string, string, string) (*service.LoginResult, error) {
	return nil, apperr.InvalidSession()
}

func (f *fakeAuthenticator) Logout(context.Context, string) error { return nil }

func (f *fakeAuthenticator) GetProfile(context.Context, uint) (*domain.PublicUser, error) {
	return &domain.PublicUser{ID: 1}, nil
}

func (f *fakeAuthenticator) ChangePassword(context.Context, uint, string, string) error {
	return f.changeErr
}

func (f *fakeAuthenticator) TouchAccess(context.Context, uint, string) {}

type fakeVerifier struct {
	verifyEmailErr error
	otpErr         error
}

func (f *fakeVerifier) VerifyEmail(context.Context, string) error    { return f.verifyEmailErr }
func (f *fakeVerifier) ForgotPassword(context.Context, string) error { return nil }
func (f *fakeVerifier) ResetPassword(context.Context, string, string) error {
	return nil
}
func (f *fakeVerifier) SendOTP(context.Context, string) error           { return nil }
func (f *fakeVerifier) VerifyOTP(context.Context, string, string) error { return f.otpErr }

func postJSON(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/x", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error == nil {
		t.Fatalf("no error in envelope: %s", rec.Body)
	}
	return env.Error.Code
}

func TestRegisterHandlerMalformedBody(t *testing.T) {
	h := NewAuthHandler(&fakeAuthenticator{}, &fakeVerifier{})
	rec := postJSON(h.Register, `{"username": `)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "VALIDATION" {
		t.Fatalf("want VALIDATION, got %s", code)
	}
}

func TestRegisterHandlerUnknownField(t *testing.T) {
	h := NewAuthHandler(&fakeAuthenticator{}, &fakeVerifier{})
	rec := postJSON(h.Register, `{"username":"a","email":"a@b.c","password":"12345678","admin":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown fields must be rejected, got %d", rec.Code)
	}
}

func TestRegisterHandlerDuplicate(t *testing.T) {
	h := NewAuthHandler(&fakeAuthenticator{registerErr: apperr.Duplicate("taken")}, &fakeVerifier{})
	rec := postJSON(h.Register, `{"username":"a","email":"a@b.c","password":"12345678"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("want 409, got %d", rec.Code)
	}
}

func TestLoginHandlerSuccess(t *testing.T) {
	auth := &fakeAuthenticator{loginRes: &service.LoginResult{
		AccessToken:  "at",
		RefreshToken: "rt",
		User:         domain.PublicUser{ID: 1, Email: "a@b.c"},
	}}
	h := NewAuthHandler(auth, &fakeVerifier{})
	rec := postJSON(h.Login, `{"email":"a@b.c","password":"pw"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body)
	}
	if auth.lastLogin != [2]string{"a@b.c", "pw"} {
		t.Fatalf("credentials not passed through: %v", auth.lastLogin)
	}
	if !strings.Contains(rec.Body.String(), `"refresh_token":"rt"`) {
		t.Fatalf("tokens missing from payload: %s", rec.Body)
	}
}

func TestLoginHandlerLocked(t *testing.T) {
	h := NewAuthHandler(&fakeAuthenticator{loginErr: apperr.Locked(3600000000000)}, &fakeVerifier{})
	rec := postJSON(h.Login, `{"email":"a@b.c","password":"pw"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("want 403, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "3600" {
		t.Fatalf("want Retry-After 3600, got %q", rec.Header().Get("Retry-After"))
	}
	if code := decodeError(t, rec); code != "LOCKED" {
		t.Fatalf("want LOCKED, got %s", code)
	}
}

func TestVerifyEmailHandlerMismatch(t *testing.T) {
	h := NewAuthHandler(&fakeAuthenticator{}, &fakeVerifier{verifyEmailErr: apperr.Mismatch("invalid")})
	req := httptest.NewRequest("GET", "/verify-email?token=nope", nil)
	rec := httptest.NewRecorder()
	h.VerifyEmail(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %d", rec.Code)
	}
}

func TestChangePasswordHandlerRequiresIdentity(t *testing.T) {
	h := NewAuthHandler(&fakeAuthenticator{}, &fakeVerifier{})
	rec := postJSON(h.ChangePassword, `{"current_password":"a","new_password":"12345678"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 without identity, got %d", rec.Code)
	}
}

func TestChangePasswordHandlerWithIdentity(t *testing.T) {
	h := NewAuthHandler(&fakeAuthenticator{}, &fakeVerifier{})
	req := httptest.NewRequest("POST", "/me/password", strings.NewReader(`{"current_password":"a","new_password":"12345678"}`))
	ctx := context.WithValue(req.Context(), middleware.IdentityContextKey, &domain.PublicUser{ID: 9})
	rec := httptest.NewRecorder()
	h.ChangePassword(rec, req.WithContext(ctx))
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body)
	}
}
