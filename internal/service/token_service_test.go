package service

import (
	"context"
	"testing"

	"github.com/credstack/credd/internal/apperr"
)

func TestRefreshRotationIsSingleUse(t *testing.T) {
	st := newAuthStack(t)
	ctx := context.Background()
	st.register(t, "rota", "rota@example.com", "correct-horse")

	res, err := st.auth.Login(ctx, "rota@example.com", "correct-horse", "ua", "1.2.3.4")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	r1 := res.RefreshToken

	second, err := st.auth.Refresh(ctx, r1, "ua", "1.2.3.4")
	if err != nil {
		t.Fatalf("first rotation: %v", err)
	}
	r2 := second.RefreshToken
	if r2 == r1 {
		t.Fatal("rotation must mint a fresh token")
	}

	// Replaying the retired token fails; the successor still works.
	if _, err := st.auth.Refresh(ctx, r1, "ua", "1.2.3.4"); apperr.CodeOf(err) != apperr.CodeInvalidSession {
		t.Fatalf("replayed token: want INVALID_SESSION, got %v", err)
	}
	third, err := st.auth.Refresh(ctx, r2, "ua", "1.2.3.4")
	if err != nil {
		t.Fatalf("chained rotation: %v", err)
	}
	if third.RefreshToken == r2 {
		t.Fatal("chained rotation must mint a fresh token")
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	st := newAuthStack(t)

	if _, err := st.auth.Refresh(context.Background(), "never-issued", "ua", "1.2.3.4"); apperr.CodeOf(err) != apperr.CodeInvalidSession {
		t.Fatalf("unknown token: want INVALID_SESSION, got %v", err)
	}
}

func TestRefreshRefusesDeactivatedAccount(t *testing.T) {
	st := newAuthStack(t)
	ctx := context.Background()
	pub := st.register(t, "gone", "gone@example.com", "correct-horse")

	res, err := st.auth.Login(ctx, "gone@example.com", "correct-horse", "ua", "1.2.3.4")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := st.users.Deactivate(ctx, pub.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := st.auth.Refresh(ctx, res.RefreshToken, "ua", "1.2.3.4"); apperr.CodeOf(err) != apperr.CodeInvalidSession {
		t.Fatalf("deactivated account: want INVALID_SESSION, got %v", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	st := newAuthStack(t)
	ctx := context.Background()
	st.register(t, "bye", "bye@example.com", "correct-horse")

	res, err := st.auth.Login(ctx, "bye@example.com", "correct-horse", "ua", "1.2.3.4")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := st.auth.Logout(ctx, res.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := st.auth.Logout(ctx, res.RefreshToken); err != nil {
		t.Fatalf("repeated logout must be a no-op, got %v", err)
	}
	if err := st.auth.Logout(ctx, "never-issued"); err != nil {
		t.Fatalf("logout with unknown token must be a no-op, got %v", err)
	}
	if _, err := st.auth.Refresh(ctx, res.RefreshToken, "ua", "1.2.3.4"); apperr.CodeOf(err) != apperr.CodeInvalidSession {
		t.Fatalf("logged-out session must not rotate, got %v", err)
	}
}

func TestListAndRevokeAllSessions(t *testing.T) {
	st := newAuthStack(t)
	ctx := context.Background()
	pub := st.register(t, "multi", "multi@example.com", "correct-horse")

	for i := 0; i < 3; i++ {
		if _, err := st.auth.Login(ctx, "multi@example.com", "correct-horse", "ua", "1.2.3.4"); err != nil {
			t.Fatalf("login %d: %v", i, err)
		}
	}

	views, err := st.svcSess.ListActiveSessions(ctx, pub.ID)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("want 3 active sessions, got %d", len(views))
	}

	n, err := st.svcSess.LogoutEverywhere(ctx, pub.ID)
	if err != nil {
		t.Fatalf("logout everywhere: %v", err)
	}
	if n != 3 {
		t.Fatalf("want 3 revoked, got %d", n)
	}
	views, err = st.svcSess.ListActiveSessions(ctx, pub.ID)
	if err != nil {
		t.Fatalf("list after revoke-all: %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("want no active sessions, got %d", len(views))
	}
}
