package service

import (
	"context"
	"testing"
	"time"

	"github.com/credstack/credd/internal/apperr"
	"github.com/credstack/credd/internal/domain"
	"github.com/credstack/credd/internal/lockout"
)

func TestRegisterRejectsDuplicates(t *testing.T) {
	st := newAuthStack(t)
	ctx := context.Background()

	st.register(t, "alice", "alice@example.com", "s3cret-pass")

	_, err := st.auth.Register(ctx, RegisterInput{Username: "alice", Email: "other@example.com", Password: "s3cret-pass"})
	if apperr.CodeOf(err) != apperr.CodeDuplicate {
		t.Fatalf("duplicate username: want DUPLICATE, got %v", err)
	}
	_, err = st.auth.Register(ctx, RegisterInput{Username: "alice2", Email: "Alice@Example.com", Password: "s3cret-pass"})
	if apperr.CodeOf(err) != apperr.CodeDuplicate {
		t.Fatalf("duplicate email (case-folded): want DUPLICATE, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	st := newAuthStack(t)
	ctx := context.Background()

	cases := []RegisterInput{
		{Username: "ab", Email: "a@example.com", Password: "long-enough"},
		{Username: "valid", Email: "not-an-email", Password: "long-enough"},
		{Username: "valid", Email: "a@example.com", Password: "short"},
	}
	for _, in := range cases {
		if _, err := st.auth.Register(ctx, in); apperr.CodeOf(err) != apperr.CodeValidation {
			t.Fatalf("input %+v: want VALIDATION, got %v", in, err)
		}
	}
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	st := newAuthStack(t)
	ctx := context.Background()
	st.register(t, "bob", "bob@example.com", "correct-horse")

	_, unknownErr := st.auth.Login(ctx, "nobody@example.com", "whatever", "ua", "1.2.3.4")
	_, badPassErr := st.auth.Login(ctx, "bob@example.com", "wrong-pass", "ua", "1.2.3.4")

	if apperr.CodeOf(unknownErr) != apperr.CodeInvalidCredentials {
		t.Fatalf("unknown email: want INVALID_CREDENTIALS, got %v", unknownErr)
	}
	if apperr.CodeOf(badPassErr) != apperr.CodeInvalidCredentials {
		t.Fatalf("bad password: want INVALID_CREDENTIALS, got %v", badPassErr)
	}
	if unknownErr.Error() != badPassErr.Error() {
		t.Fatalf("lookup and password failures must be indistinguishable: %q vs %q", unknownErr, badPassErr)
	}
}

func TestLoginLockoutAfterMaxFailures(t *testing.T) {
	st := newAuthStack(t)
	ctx := context.Background()
	st.register(t, "carol", "carol@example.com", "correct-horse")

	for i := 0; i < lockout.DefaultMaxAttempts-1; i++ {
		if _, err := st.auth.Login(ctx, "carol@example.com", "wrong-pass", "ua", "1.2.3.4"); apperr.CodeOf(err) != apperr.CodeInvalidCredentials {
			t.Fatalf("failure %d: want INVALID_CREDENTIALS, got %v", i+1, err)
		}
	}

	// The failure that crosses the threshold answers as LOCKED, not as
	// one more bad password, and carries a positive retry-after.
	_, err := st.auth.Login(ctx, "carol@example.com", "wrong-pass", "ua", "1.2.3.4")
	if apperr.CodeOf(err) != apperr.CodeLocked {
		t.Fatalf("final failure: want LOCKED, got %v", err)
	}
	if appErr := apperr.AsError(err); appErr == nil || appErr.RetryAfter <= 0 {
		t.Fatalf("LOCKED must carry retry-after, got %+v", appErr)
	}

	// The correct password is refused while the lock holds.
	_, err = st.auth.Login(ctx, "carol@example.com", "correct-horse", "ua", "1.2.3.4")
	if apperr.CodeOf(err) != apperr.CodeLocked {
		t.Fatalf("want LOCKED, got %v", err)
	}

	// Lock-window attempts do not churn the counter.
	before := st.mustFindByEmail(t, "carol@example.com")
	if _, err := st.auth.Login(ctx, "carol@example.com", "wrong-pass", "ua", "1.2.3.4"); apperr.CodeOf(err) != apperr.CodeLocked {
		t.Fatalf("want LOCKED on wrong password too, got %v", err)
	}
	after := st.mustFindByEmail(t, "carol@example.com")
	if after.LoginAttempts != before.LoginAttempts {
		t.Fatalf("counter moved during lock window: %d -> %d", before.LoginAttempts, after.LoginAttempts)
	}
}

func TestLoginAfterExpiredLock(t *testing.T) {
	st := newAuthStack(t)
	ctx := context.Background()
	st.register(t, "dave", "dave@example.com", "correct-horse")
	u := st.mustFindByEmail(t, "dave@example.com")

	expired := time.Now().Add(-time.Minute)
	if err := st.db.Model(&domain.User{}).Where("id = ?", u.ID).
		Updates(map[string]any{"login_attempts": lockout.DefaultMaxAttempts, "lock_until": expired}).Error; err != nil {
		t.Fatalf("seed expired lock: %v", err)
	}

	// A failure after expiry starts a fresh window at 1 instead of
	// immediately re-locking.
	if _, err := st.auth.Login(ctx, "dave@example.com", "wrong-pass", "ua", "1.2.3.4"); apperr.CodeOf(err) != apperr.CodeInvalidCredentials {
		t.Fatalf("post-expiry failure: want INVALID_CREDENTIALS, got %v", err)
	}
	fresh := st.mustFindByEmail(t, "dave@example.com")
	if fresh.LoginAttempts != 1 || fresh.LockUntil != nil {
		t.Fatalf("expired lock must reset counter to 1 and clear lock, got attempts=%d lock=%v", fresh.LoginAttempts, fresh.LockUntil)
	}

	// Success clears everything.
	res, err := st.auth.Login(ctx, "dave@example.com", "correct-horse", "ua", "1.2.3.4")
	if err != nil {
		t.Fatalf("post-expiry success: %v", err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatal("login result missing tokens")
	}
	cleared := st.mustFindByEmail(t, "dave@example.com")
	if cleared.LoginAttempts != 0 || cleared.LockUntil != nil {
		t.Fatalf("success must clear lockout state, got attempts=%d lock=%v", cleared.LoginAttempts, cleared.LockUntil)
	}
}

func TestLoginRefusesDeactivatedAccount(t *testing.T) {
	st := newAuthStack(t)
	ctx := context.Background()
	pub := st.register(t, "erin", "erin@example.com", "correct-horse")

	if err := st.users.Deactivate(ctx, pub.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := st.auth.Login(ctx, "erin@example.com", "correct-horse", "ua", "1.2.3.4"); apperr.CodeOf(err) != apperr.CodeInvalidCredentials {
		t.Fatalf("deactivated account must fail generically, got %v", err)
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	st := newAuthStack(t)
	ctx := context.Background()
	pub := st.register(t, "frank", "frank@example.com", "old-password")

	res, err := st.auth.Login(ctx, "frank@example.com", "old-password", "ua", "1.2.3.4")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := st.auth.ChangePassword(ctx, pub.ID, "wrong-current", "new-password-1"); apperr.CodeOf(err) != apperr.CodeInvalidCredentials {
		t.Fatalf("wrong current password: want INVALID_CREDENTIALS, got %v", err)
	}
	if err := st.auth.ChangePassword(ctx, pub.ID, "old-password", "new-password-1"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, err := st.auth.Refresh(ctx, res.RefreshToken, "ua", "1.2.3.4"); apperr.CodeOf(err) != apperr.CodeInvalidSession {
		t.Fatalf("old session must be revoked after password change, got %v", err)
	}
	if _, err := st.auth.Login(ctx, "frank@example.com", "new-password-1", "ua", "1.2.3.4"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestGetProfile(t *testing.T) {
	st := newAuthStack(t)
	ctx := context.Background()
	pub := st.register(t, "grace", "grace@example.com", "correct-horse")

	got, err := st.auth.GetProfile(ctx, pub.ID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got.Email != "grace@example.com" || got.Role != domain.RoleUser {
		t.Fatalf("unexpected profile: %+v", got)
	}
	if _, err := st.auth.GetProfile(ctx, pub.ID+100); apperr.CodeOf(err) != apperr.CodeUnauthenticated {
		t.Fatalf("unknown id: want UNAUTHENTICATED, got %v", err)
	}
}

func (st *authStack) mustFindByEmail(t *testing.T, email string) *domain.User {
	t.Helper()
	u, err := st.users.FindByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("find %s: %v", email, err)
	}
	return u
}
