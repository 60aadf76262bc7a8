// Package lockout holds the account-lockout state machine as pure
// functions over a snapshot of the credential record's security
// counters. Applying the resulting transition atomically is the
// repository's job; nothing here touches storage.
package lockout

import (
	"time"

	"github.com/credstack/credd/internal/domain"
)

const (
	DefaultMaxAttempts  = 5
	DefaultLockDuration = 2 * time.Hour
)

type Policy struct {
	MaxAttempts  int
	LockDuration time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, LockDuration: DefaultLockDuration}
}

// FailureTransition describes how the stored record must change after
// a failed credential check.
type FailureTransition struct {
	// ResetExpiredLock means a previous lock has elapsed: the counter
	// restarts at 1 and the lock timestamp is cleared.
	ResetExpiredLock bool
	// Lock is set when the incremented counter reaches the threshold
	// and the account is not already locked.
	Lock      bool
	LockUntil time.Time
}

// IsLocked reports whether the record is inside an active lock window.
func IsLocked(u *domain.User, now time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(now)
}

// RetryAfter returns how long the caller must wait before the lock
// elapses. Zero when the record is not locked.
func RetryAfter(u *domain.User, now time.Time) time.Duration {
	if !IsLocked(u, now) {
		return 0
	}
	return u.LockUntil.Sub(now)
}

// OnFailure computes the next security state after a failed credential
// check. Attempts observed after an expired lock reset the counter
// rather than re-locking immediately.
func (p Policy) OnFailure(u *domain.User, now time.Time) FailureTransition {
	if u.LockUntil != nil && !u.LockUntil.After(now) {
		return FailureTransition{ResetExpiredLock: true}
	}
	next := u.LoginAttempts + 1
	if next >= p.MaxAttempts && !IsLocked(u, now) {
		return FailureTransition{Lock: true, LockUntil: now.Add(p.LockDuration)}
	}
	return FailureTransition{}
}
