package service

import (
	"context"
	"errors"

	"github.com/credstack/credd/internal/apperr"
)

// mapStorageError classifies a repository failure that is not one of
// the repo sentinels: cancellations and deadline overruns are
// retryable, everything else is unexpected. No security-state mutation
// happens after a transient failure mid-flow.
func mapStorageError(err error) *apperr.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Transient("storage unavailable", err)
	}
	return apperr.Internal(err)
}
