package ledger

import (
	"errors"
	"fmt"

	"github.com/kumbupay/ledger-service/internal/repo"
)

// ValidationError reports a malformed or contract-violating request. It is
// raised before any record exists and never reflects persisted state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

var (
	// ErrNotFound wraps wallet/user/alias lookups that came up empty.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized covers PIN mismatch, wrong wallet owner and blocked
	// wallets.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInternal marks an unexpected failure during mutation; when a
	// PROCESSING record already exists it is finalized to FAILED instead of
	// surfacing this error.
	ErrInternal = errors.New("internal ledger failure")
)

// Precondition reports whether err belongs to the class of failures that are
// raised before any mutation and leave no persisted side effect.
func Precondition(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, repo.ErrInsufficientFunds)
}
