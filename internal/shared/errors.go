package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates bad input shape or range. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrStateConflict indicates the aggregate no longer matches the state
	// the caller observed, e.g. a lost terminal-transition race.
	ErrStateConflict = errors.New("state conflict")
	// ErrAlreadyConfirmed guards one-shot confirmations.
	ErrAlreadyConfirmed = errors.New("document already confirmed")
	// ErrInvariant indicates a broken invariant, always a defect or a race.
	ErrInvariant = errors.New("invariant violation")
)

// Validationf wraps ErrValidation with detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Invariantf wraps ErrInvariant with detail.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// UserSafeMessage maps internal errors to messages safe to show callers.
func UserSafeMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "record not found"
	case errors.Is(err, ErrValidation):
		return err.Error()
	case errors.Is(err, ErrAlreadyConfirmed):
		return "document was already confirmed"
	case errors.Is(err, ErrStateConflict):
		return "document changed concurrently, reload and retry"
	case errors.Is(err, ErrInvariant):
		return "operation violates a document invariant"
	default:
		return "internal error"
	}
}
