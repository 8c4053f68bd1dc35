package moderation

import (
	"context"
	"errors"
	"fmt"

	"conarchive/api/internal/rbac"
	"conarchive/api/internal/store"
)

var (
	ErrForbidden   = rbac.ErrForbidden
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("version conflict")
	ErrUnavailable = errors.New("temporarily unavailable")
)

// ValidationError reports the first input field that failed a check.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// translate maps storage errors onto the moderation taxonomy. Errors that
// already belong to it pass through unchanged.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var validation *ValidationError
	switch {
	case errors.As(err, &validation),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
