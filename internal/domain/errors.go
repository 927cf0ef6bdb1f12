package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidJob        = errors.New("invalid job")
	ErrInvalidTenant     = errors.New("invalid tenant")
	ErrTenantOffline     = errors.New("tenant connector not online")
)

// Permanent marks a send failure that must never be retried, such as an
// ineligible or opted-out target. The dispatch engine records the item as
// SKIPPED without consuming retry budget.
//
// Example:
//
//	return domain.Permanent(fmt.Errorf("target opted out: %s", target))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }
