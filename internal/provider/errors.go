package provider

import (
	"context"
	"errors"
	"fmt"
)

// Error wraps a provider failure with its origin and retry class. Permanent
// errors (rejected input, auth) are surfaced immediately; transient ones
// (timeouts, 5xx, quota) are retried once via the fallback provider.
type Error struct {
	Provider  string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	class := "transient"
	if e.Permanent {
		class = "permanent"
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// transientErr and permanentErr tag an error with its class.
func transientErr(provider string, err error) error {
	return &Error{Provider: provider, Err: err}
}

func permanentErr(provider string, err error) error {
	return &Error{Provider: provider, Permanent: true, Err: err}
}

// IsPermanent reports whether err should not be retried on another provider.
func IsPermanent(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return false
}

// classifyHTTP maps an HTTP status to an error class: client errors are
// permanent, everything else transient.
func classifyHTTP(provider string, status int, body string) error {
	err := fmt.Errorf("http %d: %s", status, body)
	if status >= 400 && status < 500 && status != 429 {
		return permanentErr(provider, err)
	}
	return transientErr(provider, err)
}

// classifyTransport treats network failures and timeouts as transient.
func classifyTransport(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return transientErr(provider, fmt.Errorf("timeout: %w", err))
	}
	return transientErr(provider, err)
}
