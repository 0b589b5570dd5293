package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the target CI does not exist.
	ErrNotFound = errors.New("ci not found")
	// ErrForbidden is returned when the caller lacks read access to the target CI.
	ErrForbidden = errors.New("ci access forbidden")
)

// TransportError wraps network and protocol failures. Only these are retried.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error

	decode bool
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Outcome classifies err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case IsTransport(err):
		return "transport_error"
	default:
		return "error"
	}
}
