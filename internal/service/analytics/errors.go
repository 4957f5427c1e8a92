package analytics

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks the analytic surface as unable to answer, as
	// opposed to answering with zero rows.
	ErrUnavailable = errors.New("analytics: backend unavailable")
	// ErrNotSupported marks a store that lacks a capability analytics needs.
	ErrNotSupported = errors.New("analytics: store capability missing")
)

// ValidationError reports a rejected query parameter.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Detail
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Detail)
}

// UnavailableError wraps a store failure. It matches ErrUnavailable.
type UnavailableError struct {
	Op        string
	Retryable bool
	Hint      string
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("analytics %s unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUnavailable) match.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }
