package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPayload marks a body whose overall shape is unusable.
	ErrInvalidPayload = errors.New("ingest: invalid payload")
	// ErrInvalidOption marks a request-level override outside its bounds.
	ErrInvalidOption = errors.New("ingest: invalid option")
	// ErrCapacity marks a batch larger than the allowed event count.
	ErrCapacity = errors.New("ingest: batch too large")
	// ErrStrictRejected marks a strict batch voided by at least one invalid item.
	ErrStrictRejected = errors.New("ingest: strict mode rejected batch")
	// ErrStorage marks a failed persistence step; nothing was committed.
	ErrStorage = errors.New("ingest: storage failure")
)

// PayloadError describes a shape problem keyed by field (or "detail").
type PayloadError struct {
	Field  string
	Detail string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s", e.Detail)
}

// Is lets errors.Is(err, ErrInvalidPayload) match.
func (e *PayloadError) Is(target error) bool { return target == ErrInvalidPayload }

// OptionError reports an override outside [Min, Max].
type OptionError struct {
	Name string
	Min  int
	Max  int
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("%s must be between %d and %d", e.Name, e.Min, e.Max)
}

// Is lets errors.Is(err, ErrInvalidOption) match.
func (e *OptionError) Is(target error) bool { return target == ErrInvalidOption }

// CapacityError reports the allowed limit and the submitted count.
type CapacityError struct {
	Limit int
	Count int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("Too many events: got %d, max allowed is %d.", e.Count, e.Limit)
}

// Is lets errors.Is(err, ErrCapacity) match.
func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

// StorageError wraps the store failure behind ErrStorage.
type StorageError struct {
	Retryable bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ingest: persist batch: %v", e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStorage) match.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }
