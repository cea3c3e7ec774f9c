package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels)
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrBadGraph   = errors.New("invalid process graph")
	ErrRegistered = errors.New("process type already registered")
)

// FaultKind classifies a low-level failure for retry decisions.
type FaultKind int

const (
	// FaultUnknown is anything the classifier cannot place; callers treat
	// it as transient and err on the side of retrying.
	FaultUnknown FaultKind = iota
	FaultTransient
	FaultPermanent
)

// TransientError marks a failure worth retrying with backoff.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix. Commands failing
// permanently under execution are parked to the DLQ.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// RetryableBusinessError is a semantic subclass of transient, meaningful
// only to a process configuration's retry predicate.
type RetryableBusinessError struct{ Err error }

func (e *RetryableBusinessError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableBusinessError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf wraps a formatted error as permanent.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err is transient or retryable-business.
// Unknown errors are not transient by type; classification decides.
func IsTransient(err error) bool {
	var te *TransientError
	var re *RetryableBusinessError
	return errors.As(err, &te) || errors.As(err, &re)
}
