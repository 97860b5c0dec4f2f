package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Per-signal and
// per-market failures are isolated by callers; none of these abort a
// whole pass.
var (
	ErrValidation            = errors.New("invalid input")
	ErrInsufficientCalibData = errors.New("insufficient calibration data")
	ErrRiskCapExceeded       = errors.New("risk cap exceeded")
	ErrIllegalTransition     = errors.New("illegal status transition")
	ErrLedgerInconsistency   = errors.New("ledger inconsistency")
	ErrNoQuote               = errors.New("no usable quote")
)

// TransientError wraps a retryable external failure (timeout, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps a non-retryable external failure (rejected order,
// auth failure). Requires operator attention.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Transient builds a retryable external error.
func Transient(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Fatal builds a non-retryable external error.
func Fatal(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is a retryable external failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is a non-retryable external failure.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
