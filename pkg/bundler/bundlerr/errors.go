// Package bundlerr defines the error taxonomy shared across the bundle processing
// pipeline. It generalizes the classified-error pattern of chainadapter.ChainError
// (Retryable / NonRetryable / UserIntervention) to the fixed kind set the pipeline
// needs for HTTP status mapping and Tracker retry decisions.
package bundlerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation and HTTP status mapping.
type Kind string

const (
	InvalidTransaction Kind = "InvalidTransaction"
	PriorityFeeNonZero Kind = "PriorityFeeNonZero"
	ChainIDMismatch    Kind = "ChainIdMismatch"
	SimulationReverted Kind = "SimulationReverted"
	PaymentCapExceeded Kind = "PaymentCapExceeded"
	DailyCapExceeded   Kind = "DailyCapExceeded"
	Overloaded         Kind = "Overloaded"
	ServiceDisabled    Kind = "ServiceDisabled"
	RelayTransport     Kind = "RelayTransport"
	RelayRejected      Kind = "RelayRejected"
	StateConflict      Kind = "StateConflict"
	StorageFailure     Kind = "StorageFailure"
	SignerFailure      Kind = "SignerFailure"
	ConfigError        Kind = "ConfigError"
	Internal           Kind = "Internal"
)

// Error is the concrete error type every pipeline stage returns. Callers use
// errors.As to recover the Kind for status-code mapping or retry decisions.
type Error struct {
	Kind       Kind
	Message    string
	Cause      error
	RetryAfter *time.Duration
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error without discarding it.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithRetryAfter attaches a suggested retry delay (transport errors only).
func WithRetryAfter(kind Kind, message string, cause error, after time.Duration) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, RetryAfter: &after}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal for unclassified errors.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return Internal
}
