package models

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors returned by the store layer.
var (
	ErrNotFound = errors.New("billing: not found")
	ErrConflict = errors.New("billing: unique constraint violated")
)

// ValidationError reports bad input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// DuplicateInvoiceError is returned when a billable invoice already exists for the period.
type DuplicateInvoiceError struct {
	UserID    string
	Period    string
	InvoiceID string
}

func (e *DuplicateInvoiceError) Error() string {
	return fmt.Sprintf("invoice %s already exists for user %s period %s", e.InvoiceID, e.UserID, e.Period)
}

// AlreadySentError is returned when a dunning notice at the level is already recorded.
type AlreadySentError struct {
	InvoiceID string
	Level     int
}

func (e *AlreadySentError) Error() string {
	return fmt.Sprintf("dunning notice level %d already sent for invoice %s", e.Level, e.InvoiceID)
}

// InvalidStateError is returned when an entity is not in an operable state.
type InvalidStateError struct {
	Entity string
	ID     string
	Status string
	Want   string
	Reason string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("%s %s is %s", e.Entity, e.ID, e.Status)
	if e.Want != "" {
		msg += ", cannot move to " + e.Want
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ProviderError is a failed charge or customer call at the payment provider.
type ProviderError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

// SignatureError is returned when a webhook signature does not verify.
type SignatureError struct {
	Provider string
	Reason   string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid webhook signature from %s: %s", e.Provider, e.Reason)
}

// StaleTimestampError is returned when a webhook timestamp is outside the tolerance window.
type StaleTimestampError struct {
	Provider  string
	SkewSecs  int64
	Tolerance int64
}

func (e *StaleTimestampError) Error() string {
	return fmt.Sprintf("webhook from %s is %ds off, tolerance %ds", e.Provider, e.SkewSecs, e.Tolerance)
}

// UnknownProviderError is returned when no secret is configured for a provider.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown webhook provider %q", e.Provider)
}

// TransientStorageError wraps a database or network hiccup. The whole operation is safe to retry.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("transient storage error during %s: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// IsIdempotentNoop reports errors that callers treat as success without side effects.
func IsIdempotentNoop(err error) bool {
	var dup *DuplicateInvoiceError
	var sent *AlreadySentError
	return errors.As(err, &dup) || errors.As(err, &sent)
}

// IsTransient reports whether the operation may be retried as a whole.
func IsTransient(err error) bool {
	var t *TransientStorageError
	return errors.As(err, &t)
}

// HTTPStatus maps an error from the engine to a response status code.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		dup        *DuplicateInvoiceError
		sent       *AlreadySentError
		state      *InvalidStateError
		provider   *ProviderError
		sig        *SignatureError
		stale      *StaleTimestampError
		unknown    *UnknownProviderError
		transient  *TransientStorageError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &dup), errors.As(err, &sent):
		return http.StatusConflict
	case errors.As(err, &state):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &sig), errors.As(err, &stale):
		return http.StatusUnauthorized
	case errors.As(err, &unknown):
		return http.StatusNotFound
	case errors.As(err, &provider):
		return http.StatusBadGateway
	case errors.As(err, &transient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
