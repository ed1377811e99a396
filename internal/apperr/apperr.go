// Package apperr holds the error taxonomy shared by the saga services and
// the helpers that classify an error for logs and HTTP responses.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrProductInactive     = errors.New("product inactive")
	ErrReservationMismatch = errors.New("reservation mismatch")
	ErrLockTimeout         = errors.New("lock timeout")
	ErrGatewayTimeout      = errors.New("payment gateway timeout")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrCircuitOpen         = errors.New("circuit open")
	ErrDeclined            = errors.New("payment declined")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

// ValidationError describes bad input rejected before a saga starts.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Transition reports a rejected state change.
func Transition(entity, from, to string) error {
	return fmt.Errorf("%s %s -> %s: %w", entity, from, to, ErrInvalidTransition)
}

// Retryable reports whether err is a transient, component-local failure
// that may be retried automatically.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrLockTimeout),
		errors.Is(err, ErrGatewayTimeout),
		errors.Is(err, ErrGatewayUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrValidation):
		return "validation"

	case errors.Is(err, ErrNotFound):
		return "not_found"

	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"

	case errors.Is(err, ErrProductInactive):
		return "product_inactive"

	case errors.Is(err, ErrReservationMismatch):
		return "reservation_mismatch"

	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"

	case errors.Is(err, ErrGatewayTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"

	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"

	case errors.Is(err, ErrDeclined):
		return "payment_declined"

	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"

	case errors.Is(err, context.Canceled):
		return "canceled"

	default:
		return "internal"
	}
}

func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest

	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrReservationMismatch):
		return http.StatusConflict

	case errors.Is(err, ErrProductInactive):
		return http.StatusUnprocessableEntity

	case errors.Is(err, ErrLockTimeout),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrGatewayUnavailable):
		return http.StatusServiceUnavailable

	case errors.Is(err, ErrGatewayTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	case errors.Is(err, context.Canceled):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}
