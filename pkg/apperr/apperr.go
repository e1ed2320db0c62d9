// Package apperr defines the error kinds shared by the stores, the chat
// service and the transport layer. Every error returned across a package
// boundary wraps exactly one of the sentinels below so callers can branch
// with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnsupportedType = errors.New("unsupported attachment type")
	ErrTooLarge        = errors.New("attachment too large")
	ErrTransientIO     = errors.New("transient i/o failure")
)

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

func Unauthenticated(format string, args ...any) error {
	return wrap(ErrUnauthenticated, format, args...)
}

func Forbidden(format string, args ...any) error {
	return wrap(ErrForbidden, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func UnsupportedType(format string, args ...any) error {
	return wrap(ErrUnsupportedType, format, args...)
}

func TooLarge(format string, args ...any) error {
	return wrap(ErrTooLarge, format, args...)
}

// TransientIO marks a storage or filesystem failure that is safe to retry.
// The cause stays reachable through errors.Is / errors.As.
func TransientIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientIO, op, err)
}

// Status maps an error to the HTTP status the API reports for it.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrTransientIO):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the message safe to show a client. Internal and storage
// failures are replaced with a generic text; the cause stays in the logs.
func Public(err error) string {
	switch Status(err) {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusServiceUnavailable:
		return "temporarily unavailable, retry"
	}
	return err.Error()
}

// Code returns a short machine-readable name for the error kind, used in
// JSON error bodies and socket error frames.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnsupportedType):
		return "unsupported_type"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrTransientIO):
		return "transient_io"
	default:
		return "internal"
	}
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
