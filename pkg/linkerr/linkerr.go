// Package linkerr classifies linking failures so callers can decide between
// retrying, requeueing and rejecting.
package linkerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

// Kind is the class of a linking error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindValidation
	KindTransientIO
	KindConcurrencyConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindTransientIO:
		return "transient_io"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound            = &Error{kind: KindNotFound, msg: "not found"}
	ErrValidation          = &Error{kind: KindValidation, msg: "validation failed"}
	ErrTransientIO         = &Error{kind: KindTransientIO, msg: "transient io failure"}
	ErrConcurrencyConflict = &Error{kind: KindConcurrencyConflict, msg: "concurrency conflict"}
)

// Error is a classified error. It matches its kind's sentinel under errors.Is.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Is matches any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind
}

// Kind returns the class of the error.
func (e *Error) Kind() Kind { return e.kind }

func newf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// NotFound builds a not-found error.
func NotFound(format string, args ...any) error {
	return newf(KindNotFound, nil, format, args...)
}

// Validation builds a validation error.
func Validation(format string, args ...any) error {
	return newf(KindValidation, nil, format, args...)
}

// Transient wraps err as a retryable io failure.
func Transient(err error, format string, args ...any) error {
	return newf(KindTransientIO, err, format, args...)
}

// Conflict wraps err as a concurrency conflict.
func Conflict(err error, format string, args ...any) error {
	return newf(KindConcurrencyConflict, err, format, args...)
}

// KindOf returns the class of err. Context deadline errors count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientIO
	}
	return KindUnknown
}

// IsRetryable reports whether err should be retried in place.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientIO
}

// IsConflict reports whether err should requeue the work item.
func IsConflict(err error) bool {
	return KindOf(err) == KindConcurrencyConflict
}

// ToHTTP converts err into an httperror carrying the matching status.
// Errors that already are http errors pass through.
func ToHTTP(err error) error {
	if err == nil {
		return nil
	}
	if httperror.IsHTTPError(err) {
		return err
	}
	switch KindOf(err) {
	case KindNotFound:
		return httperror.NewHTTPError(http.StatusNotFound, err.Error())
	case KindValidation:
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	case KindConcurrencyConflict:
		return httperror.NewHTTPError(http.StatusConflict, err.Error())
	case KindTransientIO:
		return httperror.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return httperror.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
