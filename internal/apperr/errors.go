// Package apperr defines the error kinds shared by the core packages.
// Callers match kinds with errors.Is against the sentinels below.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrNormalization          = errors.New("normalization failed")
	ErrUpstreamUnavailable    = errors.New("upstream unavailable")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidInput           = errors.New("invalid input")
)

// Error carries a kind sentinel plus the operation that failed.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
	Meta    map[string]any
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := []error{e.Kind}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: ErrNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Conflict(op, format string, args ...any) *Error {
	return &Error{Kind: ErrConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

func InvalidInput(op, format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidInput, Op: op, Message: fmt.Sprintf(format, args...)}
}

func InvalidTransition(op string, runID, from, to string) *Error {
	return &Error{
		Kind:    ErrInvalidStateTransition,
		Op:      op,
		Message: fmt.Sprintf("run %s: %s -> %s", runID, from, to),
		Meta:    map[string]any{"run_id": runID, "from": from, "to": to},
	}
}

func Upstream(op string, err error) *Error {
	return &Error{Kind: ErrUpstreamUnavailable, Op: op, Err: err}
}

// WithMeta attaches a key to the error and returns it.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[key] = value
	return e
}

// MetaOf returns the metadata of the first *Error in err's chain.
func MetaOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Meta
	}
	return nil
}

// HTTPStatus maps an error kind to a response code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNormalization):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
