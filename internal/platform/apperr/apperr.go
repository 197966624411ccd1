// Package apperr is the error taxonomy shared by the domain packages and its
// mapping onto HTTP responses.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/portal/internal/platform/validate"
)

// Kinds. Domain errors wrap exactly one of these.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrForbidden = errors.New("forbidden")
)

// Error is a domain error of a given kind with an optional detail payload.
type Error struct {
	Kind    error
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

// Is matches another *Error of the same kind and message, so sentinels
// survive With.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

// With returns a copy of e carrying an extra detail.
func (e *Error) With(key string, value any) *Error {
	out := &Error{Kind: e.Kind, Message: e.Message, Details: make(map[string]any, len(e.Details)+1)}
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return out
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: ErrForbidden, Message: fmt.Sprintf(format, args...)}
}

// ValidationError carries field-level reasons for rejecting input.
type ValidationError struct {
	Fields map[string]string
}

// Invalid builds a ValidationError for a single field.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a reason for field, keeping the first one reported.
func (e *ValidationError) Add(field, reason string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = reason
	}
}

// Err returns e, or nil when no field failed.
func (e *ValidationError) Err() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Status maps err onto an HTTP status code.
func Status(err error) int {
	var (
		verr   *ValidationError
		fields validate.Errors
		herr   *echo.HTTPError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr), errors.As(err, &fields):
		return http.StatusBadRequest
	case errors.As(err, &herr):
		return herr.Code
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Body is the failure envelope written by Respond.
type Body struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// Respond writes err as a JSON failure envelope. Internal errors are logged
// and replaced by a generic message.
func Respond(c echo.Context, logger zerolog.Logger, err error) error {
	status := Status(err)
	body := Body{Error: err.Error()}

	var (
		verr   *ValidationError
		fields validate.Errors
		derr   *Error
		herr   *echo.HTTPError
	)
	switch {
	case errors.As(err, &verr):
		body.Error = "validation failed"
		body.Details = verr.Fields
	case errors.As(err, &fields):
		body.Error = "validation failed"
		body.Details = map[string]string(fields)
	case errors.As(err, &derr):
		body.Error = derr.Message
		if len(derr.Details) > 0 {
			body.Details = derr.Details
		}
	case errors.As(err, &herr):
		body.Error = fmt.Sprint(herr.Message)
	}

	if status >= http.StatusInternalServerError {
		rid, _ := c.Get("request_id").(string)
		logger.Error().Err(err).Str("request_id", rid).Str("path", c.Path()).Msg("request failed")
		if status == http.StatusInternalServerError {
			body.Error = "internal server error"
		}
	}
	return c.JSON(status, body)
}
