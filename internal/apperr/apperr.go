// Package apperr holds the error taxonomy shared by the relay, the store and
// the HTTP layer. Every error a caller may branch on unwraps to one of the
// sentinels below.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidID           = errors.New("invalid identifier")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrMessageLimit        = errors.New("conversation message limit reached")
	ErrConflict            = errors.New("conversation is busy")
	ErrAuth                = errors.New("upstream rejected credentials")
	ErrRateLimit           = errors.New("upstream rate limit")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrTimeout             = errors.New("upstream timeout")
	ErrEmptyResponse       = errors.New("upstream returned no content")
	ErrDecode              = errors.New("malformed upstream stream")
	ErrPersistence         = errors.New("persistence failed")
	ErrRelay               = errors.New("relay failed")
)

// UpstreamError is a non-2xx answer (or transport failure) from the completion
// provider. Kind is one of the upstream sentinels.
type UpstreamError struct {
	Kind   error
	Status int
	Detail string
	Err    error
}

func (e *UpstreamError) Error() string {
	msg := e.Kind.Error()
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// FromStatus maps an upstream HTTP status to its taxonomy kind.
func FromStatus(status int, detail string) *UpstreamError {
	kind := ErrRelay
	switch {
	case status == http.StatusUnauthorized:
		kind = ErrAuth
	case status == http.StatusTooManyRequests:
		kind = ErrRateLimit
	case status >= 500:
		kind = ErrUpstreamUnavailable
	}
	return &UpstreamError{Kind: kind, Status: status, Detail: detail}
}

// Transient reports whether retrying the same upstream call may succeed.
func Transient(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrTimeout)
}

// HTTPStatus is the status a handler answers with when err reaches it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrMessageLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAuth), errors.Is(err, ErrEmptyResponse), errors.Is(err, ErrDecode), errors.Is(err, ErrRelay):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text shown to the end user. Upstream credential and
// transport details stay in the logs.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidID):
		return "invalid conversation id"
	case errors.Is(err, ErrInvalidInput):
		return inputDetail(err)
	case errors.Is(err, ErrNotFound):
		return "conversation not found"
	case errors.Is(err, ErrConflict):
		return "another reply is still being written in this conversation, try again shortly"
	case errors.Is(err, ErrMessageLimit):
		return "this conversation has reached its message limit, start a new one"
	case errors.Is(err, ErrRateLimit):
		return "the assistant is receiving too many requests (rate limited), please retry in a moment"
	case errors.Is(err, ErrTimeout):
		return "the assistant took too long to respond"
	case errors.Is(err, ErrEmptyResponse):
		return "the assistant returned an empty answer"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	case errors.Is(err, ErrAuth), errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrDecode), errors.Is(err, ErrRelay):
		return "the assistant is temporarily unavailable"
	default:
		return "internal error"
	}
}

// Invalid wraps ErrInvalidInput with a user-facing reason.
func Invalid(format string, args ...any) error {
	return &inputError{msg: fmt.Sprintf(format, args...)}
}

type inputError struct{ msg string }

func (e *inputError) Error() string { return ErrInvalidInput.Error() + ": " + e.msg }
func (e *inputError) Unwrap() error { return ErrInvalidInput }

func inputDetail(err error) string {
	var ie *inputError
	if errors.As(err, &ie) {
		return ie.msg
	}
	return "invalid request"
}
