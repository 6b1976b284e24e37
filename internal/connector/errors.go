package connector

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a Connect failure.
type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindSerialization    Kind = "serialization_error"
	KindNotImplemented   Kind = "not_implemented"
	KindRemoteCallFailed Kind = "remote_call_failed"
	KindMapping          Kind = "mapping_failed"
	KindHook             Kind = "hook_failed"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrInvalidInput     = &Error{Kind: KindInvalidInput}
	ErrSerialization    = &Error{Kind: KindSerialization}
	ErrNotImplemented   = &Error{Kind: KindNotImplemented}
	ErrRemoteCallFailed = &Error{Kind: KindRemoteCallFailed}
	ErrMapping          = &Error{Kind: KindMapping}
	ErrHook             = &Error{Kind: KindHook}
)

// Error is the single error type returned by Connect.
type Error struct {
	Kind    Kind
	Message string
	// StatusCode and Body are set when the downstream API answered with a non-2xx status.
	StatusCode int
	Body       string
	// Timeout reports that the outgoing call exceeded its deadline.
	Timeout bool
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": %d %s - %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// HTTPStatus is the status a hosting handler should answer its own caller with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindMapping:
		return http.StatusUnprocessableEntity
	case KindNotImplemented:
		return http.StatusNotImplemented
	case KindRemoteCallFailed:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts a *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}
