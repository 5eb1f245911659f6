package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable covers transport failures, 5xx responses and bodies
	// that cannot be decoded. The caller may retry.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrSessionInactive is returned when the provider reports the streaming
	// session has already ended.
	ErrSessionInactive = errors.New("provider session inactive")
	// ErrRejected is any other 4xx answer.
	ErrRejected = errors.New("provider rejected request")
)

// CodeSessionInactive is the provider error code for an ended session.
const CodeSessionInactive = 10005

// APIError is a non-2xx provider response.
type APIError struct {
	Status  int
	Code    int
	Message string
	kind    error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d code %d", e.kind, e.Status, e.Code)
	}
	return fmt.Sprintf("%s: status %d code %d: %s", e.kind, e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

func newAPIError(status int, code int, message string) *APIError {
	kind := ErrRejected
	switch {
	case code == CodeSessionInactive:
		kind = ErrSessionInactive
	case status >= 500:
		kind = ErrUnavailable
	}
	return &APIError{Status: status, Code: code, Message: message, kind: kind}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
