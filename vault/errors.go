package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrDenied indicates the unlock grant was missing, invalid, expired or
	// scoped to another avatar.
	ErrDenied = errors.New("denied")
	// ErrInvalid indicates a malformed or provider-rejected credential tuple.
	ErrInvalid = errors.New("invalid credentials")
	// ErrNotFound indicates no credentials are stored for the avatar.
	ErrNotFound = errors.New("credentials not found")
)

// InvalidError explains an ErrInvalid outcome to the caller.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return fmt.Sprintf("%s: %s", ErrInvalid, e.Reason) }

func (e *InvalidError) Unwrap() error { return ErrInvalid }

func invalidf(format string, args ...any) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

const (
	reasonMissingFields = "missing fields"
	reasonRejected      = "credentials rejected by provider"
)
