package session

import (
	"errors"
	"fmt"

	"github.com/jmcleod/avatarkey/provider"
)

var (
	// ErrNoCredentials is returned by Start when the avatar has no stored
	// provider credentials.
	ErrNoCredentials = errors.New("avatar has no credentials")
	// ErrAlreadyActive is returned by Start while a session is connecting
	// or live for the same client.
	ErrAlreadyActive = errors.New("session already active")
	// ErrCoolingDown is returned by Start during teardown and for a short
	// period after it.
	ErrCoolingDown = errors.New("previous session is still shutting down")
	// ErrNoSession is returned when the session ID does not name the live
	// session.
	ErrNoSession = errors.New("no such session")
	// ErrProviderUnavailable wraps transient provider failures.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrSessionInactive is returned when the provider already ended the
	// session. It is terminal for that session.
	ErrSessionInactive = errors.New("session inactive")
	// ErrTeardownPartial marks a teardown where at least one step failed.
	// It is logged and never returned to callers.
	ErrTeardownPartial = errors.New("teardown partially failed")
	// ErrStopped is returned when the session or controller was stopped
	// before the call completed.
	ErrStopped = errors.New("session stopped")
)

// providerError translates a provider failure for callers.
func providerError(err error) error {
	if errors.Is(err, provider.ErrSessionInactive) {
		return fmt.Errorf("%w: %w", ErrSessionInactive, err)
	}
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
}
