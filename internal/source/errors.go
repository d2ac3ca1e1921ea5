package source

import (
	"errors"
	"fmt"
)

// PermissionError means the platform refused access to the location
// provider. It ends the session.
type PermissionError struct {
	Provider string
	Err      error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("source: no permission to access %s: %v", e.Provider, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// NoProviderError means the location provider could not be subscribed to
// for any reason other than permissions. It ends the session.
type NoProviderError struct {
	Provider string
	Err      error
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("source: %s provider not available: %v", e.Provider, e.Err)
}

func (e *NoProviderError) Unwrap() error { return e.Err }

// ErrNotStarted is returned by SetSampling before Start.
var ErrNotStarted = errors.New("source: adapter not started")

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("source: adapter already started")

func classifyLocationError(provider string, err error) error {
	if errors.Is(err, ErrPermissionDenied) {
		return &PermissionError{Provider: provider, Err: err}
	}
	return &NoProviderError{Provider: provider, Err: err}
}
