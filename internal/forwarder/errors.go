package forwarder

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStreaming is returned by Send in any state other than Streaming.
	ErrNotStreaming = errors.New("forwarder: not streaming")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("forwarder: already started")
	// ErrStopped is returned by Start when Stop won the race against an
	// in-flight resolve or dial.
	ErrStopped = errors.New("forwarder: stopped")
)

// UnresolvedHostError means the server name could not be turned into an
// address.
type UnresolvedHostError struct {
	Host string
	Err  error
}

func (e *UnresolvedHostError) Error() string {
	return fmt.Sprintf("forwarder: resolve %q: %v", e.Host, e.Err)
}

func (e *UnresolvedHostError) Unwrap() error { return e.Err }

// ConnectError means the TCP connection could not be opened.
type ConnectError struct {
	Target Target
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("forwarder: connect %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// WriteError means a line could not be written to an open connection. The
// forwarder is Failed afterwards.
type WriteError struct {
	Target Target
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("forwarder: write to %s: %v", e.Target, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// StatusText renders a forwarder failure the way the front-end shows it.
func StatusText(err error) string {
	var ue *UnresolvedHostError
	if errors.As(err, &ue) {
		return "Can't resolve " + ue.Host
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return fmt.Sprintf("Can't connect to %s: %v", ce.Target, ce.Err)
	}
	var we *WriteError
	if errors.As(err, &we) {
		return fmt.Sprintf("Connection to %s lost: %v", we.Target, we.Err)
	}
	return err.Error()
}
