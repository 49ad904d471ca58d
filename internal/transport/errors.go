package transport

import "github.com/pkg/errors"

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("session closed")
	// ErrPongTimeout ends a session whose peer stopped answering pings.
	ErrPongTimeout = errors.New("pong timeout")
)
