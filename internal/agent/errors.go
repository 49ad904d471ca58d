package agent

import "github.com/pkg/errors"

var (
	ErrNotConnected   = errors.New("no open session")
	ErrAlreadyStarted = errors.New("controller already started")
)
