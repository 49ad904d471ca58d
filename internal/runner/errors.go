package runner

import "github.com/pkg/errors"

var (
	ErrEmptyInterpreter = errors.New("interpreter command is empty")
	// ErrTimeout is returned internally when a script outlives its bound.
	ErrTimeout = errors.New("script timed out")
)
