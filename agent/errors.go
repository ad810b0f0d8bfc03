package agent

import "errors"

var (
	// ErrInvalidMode indicates an unsupported execution mode.
	ErrInvalidMode = errors.New("invalid mode")

	// ErrInterrupted indicates the run was cancelled before the agent exited.
	ErrInterrupted = errors.New("agent interrupted")
)
