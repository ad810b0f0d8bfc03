package session

import (
	"errors"
	"fmt"

	"github.com/amonks/workcell/internal/state"
	"github.com/amonks/workcell/internal/validation"
)

var (
	// ErrInvalidMode indicates an unknown agent mode.
	ErrInvalidMode = errors.New("invalid mode")
	// ErrInvalidStatus indicates an unknown session status filter.
	ErrInvalidStatus = errors.New("invalid status")
	// ErrTaskRequired indicates a session was requested without a task.
	ErrTaskRequired = errors.New("task is required")
	// ErrUserRequired indicates a session was requested without a user.
	ErrUserRequired = errors.New("user is required")
	// ErrRepositoryNotFound indicates the repository is unknown or not owned by the user.
	ErrRepositoryNotFound = errors.New("repository not found")
	// ErrAgentCredentialMissing indicates no agent API key is configured for the user.
	ErrAgentCredentialMissing = errors.New("agent credential not configured")
	// ErrSessionNotFound indicates the requested session is missing.
	ErrSessionNotFound = state.ErrSessionNotFound
	// ErrSessionTerminal indicates the session already reached a terminal status.
	ErrSessionTerminal = errors.New("session already ended")
	// ErrInvalidTransition indicates a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDriverPanic indicates the session driver panicked.
	ErrDriverPanic = errors.New("session driver panicked")
	// ErrShuttingDown indicates the service no longer starts sessions.
	ErrShuttingDown = errors.New("session service is shutting down")
)

func formatInvalidModeError(mode Mode) error {
	return validation.FormatInvalidValueError(ErrInvalidMode, mode, state.ValidSessionModes())
}

func terminalError(id string, status Status) error {
	return fmt.Errorf("%w: %s is %s", ErrSessionTerminal, id, status)
}
