package session

import "github.com/amonks/workcell/internal/state"

// Status represents the session lifecycle state.
type Status = state.SessionStatus

const (
	StatusPending      Status = state.SessionStatusPending
	StatusProvisioning Status = state.SessionStatusProvisioning
	StatusRunning      Status = state.SessionStatusRunning
	StatusAgentWorking Status = state.SessionStatusAgentWorking
	StatusPushing      Status = state.SessionStatusPushing
	StatusCompleted    Status = state.SessionStatusCompleted
	StatusFailed       Status = state.SessionStatusFailed
	StatusCancelled    Status = state.SessionStatusCancelled
	StatusTimedOut     Status = state.SessionStatusTimedOut
)

// ValidStatuses returns all valid session status values.
func ValidStatuses() []Status {
	return state.ValidSessionStatuses()
}

// Mode selects how the agent runs.
type Mode = state.SessionMode

const (
	ModeQuick    Mode = state.SessionModeQuick
	ModeExtended Mode = state.SessionModeExtended
)

// Session is one end-to-end run of a task against a repository.
type Session = state.Session

// Event is a persisted session event.
type Event = state.Event

// ListFilter narrows session listings.
type ListFilter = state.ListFilter
