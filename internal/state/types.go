// Package state manages the shared workcell state file.
//
// The state file (~/.local/state/workcell/state.json) stores sessions, their
// event logs, subscriptions, and billing records. All access is serialized
// through file locking to allow safe concurrent access from multiple
// processes.
package state

import "time"

// State represents the persisted state file.
type State struct {
	Sessions      map[string]Session      `json:"sessions"`
	Events        map[string][]Event      `json:"events"`
	Subscriptions map[string]Subscription `json:"subscriptions"`
	Charges       []BillingRecord         `json:"charges"`
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	// SessionStatusPending indicates the session was admitted but not started.
	SessionStatusPending SessionStatus = "pending"
	// SessionStatusProvisioning indicates a container is being created.
	SessionStatusProvisioning SessionStatus = "provisioning"
	// SessionStatusRunning indicates the container is up and the repo is cloned.
	SessionStatusRunning SessionStatus = "running"
	// SessionStatusAgentWorking indicates the agent is executing the task.
	SessionStatusAgentWorking SessionStatus = "agent_working"
	// SessionStatusPushing indicates changes are being committed and pushed.
	SessionStatusPushing SessionStatus = "pushing"
	// SessionStatusCompleted indicates the session finished successfully.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusFailed indicates the session failed.
	SessionStatusFailed SessionStatus = "failed"
	// SessionStatusCancelled indicates the session was cancelled by request.
	SessionStatusCancelled SessionStatus = "cancelled"
	// SessionStatusTimedOut indicates the session exceeded its maximum duration.
	SessionStatusTimedOut SessionStatus = "timed_out"
)

// ValidSessionStatuses returns all valid session status values.
func ValidSessionStatuses() []SessionStatus {
	return []SessionStatus{
		SessionStatusPending,
		SessionStatusProvisioning,
		SessionStatusRunning,
		SessionStatusAgentWorking,
		SessionStatusPushing,
		SessionStatusCompleted,
		SessionStatusFailed,
		SessionStatusCancelled,
		SessionStatusTimedOut,
	}
}

// ActiveSessionStatuses returns the statuses that hold a concurrency slot.
func ActiveSessionStatuses() []SessionStatus {
	return []SessionStatus{
		SessionStatusPending,
		SessionStatusProvisioning,
		SessionStatusRunning,
		SessionStatusAgentWorking,
	}
}

// IsValid returns true if the status is a known value.
func (s SessionStatus) IsValid() bool {
	for _, valid := range ValidSessionStatuses() {
		if s == valid {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled, SessionStatusTimedOut:
		return true
	}
	return false
}

// IsActive returns true if the status holds a concurrency slot.
func (s SessionStatus) IsActive() bool {
	for _, active := range ActiveSessionStatuses() {
		if s == active {
			return true
		}
	}
	return false
}

// SessionMode selects how the agent is run inside the container.
type SessionMode string

const (
	// SessionModeQuick runs a single agent invocation.
	SessionModeQuick SessionMode = "quick"
	// SessionModeExtended runs the multi-stage pipeline tool.
	SessionModeExtended SessionMode = "extended"
)

// ValidSessionModes returns all valid session mode values.
func ValidSessionModes() []SessionMode {
	return []SessionMode{SessionModeQuick, SessionModeExtended}
}

// IsValid returns true if the mode is a known value.
func (m SessionMode) IsValid() bool {
	for _, valid := range ValidSessionModes() {
		if m == valid {
			return true
		}
	}
	return false
}

// Session stores one end-to-end run of a task against a repository.
type Session struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	RepositoryID   string        `json:"repository_id"`
	CloneURL       string        `json:"clone_url"`
	Language       string        `json:"language,omitempty"`
	Task           string        `json:"task"`
	Branch         string        `json:"branch"`
	Mode           SessionMode   `json:"mode"`
	Status         SessionStatus `json:"status"`
	ContainerID    string        `json:"container_id,omitempty"`
	ContainerImage string        `json:"container_image,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	StartedAt      time.Time     `json:"started_at,omitzero"`
	EndedAt        time.Time     `json:"ended_at,omitzero"`
	FinalizedAt    time.Time     `json:"finalized_at,omitzero"`
	// DurationSeconds is set together with EndedAt.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	TokensUsed      int64   `json:"tokens_used,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
	CostCents       int64   `json:"cost_cents,omitempty"`
	CommitSHA       string  `json:"commit_sha,omitempty"`
	CommitMessage   string  `json:"commit_message,omitempty"`
	FilesChanged    *int    `json:"files_changed,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// EventKind classifies a session event.
type EventKind string

const (
	EventKindUserMessage   EventKind = "user_message"
	EventKindAgentMessage  EventKind = "agent_message"
	EventKindAgentAction   EventKind = "agent_action"
	EventKindFileChange    EventKind = "file_change"
	EventKindCommandExec   EventKind = "command_exec"
	EventKindCommandOutput EventKind = "command_output"
	EventKindGitOperation  EventKind = "git_operation"
	EventKindError         EventKind = "error"
	EventKindStatusChange  EventKind = "status_change"
	EventKindContainerLog  EventKind = "container_log"
)

// ValidEventKinds returns all valid event kind values.
func ValidEventKinds() []EventKind {
	return []EventKind{
		EventKindUserMessage,
		EventKindAgentMessage,
		EventKindAgentAction,
		EventKindFileChange,
		EventKindCommandExec,
		EventKindCommandOutput,
		EventKindGitOperation,
		EventKindError,
		EventKindStatusChange,
		EventKindContainerLog,
	}
}

// IsValid returns true if the kind is a known value.
func (k EventKind) IsValid() bool {
	for _, valid := range ValidEventKinds() {
		if k == valid {
			return true
		}
	}
	return false
}

// Event is an immutable, sequence-numbered record attached to a session.
// Sequence numbers start at 0 and increase by one per session.
type Event struct {
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Kind      EventKind      `json:"kind"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventInput describes an event to append; the store assigns Seq.
type EventInput struct {
	SessionID string
	Kind      EventKind
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Tier names a subscription plan.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierTeam       Tier = "team"
	TierEnterprise Tier = "enterprise"
)

// ValidTiers returns all valid tier values.
func ValidTiers() []Tier {
	return []Tier{TierFree, TierPro, TierTeam, TierEnterprise}
}

// IsValid returns true if the tier is a known value.
func (t Tier) IsValid() bool {
	for _, valid := range ValidTiers() {
		if t == valid {
			return true
		}
	}
	return false
}

// Subscription stores a user's plan and usage for the current period.
type Subscription struct {
	UserID      string    `json:"user_id"`
	Tier        Tier      `json:"tier"`
	MinutesUsed float64   `json:"minutes_used"`
	PeriodStart time.Time `json:"period_start"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ForPeriod returns the subscription rolled forward to the calendar month
// containing now. Usage resets when a new month starts.
func (s Subscription) ForPeriod(now time.Time) Subscription {
	if s.Tier == "" {
		s.Tier = TierFree
	}
	if now.IsZero() {
		return s
	}
	start := PeriodStart(now)
	if s.PeriodStart.IsZero() {
		s.PeriodStart = start
		return s
	}
	if s.PeriodStart.Before(start) {
		s.PeriodStart = start
		s.MinutesUsed = 0
	}
	return s
}

// PeriodStart returns the first instant of the UTC calendar month containing t.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// BillingRecord is an immutable charge for one session.
type BillingRecord struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id,omitempty"`
	Minutes       float64   `json:"minutes"`
	RatePerMinute float64   `json:"rate_per_minute"`
	CostCents     int64     `json:"cost_cents"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

// Usage is the admission snapshot for a user taken inside a store transaction.
type Usage struct {
	Subscription Subscription
	Active       int
}

// ListFilter narrows session listings.
type ListFilter struct {
	UserID string
	Status *SessionStatus
	// IncludeAll includes terminal sessions when Status is nil.
	IncludeAll bool
}

// Admit is called with the user's current usage while the store holds its
// write lock. Returning an error aborts session creation.
type Admit func(Usage) error

// Finalizer is called once per session while the store holds its write lock.
// It may mutate the session and may return a charge to record.
type Finalizer func(*Session) (*BillingRecord, error)

// Matches reports whether a session passes the filter.
func (f ListFilter) Matches(s Session) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.Status != nil {
		return s.Status == *f.Status
	}
	if f.IncludeAll {
		return true
	}
	return !s.Status.IsTerminal()
}
