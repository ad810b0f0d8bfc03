package session

var forward = map[Status]Status{
	StatusPending:      StatusProvisioning,
	StatusProvisioning: StatusRunning,
	StatusRunning:      StatusAgentWorking,
	StatusAgentWorking: StatusPushing,
	StatusPushing:      StatusCompleted,
}

// CanTransition reports whether a session may move from one status to
// another. Terminal statuses have no successor. Failure, cancellation, and
// timeout are reachable from every other status.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	next, ok := forward[from]
	return ok && next == to
}
