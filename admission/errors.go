package admission

import (
	"errors"
	"strings"

	"github.com/amonks/workcell/internal/state"
)

var (
	// ErrQuotaExceeded indicates the monthly minute quota is used up.
	ErrQuotaExceeded = errors.New("monthly quota exceeded")

	// ErrConcurrencyExceeded indicates the user has too many active sessions.
	ErrConcurrencyExceeded = errors.New("concurrent session limit reached")

	// ErrUnknownTier indicates a tier name outside the tier table.
	ErrUnknownTier = errors.New("unknown tier")
)

// DeniedError explains why a session was not admitted. It matches
// ErrQuotaExceeded and ErrConcurrencyExceeded with errors.Is.
type DeniedError struct {
	Tier    state.Tier
	Reasons []string
	causes  []error
}

func (e *DeniedError) Error() string {
	return strings.Join(e.Reasons, " ")
}

func (e *DeniedError) Unwrap() []error {
	return e.causes
}
