package server

import (
	"errors"
	"net/http"

	"github.com/amonks/workcell/admission"
	"github.com/amonks/workcell/session"
)

var errSessionIDRequired = errors.New("session id is required")

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrRepositoryNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionTerminal),
		errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, admission.ErrQuotaExceeded),
		errors.Is(err, admission.ErrConcurrencyExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrInvalidMode),
		errors.Is(err, session.ErrInvalidStatus),
		errors.Is(err, session.ErrTaskRequired),
		errors.Is(err, session.ErrUserRequired),
		errors.Is(err, session.ErrAgentCredentialMissing),
		errors.Is(err, admission.ErrUnknownTier),
		errors.Is(err, errSessionIDRequired),
		errors.Is(err, errAmbiguousSessionIDPrefix):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
