package server

import (
	"github.com/amonks/workcell/admission"
	"github.com/amonks/workcell/internal/state"
	"github.com/amonks/workcell/session"
)

type emptyResponse struct{}

type errorResponse struct {
	Error string `json:"error"`
}

type createRequest struct {
	UserID       string `json:"user_id"`
	RepositoryID string `json:"repository_id"`
	Task         string `json:"task"`
	Branch       string `json:"branch,omitempty"`
	Mode         string `json:"mode,omitempty"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type sessionResponse struct {
	Session session.Session `json:"session"`
}

type listRequest struct {
	UserID string `json:"user_id,omitempty"`
	Status string `json:"status,omitempty"`
	All    bool   `json:"all,omitempty"`
}

type listResponse struct {
	Sessions []session.Session `json:"sessions"`
}

type eventsRequest struct {
	SessionID string `json:"session_id"`
	// After is the last sequence already seen. Omitted means from the start.
	After *int64 `json:"after,omitempty"`
}

func (r eventsRequest) after() int64 {
	if r.After == nil {
		return -1
	}
	return *r.After
}

type eventsResponse struct {
	Events []session.Event `json:"events"`
}

// SweepFailure is a container a sweep could not remove.
type SweepFailure struct {
	ContainerID string `json:"container_id"`
	Error       string `json:"error"`
}

// SweepResult summarizes a sweep.
type SweepResult struct {
	Scanned   int            `json:"scanned"`
	Destroyed int            `json:"destroyed"`
	Failures  []SweepFailure `json:"failures"`
}

type usageRequest struct {
	UserID string `json:"user_id"`
}

type setTierRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

// Limits are a tier's entitlements. A negative value is unlimited.
type Limits struct {
	Tier            state.Tier `json:"tier"`
	MinutesPerMonth int        `json:"minutes_per_month"`
	MaxConcurrent   int        `json:"max_concurrent"`
	PriceCents      int64      `json:"price_cents"`
}

// Usage is a user's plan, period usage, and charges.
type Usage struct {
	Subscription state.Subscription    `json:"subscription"`
	Limits       Limits                `json:"limits"`
	Active       int                   `json:"active"`
	Charges      []state.BillingRecord `json:"charges"`
}

func newUsageResponse(usage session.Usage) Usage {
	charges := usage.Charges
	if charges == nil {
		charges = []state.BillingRecord{}
	}
	return Usage{
		Subscription: usage.Subscription,
		Limits:       newLimits(usage.Limits),
		Active:       usage.Active,
		Charges:      charges,
	}
}

func newLimits(limits admission.Limits) Limits {
	return Limits{
		Tier:            limits.Tier,
		MinutesPerMonth: limits.MinutesPerMonth,
		MaxConcurrent:   limits.MaxConcurrent,
		PriceCents:      limits.PriceCents,
	}
}
