// Package billing computes the charge for a finished session.
package billing

import (
	"fmt"
	"math"
	"time"

	"github.com/amonks/workcell/internal/ids"
	"github.com/amonks/workcell/internal/state"
)

// DefaultRatePerMinute is the container rate in USD per minute.
const DefaultRatePerMinute = 0.01

// epsilon absorbs float error before rounding up, so 3 minutes at 0.01
// costs exactly 3 cents.
const epsilon = 1e-9

// CostCents returns minutes at ratePerMinute USD, rounded up to whole cents.
func CostCents(minutes, ratePerMinute float64) int64 {
	if minutes <= 0 || ratePerMinute <= 0 {
		return 0
	}
	return int64(math.Ceil(minutes*ratePerMinute*100 - epsilon))
}

// Charge returns the billing record for sess, or nil when the session
// consumed no time.
func Charge(sess state.Session, ratePerMinute float64, now time.Time) *state.BillingRecord {
	if sess.DurationSeconds <= 0 {
		return nil
	}
	minutes := sess.DurationSeconds / 60
	return &state.BillingRecord{
		ID:            ids.ForCharge(sess.ID),
		UserID:        sess.UserID,
		SessionID:     sess.ID,
		Minutes:       minutes,
		RatePerMinute: ratePerMinute,
		CostCents:     CostCents(minutes, ratePerMinute),
		Description:   fmt.Sprintf("Dev session (%.1f min)", minutes),
		CreatedAt:     now,
	}
}

// Apply records charge on sess.
func Apply(sess *state.Session, charge *state.BillingRecord) {
	if charge == nil {
		return
	}
	sess.CostCents = charge.CostCents
}
