package session

import (
	"time"

	"github.com/amonks/workcell/internal/age"
)

// Age returns how long the session has run, or ran. It returns false when
// the session never started.
func Age(sess Session, now time.Time) (time.Duration, bool) {
	return age.DurationData(sess.StartedAt, sess.EndedAt, sess.DurationSeconds, !sess.Status.IsTerminal(), now)
}
