package age

import "time"

// DurationData computes display age and whether timing data exists.
// Running items are measured against now; finished items prefer the
// recorded duration over their timestamps. Negative ages clamp to zero.
func DurationData(startedAt time.Time, endedAt time.Time, durationSeconds float64, running bool, now time.Time) (time.Duration, bool) {
	if running {
		return AgeData(startedAt, now)
	}

	if durationSeconds > 0 {
		return time.Duration(durationSeconds * float64(time.Second)), true
	}

	if !endedAt.IsZero() && !startedAt.IsZero() {
		return clamp(endedAt.Sub(startedAt)), true
	}

	return 0, false
}

// AgeData returns how long ago startedAt was.
func AgeData(startedAt time.Time, now time.Time) (time.Duration, bool) {
	if startedAt.IsZero() {
		return 0, false
	}
	return clamp(now.Sub(startedAt)), true
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
