// Package pacing holds the pure decisions that gate sending: quiet hours,
// the daily cap, batch boundaries and the spacing between sends.
package pacing

import (
	"time"

	"outreach/internal/domain"
)

// MinInterval is the spacing used when message intervals are disabled, so the
// dispatcher never busy-loops.
const MinInterval = time.Second

// Rand is the subset of math/rand/v2.Rand used for jitter.
type Rand interface {
	IntN(n int) int
}

// InQuietHours reports whether now falls inside [start, end) of the daily
// window. Windows may wrap midnight; start == end is an empty window.
func InQuietHours(now time.Time, dnd domain.DoNotDisturb) bool {
	if !dnd.Enabled {
		return false
	}
	start, err := domain.ParseClock(dnd.StartTime)
	if err != nil {
		return false
	}
	end, err := domain.ParseClock(dnd.EndTime)
	if err != nil {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	switch {
	case start == end:
		return false
	case start < end:
		return cur >= start && cur < end
	default:
		return cur >= start || cur < end
	}
}

// QuietHoursEnd returns the next wall-clock occurrence of the window end,
// today if still ahead, otherwise tomorrow.
func QuietHoursEnd(now time.Time, dnd domain.DoNotDisturb) time.Time {
	end, err := domain.ParseClock(dnd.EndTime)
	if err != nil {
		return now
	}
	y, m, d := now.Date()
	at := time.Date(y, m, d, end/60, end%60, 0, 0, now.Location())
	if !at.After(now) {
		at = time.Date(y, m, d+1, end/60, end%60, 0, 0, now.Location())
	}
	return at
}

// NextMidnight is the start of the next local calendar day.
func NextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// CapReached compares today's count with the policy limit.
func CapReached(dc domain.DailyCap, sentToday int) bool {
	return dc.Enabled && sentToday >= dc.MaxPerDay
}

// BatchBoundary reports whether a batch pause is due before the next send.
// lastPauseAt is the processed count at which the previous batch pause was
// taken, so a resumed run does not pause twice at the same boundary.
func BatchBoundary(bp domain.BatchPause, processed, lastPauseAt int) bool {
	if !bp.Enabled || bp.MessagesPerBatch <= 0 || processed == 0 {
		return false
	}
	return processed%bp.MessagesPerBatch == 0 && processed != lastPauseAt
}

func BatchPauseDuration(bp domain.BatchPause) time.Duration {
	return time.Duration(bp.PauseDurationMinutes) * time.Minute
}

// TotalBatches is ceil(ledger / batchSize).
func TotalBatches(ledgerLen, batchSize int) int {
	if batchSize <= 0 || ledgerLen == 0 {
		return 0
	}
	return (ledgerLen + batchSize - 1) / batchSize
}

// NextDelay is the spacing inserted after a send. Random intervals are drawn
// with millisecond resolution so the rhythm is not predictable.
func NextDelay(mi domain.MessageInterval, rng Rand) time.Duration {
	if !mi.Enabled {
		return MinInterval
	}
	switch mi.Type {
	case domain.IntervalFixed:
		return time.Duration(mi.FixedSeconds) * time.Second
	case domain.IntervalRandom:
		lo, hi := mi.RandomMin*1000, mi.RandomMax*1000
		if hi <= lo || rng == nil {
			return time.Duration(lo) * time.Millisecond
		}
		return time.Duration(lo+rng.IntN(hi-lo+1)) * time.Millisecond
	}
	return MinInterval
}
