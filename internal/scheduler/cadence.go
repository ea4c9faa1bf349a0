package scheduler

import (
	"fmt"
	"time"
)

// Cadence is either a fixed interval or a daily wall-clock hour in UTC.
type Cadence struct {
	every time.Duration
	hour  int
	daily bool
}

// Every runs at multiples of d, aligned to the interval boundary.
func Every(d time.Duration) Cadence {
	return Cadence{every: d}
}

// DailyAt runs once a day at hour:00 UTC.
func DailyAt(hour int) Cadence {
	return Cadence{hour: hour, daily: true}
}

func (c Cadence) valid() bool {
	if c.daily {
		return c.hour >= 0 && c.hour < 24
	}
	return c.every > 0
}

// Period is the nominal spacing between two runs.
func (c Cadence) Period() time.Duration {
	if c.daily {
		return 24 * time.Hour
	}
	return c.every
}

// Next returns the first slot strictly after now.
func (c Cadence) Next(now time.Time) time.Time {
	now = now.UTC()
	if c.daily {
		slot := time.Date(now.Year(), now.Month(), now.Day(), c.hour, 0, 0, 0, time.UTC)
		if !slot.After(now) {
			slot = slot.AddDate(0, 0, 1)
		}
		return slot
	}
	slot := now.Truncate(c.every)
	if !slot.After(now) {
		slot = slot.Add(c.every)
	}
	return slot
}

func (c Cadence) String() string {
	if c.daily {
		return fmt.Sprintf("daily@%02d:00Z", c.hour)
	}
	return "every " + c.every.String()
}
