package models

import (
	"math"
	"time"
)

// DaysUntil returns the whole calendar days from now until deadline, in UTC.
// Past deadlines give negative values.
func DaysUntil(deadline, now time.Time) int {
	d := truncateDay(deadline)
	n := truncateDay(now)
	return int(math.Round(d.Sub(n).Hours() / 24))
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
