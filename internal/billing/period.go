// Package billing maps instants onto calendar-anchored billing periods.
package billing

import "time"

// KeyLayout is the layout of a period key: the UTC date of its start.
const KeyLayout = "2006-01-02"

// Bounds is a half-open billing period [StartAt, EndAt).
type Bounds struct {
	PeriodKey string
	StartAt   time.Time
	EndAt     time.Time
}

// Contains reports whether t falls inside the period.
func (b Bounds) Contains(t time.Time) bool {
	return !t.Before(b.StartAt) && t.Before(b.EndAt)
}

// ClampAnchorDay forces d into [1,31].
func ClampAnchorDay(d int) int {
	switch {
	case d < 1:
		return 1
	case d > 31:
		return 31
	}
	return d
}

// BoundsOf returns the period enclosing at for a given anchor day. In months
// shorter than the anchor day the period starts on the month's last day, so
// consecutive periods stay contiguous.
func BoundsOf(at time.Time, anchorDay int) Bounds {
	anchorDay = ClampAnchorDay(anchorDay)
	at = at.UTC()

	year, month := at.Year(), at.Month()
	start := anchorIn(year, month, anchorDay)
	if at.Before(start) {
		year, month = shift(year, month, -1)
		start = anchorIn(year, month, anchorDay)
	}
	ny, nm := shift(year, month, 1)
	return Bounds{
		PeriodKey: start.Format(KeyLayout),
		StartAt:   start,
		EndAt:     anchorIn(ny, nm, anchorDay),
	}
}

func anchorIn(year int, month time.Month, day int) time.Time {
	if n := daysIn(year, month); day > n {
		day = n
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func shift(year int, month time.Month, delta int) (int, time.Month) {
	t := time.Date(year, month+time.Month(delta), 1, 0, 0, 0, 0, time.UTC)
	return t.Year(), t.Month()
}
