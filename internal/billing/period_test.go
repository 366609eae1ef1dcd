package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesaa/talonwatch/internal/billing"
)

func date(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func TestBoundsOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		at        time.Time
		anchor    int
		wantKey   string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name: "anchor 31 in February clamps both ends", at: date(2025, time.February, 28, 12), anchor: 31,
			wantKey: "2025-02-28", wantStart: date(2025, time.February, 28, 0), wantEnd: date(2025, time.March, 31, 0),
		},
		{
			name: "anchor 31 early February belongs to January period", at: date(2025, time.February, 10, 0), anchor: 31,
			wantKey: "2025-01-31", wantStart: date(2025, time.January, 31, 0), wantEnd: date(2025, time.February, 28, 0),
		},
		{
			name: "leap year February", at: date(2024, time.February, 29, 5), anchor: 30,
			wantKey: "2024-02-29", wantStart: date(2024, time.February, 29, 0), wantEnd: date(2024, time.March, 30, 0),
		},
		{
			name: "before anchor shifts to previous month", at: date(2025, time.June, 10, 0), anchor: 15,
			wantKey: "2025-05-15", wantStart: date(2025, time.May, 15, 0), wantEnd: date(2025, time.June, 15, 0),
		},
		{
			name: "exactly on anchor starts a new period", at: date(2025, time.June, 15, 0), anchor: 15,
			wantKey: "2025-06-15", wantStart: date(2025, time.June, 15, 0), wantEnd: date(2025, time.July, 15, 0),
		},
		{
			name: "january crosses year backwards", at: date(2025, time.January, 3, 0), anchor: 5,
			wantKey: "2024-12-05", wantStart: date(2024, time.December, 5, 0), wantEnd: date(2025, time.January, 5, 0),
		},
		{
			name: "december crosses year forwards", at: date(2025, time.December, 20, 0), anchor: 1,
			wantKey: "2025-12-01", wantStart: date(2025, time.December, 1, 0), wantEnd: date(2026, time.January, 1, 0),
		},
		{
			name: "anchor below range clamps to 1", at: date(2025, time.April, 2, 0), anchor: 0,
			wantKey: "2025-04-01", wantStart: date(2025, time.April, 1, 0), wantEnd: date(2025, time.May, 1, 0),
		},
		{
			name: "anchor above range clamps to 31", at: date(2025, time.April, 30, 0), anchor: 99,
			wantKey: "2025-04-30", wantStart: date(2025, time.April, 30, 0), wantEnd: date(2025, time.May, 31, 0),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := billing.BoundsOf(tc.at, tc.anchor)
			assert.Equal(t, tc.wantKey, b.PeriodKey)
			assert.True(t, tc.wantStart.Equal(b.StartAt), "start %s", b.StartAt)
			assert.True(t, tc.wantEnd.Equal(b.EndAt), "end %s", b.EndAt)
			assert.True(t, b.Contains(tc.at))
		})
	}
}

func TestBoundsOfNonUTCInput(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+8", 8*3600)
	// 2025-03-01 02:00 +08:00 is still 2025-02-28 in UTC.
	b := billing.BoundsOf(time.Date(2025, time.March, 1, 2, 0, 0, 0, loc), 1)
	assert.Equal(t, "2025-02-01", b.PeriodKey)
}

// Periods walked day by day for a year must tile the timeline with no gaps
// or overlaps, for every anchor day.
func TestBoundsOfContiguous(t *testing.T) {
	t.Parallel()

	for anchor := 1; anchor <= 31; anchor++ {
		prev := billing.BoundsOf(date(2023, time.December, 31, 23), anchor)
		for at := date(2024, time.January, 1, 0); at.Year() < 2026; at = at.Add(6 * time.Hour) {
			b := billing.BoundsOf(at, anchor)
			require.True(t, b.Contains(at), "anchor %d at %s", anchor, at)
			if b.PeriodKey != prev.PeriodKey {
				require.True(t, prev.EndAt.Equal(b.StartAt), "anchor %d gap between %s and %s", anchor, prev.EndAt, b.StartAt)
			}
			prev = b
		}
	}
}
