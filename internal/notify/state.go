// Package notify turns machine state changes into deduplicated alerts.
//
// Each machine carries a small state machine (models.NotificationState). A
// periodic scan evaluates every machine, sends the resulting alerts in
// batches, and commits the staged state only after every batch went out, so
// a failed delivery is retried on the next tick.
package notify

import (
	"fmt"
	"math"
	"time"

	"github.com/vesaa/talonwatch/internal/models"
)

// Cooldown is the minimum gap between two alerts of the same direction.
const Cooldown = 5 * time.Minute

const dayLayout = "2006-01-02"

// Category groups alerts into message sections.
type Category int

const (
	CategoryOffline Category = iota
	CategoryOnline
	CategoryNearExpiry
	CategoryExpired
)

// Categories in send order.
var Categories = []Category{CategoryOffline, CategoryOnline, CategoryNearExpiry, CategoryExpired}

func (c Category) String() string {
	switch c {
	case CategoryOffline:
		return "offline"
	case CategoryOnline:
		return "online"
	case CategoryNearExpiry:
		return "near_expiry"
	case CategoryExpired:
		return "expired"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

func (c Category) title() string {
	switch c {
	case CategoryOffline:
		return "🔴 Offline"
	case CategoryOnline:
		return "🟢 Back online"
	case CategoryNearExpiry:
		return "⏳ Expiring soon"
	case CategoryExpired:
		return "⛔ Expired"
	}
	return c.String()
}

// Alert is one line of an outbound message.
type Alert struct {
	Category  Category
	MachineID uint
	Text      string
}

// Policy is the per-tick configuration of the state machine.
type Policy struct {
	OfflineAfter  time.Duration
	NotifyOffline bool
	NotifyOnline  bool
	NotifyExpiry  bool
	WarnDays      int
}

// DerivedOnline reports whether a machine counts as online at now.
func DerivedOnline(lastSeen *time.Time, now time.Time, offlineAfter time.Duration) bool {
	return lastSeen != nil && now.Sub(*lastSeen) <= offlineAfter
}

// Evaluate runs one machine through the state machine. prev is nil when the
// machine has no row yet; it is then seeded with the derived state and no
// alert. The returned state is what to commit if the alerts are delivered;
// changed is false when nothing needs writing.
func Evaluate(m *models.Machine, prev *models.NotificationState, now time.Time, p Policy) (alerts []Alert, next models.NotificationState, changed bool) {
	online := DerivedOnline(m.LastSeenAt, now, p.OfflineAfter)
	nowMs := now.UnixMilli()

	if prev == nil {
		next = models.NotificationState{MachineID: m.ID, LastOnline: online}
		changed = true
	} else {
		next = *prev
		next.MachineID = m.ID
	}

	if online != next.LastOnline {
		changed = true
		cat, enabled, notifiedAt := CategoryOffline, p.NotifyOffline, &next.OfflineNotifiedAt
		if online {
			cat, enabled, notifiedAt = CategoryOnline, p.NotifyOnline, &next.OnlineNotifiedAt
		}
		next.LastOnline = online
		if enabled && nowMs-*notifiedAt > Cooldown.Milliseconds() {
			*notifiedAt = nowMs
			alerts = append(alerts, Alert{Category: cat, MachineID: m.ID, Text: statusLine(m, online, now)})
		}
	}

	if p.NotifyExpiry && m.ExpiresAt != nil {
		days := DaysLeft(*m.ExpiresAt, now)
		today := now.UTC().Format(dayLayout)
		switch {
		case days < 0:
			if next.ExpiredNotifiedAt == 0 {
				next.ExpiredNotifiedAt = nowMs
				changed = true
				alerts = append(alerts, Alert{Category: CategoryExpired, MachineID: m.ID,
					Text: fmt.Sprintf("%s (#%d) expired on %s", m.DisplayName(), m.ID, m.ExpiresAt.UTC().Format(dayLayout))})
			}
		case days <= p.WarnDays:
			if next.ExpiryWarnDate != today {
				next.ExpiryWarnDate = today
				changed = true
				alerts = append(alerts, Alert{Category: CategoryNearExpiry, MachineID: m.ID,
					Text: fmt.Sprintf("%s (#%d) expires in %d day(s) on %s", m.DisplayName(), m.ID, days, m.ExpiresAt.UTC().Format(dayLayout))})
			}
		}
	}
	return alerts, next, changed
}

// DaysLeft is floor((expiresAt-now)/24h); negative once expired.
func DaysLeft(expiresAt, now time.Time) int {
	return int(math.Floor(float64(expiresAt.Sub(now).Milliseconds()) / float64((24 * time.Hour).Milliseconds())))
}

func statusLine(m *models.Machine, online bool, now time.Time) string {
	if online {
		return fmt.Sprintf("%s (#%d) is back online", m.DisplayName(), m.ID)
	}
	if m.LastSeenAt == nil {
		return fmt.Sprintf("%s (#%d) is offline, never seen", m.DisplayName(), m.ID)
	}
	return fmt.Sprintf("%s (#%d) is offline, last seen %s ago", m.DisplayName(), m.ID, now.Sub(*m.LastSeenAt).Truncate(time.Second))
}
