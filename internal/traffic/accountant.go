// Package traffic turns cumulative agent byte counters into usage totals for
// each machine's current billing period.
package traffic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vesaa/talonwatch/internal/billing"
	"github.com/vesaa/talonwatch/internal/models"
)

// Store is the persistence the accountant needs.
type Store interface {
	Machine(ctx context.Context, id uint) (*models.Machine, error)
	TrafficState(ctx context.Context, machineID uint) (*models.TrafficCycleState, error)
	SaveTraffic(ctx context.Context, st *models.TrafficCycleState) error
}

// AnchorResolver resolves a machine's configured anchor day (0 = unset)
// into an effective one.
type AnchorResolver func(ctx context.Context, explicit int) int

// Snapshot is the usage of one period as of the latest accepted sample.
type Snapshot struct {
	PeriodKey    string
	StartAt      time.Time
	EndAt        time.Time
	UsageRxBytes uint64
	UsageTxBytes uint64
}

// Transition names the path a sample took through the accountant.
type Transition int

const (
	// Seeded: first sample for the machine, or a new period began. Usage is zero.
	Seeded Transition = iota
	// Stale: sample older than the last accepted one; state unchanged.
	Stale
	// Advanced: counters accumulated within the current period.
	Advanced
)

func (t Transition) String() string {
	switch t {
	case Seeded:
		return "seeded"
	case Stale:
		return "stale"
	case Advanced:
		return "advanced"
	}
	return fmt.Sprintf("transition(%d)", int(t))
}

// Accountant reconciles counter samples per machine. Accounting for one
// machine is serialized; different machines proceed in parallel.
type Accountant struct {
	store   Store
	resolve AnchorResolver

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

// New creates an Accountant. A nil resolver falls back to the machine's own
// anchor day, then 1.
func New(store Store, resolve AnchorResolver) *Accountant {
	return &Accountant{store: store, resolve: resolve, locks: make(map[uint]*sync.Mutex)}
}

func (a *Accountant) lock(machineID uint) func() {
	a.mu.Lock()
	l, ok := a.locks[machineID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[machineID] = l
	}
	a.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Account feeds one (at, rx, tx) reading, where rx/tx are counters since the
// agent's own start, and returns the period snapshot after it.
func (a *Accountant) Account(ctx context.Context, machineID uint, at time.Time, rxBytes, txBytes uint64) (Snapshot, error) {
	snap, _, err := a.account(ctx, machineID, at, rxBytes, txBytes)
	return snap, err
}

func (a *Accountant) account(ctx context.Context, machineID uint, at time.Time, rxBytes, txBytes uint64) (Snapshot, Transition, error) {
	unlock := a.lock(machineID)
	defer unlock()

	at = at.UTC()
	st, err := a.store.TrafficState(ctx, machineID)
	if err != nil {
		return Snapshot{}, 0, fmt.Errorf("loading traffic state: %w", err)
	}

	// Stale is checked before rollover on purpose: a late sample from the
	// previous period must not reset the current one.
	if st != nil && at.Before(st.LastAt) {
		return snapshotOf(st), Stale, nil
	}

	anchor, err := a.anchorDay(ctx, machineID, st)
	if err != nil {
		return Snapshot{}, 0, err
	}
	bounds := billing.BoundsOf(at, anchor)

	next, tr := step(st, bounds, anchor, at, rxBytes, txBytes)
	next.MachineID = machineID
	if err := a.store.SaveTraffic(ctx, next); err != nil {
		return Snapshot{}, 0, fmt.Errorf("saving traffic state: %w", err)
	}
	return snapshotOf(next), tr, nil
}

func (a *Accountant) anchorDay(ctx context.Context, machineID uint, st *models.TrafficCycleState) (int, error) {
	m, err := a.store.Machine(ctx, machineID)
	if err != nil {
		return 0, fmt.Errorf("loading machine %d: %w", machineID, err)
	}
	explicit := m.BillingAnchorDay
	if explicit == 0 && st != nil {
		explicit = st.AnchorDay
	}
	if a.resolve != nil {
		return billing.ClampAnchorDay(a.resolve(ctx, explicit)), nil
	}
	if explicit == 0 {
		return 1, nil
	}
	return billing.ClampAnchorDay(explicit), nil
}

// step is the state transition for a sample that is not older than the last
// accepted one. It never mutates prev.
func step(prev *models.TrafficCycleState, bounds billing.Bounds, anchor int, at time.Time, rx, tx uint64) (*models.TrafficCycleState, Transition) {
	if prev == nil || prev.PeriodKey != bounds.PeriodKey {
		return &models.TrafficCycleState{
			AnchorDay:   anchor,
			PeriodKey:   bounds.PeriodKey,
			StartAt:     bounds.StartAt,
			EndAt:       bounds.EndAt,
			LastAt:      at,
			LastRxBytes: rx,
			LastTxBytes: tx,
		}, Seeded
	}

	next := *prev
	next.AnchorDay = anchor
	next.UsageRxBytes += counterDelta(prev.LastRxBytes, rx)
	next.UsageTxBytes += counterDelta(prev.LastTxBytes, tx)
	next.LastAt = at
	next.LastRxBytes = rx
	next.LastTxBytes = tx
	return &next, Advanced
}

// counterDelta treats a counter below its last value as an agent restart
// from zero, so the new absolute value is the increment. A genuine partial
// wrap is undercounted; the agent cannot tell the two apart either.
func counterDelta(last, cur uint64) uint64 {
	if cur >= last {
		return cur - last
	}
	return cur
}

func snapshotOf(st *models.TrafficCycleState) Snapshot {
	return Snapshot{
		PeriodKey:    st.PeriodKey,
		StartAt:      st.StartAt,
		EndAt:        st.EndAt,
		UsageRxBytes: st.UsageRxBytes,
		UsageTxBytes: st.UsageTxBytes,
	}
}

// Current returns the machine's stored snapshot, or false when none exists.
func (a *Accountant) Current(ctx context.Context, machineID uint) (Snapshot, bool, error) {
	st, err := a.store.TrafficState(ctx, machineID)
	if err != nil || st == nil {
		return Snapshot{}, false, err
	}
	return snapshotOf(st), true, nil
}
