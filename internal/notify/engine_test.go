package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesaa/talonwatch/internal/instrument"
	"github.com/vesaa/talonwatch/internal/models"
	"github.com/vesaa/talonwatch/internal/notify"
)

type fakeStore struct {
	mu       sync.Mutex
	machines []models.Machine
	states   map[uint]models.NotificationState
	commits  int
}

func (f *fakeStore) Machines(context.Context) ([]models.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Machine(nil), f.machines...), nil
}

func (f *fakeStore) NotificationStates(context.Context) (map[uint]models.NotificationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint]models.NotificationState, len(f.states))
	for k, v := range f.states {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) SaveNotificationStates(_ context.Context, states []models.NotificationState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	for _, s := range states {
		f.states[s.MachineID] = s
	}
	return nil
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []string
	failOn int // 1-based call index that fails; 0 never
	err    error
	calls  int
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn != 0 && f.calls == f.failOn {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func offlineFleet() *fakeStore {
	seen := t0
	a := models.Machine{Name: "alpha", LastSeenAt: &seen}
	a.ID = 1
	b := models.Machine{Name: "bravo", LastSeenAt: &seen}
	b.ID = 2
	exp := t0.Add(2 * 24 * time.Hour)
	b.ExpiresAt = &exp
	return &fakeStore{
		machines: []models.Machine{a, b},
		states: map[uint]models.NotificationState{
			1: {MachineID: 1, LastOnline: true},
			2: {MachineID: 2, LastOnline: true},
		},
	}
}

func fixedPolicy(p notify.Policy) notify.PolicyFunc {
	return func(context.Context) notify.Policy { return p }
}

func TestTickCommitsOnlyAfterAllBatchesSend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := quartz.NewMock(t)
	clock.Set(t0.Add(10 * time.Minute))

	st := offlineFleet()
	sender := &fakeSender{failOn: 2, err: &notify.SendError{Kind: notify.ErrBlocked, Status: 403}}
	metrics := instrument.New(prometheus.NewRegistry())
	eng := notify.NewEngine(notify.Options{
		Store:   st,
		Sender:  sender,
		Policy:  fixedPolicy(allOn),
		Clock:   clock,
		Metrics: metrics,
	})

	// Offline group and near-expiry group make two messages; the second fails.
	res, err := eng.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, 3, res.Alerts)
	assert.Equal(t, 1, res.Messages)
	assert.Zero(t, st.commits)
	assert.True(t, st.states[1].LastOnline, "state untouched after failed delivery")
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.AlertSendFailures.WithLabelValues("blocked")), 0)

	// Retry regenerates the same alerts and commits.
	sender.failOn = 0
	res, err = eng.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Alerts)
	assert.Equal(t, 2, res.Messages)
	assert.Equal(t, 2, res.Committed)
	assert.False(t, st.states[1].LastOnline)
	assert.Equal(t, "2025-03-10", st.states[2].ExpiryWarnDate)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.AlertsSent.WithLabelValues("offline")), 0)

	// Nothing new to say.
	before := len(sender.messages())
	res, err = eng.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Alerts)
	assert.Len(t, sender.messages(), before)
}

func TestTickWithoutSenderTracksSilently(t *testing.T) {
	t.Parallel()

	clock := quartz.NewMock(t)
	clock.Set(t0.Add(10 * time.Minute))

	st := offlineFleet()
	eng := notify.NewEngine(notify.Options{Store: st, Policy: fixedPolicy(allOn), Clock: clock})

	res, err := eng.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Alerts)
	assert.Equal(t, 2, res.Committed)
	assert.False(t, st.states[1].LastOnline)
	assert.Empty(t, st.states[2].ExpiryWarnDate)
}

func TestRunTicksOnInterval(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	clock.Set(t0.Add(10 * time.Minute))
	trap := clock.Trap().TickerFunc("notify")
	defer trap.Close()

	st := offlineFleet()
	sender := &fakeSender{}
	eng := notify.NewEngine(notify.Options{
		Store:    st,
		Sender:   sender,
		Policy:   fixedPolicy(allOn),
		Clock:    clock,
		Interval: 30 * time.Second,
	})

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()

	trap.MustWait(ctx).MustRelease(ctx)
	clock.Advance(30 * time.Second).MustWait(ctx)
	assert.Len(t, sender.messages(), 2)

	stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Run did not return")
	}
}
