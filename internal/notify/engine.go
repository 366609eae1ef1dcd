package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/coder/quartz"

	"github.com/vesaa/talonwatch/internal/instrument"
	"github.com/vesaa/talonwatch/internal/models"
)

// Store is the persistence the engine reads and commits to.
type Store interface {
	Machines(ctx context.Context) ([]models.Machine, error)
	NotificationStates(ctx context.Context) (map[uint]models.NotificationState, error)
	SaveNotificationStates(ctx context.Context, states []models.NotificationState) error
}

// PolicyFunc resolves the policy for one tick.
type PolicyFunc func(ctx context.Context) Policy

// Options configure an Engine.
type Options struct {
	Store    Store
	Sender   Sender // nil disables every category; state is still tracked
	Policy   PolicyFunc
	Clock    quartz.Clock
	Interval time.Duration
	Metrics  *instrument.Metrics
	MaxLen   int
}

// Engine runs the periodic notification scan.
type Engine struct {
	store    Store
	sender   Sender
	policy   PolicyFunc
	clock    quartz.Clock
	interval time.Duration
	metrics  *instrument.Metrics
	maxLen   int
}

// TickResult summarizes one scan.
type TickResult struct {
	Alerts    int
	Messages  int
	Committed int
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = instrument.New(nil)
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = MaxMessageLen
	}
	return &Engine{
		store:    opts.Store,
		sender:   opts.Sender,
		policy:   opts.Policy,
		clock:    opts.Clock,
		interval: opts.Interval,
		metrics:  opts.Metrics,
		maxLen:   opts.MaxLen,
	}
}

// Run scans every interval until ctx is done. A failing tick is logged and
// the loop keeps going.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("[notify] scanning every %s", e.interval)
	w := e.clock.TickerFunc(ctx, e.interval, func() error {
		e.safeTick(ctx)
		return nil
	}, "notify")
	err := w.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Engine) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[notify] tick panic: %v", r)
		}
	}()
	if _, err := e.Tick(ctx); err != nil {
		log.Printf("[notify] tick failed: %v", err)
	}
}

// Tick evaluates every machine once, sends the resulting batches, and
// commits staged state only if every batch was delivered.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	now := e.clock.Now()

	var p Policy
	if e.policy != nil {
		p = e.policy(ctx)
	}
	if e.sender == nil {
		p.NotifyOffline, p.NotifyOnline, p.NotifyExpiry = false, false, false
	}

	machines, err := e.store.Machines(ctx)
	if err != nil {
		return res, fmt.Errorf("listing machines: %w", err)
	}
	states, err := e.store.NotificationStates(ctx)
	if err != nil {
		return res, fmt.Errorf("loading notification state: %w", err)
	}

	var (
		alerts []Alert
		staged []models.NotificationState
	)
	for i := range machines {
		m := &machines[i]
		var prev *models.NotificationState
		if st, ok := states[m.ID]; ok {
			prev = &st
		}
		a, next, changed := Evaluate(m, prev, now, p)
		alerts = append(alerts, a...)
		if changed {
			staged = append(staged, next)
		}
	}
	res.Alerts = len(alerts)

	messages := Pack(alerts, e.maxLen)
	for _, msg := range messages {
		if err := e.sender.Send(ctx, msg); err != nil {
			e.recordFailure(err)
			return res, fmt.Errorf("sending alert batch %d/%d: %w", res.Messages+1, len(messages), err)
		}
		res.Messages++
	}
	for _, a := range alerts {
		e.metrics.AlertsSent.WithLabelValues(a.Category.String()).Inc()
	}

	if err := e.store.SaveNotificationStates(ctx, staged); err != nil {
		return res, fmt.Errorf("committing notification state: %w", err)
	}
	res.Committed = len(staged)
	if res.Alerts > 0 {
		log.Printf("[notify] sent %d alert(s) in %d message(s)", res.Alerts, res.Messages)
	}
	return res, nil
}

func (e *Engine) recordFailure(err error) {
	var se *SendError
	if errors.As(err, &se) {
		e.metrics.AlertSendFailures.WithLabelValues(se.Kind.String()).Inc()
		log.Printf("[notify] delivery rejected: %v (%s)", se, se.Hint())
		return
	}
	e.metrics.AlertSendFailures.WithLabelValues("transport").Inc()
	log.Printf("[notify] delivery failed: %v", err)
}
