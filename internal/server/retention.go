package server

import (
	"context"
	"log"
	"time"

	"github.com/coder/quartz"

	"github.com/vesaa/talonwatch/internal/instrument"
)

// Pruner deletes samples older than a cutoff.
type Pruner interface {
	PruneSamples(ctx context.Context, before time.Time) (int64, error)
}

// Retention periodically prunes old metric samples. Traffic history and
// notification state are never pruned.
type Retention struct {
	Pruner   Pruner
	Clock    quartz.Clock
	Days     int
	Interval time.Duration
	Metrics  *instrument.Metrics
}

// PruneOnce removes samples older than Days.
func (r *Retention) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := r.Clock.Now().Add(-time.Duration(r.Days) * 24 * time.Hour)
	n, err := r.Pruner.PruneSamples(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if r.Metrics != nil {
		r.Metrics.SamplesPruned.Add(float64(n))
	}
	if n > 0 {
		log.Printf("[retention] pruned %d sample(s) before %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Run prunes once immediately and then every Interval until ctx is done.
// Days <= 0 disables retention.
func (r *Retention) Run(ctx context.Context) error {
	if r.Days <= 0 {
		log.Printf("[retention] disabled")
		return nil
	}
	if r.Clock == nil {
		r.Clock = quartz.NewReal()
	}
	if r.Interval <= 0 {
		r.Interval = time.Hour
	}
	tick := func() error {
		if _, err := r.PruneOnce(ctx); err != nil {
			log.Printf("[retention] prune failed: %v", err)
		}
		return nil
	}
	_ = tick()
	w := r.Clock.TickerFunc(ctx, r.Interval, tick, "retention")
	err := w.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
