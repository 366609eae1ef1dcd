// Package uptime reconstructs an online/warn/offline timeline from the
// timestamps of a machine's metric samples.
package uptime

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/coder/quartz"
)

// State of one bucket.
type State string

const (
	Up   State = "up"
	Warn State = "warn"
	Down State = "down"
)

// Input limits.
const (
	MaxHours               = 720
	MaxBucketMinutes       = 60
	MaxOfflineAfterMinutes = 1440
)

// Bucket is one fixed-width slice of the window.
type Bucket struct {
	StartAt time.Time `json:"startAt"`
	EndAt   time.Time `json:"endAt"`
	State   State     `json:"state"`
}

// Counts tallies buckets per state.
type Counts struct {
	Up   int `json:"up"`
	Warn int `json:"warn"`
	Down int `json:"down"`
}

// Result is the bucketed timeline of a window.
type Result struct {
	UpPct   float64  `json:"upPct"`
	Counts  Counts   `json:"counts"`
	Buckets []Bucket `json:"buckets"`
}

// Params describe the requested window.
type Params struct {
	Hours               int
	BucketMinutes       int
	OfflineAfterMinutes int
}

// Clamp forces every parameter into its accepted range.
func (p Params) Clamp() Params {
	p.Hours = clamp(p.Hours, 1, MaxHours)
	p.BucketMinutes = clamp(p.BucketMinutes, 1, MaxBucketMinutes)
	p.OfflineAfterMinutes = clamp(p.OfflineAfterMinutes, 1, MaxOfflineAfterMinutes)
	return p
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// Compute classifies each bucket of [now-hours, now] by the gap between the
// bucket's end and the newest sample at or before it. samples need not be
// sorted and may include one seed sample from before the window.
func Compute(now time.Time, samples []time.Time, p Params) Result {
	p = p.Clamp()
	sorted := slices.Clone(samples)
	slices.SortFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })

	width := time.Duration(p.BucketMinutes) * time.Minute
	offline := time.Duration(p.OfflineAfterMinutes) * time.Minute
	windowStart := now.Add(-time.Duration(p.Hours) * time.Hour)
	n := int((now.Sub(windowStart) + width - 1) / width)

	res := Result{Buckets: make([]Bucket, 0, n)}
	var (
		lastAt  time.Time
		hasLast bool
		next    int
	)
	for i := 0; i < n; i++ {
		start := windowStart.Add(time.Duration(i) * width)
		end := start.Add(width)
		if end.After(now) {
			end = now
		}
		for next < len(sorted) && !sorted[next].After(end) {
			lastAt, hasLast = sorted[next], true
			next++
		}
		state := classify(end, lastAt, hasLast, offline)
		switch state {
		case Up:
			res.Counts.Up++
		case Warn:
			res.Counts.Warn++
		default:
			res.Counts.Down++
		}
		res.Buckets = append(res.Buckets, Bucket{StartAt: start, EndAt: end, State: state})
	}
	res.UpPct = float64(res.Counts.Up) / float64(max(len(res.Buckets), 1))
	return res
}

func classify(end, lastAt time.Time, hasLast bool, offline time.Duration) State {
	if !hasLast {
		return Down
	}
	switch gap := end.Sub(lastAt); {
	case gap <= offline:
		return Up
	case gap <= 3*offline:
		return Warn
	}
	return Down
}

// Store is the sample history the service reads.
type Store interface {
	SampleTimesBetween(ctx context.Context, machineID uint, from, to time.Time) ([]time.Time, error)
	LastSampleBefore(ctx context.Context, machineID uint, t time.Time) (time.Time, bool, error)
}

// Service computes uptime timelines from stored samples.
type Service struct {
	store Store
	clock quartz.Clock
}

// NewService creates a Service. A nil clock uses wall time.
func NewService(store Store, clock quartz.Clock) *Service {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Service{store: store, clock: clock}
}

// Buckets fetches the seed sample plus the window's samples and computes the
// timeline ending now.
func (s *Service) Buckets(ctx context.Context, machineID uint, p Params) (Result, error) {
	p = p.Clamp()
	now := s.clock.Now()
	from := now.Add(-time.Duration(p.Hours) * time.Hour)

	samples, err := s.store.SampleTimesBetween(ctx, machineID, from, now)
	if err != nil {
		return Result{}, fmt.Errorf("loading samples: %w", err)
	}
	seed, ok, err := s.store.LastSampleBefore(ctx, machineID, from)
	if err != nil {
		return Result{}, fmt.Errorf("loading seed sample: %w", err)
	}
	if ok {
		samples = append(samples, seed)
	}
	return Compute(now, samples, p), nil
}
