package hub

import (
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/time/rate"
)

// Limiter throttles agent hello attempts per remote IP, so a guessed key
// costs a token before it costs a bcrypt comparison.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	clock    quartz.Clock

	rps   float64
	burst int

	// Idle entries are swept lazily from Allow.
	entryTTL  time.Duration
	lastSweep time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewLimiter creates a per-IP limiter. rps <= 0 disables limiting.
func NewLimiter(clock quartz.Clock, rps float64, burst int) *Limiter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*limiterEntry),
		clock:    clock,
		rps:      rps,
		burst:    burst,
		entryTTL: 10 * time.Minute,
	}
}

// Allow reports whether an attempt from ip may proceed now.
func (l *Limiter) Allow(ip string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.entryTTL/2 {
		l.sweep(now)
	}
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastAccess = now
	return entry.limiter.AllowN(now, 1)
}

func (l *Limiter) sweep(now time.Time) {
	cutoff := now.Add(-l.entryTTL)
	for ip, entry := range l.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
	l.lastSweep = now
}

// Count returns the number of tracked IPs.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
