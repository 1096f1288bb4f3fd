package policy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dlnkd/internal/errs"
	"dlnkd/internal/metrics"
)

// Gate enforces per-subject request limits over two windows, a short
// burst window and an hourly ceiling. Subjects are opaque strings, a
// client IP or a license key.
type Gate struct {
	perMinute int
	perHour   int

	mu      sync.Mutex
	entries map[string]*gateEntry
}

type gateEntry struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	lastSeen time.Time
}

// NewGate creates a rate gate with the given per-subject limits.
func NewGate(perMinute, perHour int) *Gate {
	return &Gate{
		perMinute: perMinute,
		perHour:   perHour,
		entries:   make(map[string]*gateEntry),
	}
}

// Allow records one request for the subject. When a window is exhausted
// it returns a RateLimited error carrying the wait until the next slot.
func (g *Gate) Allow(subject string) error {
	now := time.Now()

	g.mu.Lock()
	e, ok := g.entries[subject]
	if !ok {
		e = &gateEntry{
			minute: rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.perMinute)), g.perMinute),
			hour:   rate.NewLimiter(rate.Every(time.Hour/time.Duration(g.perHour)), g.perHour),
		}
		g.entries[subject] = e
	}
	e.lastSeen = now
	g.mu.Unlock()

	hr := e.hour.ReserveN(now, 1)
	if delay := hr.DelayFrom(now); delay > 0 {
		hr.CancelAt(now)
		metrics.RateLimitedTotal.Inc()
		return errs.RateLimited(delay)
	}
	mr := e.minute.ReserveN(now, 1)
	if delay := mr.DelayFrom(now); delay > 0 {
		// Give back the hour token so a burst rejection does not eat
		// into the hourly budget.
		mr.CancelAt(now)
		hr.CancelAt(now)
		metrics.RateLimitedTotal.Inc()
		return errs.RateLimited(delay)
	}
	return nil
}

// Prune drops subjects idle longer than maxIdle. Called periodically so
// the entry map does not grow without bound.
func (g *Gate) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for subject, e := range g.entries {
		if e.lastSeen.Before(cutoff) {
			delete(g.entries, subject)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked subjects.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
