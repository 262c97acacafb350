package internal

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultEntryTTL controls how long an idle bearer's pacing record survives
// before it is evicted from the ledger.
const defaultEntryTTL = time.Hour

// RateLimiter paces requests per bearer identity: consecutive dispatches for
// the same bearer are spaced by at least the delay supplied to Wait, and
// unauthenticated requests share the UnauthBearer slot. Safe for concurrent
// use; multiple sessions may share one ledger.
type RateLimiter struct {
	mu        sync.Mutex
	entries   map[string]*paceEntry
	entryTTL  time.Duration
	lastSweep time.Time
}

type paceEntry struct {
	limiter   *rate.Limiter
	waitUntil time.Time
	lastSeen  time.Time
}

// NewRateLimiter returns a pacing ledger whose idle entries are evicted
// after entryTTL. Zero entryTTL uses a one-hour default.
func NewRateLimiter(entryTTL time.Duration) *RateLimiter {
	if entryTTL <= 0 {
		entryTTL = defaultEntryTTL
	}
	return &RateLimiter{
		entries:  make(map[string]*paceEntry),
		entryTTL: entryTTL,
	}
}

// Wait blocks until the pacing window for bearerID has passed. The ledger
// lock is released before sleeping, so the next waiter paces itself behind
// the updated reservation rather than behind this caller's sleep.
func (l *RateLimiter) Wait(ctx context.Context, bearerID string, delay time.Duration) error {
	if bearerID == "" {
		bearerID = UnauthBearer
	}

	now := time.Now()

	l.mu.Lock()
	l.sweepLocked(now)

	entry, ok := l.entries[bearerID]
	if !ok {
		entry = &paceEntry{limiter: rate.NewLimiter(limitFor(delay), 1)}
		l.entries[bearerID] = entry
	} else if lim := limitFor(delay); entry.limiter.Limit() != lim {
		entry.limiter.SetLimit(lim)
	}
	entry.lastSeen = now
	waitUntil := entry.waitUntil
	l.mu.Unlock()

	if until := time.Until(waitUntil); until > 0 {
		timer := time.NewTimer(until)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	return entry.limiter.Wait(ctx)
}

// Defer pushes back the next dispatch for bearerID until at least t, used
// when the server signals Retry-After or an exhausted quota window.
func (l *RateLimiter) Defer(bearerID string, t time.Time) {
	if bearerID == "" {
		bearerID = UnauthBearer
	}

	l.mu.Lock()
	entry, ok := l.entries[bearerID]
	if !ok {
		entry = &paceEntry{limiter: rate.NewLimiter(rate.Inf, 1)}
		l.entries[bearerID] = entry
	}
	if t.After(entry.waitUntil) {
		entry.waitUntil = t
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}

// sweepLocked evicts entries idle longer than entryTTL. Called with l.mu
// held; runs at most once per TTL interval.
func (l *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.entryTTL {
		return
	}
	l.lastSweep = now
	for id, entry := range l.entries {
		if now.Sub(entry.lastSeen) >= l.entryTTL {
			delete(l.entries, id)
		}
	}
}
