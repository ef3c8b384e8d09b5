package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type localEntry struct {
	limiter  *rate.Limiter
	rate     Rate
	lastUsed time.Time
}

// LocalFactory keeps one token bucket per name and scope in process memory.
// Entries idle for longer than their interval are swept once the map grows
// past maxEntries.
type LocalFactory struct {
	mu         sync.Mutex
	entries    map[string]*localEntry
	maxEntries int
	clock      func() time.Time
}

func NewLocalFactory(maxEntries int) *LocalFactory {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &LocalFactory{
		entries:    make(map[string]*localEntry),
		maxEntries: maxEntries,
		clock:      time.Now,
	}
}

func (f *LocalFactory) Limiter(name string, scope Scope, r Rate) Limiter {
	key := fmt.Sprintf("%s:%d:%d", name, scope.ContextID, scope.UserID)
	now := f.clock()

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[key]
	if !ok || e.rate != r {
		if len(f.entries) >= f.maxEntries {
			f.sweepLocked(now)
		}
		e = &localEntry{
			limiter: rate.NewLimiter(rate.Every(r.Per/time.Duration(r.Amount)), r.Amount),
			rate:    r,
		}
		f.entries[key] = e
	}
	e.lastUsed = now
	return localLimiter{limiter: e.limiter, clock: f.clock}
}

func (f *LocalFactory) sweepLocked(now time.Time) {
	for key, e := range f.entries {
		if now.Sub(e.lastUsed) > e.rate.Per {
			delete(f.entries, key)
		}
	}
}

// Len returns the number of live buckets.
func (f *LocalFactory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type localLimiter struct {
	limiter *rate.Limiter
	clock   func() time.Time
}

func (l localLimiter) Acquire(context.Context) (bool, error) {
	return l.limiter.AllowN(l.clock(), 1), nil
}
