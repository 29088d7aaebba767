package controller

import (
	"log"
	"sync"
	"time"
)

// Breaker blacklists failing field devices for a cooldown window so the
// pollers and the executor stop hammering a dead endpoint. Keys are a
// plant id, an "env:" prefixed sensor id, or a POD identifier.
type Breaker struct {
	mu       sync.Mutex
	failures map[string]time.Time
	cooldown time.Duration
	logger   *log.Logger

	// now is swapped out by tests.
	now func() time.Time
}

// NewBreaker creates a breaker with the given cooldown window.
func NewBreaker(cooldown time.Duration, logger *log.Logger) *Breaker {
	if logger == nil {
		logger = log.Default()
	}
	return &Breaker{
		failures: make(map[string]time.Time),
		cooldown: cooldown,
		logger:   logger,
		now:      time.Now,
	}
}

// ShouldSkip reports whether a device is still under cooldown. A stale
// entry is cleared on the way out.
func (b *Breaker) ShouldSkip(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, ok := b.failures[id]
	if !ok {
		return false
	}
	if b.now().Sub(last) < b.cooldown {
		return true
	}
	delete(b.failures, id)
	return false
}

// OnFailure marks a device as failed at the current time.
func (b *Breaker) OnFailure(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures[id] = b.now()
	b.logger.Printf("[BREAKER] device %s marked failed", id)
}

// OnSuccess removes a device from the blacklist.
func (b *Breaker) OnSuccess(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.failures[id]; ok {
		delete(b.failures, id)
		b.logger.Printf("[BREAKER] device %s recovered", id)
	}
}

// Entries returns a snapshot of the currently blacklisted devices.
func (b *Breaker) Entries() map[string]time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]time.Time, len(b.failures))
	for id, ts := range b.failures {
		out[id] = ts
	}
	return out
}
