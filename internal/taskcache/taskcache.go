// Package taskcache keeps a short-lived in-memory index of parent responses
// that spawned sub-tasks via a Task tool call. Sub-task linking is
// best-effort: the cache is per-process and rebuilt as responses arrive.
package taskcache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Invocation records one Task tool call observed in a parent response.
type Invocation struct {
	ParentRequestID string
	ToolUseID       string
	Prompt          string
	Timestamp       time.Time
}

// Cache is a per-domain ordered list of recent invocations.
type Cache struct {
	mu      sync.Mutex
	entries map[string][]Invocation
	maxAge  time.Duration
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache whose entries age out after maxAge.
func New(maxAge time.Duration, opts ...Option) *Cache {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	c := &Cache{
		entries: make(map[string][]Invocation),
		maxAge:  maxAge,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Add appends an invocation for the domain.
func (c *Cache) Add(domain string, inv Invocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inv.Timestamp.IsZero() {
		inv.Timestamp = c.now()
	}
	c.entries[domain] = append(c.entries[domain], inv)
}

// RecentByPrompt returns all invocations for domain recorded within window
// whose prompt equals prompt exactly.
func (c *Cache) RecentByPrompt(domain, prompt string, window time.Duration) []Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-window)
	var out []Invocation
	for _, inv := range c.entries[domain] {
		if inv.Prompt == prompt && inv.Timestamp.After(cutoff) {
			out = append(out, inv)
		}
	}
	return out
}

// Sweep evicts entries older than maxAge.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.maxAge)
	evicted := 0
	for domain, invs := range c.entries {
		kept := invs[:0]
		for _, inv := range invs {
			if inv.Timestamp.After(cutoff) {
				kept = append(kept, inv)
			} else {
				evicted++
			}
		}
		if len(kept) == 0 {
			delete(c.entries, domain)
		} else {
			c.entries[domain] = kept
		}
	}
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("task cache sweep")
	}
}

// Start runs the sweep timer until ctx is cancelled.
func (c *Cache) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Len reports the total number of cached invocations, for tests and health.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, invs := range c.entries {
		n += len(invs)
	}
	return n
}
