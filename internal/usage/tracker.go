// Package usage maintains per-account token accounting: minute buckets
// feeding a rolling window (default 5 hours) plus daily aggregates.
package usage

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"nexus/internal/messages"
)

// WindowTotals answers a rolling-window query.
type WindowTotals struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// DayUsage is one element of a daily series.
type DayUsage struct {
	Day    string `json:"day"`
	Input  int64  `json:"input"`
	Output int64  `json:"output"`
	Total  int64  `json:"total"`
}

// BucketStore persists minute buckets and daily aggregates.
type BucketStore interface {
	IncrementBucket(ctx context.Context, accountID string, bucketStart time.Time, u messages.Usage) error
	WindowTotals(ctx context.Context, accountID string, since time.Time) (WindowTotals, error)
	DailyTotals(ctx context.Context, accountID string, days int) ([]DayUsage, error)
	CoalesceBuckets(ctx context.Context, olderThan time.Time) error
}

// Cache memoises window queries for a short TTL.
type Cache interface {
	Get(ctx context.Context, key string) (WindowTotals, bool)
	Set(ctx context.Context, key string, v WindowTotals)
}

// Tracker is the token accounting front end.
type Tracker struct {
	store         BucketStore
	cache         Cache
	windowMinutes int
	now           func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCache attaches a window-query cache.
func WithCache(c Cache) Option {
	return func(t *Tracker) { t.cache = c }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New builds a tracker with the given default window.
func New(store BucketStore, windowMinutes int, opts ...Option) *Tracker {
	if windowMinutes <= 0 {
		windowMinutes = 300
	}
	t := &Tracker{store: store, windowMinutes: windowMinutes, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Record folds a completed response's usage into the account's current
// minute bucket. Failures are logged; accounting never fails a request.
func (t *Tracker) Record(ctx context.Context, accountID string, u messages.Usage) {
	if accountID == "" || (u.InputTokens == 0 && u.OutputTokens == 0) {
		return
	}
	bucket := t.now().UTC().Truncate(time.Minute)
	if err := t.store.IncrementBucket(ctx, accountID, bucket, u); err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("usage increment failed")
	}
}

// CurrentWindow sums usage over the last windowMinutes (the configured
// default when zero).
func (t *Tracker) CurrentWindow(ctx context.Context, accountID string, windowMinutes int) (WindowTotals, error) {
	if windowMinutes <= 0 {
		windowMinutes = t.windowMinutes
	}
	key := cacheKey(accountID, windowMinutes)
	if t.cache != nil {
		if v, ok := t.cache.Get(ctx, key); ok {
			return v, nil
		}
	}
	since := t.now().UTC().Add(-time.Duration(windowMinutes) * time.Minute)
	totals, err := t.store.WindowTotals(ctx, accountID, since)
	if err != nil {
		return WindowTotals{}, err
	}
	if t.cache != nil {
		t.cache.Set(ctx, key, totals)
	}
	return totals, nil
}

// Daily returns per-day totals for the last days calendar days.
func (t *Tracker) Daily(ctx context.Context, accountID string, days int) ([]DayUsage, error) {
	if days <= 0 {
		days = 7
	}
	return t.store.DailyTotals(ctx, accountID, days)
}

// StartCoalescer folds buckets older than the largest window into daily
// aggregates once a day.
func (t *Tracker) StartCoalescer(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := t.now().UTC().Add(-time.Duration(t.windowMinutes) * time.Minute)
				if err := t.store.CoalesceBuckets(ctx, cutoff); err != nil {
					log.Warn().Err(err).Msg("bucket coalesce failed")
				}
			}
		}
	}()
}

func cacheKey(accountID string, windowMinutes int) string {
	return "usage:current:" + accountID + ":" + strconv.Itoa(windowMinutes)
}
