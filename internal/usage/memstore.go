package usage

import (
	"context"
	"sync"
	"time"

	"nexus/internal/messages"
)

// MemoryBucketStore is an in-memory BucketStore for tests.
type MemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]map[time.Time]WindowTotals
	daily   map[string]map[string]WindowTotals
}

// NewMemoryBucketStore creates an empty store.
func NewMemoryBucketStore() *MemoryBucketStore {
	return &MemoryBucketStore{
		buckets: make(map[string]map[time.Time]WindowTotals),
		daily:   make(map[string]map[string]WindowTotals),
	}
}

func (s *MemoryBucketStore) IncrementBucket(_ context.Context, accountID string, bucketStart time.Time, u messages.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[accountID] == nil {
		s.buckets[accountID] = make(map[time.Time]WindowTotals)
	}
	t := s.buckets[accountID][bucketStart]
	t.Input += int64(u.InputTokens)
	t.Output += int64(u.OutputTokens)
	t.Total = t.Input + t.Output
	s.buckets[accountID][bucketStart] = t
	return nil
}

func (s *MemoryBucketStore) WindowTotals(_ context.Context, accountID string, since time.Time) (WindowTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out WindowTotals
	for start, t := range s.buckets[accountID] {
		if !start.Before(since) {
			out.Input += t.Input
			out.Output += t.Output
		}
	}
	out.Total = out.Input + out.Output
	return out, nil
}

func (s *MemoryBucketStore) DailyTotals(_ context.Context, accountID string, days int) ([]DayUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDay := make(map[string]WindowTotals)
	for day, t := range s.daily[accountID] {
		byDay[day] = t
	}
	for start, t := range s.buckets[accountID] {
		day := start.UTC().Format("2006-01-02")
		agg := byDay[day]
		agg.Input += t.Input
		agg.Output += t.Output
		byDay[day] = agg
	}
	var out []DayUsage
	for day, t := range byDay {
		out = append(out, DayUsage{Day: day, Input: t.Input, Output: t.Output, Total: t.Input + t.Output})
	}
	return out, nil
}

func (s *MemoryBucketStore) CoalesceBuckets(_ context.Context, olderThan time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for account, buckets := range s.buckets {
		for start, t := range buckets {
			if start.Before(olderThan) {
				day := start.UTC().Format("2006-01-02")
				if s.daily[account] == nil {
					s.daily[account] = make(map[string]WindowTotals)
				}
				agg := s.daily[account][day]
				agg.Input += t.Input
				agg.Output += t.Output
				s.daily[account][day] = agg
				delete(buckets, start)
			}
		}
	}
	return nil
}
