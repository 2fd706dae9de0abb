package taskcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecentByPrompt_ExactMatchWithinWindow(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := New(5*time.Minute, WithClock(func() time.Time { return now }))

	c.Add("example.com", Invocation{ParentRequestID: "p1", ToolUseID: "tu1", Prompt: "count lines", Timestamp: now.Add(-10 * time.Second)})
	c.Add("example.com", Invocation{ParentRequestID: "p2", ToolUseID: "tu2", Prompt: "other", Timestamp: now.Add(-5 * time.Second)})
	c.Add("other.com", Invocation{ParentRequestID: "p3", ToolUseID: "tu3", Prompt: "count lines", Timestamp: now.Add(-5 * time.Second)})

	got := c.RecentByPrompt("example.com", "count lines", 30*time.Second)
	require.Len(t, got, 1)
	require.Equal(t, "p1", got[0].ParentRequestID)
}

func TestRecentByPrompt_OutsideWindowExcluded(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := New(5*time.Minute, WithClock(func() time.Time { return now }))
	c.Add("d", Invocation{ParentRequestID: "p", Prompt: "task", Timestamp: now.Add(-2 * time.Hour)})

	require.Empty(t, c.RecentByPrompt("d", "task", 30*time.Second))
}

func TestSweep_EvictsAged(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := New(5*time.Minute, WithClock(func() time.Time { return now }))
	c.Add("d", Invocation{ParentRequestID: "old", Prompt: "a", Timestamp: now.Add(-10 * time.Minute)})
	c.Add("d", Invocation{ParentRequestID: "new", Prompt: "b", Timestamp: now.Add(-1 * time.Minute)})

	c.Sweep()
	require.Equal(t, 1, c.Len())
	require.Empty(t, c.RecentByPrompt("d", "a", time.Hour))
	require.Len(t, c.RecentByPrompt("d", "b", time.Hour), 1)
}
