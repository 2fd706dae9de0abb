package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"nexus/internal/taskcache"
)

func testWriter(t *testing.T, db flushStore, cache *taskcache.Cache) *Writer {
	t.Helper()
	w := NewWriter(db, cache, WriterConfig{BatchSize: 4, FlushInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = w.Stop(stopCtx)
	})
	return w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func reqRec(domain string) RequestRecord {
	return RequestRecord{
		RequestID:          uuid.NewString(),
		Domain:             domain,
		AccountID:          domain,
		Timestamp:          time.Now().UTC(),
		Body:               json.RawMessage(`{}`),
		CurrentMessageHash: uuid.NewString(),
		ConversationID:     uuid.NewString(),
		BranchID:           "main",
		MessageCount:       1,
	}
}

func TestWriter_FlushesOnInterval(t *testing.T) {
	t.Parallel()

	db := NewMemoryStore()
	w := testWriter(t, db, nil)

	rec := reqRec("d1")
	w.EnqueueRequest(rec)
	waitFor(t, func() bool { return len(db.Requests()) == 1 })
}

func TestWriter_DuplicateEnqueueIsIdempotent(t *testing.T) {
	t.Parallel()

	db := NewMemoryStore()
	w := testWriter(t, db, nil)

	rec := reqRec("d1")
	w.EnqueueRequest(rec)
	w.EnqueueRequest(rec)
	w.EnqueueChunk(StreamingChunk{RequestID: rec.RequestID, ChunkIndex: 0, Timestamp: time.Now(), Data: "x"})
	w.EnqueueChunk(StreamingChunk{RequestID: rec.RequestID, ChunkIndex: 0, Timestamp: time.Now(), Data: "x"})

	waitFor(t, func() bool { return len(db.Requests()) > 0 && len(db.Chunks(rec.RequestID)) > 0 })
	time.Sleep(50 * time.Millisecond)
	require.Len(t, db.Requests(), 1)
	require.Len(t, db.Chunks(rec.RequestID), 1)
}

func TestWriter_RetriesFailedFlush(t *testing.T) {
	t.Parallel()

	db := NewMemoryStore()
	db.FailFlushes = 2
	w := testWriter(t, db, nil)

	w.EnqueueRequest(reqRec("d1"))
	waitFor(t, func() bool { return len(db.Requests()) == 1 })
}

func TestWriter_PendingVisibleBeforeFlush(t *testing.T) {
	t.Parallel()

	db := NewMemoryStore()
	w := NewWriter(db, nil, WriterConfig{BatchSize: 100, FlushInterval: time.Hour})
	// Not started: nothing will flush.

	rec := reqRec("d1")
	w.EnqueueRequest(rec)

	got := w.Pending().FindByParentHash("d1", rec.CurrentMessageHash, nil, true, time.Now().Add(time.Second))
	require.NotNil(t, got)
	require.Equal(t, rec.RequestID, got.RequestID)
	require.Equal(t, []string{"main"}, w.Pending().BranchNames(rec.ConversationID))
}

func TestWriter_ScansTaskInvocations(t *testing.T) {
	t.Parallel()

	db := NewMemoryStore()
	cache := taskcache.New(5 * time.Minute)
	w := testWriter(t, db, cache)

	rec := reqRec("d1")
	w.EnqueueRequest(rec)

	body := `{"id":"msg_1","content":[{"type":"text","text":"on it"},{"type":"tool_use","id":"tu_7","name":"Task","input":{"prompt":"count lines of code in repo X","description":"counter"}}],"stop_reason":"tool_use","usage":{"input_tokens":1,"output_tokens":2}}`
	w.EnqueueResponse(ResponseRecord{
		RequestID: rec.RequestID,
		Domain:    "d1",
		Status:    200,
		Body:      json.RawMessage(body),
		Timestamp: time.Now().UTC(),
	})

	waitFor(t, func() bool {
		reqs := db.Requests()
		return len(reqs) == 1 && reqs[0].TaskToolInvocation != nil
	})

	var invs []TaskInvocation
	require.NoError(t, json.Unmarshal(db.Requests()[0].TaskToolInvocation, &invs))
	require.Len(t, invs, 1)
	require.Equal(t, "tu_7", invs[0].ToolUseID)
	require.Equal(t, "count lines of code in repo X", invs[0].Prompt)

	got := cache.RecentByPrompt("d1", "count lines of code in repo X", time.Minute)
	require.Len(t, got, 1)
	require.Equal(t, rec.RequestID, got[0].ParentRequestID)
}

func TestWriter_StopDrains(t *testing.T) {
	t.Parallel()

	db := NewMemoryStore()
	w := NewWriter(db, nil, WriterConfig{BatchSize: 1000, FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	for range 10 {
		w.EnqueueRequest(reqRec("d1"))
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, w.Stop(stopCtx))
	require.Len(t, db.Requests(), 10)
}

func TestNextBranchFrom(t *testing.T) {
	t.Parallel()

	require.Equal(t, "branch_1", NextBranchFrom([]string{"main"}, "branch"))
	require.Equal(t, "branch_3", NextBranchFrom([]string{"main", "branch_1", "branch_2"}, "branch"))
	// Compact numbering is independent of fork numbering.
	require.Equal(t, "compact_1", NextBranchFrom([]string{"main", "branch_4"}, "compact"))
	require.Equal(t, "branch_5", NextBranchFrom([]string{"main", "branch_4", "compact_2"}, "branch"))
}
