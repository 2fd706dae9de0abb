package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	jsoniter "github.com/json-iterator/go"

	"nexus/internal/messages"
	"nexus/internal/taskcache"
)

var jsonit = jsoniter.ConfigCompatibleWithStandardLibrary

// flushStore is the slice of Store the writer needs; tests substitute fakes.
type flushStore interface {
	FlushBatch(ctx context.Context, reqs []RequestRecord, chunks []StreamingChunk, resps []ResponseRecord) error
	UpdateTaskInvocations(ctx context.Context, requestID string, invocations []TaskInvocation) error
}

type writeItem struct {
	req   *RequestRecord
	chunk *StreamingChunk
	resp  *ResponseRecord
}

// WriterConfig tunes batching.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueDepth    int
	MaxRetries    uint
}

// Writer batches rows and commits them asynchronously. Enqueue methods
// never block: when the queue is saturated the item is dropped and logged,
// keeping the proxy hot path unaffected by storage degradation.
type Writer struct {
	db      flushStore
	cache   *taskcache.Cache
	cfg     WriterConfig
	queue   chan writeItem
	pending *pendingIndex
	closed  atomic.Bool
	done    chan struct{}
	wake    chan struct{}
}

// NewWriter builds a writer over db. cache may be nil (task invocations are
// then only persisted, not indexed for sub-task matching).
func NewWriter(db flushStore, cache *taskcache.Cache, cfg WriterConfig) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4096
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	return &Writer{
		db:      db,
		cache:   cache,
		cfg:     cfg,
		queue:   make(chan writeItem, cfg.QueueDepth),
		pending: newPendingIndex(),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// EnqueueRequest queues a request row. The row becomes visible to the
// linker's read paths immediately via the pending index, before the batch
// commits.
func (w *Writer) EnqueueRequest(rec RequestRecord) {
	w.pending.addRequest(&rec)
	w.push(writeItem{req: &rec})
}

// EnqueueResponse queues a response row. Ordering through the single queue
// guarantees the matching request row commits no later than the response.
func (w *Writer) EnqueueResponse(rec ResponseRecord) {
	w.push(writeItem{resp: &rec})
}

// EnqueueChunk queues a streaming chunk row.
func (w *Writer) EnqueueChunk(c StreamingChunk) {
	w.push(writeItem{chunk: &c})
}

// Pending exposes the unflushed-request read view used by linking.
func (w *Writer) Pending() PendingReader { return w.pending }

func (w *Writer) push(item writeItem) {
	if w.closed.Load() {
		return
	}
	select {
	case w.queue <- item:
	default:
		log.Error().Msg("storage queue saturated, dropping write")
		if item.req != nil {
			w.pending.remove(item.req.RequestID)
		}
	}
}

// Start runs the flush loop until Stop is called.
func (w *Writer) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop drains the queue, flushes what remains, and waits for the loop to
// exit or ctx to expire. Flushes in progress run to their retry budget.
func (w *Writer) Stop(ctx context.Context) error {
	w.closed.Store(true)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	var reqs []RequestRecord
	var chunks []StreamingChunk
	var resps []ResponseRecord
	size := 0

	flush := func() {
		if size == 0 {
			return
		}
		w.flush(ctx, reqs, chunks, resps)
		reqs, chunks, resps = nil, nil, nil
		size = 0
	}

	for {
		select {
		case item := <-w.queue:
			switch {
			case item.req != nil:
				reqs = append(reqs, *item.req)
			case item.chunk != nil:
				chunks = append(chunks, *item.chunk)
			case item.resp != nil:
				resps = append(resps, *item.resp)
			}
			size++
			if size >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.wake:
			// Drain everything queued, then exit.
			for {
				select {
				case item := <-w.queue:
					switch {
					case item.req != nil:
						reqs = append(reqs, *item.req)
					case item.chunk != nil:
						chunks = append(chunks, *item.chunk)
					case item.resp != nil:
						resps = append(resps, *item.resp)
					}
					size++
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush commits one batch with exponential backoff. A batch that exhausts
// its retries is logged and dropped.
func (w *Writer) flush(ctx context.Context, reqs []RequestRecord, chunks []StreamingChunk, resps []ResponseRecord) {
	// Flushes survive cancellation of ctx; only the retry budget bounds them.
	ctx = context.WithoutCancel(ctx)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.db.FlushBatch(ctx, reqs, chunks, resps)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(w.cfg.MaxRetries))

	for i := range reqs {
		w.pending.remove(reqs[i].RequestID)
	}

	if err != nil {
		log.Error().Err(err).
			Int("requests", len(reqs)).
			Int("chunks", len(chunks)).
			Int("responses", len(resps)).
			Msg("storage flush failed, batch dropped")
		return
	}

	for i := range resps {
		w.scanTaskToolInvocations(ctx, &resps[i])
	}
}

// scanTaskToolInvocations walks a committed response for Task tool calls,
// marks them on the parent request row, and feeds the task cache so
// follow-up single-message requests can link as sub-tasks.
func (w *Writer) scanTaskToolInvocations(ctx context.Context, resp *ResponseRecord) {
	if len(resp.Body) == 0 || resp.Status < 200 || resp.Status >= 300 {
		return
	}
	var body messages.ChatResponse
	if err := jsonit.Unmarshal(resp.Body, &body); err != nil {
		return
	}
	var invocations []TaskInvocation
	for _, block := range body.Content {
		if block.Type != messages.BlockToolUse || block.Name != "Task" {
			continue
		}
		var input struct {
			Prompt      string `json:"prompt"`
			Description string `json:"description"`
		}
		if err := jsonit.Unmarshal(block.Input, &input); err != nil || input.Prompt == "" {
			continue
		}
		invocations = append(invocations, TaskInvocation{
			ToolUseID:   block.ID,
			Prompt:      input.Prompt,
			Description: input.Description,
			Timestamp:   resp.Timestamp,
		})
	}
	if len(invocations) == 0 {
		return
	}
	if err := w.db.UpdateTaskInvocations(ctx, resp.RequestID, invocations); err != nil {
		log.Warn().Err(err).Str("request_id", resp.RequestID).Msg("task invocation update failed")
	}
	if w.cache != nil {
		for _, inv := range invocations {
			w.cache.Add(resp.Domain, taskcache.Invocation{
				ParentRequestID: resp.RequestID,
				ToolUseID:       inv.ToolUseID,
				Prompt:          inv.Prompt,
				Timestamp:       inv.Timestamp,
			})
		}
	}
}

// PendingReader is the read view over not-yet-flushed request rows.
type PendingReader interface {
	FindByParentHash(domain, parentHash string, systemHash *string, matchSystem bool, before time.Time) *RequestRecord
	HasOtherChild(parentRequestID, currentHash string) bool
	BranchNames(conversationID string) []string
}

type pendingIndex struct {
	mu   sync.RWMutex
	byID map[string]*RequestRecord
}

func newPendingIndex() *pendingIndex {
	return &pendingIndex{byID: make(map[string]*RequestRecord)}
}

func (p *pendingIndex) addRequest(r *RequestRecord) {
	p.mu.Lock()
	p.byID[r.RequestID] = r
	p.mu.Unlock()
}

func (p *pendingIndex) remove(id string) {
	p.mu.Lock()
	delete(p.byID, id)
	p.mu.Unlock()
}

func (p *pendingIndex) FindByParentHash(domain, parentHash string, systemHash *string, matchSystem bool, before time.Time) *RequestRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var best *RequestRecord
	for _, r := range p.byID {
		if r.Domain != domain || r.CurrentMessageHash != parentHash || !r.Timestamp.Before(before) {
			continue
		}
		if matchSystem && !strPtrEqual(r.SystemHash, systemHash) {
			continue
		}
		if best == nil || r.Timestamp.After(best.Timestamp) {
			best = r
		}
	}
	return best
}

func (p *pendingIndex) HasOtherChild(parentRequestID, currentHash string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.byID {
		if r.ParentRequestID != nil && *r.ParentRequestID == parentRequestID && r.CurrentMessageHash != currentHash {
			return true
		}
	}
	return false
}

func (p *pendingIndex) BranchNames(conversationID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, r := range p.byID {
		if r.ConversationID == conversationID {
			out = append(out, r.BranchID)
		}
	}
	return out
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
