package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres-backed persistence layer.
type Store struct {
	pool *pgxpool.Pool
}

// OpenPool creates a Postgres connection pool using the standard defaults.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, dsn)
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity, for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("storage requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS api_requests (
    request_id UUID PRIMARY KEY,
    domain TEXT NOT NULL,
    account_id TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    body JSONB NOT NULL,
    current_message_hash TEXT NOT NULL,
    parent_message_hash TEXT,
    system_hash TEXT,
    conversation_id UUID NOT NULL,
    branch_id TEXT NOT NULL DEFAULT 'main',
    parent_request_id UUID REFERENCES api_requests(request_id),
    message_count INTEGER NOT NULL,
    is_subtask BOOLEAN NOT NULL DEFAULT FALSE,
    parent_task_request_id UUID,
    task_tool_invocation JSONB
);

CREATE INDEX IF NOT EXISTS api_requests_domain_hash_idx
    ON api_requests(domain, current_message_hash, timestamp DESC);
CREATE INDEX IF NOT EXISTS api_requests_conversation_idx
    ON api_requests(conversation_id, timestamp);
CREATE INDEX IF NOT EXISTS api_requests_parent_idx
    ON api_requests(parent_request_id);

CREATE TABLE IF NOT EXISTS api_responses (
    request_id UUID PRIMARY KEY REFERENCES api_requests(request_id),
    domain TEXT NOT NULL,
    status INTEGER NOT NULL,
    headers JSONB,
    body JSONB,
    streaming BOOLEAN NOT NULL DEFAULT FALSE,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cache_creation_input_tokens INTEGER NOT NULL DEFAULT 0,
    cache_read_input_tokens INTEGER NOT NULL DEFAULT 0,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    ttfb_ms BIGINT NOT NULL DEFAULT 0,
    error_type TEXT,
    timestamp TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS api_responses_domain_time_idx
    ON api_responses(domain, timestamp DESC);

CREATE TABLE IF NOT EXISTS streaming_chunks (
    request_id UUID NOT NULL REFERENCES api_requests(request_id),
    chunk_index INTEGER NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    data TEXT NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    UNIQUE(request_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS token_usage_buckets (
    account_id TEXT NOT NULL,
    bucket_start TIMESTAMPTZ NOT NULL,
    input_tokens BIGINT NOT NULL DEFAULT 0,
    output_tokens BIGINT NOT NULL DEFAULT 0,
    cache_creation_input_tokens BIGINT NOT NULL DEFAULT 0,
    cache_read_input_tokens BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY(account_id, bucket_start)
);

CREATE TABLE IF NOT EXISTS account_usage_daily (
    account_id TEXT NOT NULL,
    day DATE NOT NULL,
    input_tokens BIGINT NOT NULL DEFAULT 0,
    output_tokens BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY(account_id, day)
);
`)
	return err
}

const requestColumns = `request_id, domain, account_id, timestamp, body,
current_message_hash, parent_message_hash, system_hash, conversation_id,
branch_id, parent_request_id, message_count, is_subtask,
parent_task_request_id, task_tool_invocation`

func scanRequest(row pgx.Row) (*RequestRecord, error) {
	var r RequestRecord
	err := row.Scan(&r.RequestID, &r.Domain, &r.AccountID, &r.Timestamp, &r.Body,
		&r.CurrentMessageHash, &r.ParentMessageHash, &r.SystemHash, &r.ConversationID,
		&r.BranchID, &r.ParentRequestID, &r.MessageCount, &r.IsSubtask,
		&r.ParentTaskRequestID, &r.TaskToolInvocation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// FindByParentHash returns the most recent request in domain whose
// current_message_hash equals parentHash, committed before beforeTime.
// When matchSystem is set, the parent's system_hash must equal systemHash
// (both-null counts as equal); summarisation lookups pass matchSystem=false.
func (s *Store) FindByParentHash(ctx context.Context, domain, parentHash string, systemHash *string, matchSystem bool, beforeTime time.Time) (*RequestRecord, error) {
	q := `SELECT ` + requestColumns + `
FROM api_requests
WHERE domain = $1 AND current_message_hash = $2 AND timestamp < $3`
	args := []any{domain, parentHash, beforeTime}
	if matchSystem {
		q += ` AND system_hash IS NOT DISTINCT FROM $4`
		args = append(args, systemHash)
	}
	q += ` ORDER BY timestamp DESC LIMIT 1`
	return scanRequest(s.pool.QueryRow(ctx, q, args...))
}

// HasOtherChild reports whether parentRequestID already has a child with a
// current_message_hash different from currentHash. A true result marks a
// branch fork.
func (s *Store) HasOtherChild(ctx context.Context, parentRequestID, currentHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM api_requests WHERE parent_request_id = $1 AND current_message_hash <> $2)`,
		parentRequestID, currentHash,
	).Scan(&exists)
	return exists, err
}

var branchNumRe = regexp.MustCompile(`^(?:branch|compact)_(\d+)$`)

// BranchNames lists the distinct branch ids already used in a conversation.
func (s *Store) BranchNames(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT branch_id FROM api_requests WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		names = append(names, b)
	}
	return names, rows.Err()
}

// NextBranchFrom computes the next free "<prefix>_<N>" given existing
// branch names. Numbers are tracked per prefix so compact branches do not
// consume fork numbers.
func NextBranchFrom(existing []string, prefix string) string {
	max := 0
	for _, name := range existing {
		m := branchNumRe.FindStringSubmatch(name)
		if m == nil || !strings.HasPrefix(name, prefix+"_") {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s_%d", prefix, max+1)
}

// FindSummaryContinuation finds the most recent request in domain whose
// response body contains summaryText, looking back 24 hours.
func (s *Store) FindSummaryContinuation(ctx context.Context, domain, summaryText string) (*RequestRecord, error) {
	if summaryText == "" {
		return nil, nil
	}
	q := `SELECT ` + requestColumns + `
FROM api_requests r
JOIN api_responses p ON p.request_id = r.request_id
WHERE r.domain = $1
  AND p.timestamp > now() - interval '24 hours'
  AND position($2 in p.body::text) > 0
ORDER BY p.timestamp DESC
LIMIT 1`
	return scanRequest(s.pool.QueryRow(ctx, q, domain, summaryText))
}

// WithLinkLock serialises linking for (domain, parentHash) across processes
// via a Postgres advisory lock held on one pooled connection for the
// duration of fn.
func (s *Store) WithLinkLock(ctx context.Context, domain, parentHash string, fn func(ctx context.Context) error) error {
	key := lockKey(domain, parentHash)
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return err
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key)
	}()
	return fn(ctx)
}

func lockKey(domain, parentHash string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(domain))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(parentHash))
	return int64(h.Sum64())
}

// UpdateTaskInvocations stores the Task tool calls found in a response onto
// the originating request row.
func (s *Store) UpdateTaskInvocations(ctx context.Context, requestID string, invocations []TaskInvocation) error {
	data, err := json.Marshal(invocations)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE api_requests SET task_tool_invocation = $2 WHERE request_id = $1`,
		requestID, data)
	return err
}

// FlushBatch commits one writer batch atomically: requests first, then
// chunks, then responses, so a response never lands without its request.
// Duplicate enqueues are absorbed by ON CONFLICT DO NOTHING.
func (s *Store) FlushBatch(ctx context.Context, reqs []RequestRecord, chunks []StreamingChunk, resps []ResponseRecord) error {
	if len(reqs) == 0 && len(chunks) == 0 && len(resps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range reqs {
		batch.Queue(`INSERT INTO api_requests (`+requestColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (request_id) DO NOTHING`,
			r.RequestID, r.Domain, r.AccountID, r.Timestamp, r.Body,
			r.CurrentMessageHash, r.ParentMessageHash, r.SystemHash, r.ConversationID,
			r.BranchID, r.ParentRequestID, r.MessageCount, r.IsSubtask,
			r.ParentTaskRequestID, r.TaskToolInvocation)
	}
	for _, c := range chunks {
		batch.Queue(`INSERT INTO streaming_chunks (request_id, chunk_index, timestamp, data, token_count)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (request_id, chunk_index) DO NOTHING`,
			c.RequestID, c.ChunkIndex, c.Timestamp, c.Data, c.TokenCount)
	}
	for _, r := range resps {
		headers, err := json.Marshal(r.Headers)
		if err != nil {
			headers = nil
		}
		batch.Queue(`INSERT INTO api_responses (request_id, domain, status, headers, body, streaming,
input_tokens, output_tokens, cache_creation_input_tokens, cache_read_input_tokens,
duration_ms, ttfb_ms, error_type, timestamp)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULLIF($13,''),$14)
ON CONFLICT (request_id) DO NOTHING`,
			r.RequestID, r.Domain, r.Status, headers, r.Body, r.Streaming,
			r.InputTokens, r.OutputTokens, r.CacheCreationInputTokens, r.CacheReadInputTokens,
			r.DurationMs, r.TTFBMs, r.ErrorType, r.Timestamp)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
