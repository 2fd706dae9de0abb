package usage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"nexus/internal/messages"
)

// PGStore implements BucketStore over the token_usage_buckets and
// account_usage_daily tables.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps a pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) IncrementBucket(ctx context.Context, accountID string, bucketStart time.Time, u messages.Usage) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO token_usage_buckets
    (account_id, bucket_start, input_tokens, output_tokens, cache_creation_input_tokens, cache_read_input_tokens)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (account_id, bucket_start) DO UPDATE SET
    input_tokens = token_usage_buckets.input_tokens + EXCLUDED.input_tokens,
    output_tokens = token_usage_buckets.output_tokens + EXCLUDED.output_tokens,
    cache_creation_input_tokens = token_usage_buckets.cache_creation_input_tokens + EXCLUDED.cache_creation_input_tokens,
    cache_read_input_tokens = token_usage_buckets.cache_read_input_tokens + EXCLUDED.cache_read_input_tokens`,
		accountID, bucketStart, u.InputTokens, u.OutputTokens, u.CacheCreationInputTokens, u.CacheReadInputTokens)
	return err
}

func (s *PGStore) WindowTotals(ctx context.Context, accountID string, since time.Time) (WindowTotals, error) {
	var t WindowTotals
	err := s.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
FROM token_usage_buckets
WHERE account_id = $1 AND bucket_start >= $2`,
		accountID, since).Scan(&t.Input, &t.Output)
	if err != nil {
		return WindowTotals{}, err
	}
	t.Total = t.Input + t.Output
	return t, nil
}

func (s *PGStore) DailyTotals(ctx context.Context, accountID string, days int) ([]DayUsage, error) {
	rows, err := s.pool.Query(ctx, `
SELECT day::text, SUM(input_tokens), SUM(output_tokens) FROM (
    SELECT day, input_tokens, output_tokens
    FROM account_usage_daily
    WHERE account_id = $1 AND day >= (now() AT TIME ZONE 'utc')::date - $2::int
  UNION ALL
    SELECT (bucket_start AT TIME ZONE 'utc')::date AS day, input_tokens, output_tokens
    FROM token_usage_buckets
    WHERE account_id = $1 AND bucket_start >= (now() AT TIME ZONE 'utc')::date - $2::int
) combined
GROUP BY day
ORDER BY day`,
		accountID, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DayUsage
	for rows.Next() {
		var d DayUsage
		if err := rows.Scan(&d.Day, &d.Input, &d.Output); err != nil {
			return nil, err
		}
		d.Total = d.Input + d.Output
		out = append(out, d)
	}
	return out, rows.Err()
}

// CoalesceBuckets folds buckets older than olderThan into per-day rows and
// deletes them, in one transaction.
func (s *PGStore) CoalesceBuckets(ctx context.Context, olderThan time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO account_usage_daily (account_id, day, input_tokens, output_tokens)
SELECT account_id, (bucket_start AT TIME ZONE 'utc')::date, SUM(input_tokens), SUM(output_tokens)
FROM token_usage_buckets
WHERE bucket_start < $1
GROUP BY account_id, (bucket_start AT TIME ZONE 'utc')::date
ON CONFLICT (account_id, day) DO UPDATE SET
    input_tokens = account_usage_daily.input_tokens + EXCLUDED.input_tokens,
    output_tokens = account_usage_daily.output_tokens + EXCLUDED.output_tokens`,
		olderThan)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM token_usage_buckets WHERE bucket_start < $1`, olderThan); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
