package storage

import (
	"context"
	"time"
)

// LinkSource is the combined read view the linker queries: committed rows
// from Postgres plus the writer's not-yet-flushed requests. Racing requests
// holding the advisory lock therefore observe each other even before the
// async batch commits.
type LinkSource struct {
	store  *Store
	writer *Writer
}

// NewLinkSource wires the two halves together.
func NewLinkSource(store *Store, writer *Writer) *LinkSource {
	return &LinkSource{store: store, writer: writer}
}

func (ls *LinkSource) FindByParentHash(ctx context.Context, domain, parentHash string, systemHash *string, matchSystem bool, before time.Time) (*RequestRecord, error) {
	committed, err := ls.store.FindByParentHash(ctx, domain, parentHash, systemHash, matchSystem, before)
	if err != nil {
		return nil, err
	}
	pending := ls.writer.Pending().FindByParentHash(domain, parentHash, systemHash, matchSystem, before)
	switch {
	case pending == nil:
		return committed, nil
	case committed == nil:
		return pending, nil
	case pending.Timestamp.After(committed.Timestamp):
		return pending, nil
	default:
		return committed, nil
	}
}

func (ls *LinkSource) HasOtherChild(ctx context.Context, parentRequestID, currentHash string) (bool, error) {
	if ls.writer.Pending().HasOtherChild(parentRequestID, currentHash) {
		return true, nil
	}
	return ls.store.HasOtherChild(ctx, parentRequestID, currentHash)
}

func (ls *LinkSource) NextBranchName(ctx context.Context, conversationID, prefix string) (string, error) {
	committed, err := ls.store.BranchNames(ctx, conversationID)
	if err != nil {
		return "", err
	}
	names := append(committed, ls.writer.Pending().BranchNames(conversationID)...)
	return NextBranchFrom(names, prefix), nil
}

func (ls *LinkSource) FindSummaryContinuation(ctx context.Context, domain, summaryText string) (*RequestRecord, error) {
	return ls.store.FindSummaryContinuation(ctx, domain, summaryText)
}

func (ls *LinkSource) WithLinkLock(ctx context.Context, domain, parentHash string, fn func(context.Context) error) error {
	return ls.store.WithLinkLock(ctx, domain, parentHash, fn)
}
