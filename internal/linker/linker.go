// Package linker reconstructs the conversation graph implied by incoming
// requests: which conversation a request belongs to, which branch, which
// request it continues, and whether it is a sub-task spawned by a parent's
// Task tool call. Linking is hash-chain based and never fails a request:
// when storage is unreachable the request proceeds as an orphan.
package linker

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"nexus/internal/hasher"
	"nexus/internal/messages"
	"nexus/internal/observability"
	"nexus/internal/storage"
	"nexus/internal/taskcache"
)

// CompactMarker opens the first user message of a continuation request
// whose prior conversation prefix was replaced by a summary.
const CompactMarker = "This session is a continuation of a previous conversation that was summarized"

// clockSkewGrace widens the sub-task match window to absorb clock skew
// between process and database.
const clockSkewGrace = time.Second

// Store is the read surface linking needs. storage.LinkSource implements it
// over Postgres plus the writer's pending queue; storage.MemoryStore
// implements it for tests.
type Store interface {
	FindByParentHash(ctx context.Context, domain, parentHash string, systemHash *string, matchSystem bool, before time.Time) (*storage.RequestRecord, error)
	HasOtherChild(ctx context.Context, parentRequestID, currentHash string) (bool, error)
	NextBranchName(ctx context.Context, conversationID, prefix string) (string, error)
	FindSummaryContinuation(ctx context.Context, domain, summaryText string) (*storage.RequestRecord, error)
	WithLinkLock(ctx context.Context, domain, parentHash string, fn func(context.Context) error) error
}

// Linkage is the computed conversation position of one request.
type Linkage struct {
	ConversationID      string
	BranchID            string
	ParentRequestID     *string
	CurrentMessageHash  string
	ParentMessageHash   *string
	SystemHash          *string
	IsSubtask           bool
	ParentTaskRequestID *string
}

// Linker computes linkages.
type Linker struct {
	store       Store
	tasks       *taskcache.Cache
	matchWindow time.Duration
	now         func() time.Time
}

// Option configures a Linker.
type Option func(*Linker)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Linker) { l.now = now }
}

// New builds a linker. matchWindow bounds how far back a Task invocation
// can be claimed by a sub-task request.
func New(store Store, tasks *taskcache.Cache, matchWindow time.Duration, opts ...Option) *Linker {
	if matchWindow <= 0 {
		matchWindow = 30 * time.Second
	}
	l := &Linker{store: store, tasks: tasks, matchWindow: matchWindow, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Link computes the linkage for view and invokes commit with the result
// while still holding the branch-fork advisory lock, so the committed
// record is observable to the next racer before the lock releases. Link
// never returns an error to the caller's hot path: storage failures
// degrade to an orphan linkage.
func (l *Linker) Link(ctx context.Context, domain string, view *messages.RequestView, commit func(Linkage)) Linkage {
	arrival := l.now().UTC()

	current, parent, system, err := hasher.Request(view)
	if err != nil {
		observability.Logger(ctx).Warn().Err(err).Msg("hashing failed, linking as orphan")
		link := l.orphan(current, parent, system)
		commit(link)
		return link
	}

	if parent == nil {
		link := l.linkSingle(ctx, domain, view, current, system)
		commit(link)
		return link
	}

	var link Linkage
	err = l.store.WithLinkLock(ctx, domain, *parent, func(ctx context.Context) error {
		link = l.linkContinuation(ctx, domain, view, arrival, current, *parent, system)
		commit(link)
		return nil
	})
	if err != nil {
		observability.Logger(ctx).Warn().Err(err).Msg("link lock unavailable, degrading")
		link = l.linkContinuation(ctx, domain, view, arrival, current, *parent, system)
		commit(link)
	}
	return link
}

func (l *Linker) orphan(current string, parent, system *string) Linkage {
	return Linkage{
		ConversationID:     uuid.NewString(),
		BranchID:           "main",
		CurrentMessageHash: current,
		ParentMessageHash:  parent,
		SystemHash:         system,
	}
}

// linkSingle handles single-message requests: sub-task detection, then a
// fresh conversation either way (sub-tasks are their own conversations,
// linked laterally through ParentTaskRequestID).
func (l *Linker) linkSingle(ctx context.Context, domain string, view *messages.RequestView, current string, system *string) Linkage {
	link := Linkage{
		ConversationID:     uuid.NewString(),
		BranchID:           "main",
		CurrentMessageHash: current,
		SystemHash:         system,
	}
	prompt := subtaskPrompt(&view.Messages[0])
	if prompt == "" || l.tasks == nil {
		return link
	}
	matches := l.tasks.RecentByPrompt(domain, prompt, l.matchWindow+clockSkewGrace)
	if len(matches) == 1 {
		link.IsSubtask = true
		parentID := matches[0].ParentRequestID
		link.ParentTaskRequestID = &parentID
	} else if len(matches) > 1 {
		observability.Logger(ctx).Debug().Int("matches", len(matches)).Msg("ambiguous sub-task prompt, linking standalone")
	}
	return link
}

// linkContinuation handles multi-message requests: parent lookup, branch
// fork detection, and compact-continuation recovery.
func (l *Linker) linkContinuation(ctx context.Context, domain string, view *messages.RequestView, arrival time.Time, current, parentHash string, system *string) Linkage {
	logger := observability.Logger(ctx)
	compactSummary, isCompact := compactSummaryText(&view.Messages[0])

	// Summarisation requests tolerate a system-hash mismatch: the client
	// typically swaps the system prompt when compacting.
	parentRec, err := l.store.FindByParentHash(ctx, domain, parentHash, system, !isCompact, arrival)
	if err != nil {
		logger.Warn().Err(err).Msg("parent lookup failed, linking as orphan")
		return l.orphan(current, &parentHash, system)
	}

	if parentRec != nil {
		link := Linkage{
			ConversationID:     parentRec.ConversationID,
			BranchID:           parentRec.BranchID,
			ParentRequestID:    &parentRec.RequestID,
			CurrentMessageHash: current,
			ParentMessageHash:  &parentHash,
			SystemHash:         system,
		}
		forked, err := l.store.HasOtherChild(ctx, parentRec.RequestID, current)
		if err != nil {
			logger.Warn().Err(err).Msg("fork check failed, inheriting parent branch")
			return link
		}
		if forked {
			name, err := l.store.NextBranchName(ctx, parentRec.ConversationID, "branch")
			if err != nil {
				logger.Warn().Err(err).Msg("branch allocation failed, inheriting parent branch")
				return link
			}
			link.BranchID = name
		}
		return link
	}

	if isCompact {
		prior, err := l.store.FindSummaryContinuation(ctx, domain, compactSummary)
		if err != nil {
			logger.Warn().Err(err).Msg("summary lookup failed, linking as orphan")
			return l.orphan(current, &parentHash, system)
		}
		if prior != nil {
			name, err := l.store.NextBranchName(ctx, prior.ConversationID, "compact")
			if err != nil {
				logger.Warn().Err(err).Msg("compact branch allocation failed, linking as orphan")
				return l.orphan(current, &parentHash, system)
			}
			return Linkage{
				ConversationID:     prior.ConversationID,
				BranchID:           name,
				ParentRequestID:    &prior.RequestID,
				CurrentMessageHash: current,
				ParentMessageHash:  &parentHash,
				SystemHash:         system,
			}
		}
	}

	// Orphan: no persisted parent. Starts a fresh conversation.
	return l.orphan(current, &parentHash, system)
}

// subtaskPrompt extracts the candidate sub-task prompt from the first
// message: any leading system-reminder blocks are stripped, then the first
// remaining block is taken verbatim if it is a text block (string content is
// taken as is). A non-text first block yields no prompt.
func subtaskPrompt(m *messages.Message) string {
	if m.Role != messages.RoleUser {
		return ""
	}
	if m.Content.IsText {
		return m.Content.Text
	}
	blocks := hasher.StripSystemReminders(m.Content.Blocks)
	for _, b := range blocks {
		if b.Type == messages.BlockText {
			return b.Text
		}
		break
	}
	return ""
}

// compactSummaryText reports whether the first message opens with the
// compact-continuation marker and returns the summary text that follows
// the marker paragraph.
func compactSummaryText(m *messages.Message) (string, bool) {
	text := m.FirstText()
	if m.Role != messages.RoleUser || !strings.HasPrefix(strings.TrimSpace(text), CompactMarker) {
		return "", false
	}
	rest := strings.TrimSpace(text)
	if idx := strings.Index(rest, "\n\n"); idx >= 0 {
		if summary := strings.TrimSpace(rest[idx+2:]); summary != "" {
			return summary, true
		}
	}
	return rest, true
}
