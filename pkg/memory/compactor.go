package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/dotcontext/pkg/logger"
	"github.com/dotsetgreg/dotcontext/pkg/reliability"
)

// retiredEmbeddingRef marks a summary deliberately kept out of the index so the
// reindex sweep leaves it alone.
const retiredEmbeddingRef = "retired"

type CompactorConfig struct {
	// Holder identifies this process in the lease table.
	Holder             string
	LeaseTTL           time.Duration
	SummarizerAttempts int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
}

// Compactor folds aged unsummarized turns into one summary per run.
type Compactor struct {
	store      HistoryStore
	index      SimilarityIndex
	embedder   Embedder
	summarizer Summarizer
	cfg        CompactorConfig
	metrics    *Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// CompactionResult describes one run. Summary is nil when nothing was folded.
type CompactionResult struct {
	Summary *Summary
	Folded  int
	Reason  string
}

func NewCompactor(store HistoryStore, index SimilarityIndex, embedder Embedder, summarizer Summarizer, cfg CompactorConfig, metrics *Metrics) *Compactor {
	if cfg.Holder == "" {
		host, _ := os.Hostname()
		cfg.Holder = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.SummarizerAttempts <= 0 {
		cfg.SummarizerAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 8 * time.Second
	}
	if summarizer == nil {
		summarizer = ExtractiveSummarizer{}
	}
	return &Compactor{
		store:      store,
		index:      index,
		embedder:   embedder,
		summarizer: summarizer,
		cfg:        cfg,
		metrics:    metrics,
		sleep:      reliability.Sleep,
	}
}

// Due reports whether the conversation crossed the compaction threshold.
func (c *Compactor) Due(ctx context.Context, userID, conversationID string, s Settings) (bool, error) {
	n, err := c.store.CountUnsummarized(ctx, userID, conversationID)
	if err != nil {
		return false, err
	}
	return n >= s.CompactionThreshold, nil
}

// Run compacts one conversation. Unless force is set it is a no-op below the
// threshold. The newest RecencyWindow turns are never folded. On any failure
// the stored history is left exactly as it was.
func (c *Compactor) Run(ctx context.Context, userID, conversationID string, s Settings, force bool) (CompactionResult, error) {
	if !force {
		due, err := c.Due(ctx, userID, conversationID, s)
		if err != nil {
			return CompactionResult{}, fmt.Errorf("%w: %v", ErrCompactionFailed, err)
		}
		if !due {
			return CompactionResult{Reason: "below_threshold"}, nil
		}
	}

	lease, err := c.store.AcquireCompactionLease(ctx, userID, conversationID, c.cfg.Holder, c.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			c.metrics.compaction("lease_held", 0)
			return CompactionResult{Reason: "lease_held"}, nil
		}
		return CompactionResult{}, fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}
	defer func() {
		if err := c.store.ReleaseCompactionLease(context.WithoutCancel(ctx), lease); err != nil {
			logger.WarnCF("compaction", "Lease release failed", map[string]interface{}{
				"user_id":         userID,
				"conversation_id": conversationID,
				"error":           err.Error(),
			})
		}
	}()

	turns, err := c.store.ListUnsummarizedTurns(ctx, userID, conversationID, 0)
	if err != nil {
		return CompactionResult{}, fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}
	keep := s.RecencyWindow
	if len(turns) <= keep {
		return CompactionResult{Reason: "nothing_to_fold"}, nil
	}
	fold := turns[:len(turns)-keep]

	runID, err := c.store.StartCompaction(ctx, CompactionRun{
		UserID:         userID,
		ConversationID: conversationID,
		SourceCount:    len(turns),
		RetainedCount:  keep,
	})
	if err != nil {
		return CompactionResult{}, fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}
	fail := func(err error) (CompactionResult, error) {
		_ = c.store.FailCompaction(context.WithoutCancel(ctx), runID, err.Error())
		c.metrics.compaction("failed", 0)
		return CompactionResult{}, fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}

	text, err := c.summarize(ctx, fold)
	if err != nil {
		return fail(err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fail(err)
	}
	first, last := fold[0], fold[len(fold)-1]
	summary := Summary{
		ID:             id.String(),
		UserID:         userID,
		ConversationID: conversationID,
		RangeStartSeq:  first.Seq,
		RangeEndSeq:    last.Seq,
		RangeStartID:   first.ID,
		RangeEndID:     last.ID,
		RangeStartAt:   first.CreatedAt,
		RangeEndAt:     last.CreatedAt,
		TurnCount:      len(fold),
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
	ids := make([]string, 0, len(fold))
	for _, t := range fold {
		ids = append(ids, t.ID)
		if t.Important {
			summary.Pinned = true
		}
	}

	if err := c.store.CommitSummary(ctx, lease, summary, ids); err != nil {
		return fail(err)
	}

	// Index maintenance after the commit is best effort; the reindex sweep
	// catches anything missed here.
	c.indexSummary(ctx, summary)
	c.unindexFolded(ctx, fold)
	c.enforceSummaryCap(ctx, userID, conversationID, s.MaxSummaries)

	if err := c.store.CompleteCompaction(ctx, runID, summary.ID); err != nil {
		logger.WarnCF("compaction", "Audit completion failed", map[string]interface{}{
			"run_id": runID,
			"error":  err.Error(),
		})
	}
	c.metrics.compaction("completed", len(fold))
	logger.InfoCF("compaction", "Conversation compacted", map[string]interface{}{
		"user_id":         userID,
		"conversation_id": conversationID,
		"summary_id":      summary.ID,
		"range_start_seq": summary.RangeStartSeq,
		"range_end_seq":   summary.RangeEndSeq,
		"folded":          len(fold),
		"pinned":          summary.Pinned,
	})
	return CompactionResult{Summary: &summary, Folded: len(fold), Reason: "completed"}, nil
}

func (c *Compactor) summarize(ctx context.Context, fold []Turn) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.SummarizerAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, reliability.ExponentialBackoff(attempt-1, c.cfg.BackoffBase, c.cfg.BackoffCap)); err != nil {
				return "", err
			}
		}
		text, err := c.summarizer.Summarize(ctx, fold)
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), nil
		}
		if err == nil {
			err = errors.New("empty summary")
		}
		lastErr = err
		logger.WarnCF("compaction", "Summarizer attempt failed", map[string]interface{}{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("summarizer exhausted %d attempts: %w", c.cfg.SummarizerAttempts, lastErr)
}

func (c *Compactor) indexSummary(ctx context.Context, summary Summary) {
	if c.embedder == nil || c.index == nil {
		return
	}
	vec, err := c.embedder.Embed(ctx, summary.Text)
	if err != nil {
		logger.DebugCF("compaction", "Summary embedding deferred", map[string]interface{}{
			"summary_id": summary.ID,
			"error":      err.Error(),
		})
		return
	}
	if err := c.index.Upsert(ctx, summary.UserID, summary.ConversationID, summary.Ref(), vec); err != nil {
		logger.WarnCF("compaction", "Summary index upsert failed", map[string]interface{}{
			"summary_id": summary.ID,
			"error":      err.Error(),
		})
		return
	}
	if err := c.store.SetEmbeddingRef(ctx, summary.UserID, summary.Ref(), c.embedder.ModelID()); err != nil {
		logger.WarnCF("compaction", "Summary embedding ref update failed", map[string]interface{}{
			"summary_id": summary.ID,
			"error":      err.Error(),
		})
	}
}

// unindexFolded drops vectors of folded turns; their content is now reachable
// through the summary. Important turns stay searchable.
func (c *Compactor) unindexFolded(ctx context.Context, fold []Turn) {
	if c.index == nil || len(fold) == 0 {
		return
	}
	refs := make([]ItemRef, 0, len(fold))
	for _, t := range fold {
		if !t.Important {
			refs = append(refs, t.Ref())
		}
	}
	if err := c.index.Remove(ctx, fold[0].UserID, fold[0].ConversationID, refs...); err != nil {
		logger.WarnCF("compaction", "Folded turn unindex failed", map[string]interface{}{
			"conversation_id": fold[0].ConversationID,
			"error":           err.Error(),
		})
	}
}

// enforceSummaryCap retires the oldest non-pinned summaries from the index
// once a conversation holds more than max. Records stay in the store.
func (c *Compactor) enforceSummaryCap(ctx context.Context, userID, conversationID string, max int) {
	if c.index == nil || max <= 0 {
		return
	}
	summaries, err := c.store.ListSummaries(ctx, userID, conversationID)
	if err != nil || len(summaries) <= max {
		return
	}
	excess := len(summaries) - max
	retire := make([]ItemRef, 0, excess)
	for _, s := range summaries {
		if len(retire) >= excess {
			break
		}
		if s.Pinned {
			continue
		}
		retire = append(retire, s.Ref())
	}
	if len(retire) == 0 {
		return
	}
	if err := c.index.Remove(ctx, userID, conversationID, retire...); err != nil {
		logger.WarnCF("compaction", "Summary retirement failed", map[string]interface{}{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
		return
	}
	for _, ref := range retire {
		if err := c.store.SetEmbeddingRef(ctx, userID, ref, retiredEmbeddingRef); err != nil {
			logger.WarnCF("compaction", "Retired summary ref update failed", map[string]interface{}{
				"conversation_id": conversationID,
				"summary_id":      ref.ID,
				"error":           err.Error(),
			})
		}
	}
	logger.DebugCF("compaction", "Retired summaries from index", map[string]interface{}{
		"conversation_id": conversationID,
		"retired":         len(retire),
	})
}
