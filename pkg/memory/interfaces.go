package memory

import (
	"context"
	"time"
)

// HistoryStore is the append-only turn log plus the summary store. Every
// method is keyed by user id; nothing crosses users.
type HistoryStore interface {
	Close() error

	// AppendTurn assigns the next per-conversation Seq and persists the turn.
	// Re-appending an existing turn id returns the stored turn unchanged.
	AppendTurn(ctx context.Context, turn Turn) (Turn, error)
	LoadSnapshot(ctx context.Context, userID, conversationID string, recent int) (Snapshot, error)
	ListTurns(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]Turn, error)
	ListUnsummarizedTurns(ctx context.Context, userID, conversationID string, limit int) ([]Turn, error)
	CountUnsummarized(ctx context.Context, userID, conversationID string) (int, error)
	GetTurns(ctx context.Context, userID string, ids []string) (map[string]Turn, error)
	GetSummaries(ctx context.Context, userID string, ids []string) (map[string]Summary, error)
	ListSummaries(ctx context.Context, userID, conversationID string) ([]Summary, error)
	SetEmbeddingRef(ctx context.Context, userID string, ref ItemRef, embeddingRef string) error
	ListUnindexed(ctx context.Context, userID, conversationID string, limit int) ([]Turn, []Summary, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]ConversationInfo, error)
	ClearConversation(ctx context.Context, userID, conversationID string) error

	AcquireCompactionLease(ctx context.Context, userID, conversationID, holder string, ttl time.Duration) (Lease, error)
	ReleaseCompactionLease(ctx context.Context, lease Lease) error
	// CommitSummary marks the covered turns summarized and inserts the summary
	// in one transaction, provided the lease is still held.
	CommitSummary(ctx context.Context, lease Lease, summary Summary, turnIDs []string) error

	StartCompaction(ctx context.Context, run CompactionRun) (string, error)
	CompleteCompaction(ctx context.Context, runID, summaryID string) error
	FailCompaction(ctx context.Context, runID, errMsg string) error
	ListCompactions(ctx context.Context, userID, conversationID string, limit int) ([]CompactionRun, error)
}

// SimilarityIndex is a nearest-neighbor search namespaced by user and conversation.
type SimilarityIndex interface {
	Query(ctx context.Context, userID, conversationID string, vector []float32, topK int) ([]ScoredRef, error)
	Upsert(ctx context.Context, userID, conversationID string, ref ItemRef, vector []float32) error
	Remove(ctx context.Context, userID, conversationID string, refs ...ItemRef) error
	DeleteNamespace(ctx context.Context, userID, conversationID string) error
	Close() error
}

// Embedder is the embedding capability consumed by the engine.
type Embedder interface {
	ModelID() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summarizer collapses an ordered span of turns into summary text.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}
