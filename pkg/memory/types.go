package memory

import (
	"fmt"
	"time"

	"github.com/dotsetgreg/dotcontext/pkg/tokens"
)

// Role of the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Turn is one stored message. Seq is assigned by the store and strictly
// increases per conversation in arrival order.
type Turn struct {
	ID             string
	UserID         string
	ConversationID string
	Seq            int64
	Role           Role
	Content        string
	CreatedAt      time.Time
	Important      bool
	EmbeddingRef   string
	Summarized     bool
	SummaryID      string
}

func (t Turn) Ref() ItemRef { return ItemRef{Kind: ItemTurn, ID: t.ID} }

// Summary condenses the closed turn range [RangeStartSeq, RangeEndSeq].
type Summary struct {
	ID             string
	UserID         string
	ConversationID string
	RangeStartSeq  int64
	RangeEndSeq    int64
	RangeStartID   string
	RangeEndID     string
	RangeStartAt   time.Time
	RangeEndAt     time.Time
	TurnCount      int
	Text           string
	EmbeddingRef   string
	Pinned         bool
	CreatedAt      time.Time
}

func (s Summary) Ref() ItemRef { return ItemRef{Kind: ItemSummary, ID: s.ID} }

type ItemKind string

const (
	ItemTurn    ItemKind = "turn"
	ItemSummary ItemKind = "summary"
)

// ItemRef addresses a turn or summary.
type ItemRef struct {
	Kind ItemKind
	ID   string
}

func (r ItemRef) Key() string { return string(r.Kind) + ":" + r.ID }

// ParseItemRef is the inverse of ItemRef.Key.
func ParseItemRef(key string) (ItemRef, error) {
	for _, kind := range []ItemKind{ItemTurn, ItemSummary} {
		prefix := string(kind) + ":"
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return ItemRef{Kind: kind, ID: key[len(prefix):]}, nil
		}
	}
	return ItemRef{}, fmt.Errorf("malformed item ref %q", key)
}

// ScoredRef is one similarity index hit.
type ScoredRef struct {
	Ref   ItemRef
	Score float64
}

// Candidate source flags.
const (
	SourceRecency  = 1 << iota
	SourceSemantic
	SourcePinned
)

// RetrievalCandidate is built fresh for each assembly call.
type RetrievalCandidate struct {
	Ref           ItemRef
	Turn          *Turn
	Summary       *Summary
	SemanticScore float64
	HasSemantic   bool
	RecencyRank   int
	IsPinned      bool
	TokenCount    int
	Unestimable   bool
	Sources       int
}

// Timestamp is the candidate's chronological position.
func (c RetrievalCandidate) Timestamp() time.Time {
	if c.Summary != nil {
		return c.Summary.RangeEndAt
	}
	if c.Turn != nil {
		return c.Turn.CreatedAt
	}
	return time.Time{}
}

func (c RetrievalCandidate) seq() int64 {
	if c.Summary != nil {
		return c.Summary.RangeEndSeq
	}
	if c.Turn != nil {
		return c.Turn.Seq
	}
	return 0
}

func (c RetrievalCandidate) text() string {
	if c.Summary != nil {
		return c.Summary.Text
	}
	if c.Turn != nil {
		return c.Turn.Content
	}
	return ""
}

// ContextItem is one selected entry of an assembled context.
type ContextItem struct {
	Ref           ItemRef
	Role          Role
	Content       string
	Timestamp     time.Time
	Tokens        int
	Pinned        bool
	SemanticScore float64
}

// AssembledContext is owned by the caller for one request.
type AssembledContext struct {
	Items       []ContextItem
	TotalTokens int
	Truncated   bool
	Budget      int
	// Degraded lists the reasons retrieval quality was reduced, if any.
	Degraded []string
}

// Refs returns the ordered item references.
func (a AssembledContext) Refs() []ItemRef {
	out := make([]ItemRef, 0, len(a.Items))
	for _, it := range a.Items {
		out = append(out, it.Ref)
	}
	return out
}

// Settings is the explicit per-call configuration record.
type Settings struct {
	RecencyWindow       int // K
	SemanticTopN        int // N
	CompactionThreshold int // T
	TokenBudget         int
	ModelFamily         tokens.Family
	TieEpsilon          float64
	SemanticSearch      bool
	MaxSummaries        int
}

// DefaultSettings mirrors the shipped engine defaults.
func DefaultSettings() Settings {
	return Settings{
		RecencyWindow:       10,
		SemanticTopN:        3,
		CompactionThreshold: 40,
		TokenBudget:         4096,
		ModelFamily:         tokens.FamilyGeneric,
		TieEpsilon:          1e-6,
		SemanticSearch:      true,
		MaxSummaries:        64,
	}
}

func (s Settings) Validate() error {
	if s.RecencyWindow < 1 {
		return fmt.Errorf("%w: recency window must be >= 1", ErrInvalidInput)
	}
	if s.SemanticTopN < 0 {
		return fmt.Errorf("%w: semantic top n must be >= 0", ErrInvalidInput)
	}
	if s.CompactionThreshold <= s.RecencyWindow {
		return fmt.Errorf("%w: compaction threshold must exceed recency window", ErrInvalidInput)
	}
	if s.TieEpsilon < 0 {
		return fmt.Errorf("%w: tie epsilon must be >= 0", ErrInvalidInput)
	}
	return nil
}

// ConversationInfo is a listing row used by the compaction sweep.
type ConversationInfo struct {
	UserID         string
	ConversationID string
	LastSeq        int64
	Unsummarized   int
	UpdatedAt      time.Time
}

// Snapshot is one consistent read of the retrieval-relevant history.
type Snapshot struct {
	Recent          []Turn // oldest first
	PinnedTurns     []Turn
	PinnedSummaries []Summary
	LastSeq         int64
}

// Lease is a fencing token for single-writer compaction.
type Lease struct {
	UserID         string
	ConversationID string
	Holder         string
	ExpiresAt      time.Time
}

// CompactionRun is the audit record of one compaction attempt.
type CompactionRun struct {
	ID             string
	UserID         string
	ConversationID string
	Status         string
	SourceCount    int
	RetainedCount  int
	SummaryID      string
	Error          string
	StartedAt      time.Time
	CompletedAt    time.Time
}

const (
	CompactionRunning   = "running"
	CompactionCompleted = "completed"
	CompactionFailed    = "failed"
)
