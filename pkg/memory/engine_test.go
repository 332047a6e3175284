package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine   *Engine
	store    *SQLiteStore
	index    SimilarityIndex
	embedder *keywordEmbedder
	metrics  *Metrics
}

// quietSettings keeps the compaction threshold out of reach so background
// compaction does not interfere with retrieval assertions.
func quietSettings() Settings {
	s := testSettings()
	s.CompactionThreshold = 1000
	return s
}

func newEngineFixture(t *testing.T, settings Settings) *engineFixture {
	t.Helper()
	store := newTestStore(t)
	index := NewChromemIndex()
	embedder := newKeywordEmbedder("dog", "coffee", "deadline")
	metrics := NewMetrics(prometheus.NewRegistry(), "test")
	e, err := NewEngine(store, index, embedder, &scriptedSummarizer{}, EngineConfig{
		Settings:        settings,
		AssembleTimeout: 5 * time.Second,
		IngestWorkers:   4,
		Compactor:       CompactorConfig{Holder: "engine-test"},
		Metrics:         metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return &engineFixture{engine: e, store: store, index: index, embedder: embedder, metrics: metrics}
}

func (f *engineFixture) record(t *testing.T, userID, conversationID string, important bool, contents ...string) []Turn {
	t.Helper()
	out := make([]Turn, 0, len(contents))
	for i, content := range contents {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		turn, err := f.engine.RecordTurn(context.Background(), Turn{
			UserID:         userID,
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			Important:      important,
		})
		require.NoError(t, err)
		out = append(out, turn)
	}
	return out
}

func contents(ac AssembledContext) []string {
	out := make([]string, 0, len(ac.Items))
	for _, it := range ac.Items {
		out = append(out, it.Content)
	}
	return out
}

func TestEngine_AssembleRejectsInvalidInput(t *testing.T) {
	f := newEngineFixture(t, quietSettings())
	ctx := context.Background()
	bad := quietSettings()
	bad.RecencyWindow = 0

	cases := map[string]AssembleRequest{
		"empty user":      {ConversationID: "c1", Query: "hi", TokenBudget: 100},
		"empty conv":      {UserID: "u1", Query: "hi", TokenBudget: 100},
		"malformed user":  {UserID: "u 1", ConversationID: "c1", Query: "hi", TokenBudget: 100},
		"long conv":       {UserID: "u1", ConversationID: strings.Repeat("c", 200), Query: "hi", TokenBudget: 100},
		"zero budget":     {UserID: "u1", ConversationID: "c1", Query: "hi"},
		"negative budget": {UserID: "u1", ConversationID: "c1", Query: "hi", TokenBudget: -5},
		"bad role":        {UserID: "u1", ConversationID: "c1", Query: "hi", TokenBudget: 100, Role: "robot"},
		"bad settings":    {UserID: "u1", ConversationID: "c1", Query: "hi", TokenBudget: 100, Settings: &bad},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.Assemble(ctx, req)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Equal(t, float64(len(cases)), testutil.ToFloat64(f.metrics.Assemblies.WithLabelValues("invalid")))
}

func TestEngine_AssembleRecencyInChronologicalOrder(t *testing.T) {
	f := newEngineFixture(t, quietSettings())
	ctx := context.Background()
	f.record(t, "u1", "c1", false, "one", "two", "three", "four", "five")

	ac, err := f.engine.Assemble(ctx, AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "next", TokenBudget: 1000, Ephemeral: true})
	require.NoError(t, err)
	assert.Empty(t, ac.Degraded)
	assert.False(t, ac.Truncated)
	assert.Equal(t, 1000, ac.Budget)

	got := contents(ac)
	// K=3 recency turns plus up to N=2 semantic hits from older history.
	assert.Subset(t, got, []string{"three", "four", "five"})
	assert.LessOrEqual(t, len(got), 5)
	for i := 1; i < len(ac.Items); i++ {
		assert.False(t, ac.Items[i].Timestamp.Before(ac.Items[i-1].Timestamp), "items must be chronological")
	}
	total := 0
	for _, it := range ac.Items {
		total += it.Tokens
	}
	assert.Equal(t, total, ac.TotalTokens)
}

func TestEngine_SemanticRecallBeyondRecencyWindow(t *testing.T) {
	f := newEngineFixture(t, quietSettings())
	ctx := context.Background()
	f.record(t, "u1", "c1", false, "my dog is named rex", "nice", "weather talk", "more weather", "still weather", "bye")

	ac, err := f.engine.Assemble(ctx, AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "what is my dog called?", TokenBudget: 1000, Ephemeral: true})
	require.NoError(t, err)
	require.NotEmpty(t, ac.Items)
	assert.Equal(t, "my dog is named rex", ac.Items[0].Content)
	assert.InDelta(t, 1.0, ac.Items[0].SemanticScore, 1e-5)
}

func TestEngine_AssemblePersistsInboundTurn(t *testing.T) {
	f := newEngineFixture(t, quietSettings())
	ctx := context.Background()

	_, err := f.engine.Assemble(ctx, AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "remember the deadline is friday", TokenBudget: 500, TurnID: "turn-1", Important: true})
	require.NoError(t, err)
	// A retried request with the same turn id is not stored twice.
	_, err = f.engine.Assemble(ctx, AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "remember the deadline is friday", TokenBudget: 500, TurnID: "turn-1", Important: true})
	require.NoError(t, err)
	_, err = f.engine.Assemble(ctx, AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "just browsing", TokenBudget: 500, Ephemeral: true})
	require.NoError(t, err)
	require.NoError(t, f.engine.Flush(ctx, "u1", "c1"))

	history, err := f.engine.History(ctx, "u1", "c1", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "turn-1", history[0].ID)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.True(t, history[0].Important)
	assert.Equal(t, f.embedder.ModelID(), history[0].EmbeddingRef)

	// The stored important turn is pinned into later contexts.
	ac, err := f.engine.Assemble(ctx, AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "anything", TokenBudget: 500, Ephemeral: true})
	require.NoError(t, err)
	require.NotEmpty(t, ac.Items)
	assert.True(t, ac.Items[0].Pinned)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Ingests.WithLabelValues("stored")))
}

func TestEngine_EmbeddingFailureDegradesToRecencyAndPinned(t *testing.T) {
	f := newEngineFixture(t, quietSettings())
	ctx := context.Background()
	f.record(t, "u1", "c1", true, "my coffee order is a flat white")
	f.record(t, "u1", "c1", false, "a", "b", "c", "d", "e")
	f.embedder.fail.Store(true)

	ac, err := f.engine.Assemble(ctx, AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "coffee?", TokenBudget: 1000, Ephemeral: true})
	require.NoError(t, err)
	assert.Contains(t, ac.Degraded, DegradedEmbedding)
	assert.Equal(t, []string{"my coffee order is a flat white", "c", "d", "e"}, contents(ac))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Degradations.WithLabelValues(DegradedEmbedding)))
}

func TestEngine_NoIndexRunsOnRecencyAlone(t *testing.T) {
	store := newTestStore(t)
	e, err := NewEngine(store, nil, nil, nil, EngineConfig{Settings: quietSettings()})
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c", "d"} {
		_, err := e.RecordTurn(ctx, Turn{UserID: "u1", ConversationID: "c1", Role: RoleUser, Content: c})
		require.NoError(t, err)
	}
	ac, err := e.Assemble(ctx, AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "q", TokenBudget: 1000, Ephemeral: true})
	require.NoError(t, err)
	assert.Empty(t, ac.Degraded)
	assert.Equal(t, []string{"b", "c", "d"}, contents(ac))
}

func TestEngine_BudgetTruncatesLowestPriority(t *testing.T) {
	f := newEngineFixture(t, quietSettings())
	ctx := context.Background()
	long := strings.Repeat("word ", 40)
	f.record(t, "u1", "c1", false, long+"1", long+"2", long+"3")

	full, err := f.engine.Assemble(ctx, AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "x", TokenBudget: 100000, Ephemeral: true})
	require.NoError(t, err)
	require.Len(t, full.Items, 3)
	per := full.Items[0].Tokens

	ac, err := f.engine.Assemble(ctx, AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "x", TokenBudget: 2*per + per/2, Ephemeral: true})
	require.NoError(t, err)
	assert.True(t, ac.Truncated)
	assert.LessOrEqual(t, ac.TotalTokens, ac.Budget)
	// The oldest turn has the worst recency rank and is dropped first.
	assert.Equal(t, []string{long + "2", long + "3"}, contents(ac))
}

func TestEngine_UserIsolation(t *testing.T) {
	f := newEngineFixture(t, quietSettings())
	ctx := context.Background()
	f.record(t, "alice", "shared", true, "alice's dog is secret")

	ac, err := f.engine.Assemble(ctx, AssembleRequest{UserID: "bob", ConversationID: "shared", Query: "dog", TokenBudget: 1000, Ephemeral: true})
	require.NoError(t, err)
	assert.Empty(t, ac.Items)

	history, err := f.engine.History(ctx, "bob", "shared", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEngine_ConcurrentAssemble(t *testing.T) {
	f := newEngineFixture(t, quietSettings())
	ctx := context.Background()
	f.record(t, "u1", "c1", false, "dog one", "coffee two", "three", "four")

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ac, err := f.engine.Assemble(ctx, AssembleRequest{
				UserID:         "u1",
				ConversationID: fmt.Sprintf("c%d", 1+i%2),
				Query:          fmt.Sprintf("dog question %d", i),
				TokenBudget:    200,
			})
			if err != nil {
				errs <- err
				return
			}
			if ac.TotalTokens > 200 {
				errs <- fmt.Errorf("budget exceeded: %d", ac.TotalTokens)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	require.NoError(t, f.engine.Flush(ctx, "u1", "c1"))
	require.NoError(t, f.engine.Flush(ctx, "u1", "c2"))
	c1, err := f.engine.History(ctx, "u1", "c1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, c1, 4+16)
	for i := 1; i < len(c1); i++ {
		assert.Equal(t, c1[i-1].Seq+1, c1[i].Seq)
	}
}

func TestEngine_BackgroundCompaction(t *testing.T) {
	f := newEngineFixture(t, testSettings())
	ctx := context.Background()
	f.record(t, "u1", "c1", false, "dog plans", "b", "c", "d", "e", "f")

	waitFor(t, 5*time.Second, func() bool {
		summaries, err := f.engine.Summaries(ctx, "u1", "c1")
		return err == nil && len(summaries) == 1
	})
	count, err := f.store.CountUnsummarized(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Folded content is reachable through its summary.
	waitFor(t, 5*time.Second, func() bool { return f.engine.Scheduler().State("u1", "c1") == PhaseIdle })
	ac, err := f.engine.Assemble(ctx, AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "tell me more", TokenBudget: 1000, Ephemeral: true})
	require.NoError(t, err)
	kinds := map[ItemKind]int{}
	for _, it := range ac.Items {
		kinds[it.Ref.Kind]++
	}
	assert.Equal(t, 3, kinds[ItemTurn])
	assert.Equal(t, 1, kinds[ItemSummary])
	for _, it := range ac.Items {
		if it.Ref.Kind == ItemTurn {
			assert.NotContains(t, []string{"dog plans", "b", "c"}, it.Content)
		}
	}
}

func TestEngine_ManualCompactAndClear(t *testing.T) {
	f := newEngineFixture(t, quietSettings())
	ctx := context.Background()
	f.record(t, "u1", "c1", false, "a", "b", "c", "d", "e")

	res, err := f.engine.Compact(ctx, "u1", "c1", true)
	require.NoError(t, err)
	require.NotNil(t, res.Summary)
	assert.Equal(t, 2, res.Folded)

	require.NoError(t, f.engine.ClearConversation(ctx, "u1", "c1"))
	history, err := f.engine.History(ctx, "u1", "c1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	summaries, err := f.engine.Summaries(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Empty(t, summaries)

	vec, err := f.embedder.Embed(ctx, "a")
	require.NoError(t, err)
	hits, err := f.index.Query(ctx, "u1", "c1", vec, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestEngine_ClosedRejectsWork(t *testing.T) {
	f := newEngineFixture(t, quietSettings())
	require.NoError(t, f.engine.Close())
	require.NoError(t, f.engine.Close())

	_, err := f.engine.Assemble(context.Background(), AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "q", TokenBudget: 10})
	require.ErrorIs(t, err, ErrClosed)
	_, err = f.engine.RecordTurn(context.Background(), Turn{UserID: "u1", ConversationID: "c1", Content: "late"})
	require.ErrorIs(t, err, ErrClosed)
}

// stalledIndex answers nothing until the caller gives up.
type stalledIndex struct {
	*ChromemIndex
}

func (stalledIndex) Query(ctx context.Context, _, _ string, _ []float32, _ int) ([]ScoredRef, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stalledSnapshotStore hangs on snapshot loads and serves everything else.
type stalledSnapshotStore struct {
	*SQLiteStore
}

func (stalledSnapshotStore) LoadSnapshot(ctx context.Context, _, _ string, _ int) (Snapshot, error) {
	<-ctx.Done()
	return Snapshot{}, ctx.Err()
}

func TestEngine_SlowIndexHitsDeadlineWithRecencyOnly(t *testing.T) {
	store := newTestStore(t)
	index := stalledIndex{ChromemIndex: NewChromemIndex()}
	e, err := NewEngine(store, index, newKeywordEmbedder("dog"), &scriptedSummarizer{}, EngineConfig{
		Settings:        quietSettings(),
		AssembleTimeout: 100 * time.Millisecond,
		Compactor:       CompactorConfig{Holder: "engine-test"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	appendTurns(t, store, "u1", "c1", "my dog is called rex", "nice", "c", "d", "e")

	start := time.Now()
	ac, err := e.Assemble(context.Background(), AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "what is my dog called", TokenBudget: 1000, Ephemeral: true})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Contains(t, ac.Degraded, DegradedDeadline)
	assert.Equal(t, []string{"c", "d", "e"}, contents(ac))
}

func TestEngine_SlowHistoryHitsDeadline(t *testing.T) {
	sqlite := newTestStore(t)
	store := stalledSnapshotStore{SQLiteStore: sqlite}
	e, err := NewEngine(store, nil, nil, &scriptedSummarizer{}, EngineConfig{
		Settings:        quietSettings(),
		AssembleTimeout: 100 * time.Millisecond,
		Compactor:       CompactorConfig{Holder: "engine-test"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	appendTurns(t, sqlite, "u1", "c1", "a", "b")

	start := time.Now()
	ac, err := e.Assemble(context.Background(), AssembleRequest{UserID: "u1", ConversationID: "c1", Query: "anything", TokenBudget: 1000, Ephemeral: true})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Contains(t, ac.Degraded, DegradedDeadline)
	assert.NotContains(t, ac.Degraded, DegradedHistory)
	assert.Empty(t, ac.Items)
}
