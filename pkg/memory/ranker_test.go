package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkTurn(seq int64, content string) Turn {
	return Turn{
		ID:             fmt.Sprintf("t%02d", seq),
		UserID:         "u1",
		ConversationID: "c1",
		Seq:            seq,
		Role:           RoleUser,
		Content:        content,
		CreatedAt:      time.Date(2026, 3, 1, 12, int(seq), 0, 0, time.UTC),
	}
}

func keys(cands []RetrievalCandidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Ref.Key())
	}
	return out
}

func TestRanker_MergesSourcesWithoutDuplicates(t *testing.T) {
	s := testSettings()
	recent := []Turn{mkTurn(8, "a"), mkTurn(9, "b"), mkTurn(10, "c")}
	old := mkTurn(2, "old match")
	snap := Snapshot{Recent: recent, LastSeq: 10}
	hits := []SemanticHit{
		{Ref: recent[1].Ref(), Score: 0.9, Turn: &recent[1]},
		{Ref: old.Ref(), Score: 0.8, Turn: &old},
	}

	out := NewRanker(s).Rank(snap, hits)
	require.Len(t, out, 4)

	seen := map[string]int{}
	for _, c := range out {
		seen[c.Ref.Key()]++
	}
	for key, n := range seen {
		assert.Equal(t, 1, n, "duplicate candidate %s", key)
	}

	// The recency hit keeps its semantic score and both source flags.
	for _, c := range out {
		if c.Ref == recent[1].Ref() {
			assert.True(t, c.HasSemantic)
			assert.InDelta(t, 0.9, c.SemanticScore, 1e-9)
			assert.NotZero(t, c.Sources&SourceRecency)
			assert.NotZero(t, c.Sources&SourceSemantic)
		}
	}
	assert.Equal(t, []string{"turn:t09", "turn:t02", "turn:t10", "turn:t08"}, keys(out))
}

func TestRanker_SemanticTopNExcludesRecencySet(t *testing.T) {
	s := testSettings()
	s.SemanticTopN = 1
	recent := []Turn{mkTurn(9, "a"), mkTurn(10, "b")}
	x, y := mkTurn(3, "x"), mkTurn(4, "y")
	hits := []SemanticHit{
		{Ref: recent[0].Ref(), Score: 0.95, Turn: &recent[0]},
		{Ref: x.Ref(), Score: 0.7, Turn: &x},
		{Ref: y.Ref(), Score: 0.6, Turn: &y},
	}
	out := NewRanker(s).Rank(Snapshot{Recent: recent, LastSeq: 10}, hits)
	// The recency hit does not consume the single semantic slot.
	assert.ElementsMatch(t, []string{"turn:t09", "turn:t10", "turn:t03"}, keys(out))
}

func TestRanker_PinnedFirst(t *testing.T) {
	s := testSettings()
	pinned := mkTurn(1, "my account id is 42")
	pinned.Important = true
	pinnedSummary := Summary{ID: "s1", RangeStartSeq: 2, RangeEndSeq: 4, Text: "decision log", Pinned: true,
		RangeEndAt: time.Date(2026, 3, 1, 12, 4, 0, 0, time.UTC)}
	recent := []Turn{mkTurn(9, "a"), mkTurn(10, "b")}
	hit := mkTurn(5, "strong match")

	snap := Snapshot{Recent: recent, PinnedTurns: []Turn{pinned}, PinnedSummaries: []Summary{pinnedSummary}, LastSeq: 10}
	out := NewRanker(s).Rank(snap, []SemanticHit{{Ref: hit.Ref(), Score: 0.99, Turn: &hit}})

	require.Len(t, out, 5)
	assert.True(t, out[0].IsPinned)
	assert.True(t, out[1].IsPinned)
	// Among pinned items the more recent comes first.
	assert.Equal(t, "summary:s1", out[0].Ref.Key())
	assert.Equal(t, "turn:t01", out[1].Ref.Key())
	assert.Equal(t, "turn:t05", out[2].Ref.Key())
}

func TestRanker_SkipsSummarizedTurnHits(t *testing.T) {
	s := testSettings()
	folded := mkTurn(2, "folded")
	folded.Summarized = true
	folded.SummaryID = "s1"
	out := NewRanker(s).Rank(Snapshot{LastSeq: 10}, []SemanticHit{{Ref: folded.Ref(), Score: 0.9, Turn: &folded}})
	assert.Empty(t, out)
}

func TestRanker_TiesBrokenByRecencyThenKey(t *testing.T) {
	s := testSettings()
	s.SemanticTopN = 3
	a, b, c := mkTurn(3, "a"), mkTurn(5, "b"), mkTurn(5, "c")
	c.ID = "t05b"
	hits := []SemanticHit{
		{Ref: a.Ref(), Score: 0.5, Turn: &a},
		{Ref: b.Ref(), Score: 0.5 + 1e-9, Turn: &b},
		{Ref: c.Ref(), Score: 0.5, Turn: &c},
	}
	out := NewRanker(s).Rank(Snapshot{LastSeq: 10}, hits)
	assert.Equal(t, []string{"turn:t05", "turn:t05b", "turn:t03"}, keys(out))
}

func TestRanker_Deterministic(t *testing.T) {
	s := testSettings()
	recent := []Turn{mkTurn(8, "a"), mkTurn(9, "b"), mkTurn(10, "c")}
	x, y := mkTurn(2, "x"), mkTurn(4, "y")
	hits := []SemanticHit{
		{Ref: x.Ref(), Score: 0.4, Turn: &x},
		{Ref: y.Ref(), Score: 0.4, Turn: &y},
	}
	snap := Snapshot{Recent: recent, LastSeq: 10}
	first := keys(NewRanker(s).Rank(snap, hits))
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, keys(NewRanker(s).Rank(snap, hits)))
	}
}
