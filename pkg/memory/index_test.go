package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func similarityIndexes(t *testing.T) map[string]SimilarityIndex {
	t.Helper()
	sqliteIndex, err := NewSQLiteIndex(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteIndex.Close() })

	persistent, err := NewPersistentChromemIndex(t.TempDir(), false)
	require.NoError(t, err)

	return map[string]SimilarityIndex{
		"sqlite":            sqliteIndex,
		"chromem":           NewChromemIndex(),
		"chromem-persisted": persistent,
	}
}

func TestSimilarityIndex_QueryOrdersByScore(t *testing.T) {
	for name, idx := range similarityIndexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Upsert(ctx, "u1", "c1", ItemRef{Kind: ItemTurn, ID: "near"}, []float32{1, 0.1, 0}))
			require.NoError(t, idx.Upsert(ctx, "u1", "c1", ItemRef{Kind: ItemTurn, ID: "far"}, []float32{0, 1, 0}))
			require.NoError(t, idx.Upsert(ctx, "u1", "c1", ItemRef{Kind: ItemSummary, ID: "mid"}, []float32{1, 1, 0}))

			hits, err := idx.Query(ctx, "u1", "c1", []float32{1, 0, 0}, 2)
			require.NoError(t, err)
			require.Len(t, hits, 2)
			assert.Equal(t, "near", hits[0].Ref.ID)
			assert.Equal(t, ItemSummary, hits[1].Ref.Kind)
			for _, h := range hits {
				assert.GreaterOrEqual(t, h.Score, 0.0)
				assert.LessOrEqual(t, h.Score, 1.0)
			}

			// topK above the namespace size returns what exists.
			all, err := idx.Query(ctx, "u1", "c1", []float32{1, 0, 0}, 10)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestSimilarityIndex_NamespacesAreIsolated(t *testing.T) {
	for name, idx := range similarityIndexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Upsert(ctx, "alice", "c1", ItemRef{Kind: ItemTurn, ID: "a1"}, []float32{1, 0}))
			require.NoError(t, idx.Upsert(ctx, "bob", "c1", ItemRef{Kind: ItemTurn, ID: "b1"}, []float32{1, 0}))
			require.NoError(t, idx.Upsert(ctx, "alice", "c2", ItemRef{Kind: ItemTurn, ID: "a2"}, []float32{1, 0}))

			hits, err := idx.Query(ctx, "bob", "c1", []float32{1, 0}, 10)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "b1", hits[0].Ref.ID)

			none, err := idx.Query(ctx, "carol", "c1", []float32{1, 0}, 10)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestSimilarityIndex_RemoveAndDeleteNamespace(t *testing.T) {
	for name, idx := range similarityIndexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			keep := ItemRef{Kind: ItemSummary, ID: "s1"}
			drop := ItemRef{Kind: ItemTurn, ID: "t1"}
			require.NoError(t, idx.Upsert(ctx, "u1", "c1", keep, []float32{0, 1}))
			require.NoError(t, idx.Upsert(ctx, "u1", "c1", drop, []float32{1, 0}))
			require.NoError(t, idx.Upsert(ctx, "u1", "c2", drop, []float32{1, 0}))

			require.NoError(t, idx.Remove(ctx, "u1", "c1", drop))
			hits, err := idx.Query(ctx, "u1", "c1", []float32{1, 0}, 10)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, keep, hits[0].Ref)

			require.NoError(t, idx.DeleteNamespace(ctx, "u1", "c1"))
			hits, err = idx.Query(ctx, "u1", "c1", []float32{1, 0}, 10)
			require.NoError(t, err)
			assert.Empty(t, hits)

			other, err := idx.Query(ctx, "u1", "c2", []float32{1, 0}, 10)
			require.NoError(t, err)
			assert.Len(t, other, 1)
		})
	}
}

func TestSimilarityIndex_UpsertReplacesVector(t *testing.T) {
	for name, idx := range similarityIndexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ref := ItemRef{Kind: ItemTurn, ID: "t1"}
			require.NoError(t, idx.Upsert(ctx, "u1", "c1", ref, []float32{0, 1}))
			require.NoError(t, idx.Upsert(ctx, "u1", "c1", ref, []float32{1, 0}))

			hits, err := idx.Query(ctx, "u1", "c1", []float32{1, 0}, 5)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
		})
	}
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0.0, clampScore(-0.3))
	assert.Equal(t, 1.0, clampScore(1.0000001))
	assert.Equal(t, 0.5, clampScore(0.5))
}
