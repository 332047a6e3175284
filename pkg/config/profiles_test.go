package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProfiles = `
profiles:
  terse:
    recency_window: 3
    compaction_threshold: 6
    token_budget: 1200
users:
  alice:
    profile: terse
    semantic_top_n: 5
    conversations:
      trip:
        token_budget: 900
        semantic_search: false
  bob:
    token_budget: 8000
`

func TestProfiles_ResolveLayers(t *testing.T) {
	p := NewProfiles(DefaultConfig().Engine.Tunables())
	require.NoError(t, p.Parse([]byte(sampleProfiles)))

	base, err := p.Resolve("carol", "any")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Engine.Tunables(), base)

	alice, err := p.Resolve("alice", "other")
	require.NoError(t, err)
	assert.Equal(t, 3, alice.RecencyWindow)
	assert.Equal(t, 6, alice.CompactionThreshold)
	assert.Equal(t, 1200, alice.TokenBudget)
	assert.Equal(t, 5, alice.SemanticTopN)
	assert.True(t, alice.SemanticSearch)

	trip, err := p.Resolve("alice", "trip")
	require.NoError(t, err)
	assert.Equal(t, 900, trip.TokenBudget)
	assert.Equal(t, 3, trip.RecencyWindow)
	assert.False(t, trip.SemanticSearch)

	bob, err := p.Resolve("bob", "")
	require.NoError(t, err)
	assert.Equal(t, 8000, bob.TokenBudget)
}

func TestProfiles_UnknownProfileRejected(t *testing.T) {
	p := NewProfiles(DefaultConfig().Engine.Tunables())
	err := p.Parse([]byte("users:\n  dave:\n    profile: missing\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profile")
}

func TestProfiles_InvalidCombinationRejected(t *testing.T) {
	p := NewProfiles(DefaultConfig().Engine.Tunables())
	err := p.Parse([]byte("users:\n  erin:\n    recency_window: 50\n    compaction_threshold: 20\n"))
	require.Error(t, err)

	// The previous (empty) profile set stays active after a rejected parse.
	got, rerr := p.Resolve("erin", "")
	require.NoError(t, rerr)
	assert.Equal(t, DefaultConfig().Engine.RecencyWindow, got.RecencyWindow)
}

func TestLoadProfiles_MissingFileUsesDefaults(t *testing.T) {
	p, err := LoadProfiles(filepath.Join(t.TempDir(), "none.yaml"), DefaultConfig().Engine.Tunables())
	require.NoError(t, err)
	got, err := p.Resolve("u", "c")
	require.NoError(t, err)
	assert.Equal(t, 10, got.RecencyWindow)
}

func TestLoadProfiles_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleProfiles), 0o600))

	p, err := LoadProfiles(path, DefaultConfig().Engine.Tunables())
	require.NoError(t, err)
	got, err := p.Resolve("alice", "trip")
	require.NoError(t, err)
	assert.Equal(t, 900, got.TokenBudget)
}
