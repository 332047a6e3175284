package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dotsetgreg/dotcontext/pkg/tokens"
)

func testSettings() Settings {
	return Settings{
		RecencyWindow:       3,
		SemanticTopN:        2,
		CompactionThreshold: 6,
		TokenBudget:         4096,
		ModelFamily:         tokens.FamilyGeneric,
		TieEpsilon:          1e-6,
		SemanticSearch:      true,
		MaxSummaries:        8,
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "history.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// appendTurns stores contents as alternating user/assistant turns with
// strictly increasing timestamps.
func appendTurns(t *testing.T, store HistoryStore, userID, conversationID string, contents ...string) []Turn {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last, err := store.ListTurns(context.Background(), userID, conversationID, 0, 0)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	offset := len(last)
	out := make([]Turn, 0, len(contents))
	for i, content := range contents {
		role := RoleUser
		if (offset+i)%2 == 1 {
			role = RoleAssistant
		}
		turn, err := store.AppendTurn(context.Background(), Turn{
			UserID:         userID,
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			CreatedAt:      base.Add(time.Duration(offset+i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
		out = append(out, turn)
	}
	return out
}

// keywordEmbedder maps each known keyword onto its own axis so similarity is
// predictable in tests. Text with no keyword lands on the last axis.
type keywordEmbedder struct {
	keywords []string
	fail     atomic.Bool
	calls    atomic.Int64
}

func newKeywordEmbedder(keywords ...string) *keywordEmbedder {
	return &keywordEmbedder{keywords: keywords}
}

func (e *keywordEmbedder) ModelID() string { return "test-keywords-v1" }

func (e *keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.fail.Load() {
		return nil, errors.New("embedding backend unreachable")
	}
	vec := make([]float32, len(e.keywords)+1)
	lower := strings.ToLower(text)
	hit := false
	for i, kw := range e.keywords {
		if strings.Contains(lower, kw) {
			vec[i] = 1
			hit = true
		}
	}
	if !hit {
		vec[len(e.keywords)] = 1
	}
	return vec, nil
}

// scriptedSummarizer returns canned text, optionally failing or blocking.
type scriptedSummarizer struct {
	mu      sync.Mutex
	calls   int
	err     error
	release chan struct{}
	started chan struct{}
}

func (s *scriptedSummarizer) Summarize(ctx context.Context, turns []Turn) (string, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	err := s.err
	release, started := s.release, s.started
	s.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("summary %d of seq %d-%d", n, turns[0].Seq, turns[len(turns)-1].Seq), nil
}

func (s *scriptedSummarizer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func noSleep(context.Context, time.Duration) error { return nil }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
