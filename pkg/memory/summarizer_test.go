package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotcontext/pkg/providers"
)

type stubCompletion struct {
	reply    string
	err      error
	messages []providers.Message
	params   providers.CompletionParams
}

func (s *stubCompletion) Name() string { return "stub" }

func (s *stubCompletion) Complete(_ context.Context, messages []providers.Message, params providers.CompletionParams) (string, error) {
	s.messages = messages
	s.params = params
	return s.reply, s.err
}

func TestLLMSummarizer_SendsTranscript(t *testing.T) {
	stub := &stubCompletion{reply: "  User prefers dark roast.  "}
	s := NewLLMSummarizer(stub, "claude-test", 0, 0)

	important := mkTurn(2, "never call before 9am")
	important.Important = true
	out, err := s.Summarize(context.Background(), []Turn{mkTurn(1, "I like dark roast"), important})
	require.NoError(t, err)
	assert.Equal(t, "User prefers dark roast.", out)

	require.Len(t, stub.messages, 1)
	assert.Contains(t, stub.messages[0].Content, "user: I like dark roast")
	assert.Contains(t, stub.messages[0].Content, "user [important]: never call before 9am")
	assert.Equal(t, "claude-test", stub.params.Model)
	assert.Equal(t, 512, stub.params.MaxTokens)
}

func TestLLMSummarizer_EmptyCompletionIsUnavailable(t *testing.T) {
	s := NewLLMSummarizer(&stubCompletion{reply: "   "}, "m", 0, 0)
	_, err := s.Summarize(context.Background(), []Turn{mkTurn(1, "hello")})
	require.ErrorIs(t, err, providers.ErrUnavailable)
}

func TestLLMSummarizer_SystemOnlyFallsBack(t *testing.T) {
	stub := &stubCompletion{reply: "unused"}
	sys := mkTurn(1, "tool output")
	sys.Role = RoleSystem
	out, err := NewLLMSummarizer(stub, "m", 0, 0).Summarize(context.Background(), []Turn{sys})
	require.NoError(t, err)
	assert.Contains(t, out, "Compacted conversation window")
	assert.Nil(t, stub.messages)
}

func TestBuildCompactionTranscript_KeepsNewestLines(t *testing.T) {
	turns := []Turn{mkTurn(1, strings.Repeat("a", 50)), mkTurn(2, strings.Repeat("b", 50)), mkTurn(3, "latest")}
	out := buildCompactionTranscript(turns, 70)
	assert.NotContains(t, out, "aaaa")
	assert.Contains(t, out, "latest")

	long := buildCompactionTranscript([]Turn{mkTurn(1, strings.Repeat("x", 900))}, 0)
	assert.Contains(t, long, "...")
	assert.Less(t, len(long), 450)
}

func TestFallbackSummary_CapsBullets(t *testing.T) {
	var turns []Turn
	for i := int64(1); i <= 10; i++ {
		turns = append(turns, mkTurn(i, "topic"))
	}
	out := fallbackSummary(turns)
	assert.Equal(t, 6, strings.Count(out, "- User topic:"))
	assert.Contains(t, out, "(10 turns)")
}
