package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dotsetgreg/dotcontext/pkg/providers"
)

const summaryPrompt = "Summarize this conversation segment for long-term memory.\n" +
	"Preserve user preferences, constraints, commitments, unresolved tasks, and key technical context.\n" +
	"Keep it compact and factual. Do not invent details.\n\n" +
	"TRANSCRIPT SEGMENT:\n%s\n\n" +
	"Return only the summary."

// LLMSummarizer asks a completion provider to condense a turn span.
type LLMSummarizer struct {
	provider           providers.CompletionProvider
	model              string
	maxTokens          int
	maxTranscriptChars int
}

func NewLLMSummarizer(provider providers.CompletionProvider, model string, maxTokens, maxTranscriptChars int) *LLMSummarizer {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	if maxTranscriptChars <= 0 {
		maxTranscriptChars = 24000
	}
	return &LLMSummarizer{
		provider:           provider,
		model:              model,
		maxTokens:          maxTokens,
		maxTranscriptChars: maxTranscriptChars,
	}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, turns []Turn) (string, error) {
	transcript := buildCompactionTranscript(turns, s.maxTranscriptChars)
	if transcript == "" {
		return fallbackSummary(turns), nil
	}
	out, err := s.provider.Complete(ctx, []providers.Message{{Role: "user", Content: fmt.Sprintf(summaryPrompt, transcript)}}, providers.CompletionParams{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("summarize: %w: empty completion", providers.ErrUnavailable)
	}
	return out, nil
}

// ExtractiveSummarizer needs no model; it lists the window and the user's
// topics.
type ExtractiveSummarizer struct{}

func (ExtractiveSummarizer) Summarize(_ context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", errors.New("summarize: no turns")
	}
	return fallbackSummary(turns), nil
}

// buildCompactionTranscript renders user and assistant turns, each cut to 400
// chars, keeping the newest lines when the whole exceeds maxChars.
func buildCompactionTranscript(turns []Turn, maxChars int) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			continue
		}
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		content = truncateRunes(content, 400)
		marker := ""
		if t.Important {
			marker = " [important]"
		}
		lines = append(lines, string(t.Role)+marker+": "+content)
	}

	total := 0
	start := len(lines)
	for start > 0 {
		n := len(lines[start-1]) + 1
		if maxChars > 0 && total+n > maxChars {
			break
		}
		total += n
		start--
	}
	if start == len(lines) {
		return ""
	}
	return strings.Join(lines[start:], "\n") + "\n"
}

func fallbackSummary(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	parts := []string{fmt.Sprintf("Compacted conversation window %s - %s (%d turns).",
		turns[0].CreatedAt.Format(time.RFC3339), turns[len(turns)-1].CreatedAt.Format(time.RFC3339), len(turns))}

	bulletCount := 0
	for _, t := range turns {
		if t.Role != RoleUser {
			continue
		}
		line := strings.TrimSpace(t.Content)
		if line == "" {
			continue
		}
		line = truncateRunes(line, 160)
		parts = append(parts, "- User topic: "+line)
		bulletCount++
		if bulletCount >= 6 {
			break
		}
	}
	return strings.Join(parts, "\n")
}

// truncateRunes keeps the first n runes of s, marking the cut with "...".
// Cuts never split a multibyte character.
func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "..."
		}
		count++
	}
	return s
}
