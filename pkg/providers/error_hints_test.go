package providers

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestAugmentProviderError_OpenAIContextLengthHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenAI, "This model's maximum context length is 8192 tokens")
	if !strings.Contains(msg, "truncate") {
		t.Fatalf("expected truncation hint, got %q", msg)
	}
}

func TestAugmentProviderError_OpenAIIncorrectAPIKeyHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenAI, "Incorrect API key provided")
	if !strings.Contains(msg, "DOTCONTEXT_PROVIDERS_OPENAI_API_KEY") {
		t.Fatalf("expected api key hint, got %q", msg)
	}
}

func TestAugmentProviderError_AnthropicOverloadedHint(t *testing.T) {
	msg := augmentProviderError(ProviderAnthropic, "Overloaded")
	if !strings.Contains(msg, "retry") {
		t.Fatalf("expected retry hint, got %q", msg)
	}
}

func TestAugmentProviderError_TruncatesLongDetail(t *testing.T) {
	msg := augmentProviderError("other", strings.Repeat("x", 2000))
	if len(msg) > 520 {
		t.Fatalf("expected truncated detail, got %d bytes", len(msg))
	}
}

func TestAugmentProviderError_LongMultibyteDetailStaysValidUTF8(t *testing.T) {
	// 1 + 2*300 bytes puts byte 512 inside a two-byte rune.
	msg := augmentProviderError(ProviderAnthropic, "x"+strings.Repeat("é", 300))
	if !utf8.ValidString(msg) {
		t.Fatalf("clipped detail is not valid UTF-8: %q", msg)
	}
	if !strings.HasSuffix(msg, "...") {
		t.Fatalf("expected clip marker, got %q", msg)
	}
	if len(msg) > 512+len("...") {
		t.Fatalf("detail exceeds cap: %d bytes", len(msg))
	}
}
