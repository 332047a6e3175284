package providers

import (
	"strings"
	"unicode/utf8"
)

// augmentProviderError appends operator hints to upstream error detail. The
// detail is only ever logged.
func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}
	msg = clipDetail(msg, 512)

	lower := strings.ToLower(msg)
	switch NormalizeProviderName(providerName) {
	case ProviderOpenAI:
		if strings.Contains(lower, "maximum context length") || strings.Contains(lower, "too many tokens") {
			return msg + " Hint: input exceeds the embedding model limit; truncate before retrying."
		}
		if strings.Contains(lower, "incorrect api key provided") {
			return msg + " Hint: set providers.openai.api_key or DOTCONTEXT_PROVIDERS_OPENAI_API_KEY."
		}
	case ProviderAnthropic:
		if strings.Contains(lower, "overloaded") {
			return msg + " Hint: the upstream is overloaded; compaction will retry on the next threshold crossing."
		}
		if strings.Contains(lower, "invalid x-api-key") {
			return msg + " Hint: set providers.anthropic.api_key or DOTCONTEXT_PROVIDERS_ANTHROPIC_API_KEY."
		}
	}
	return msg
}

// clipDetail caps msg at max bytes, backing off to a rune boundary.
func clipDetail(msg string, max int) string {
	if len(msg) <= max {
		return msg
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}
