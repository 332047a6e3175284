package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionParams struct {
	Model       string
	MaxTokens   int
	Temperature float64
	System      string
}

// CompletionProvider produces a single text completion.
type CompletionProvider interface {
	Name() string
	Complete(ctx context.Context, messages []Message, params CompletionParams) (string, error)
}

// EmbeddingProvider turns text into a fixed-dimension vector.
type EmbeddingProvider interface {
	ModelID() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

var (
	// ErrUnavailable marks a transient failure: network errors, timeouts, 408, 429 and 5xx.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrRejected marks a permanent failure for this input; retrying as-is will not help.
	ErrRejected = errors.New("provider rejected request")
)

// ProviderError carries the upstream status without exposing it through Error().
type ProviderError struct {
	Provider   string
	StatusCode int
	Detail     string
	kind       error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %v (status %d)", e.Provider, e.kind, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.kind)
}

func (e *ProviderError) Unwrap() error { return e.kind }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func statusError(provider string, code int, detail string) error {
	kind := ErrRejected
	if IsRetryableHTTPStatus(code) {
		kind = ErrUnavailable
	}
	return &ProviderError{Provider: provider, StatusCode: code, Detail: augmentProviderError(provider, detail), kind: kind}
}

// classifyTransportError maps client-side failures (network errors, context
// expiry) onto ErrUnavailable unless already classified.
func classifyTransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRejected) {
		return err
	}
	return &ProviderError{Provider: provider, Detail: err.Error(), kind: ErrUnavailable}
}
