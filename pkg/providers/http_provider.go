package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dotsetgreg/dotcontext/pkg/config"
)

const (
	defaultOpenAIAPIBase        = "https://api.openai.com/v1"
	defaultOpenAIModel          = "gpt-4o-mini"
	defaultOpenAIEmbeddingModel = "text-embedding-3-small"
)

// HTTPProvider talks to any OpenAI-compatible /chat/completions and /embeddings API.
type HTTPProvider struct {
	apiKey         string
	apiBase        string
	model          string
	embeddingModel string
	dimensions     int
	httpClient     *http.Client
}

func NewHTTPProvider(apiKey, apiBase, proxy string) *HTTPProvider {
	client := &http.Client{Timeout: 120 * time.Second}

	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	return &HTTPProvider{
		apiKey:         apiKey,
		apiBase:        strings.TrimRight(apiBase, "/"),
		model:          defaultOpenAIModel,
		embeddingModel: defaultOpenAIEmbeddingModel,
		httpClient:     client,
	}
}

func (p *HTTPProvider) Name() string { return ProviderOpenAI }

func (p *HTTPProvider) ModelID() string { return p.embeddingModel }

func (p *HTTPProvider) Dimensions() int { return p.dimensions }

func (p *HTTPProvider) Complete(ctx context.Context, messages []Message, params CompletionParams) (string, error) {
	model := strings.TrimSpace(params.Model)
	if model == "" {
		model = p.model
	}

	all := make([]Message, 0, len(messages)+1)
	if strings.TrimSpace(params.System) != "" {
		all = append(all, Message{Role: "system", Content: params.System})
	}
	all = append(all, messages...)

	requestBody := map[string]interface{}{
		"model":    model,
		"messages": all,
	}
	if params.MaxTokens > 0 {
		requestBody["max_tokens"] = params.MaxTokens
	}
	if params.Temperature > 0 {
		requestBody["temperature"] = params.Temperature
	}

	body, err := p.post(ctx, "/chat/completions", requestBody)
	if err != nil {
		return "", err
	}

	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", &ProviderError{Provider: ProviderOpenAI, Detail: err.Error(), kind: ErrRejected}
	}
	if len(apiResponse.Choices) == 0 {
		return "", nil
	}
	return apiResponse.Choices[0].Message.Content, nil
}

func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	requestBody := map[string]interface{}{
		"model": p.embeddingModel,
		"input": text,
	}
	if p.dimensions > 0 {
		requestBody["dimensions"] = p.dimensions
	}

	body, err := p.post(ctx, "/embeddings", requestBody)
	if err != nil {
		return nil, err
	}

	var apiResponse struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, &ProviderError{Provider: ProviderOpenAI, Detail: err.Error(), kind: ErrRejected}
	}
	if len(apiResponse.Data) == 0 || len(apiResponse.Data[0].Embedding) == 0 {
		return nil, &ProviderError{Provider: ProviderOpenAI, Detail: "empty embedding response", kind: ErrRejected}
	}
	vec := apiResponse.Data[0].Embedding
	if p.dimensions > 0 && len(vec) != p.dimensions {
		return nil, &ProviderError{Provider: ProviderOpenAI, Detail: fmt.Sprintf("embedding has %d dimensions, want %d", len(vec), p.dimensions), kind: ErrRejected}
	}
	return vec, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, payload map[string]interface{}) ([]byte, error) {
	if p.apiBase == "" {
		return nil, &ProviderError{Provider: ProviderOpenAI, Detail: "api base not configured", kind: ErrRejected}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ProviderOpenAI, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(ProviderOpenAI, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(ProviderOpenAI, resp.StatusCode, string(body))
	}
	return body, nil
}

func newOpenAIProvider(cfg *config.Config) *HTTPProvider {
	apiBase := strings.TrimSpace(cfg.Providers.OpenAI.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenAIAPIBase
	}
	p := NewHTTPProvider(strings.TrimSpace(cfg.Providers.OpenAI.APIKey), apiBase, strings.TrimSpace(cfg.Providers.OpenAI.Proxy))
	if m := strings.TrimSpace(cfg.Providers.OpenAI.Model); m != "" {
		p.model = m
	}
	if m := strings.TrimSpace(cfg.Providers.OpenAI.EmbeddingModel); m != "" {
		p.embeddingModel = m
	}
	p.dimensions = cfg.Embedding.Dimensions
	return p
}

func init() {
	RegisterFactory(ProviderOpenAI, Factory{
		Completion: func(cfg *config.Config) (CompletionProvider, error) {
			return newOpenAIProvider(cfg), nil
		},
		Embedding: func(cfg *config.Config) (EmbeddingProvider, error) {
			return newOpenAIProvider(cfg), nil
		},
		Validate: func(cfg *config.Config) error {
			base := strings.TrimSpace(cfg.Providers.OpenAI.APIBase)
			if strings.TrimSpace(cfg.Providers.OpenAI.APIKey) == "" && (base == "" || base == defaultOpenAIAPIBase) {
				return fmt.Errorf("OpenAI API key is required (set providers.openai.api_key or DOTCONTEXT_PROVIDERS_OPENAI_API_KEY)")
			}
			return nil
		},
	})
}
