package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dotsetgreg/dotcontext/pkg/config"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 512
)

// AnthropicProvider serves completions through the Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

func NewAnthropicProvider(apiKey, apiBase, model string) *AnthropicProvider {
	// Retries are owned by the caller so transient and permanent failures stay distinguishable.
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(apiBase) != "" {
		opts = append(opts, option.WithBaseURL(apiBase))
	}
	client := anthropic.NewClient(opts...)
	if strings.TrimSpace(model) == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{client: &client, model: model}
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

func (p *AnthropicProvider) Complete(ctx context.Context, messages []Message, params CompletionParams) (string, error) {
	model := strings.TrimSpace(params.Model)
	if model == "" {
		model = p.model
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	system := strings.TrimSpace(params.System)
	apiMessages := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "assistant":
			apiMessages = append(apiMessages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		default:
			apiMessages = append(apiMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(apiMessages) == 0 {
		return "", &ProviderError{Provider: ProviderAnthropic, Detail: "no user or assistant messages", kind: ErrRejected}
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  apiMessages,
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if params.Temperature > 0 {
		req.Temperature = anthropic.Float(params.Temperature)
	}

	resp, err := p.client.Messages.New(ctx, req)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", statusError(ProviderAnthropic, apiErr.StatusCode, apiErr.Error())
		}
		return "", classifyTransportError(ProviderAnthropic, err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

func init() {
	RegisterFactory(ProviderAnthropic, Factory{
		Completion: func(cfg *config.Config) (CompletionProvider, error) {
			return NewAnthropicProvider(
				strings.TrimSpace(cfg.Providers.Anthropic.APIKey),
				strings.TrimSpace(cfg.Providers.Anthropic.APIBase),
				strings.TrimSpace(cfg.Providers.Anthropic.Model),
			), nil
		},
		Validate: func(cfg *config.Config) error {
			if strings.TrimSpace(cfg.Providers.Anthropic.APIKey) == "" {
				return fmt.Errorf("Anthropic API key is required (set providers.anthropic.api_key or DOTCONTEXT_PROVIDERS_ANTHROPIC_API_KEY)")
			}
			return nil
		},
	})
}
