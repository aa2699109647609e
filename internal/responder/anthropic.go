package responder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicURL = "https://api.anthropic.com"

// AnthropicGenerator answers through the Anthropic Messages API.
type AnthropicGenerator struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float64
}

type anthropicSettings struct {
	baseURL    string
	httpClient *http.Client
}

type AnthropicOption func(*anthropicSettings)

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(s *anthropicSettings) {
		s.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithAnthropicHTTPClient(httpClient *http.Client) AnthropicOption {
	return func(s *anthropicSettings) {
		s.httpClient = httpClient
	}
}

func NewAnthropicGenerator(apiKey, model string, maxTokens int, temperature float64, opts ...AnthropicOption) (*AnthropicGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("anthropic: api key must not be empty")
	}
	if model == "" {
		return nil, errors.New("anthropic: model must not be empty")
	}
	settings := anthropicSettings{
		baseURL:    defaultAnthropicURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(&settings)
	}

	// The responder owns the timeout; a retried call would outlive it.
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(anthropicBaseURL(settings.baseURL)),
		option.WithHTTPClient(settings.httpClient),
		option.WithMaxRetries(0),
	)
	return &AnthropicGenerator{
		client:      client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}, nil
}

func (g *AnthropicGenerator) Model() string {
	return g.model
}

// anthropicBaseURL normalizes a configured base so the client can append
// "v1/messages" to it.
func anthropicBaseURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	base = strings.TrimSuffix(base, "/v1")
	if base == "" {
		base = defaultAnthropicURL
	}
	return base + "/"
}

// anthropicTurns drops leading assistant turns and merges consecutive turns
// of the same role; the Messages API wants a user turn first and strict
// alternation.
func anthropicTurns(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		role := RoleUser
		if t.Role == RoleAssistant {
			role = RoleAssistant
		}
		if len(out) == 0 && role == RoleAssistant {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + t.Content
			continue
		}
		out = append(out, Turn{Role: role, Content: t.Content})
	}
	return out
}

func (g *AnthropicGenerator) Complete(ctx context.Context, system string, turns []Turn) (*Completion, error) {
	merged := anthropicTurns(turns)
	if len(merged) == 0 {
		return nil, errors.New("anthropic: no user message to answer")
	}

	messages := make([]anthropic.MessageParam, 0, len(merged))
	for _, t := range merged {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(g.model),
		MaxTokens:   int64(g.maxTokens),
		Messages:    messages,
		Temperature: anthropic.Float(g.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			statusErr := &HTTPStatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
			if apiErr.Request != nil {
				statusErr.URL = apiErr.Request.URL.String()
			}
			return nil, statusErr
		}
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	model := string(resp.Model)
	if model == "" {
		model = g.model
	}
	return &Completion{
		Text:   strings.TrimSpace(text.String()),
		Model:  model,
		Tokens: int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}, nil
}
