package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/orion/internal/agent"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicConfig configures the Anthropic Messages API provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicProvider implements agent.LLMProvider with anthropic-sdk-go
// streaming. Tool calls stay in-band text, so only text deltas are read.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

var _ agent.LLMProvider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates an Anthropic provider. An API key is required.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}

	// Retries happen here, not inside the SDK, so failures are classified once.
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete streams a message. The stream is opened and its first event read
// before returning, so connection and HTTP errors are returned directly and
// retried like the other providers.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	params := buildAnthropicParams(req, model)

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	err := retry(ctx, p.maxRetries, p.retryDelay, func() error {
		s := p.client.Messages.NewStreaming(ctx, params)
		if s.Next() {
			stream = s
			return nil
		}
		err := s.Err()
		s.Close() //nolint:errcheck
		if err == nil {
			err = errors.New("anthropic: stream closed before the first event")
		}
		return wrapAnthropicError(err, model)
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

// processStream relays text deltas. The stream is already positioned on its
// first event.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close() //nolint:errcheck

	send := func(chunk *agent.CompletionChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var inputTokens, outputTokens int
	for {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				if !send(&agent.CompletionChunk{Text: delta.Text}) {
					return
				}
			}
		case "message_delta":
			if n := event.AsMessageDelta().Usage.OutputTokens; n > 0 {
				outputTokens = int(n)
			}
		case "message_stop":
			send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			return
		case "error":
			send(&agent.CompletionChunk{Error: NewProviderError("anthropic", model, errors.New("anthropic stream error")), Done: true})
			return
		}
		if !stream.Next() {
			break
		}
	}

	if err := stream.Err(); err != nil {
		send(&agent.CompletionChunk{Error: wrapAnthropicError(err, model), Done: true})
		return
	}
	send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

// buildAnthropicParams maps the request onto the Messages API. System-role
// history is folded into the system prompt and tool results become user
// turns; adjacent turns with the same role are merged because the API
// expects user and assistant to alternate.
func buildAnthropicParams(req *agent.CompletionRequest, model string) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature != 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}

	var system []anthropic.TextBlockParam
	if req.System != "" {
		system = append(system, anthropic.TextBlockParam{Type: "text", Text: req.System})
	}

	var (
		messages []anthropic.MessageParam
		lastRole string
		blocks   []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if lastRole == agent.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
		blocks = nil
	}
	for _, msg := range req.Messages {
		text := msg.Content
		role := agent.RoleUser
		switch msg.Role {
		case agent.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Type: "text", Text: msg.Content})
			continue
		case agent.RoleAssistant:
			role = agent.RoleAssistant
		case agent.RoleTool:
			text = "Tool result:\n" + msg.Content
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if role != lastRole {
			flush()
			lastRole = role
		}
		blocks = append(blocks, anthropic.NewTextBlock(text))
	}
	flush()

	params.System = system
	params.Messages = messages
	return params
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func wrapAnthropicError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	providerErr := NewProviderError("anthropic", model, err)
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return providerErr
	}
	if apiErr.StatusCode != 0 {
		providerErr.WithStatus(apiErr.StatusCode)
	}
	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			providerErr.Message = payload.Error.Message
		}
		if payload.Error.Type != "" {
			providerErr.WithCode(payload.Error.Type)
		}
	}
	return providerErr
}
