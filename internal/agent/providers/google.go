package providers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/orion/internal/agent"
)

const defaultGoogleModel = "gemini-2.0-flash"

// GoogleConfig configures the Gemini provider.
type GoogleConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// GoogleProvider implements agent.LLMProvider on the Gemini API through
// google.golang.org/genai.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

var _ agent.LLMProvider = (*GoogleProvider)(nil)

// NewGoogleProvider creates a Gemini provider. An API key is required.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = defaultGoogleModel
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.HTTPOptions.BaseURL = strings.TrimRight(baseURL, "/") + "/"
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// Name returns the provider name.
func (p *GoogleProvider) Name() string {
	return "google"
}

// Complete streams generated content. Like the Anthropic provider, the first
// response is pulled before returning so request errors can be retried.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	contents := convertToGeminiContents(req.Messages)
	config := buildGeminiConfig(req)

	var (
		next  func() (*genai.GenerateContentResponse, error, bool)
		stop  func()
		first *genai.GenerateContentResponse
	)
	err := retry(ctx, p.maxRetries, p.retryDelay, func() error {
		n, s := iter.Pull2(p.client.Models.GenerateContentStream(ctx, model, contents, config))
		resp, err, ok := n()
		if err != nil {
			s()
			return wrapGoogleError(err, model)
		}
		if !ok {
			s()
			return NewProviderError("google", model, errors.New("google: empty stream"))
		}
		next, stop, first = n, s, resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, first, next, stop, chunks, model)
	return chunks, nil
}

func (p *GoogleProvider) processStream(
	ctx context.Context,
	resp *genai.GenerateContentResponse,
	next func() (*genai.GenerateContentResponse, error, bool),
	stop func(),
	chunks chan<- *agent.CompletionChunk,
	model string,
) {
	defer close(chunks)
	defer stop()

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
		if resp != nil {
			if resp.UsageMetadata != nil {
				inputTokens = int(resp.UsageMetadata.PromptTokenCount)
				outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if text := geminiText(resp); text != "" {
				if !send(&agent.CompletionChunk{Text: text}) {
					return
				}
			}
		}
		var (
			err error
			ok  bool
		)
		resp, err, ok = next()
		if err != nil {
			send(&agent.CompletionChunk{Error: wrapGoogleError(err, model), Done: true})
			return
		}
		if !ok {
			break
		}
	}
	send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

func geminiText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil {
				b.WriteString(part.Text)
			}
		}
		// Only the first candidate is used.
		break
	}
	return b.String()
}

// convertToGeminiContents maps history onto Gemini roles. Gemini has no
// system or tool role in contents, so both are sent as user text.
func convertToGeminiContents(messages []agent.CompletionMessage) []*genai.Content {
	result := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		content := &genai.Content{Role: genai.RoleUser}
		text := msg.Content
		switch msg.Role {
		case agent.RoleAssistant:
			content.Role = genai.RoleModel
		case agent.RoleTool:
			text = "Tool result:\n" + msg.Content
		case agent.RoleSystem:
			text = "System note:\n" + msg.Content
		}
		content.Parts = []*genai.Part{{Text: text}}
		result = append(result, content)
	}
	return result
}

func buildGeminiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if req.Temperature != 0 {
		t := req.Temperature
		config.Temperature = &t
	}
	return config
}

func wrapGoogleError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	// genai reports HTTP failures as "Error <code>, Message: ..., Status: ...".
	providerErr := NewProviderError("google", model, err)
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission_denied"):
		providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "404") || strings.Contains(msg, "not_found"):
		providerErr.WithStatus(http.StatusNotFound)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted"):
		providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid_argument"):
		providerErr.WithStatus(http.StatusBadRequest)
	case strings.Contains(msg, "503") || strings.Contains(msg, "unavailable"):
		providerErr.WithStatus(http.StatusServiceUnavailable)
	case strings.Contains(msg, "500") || strings.Contains(msg, "internal"):
		providerErr.WithStatus(http.StatusInternalServerError)
	}
	return providerErr
}
