package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/orion/internal/agent"
)

func sseChunk(content string) string {
	raw, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": content}}},
	})
	return "data: " + string(raw) + "\n\n"
}

func TestConvertToOpenAIMessages(t *testing.T) {
	msgs := convertToOpenAIMessages([]agent.CompletionMessage{
		{Role: agent.RoleUser, Content: "hi"},
		{Role: agent.RoleAssistant, Content: "calling"},
		{Role: agent.RoleTool, Content: "Tool 'x' failed."},
	}, "sys")

	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	want := []string{openai.ChatMessageRoleSystem, openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant, openai.ChatMessageRoleUser}
	for i, role := range want {
		if msgs[i].Role != role {
			t.Errorf("msgs[%d].Role = %q, want %q", i, msgs[i].Role, role)
		}
	}
	if msgs[3].Content != "Tool result:\nTool 'x' failed." {
		t.Errorf("tool content = %q", msgs[3].Content)
	}
}

func TestNewOpenAIProvider(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Error("expected error without key or base url")
	}
	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: "http://localhost:8000/v1"})
	if err != nil {
		t.Fatalf("local server without key: %v", err)
	}
	if p.maxRetries <= 0 || p.retryDelay <= 0 || p.defaultModel == "" {
		t.Errorf("defaults not applied: %+v", p)
	}
	if p.Name() != "openai" {
		t.Errorf("name = %q", p.Name())
	}
}

func TestOpenAIComplete_Streams(t *testing.T) {
	models := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		models <- req.Model
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("Hel"))
		fmt.Fprint(w, sseChunk("lo"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1", DefaultModel: "test-model"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	chunks, err := p.Complete(context.Background(), &agent.CompletionRequest{
		System:   "sys",
		Messages: []agent.CompletionMessage{{Role: agent.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	text, last, err := collect(t, chunks)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "Hello" {
		t.Errorf("text = %q, want Hello", text)
	}
	if last == nil || !last.Done {
		t.Errorf("final chunk = %+v", last)
	}
	if m := <-models; m != "test-model" {
		t.Errorf("model = %q", m)
	}
}

func TestOpenAIComplete_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		reason   FailoverReason
		requests int32
	}{
		{
			name:     "rate limited",
			status:   http.StatusTooManyRequests,
			body:     `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`,
			reason:   FailoverRateLimit,
			requests: 2,
		},
		{
			name:     "bad key",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`,
			reason:   FailoverAuth,
			requests: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			p, err := NewOpenAIProvider(OpenAIConfig{
				APIKey:     "sk-test",
				BaseURL:    srv.URL + "/v1",
				MaxRetries: 2,
				RetryDelay: time.Millisecond,
			})
			if err != nil {
				t.Fatalf("NewOpenAIProvider: %v", err)
			}
			_, err = p.Complete(context.Background(), &agent.CompletionRequest{
				Messages: []agent.CompletionMessage{{Role: agent.RoleUser, Content: "hi"}},
			})
			providerErr, ok := GetProviderError(err)
			if !ok {
				t.Fatalf("err = %v, want ProviderError", err)
			}
			if providerErr.Reason != tt.reason || providerErr.Status != tt.status {
				t.Errorf("reason = %s status = %d", providerErr.Reason, providerErr.Status)
			}
			if hits.Load() != tt.requests {
				t.Errorf("requests = %d, want %d", hits.Load(), tt.requests)
			}
		})
	}
}

func TestWrapOpenAIError(t *testing.T) {
	if wrapOpenAIError(nil, "m") != nil {
		t.Error("nil should stay nil")
	}
	apiErr := &openai.APIError{HTTPStatusCode: 503, Message: "overloaded", Code: "server_error"}
	providerErr, ok := GetProviderError(wrapOpenAIError(apiErr, "m"))
	if !ok || providerErr.Reason != FailoverServerError || providerErr.Message != "overloaded" {
		t.Errorf("unexpected wrap: %+v", providerErr)
	}
	already := NewProviderError("openai", "m", apiErr)
	if wrapOpenAIError(already, "m") != error(already) {
		t.Error("provider errors should pass through")
	}
}

func TestNewProviderFactory(t *testing.T) {
	p, err := New(Config{Model: "llama3.1"})
	if err != nil || p.Name() != "ollama" {
		t.Errorf("default provider = %v, %v", p, err)
	}
	p, err = New(Config{Provider: "OpenAI", APIKey: "sk"})
	if err != nil || p.Name() != "openai" {
		t.Errorf("openai provider = %v, %v", p, err)
	}
	if _, err := New(Config{Provider: "openai"}); err == nil {
		t.Error("openai without key should fail")
	}
	p, err = New(Config{Provider: "anthropic", APIKey: "sk-ant"})
	if err != nil || p.Name() != "anthropic" {
		t.Errorf("anthropic provider = %v, %v", p, err)
	}
	p, err = New(Config{Provider: "gemini", APIKey: "g-key"})
	if err != nil || p.Name() != "google" {
		t.Errorf("google provider = %v, %v", p, err)
	}
	if _, err := New(Config{Provider: "anthropic"}); err == nil {
		t.Error("anthropic without key should fail")
	}
	if _, err := New(Config{Provider: "bard"}); err == nil {
		t.Error("unknown provider should fail")
	}
}
