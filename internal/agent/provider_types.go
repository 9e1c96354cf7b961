package agent

import (
	"context"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of one API (Ollama, OpenAI-compatible
// servers) while presenting a unified streaming interface to the loop.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple conversations may
// call Complete simultaneously.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The channel
	// is closed by the provider after the final chunk.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string
}

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// CompletionRequest contains all parameters for an LLM completion request.
//
// Tool calls travel in-band: the system prompt describes the JSON call format
// and results come back as tool-role messages, so providers need no native
// function-calling support.
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider's default
	// model is used.
	Model string `json:"model"`

	// System is the system prompt, including the tool catalog.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// MaxTokens limits the generated response. Zero means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is passed through when non-zero.
	Temperature float32 `json:"temperature,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
//
// Role values: "user", "assistant", "tool"
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
//
// Processing Example:
//
//	for chunk := range chunks {
//	    if chunk.Error != nil {
//	        return chunk.Error
//	    }
//	    text.WriteString(chunk.Text)
//	    if chunk.Done {
//	        break
//	    }
//	}
type CompletionChunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// Done indicates this is the final chunk.
	Done bool `json:"done,omitempty"`

	// Error contains any error that occurred during streaming.
	Error error `json:"-"`

	// InputTokens is the prompt token count, reported on the final chunk
	// when the provider supplies it.
	InputTokens int `json:"input_tokens,omitempty"`

	// OutputTokens is the generated token count, reported on the final chunk.
	OutputTokens int `json:"output_tokens,omitempty"`
}
