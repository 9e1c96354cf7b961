// Package agent runs the tool-calling conversation loop: it prompts a
// language model with the tool catalog, extracts tool calls from the reply,
// passes them through the permission gate and parameter validation, dispatches
// them to the device and feeds the results back until the model answers in
// plain text.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/orion/internal/devices"
	"github.com/haasonsaas/orion/internal/edge"
	"github.com/haasonsaas/orion/internal/tools/catalog"
	"github.com/haasonsaas/orion/internal/tools/policy"
	"github.com/haasonsaas/orion/pkg/protocol"
)

// Answers used when the model gives nothing usable.
const (
	limitFallbackAnswer = "I could not finish this request within the allowed number of tool calls."
	emptyFallbackAnswer = "I don't have a response for that."
)

// Dispatcher executes a tool call on a connected device.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID, tool string, params map[string]any, timeout time.Duration) (*edge.ToolResult, error)
}

// DeviceLookup returns the current snapshot of a device.
type DeviceLookup interface {
	Lookup(id string) (devices.Device, error)
}

// LoopConfig configures the tool-calling loop.
type LoopConfig struct {
	// Model overrides the provider's default model.
	Model string

	// MaxToolCalls bounds tool call detections per turn.
	// Default: 5
	MaxToolCalls int

	// ToolTimeout is passed to every dispatch.
	// Default: 10s
	ToolTimeout time.Duration

	// MaxTokens is forwarded to the provider when positive.
	MaxTokens int

	// StrictRetry re-prompts once when a reply looks like a broken tool call.
	// Default: true
	StrictRetry bool
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxToolCalls: 5,
		ToolTimeout:  10 * time.Second,
		StrictRetry:  true,
	}
}

func (c LoopConfig) withDefaults() LoopConfig {
	d := DefaultLoopConfig()
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = d.MaxToolCalls
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.MaxTokens < 0 {
		c.MaxTokens = 0
	}
	return c
}

// ToolCallRecord describes one detected tool call and its outcome.
type ToolCallRecord struct {
	Iteration  int             `json:"iteration"`
	Tool       string          `json:"tool"`
	Parameters map[string]any  `json:"parameters"`
	Verdict    policy.Verdict  `json:"verdict"`
	Dispatched bool            `json:"dispatched"`
	CallID     string          `json:"tool_call_id,omitempty"`
	Success    bool            `json:"success"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Duration   time.Duration   `json:"duration"`
	Output     string          `json:"-"`
}

// TurnResult is the outcome of one conversation turn.
type TurnResult struct {
	ConversationID string           `json:"conversation_id"`
	Answer         string           `json:"answer"`
	ToolCalls      []ToolCallRecord `json:"tool_calls"`
	Iterations     int              `json:"iterations"`
	LimitExceeded  bool             `json:"iteration_limit_exceeded"`
}

// Option configures a Loop.
type Option func(*Loop)

// WithPolicy sets the source of the gate configuration. It is called once per
// tool call so reloaded policy applies to the next call.
func WithPolicy(fn func() policy.Config) Option {
	return func(l *Loop) {
		if fn != nil {
			l.policy = fn
		}
	}
}

// WithToolObserver registers a callback for every tool call record.
func WithToolObserver(fn func(deviceID string, rec ToolCallRecord)) Option {
	return func(l *Loop) { l.observe = fn }
}

// Loop drives conversation turns.
//
//	prompting ──▶ streaming ──▶ tool_detected ──▶ awaiting_result
//	    ▲             │              │                  │
//	    │             ▼              │ (denied)         │
//	    │           done             ▼                  │
//	    └─────────────────── tool message ◀─────────────┘
type Loop struct {
	provider   LLMProvider
	catalog    *catalog.Catalog
	devices    DeviceLookup
	dispatcher Dispatcher
	config     LoopConfig
	system     string
	policy     func() policy.Config
	observe    func(string, ToolCallRecord)
	logger     *slog.Logger
}

// NewLoop creates a loop. The system prompt is rendered from cat once.
func NewLoop(provider LLMProvider, cat *catalog.Catalog, lookup DeviceLookup, dispatcher Dispatcher, config LoopConfig, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cat == nil {
		cat = catalog.Default()
	}
	l := &Loop{
		provider:   provider,
		catalog:    cat,
		devices:    lookup,
		dispatcher: dispatcher,
		config:     config.withDefaults(),
		system:     SystemPrompt(cat),
		policy:     policy.DefaultConfig,
		logger:     logger.With("component", "agent.loop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Loop) Config() LoopConfig { return l.config }

// SystemPrompt returns the rendered system prompt.
func (l *Loop) SystemPrompt() string { return l.system }

// Run executes one turn of conv with the user's message. Model failures end
// the turn with a *LoopError; gate denials and device failures are fed back
// to the model instead.
func (l *Loop) Run(ctx context.Context, conv *Conversation, message string) (*TurnResult, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if conv == nil {
		return nil, errors.New("conversation is nil")
	}

	conv.Append(CompletionMessage{Role: RoleUser, Content: message})
	result := &TurnResult{ConversationID: conv.ID, ToolCalls: []ToolCallRecord{}}
	logger := l.logger.With("conversation_id", conv.ID, "device_id", conv.DeviceID)

	var lastText string
	retried := false
	for {
		result.Iterations++
		iter := result.Iterations

		text, err := l.complete(ctx, conv.Messages(), iter)
		if err != nil {
			return nil, err
		}

		prose, call := SplitToolCall(text)
		if call == nil && l.config.StrictRetry && !retried && LooksLikeToolCall(text) {
			retried = true
			logger.Debug("reply looks like a malformed tool call; retrying strictly", "iteration", iter)
			strict := append(conv.Messages(),
				CompletionMessage{Role: RoleAssistant, Content: text},
				CompletionMessage{Role: RoleUser, Content: StrictRetryInstruction},
			)
			retryText, err := l.complete(ctx, strict, iter)
			if err != nil {
				return nil, err
			}
			if retryProse, retryCall := SplitToolCall(retryText); retryCall != nil {
				text, prose, call = retryText, retryProse, retryCall
			}
		}

		if call == nil {
			answer := strings.TrimSpace(text)
			if answer == "" {
				answer = lastText
			}
			if answer == "" {
				answer = emptyFallbackAnswer
			}
			conv.Append(CompletionMessage{Role: RoleAssistant, Content: answer})
			result.Answer = answer
			logger.Debug("turn complete", "phase", PhaseDone, "iterations", iter, "tool_calls", len(result.ToolCalls))
			return result, nil
		}

		if prose != "" {
			lastText = prose
		}
		if len(result.ToolCalls) >= l.config.MaxToolCalls {
			result.LimitExceeded = true
			answer := lastText
			if answer == "" {
				answer = limitFallbackAnswer
			}
			conv.Append(CompletionMessage{Role: RoleAssistant, Content: answer})
			result.Answer = answer
			logger.Warn("tool call limit reached",
				"phase", PhaseDone,
				"limit", l.config.MaxToolCalls,
				"tool", call.Name,
				"error", ErrIterationLimit,
			)
			return result, nil
		}

		conv.Append(CompletionMessage{Role: RoleAssistant, Content: text})
		rec, err := l.execute(ctx, conv.DeviceID, call, iter)
		if err != nil {
			return nil, err
		}
		result.ToolCalls = append(result.ToolCalls, rec)
		if l.observe != nil {
			l.observe(conv.DeviceID, rec)
		}
		conv.Append(CompletionMessage{Role: RoleTool, Content: rec.Output})
	}
}

// complete runs one model call and returns the concatenated text.
func (l *Loop) complete(ctx context.Context, msgs []CompletionMessage, iter int) (string, error) {
	req := &CompletionRequest{
		Model:     l.config.Model,
		System:    l.system,
		Messages:  msgs,
		MaxTokens: l.config.MaxTokens,
	}
	chunks, err := l.provider.Complete(ctx, req)
	if err != nil {
		return "", &LoopError{Phase: PhasePrompting, Iteration: iter, Message: "model request failed", Cause: err}
	}

	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			go drain(chunks)
			return "", &LoopError{Phase: PhaseStreaming, Iteration: iter, Cause: ctx.Err()}
		case chunk, ok := <-chunks:
			if !ok {
				return text.String(), nil
			}
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				go drain(chunks)
				return "", &LoopError{Phase: PhaseStreaming, Iteration: iter, Cause: chunk.Error}
			}
			text.WriteString(chunk.Text)
			if chunk.Done {
				go drain(chunks)
				return text.String(), nil
			}
		}
	}
}

func drain(chunks <-chan *CompletionChunk) {
	for range chunks {
	}
}

// execute gates, validates and dispatches one call. Only cancellation of
// ctx is returned as an error.
func (l *Loop) execute(ctx context.Context, deviceID string, call *ToolCall, iter int) (ToolCallRecord, error) {
	rec := ToolCallRecord{
		Iteration:  iter,
		Tool:       call.Name,
		Parameters: call.Parameters,
	}
	logger := l.logger.With("device_id", deviceID, "tool", call.Name, "iteration", iter)

	dev, err := l.devices.Lookup(deviceID)
	if err != nil {
		rec.Code = string(protocol.CodeUnknownDevice)
		rec.Message = err.Error()
		rec.Output = FormatToolFailure(call.Name, rec.Code, rec.Message)
		return rec, nil
	}

	rec.Verdict = policy.Authorize(l.catalog, l.policy(), dev, call.Name, call.Parameters)
	if !rec.Verdict.Allowed {
		rec.Code = string(rec.Verdict.Code)
		rec.Message = rec.Verdict.Reason
		rec.Output = FormatToolFailure(call.Name, rec.Code, rec.Message)
		logger.Info("tool call denied", "phase", PhaseToolDetected, "code", rec.Code, "reason", rec.Message)
		return rec, nil
	}

	tool, _ := l.catalog.Lookup(call.Name)
	params, err := PrepareParams(tool, call.Parameters)
	if err != nil {
		rec.Verdict = policy.Deny(policy.CodeInvalidParameters, "%s", err.Error())
		rec.Code = string(policy.CodeInvalidParameters)
		rec.Message = err.Error()
		rec.Output = FormatToolFailure(call.Name, rec.Code, rec.Message)
		logger.Info("tool call rejected", "phase", PhaseToolDetected, "error", err)
		return rec, nil
	}
	rec.Parameters = params

	rec.Dispatched = true
	start := time.Now()
	res, err := l.dispatcher.Dispatch(ctx, deviceID, call.Name, params, l.config.ToolTimeout)
	rec.Duration = time.Since(start)
	if err != nil && ctx.Err() != nil {
		return rec, &LoopError{Phase: PhaseAwaitingResult, Iteration: iter, Cause: ctx.Err()}
	}
	rec.Output = FormatToolResult(call.Name, res, err)
	switch {
	case err != nil:
		rec.Code = failureCode(err)
		rec.Message = err.Error()
	case res == nil:
		rec.Code = CodeTimeout
	default:
		rec.CallID = res.CallID
		rec.Success = res.Success
		rec.Result = res.Result
		if res.Error != nil {
			rec.Code = string(res.Error.Code)
			rec.Message = res.Error.Message
		}
	}
	logger.Info("tool call finished",
		"phase", PhaseAwaitingResult,
		"success", rec.Success,
		"code", rec.Code,
		"duration", rec.Duration,
	)
	return rec, nil
}

// PrepareParams validates params for an authorized call and applies
// defaults.
func PrepareParams(tool *catalog.Tool, params map[string]any) (map[string]any, error) {
	return tool.Validate(withoutUndeclaredConfirm(tool, params))
}

// withoutUndeclaredConfirm drops the confirmation token when the tool's
// schema has no such parameter. Device risk overrides can demand a token
// from any tool, and the schema would otherwise reject it.
func withoutUndeclaredConfirm(tool *catalog.Tool, params map[string]any) map[string]any {
	if _, ok := params[policy.ConfirmParam]; !ok {
		return params
	}
	for _, p := range tool.Params() {
		if p.Name == policy.ConfirmParam {
			return params
		}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k != policy.ConfirmParam {
			out[k] = v
		}
	}
	return out
}
