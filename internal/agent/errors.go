package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/orion/internal/edge"
	"github.com/haasonsaas/orion/pkg/protocol"
)

// Common sentinel errors for agent operations
var (
	// ErrIterationLimit indicates a turn detected more tool calls than allowed.
	// It is recorded on the turn result rather than returned.
	ErrIterationLimit = errors.New("tool call limit exceeded")

	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrEmptyMessage indicates a turn was started without user input
	ErrEmptyMessage = errors.New("message is empty")

	// ErrEmptyResponse indicates the model closed its stream without text
	ErrEmptyResponse = errors.New("model returned an empty response")
)

// Failure codes reported to the model for dispatch errors that did not come
// from the device itself.
const (
	CodeTimeout            = "TIMEOUT"
	CodeDeviceDisconnected = "DEVICE_DISCONNECTED"
)

// failureCode maps a dispatch error to the code shown to the model.
func failureCode(err error) string {
	var toolErr *edge.ToolError
	switch {
	case errors.As(err, &toolErr):
		return string(toolErr.Code)
	case errors.Is(err, edge.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, edge.ErrDeviceDisconnected), errors.Is(err, edge.ErrDeviceNotConnected):
		return CodeDeviceDisconnected
	default:
		return string(protocol.CodeToolExecutionFailed)
	}
}

// LoopError represents an error that occurred during the tool-calling loop
// with context about which phase and iteration the error occurred in.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase LoopPhase

	// Iteration is the loop iteration where the error occurred
	Iteration int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase represents a distinct phase in the loop lifecycle.
type LoopPhase string

const (
	// PhasePrompting builds the request and calls the model
	PhasePrompting LoopPhase = "prompting"

	// PhaseStreaming consumes model chunks
	PhaseStreaming LoopPhase = "streaming"

	// PhaseToolDetected runs the gate and parameter validation
	PhaseToolDetected LoopPhase = "tool_detected"

	// PhaseAwaitingResult waits for the device to answer a dispatch
	PhaseAwaitingResult LoopPhase = "awaiting_result"

	// PhaseDone is terminal
	PhaseDone LoopPhase = "done"
)
