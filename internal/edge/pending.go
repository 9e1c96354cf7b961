package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/orion/pkg/protocol"
)

var (
	// ErrTimeout resolves a call whose device did not answer in time.
	ErrTimeout = errors.New("tool execution timed out")

	// ErrDeviceDisconnected resolves calls owned by a session that closed.
	ErrDeviceDisconnected = errors.New("device disconnected")

	// ErrDeviceNotConnected is returned by Dispatch when no live session
	// exists for the device.
	ErrDeviceNotConnected = errors.New("device not connected")

	// ErrCallNotPending is returned when resolving a call that already
	// resolved, timed out or never existed.
	ErrCallNotPending = errors.New("call not pending")

	// ErrForeignResult is returned when a device answers a call that was
	// dispatched to a different device.
	ErrForeignResult = errors.New("result from foreign device")

	// ErrDuplicateCall is returned when registering an id twice.
	ErrDuplicateCall = errors.New("duplicate call id")
)

// ToolError is a failure reported by the device.
type ToolError struct {
	Code    protocol.ErrorCode `json:"code"`
	Message string             `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToolResult is the device's answer to a tool call.
type ToolResult struct {
	CallID     string          `json:"tool_call_id"`
	DeviceID   string          `json:"device_id"`
	Tool       string          `json:"tool"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ToolError      `json:"error,omitempty"`
	ExecutedAt time.Time       `json:"executed_at,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

func resultFromFrame(f *protocol.ToolResult) *ToolResult {
	res := &ToolResult{
		CallID:     f.ToolCallID,
		DeviceID:   f.DeviceID,
		Success:    f.Success,
		Result:     f.Result,
		ExecutedAt: f.ExecutedAt.Time,
	}
	if f.Error != nil {
		res.Error = &ToolError{Code: protocol.ErrorCode(f.Error.Code), Message: f.Error.Message}
	}
	if !res.Success && res.Error == nil {
		res.Error = &ToolError{Code: protocol.CodeToolExecutionFailed, Message: "device reported failure"}
	}
	return res
}

// PendingCall is a dispatched tool call waiting for exactly one outcome.
type PendingCall struct {
	ID           string
	DeviceID     string
	SessionID    string
	Tool         string
	Params       map[string]any
	DispatchedAt time.Time
	Deadline     time.Time

	done    chan outcome
	settled chan struct{}
	timer   *time.Timer
	table *PendingTable
}

type outcome struct {
	result *ToolResult
	err    error
}

// NewCall builds a call with a fresh correlation id.
func NewCall(deviceID, tool string, params map[string]any, timeout time.Duration) *PendingCall {
	now := time.Now()
	return &PendingCall{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		Tool:         tool,
		Params:       params,
		DispatchedAt: now,
		Deadline:     now.Add(timeout),
	}
}

// Wait blocks until the call resolves. Cancelling ctx resolves the call
// with ctx.Err() unless another outcome won first.
func (c *PendingCall) Wait(ctx context.Context) (*ToolResult, error) {
	select {
	case o := <-c.done:
		return o.result, o.err
	case <-ctx.Done():
		_ = c.table.settle(c.ID, "", nil, ctx.Err(), false) //nolint:errcheck
		o := <-c.done
		return o.result, o.err
	}
}

// Settled is closed once the call has an outcome.
func (c *PendingCall) Settled() <-chan struct{} { return c.settled }

// PendingStats is a snapshot of correlation table counters.
type PendingStats struct {
	Pending     int   `json:"pending"`
	Resolved    int64 `json:"resolved"`
	TimedOut    int64 `json:"timed_out"`
	Failed      int64 `json:"failed"`
	LateResults int64 `json:"late_results"`
}

// PendingTable correlates tool_execute frames with tool_result frames.
// Whoever removes an entry from its shard owns the resolution.
type PendingTable struct {
	calls *shardSet[*PendingCall]

	resolved atomic.Int64
	timedOut atomic.Int64
	failed   atomic.Int64
	late     atomic.Int64

	onSettle func(call *PendingCall, res *ToolResult, err error)
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{calls: newShardSet[*PendingCall]()}
}

// Register adds call and arms its timeout at call.Deadline.
func (t *PendingTable) Register(call *PendingCall) (*PendingCall, error) {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.DispatchedAt.IsZero() {
		call.DispatchedAt = time.Now()
	}
	call.done = make(chan outcome, 1)
	call.settled = make(chan struct{})
	call.table = t

	sh := t.calls.get(call.ID)
	sh.mu.Lock()
	if _, exists := sh.m[call.ID]; exists {
		sh.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCall, call.ID)
	}
	sh.m[call.ID] = call
	timeout := time.Until(call.Deadline)
	id := call.ID
	call.timer = time.AfterFunc(timeout, func() {
		err := fmt.Errorf("%w after %s", ErrTimeout, call.Deadline.Sub(call.DispatchedAt).Round(time.Millisecond))
		_ = t.settle(id, "", nil, err, false) //nolint:errcheck
	})
	sh.mu.Unlock()
	return call, nil
}

// Resolve delivers a device result. It returns ErrCallNotPending for late or
// duplicate results and ErrForeignResult when deviceID does not own the call.
func (t *PendingTable) Resolve(id, deviceID string, result *ToolResult) error {
	if err := t.settle(id, deviceID, result, nil, true); err != nil {
		if errors.Is(err, ErrCallNotPending) {
			t.late.Add(1)
		}
		return err
	}
	return nil
}

// Fail resolves a call with err.
func (t *PendingTable) Fail(id string, err error) error {
	return t.settle(id, "", nil, err, false)
}

// FailSession fails every call dispatched through the given session.
func (t *PendingTable) FailSession(sessionID string, err error) int {
	return t.failWhere(func(c *PendingCall) bool { return c.SessionID == sessionID }, err)
}

func (t *PendingTable) failWhere(match func(*PendingCall) bool, err error) int {
	var ids []string
	t.calls.each(func(id string, c *PendingCall) {
		if match(c) {
			ids = append(ids, id)
		}
	})
	n := 0
	for _, id := range ids {
		if t.settle(id, "", nil, err, false) == nil {
			n++
		}
	}
	return n
}

// Len returns the number of unresolved calls.
func (t *PendingTable) Len() int { return t.calls.len() }

// Stats returns counters since creation.
func (t *PendingTable) Stats() PendingStats {
	return PendingStats{
		Pending:     t.Len(),
		Resolved:    t.resolved.Load(),
		TimedOut:    t.timedOut.Load(),
		Failed:      t.failed.Load(),
		LateResults: t.late.Load(),
	}
}

func (t *PendingTable) settle(id, deviceID string, result *ToolResult, err error, checkOwner bool) error {
	sh := t.calls.get(id)
	sh.mu.Lock()
	call, ok := sh.m[id]
	if !ok {
		sh.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallNotPending, id)
	}
	if checkOwner && call.DeviceID != deviceID {
		sh.mu.Unlock()
		return fmt.Errorf("%w: call %s belongs to %s, not %s", ErrForeignResult, id, call.DeviceID, deviceID)
	}
	delete(sh.m, id)
	sh.mu.Unlock()

	call.timer.Stop()
	if result != nil {
		result.Tool = call.Tool
		result.Duration = time.Since(call.DispatchedAt)
		t.resolved.Add(1)
	} else if errors.Is(err, ErrTimeout) {
		t.timedOut.Add(1)
	} else {
		t.failed.Add(1)
	}
	call.done <- outcome{result: result, err: err}
	close(call.settled)

	if t.onSettle != nil {
		t.onSettle(call, result, err)
	}
	return nil
}
