// Package protocol defines the JSON frames exchanged between the Orion core
// and device agents over a websocket.
//
// Every frame is a single JSON object whose "type" field selects the payload
// shape. Frame is a closed interface: only the types declared in this package
// implement it, so a type switch over Frame covers the whole protocol.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FrameType is the value of the "type" discriminator.
type FrameType string

const (
	// Device to core.
	TypeDeviceRegister  FrameType = "device_register"
	TypeDeviceHeartbeat FrameType = "device_heartbeat"
	TypeToolResult      FrameType = "tool_result"
	TypeEvent           FrameType = "event"
	TypeGetTools        FrameType = "get_tools"

	// Core to device.
	TypeToolExecute      FrameType = "tool_execute"
	TypeSystemCommand    FrameType = "system_command"
	TypeDeviceRegistered FrameType = "device_registered"
	TypeHeartbeatAck     FrameType = "heartbeat_ack"
	TypeToolsList        FrameType = "tools_list"
	TypeError            FrameType = "error"
)

// ErrorCode is the machine-readable code carried by error frames and failed
// tool results.
type ErrorCode string

const (
	CodeInvalidMessage      ErrorCode = "INVALID_MESSAGE"
	CodeUnknownDevice       ErrorCode = "UNKNOWN_DEVICE"
	CodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	CodeToolNotFound        ErrorCode = "TOOL_NOT_FOUND"
	CodeToolExecutionFailed ErrorCode = "TOOL_EXECUTION_FAILED"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeInvalidParameters   ErrorCode = "INVALID_PARAMETERS"
)

// System commands sent to devices.
const (
	CommandReregister = "reregister"
	CommandDisconnect = "disconnect"
)

var (
	// ErrUnknownFrameType is returned by Decode for an unrecognized discriminator.
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrInvalidFrame is returned by Decode when a frame is not well-formed.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Frame is implemented by every frame in the protocol.
type Frame interface {
	FrameType() FrameType
	frame()
}

// DeviceRegister announces a device and its attributes.
type DeviceRegister struct {
	DeviceID     string         `json:"device_id"`
	Hostname     string         `json:"hostname"`
	OS           string         `json:"os"`
	OSVersion    string         `json:"os_version,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// DeviceHeartbeat keeps a registered device alive.
type DeviceHeartbeat struct {
	DeviceID  string         `json:"device_id"`
	Timestamp Timestamp      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToolResult reports the outcome of a tool_execute frame.
type ToolResult struct {
	DeviceID   string          `json:"device_id"`
	ToolCallID string          `json:"tool_call_id"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ToolError      `json:"error,omitempty"`
	ExecutedAt Timestamp       `json:"executed_at"`
}

// ToolError describes a failed tool execution.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UnmarshalJSON accepts either an object or a bare error string.
func (e *ToolError) UnmarshalJSON(data []byte) error {
	var msg string
	if err := json.Unmarshal(data, &msg); err == nil {
		e.Code = string(CodeToolExecutionFailed)
		e.Message = msg
		return nil
	}
	type plain ToolError
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = ToolError(p)
	return nil
}

// Event is an unsolicited notification from a device.
type Event struct {
	DeviceID  string         `json:"device_id"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp Timestamp      `json:"timestamp"`
}

// GetTools asks the core for the tool catalog.
type GetTools struct{}

// ToolExecute asks a device to run a tool.
type ToolExecute struct {
	ToolCallID string         `json:"tool_call_id"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	TimeoutSec float64        `json:"timeout_sec"`
}

// SystemCommand instructs a device to take a session-level action.
type SystemCommand struct {
	Command string `json:"command"`
	Reason  string `json:"reason,omitempty"`
}

// Permissions mirrors the device permission record on the wire.
type Permissions struct {
	AllowedTools []string `json:"allowed_tools"`
	AllowedPaths []string `json:"allowed_paths"`
	AllowedApps  []string `json:"allowed_apps"`
}

// DeviceRegistered acknowledges a registration.
type DeviceRegistered struct {
	DeviceID    string      `json:"device_id"`
	Permissions Permissions `json:"permissions"`
}

// HeartbeatAck acknowledges a heartbeat.
type HeartbeatAck struct {
	Timestamp Timestamp `json:"timestamp"`
}

// ToolInfo describes one catalog entry in a tools_list frame.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Dangerous   bool            `json:"dangerous,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolsList answers get_tools.
type ToolsList struct {
	Tools      []ToolInfo `json:"tools"`
	Count      int        `json:"count"`
	Categories []string   `json:"categories"`
}

// Error reports a rejected frame or request.
type Error struct {
	ErrorCode ErrorCode      `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp Timestamp      `json:"timestamp"`
}

func (DeviceRegister) FrameType() FrameType   { return TypeDeviceRegister }
func (DeviceHeartbeat) FrameType() FrameType  { return TypeDeviceHeartbeat }
func (ToolResult) FrameType() FrameType       { return TypeToolResult }
func (Event) FrameType() FrameType            { return TypeEvent }
func (GetTools) FrameType() FrameType         { return TypeGetTools }
func (ToolExecute) FrameType() FrameType      { return TypeToolExecute }
func (SystemCommand) FrameType() FrameType    { return TypeSystemCommand }
func (DeviceRegistered) FrameType() FrameType { return TypeDeviceRegistered }
func (HeartbeatAck) FrameType() FrameType     { return TypeHeartbeatAck }
func (ToolsList) FrameType() FrameType        { return TypeToolsList }
func (Error) FrameType() FrameType            { return TypeError }

func (DeviceRegister) frame()   {}
func (DeviceHeartbeat) frame()  {}
func (ToolResult) frame()       {}
func (Event) frame()            {}
func (GetTools) frame()         {}
func (ToolExecute) frame()      {}
func (SystemCommand) frame()    {}
func (DeviceRegistered) frame() {}
func (HeartbeatAck) frame()     {}
func (ToolsList) frame()        {}
func (Error) frame()            {}

// NewError builds an error frame stamped with the current time.
func NewError(code ErrorCode, message string, details map[string]any) *Error {
	return &Error{
		ErrorCode: code,
		Message:   message,
		Details:   details,
		Timestamp: Now(),
	}
}

// Encode marshals a frame with its "type" discriminator.
func Encode(f Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.FrameType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s does not encode as an object", ErrInvalidFrame, f.FrameType())
	}

	var b strings.Builder
	b.Grow(len(body) + 32)
	b.WriteString(`{"type":`)
	b.WriteString(strconv.Quote(string(f.FrameType())))
	if len(body) > 2 {
		b.WriteByte(',')
		b.Write(body[1:])
	} else {
		b.WriteByte('}')
	}
	return []byte(b.String()), nil
}

// PeekType returns the discriminator of a raw frame without decoding the rest.
func PeekType(raw []byte) (FrameType, error) {
	var env struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	return env.Type, nil
}

// Decode parses a raw frame into its concrete type. Frames sent by devices are
// validated against their JSON Schema first.
func Decode(raw []byte) (Frame, error) {
	ft, err := PeekType(raw)
	if err != nil {
		return nil, err
	}
	if err := validateFrame(ft, raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFrame, ft, err)
	}

	var f Frame
	switch ft {
	case TypeDeviceRegister:
		f, err = decodeInto[DeviceRegister](raw)
	case TypeDeviceHeartbeat:
		f, err = decodeInto[DeviceHeartbeat](raw)
	case TypeToolResult:
		f, err = decodeInto[ToolResult](raw)
	case TypeEvent:
		f, err = decodeInto[Event](raw)
	case TypeGetTools:
		f = &GetTools{}
	case TypeToolExecute:
		f, err = decodeInto[ToolExecute](raw)
	case TypeSystemCommand:
		f, err = decodeInto[SystemCommand](raw)
	case TypeDeviceRegistered:
		f, err = decodeInto[DeviceRegistered](raw)
	case TypeHeartbeatAck:
		f, err = decodeInto[HeartbeatAck](raw)
	case TypeToolsList:
		f, err = decodeInto[ToolsList](raw)
	case TypeError:
		f, err = decodeInto[Error](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, ft)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFrame, ft, err)
	}
	return f, nil
}

func decodeInto[T any, PT interface {
	*T
	Frame
}](raw []byte) (Frame, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return PT(&v), nil
}

// Timestamp is a time that tolerates the formats devices actually send:
// RFC 3339, naive ISO 8601 without a zone (read as UTC), and unix seconds.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp{Time: time.Now().UTC()}
}

// At wraps t.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if s != "" && s[0] != '"' {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		whole := int64(secs)
		t.Time = time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
		return nil
	}
	str, err := strconv.Unquote(s)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if parsed, err := time.Parse(time.RFC3339Nano, str); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, str, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", str)
}

// MarshalJSON implements json.Marshaler. The zero time encodes as null.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
