package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEncodeStampsType(t *testing.T) {
	data, err := Encode(&ToolExecute{
		ToolCallID: "call-1",
		Tool:       "create_directory",
		Parameters: map[string]any{"path": "C:/Users/njsch/Test"},
		TimeoutSec: 10,
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("encoded frame is not JSON: %v", err)
	}
	if raw["type"] != "tool_execute" {
		t.Errorf("type = %v, want tool_execute", raw["type"])
	}
	if raw["tool_call_id"] != "call-1" {
		t.Errorf("tool_call_id = %v, want call-1", raw["tool_call_id"])
	}
}

func TestEncodeEmptyFrame(t *testing.T) {
	data, err := Encode(&GetTools{})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(data) != `{"type":"get_tools"}` {
		t.Errorf("Encode(GetTools) = %s", data)
	}
}

func TestDecodeDeviceFrames(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, f Frame)
	}{
		{
			name: "register",
			raw:  `{"type":"device_register","device_id":"laptop-123","hostname":"njsch-pc","os":"Windows","os_version":"10.0.26200","capabilities":{"filesystem":true}}`,
			check: func(t *testing.T, f Frame) {
				reg, ok := f.(*DeviceRegister)
				if !ok {
					t.Fatalf("got %T, want *DeviceRegister", f)
				}
				if reg.DeviceID != "laptop-123" || reg.OS != "Windows" {
					t.Errorf("unexpected register frame %+v", reg)
				}
				if reg.Capabilities["filesystem"] != true {
					t.Errorf("capabilities not decoded: %v", reg.Capabilities)
				}
			},
		},
		{
			name: "heartbeat with naive iso timestamp",
			raw:  `{"type":"device_heartbeat","device_id":"laptop-123","timestamp":"2025-01-02T03:04:05.123456"}`,
			check: func(t *testing.T, f Frame) {
				hb := f.(*DeviceHeartbeat)
				want := time.Date(2025, 1, 2, 3, 4, 5, 123456000, time.UTC)
				if !hb.Timestamp.Equal(want) {
					t.Errorf("timestamp = %v, want %v", hb.Timestamp.Time, want)
				}
			},
		},
		{
			name: "tool result with string error",
			raw:  `{"type":"tool_result","device_id":"laptop-123","tool_call_id":"c1","success":false,"error":"disk full"}`,
			check: func(t *testing.T, f Frame) {
				res := f.(*ToolResult)
				if res.Error == nil {
					t.Fatal("expected error to be decoded")
				}
				if res.Error.Code != string(CodeToolExecutionFailed) || res.Error.Message != "disk full" {
					t.Errorf("error = %+v", res.Error)
				}
			},
		},
		{
			name: "tool result with structured error and unix time",
			raw:  `{"type":"tool_result","device_id":"d","tool_call_id":"c2","success":false,"error":{"code":"PERMISSION_DENIED","message":"nope"},"executed_at":1700000000}`,
			check: func(t *testing.T, f Frame) {
				res := f.(*ToolResult)
				if res.Error.Code != "PERMISSION_DENIED" {
					t.Errorf("code = %q", res.Error.Code)
				}
				if res.ExecutedAt.Unix() != 1700000000 {
					t.Errorf("executed_at = %v", res.ExecutedAt.Time)
				}
			},
		},
		{
			name: "event",
			raw:  `{"type":"event","device_id":"d","event_type":"app_closed","severity":"info","data":{"app":"code"}}`,
			check: func(t *testing.T, f Frame) {
				ev := f.(*Event)
				if ev.EventType != "app_closed" || ev.Data["app"] != "code" {
					t.Errorf("event = %+v", ev)
				}
			},
		},
		{
			name: "get tools",
			raw:  `{"type":"get_tools"}`,
			check: func(t *testing.T, f Frame) {
				if _, ok := f.(*GetTools); !ok {
					t.Errorf("got %T, want *GetTools", f)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			tt.check(t, f)
		})
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"not json", `{"type":`, ErrInvalidFrame},
		{"missing type", `{"device_id":"x"}`, ErrInvalidFrame},
		{"unknown type", `{"type":"llm_request"}`, ErrUnknownFrameType},
		{"register without hostname", `{"type":"device_register","device_id":"x"}`, ErrInvalidFrame},
		{"register with empty id", `{"type":"device_register","device_id":"","hostname":"h"}`, ErrInvalidFrame},
		{"tool result without success", `{"type":"tool_result","tool_call_id":"c"}`, ErrInvalidFrame},
		{"heartbeat with bad timestamp", `{"type":"device_heartbeat","device_id":"x","timestamp":"yesterday"}`, ErrInvalidFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestErrorFrameRoundTrip(t *testing.T) {
	data, err := Encode(NewError(CodeUnknownDevice, "register first", map[string]any{"received": "device_heartbeat"}))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(string(data), `"error_code":"UNKNOWN_DEVICE"`) {
		t.Errorf("encoded error frame missing code: %s", data)
	}

	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	ef, ok := f.(*Error)
	if !ok {
		t.Fatalf("got %T, want *Error", f)
	}
	if ef.ErrorCode != CodeUnknownDevice || ef.Timestamp.IsZero() {
		t.Errorf("decoded error frame = %+v", ef)
	}
}

func TestTimestampZeroEncodesNull(t *testing.T) {
	data, err := json.Marshal(HeartbeatAck{})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"timestamp":null}` {
		t.Errorf("got %s", data)
	}
}
