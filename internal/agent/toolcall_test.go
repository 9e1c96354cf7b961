package agent

import (
	"testing"
)

func TestParseToolCall(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantOK   bool
		wantTool string
		wantArgs int
	}{
		{
			name:     "fenced wrapped",
			text:     "Sure.\n```json\n{\"tool_call\": {\"tool_name\": \"create_directory\", \"parameters\": {\"path\": \"C:/Users/a/x\"}}}\n```",
			wantOK:   true,
			wantTool: "create_directory",
			wantArgs: 1,
		},
		{
			name:     "fenced flat",
			text:     "```json\n{\"tool_name\": \"get_device_info\", \"parameters\": {}}\n```",
			wantOK:   true,
			wantTool: "get_device_info",
		},
		{
			name:     "bare wrapped with prose",
			text:     `I'll check. {"tool_call": {"tool_name": "list_directory", "parameters": {"path": "/home/a"}}} One moment.`,
			wantOK:   true,
			wantTool: "list_directory",
			wantArgs: 1,
		},
		{
			name:   "bare flat is not a call",
			text:   `{"tool_name": "get_device_info", "parameters": {}}`,
			wantOK: false,
		},
		{
			name:     "braces inside strings",
			text:     `{"tool_call": {"tool_name": "write_text_file", "parameters": {"path": "/home/a/x.txt", "content": "func() { }"}}}`,
			wantOK:   true,
			wantTool: "write_text_file",
			wantArgs: 2,
		},
		{
			name:     "second fence valid",
			text:     "```json\n{\"note\": 1}\n```\n```json\n{\"tool_call\": {\"tool_name\": \"get_running_processes\", \"parameters\": {}}}\n```",
			wantOK:   true,
			wantTool: "get_running_processes",
		},
		{
			name:     "null parameters",
			text:     `{"tool_call": {"tool_name": "get_device_info", "parameters": null}}`,
			wantOK:   true,
			wantTool: "get_device_info",
		},
		{
			name:   "missing parameters",
			text:   `{"tool_call": {"tool_name": "get_device_info"}}`,
			wantOK: false,
		},
		{
			name:   "empty tool name",
			text:   `{"tool_call": {"tool_name": "  ", "parameters": {}}}`,
			wantOK: false,
		},
		{
			name:   "truncated",
			text:   `{"tool_call": {"tool_name": "get_device_info", "parameters": {`,
			wantOK: false,
		},
		{
			name:   "plain text",
			text:   "Your desktop is at C:/Users/a/Desktop.",
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, ok := ParseToolCall(tt.text)
			if ok != tt.wantOK {
				t.Fatalf("ParseToolCall ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if call.Name != tt.wantTool {
				t.Errorf("tool = %q, want %q", call.Name, tt.wantTool)
			}
			if len(call.Parameters) != tt.wantArgs {
				t.Errorf("params = %v, want %d entries", call.Parameters, tt.wantArgs)
			}
			if call.Parameters == nil {
				t.Error("parameters must not be nil")
			}
		})
	}
}

func TestSplitToolCall(t *testing.T) {
	text := "Creating it.\n```json\n{\"tool_call\": {\"tool_name\": \"get_device_info\", \"parameters\": {}}}\n```\nBack soon."
	prose, call := SplitToolCall(text)
	if call == nil || call.Name != "get_device_info" {
		t.Fatalf("call = %+v", call)
	}
	if prose != "Creating it.\n\nBack soon." {
		t.Errorf("prose = %q", prose)
	}

	plain := "nothing to do"
	prose, call = SplitToolCall(plain)
	if call != nil || prose != plain {
		t.Errorf("plain text changed: %q %+v", prose, call)
	}
}

func TestLooksLikeToolCall(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{`{"tool_call": {`, true},
		{`use tool_name get_device_info`, true},
		{`I will create a folder {path: x}`, true},
		{`I will create a folder for you`, false},
		{`{"answer": 42}`, false},
		{`Hello`, false},
	}
	for _, tt := range tests {
		if got := LooksLikeToolCall(tt.text); got != tt.want {
			t.Errorf("LooksLikeToolCall(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
