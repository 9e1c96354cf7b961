package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolCall is a tool invocation extracted from model text.
type ToolCall struct {
	Name       string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// intentPhrases mark text that announces an action. Together with an opening
// brace they suggest a tool call the model failed to format.
var intentPhrases = []string{
	"create a folder",
	"create folder",
	"make a folder",
	"create directory",
	"make directory",
	"read file",
	"read content",
	"write file",
	"write content",
	"copy file",
	"list files",
	"search files",
	"move file",
	"delete file",
	"operating system",
	"what os",
	"which os",
	"os am i",
	"open app",
	"open application",
	"close app",
	"close application",
	"launch",
	"quit",
	"start",
}

// ParseToolCall extracts the first tool call from model output. Fenced
// ```json blocks are tried first; they accept both the wrapped form
// {"tool_call":{"tool_name":...,"parameters":{...}}} and the flat form
// {"tool_name":...,"parameters":{...}}. Bare objects elsewhere in the text
// are only accepted in the wrapped form.
func ParseToolCall(text string) (*ToolCall, bool) {
	call, _, _, ok := locateToolCall(text)
	return call, ok
}

// SplitToolCall returns the text surrounding the first tool call and the
// call itself. Without a call the text is returned unchanged.
func SplitToolCall(text string) (string, *ToolCall) {
	call, start, end, ok := locateToolCall(text)
	if !ok {
		return text, nil
	}
	return strings.TrimSpace(text[:start] + text[end:]), call
}

// LooksLikeToolCall reports whether text appears to attempt a tool call,
// whether or not it parses.
func LooksLikeToolCall(text string) bool {
	if strings.Contains(text, `"tool_call"`) || strings.Contains(text, "tool_name") {
		return true
	}
	if !strings.Contains(text, "{") {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range intentPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func locateToolCall(text string) (*ToolCall, int, int, bool) {
	for _, m := range fencePattern.FindAllStringSubmatchIndex(text, -1) {
		if call, ok := decodeToolCall(text[m[2]:m[3]], true); ok {
			return call, m[0], m[1], true
		}
	}

	for _, span := range topLevelObjects(text) {
		obj := text[span[0]:span[1]]
		if !strings.Contains(obj, "tool_call") {
			continue
		}
		if call, ok := decodeToolCall(obj, false); ok {
			return call, span[0], span[1], true
		}
	}
	return nil, 0, 0, false
}

func decodeToolCall(raw string, allowFlat bool) (*ToolCall, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false
	}
	body, wrapped := doc["tool_call"]
	if wrapped {
		doc = nil
		if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
			return nil, false
		}
	} else if !allowFlat {
		return nil, false
	}

	var name string
	if err := json.Unmarshal(doc["tool_name"], &name); err != nil {
		return nil, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}
	rawParams, ok := doc["parameters"]
	if !ok {
		return nil, false
	}
	var params map[string]any
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, false
	}
	if params == nil {
		params = map[string]any{}
	}
	return &ToolCall{Name: name, Parameters: params}, true
}

// topLevelObjects returns the byte spans of balanced top-level {...} groups.
// Braces inside JSON strings are ignored.
func topLevelObjects(text string) [][2]int {
	var (
		spans    [][2]int
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				spans = append(spans, [2]int{start, i + 1})
				start = -1
			}
		}
	}
	return spans
}
