package edgeclient

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/orion/pkg/protocol"
)

func failureCode(t *testing.T, err error) protocol.ErrorCode {
	t.Helper()
	var failure *ToolFailure
	if !errors.As(err, &failure) {
		t.Fatalf("error %v is not a ToolFailure", err)
	}
	return failure.Code
}

func TestExecutorTools(t *testing.T) {
	want := []string{"create_directory", "get_device_info", "get_running_processes", "list_directory", "read_text_file", "search_files"}
	got := NewLocalExecutor(nil).Tools()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Tools() = %v, want %v", got, want)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	_, err := NewLocalExecutor(nil).Execute(context.Background(), "delete_file", nil)
	if code := failureCode(t, err); code != protocol.CodeToolNotFound {
		t.Errorf("code = %s, want %s", code, protocol.CodeToolNotFound)
	}
}

func TestCreateDirectory(t *testing.T) {
	e := NewLocalExecutor(nil)
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")

	out, err := e.Execute(context.Background(), "create_directory", map[string]any{"path": nested})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.(map[string]any)["created"] != true {
		t.Errorf("result = %v", out)
	}

	out, err = e.Execute(context.Background(), "create_directory", map[string]any{"path": nested})
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if out.(map[string]any)["existed"] != true {
		t.Errorf("second result = %v", out)
	}

	_, err = e.Execute(context.Background(), "create_directory", map[string]any{"path": filepath.Join(root, "x", "y"), "recursive": false})
	if code := failureCode(t, err); code != protocol.CodeToolExecutionFailed {
		t.Errorf("non-recursive code = %s", code)
	}

	file := filepath.Join(root, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = e.Execute(context.Background(), "create_directory", map[string]any{"path": file})
	if code := failureCode(t, err); code != protocol.CodeToolExecutionFailed {
		t.Errorf("file path code = %s", code)
	}
}

func seedTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"Report.TXT":        "quarterly",
		"notes.md":          "# notes",
		"sub/todo.txt":      "ship it",
		"sub/deep/log.txt":  "line",
		"sub/deep/data.bin": "\xff\xfe",
	}
	for name, body := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestListDirectory(t *testing.T) {
	e := NewLocalExecutor(nil)
	root := seedTree(t)

	tests := []struct {
		name      string
		recursive bool
		want      int
	}{
		{"top level", false, 3},
		{"recursive", true, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Execute(context.Background(), "list_directory", map[string]any{"path": root, "recursive": tt.recursive})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got := out.(map[string]any)["count"]; got != tt.want {
				t.Errorf("count = %v, want %d", got, tt.want)
			}
		})
	}
}

func TestListDirectoryTruncates(t *testing.T) {
	e := NewLocalExecutor(nil)
	e.maxEntries = 2
	out, err := e.Execute(context.Background(), "list_directory", map[string]any{"path": seedTree(t), "recursive": true})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	res := out.(map[string]any)
	if res["count"] != 2 || res["truncated"] != true {
		t.Errorf("result = %v", res)
	}
}

func TestSearchFiles(t *testing.T) {
	e := NewLocalExecutor(nil)
	root := seedTree(t)

	tests := []struct {
		name    string
		params  map[string]any
		want    int
		errCode protocol.ErrorCode
	}{
		{"case insensitive glob", map[string]any{"path": root, "pattern": "*.txt"}, 3, ""},
		{"top level only", map[string]any{"path": root, "pattern": "*.txt", "recursive": false}, 1, ""},
		{"no match", map[string]any{"path": root, "pattern": "*.pdf"}, 0, ""},
		{"missing pattern", map[string]any{"path": root}, 0, protocol.CodeInvalidParameters},
		{"bad pattern", map[string]any{"path": root, "pattern": "[a"}, 0, protocol.CodeInvalidParameters},
		{"missing path", map[string]any{"pattern": "*"}, 0, protocol.CodeInvalidParameters},
		{"not a directory", map[string]any{"path": filepath.Join(root, "notes.md"), "pattern": "*"}, 0, protocol.CodeToolExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Execute(context.Background(), "search_files", tt.params)
			if tt.errCode != "" {
				if code := failureCode(t, err); code != tt.errCode {
					t.Errorf("code = %s, want %s", code, tt.errCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got := out.(map[string]any)["count"]; got != tt.want {
				t.Errorf("count = %v, want %d", got, tt.want)
			}
		})
	}
}

func TestSearchFilesHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalExecutor(nil).Execute(ctx, "search_files", map[string]any{"path": seedTree(t), "pattern": "*"})
	if code := failureCode(t, err); code != protocol.CodeTimeout {
		t.Errorf("code = %s, want %s", code, protocol.CodeTimeout)
	}
}

func TestReadTextFile(t *testing.T) {
	e := NewLocalExecutor(nil)
	root := seedTree(t)

	out, err := e.Execute(context.Background(), "read_text_file", map[string]any{"path": filepath.Join(root, "notes.md")})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	res := out.(map[string]any)
	if res["content"] != "# notes" || res["truncated"] != false {
		t.Errorf("result = %v", res)
	}

	e.maxReadBytes = 3
	out, err = e.Execute(context.Background(), "read_text_file", map[string]any{"path": filepath.Join(root, "sub", "todo.txt")})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res := out.(map[string]any); res["content"] != "shi" || res["truncated"] != true {
		t.Errorf("truncated result = %v", res)
	}

	_, err = e.Execute(context.Background(), "read_text_file", map[string]any{"path": filepath.Join(root, "sub", "deep", "data.bin")})
	if code := failureCode(t, err); code != protocol.CodeToolExecutionFailed {
		t.Errorf("binary code = %s", code)
	}

	_, err = e.Execute(context.Background(), "read_text_file", map[string]any{"path": filepath.Join(root, "missing")})
	if code := failureCode(t, err); code != protocol.CodeToolExecutionFailed {
		t.Errorf("missing code = %s", code)
	}
}

func TestBoolParam(t *testing.T) {
	tests := []struct {
		value any
		def   bool
		want  bool
	}{
		{true, false, true},
		{"yes", false, true},
		{"0", true, false},
		{"maybe", true, true},
		{nil, false, false},
		{1, true, true},
	}
	for _, tt := range tests {
		if got := boolParam(map[string]any{"v": tt.value}, "v", tt.def); got != tt.want {
			t.Errorf("boolParam(%v, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}
