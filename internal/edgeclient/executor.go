package edgeclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/orion/pkg/protocol"
)

// Executor runs tool calls on the device.
type Executor interface {
	Execute(ctx context.Context, tool string, params map[string]any) (any, error)
	Tools() []string
}

// ToolFailure is a failure with a protocol error code.
type ToolFailure struct {
	Code    protocol.ErrorCode
	Message string
}

func (f *ToolFailure) Error() string { return fmt.Sprintf("%s: %s", f.Code, f.Message) }

func failf(code protocol.ErrorCode, format string, args ...any) error {
	return &ToolFailure{Code: code, Message: fmt.Sprintf(format, args...)}
}

const (
	defaultMaxReadBytes = 1 << 20
	defaultMaxEntries   = 1000
	defaultMaxProcesses = 50
)

// LocalExecutor implements the read-mostly tool subset a reference device
// runs: directory creation, listing and search, text reads, device info and
// the process list. Destructive tools are not implemented.
type LocalExecutor struct {
	system       *SystemCollector
	maxReadBytes int64
	maxEntries   int
}

// NewLocalExecutor returns an executor backed by system.
func NewLocalExecutor(system *SystemCollector) *LocalExecutor {
	if system == nil {
		system = NewSystemCollector()
	}
	return &LocalExecutor{
		system:       system,
		maxReadBytes: defaultMaxReadBytes,
		maxEntries:   defaultMaxEntries,
	}
}

type toolFunc func(e *LocalExecutor, ctx context.Context, params map[string]any) (any, error)

var localTools = map[string]toolFunc{
	"create_directory":      (*LocalExecutor).createDirectory,
	"list_directory":        (*LocalExecutor).listDirectory,
	"search_files":          (*LocalExecutor).searchFiles,
	"read_text_file":        (*LocalExecutor).readTextFile,
	"get_device_info":       (*LocalExecutor).deviceInfo,
	"get_running_processes": (*LocalExecutor).runningProcesses,
}

// Tools lists the tools this executor implements.
func (e *LocalExecutor) Tools() []string {
	names := make([]string, 0, len(localTools))
	for name := range localTools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs tool with params.
func (e *LocalExecutor) Execute(ctx context.Context, tool string, params map[string]any) (any, error) {
	fn, ok := localTools[tool]
	if !ok {
		return nil, failf(protocol.CodeToolNotFound, "tool %q is not available on this device", tool)
	}
	if params == nil {
		params = map[string]any{}
	}
	return fn(e, ctx, params)
}

// FileEntry describes one directory entry.
type FileEntry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	IsDir    bool      `json:"is_dir"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func (e *LocalExecutor) createDirectory(_ context.Context, params map[string]any) (any, error) {
	path, err := pathParam(params, "path")
	if err != nil {
		return nil, err
	}
	if st, err := os.Stat(path); err == nil {
		if !st.IsDir() {
			return nil, failf(protocol.CodeToolExecutionFailed, "%s exists and is not a directory", path)
		}
		return map[string]any{"path": path, "created": false, "existed": true}, nil
	}
	if boolParam(params, "recursive", true) {
		err = os.MkdirAll(path, 0o755)
	} else {
		err = os.Mkdir(path, 0o755)
	}
	if err != nil {
		return nil, failf(protocol.CodeToolExecutionFailed, "create %s: %v", path, err)
	}
	return map[string]any{"path": path, "created": true}, nil
}

func (e *LocalExecutor) listDirectory(ctx context.Context, params map[string]any) (any, error) {
	root, err := pathParam(params, "path")
	if err != nil {
		return nil, err
	}
	recursive := boolParam(params, "recursive", false)
	entries, truncated, err := e.walk(ctx, root, recursive, func(fs.DirEntry) bool { return true })
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": root, "entries": entries, "count": len(entries), "truncated": truncated}, nil
}

func (e *LocalExecutor) searchFiles(ctx context.Context, params map[string]any) (any, error) {
	root, err := pathParam(params, "path")
	if err != nil {
		return nil, err
	}
	pattern, _ := params["pattern"].(string)
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return nil, failf(protocol.CodeInvalidParameters, "parameter %q is required", "pattern")
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, failf(protocol.CodeInvalidParameters, "invalid pattern %q: %v", pattern, err)
	}
	match := func(d fs.DirEntry) bool {
		ok, _ := filepath.Match(pattern, strings.ToLower(d.Name()))
		return ok
	}
	matches, truncated, err := e.walk(ctx, root, boolParam(params, "recursive", true), match)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": root, "pattern": pattern, "matches": matches, "count": len(matches), "truncated": truncated}, nil
}

// walk collects entries under root that keep accepts, stopping at the entry
// limit.
func (e *LocalExecutor) walk(ctx context.Context, root string, recursive bool, keep func(fs.DirEntry) bool) ([]FileEntry, bool, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, false, failf(protocol.CodeToolExecutionFailed, "stat %s: %v", root, err)
	}
	if !st.IsDir() {
		return nil, false, failf(protocol.CodeToolExecutionFailed, "%s is not a directory", root)
	}

	out := []FileEntry{}
	errLimit := errors.New("limit reached")
	truncated := false
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			// Unreadable subtrees are skipped.
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		if keep(d) {
			if len(out) >= e.maxEntries {
				truncated = true
				return errLimit
			}
			entry := FileEntry{Name: d.Name(), Path: path, IsDir: d.IsDir()}
			if info, err := d.Info(); err == nil {
				entry.Size = info.Size()
				entry.Modified = info.ModTime().UTC()
			}
			out = append(out, entry)
		}
		if d.IsDir() && !recursive {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, false, failf(protocol.CodeTimeout, "walk of %s did not finish in time", root)
		}
		return nil, false, failf(protocol.CodeToolExecutionFailed, "walk %s: %v", root, err)
	}
	return out, truncated, nil
}

func (e *LocalExecutor) readTextFile(_ context.Context, params map[string]any) (any, error) {
	path, err := pathParam(params, "path")
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, failf(protocol.CodeToolExecutionFailed, "open %s: %v", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, e.maxReadBytes+1))
	if err != nil {
		return nil, failf(protocol.CodeToolExecutionFailed, "read %s: %v", path, err)
	}
	truncated := int64(len(data)) > e.maxReadBytes
	if truncated {
		data = data[:e.maxReadBytes]
	}
	if !utf8.Valid(data) {
		return nil, failf(protocol.CodeToolExecutionFailed, "%s is not a UTF-8 text file", path)
	}
	return map[string]any{"path": path, "content": string(data), "size": len(data), "truncated": truncated}, nil
}

func (e *LocalExecutor) deviceInfo(ctx context.Context, params map[string]any) (any, error) {
	info, err := e.system.DeviceInfo(ctx, boolParam(params, "include_hardware", true))
	if err != nil {
		return nil, failf(protocol.CodeToolExecutionFailed, "%v", err)
	}
	return info, nil
}

func (e *LocalExecutor) runningProcesses(ctx context.Context, _ map[string]any) (any, error) {
	procs, err := e.system.Processes(ctx, defaultMaxProcesses)
	if err != nil {
		return nil, failf(protocol.CodeToolExecutionFailed, "%v", err)
	}
	return map[string]any{"processes": procs, "count": len(procs)}, nil
}

func pathParam(params map[string]any, name string) (string, error) {
	raw, _ := params[name].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", failf(protocol.CodeInvalidParameters, "parameter %q must be a non-empty path", name)
	}
	return filepath.Clean(filepath.FromSlash(raw)), nil
}

func boolParam(params map[string]any, name string, def bool) bool {
	switch v := params[name].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return def
}
