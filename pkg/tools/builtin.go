package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"
)

// RegisterBuiltins adds the default tool set to the registry.
func RegisterBuiltins(r *Registry) {
	r.Register(&ListFilesTool{})
	r.Register(&ReadFileTool{})
	r.Register(&WriteFileTool{})
	r.Register(&BashExecuteTool{})
}

func stringParam(params map[string]interface{}, name string) string {
	if v, ok := params[name].(string); ok {
		return v
	}
	return ""
}

// ListFilesTool lists the entries of a directory.
type ListFilesTool struct{}

// Name implements Tool.
func (t *ListFilesTool) Name() string { return "list_files" }

// Schema implements Tool.
func (t *ListFilesTool) Schema() Schema {
	return Schema{Params: []ParamSpec{
		{Name: "path", Kind: ParamString, Required: true},
	}}
}

// Invoke implements Tool.
func (t *ListFilesTool) Invoke(_ context.Context, params map[string]interface{}) Result {
	start := time.Now()
	path := stringParam(params, "path")

	entries, err := os.ReadDir(path)
	if err != nil {
		return failureWithDuration(ErrorKindExecution, StatusError,
			fmt.Sprintf("failed to list %s: %v", path, err), start)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return Result{
		Success:  true,
		Status:   StatusSuccess,
		Output:   map[string]interface{}{"path": path, "entries": names, "count": len(names)},
		Duration: time.Since(start),
	}
}

// ReadFileTool reads a file as text.
type ReadFileTool struct{}

// Name implements Tool.
func (t *ReadFileTool) Name() string { return "read_file" }

// Schema implements Tool.
func (t *ReadFileTool) Schema() Schema {
	return Schema{Params: []ParamSpec{
		{Name: "path", Kind: ParamString, Required: true},
	}}
}

// Invoke implements Tool.
func (t *ReadFileTool) Invoke(_ context.Context, params map[string]interface{}) Result {
	start := time.Now()
	path := stringParam(params, "path")

	data, err := os.ReadFile(path)
	if err != nil {
		return failureWithDuration(ErrorKindExecution, StatusError,
			fmt.Sprintf("failed to read %s: %v", path, err), start)
	}

	return Result{
		Success:  true,
		Status:   StatusSuccess,
		Output:   map[string]interface{}{"path": path, "content": string(data), "size": len(data)},
		Duration: time.Since(start),
	}
}

// WriteFileTool writes text content to a file, creating parent directories.
type WriteFileTool struct{}

// Name implements Tool.
func (t *WriteFileTool) Name() string { return "write_file" }

// Schema implements Tool.
func (t *WriteFileTool) Schema() Schema {
	return Schema{Params: []ParamSpec{
		{Name: "path", Kind: ParamString, Required: true},
		{Name: "content", Kind: ParamString, Required: true},
		{Name: "append", Kind: ParamBool, Required: false},
	}}
}

// Invoke implements Tool.
func (t *WriteFileTool) Invoke(_ context.Context, params map[string]interface{}) Result {
	start := time.Now()
	path := stringParam(params, "path")
	content := stringParam(params, "content")
	doAppend, _ := params["append"].(bool)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return failureWithDuration(ErrorKindExecution, StatusError,
				fmt.Sprintf("failed to create parent directory for %s: %v", path, err), start)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if doAppend {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return failureWithDuration(ErrorKindExecution, StatusError,
			fmt.Sprintf("failed to open %s: %v", path, err), start)
	}
	_, err = f.WriteString(content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return failureWithDuration(ErrorKindExecution, StatusError,
			fmt.Sprintf("failed to write %s: %v", path, err), start)
	}

	return Result{
		Success:  true,
		Status:   StatusSuccess,
		Output:   map[string]interface{}{"path": path, "bytes_written": len(content)},
		Duration: time.Since(start),
	}
}

// BashExecuteTool runs a shell command line and captures its output.
type BashExecuteTool struct {
	// Shell is the shell binary, /bin/sh when empty.
	Shell string

	// WorkDir is the working directory for commands, inherited when empty.
	WorkDir string
}

// Name implements Tool.
func (t *BashExecuteTool) Name() string { return "bash_execute" }

// Schema implements Tool.
func (t *BashExecuteTool) Schema() Schema {
	return Schema{Params: []ParamSpec{
		{Name: "command", Kind: ParamString, Required: true},
		{Name: "workdir", Kind: ParamString, Required: false},
	}}
}

// Invoke implements Tool.
func (t *BashExecuteTool) Invoke(ctx context.Context, params map[string]interface{}) Result {
	start := time.Now()
	command := stringParam(params, "command")

	shell := t.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	if workdir := stringParam(params, "workdir"); workdir != "" {
		cmd.Dir = workdir
	} else if t.WorkDir != "" {
		cmd.Dir = t.WorkDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	output := map[string]interface{}{
		"command":  command,
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
		"duration": duration.Seconds(),
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{
				Success:      false,
				Status:       StatusTimeout,
				Output:       output,
				ErrorMessage: fmt.Sprintf("command timed out: %s", command),
				Kind:         ErrorKindTimeout,
				Duration:     duration,
			}
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			output["exit_code"] = exitErr.ExitCode()
			return Result{
				Success:      false,
				Status:       StatusError,
				Output:       output,
				ErrorMessage: fmt.Sprintf("command exited with code %d", exitErr.ExitCode()),
				ErrorCode:    fmt.Sprintf("exit_%d", exitErr.ExitCode()),
				Kind:         ErrorKindExecution,
				Duration:     duration,
			}
		}

		return Result{
			Success:      false,
			Status:       StatusError,
			Output:       output,
			ErrorMessage: fmt.Sprintf("failed to execute command: %v", err),
			Kind:         ErrorKindExecution,
			Duration:     duration,
		}
	}

	output["exit_code"] = 0
	return Result{
		Success:  true,
		Status:   StatusSuccess,
		Output:   output,
		Duration: duration,
	}
}

func failureWithDuration(kind ErrorKind, status ResultStatus, message string, start time.Time) Result {
	res := Failure(kind, status, message)
	res.Duration = time.Since(start)
	return res
}
