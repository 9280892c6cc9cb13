package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	. "github.com/loopline/agentd/internal/logging"
)

// shellTimeout bounds a single shell tool invocation.
const shellTimeout = 2 * time.Minute

// toolResult renders the built-in result envelope: {"output": ...} with an
// optional metadata object.
func toolResult(output string, metadata map[string]any) string {
	payload := map[string]any{"output": output}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// ReadFileTool reads a file within the workspace.
type ReadFileTool struct {
	ws *Workspace
}

func NewReadFileTool(ws *Workspace) *ReadFileTool { return &ReadFileTool{ws: ws} }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file in the workspace. Returns the full text content."
}

func (t *ReadFileTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"path": map[string]any{"type": "string", "description": "File path, relative to the workspace root"},
	}, "path")
}

func (t *ReadFileTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	path, err := t.ws.Resolve(args.Path)
	if err != nil {
		return "", err
	}
	if err := checkSize(path); err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	if mt := mimetype.Detect(data); !strings.HasPrefix(mt.String(), "text/") && !mt.Is("application/json") && !mt.Is("application/xml") {
		return "", fmt.Errorf("refusing to read binary file (%s)", mt.String())
	}

	L_trace("tools: read_file", "path", args.Path, "bytes", len(data))
	return toolResult(string(data), nil), nil
}

// WriteFileTool writes a file within the workspace, creating parent
// directories as needed.
type WriteFileTool struct {
	ws *Workspace
}

func NewWriteFileTool(ws *Workspace) *WriteFileTool { return &WriteFileTool{ws: ws} }

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, replacing any existing content."
}

func (t *WriteFileTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"path":    map[string]any{"type": "string", "description": "File path, relative to the workspace root"},
		"content": map[string]any{"type": "string", "description": "Content to write"},
	}, "path", "content")
}

func (t *WriteFileTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if len(args.Content) > MaxFileBytes {
		return "", fmt.Errorf("content too large: %d bytes (limit %d)", len(args.Content), MaxFileBytes)
	}

	path, err := t.ws.Resolve(args.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return "", err
	}

	L_debug("tools: write_file", "path", args.Path, "bytes", len(args.Content))
	return toolResult(fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil), nil
}

// ListDirectoryTool lists directory entries within the workspace.
type ListDirectoryTool struct {
	ws *Workspace
}

func NewListDirectoryTool(ws *Workspace) *ListDirectoryTool { return &ListDirectoryTool{ws: ws} }

func (t *ListDirectoryTool) Name() string { return "list_directory" }

func (t *ListDirectoryTool) Description() string {
	return "List the entries of a directory in the workspace. Directories are suffixed with /."
}

func (t *ListDirectoryTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"path": map[string]any{"type": "string", "description": "Directory path, relative to the workspace root. Defaults to the root."},
	})
}

func (t *ListDirectoryTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
	}
	if args.Path == "" {
		args.Path = "."
	}

	path, err := t.ws.Resolve(args.Path)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
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
	return toolResult(strings.Join(names, "\n"), nil), nil
}

// ShellTool runs a command inside the workspace with a hard timeout.
type ShellTool struct {
	ws *Workspace
}

func NewShellTool(ws *Workspace) *ShellTool { return &ShellTool{ws: ws} }

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace directory. Returns combined stdout and stderr."
}

func (t *ShellTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"command": map[string]any{"type": "string", "description": "Command to run with sh -c"},
	}, "command")
}

func (t *ShellTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return "", fmt.Errorf("command is required")
	}

	cctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", args.Command)
	cmd.Dir = t.ws.Root
	out, err := cmd.CombinedOutput()

	const maxOutput = 64 * 1024
	text := string(out)
	if len(text) > maxOutput {
		text = text[:maxOutput] + "\n... (output truncated)"
	}
	if cctx.Err() == context.DeadlineExceeded {
		return text, fmt.Errorf("command timed out after %s", shellTimeout)
	}

	// non-zero exit is still a result; the model sees the output and code
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return text, fmt.Errorf("command failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	L_trace("tools: shell", "command", args.Command, "bytes", len(out), "exit_code", exitCode)
	return toolResult(text, map[string]any{"exit_code": exitCode}), nil
}
