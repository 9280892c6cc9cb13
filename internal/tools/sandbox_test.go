package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

func TestWorkspaceResolve(t *testing.T) {
	ws := testWorkspace(t)

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"relative inside", "sub/file.txt", ""},
		{"dot", ".", ""},
		{"traversal", "../outside.txt", "outside workspace"},
		{"deep traversal", "a/../../etc/passwd", "outside workspace"},
		{"absolute outside", "/etc/passwd", "outside workspace"},
		{"denied file", ".env", "denied"},
		{"empty", "", "required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ws.Resolve(tt.path)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

// decodeResult unwraps the built-in result envelope.
func decodeResult(t *testing.T, raw string) (string, map[string]any) {
	t.Helper()
	var payload struct {
		Output   string         `json:"output"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("result %q is not the JSON envelope: %v", raw, err)
	}
	return payload.Output, payload.Metadata
}

func TestReadWriteRoundTrip(t *testing.T) {
	ws := testWorkspace(t)
	ctx := context.Background()

	write := NewWriteFileTool(ws)
	raw, err := write.Execute(ctx, json.RawMessage(`{"path":"notes/todo.txt","content":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	out, _ := decodeResult(t, raw)
	if !strings.Contains(out, "5 bytes") {
		t.Errorf("out = %q", out)
	}

	read := NewReadFileTool(ws)
	raw, err = read.Execute(ctx, json.RawMessage(`{"path":"notes/todo.txt"}`))
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := decodeResult(t, raw); got != "hello" {
		t.Errorf("got %q", got)
	}
}

func TestReadFileRejectsBinary(t *testing.T) {
	ws := testWorkspace(t)
	bin := []byte{0x7f, 'E', 'L', 'F', 0x02, 0x01, 0x01, 0x00, 0x00, 0x00}
	if err := os.WriteFile(filepath.Join(ws.Root, "prog"), bin, 0o644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(ws)
	if _, err := read.Execute(context.Background(), json.RawMessage(`{"path":"prog"}`)); err == nil {
		t.Fatal("expected binary rejection")
	}
}

func TestListDirectory(t *testing.T) {
	ws := testWorkspace(t)
	os.MkdirAll(filepath.Join(ws.Root, "pkg"), 0o755)
	os.WriteFile(filepath.Join(ws.Root, "main.go"), []byte("package main"), 0o644)

	list := NewListDirectoryTool(ws)
	raw, err := list.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out, _ := decodeResult(t, raw); out != "main.go\npkg/" {
		t.Errorf("out = %q", out)
	}
}

func TestShellToolRunsInWorkspace(t *testing.T) {
	ws := testWorkspace(t)
	os.WriteFile(filepath.Join(ws.Root, "marker"), nil, 0o644)

	shell := NewShellTool(ws)
	raw, err := shell.Execute(context.Background(), json.RawMessage(`{"command":"ls"}`))
	if err != nil {
		t.Fatal(err)
	}
	out, meta := decodeResult(t, raw)
	if !strings.Contains(out, "marker") {
		t.Errorf("out = %q", out)
	}
	if meta["exit_code"] != float64(0) {
		t.Errorf("exit_code = %v", meta["exit_code"])
	}
}

func TestShellToolReportsExitCode(t *testing.T) {
	ws := testWorkspace(t)

	shell := NewShellTool(ws)
	raw, err := shell.Execute(context.Background(), json.RawMessage(`{"command":"echo oops >&2; exit 3"}`))
	if err != nil {
		t.Fatalf("non-zero exit should still yield a result: %v", err)
	}
	out, meta := decodeResult(t, raw)
	if !strings.Contains(out, "oops") {
		t.Errorf("out = %q", out)
	}
	if meta["exit_code"] != float64(3) {
		t.Errorf("exit_code = %v", meta["exit_code"])
	}
}
