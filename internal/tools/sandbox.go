package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxFileBytes caps file reads and writes through the built-in tools.
const MaxFileBytes = 10 * 1024 * 1024

// deniedFiles are never readable through tools regardless of location.
var deniedFiles = []string{
	".env",
	"id_rsa",
	"id_ed25519",
	"credentials.json",
}

// Workspace scopes built-in tool filesystem access to one directory tree.
type Workspace struct {
	Root string
}

// NewWorkspace resolves the root to an absolute path.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	return &Workspace{Root: abs}, nil
}

// Resolve validates a requested path against the workspace. Relative paths
// resolve under the root; absolute paths must already be inside it. Symlinks
// are followed before the containment check.
func (w *Workspace) Resolve(requested string) (string, error) {
	if requested == "" {
		return "", fmt.Errorf("path is required")
	}

	path := requested
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.Root, path)
	}
	path = filepath.Clean(path)

	// resolve symlinks on the deepest existing ancestor
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}

	rel, err := filepath.Rel(w.Root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("requested path outside workspace: %s", requested)
	}

	base := filepath.Base(path)
	for _, denied := range deniedFiles {
		if base == denied {
			return "", fmt.Errorf("access to %s is denied", base)
		}
	}
	return path, nil
}

// checkSize rejects files beyond the tool size cap.
func checkSize(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > MaxFileBytes {
		return fmt.Errorf("file too large: %d bytes (limit %d)", info.Size(), MaxFileBytes)
	}
	return nil
}
