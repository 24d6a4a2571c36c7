package coretools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/conductor/pkg/toolexecutor"
)

// workspace confines tool paths to one directory tree.
type workspace struct {
	root string
}

// workspaceFor picks the session's working directory, falling back to the
// configured root.
func workspaceFor(ctx context.Context, opts Options) (workspace, error) {
	if ec, ok := toolexecutor.ExecutionContextFrom(ctx); ok {
		if dir := strings.TrimSpace(ec.WorkingDir); dir != "" {
			return workspace{root: filepath.Clean(dir)}, nil
		}
	}
	if dir := strings.TrimSpace(opts.WorkspaceRoot); dir != "" {
		return workspace{root: filepath.Clean(dir)}, nil
	}
	return workspace{}, fmt.Errorf("workspace root is not configured")
}

// resolve maps a tool supplied path to an absolute path inside the
// workspace and its slash separated relative form.
func (w workspace) resolve(raw interface{}) (abs, rel string, err error) {
	p, _ := raw.(string)
	p = strings.TrimSpace(p)
	switch {
	case p == "":
		return "", "", fmt.Errorf("path is required")
	case strings.Contains(p, "://"):
		return "", "", fmt.Errorf("path must be a local file")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.root, p)
	}
	abs = filepath.Clean(p)

	r, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", "", err
	}
	if r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %q is outside workspace root", raw)
	}
	return abs, filepath.ToSlash(r), nil
}

func resolveIn(ctx context.Context, opts Options, raw interface{}) (string, string, error) {
	ws, err := workspaceFor(ctx, opts)
	if err != nil {
		return "", "", err
	}
	return ws.resolve(raw)
}
