package coretools

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

	"github.com/harun/conductor/pkg/toolexecutor"
)

const defaultReadLimit = 200000

func readFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Default: defaultReadLimit},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			abs, rel, err := resolveIn(ctx, opts, params["path"])
			if err != nil {
				return nil, err
			}
			limit := int64(defaultReadLimit)
			if n, ok := params["max_bytes"].(float64); ok && n > 0 {
				limit = int64(n)
			}
			content, truncated, err := readPrefix(abs, limit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"path": rel, "content": content, "truncated": truncated}, nil
		},
	}
}

// readPrefix returns at most limit bytes of the file and whether more
// followed.
func readPrefix(path string, limit int64) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return "", false, err
	}
	if int64(len(data)) > limit {
		return string(data[:limit]), true, nil
	}
	return string(data), false, nil
}

func listDirTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory. Directories end with a slash.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative directory path (default workspace root)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			dir := params["path"]
			if s, _ := dir.(string); strings.TrimSpace(s) == "" {
				dir = "."
			}
			abs, _, err := resolveIn(ctx, opts, dir)
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(abs)
			if err != nil {
				return nil, err
			}
			names := make([]string, len(entries))
			for i, e := range entries {
				names[i] = e.Name()
				if e.IsDir() {
					names[i] += "/"
				}
			}
			sort.Strings(names)
			return names, nil
		},
	}
}

func writeFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Create or overwrite a file in the workspace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			abs, rel, err := resolveIn(ctx, opts, params["path"])
			if err != nil {
				return nil, err
			}
			content, _ := params["content"].(string)

			prev, err := os.ReadFile(abs)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			if err := apply(ctx, abs, Change{Path: rel, OldText: string(prev), NewText: content}); err != nil {
				return nil, err
			}
			return map[string]interface{}{"path": rel, "bytes": len(content)}, nil
		},
	}
}

func editFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file. Only the first match is replaced unless replace_all is set.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Exact text to find", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace every occurrence"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			abs, rel, err := resolveIn(ctx, opts, params["path"])
			if err != nil {
				return nil, err
			}
			search, _ := params["search"].(string)
			replace, _ := params["replace"].(string)
			all, _ := params["replace_all"].(bool)
			if search == "" {
				return nil, fmt.Errorf("search is required")
			}

			data, err := os.ReadFile(abs)
			if err != nil {
				return nil, err
			}
			before := string(data)
			n := strings.Count(before, search)
			if n == 0 {
				return nil, fmt.Errorf("search text not found in %s", rel)
			}
			if !all {
				n = 1
			}
			after := strings.Replace(before, search, replace, n)

			if err := apply(ctx, abs, Change{Path: rel, OldText: before, NewText: after}); err != nil {
				return nil, err
			}
			return map[string]interface{}{"path": rel, "occurrences": n}, nil
		},
	}
}

// apply passes change through the context's ChangeHook, if any, and writes
// it to abs.
func apply(ctx context.Context, abs string, change Change) error {
	change.ToolCallID = toolexecutor.CallIDFrom(ctx)
	hook := changeHookFrom(ctx)
	if hook != nil {
		ok, err := hook.Review(ctx, change)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("change to %s was rejected", change.Path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(abs, []byte(change.NewText), 0644); err != nil {
		return err
	}
	if hook != nil {
		hook.Applied(ctx, change)
	}
	return nil
}
