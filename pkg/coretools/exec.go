package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/harun/conductor/pkg/toolexecutor"
)

// maxStreamBytes caps each of stdout and stderr returned to the model.
const maxStreamBytes = 64 * 1024

func execTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "exec",
		Description: "Run a program in the workspace and capture its output. A non-zero exit status is reported, not treated as failure.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Program to run", Required: true},
			{Name: "args", Type: "array", Description: "Program arguments"},
			{Name: "cwd", Type: "string", Description: "Working directory relative to the workspace"},
			{Name: "stdin", Type: "string", Description: "Data written to standard input"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			ws, err := workspaceFor(ctx, opts)
			if err != nil {
				return nil, err
			}
			name, _ := params["command"].(string)
			if name = strings.TrimSpace(name); name == "" {
				return nil, fmt.Errorf("command is required")
			}
			dir := ws.root
			if cwd, _ := params["cwd"].(string); strings.TrimSpace(cwd) != "" {
				if dir, _, err = ws.resolve(cwd); err != nil {
					return nil, err
				}
			}

			if opts.ExecTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.ExecTimeout)
				defer cancel()
			}
			cmd := exec.CommandContext(ctx, name, stringArgs(params["args"])...)
			cmd.Dir = dir
			if in, _ := params["stdin"].(string); in != "" {
				cmd.Stdin = strings.NewReader(in)
			}
			var stdout, stderr bytes.Buffer
			cmd.Stdout, cmd.Stderr = &stdout, &stderr

			start := time.Now()
			code := 0
			if err := cmd.Run(); err != nil {
				var exitErr *exec.ExitError
				if !errors.As(err, &exitErr) {
					return nil, fmt.Errorf("run %s: %w", name, err)
				}
				code = exitErr.ExitCode()
			}

			out, outCut := clip(stdout.String())
			errOut, errCut := clip(stderr.String())
			return map[string]interface{}{
				"stdout":    out,
				"stderr":    errOut,
				"exit_code": code,
				"duration":  time.Since(start).Milliseconds(),
				"truncated": outCut || errCut,
			}, nil
		},
	}
}

func clip(s string) (string, bool) {
	if len(s) <= maxStreamBytes {
		return s, false
	}
	return s[:maxStreamBytes], true
}

func stringArgs(v interface{}) []string {
	items, _ := v.([]interface{})
	args := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			args = append(args, s)
		}
	}
	return args
}
