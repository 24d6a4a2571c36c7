package coretools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/conductor/pkg/toolexecutor"
)

// PermissionTools lists the tools that need an explicit grant before they run
// in a session that asks for approval.
var PermissionTools = []string{"exec"}

// Change is one whole-file edit produced by write_file or edit_file.
type Change struct {
	ToolCallID string
	Path       string // workspace relative, slash separated
	OldText    string
	NewText    string
}

// ChangeHook observes file edits. Review runs before the write and may veto
// it; Applied runs after a successful write.
type ChangeHook interface {
	Review(ctx context.Context, change Change) (bool, error)
	Applied(ctx context.Context, change Change)
}

type hookKey struct{}

// WithChangeHook attaches hook to ctx for the write tools.
func WithChangeHook(ctx context.Context, hook ChangeHook) context.Context {
	return context.WithValue(ctx, hookKey{}, hook)
}

func changeHookFrom(ctx context.Context) ChangeHook {
	hook, _ := ctx.Value(hookKey{}).(ChangeHook)
	return hook
}

type Options struct {
	// WorkspaceRoot is used when the call's ExecutionContext has no
	// WorkingDir.
	WorkspaceRoot string
	// ExecTimeout bounds a single exec call. Zero means only the caller's
	// context applies.
	ExecTimeout time.Duration
}

// RegisterCoreTools adds read_file, list_dir, write_file, edit_file and exec
// to executor.
func RegisterCoreTools(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}
	for _, def := range []toolexecutor.ToolDefinition{
		readFileTool(opts),
		listDirTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		execTool(opts),
	} {
		if err := executor.RegisterTool(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}
