package agent

import (
	"context"

	"github.com/harun/conductor/pkg/toolexecutor"
)

// RegistryExecutor adapts a toolexecutor registry to the ToolExecutor
// interface used by ToolLoop.
type RegistryExecutor struct {
	registry *toolexecutor.ToolExecutor
	execCtx  *toolexecutor.ExecutionContext
}

// NewRegistryExecutor binds registry to one session's execution context.
func NewRegistryExecutor(registry *toolexecutor.ToolExecutor, execCtx *toolexecutor.ExecutionContext) *RegistryExecutor {
	return &RegistryExecutor{registry: registry, execCtx: execCtx}
}

// ExecuteAll implements ToolExecutor.
func (e *RegistryExecutor) ExecuteAll(ctx context.Context, calls []ToolCall) []ToolResult {
	batch := make([]toolexecutor.Call, len(calls))
	for i, c := range calls {
		batch[i] = toolexecutor.Call{ID: c.ID, Name: c.Name, Params: c.Parameters}
	}

	results := e.registry.ExecuteAll(ctx, batch, e.execCtx)

	out := make([]ToolResult, len(results))
	for i, r := range results {
		out[i] = ToolResult{
			ToolCallID: r.ID,
			Name:       r.Name,
			Content:    r.Result.Text(),
			IsError:    !r.Result.Success,
		}
	}
	return out
}

// ToolSpecs converts registered tool definitions into the catalog offered to
// the model. A non-nil policy filters the catalog.
func ToolSpecs(registry *toolexecutor.ToolExecutor, policy *toolexecutor.ToolPolicy) []ToolSpec {
	if registry == nil {
		return nil
	}
	var specs []ToolSpec
	for _, def := range registry.ListTools() {
		if policy != nil && !policy.IsToolAllowed(def.Name) {
			continue
		}
		specs = append(specs, ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: toolexecutor.InputSchema(def),
		})
	}
	return specs
}
