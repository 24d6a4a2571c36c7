package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ToolParameter is one top-level property of a tool's input object. Type
// is a JSON schema type name.
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler receives schema-validated params. Its ctx carries the
// ExecutionContext and the batch call id.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext describes the session a call runs for.
type ExecutionContext struct {
	SessionID  string
	WorkingDir string
	// Timeout overrides the 30s default per call.
	Timeout    time.Duration
	ToolPolicy *ToolPolicy
}

type (
	execCtxKey struct{}
	callIDKey  struct{}
)

// WithExecutionContext attaches execCtx so tool handlers can read it.
func WithExecutionContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	return context.WithValue(ctx, execCtxKey{}, execCtx)
}

// ExecutionContextFrom returns the ExecutionContext a handler is running under.
func ExecutionContextFrom(ctx context.Context) (*ExecutionContext, bool) {
	ec, _ := ctx.Value(execCtxKey{}).(*ExecutionContext)
	return ec, ec != nil
}

// CallIDFrom returns the id of the batch call a handler is serving, if any.
func CallIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// ToolResult is the outcome of one call. Failures of any kind are reported
// with Success false and a message in Error.
type ToolResult struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func failure(format string, args ...interface{}) ToolResult {
	return ToolResult{Error: fmt.Sprintf(format, args...)}
}

// Text renders the result as the string fed back to a model.
func (r ToolResult) Text() string {
	if !r.Success {
		return r.Error
	}
	switch out := r.Output.(type) {
	case nil:
		return ""
	case string:
		return out
	case []byte:
		return string(out)
	}
	data, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Sprintf("%v", r.Output)
	}
	return string(data)
}

// Call is one entry of a batch passed to ExecuteAll.
type Call struct {
	ID     string
	Name   string
	Params map[string]interface{}
}

type CallResult struct {
	ID     string
	Name   string
	Result ToolResult
}
