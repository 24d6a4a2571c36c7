package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultConcurrency = 4
	maxOutputSize      = 10 * 1024
)

type registered struct {
	def    ToolDefinition
	schema *gojsonschema.Schema
}

// ToolExecutor is a concurrency-safe tool registry.
type ToolExecutor struct {
	mu          sync.RWMutex
	tools       map[string]*registered
	concurrency int
}

func New() *ToolExecutor {
	observability.EnsureRegistered()
	return &ToolExecutor{
		tools:       make(map[string]*registered),
		concurrency: defaultConcurrency,
	}
}

// SetConcurrency bounds how many calls of one ExecuteAll batch run at once.
func (te *ToolExecutor) SetConcurrency(n int) {
	te.mu.Lock()
	te.concurrency = max(n, 1)
	te.mu.Unlock()
}

// RegisterTool validates def, compiles its input schema and adds it.
// Names must be unique.
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	if _, dup := te.tools[def.Name]; dup {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	te.tools[def.Name] = &registered{def: def, schema: schema}
	log.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	delete(te.tools, name)
	te.mu.Unlock()
}

// GetTool returns a copy of the named definition, or nil.
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()
	if t := te.tools[name]; t != nil {
		def := t.def
		return &def
	}
	return nil
}

// ListTools returns all registered tool definitions sorted by name.
func (te *ToolExecutor) ListTools() []ToolDefinition {
	te.mu.RLock()
	out := make([]ToolDefinition, 0, len(te.tools))
	for _, t := range te.tools {
		out = append(out, t.def)
	}
	te.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs one call. It never panics and never returns an error: policy
// denials, unknown tools, invalid params, handler failures, panics and
// timeouts all come back as unsuccessful results.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	start := time.Now()
	res := te.execute(ctx, toolName, params, execCtx)
	took := time.Since(start)
	if res.Metadata == nil {
		res.Metadata = map[string]interface{}{}
	}
	res.Metadata["duration"] = took.Milliseconds()

	observability.RecordToolExecution(toolName, took, res.Success)
	log.Debug().Str("tool", toolName).Dur("duration", took).Bool("success", res.Success).Msg("Tool executed")
	return res
}

func (te *ToolExecutor) execute(ctx context.Context, name string, params map[string]interface{}, ec *ExecutionContext) ToolResult {
	if ec != nil && !ec.ToolPolicy.IsToolAllowed(name) {
		log.Warn().Str("tool", name).Str("session_id", ec.SessionID).Msg("Tool execution blocked by policy")
		res := failure("tool '%s' is not allowed by policy", name)
		res.Metadata = map[string]interface{}{"policy_violation": true}
		return res
	}

	te.mu.RLock()
	t := te.tools[name]
	te.mu.RUnlock()
	if t == nil {
		return failure("tool not found: %s", name)
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	if err := checkParams(t.schema, params); err != nil {
		return failure("parameter validation failed: %v", err)
	}

	timeout := defaultTimeout
	if ec != nil && ec.Timeout > 0 {
		timeout = ec.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if ec != nil {
		runCtx = WithExecutionContext(runCtx, ec)
	}

	select {
	case out := <-invoke(runCtx, t.def.Handler, params):
		if out.err != nil {
			return failure("%s", out.err.Error())
		}
		value, cut := truncateOutput(out.value)
		return ToolResult{Success: true, Output: value, Truncated: cut}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return failure("tool execution cancelled")
		}
		log.Warn().Str("tool", name).Dur("timeout", timeout).Msg("Tool execution timeout")
		return failure("tool execution timeout after %v", timeout)
	}
}

type handlerOutcome struct {
	value interface{}
	err   error
}

// invoke runs h on its own goroutine so a handler that ignores ctx cannot
// hold up the caller past the timeout.
func invoke(ctx context.Context, h ToolHandler, params map[string]interface{}) <-chan handlerOutcome {
	ch := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- handlerOutcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, err := h(ctx, params)
		ch <- handlerOutcome{value: v, err: err}
	}()
	return ch
}

// ExecuteAll runs a batch concurrently and returns one result per call, in
// call order. Individual failures are carried in the results.
func (te *ToolExecutor) ExecuteAll(ctx context.Context, calls []Call, execCtx *ExecutionContext) []CallResult {
	te.mu.RLock()
	limit := te.concurrency
	te.mu.RUnlock()

	results := make([]CallResult, len(calls))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, c := range calls {
		g.Go(func() error {
			callCtx := context.WithValue(ctx, callIDKey{}, c.ID)
			results[i] = CallResult{ID: c.ID, Name: c.Name, Result: te.Execute(callCtx, c.Name, c.Params, execCtx)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// truncateOutput caps string outputs at maxOutputSize.
func truncateOutput(output interface{}) (interface{}, bool) {
	s, ok := output.(string)
	if !ok || len(s) <= maxOutputSize {
		return output, false
	}
	return s[:maxOutputSize] + "\n... [output truncated]", true
}
