package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// LoopEventType identifies a ToolLoop event
type LoopEventType string

const (
	// EventContentDelta carries one streamed text fragment.
	EventContentDelta LoopEventType = "content_delta"
	// EventContent carries the full text of a non-streamed model response.
	EventContent        LoopEventType = "content"
	EventToolCalls      LoopEventType = "tool_calls"
	EventToolResults    LoopEventType = "tool_results"
	EventComplete       LoopEventType = "complete"
	EventIterationLimit LoopEventType = "iteration_limit"
	EventRetry          LoopEventType = "retry"
)

// LoopEvent is emitted synchronously by ToolLoop as the turn progresses.
type LoopEvent struct {
	Type        LoopEventType
	Iteration   int
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	State       *IterationState
	Retry       *RetryInfo
}

// ToolExecutor runs a batch of tool calls and returns one result per call, in
// order. Failures are reported as results with IsError set, never as errors.
type ToolExecutor interface {
	ExecuteAll(ctx context.Context, calls []ToolCall) []ToolResult
}

// LoopConfig holds ToolLoop configuration
type LoopConfig struct {
	Provider LLMProvider
	Tools    ToolExecutor
	Retrier  Retrier
	Logger   zerolog.Logger

	// MaxIterations caps model round trips per Run; 0 means unbounded.
	MaxIterations int

	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	ToolChoice   string

	// Stream uses LLMProvider.Stream for requests that offer no tools.
	Stream bool
}

// ToolLoop drives model call, tool execution and result submission until
// the model answers without tool calls or the iteration cap is reached.
type ToolLoop struct {
	cfg LoopConfig
}

// Outcome is the result of Run or Resume. Exactly one of Completed or State
// is meaningful: a completed turn carries the final Content and the full
// conversation; a paused turn carries the continuation State.
type Outcome struct {
	Content   string
	Messages  []Message
	Completed bool
	State     *IterationState
	Usage     TokenUsage
}

// NewToolLoop creates a new tool loop
func NewToolLoop(cfg LoopConfig) (*ToolLoop, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.MaxIterations < 0 {
		return nil, fmt.Errorf("max iterations must be >= 0")
	}
	cfg.Retrier.Logger = cfg.Logger
	observability.EnsureRegistered()
	return &ToolLoop{cfg: cfg}, nil
}

// Run starts a turn over messages with the given model and tool catalog.
func (l *ToolLoop) Run(ctx context.Context, messages []Message, model string, tools []ToolSpec, emit func(LoopEvent)) (*Outcome, error) {
	state := IterationState{
		Messages: append([]Message(nil), messages...),
		Model:    model,
		Tools:    tools,
	}
	return l.run(ctx, state, l.cfg.MaxIterations, emit)
}

// Resume continues a paused turn for up to budget more iterations. A
// non-positive budget uses the configured MaxIterations.
func (l *ToolLoop) Resume(ctx context.Context, state IterationState, budget int, emit func(LoopEvent)) (*Outcome, error) {
	if budget <= 0 {
		budget = l.cfg.MaxIterations
	}
	limit := 0
	if budget > 0 {
		limit = state.Iteration + budget
	}
	return l.run(ctx, state.Clone(), limit, emit)
}

func (l *ToolLoop) run(ctx context.Context, state IterationState, limit int, emit func(LoopEvent)) (*Outcome, error) {
	if emit == nil {
		emit = func(LoopEvent) {}
	}
	provider := l.cfg.Provider.Provider()
	logger := tracing.LoggerFromContext(ctx, l.cfg.Logger)
	out := &Outcome{}

	for iteration := state.Iteration; limit == 0 || iteration < limit; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		observability.RecordLoopIteration(provider)

		response, err := l.step(ctx, state, iteration, emit)
		if err != nil {
			return nil, err
		}
		out.Usage.Add(response.Usage)

		state.Content += response.Content

		if len(response.ToolCalls) == 0 {
			state.Messages = append(state.Messages, Message{Role: RoleAssistant, Content: response.Content})
			emit(LoopEvent{Type: EventComplete, Iteration: iteration, Content: state.Content})
			out.Content = state.Content
			out.Messages = state.Messages
			out.Completed = true
			return out, nil
		}

		emit(LoopEvent{Type: EventToolCalls, Iteration: iteration, ToolCalls: response.ToolCalls})
		state.Messages = append(state.Messages, Message{
			Role:      RoleAssistant,
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		results := l.execute(ctx, response.ToolCalls)
		emit(LoopEvent{Type: EventToolResults, Iteration: iteration, ToolResults: results})
		for _, result := range results {
			state.Messages = append(state.Messages, Message{
				Role:       RoleTool,
				Content:    result.Content,
				ToolCallID: result.ToolCallID,
				IsError:    result.IsError,
			})
		}

		state.Iteration = iteration + 1
	}

	logger.Info().
		Int("iteration", state.Iteration).
		Str("provider", provider).
		Msg("Tool loop reached iteration cap")
	observability.RecordIterationLimit(provider)

	paused := state.Clone()
	emit(LoopEvent{Type: EventIterationLimit, Iteration: paused.Iteration, Content: paused.Content, State: &paused})
	out.Content = paused.Content
	out.State = &paused
	return out, nil
}

// step performs one model call, with retry, and emits the response text.
func (l *ToolLoop) step(ctx context.Context, state IterationState, iteration int, emit func(LoopEvent)) (*LLMResponse, error) {
	provider := l.cfg.Provider.Provider()
	ctx, span := tracing.StartSpan(ctx, "conductor.agent", "agent.iteration",
		attribute.Int("iteration", iteration),
		attribute.String("provider", provider),
		attribute.String("model", state.Model),
	)
	defer span.End()

	request := LLMRequest{
		Model:        state.Model,
		Messages:     state.Messages,
		Tools:        state.Tools,
		ToolChoice:   l.cfg.ToolChoice,
		Temperature:  l.cfg.Temperature,
		MaxTokens:    l.cfg.MaxTokens,
		SystemPrompt: l.cfg.SystemPrompt,
	}
	streaming := l.cfg.Stream && len(state.Tools) == 0

	call := func(ctx context.Context) (*LLMResponse, error) {
		start := time.Now()
		var (
			resp *LLMResponse
			err  error
		)
		if streaming {
			delivered := false
			resp, err = l.cfg.Provider.Stream(ctx, request, func(text string) {
				delivered = delivered || text != ""
				emit(LoopEvent{Type: EventContentDelta, Iteration: iteration, Content: text})
			})
			if err != nil && delivered {
				err = fmt.Errorf("%w: %w", ErrStreamInterrupted, err)
			}
		} else {
			resp, err = l.cfg.Provider.Call(ctx, request)
		}
		observability.RecordModelCall(provider, time.Since(start), err == nil)
		return resp, err
	}

	response, err := Do(ctx, l.cfg.Retrier, call, func(info RetryInfo) {
		observability.RecordModelCallRetry(provider)
		emit(LoopEvent{Type: EventRetry, Iteration: iteration, Retry: &info})
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	span.SetAttributes(attribute.Int("tool_calls", len(response.ToolCalls)))
	if response.Content != "" && !streaming {
		emit(LoopEvent{Type: EventContent, Iteration: iteration, Content: response.Content})
	}
	return response, nil
}

// execute runs the requested tools and guarantees one result per call.
func (l *ToolLoop) execute(ctx context.Context, calls []ToolCall) []ToolResult {
	ctx, span := tracing.StartSpan(ctx, "conductor.agent", "agent.tools",
		attribute.Int("tool_calls", len(calls)),
	)
	defer span.End()

	var results []ToolResult
	if l.cfg.Tools != nil {
		results = l.cfg.Tools.ExecuteAll(ctx, calls)
	}

	byID := make(map[string]ToolResult, len(results))
	for _, r := range results {
		byID[r.ToolCallID] = r
	}

	out := make([]ToolResult, len(calls))
	for i, call := range calls {
		r, ok := byID[call.ID]
		if !ok {
			r = ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("tool %s produced no result", call.Name), IsError: true}
		}
		if r.Name == "" {
			r.Name = call.Name
		}
		out[i] = r
	}
	return out
}
