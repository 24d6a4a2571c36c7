package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider returns queued responses (or errors) in order.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []scriptedStep
	requests []LLMRequest
	streamed int
}

type scriptedStep struct {
	resp *LLMResponse
	err  error
	// partial is streamed before err is returned.
	partial string
}

func (p *scriptedProvider) pop(req LLMRequest) scriptedStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.steps) == 0 {
		return scriptedStep{err: fmt.Errorf("script exhausted")}
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step
}

func (p *scriptedProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	step := p.pop(req)
	return step.resp, step.err
}

func (p *scriptedProvider) Stream(ctx context.Context, req LLMRequest, onDelta func(string)) (*LLMResponse, error) {
	step := p.pop(req)
	if step.partial != "" {
		onDelta(step.partial)
	}
	resp, err := step.resp, step.err
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.streamed++
	p.mu.Unlock()
	for _, r := range resp.Content {
		onDelta(string(r))
	}
	return resp, nil
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func toolRound(text, id string) scriptedStep {
	return scriptedStep{resp: &LLMResponse{
		Content:   text,
		ToolCalls: []ToolCall{{ID: id, Name: "lookup", Parameters: map[string]interface{}{"q": id}}},
	}}
}

func textRound(text string) scriptedStep {
	return scriptedStep{resp: &LLMResponse{Content: text}}
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls [][]ToolCall
	fail  map[string]bool
}

func (e *recordingExecutor) ExecuteAll(ctx context.Context, calls []ToolCall) []ToolResult {
	e.mu.Lock()
	e.calls = append(e.calls, calls)
	e.mu.Unlock()
	out := make([]ToolResult, len(calls))
	for i, c := range calls {
		if e.fail[c.Name] {
			out[i] = ToolResult{ToolCallID: c.ID, Content: "boom", IsError: true}
			continue
		}
		out[i] = ToolResult{ToolCallID: c.ID, Content: "result-" + c.ID}
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []LoopEvent
}

func (l *eventLog) emit(ev LoopEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []LoopEventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LoopEventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func newTestLoop(t *testing.T, p LLMProvider, exec ToolExecutor, maxIterations int) *ToolLoop {
	t.Helper()
	loop, err := NewToolLoop(LoopConfig{
		Provider:      p,
		Tools:         exec,
		Retrier:       Retrier{MaxAttempts: 3, sleep: noSleep},
		Logger:        zerolog.Nop(),
		MaxIterations: maxIterations,
	})
	require.NoError(t, err)
	return loop
}

func noSleep(context.Context, time.Duration) error { return nil }

func userTurn(text string) []Message {
	return []Message{{Role: RoleUser, Content: text}}
}

var lookupTool = []ToolSpec{{Name: "lookup", Description: "look things up", InputSchema: map[string]interface{}{"type": "object"}}}

func TestNewToolLoop(t *testing.T) {
	t.Run("should require a provider", func(t *testing.T) {
		_, err := NewToolLoop(LoopConfig{})
		assert.Error(t, err)
	})

	t.Run("should reject negative cap", func(t *testing.T) {
		_, err := NewToolLoop(LoopConfig{Provider: &scriptedProvider{}, MaxIterations: -1})
		assert.Error(t, err)
	})
}

func TestToolLoop_Run(t *testing.T) {
	t.Run("should complete on a content-only response", func(t *testing.T) {
		p := &scriptedProvider{steps: []scriptedStep{textRound("hello")}}
		loop := newTestLoop(t, p, &recordingExecutor{}, 5)
		log := &eventLog{}

		out, err := loop.Run(context.Background(), userTurn("hi"), "m", nil, log.emit)
		require.NoError(t, err)
		assert.True(t, out.Completed)
		assert.Nil(t, out.State)
		assert.Equal(t, "hello", out.Content)
		assert.Equal(t, []LoopEventType{EventContent, EventComplete}, log.types())
		require.Len(t, out.Messages, 2)
		assert.Equal(t, RoleAssistant, out.Messages[1].Role)
	})

	t.Run("should feed tool results back to the model", func(t *testing.T) {
		p := &scriptedProvider{steps: []scriptedStep{toolRound("checking. ", "c1"), textRound("done")}}
		exec := &recordingExecutor{}
		loop := newTestLoop(t, p, exec, 5)
		log := &eventLog{}

		out, err := loop.Run(context.Background(), userTurn("hi"), "m", lookupTool, log.emit)
		require.NoError(t, err)
		assert.Equal(t, "checking. done", out.Content)
		assert.Equal(t, []LoopEventType{EventContent, EventToolCalls, EventToolResults, EventContent, EventComplete}, log.types())

		require.Len(t, p.requests, 2)
		second := p.requests[1].Messages
		require.Len(t, second, 3)
		assert.Equal(t, RoleAssistant, second[1].Role)
		assert.Len(t, second[1].ToolCalls, 1)
		assert.Equal(t, RoleTool, second[2].Role)
		assert.Equal(t, "c1", second[2].ToolCallID)
		assert.Equal(t, "result-c1", second[2].Content)
	})

	t.Run("should encode tool failures as error results", func(t *testing.T) {
		p := &scriptedProvider{steps: []scriptedStep{toolRound("", "c1"), textRound("recovered")}}
		loop := newTestLoop(t, p, &recordingExecutor{fail: map[string]bool{"lookup": true}}, 5)

		out, err := loop.Run(context.Background(), userTurn("hi"), "m", lookupTool, nil)
		require.NoError(t, err)
		assert.True(t, out.Completed)

		toolMsg := p.requests[1].Messages[2]
		assert.True(t, toolMsg.IsError)
		assert.Equal(t, "boom", toolMsg.Content)
	})

	t.Run("should synthesize an error result when the executor is missing", func(t *testing.T) {
		p := &scriptedProvider{steps: []scriptedStep{toolRound("", "c1"), textRound("ok")}}
		loop := newTestLoop(t, p, nil, 5)

		_, err := loop.Run(context.Background(), userTurn("hi"), "m", lookupTool, nil)
		require.NoError(t, err)
		assert.True(t, p.requests[1].Messages[2].IsError)
	})

	t.Run("should stream when no tools are offered", func(t *testing.T) {
		p := &scriptedProvider{steps: []scriptedStep{textRound("abc")}}
		loop, err := NewToolLoop(LoopConfig{Provider: p, Stream: true, Logger: zerolog.Nop()})
		require.NoError(t, err)
		log := &eventLog{}

		out, err := loop.Run(context.Background(), userTurn("hi"), "m", nil, log.emit)
		require.NoError(t, err)
		assert.Equal(t, "abc", out.Content)
		assert.Equal(t, 1, p.streamed)
		assert.Equal(t, []LoopEventType{EventContentDelta, EventContentDelta, EventContentDelta, EventComplete}, log.types())
	})

	t.Run("should not replay a stream that failed after delivering text", func(t *testing.T) {
		p := &scriptedProvider{steps: []scriptedStep{
			{partial: "Hel", err: errors.New("overloaded_error: 529")},
			textRound("Hello"),
		}}
		loop, err := NewToolLoop(LoopConfig{
			Provider: p,
			Stream:   true,
			Retrier:  Retrier{MaxAttempts: 3, sleep: noSleep},
			Logger:   zerolog.Nop(),
		})
		require.NoError(t, err)
		log := &eventLog{}

		_, err = loop.Run(context.Background(), userTurn("hi"), "m", nil, log.emit)
		require.ErrorIs(t, err, ErrStreamInterrupted)
		assert.Len(t, p.requests, 1)

		var deltas string
		for _, ev := range log.events {
			assert.NotEqual(t, EventRetry, ev.Type)
			if ev.Type == EventContentDelta {
				deltas += ev.Content
			}
		}
		assert.Equal(t, "Hel", deltas)
	})

	t.Run("should retry a stream that failed before any text", func(t *testing.T) {
		p := &scriptedProvider{steps: []scriptedStep{
			{err: errors.New("overloaded_error: 529")},
			textRound("Hello"),
		}}
		loop, err := NewToolLoop(LoopConfig{
			Provider: p,
			Stream:   true,
			Retrier:  Retrier{MaxAttempts: 3, sleep: noSleep},
			Logger:   zerolog.Nop(),
		})
		require.NoError(t, err)
		log := &eventLog{}

		out, err := loop.Run(context.Background(), userTurn("hi"), "m", nil, log.emit)
		require.NoError(t, err)
		assert.Equal(t, "Hello", out.Content)
		assert.Len(t, p.requests, 2)
		assert.Equal(t, EventRetry, log.events[0].Type)
	})

	t.Run("should surface non-retryable provider errors", func(t *testing.T) {
		p := &scriptedProvider{steps: []scriptedStep{{err: errors.New("bad request: 400")}}}
		loop := newTestLoop(t, p, nil, 5)

		_, err := loop.Run(context.Background(), userTurn("hi"), "m", nil, nil)
		require.Error(t, err)
		assert.Len(t, p.requests, 1)
	})

	t.Run("should stop on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		loop := newTestLoop(t, &scriptedProvider{}, nil, 5)

		_, err := loop.Run(ctx, userTurn("hi"), "m", nil, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestToolLoop_IterationCap(t *testing.T) {
	script := func() *scriptedProvider {
		return &scriptedProvider{steps: []scriptedStep{
			toolRound("one ", "c1"),
			toolRound("two ", "c2"),
			toolRound("three ", "c3"),
			textRound("final"),
		}}
	}

	t.Run("should pause after the cap with accumulated content", func(t *testing.T) {
		p := script()
		loop := newTestLoop(t, p, &recordingExecutor{}, 2)
		log := &eventLog{}

		out, err := loop.Run(context.Background(), userTurn("go"), "m", lookupTool, log.emit)
		require.NoError(t, err)
		assert.False(t, out.Completed)
		require.NotNil(t, out.State)
		assert.Equal(t, 2, out.State.Iteration)
		assert.Equal(t, "one two ", out.State.Content)
		assert.Equal(t, "m", out.State.Model)
		assert.Equal(t, lookupTool, out.State.Tools)
		// user + 2 x (assistant + tool)
		assert.Len(t, out.State.Messages, 5)

		types := log.types()
		assert.Equal(t, EventIterationLimit, types[len(types)-1])
		assert.Len(t, p.requests, 2)
	})

	t.Run("should resume to completion with a new budget", func(t *testing.T) {
		p := script()
		loop := newTestLoop(t, p, &recordingExecutor{}, 2)

		out, err := loop.Run(context.Background(), userTurn("go"), "m", lookupTool, nil)
		require.NoError(t, err)
		require.NotNil(t, out.State)

		log := &eventLog{}
		resumed, err := loop.Resume(context.Background(), *out.State, 2, log.emit)
		require.NoError(t, err)
		assert.True(t, resumed.Completed)
		assert.Equal(t, "one two three final", resumed.Content)

		last := log.events[len(log.events)-1]
		assert.Equal(t, EventComplete, last.Type)
		assert.Equal(t, "one two three final", last.Content)
		assert.Equal(t, 3, last.Iteration)
	})

	t.Run("should pause again with an advanced counter", func(t *testing.T) {
		p := &scriptedProvider{steps: []scriptedStep{
			toolRound("a", "c1"), toolRound("b", "c2"), toolRound("c", "c3"), textRound("d"),
		}}
		loop := newTestLoop(t, p, &recordingExecutor{}, 1)

		out, err := loop.Run(context.Background(), userTurn("go"), "m", lookupTool, nil)
		require.NoError(t, err)
		require.Equal(t, 1, out.State.Iteration)

		out, err = loop.Resume(context.Background(), *out.State, 1, nil)
		require.NoError(t, err)
		require.NotNil(t, out.State)
		assert.Equal(t, 2, out.State.Iteration)
		assert.Equal(t, "ab", out.State.Content)
	})

	t.Run("should not mutate the caller's state on resume", func(t *testing.T) {
		p := script()
		loop := newTestLoop(t, p, &recordingExecutor{}, 2)

		out, err := loop.Run(context.Background(), userTurn("go"), "m", lookupTool, nil)
		require.NoError(t, err)
		saved := *out.State
		before := len(saved.Messages)

		_, err = loop.Resume(context.Background(), saved, 5, nil)
		require.NoError(t, err)
		assert.Len(t, saved.Messages, before)
		assert.Equal(t, 2, saved.Iteration)
	})

	t.Run("should run unbounded when cap is zero", func(t *testing.T) {
		p := script()
		loop := newTestLoop(t, p, &recordingExecutor{}, 0)

		out, err := loop.Run(context.Background(), userTurn("go"), "m", lookupTool, nil)
		require.NoError(t, err)
		assert.True(t, out.Completed)
		assert.Len(t, p.requests, 4)
	})
}

func TestToolLoop_RetryEvents(t *testing.T) {
	p := &scriptedProvider{steps: []scriptedStep{
		{err: errors.New("status 503 service unavailable")},
		textRound("ok"),
	}}
	loop := newTestLoop(t, p, nil, 3)
	log := &eventLog{}

	out, err := loop.Run(context.Background(), userTurn("hi"), "m", nil, log.emit)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Content)
	require.Equal(t, EventRetry, log.events[0].Type)
	assert.Equal(t, 1, log.events[0].Retry.Attempt)
}
