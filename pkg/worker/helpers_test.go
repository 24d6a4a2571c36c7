package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harun/conductor/pkg/agent"
)

// fakeModel returns queued responses in order. A nil response blocks until
// the request context ends.
type fakeModel struct {
	mu       sync.Mutex
	steps    []fakeStep
	requests []agent.LLMRequest
}

type fakeStep struct {
	resp *agent.LLMResponse
	err  error
}

func (p *fakeModel) next(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if len(p.steps) == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("script exhausted")
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	p.mu.Unlock()

	if step.resp == nil && step.err == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return step.resp, step.err
}

func (p *fakeModel) Call(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	return p.next(ctx, req)
}

func (p *fakeModel) Stream(ctx context.Context, req agent.LLMRequest, onDelta func(string)) (*agent.LLMResponse, error) {
	resp, err := p.next(ctx, req)
	if err != nil {
		return nil, err
	}
	onDelta(resp.Content)
	return resp, nil
}

func (p *fakeModel) Provider() string { return "fake" }

func (p *fakeModel) request(i int) agent.LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func text(s string) fakeStep {
	return fakeStep{resp: &agent.LLMResponse{Content: s}}
}

func toolUse(id, name string, params map[string]interface{}) fakeStep {
	return fakeStep{resp: &agent.LLMResponse{
		ToolCalls: []agent.ToolCall{{ID: id, Name: name, Parameters: params}},
	}}
}

// waitFor reads events for sessionID until one of type want arrives and
// returns everything read, including that event.
func waitFor(t *testing.T, ch <-chan Event, sessionID string, want EventType) []Event {
	t.Helper()
	var seen []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", want)
			}
			if ev.SessionID != sessionID {
				continue
			}
			seen = append(seen, ev)
			if ev.Type == want {
				return seen
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s; saw %d events", want, len(seen))
		}
	}
}

func ofType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
