package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harun/conductor/pkg/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type sentPrompt struct {
	SessionID string
	Text      string
}

type spawnCall struct {
	Kind string
	Cwd  string
	Opts worker.SpawnOptions
}

// fakeHandle is an in-memory worker.Handle. Spawned sessions are named
// s1, s2, ... and announce readiness from inside Spawn unless silent is
// set, so the ready event can race the spawn call returning.
type fakeHandle struct {
	mu sync.Mutex

	seq      int
	silent   bool
	spawnErr error
	// sendErrs pops one error per SendPrompt for a session id.
	sendErrs   map[string][]error
	respondErr error

	spawns      []spawnCall
	prompts     []sentPrompt
	cancels     []string
	modes       map[string]string
	terminated  []string
	permissions []string
	diffs       []string
	continued   []int

	subscribes int
	subs       map[int]chan worker.Event
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		sendErrs: make(map[string][]error),
		modes:    make(map[string]string),
		subs:     make(map[int]chan worker.Event),
	}
}

func (f *fakeHandle) Spawn(ctx context.Context, agentKind, cwd string, opts worker.SpawnOptions) (worker.SessionInfo, error) {
	f.mu.Lock()
	if f.spawnErr != nil {
		err := f.spawnErr
		f.mu.Unlock()
		return worker.SessionInfo{}, err
	}
	f.seq++
	id := fmt.Sprintf("s%d", f.seq)
	f.spawns = append(f.spawns, spawnCall{Kind: agentKind, Cwd: cwd, Opts: opts})
	silent := f.silent
	f.mu.Unlock()

	if !silent {
		f.emit(worker.Event{Type: worker.EventSessionStatus, SessionID: id, Status: &worker.SessionStatus{Status: worker.StatusReady}})
	}
	// Distinct creation times keep focus ordering deterministic.
	time.Sleep(time.Millisecond)
	return worker.SessionInfo{SessionID: id, AgentKind: agentKind, Cwd: cwd, Mode: opts.Mode, CreatedAt: time.Now()}, nil
}

func (f *fakeHandle) SendPrompt(ctx context.Context, sessionID, text string, pc worker.PromptContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.sendErrs[sessionID]; len(errs) > 0 {
		f.sendErrs[sessionID] = errs[1:]
		if errs[0] != nil {
			return errs[0]
		}
	}
	f.prompts = append(f.prompts, sentPrompt{SessionID: sessionID, Text: text})
	return nil
}

func (f *fakeHandle) Cancel(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, sessionID)
	return nil
}

func (f *fakeHandle) SetMode(ctx context.Context, sessionID, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes[sessionID] = mode
	return nil
}

func (f *fakeHandle) RespondPermission(ctx context.Context, sessionID, requestID, optionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, sessionID+"/"+requestID+"/"+optionID)
	return f.respondErr
}

func (f *fakeHandle) RespondDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffs = append(f.diffs, fmt.Sprintf("%s/%s/%t", sessionID, proposalID, accepted))
	return f.respondErr
}

func (f *fakeHandle) Terminate(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID)
	return nil
}

func (f *fakeHandle) Continue(ctx context.Context, sessionID string, budget int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, budget)
	return nil
}

func (f *fakeHandle) Subscribe(ctx context.Context) (<-chan worker.Event, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	id := f.subscribes
	ch := make(chan worker.Event, 256)
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}, nil
}

func (f *fakeHandle) emit(ev worker.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- ev
	}
}

func (f *fakeHandle) liveSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeHandle) sent() []sentPrompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPrompt(nil), f.prompts...)
}

func (f *fakeHandle) failNext(sessionID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs[sessionID] = append(f.sendErrs[sessionID], errs...)
}

func newTestOrchestrator(t testing.TB, opts ...Option) (*Orchestrator, *fakeHandle) {
	t.Helper()
	h := newFakeHandle()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	o := New(h, opts...)
	t.Cleanup(o.Close)
	return o, h
}

func spawn(t testing.TB, o *Orchestrator, cwd string) string {
	t.Helper()
	snap, err := o.Spawn(context.Background(), "claude", cwd, worker.SpawnOptions{})
	require.NoError(t, err)
	return snap.ID
}

func chunk(sid, text string, thought bool) worker.Event {
	return worker.Event{Type: worker.EventMessageChunk, SessionID: sid, Chunk: &worker.MessageChunk{Text: text, Thought: thought}}
}

func toolCall(sid, id, title string) worker.Event {
	return worker.Event{Type: worker.EventToolCall, SessionID: sid, ToolCall: &worker.ToolCall{ID: id, Title: title, Status: "in_progress"}}
}

func toolResult(sid, id, content string, isErr bool) worker.Event {
	return worker.Event{Type: worker.EventToolResult, SessionID: sid, ToolResult: &worker.ToolResult{ToolCallID: id, Content: content, IsError: isErr}}
}

func complete(sid string) worker.Event {
	return worker.Event{Type: worker.EventPromptComplete, SessionID: sid, Complete: &worker.PromptComplete{StopReason: worker.StopEndTurn}}
}

func kinds(msgs []Message) []MessageKind {
	out := make([]MessageKind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func status(t testing.TB, o *Orchestrator, sid string) Status {
	t.Helper()
	snap, err := o.Session(sid)
	require.NoError(t, err)
	return snap.Status
}
