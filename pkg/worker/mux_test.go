package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandle records calls and publishes whatever the test pushes.
type stubHandle struct {
	name   string
	events *broadcaster

	mu    sync.Mutex
	seq   int
	calls []string
}

func newStubHandle(name string) *stubHandle {
	return &stubHandle{name: name, events: newBroadcaster()}
}

func (s *stubHandle) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *stubHandle) Spawn(ctx context.Context, agentKind, cwd string, opts SpawnOptions) (SessionInfo, error) {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("%s-%d", s.name, s.seq)
	s.mu.Unlock()
	s.record("spawn " + agentKind)
	return SessionInfo{SessionID: id, AgentKind: agentKind, Cwd: cwd}, nil
}

func (s *stubHandle) SendPrompt(ctx context.Context, sessionID, text string, pc PromptContext) error {
	s.record("prompt " + sessionID)
	return nil
}

func (s *stubHandle) Cancel(ctx context.Context, sessionID string) error {
	s.record("cancel " + sessionID)
	return nil
}

func (s *stubHandle) SetMode(ctx context.Context, sessionID, mode string) error {
	s.record("mode " + sessionID)
	return nil
}

func (s *stubHandle) RespondPermission(ctx context.Context, sessionID, requestID, optionID string) error {
	s.record("permission " + sessionID)
	return nil
}

func (s *stubHandle) RespondDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error {
	s.record("diff " + sessionID)
	return nil
}

func (s *stubHandle) Terminate(ctx context.Context, sessionID string) error {
	s.record("terminate " + sessionID)
	return nil
}

func (s *stubHandle) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ch, cancel := s.events.subscribe(ctx)
	return ch, cancel, nil
}

func (s *stubHandle) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestMux(t *testing.T) {
	ctx := context.Background()

	procs := newStubHandle("proc")
	models := newStubHandle("model")

	mux := NewMux()
	mux.Register("codex", procs)
	mux.Register("claude", models)
	mux.Register("gpt", models)

	t.Run("should list kinds", func(t *testing.T) {
		assert.Equal(t, []string{"claude", "codex", "gpt"}, mux.Kinds())
	})

	t.Run("should route by agent kind then by session", func(t *testing.T) {
		a, err := mux.Spawn(ctx, "codex", "/a", SpawnOptions{})
		require.NoError(t, err)
		b, err := mux.Spawn(ctx, "claude", "/b", SpawnOptions{})
		require.NoError(t, err)

		require.NoError(t, mux.SendPrompt(ctx, a.SessionID, "x", PromptContext{}))
		require.NoError(t, mux.Cancel(ctx, b.SessionID))
		require.NoError(t, mux.Terminate(ctx, a.SessionID))

		assert.Equal(t, []string{"spawn codex", "prompt proc-1", "terminate proc-1"}, procs.Calls())
		assert.Equal(t, []string{"spawn claude", "cancel model-1"}, models.Calls())

		assert.ErrorIs(t, mux.SendPrompt(ctx, a.SessionID, "x", PromptContext{}), ErrSessionNotFound)
		assert.Error(t, mux.Continue(ctx, b.SessionID, 1))
	})

	t.Run("should reject unknown kinds", func(t *testing.T) {
		_, err := mux.Spawn(ctx, "gemini", "/", SpawnOptions{})
		assert.ErrorIs(t, err, ErrUnknownAgent)
	})

	t.Run("should merge backend streams once per backend", func(t *testing.T) {
		ch, cancel, err := mux.Subscribe(ctx)
		require.NoError(t, err)

		procs.events.publish(Event{Type: EventMessageChunk, SessionID: "p"})
		models.events.publish(Event{Type: EventMessageChunk, SessionID: "m"})

		got := map[string]int{}
		for i := 0; i < 2; i++ {
			select {
			case ev := <-ch:
				got[ev.SessionID]++
			case <-time.After(time.Second):
				t.Fatal("timed out")
			}
		}
		assert.Equal(t, map[string]int{"p": 1, "m": 1}, got)

		cancel()
		assert.Eventually(t, func() bool {
			_, open := <-ch
			return !open
		}, time.Second, time.Millisecond)
		assert.Equal(t, 0, procs.events.count())
		assert.Equal(t, 0, models.events.count())
	})
}

func TestBroadcaster(t *testing.T) {
	t.Run("should deliver to every subscriber in order", func(t *testing.T) {
		b := newBroadcaster()
		ch1, cancel1 := b.subscribe(context.Background())
		ch2, cancel2 := b.subscribe(context.Background())
		defer cancel1()
		defer cancel2()

		for i := 0; i < 3; i++ {
			b.publish(Event{Type: EventMessageChunk, Chunk: &MessageChunk{Text: fmt.Sprint(i)}})
		}
		for _, ch := range []<-chan Event{ch1, ch2} {
			for i := 0; i < 3; i++ {
				assert.Equal(t, fmt.Sprint(i), (<-ch).Chunk.Text)
			}
		}
	})

	t.Run("should unblock publishers when a subscriber leaves", func(t *testing.T) {
		b := newBroadcaster()
		_, cancel := b.subscribe(context.Background())

		done := make(chan struct{})
		go func() {
			for i := 0; i < subscriberBuffer+10; i++ {
				b.publish(Event{Type: EventMessageChunk})
			}
			close(done)
		}()

		time.Sleep(10 * time.Millisecond)
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publisher stayed blocked")
		}
		assert.Equal(t, 0, b.count())
	})

	t.Run("should end the subscription with its context", func(t *testing.T) {
		b := newBroadcaster()
		ctx, cancel := context.WithCancel(context.Background())
		ch, _ := b.subscribe(ctx)
		cancel()

		assert.Eventually(t, func() bool {
			_, open := <-ch
			return !open
		}, time.Second, time.Millisecond)
	})
}
