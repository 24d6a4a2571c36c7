package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/harun/conductor/pkg/worker"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeEngine is an in-memory Engine that records calls.
type fakeEngine struct {
	mu         sync.Mutex
	sessions   map[string]orchestrator.Snapshot
	transcript map[string][]orchestrator.Message
	plans      map[string][]worker.PlanEntry
	active     string
	perms      []orchestrator.PendingPermission
	diffs      []orchestrator.PendingDiff
	watchers   map[int]func(orchestrator.Change)
	watchSeq   int

	prompts   []string
	images    []int
	cancels   []string
	modes     []string
	continued []int
	discarded []string
	responded []string
	err       error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sessions:   make(map[string]orchestrator.Snapshot),
		transcript: make(map[string][]orchestrator.Message),
		plans:      make(map[string][]worker.PlanEntry),
		watchers:   make(map[int]func(orchestrator.Change)),
	}
}

func (f *fakeEngine) addSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = orchestrator.Snapshot{ID: id, AgentKind: "echo", Status: orchestrator.StatusReady}
	f.active = id
}

func (f *fakeEngine) appendMessage(id string, msg orchestrator.Message) {
	f.mu.Lock()
	f.transcript[id] = append(f.transcript[id], msg)
	f.mu.Unlock()
	f.emit(orchestrator.Change{Kind: orchestrator.ChangeMessage, SessionID: id})
}

func (f *fakeEngine) emit(c orchestrator.Change) {
	f.mu.Lock()
	fns := make([]func(orchestrator.Change), 0, len(f.watchers))
	for _, fn := range f.watchers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (f *fakeEngine) watcherCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

func (f *fakeEngine) lookup(id string) error {
	if _, ok := f.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", orchestrator.ErrSessionNotFound, id)
	}
	return nil
}

func (f *fakeEngine) Spawn(ctx context.Context, agentKind, cwd string, opts worker.SpawnOptions) (orchestrator.Snapshot, error) {
	if agentKind != "echo" {
		return orchestrator.Snapshot{}, fmt.Errorf("%w: %s", worker.ErrUnknownAgent, agentKind)
	}
	f.mu.Lock()
	id := fmt.Sprintf("s%d", len(f.sessions)+1)
	snap := orchestrator.Snapshot{ID: id, AgentKind: agentKind, Cwd: cwd, Mode: opts.Mode, Status: orchestrator.StatusReady, Active: true}
	f.sessions[id] = snap
	f.active = id
	f.mu.Unlock()
	f.emit(orchestrator.Change{Kind: orchestrator.ChangeSessionAdded, SessionID: id})
	return snap, nil
}

func (f *fakeEngine) SendPrompt(ctx context.Context, sessionID, text string, pc worker.PromptContext) (orchestrator.PromptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(sessionID); err != nil {
		return orchestrator.PromptResult{}, err
	}
	f.prompts = append(f.prompts, sessionID+":"+text)
	f.images = append(f.images, len(pc.Images))
	return orchestrator.PromptResult{SessionID: sessionID}, nil
}

func (f *fakeEngine) Cancel(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, sessionID)
	return f.lookup(sessionID)
}

func (f *fakeEngine) Terminate(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	if err := f.lookup(sessionID); err != nil {
		f.mu.Unlock()
		return err
	}
	delete(f.sessions, sessionID)
	f.mu.Unlock()
	f.emit(orchestrator.Change{Kind: orchestrator.ChangeSessionRemoved, SessionID: sessionID})
	return nil
}

func (f *fakeEngine) SetMode(ctx context.Context, sessionID, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, sessionID+":"+mode)
	return f.lookup(sessionID)
}

func (f *fakeEngine) ContinueTurn(ctx context.Context, sessionID string, budget int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, budget)
	return f.err
}

func (f *fakeEngine) DiscardContinuation(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, sessionID)
	return nil
}

func (f *fakeEngine) SetActive(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(sessionID); err != nil {
		return err
	}
	f.active = sessionID
	return nil
}

func (f *fakeEngine) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeEngine) Sessions() []orchestrator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]orchestrator.Snapshot, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (f *fakeEngine) Session(id string) (orchestrator.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(id); err != nil {
		return orchestrator.Snapshot{}, err
	}
	return f.sessions[id], nil
}

func (f *fakeEngine) Transcript(id string) ([]orchestrator.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(id); err != nil {
		return nil, err
	}
	return append([]orchestrator.Message(nil), f.transcript[id]...), nil
}

func (f *fakeEngine) Plan(id string) ([]worker.PlanEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(id); err != nil {
		return nil, err
	}
	return f.plans[id], nil
}

func (f *fakeEngine) Buffers(id string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(id); err != nil {
		return "", "", err
	}
	return "partial", "thinking", nil
}

func (f *fakeEngine) RespondPermission(ctx context.Context, sid, rid, oid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, "perm:"+sid+":"+rid+":"+oid)
	return nil
}

func (f *fakeEngine) DismissPermission(ctx context.Context, sid, rid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, "dismiss:"+sid+":"+rid)
	return nil
}

func (f *fakeEngine) RespondDiffProposal(ctx context.Context, sid, pid string, accepted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, fmt.Sprintf("diff:%s:%s:%t", sid, pid, accepted))
	return nil
}

func (f *fakeEngine) Permissions() []orchestrator.PendingPermission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.PendingPermission(nil), f.perms...)
}

func (f *fakeEngine) DiffProposals() []orchestrator.PendingDiff {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.PendingDiff(nil), f.diffs...)
}

func (f *fakeEngine) Watch(fn func(orchestrator.Change)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchSeq++
	id := f.watchSeq
	f.watchers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers, id)
	}
}

func (f *fakeEngine) recorded(list *[]string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), (*list)...)
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}
	return serverConn, clientConn, cleanup
}

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()
	var ev EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}
