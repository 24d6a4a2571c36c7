package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harun/conductor/pkg/worker"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// prompt is a user turn either in flight or waiting in a session queue.
type prompt struct {
	ctx   context.Context
	text  string
	pc    worker.PromptContext
	msgID string
}

type session struct {
	mu sync.Mutex

	id        string
	agentKind string
	cwd       string
	mode      string
	createdAt time.Time

	status      Status
	messages    []Message
	toolIndex   map[string]int
	pending     map[string]*ToolCallRecord
	plan        []worker.PlanEntry
	content     strings.Builder
	thought     strings.Builder
	lastErr     string
	promptStart time.Time
	queue       []prompt

	continuation *Continuation
	retry        *RetryState

	// readiness gate
	ready       chan struct{}
	readyClosed bool
	forced      bool
	timer       *time.Timer
}

func newSession(info worker.SessionInfo, mode string, restore []Message) *session {
	s := &session{
		id:        info.SessionID,
		agentKind: info.AgentKind,
		cwd:       info.Cwd,
		mode:      mode,
		createdAt: info.CreatedAt,
		status:    StatusInitializing,
		toolIndex: make(map[string]int),
		pending:   make(map[string]*ToolCallRecord),
		ready:     make(chan struct{}),
	}
	if info.Mode != "" {
		s.mode = info.Mode
	}
	if s.createdAt.IsZero() {
		s.createdAt = time.Now()
	}
	for _, m := range restore {
		s.messages = append(s.messages, cloneMessage(m))
		if m.Kind == KindTool && m.ToolCallID != "" {
			s.toolIndex[m.ToolCallID] = len(s.messages) - 1
		}
	}
	return s
}

// resolveLocked opens the readiness gate. It reports false if the gate
// was already open.
func (s *session) resolveLocked(forced bool) bool {
	if s.readyClosed {
		return false
	}
	s.readyClosed = true
	s.forced = forced
	close(s.ready)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.status == StatusInitializing {
		s.status = StatusReady
	}
	return true
}

func (s *session) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) appendLocked(m Message) Message {
	if m.ID == "" {
		m.ID, _ = gonanoid.New()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	s.messages = append(s.messages, m)
	return cloneMessage(m)
}

// flushLocked moves the streaming buffers into the transcript, thought
// first. Turn-ending flushes carry the time since the prompt started.
func (s *session) flushLocked(endOfTurn bool) []Message {
	var d time.Duration
	if endOfTurn && !s.promptStart.IsZero() {
		d = time.Since(s.promptStart)
	}
	var out []Message
	if s.thought.Len() > 0 {
		out = append(out, s.appendLocked(Message{Kind: KindThought, Content: s.thought.String(), Duration: d}))
		s.thought.Reset()
	}
	if s.content.Len() > 0 {
		out = append(out, s.appendLocked(Message{Kind: KindAssistant, Content: s.content.String(), Duration: d}))
		s.content.Reset()
	}
	return out
}

// beginLocked moves the session into Prompting for p and records its user
// message.
func (s *session) beginLocked(p *prompt) Message {
	s.status = StatusPrompting
	s.promptStart = time.Now()
	s.continuation = nil
	s.retry = nil
	msg := s.appendLocked(Message{Kind: KindUser, Content: p.text})
	p.msgID = msg.ID
	return msg
}

// finishLocked ends the current turn. If a prompt is queued it is started
// immediately and returned along with its user message.
func (s *session) finishLocked() (*prompt, *Message) {
	if s.status == StatusPrompting {
		s.status = StatusReady
	}
	s.promptStart = time.Time{}
	s.retry = nil
	if s.status != StatusReady || len(s.queue) == 0 {
		return nil, nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	msg := s.beginLocked(&next)
	return &next, &msg
}

func (s *session) snapshotLocked(active string) Snapshot {
	snap := Snapshot{
		ID:           s.id,
		AgentKind:    s.agentKind,
		Cwd:          s.cwd,
		Mode:         s.mode,
		Status:       s.status,
		CreatedAt:    s.createdAt,
		Active:       s.id == active,
		Messages:     len(s.messages),
		PendingTools: len(s.pending),
		Queued:       len(s.queue),
		LastError:    s.lastErr,
		ForcedReady:  s.forced,
	}
	if s.continuation != nil {
		c := *s.continuation
		snap.Continuation = &c
	}
	if s.retry != nil {
		r := *s.retry
		snap.Retry = &r
	}
	return snap
}

func (s *session) transcriptLocked() []Message {
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneMessage(m Message) Message {
	if m.ToolCall != nil {
		tc := *m.ToolCall
		m.ToolCall = &tc
	}
	if m.Diff != nil {
		d := *m.Diff
		m.Diff = &d
	}
	return m
}
