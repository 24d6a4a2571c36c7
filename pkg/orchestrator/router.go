package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/pkg/worker"
)

func (o *Orchestrator) ensureRouter() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.routerStop != nil {
		return nil
	}

	// The subscription outlives any single request.
	events, stop, err := o.handle.Subscribe(context.Background())
	if err != nil {
		return fmt.Errorf("failed to subscribe to worker events: %w", err)
	}
	done := make(chan struct{})
	o.routerStop = stop
	o.routerDone = done
	go o.route(events, done)

	o.logger.Debug().Msg("Event router started")
	return nil
}

func (o *Orchestrator) stopRouter() {
	o.mu.Lock()
	stop, done := o.routerStop, o.routerDone
	o.routerStop, o.routerDone = nil, nil
	o.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
	o.logger.Debug().Msg("Event router stopped")
}

// RouterActive reports whether the orchestrator holds an event subscription.
func (o *Orchestrator) RouterActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.routerStop != nil
}

func (o *Orchestrator) route(events <-chan worker.Event, done chan struct{}) {
	defer close(done)
	for ev := range events {
		o.dispatch(ev)
	}
}

func (o *Orchestrator) dispatch(ev worker.Event) {
	o.mu.Lock()
	s, ok := o.sessions[ev.SessionID]
	if !ok {
		if o.spawning > 0 && isReady(ev) {
			o.early[ev.SessionID] = struct{}{}
		}
		o.mu.Unlock()
		o.logger.Debug().
			Str("session_id", ev.SessionID).
			Str("type", string(ev.Type)).
			Msg("Dropping event for unknown session")
		return
	}
	o.mu.Unlock()

	switch ev.Type {
	case worker.EventPermissionRequest:
		if ev.Permission != nil {
			n := o.approvals.addPermission(PendingPermission{SessionID: s.id, Request: *ev.Permission, ReceivedAt: time.Now()})
			observability.SetPendingApprovals(gatePermission, n)
			o.notify(s.id, ChangeApprovals)
		}
		return
	case worker.EventDiffProposal:
		if ev.Proposal != nil {
			n := o.approvals.addDiff(PendingDiff{SessionID: s.id, Proposal: *ev.Proposal, ReceivedAt: time.Now()})
			observability.SetPendingApprovals(gateDiff, n)
			o.notify(s.id, ChangeApprovals)
		}
		return
	}

	o.apply(s, ev)
}

func isReady(ev worker.Event) bool {
	return ev.Type == worker.EventSessionStatus && ev.Status != nil && ev.Status.Status == worker.StatusReady
}

// effects collects what a state change must do once the session lock is
// released.
type effects struct {
	changes   []ChangeKind
	persist   []Message
	next      *prompt
	completed bool
	duration  time.Duration
}

func (e *effects) message(msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	e.persist = append(e.persist, msgs...)
	e.changes = append(e.changes, ChangeMessage)
}

func (o *Orchestrator) apply(s *session, ev worker.Event) {
	var fx effects

	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return
	}
	switch ev.Type {
	case worker.EventMessageChunk:
		if ev.Chunk == nil || ev.Chunk.Text == "" {
			break
		}
		if ev.Chunk.Thought {
			s.thought.WriteString(ev.Chunk.Text)
		} else {
			s.content.WriteString(ev.Chunk.Text)
		}
		fx.changes = append(fx.changes, ChangeBuffer)

	case worker.EventToolCall:
		if ev.ToolCall == nil {
			break
		}
		tc := ev.ToolCall
		if i, seen := s.toolIndex[tc.ID]; seen {
			// Repeated delivery; only a status change is taken.
			if rec := s.messages[i].ToolCall; rec != nil && tc.Status != "" && tc.Status != rec.Status {
				rec.Status = tc.Status
				fx.changes = append(fx.changes, ChangeMessage)
			}
			break
		}
		fx.message(s.flushLocked(false)...)
		status := tc.Status
		if status == "" {
			status = "pending"
		}
		rec := &ToolCallRecord{ID: tc.ID, Title: tc.Title, Kind: tc.Kind, Status: status}
		fx.message(s.appendLocked(Message{Kind: KindTool, Content: tc.Title, ToolCallID: tc.ID, ToolCall: rec}))
		s.toolIndex[tc.ID] = len(s.messages) - 1
		s.pending[tc.ID] = rec

	case worker.EventToolResult:
		if ev.ToolResult == nil {
			break
		}
		res := ev.ToolResult
		i, ok := s.toolIndex[res.ToolCallID]
		if !ok || s.messages[i].ToolCall == nil {
			break
		}
		rec := s.messages[i].ToolCall
		rec.Status = res.Status
		if rec.Status == "" {
			rec.Status = "completed"
			if res.IsError {
				rec.Status = "failed"
			}
		}
		rec.Result = res.Content
		rec.IsError = res.IsError
		delete(s.pending, res.ToolCallID)
		fx.changes = append(fx.changes, ChangeMessage)

	case worker.EventDiff:
		if ev.Diff == nil {
			break
		}
		fx.message(s.flushLocked(false)...)
		d := *ev.Diff
		fx.message(s.appendLocked(Message{Kind: KindDiff, Content: d.Path, ToolCallID: d.ToolCallID, Diff: &d}))

	case worker.EventPlanUpdate:
		s.plan = append([]worker.PlanEntry(nil), ev.Plan...)
		fx.changes = append(fx.changes, ChangePlan)

	case worker.EventPromptComplete:
		if !s.promptStart.IsZero() {
			fx.duration = time.Since(s.promptStart)
		}
		fx.message(s.flushLocked(true)...)
		fx.completed = s.status == StatusPrompting
		o.endTurnLocked(s, &fx)

	case worker.EventIterationLimit:
		fx.message(s.flushLocked(true)...)
		iteration := 0
		if ev.Limit != nil {
			iteration = ev.Limit.Iteration
		}
		o.endTurnLocked(s, &fx)
		// A queued prompt starts a fresh turn, which abandons the pause.
		if fx.next == nil {
			s.continuation = &Continuation{Iteration: iteration, PausedAt: time.Now()}
		}

	case worker.EventError:
		if ev.Error == nil {
			break
		}
		s.lastErr = ev.Error.Message
		fx.message(s.appendLocked(Message{Kind: KindError, Content: ev.Error.Message}))
		if ev.Error.Fatal {
			s.status = StatusError
			s.queue = nil
			fx.changes = append(fx.changes, ChangeStatus)
		}

	case worker.EventSessionStatus:
		if ev.Status == nil {
			break
		}
		switch ev.Status.Status {
		case worker.StatusReady:
			if s.resolveLocked(false) {
				fx.changes = append(fx.changes, ChangeStatus)
			}
		case worker.StatusRetrying:
			s.retry = &RetryState{Attempt: ev.Status.Attempt, MaxAttempts: ev.Status.MaxAttempts}
			fx.changes = append(fx.changes, ChangeStatus)
		}
	}
	s.mu.Unlock()

	o.finish(s, fx)
}

// endTurnLocked returns the session to Ready and starts the next queued
// prompt, if any.
func (o *Orchestrator) endTurnLocked(s *session, fx *effects) {
	next, msg := s.finishLocked()
	fx.changes = append(fx.changes, ChangeStatus)
	if next != nil {
		fx.next = next
		fx.message(*msg)
	}
}

func (o *Orchestrator) finish(s *session, fx effects) {
	ctx := context.Background()
	if fx.next != nil {
		ctx = fx.next.ctx
	}
	o.persist(ctx, s.id, fx.persist...)
	if fx.completed {
		observability.RecordPromptDuration(fx.duration)
	}
	if len(fx.changes) > 0 {
		o.notify(s.id, dedupe(fx.changes)...)
	}
	if fx.next != nil {
		o.updateQueuedMetric()
		go o.sendQueued(s, fx.next)
	}
}

func dedupe(kinds []ChangeKind) []ChangeKind {
	seen := make(map[ChangeKind]bool, len(kinds))
	out := kinds[:0]
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
