package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/worker"
	"go.opentelemetry.io/otel/attribute"
)

// SendPrompt sends text to a session once its readiness gate is open. The
// session moves to Prompting and records the user message before the
// worker is contacted, so observers see it busy immediately. A prompt sent
// while another is in flight is queued and dispatched in FIFO order as
// turns complete.
//
// If the worker turns out to be dead the session is respawned with its
// transcript and the prompt is retried once on the replacement.
func (o *Orchestrator) SendPrompt(ctx context.Context, sessionID, text string, pc worker.PromptContext) (PromptResult, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return PromptResult{}, err
	}
	if err := s.waitReady(ctx); err != nil {
		return PromptResult{}, err
	}

	ctx = tracing.NewRunContext(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "conductor.orchestrator", "orchestrator.send_prompt",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	p := &prompt{ctx: tracing.Detach(ctx), text: text, pc: pc}

	s.mu.Lock()
	switch s.status {
	case StatusError, StatusTerminated:
		status := s.status
		s.mu.Unlock()
		observability.RecordPrompt("failed")
		return PromptResult{}, fmt.Errorf("%w: %s is %s", ErrSessionUnavailable, sessionID, status)
	case StatusPrompting:
		s.queue = append(s.queue, *p)
		pos := len(s.queue)
		s.mu.Unlock()
		observability.RecordPrompt("queued")
		o.updateQueuedMetric()
		o.notify(sessionID, ChangeStatus)
		return PromptResult{SessionID: sessionID, Queued: true, Position: pos}, nil
	}
	msg := s.beginLocked(p)
	s.mu.Unlock()

	o.persist(ctx, sessionID, msg)
	o.notify(sessionID, ChangeStatus, ChangeMessage)

	res, err := o.transmit(ctx, s, p)
	tracing.RecordError(span, err)
	return res, err
}

func (o *Orchestrator) sendQueued(s *session, p *prompt) {
	if _, err := o.transmit(p.ctx, s, p); err != nil {
		logger := tracing.LoggerFromContext(p.ctx, o.logger)
		logger.Warn().Err(err).Str("session_id", s.id).Msg("Queued prompt failed")
	}
}

func (o *Orchestrator) transmit(ctx context.Context, s *session, p *prompt) (PromptResult, error) {
	err := o.handle.SendPrompt(ctx, s.id, p.text, p.pc)
	if err == nil {
		observability.RecordPrompt("sent")
		return PromptResult{SessionID: s.id}, nil
	}
	if IsDeadSessionError(err) {
		return o.recover(ctx, s, p, err)
	}

	observability.RecordPrompt("failed")
	err = fmt.Errorf("failed to send prompt: %w", err)
	o.failTurn(s, err, false)
	return PromptResult{SessionID: s.id}, err
}

// failTurn records err on the session and ends the turn. A fatal failure
// leaves the session in Error and drops queued prompts.
func (o *Orchestrator) failTurn(s *session, err error, fatal bool) {
	var fx effects

	s.mu.Lock()
	s.lastErr = err.Error()
	fx.message(s.flushLocked(true)...)
	fx.message(s.appendLocked(Message{Kind: KindError, Content: err.Error()}))
	if fatal {
		s.status = StatusError
		s.queue = nil
		s.promptStart = time.Time{}
		fx.changes = append(fx.changes, ChangeStatus)
	} else {
		o.endTurnLocked(s, &fx)
	}
	s.mu.Unlock()

	o.finish(s, fx)
}

// recover replaces a dead session with a fresh one carrying the same
// transcript and retries p there. It runs at most once per prompt.
func (o *Orchestrator) recover(ctx context.Context, dead *session, p *prompt, cause error) (PromptResult, error) {
	ctx, span := tracing.StartSpan(ctx, "conductor.orchestrator", "orchestrator.recover",
		attribute.String("session_id", dead.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger).With().Str("session_id", dead.id).Logger()
	logger.Warn().Err(cause).Msg("Session worker is gone, respawning")

	dead.mu.Lock()
	var (
		history []Message
		userMsg Message
	)
	for _, m := range dead.messages {
		if m.ID == p.msgID {
			userMsg = cloneMessage(m)
			continue
		}
		history = append(history, cloneMessage(m))
	}
	kind, cwd, mode := dead.agentKind, dead.cwd, dead.mode
	dead.mu.Unlock()
	if userMsg.ID == "" {
		userMsg = Message{ID: p.msgID, Kind: KindUser, Content: p.text}
	}

	if err := o.handle.Terminate(ctx, dead.id); err != nil {
		logger.Debug().Err(err).Msg("Terminating dead worker failed")
	}

	wasActive := o.Active() == dead.id
	fresh, err := o.spawnSession(ctx, kind, cwd, worker.SpawnOptions{Mode: mode, History: toHistory(history)}, history, wasActive)
	if err == nil {
		err = fresh.waitReady(ctx)
	}
	if err != nil {
		err = fmt.Errorf("recovery failed: %w", err)
		o.recoveryFailed(ctx, dead, err)
		if fresh != nil {
			o.remove(fresh)
			_ = o.handle.Terminate(context.Background(), fresh.id)
		}
		tracing.RecordError(span, err)
		return PromptResult{SessionID: dead.id}, err
	}

	fresh.mu.Lock()
	msg := fresh.appendLocked(userMsg)
	fresh.status = StatusPrompting
	fresh.promptStart = userMsg.Timestamp
	fresh.mu.Unlock()

	// Prompts queued on dead while the replacement was starting move over
	// ahead of anything queued on fresh since.
	if queued := o.detach(dead); len(queued) > 0 {
		fresh.mu.Lock()
		fresh.queue = append(queued, fresh.queue...)
		fresh.mu.Unlock()
		o.updateQueuedMetric()
	}
	o.persist(ctx, fresh.id, msg)
	o.notify(fresh.id, ChangeStatus, ChangeMessage)

	if err := o.handle.SendPrompt(ctx, fresh.id, p.text, p.pc); err != nil {
		err = fmt.Errorf("prompt failed after respawn: %w", err)
		o.recoveryFailed(ctx, fresh, err)
		tracing.RecordError(span, err)
		return PromptResult{SessionID: fresh.id, RecoveredFrom: dead.id}, err
	}

	observability.RecordPrompt("sent")
	observability.RecordRecovery(true)
	observability.RecordRecoveryAudit(ctx, dead.id, true, map[string]interface{}{
		"replacement": fresh.id,
		"restored":    len(history),
	})
	logger.Info().Str("replacement", fresh.id).Int("restored", len(history)).Msg("Session recovered")
	return PromptResult{SessionID: fresh.id, RecoveredFrom: dead.id}, nil
}

func (o *Orchestrator) recoveryFailed(ctx context.Context, s *session, err error) {
	observability.RecordPrompt("failed")
	observability.RecordRecovery(false)
	observability.RecordRecoveryAudit(ctx, s.id, false, map[string]interface{}{"error": err.Error()})
	logger := tracing.LoggerFromContext(ctx, o.logger)
	logger.Error().Err(err).Str("session_id", s.id).Msg("Session recovery failed")
	o.failTurn(s, err, true)
}

// toHistory converts a transcript into the conversation a replacement
// worker is seeded with. Adjacent turns of the same role are merged.
func toHistory(msgs []Message) []agent.Message {
	var out []agent.Message
	add := func(role, text string) {
		if text == "" {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + text
			return
		}
		out = append(out, agent.Message{Role: role, Content: text})
	}
	for _, m := range msgs {
		switch m.Kind {
		case KindUser:
			add(agent.RoleUser, m.Content)
		case KindAssistant:
			add(agent.RoleAssistant, m.Content)
		case KindTool:
			if m.ToolCall != nil && m.ToolCall.Result != "" {
				add(agent.RoleAssistant, fmt.Sprintf("[%s] %s", m.ToolCall.Title, strings.TrimSpace(m.ToolCall.Result)))
			}
		}
	}
	return out
}

// Cancel asks the worker to stop the current turn. Local state is left for
// the resulting completion event to settle.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	if _, err := o.lookup(sessionID); err != nil {
		return err
	}
	if err := o.handle.Cancel(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to cancel session: %w", err)
	}
	return nil
}

// SetMode changes how the session's worker handles sensitive actions.
func (o *Orchestrator) SetMode(ctx context.Context, sessionID, mode string) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := o.handle.SetMode(ctx, sessionID, mode); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	o.notify(sessionID, ChangeStatus)
	return nil
}

// ContinueTurn resumes a turn paused at the iteration cap with budget more
// iterations.
func (o *Orchestrator) ContinueTurn(ctx context.Context, sessionID string, budget int) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	c, ok := o.handle.(worker.Continuer)
	if !ok {
		return fmt.Errorf("%w: worker cannot resume turns", ErrNoContinuation)
	}

	s.mu.Lock()
	if s.continuation == nil {
		s.mu.Unlock()
		return ErrNoContinuation
	}
	if s.status != StatusReady {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotReady, s.status)
	}
	paused := s.continuation
	s.continuation = nil
	s.status = StatusPrompting
	s.promptStart = time.Now()
	s.mu.Unlock()
	o.notify(sessionID, ChangeStatus)

	if err := c.Continue(ctx, sessionID, budget); err != nil {
		if errors.Is(err, worker.ErrNoContinuation) {
			s.mu.Lock()
			s.status = StatusReady
			s.promptStart = time.Time{}
			s.mu.Unlock()
			o.notify(sessionID, ChangeStatus)
			return ErrNoContinuation
		}
		s.mu.Lock()
		s.continuation = paused
		s.mu.Unlock()
		err = fmt.Errorf("failed to continue turn: %w", err)
		o.failTurn(s, err, false)
		return err
	}
	return nil
}

// DiscardContinuation abandons a paused turn.
func (o *Orchestrator) DiscardContinuation(sessionID string) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	had := s.continuation != nil
	s.continuation = nil
	s.mu.Unlock()
	if !had {
		return ErrNoContinuation
	}
	o.notify(sessionID, ChangeStatus)
	return nil
}
