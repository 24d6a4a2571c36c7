package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harun/conductor/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const defaultShutdownGrace = 3 * time.Second

// ProcessAgent is how to launch one agent kind as a child process.
type ProcessAgent struct {
	Command string
	Args    []string
	Env     map[string]string
}

// ProcessHostConfig holds ProcessHost configuration
type ProcessHostConfig struct {
	Agents        map[string]ProcessAgent
	ShutdownGrace time.Duration
	Logger        zerolog.Logger
}

// ProcessHost runs each session in its own child process, speaking NDJSON
// envelopes over stdin and stdout.
type ProcessHost struct {
	cfg    ProcessHostConfig
	events *broadcaster

	mu       sync.Mutex
	sessions map[string]*procSession
}

type procSession struct {
	info   SessionInfo
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}

	writeMu    sync.Mutex
	dead       atomic.Bool
	terminated atomic.Bool
}

// NewProcessHost creates a new process host
func NewProcessHost(cfg ProcessHostConfig) *ProcessHost {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	return &ProcessHost{
		cfg:      cfg,
		events:   newBroadcaster(),
		sessions: make(map[string]*procSession),
	}
}

// Spawn implements Handle.
func (h *ProcessHost) Spawn(ctx context.Context, agentKind, cwd string, opts SpawnOptions) (SessionInfo, error) {
	spec, ok := h.cfg.Agents[agentKind]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentKind)
	}

	_, span := tracing.StartSpan(ctx, "conductor.worker", "worker.process.spawn",
		attribute.String("agent_kind", agentKind))
	defer span.End()

	sessionID := uuid.New().String()
	logger := h.cfg.Logger.With().Str("session_id", sessionID).Str("agent_kind", agentKind).Logger()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "CONDUCTOR_SESSION_ID="+sessionID)
	cmd.Stderr = logger.With().Str("stream", "stderr").Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return SessionInfo{}, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return SessionInfo{}, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		tracing.RecordError(span, err)
		return SessionInfo{}, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeAuto
	}
	s := &procSession{
		info: SessionInfo{
			SessionID: sessionID,
			AgentKind: agentKind,
			Cwd:       cwd,
			Mode:      mode,
			CreatedAt: time.Now(),
		},
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[sessionID] = s
	h.mu.Unlock()

	go h.readLoop(s, stdout, logger)

	if err := h.write(s, CmdInitialize, InitializeCommand{
		SessionID: sessionID,
		Cwd:       cwd,
		Mode:      mode,
		History:   opts.History,
	}); err != nil {
		_ = h.Terminate(context.Background(), sessionID)
		return SessionInfo{}, err
	}

	logger.Info().Int("pid", cmd.Process.Pid).Str("cwd", cwd).Msg("Worker process started")
	return s.info, nil
}

// readLoop publishes the worker's events until stdout closes, then reaps the
// process. An exit the host did not ask for is reported as a dropped worker.
func (h *ProcessHost) readLoop(s *procSession, stdout io.Reader, logger zerolog.Logger) {
	for item := range parseEnvelopes(context.Background(), stdout) {
		if item.Err != nil {
			logger.Warn().Err(item.Err).Bytes("line", item.Raw).Msg("Unreadable worker output")
			continue
		}
		ev, err := decodeEvent(s.info.SessionID, item.Env)
		if err != nil {
			logger.Warn().Err(err).Msg("Dropping worker event")
			continue
		}
		h.events.publish(ev)
	}

	err := s.cmd.Wait()
	s.dead.Store(true)
	close(s.exited)

	if s.terminated.Load() {
		logger.Debug().Msg("Worker process exited")
		return
	}

	logger.Warn().Err(err).Msg("Worker process exited unexpectedly")
	msg := ErrWorkerDropped.Error()
	if err != nil {
		msg += ": " + err.Error()
	}
	h.events.publish(Event{Type: EventError, SessionID: s.info.SessionID, Error: &ErrorInfo{Message: msg}})
	h.events.publish(Event{Type: EventPromptComplete, SessionID: s.info.SessionID, Complete: &PromptComplete{StopReason: StopError}})
}

func (h *ProcessHost) lookup(sessionID string) (*procSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

func (h *ProcessHost) write(s *procSession, typ string, payload interface{}) error {
	if s.dead.Load() {
		return ErrWorkerDropped
	}
	line, err := encodeEnvelope(typ, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(line); err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerDropped, err)
	}
	return nil
}

func (h *ProcessHost) send(sessionID, typ string, payload interface{}) error {
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	return h.write(s, typ, payload)
}

// SendPrompt implements Handle.
func (h *ProcessHost) SendPrompt(ctx context.Context, sessionID, text string, pc PromptContext) error {
	return h.send(sessionID, CmdPrompt, PromptCommand{Text: text, Images: pc.Images})
}

// Cancel implements Handle.
func (h *ProcessHost) Cancel(ctx context.Context, sessionID string) error {
	return h.send(sessionID, CmdCancel, nil)
}

// SetMode implements Handle.
func (h *ProcessHost) SetMode(ctx context.Context, sessionID, mode string) error {
	return h.send(sessionID, CmdSetMode, SetModeCommand{Mode: mode})
}

// RespondPermission implements Handle.
func (h *ProcessHost) RespondPermission(ctx context.Context, sessionID, requestID, optionID string) error {
	return h.send(sessionID, CmdPermissionResponse, PermissionResponse{RequestID: requestID, OptionID: optionID})
}

// RespondDiffProposal implements Handle.
func (h *ProcessHost) RespondDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error {
	return h.send(sessionID, CmdDiffResponse, DiffResponse{ProposalID: proposalID, Accepted: accepted})
}

// Terminate asks the worker to shut down, then kills it after the grace
// period.
func (h *ProcessHost) Terminate(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	s.terminated.Store(true)
	_ = h.write(s, CmdShutdown, nil)
	_ = s.stdin.Close()

	timer := time.NewTimer(h.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-s.exited:
	case <-timer.C:
		h.cfg.Logger.Warn().Str("session_id", sessionID).Msg("Worker ignored shutdown, killing")
		_ = s.cmd.Process.Kill()
		<-s.exited
	case <-ctx.Done():
		_ = s.cmd.Process.Kill()
		return ctx.Err()
	}
	return nil
}

// Subscribe implements Handle.
func (h *ProcessHost) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ch, cancel := h.events.subscribe(ctx)
	return ch, cancel, nil
}

// Close terminates every remaining session.
func (h *ProcessHost) Close() error {
	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		_ = h.Terminate(context.Background(), id)
	}
	return nil
}
