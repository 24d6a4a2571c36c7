package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/commandqueue"
	"github.com/harun/conductor/pkg/coretools"
	"github.com/harun/conductor/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const defaultToolTimeout = 5 * time.Minute

// Errors specific to ModelHost.
var (
	ErrNoContinuation  = errors.New("no paused turn to continue")
	ErrRequestNotFound = errors.New("approval request is not pending")
)

// ModelAgent configures one model-backed agent kind.
type ModelAgent struct {
	Profile      agent.AuthProfile
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	// NoTools hides the tool catalog from this agent.
	NoTools bool
	// Policy narrows the catalog for this agent. nil falls back to the
	// host policy.
	Policy *toolexecutor.ToolPolicy
}

// ModelHostConfig holds ModelHost configuration
type ModelHostConfig struct {
	Agents map[string]ModelAgent
	// Tools is the registry offered to sessions; nil means no tools.
	Tools *toolexecutor.ToolExecutor
	// Policy applies to agents without their own.
	Policy *toolexecutor.ToolPolicy
	// PermissionTools need a granted permission request in ModeAsk.
	PermissionTools []string
	// ToolTimeout bounds one tool call, including time spent waiting for a
	// permission or diff decision.
	ToolTimeout time.Duration

	MaxIterations int
	Retrier       agent.Retrier

	// NewProvider builds the model transport for a profile.
	NewProvider func(agent.AuthProfile) (agent.LLMProvider, error)
	Logger      zerolog.Logger
}

// ModelHost is an in-process worker host. Each session runs the tool loop
// against a model provider; turns for one session are serialized on a
// commandqueue lane named after the session id.
type ModelHost struct {
	cfg    ModelHostConfig
	queue  *commandqueue.CommandQueue
	events *broadcaster

	mu       sync.Mutex
	sessions map[string]*modelSession
}

type modelSession struct {
	info  SessionInfo
	spec  ModelAgent
	loop  *agent.ToolLoop
	tools []agent.ToolSpec

	mu           sync.Mutex
	mode         string
	history      []agent.Message
	continuation *agent.IterationState
	permissions  map[string]chan string
	proposals    map[string]chan bool
}

// NewModelHost creates a new model host
func NewModelHost(cfg ModelHostConfig) *ModelHost {
	if cfg.NewProvider == nil {
		factory := &agent.ProviderFactory{}
		cfg.NewProvider = factory.NewProvider
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.PermissionTools == nil {
		cfg.PermissionTools = coretools.PermissionTools
	}
	return &ModelHost{
		cfg:      cfg,
		queue:    commandqueue.New(),
		events:   newBroadcaster(),
		sessions: make(map[string]*modelSession),
	}
}

// Spawn implements Handle. The ready status is published asynchronously,
// after Spawn returns.
func (h *ModelHost) Spawn(ctx context.Context, agentKind, cwd string, opts SpawnOptions) (SessionInfo, error) {
	spec, ok := h.cfg.Agents[agentKind]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentKind)
	}

	_, span := tracing.StartSpan(ctx, "conductor.worker", "worker.model.spawn",
		attribute.String("agent_kind", agentKind),
		attribute.String("model", spec.Model))
	defer span.End()

	provider, err := h.cfg.NewProvider(spec.Profile)
	if err != nil {
		tracing.RecordError(span, err)
		return SessionInfo{}, fmt.Errorf("failed to create provider: %w", err)
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeAuto
	}
	if err := validMode(mode); err != nil {
		return SessionInfo{}, err
	}

	sessionID := uuid.New().String()
	s := &modelSession{
		info: SessionInfo{
			SessionID: sessionID,
			AgentKind: agentKind,
			Cwd:       cwd,
			Mode:      mode,
			CreatedAt: time.Now(),
		},
		spec:        spec,
		mode:        mode,
		history:     append([]agent.Message(nil), opts.History...),
		permissions: make(map[string]chan string),
		proposals:   make(map[string]chan bool),
	}

	var executor agent.ToolExecutor
	if h.cfg.Tools != nil && !spec.NoTools {
		policy := spec.Policy
		if policy == nil {
			policy = h.cfg.Policy
		}
		s.tools = agent.ToolSpecs(h.cfg.Tools, policy)
		executor = &gatedExecutor{
			host: h,
			s:    s,
			inner: agent.NewRegistryExecutor(h.cfg.Tools, &toolexecutor.ExecutionContext{
				SessionID:  sessionID,
				WorkingDir: cwd,
				Timeout:    h.cfg.ToolTimeout,
				ToolPolicy: policy,
			}),
		}
	}

	s.loop, err = agent.NewToolLoop(agent.LoopConfig{
		Provider:      provider,
		Tools:         executor,
		Retrier:       h.cfg.Retrier,
		Logger:        h.cfg.Logger.With().Str("session_id", sessionID).Logger(),
		MaxIterations: h.cfg.MaxIterations,
		SystemPrompt:  spec.SystemPrompt,
		Temperature:   spec.Temperature,
		MaxTokens:     spec.MaxTokens,
		Stream:        true,
	})
	if err != nil {
		return SessionInfo{}, err
	}

	h.mu.Lock()
	h.sessions[sessionID] = s
	h.mu.Unlock()

	h.cfg.Logger.Info().
		Str("session_id", sessionID).
		Str("agent_kind", agentKind).
		Str("model", spec.Model).
		Int("tools", len(s.tools)).
		Msg("Model session spawned")

	go h.publish(s, Event{Type: EventSessionStatus, Status: &SessionStatus{Status: StatusReady}})
	return s.info, nil
}

func (h *ModelHost) lookup(sessionID string) (*modelSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

func (h *ModelHost) publish(s *modelSession, ev Event) {
	ev.SessionID = s.info.SessionID
	h.events.publish(ev)
}

// SendPrompt queues a turn on the session's lane and returns once accepted.
// A new prompt abandons any paused turn.
func (h *ModelHost) SendPrompt(ctx context.Context, sessionID, text string, pc PromptContext) error {
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}

	user := agent.Message{Role: agent.RoleUser, Content: text, Images: pc.Images}

	h.queue.Submit(ctx, sessionID, func(ctx context.Context) (interface{}, error) {
		s.mu.Lock()
		messages := append(append([]agent.Message(nil), s.history...), user)
		s.continuation = nil
		s.mu.Unlock()

		h.runTurn(ctx, s, func(ctx context.Context, emit func(agent.LoopEvent)) (*agent.Outcome, error) {
			return s.loop.Run(ctx, messages, s.spec.Model, s.tools, emit)
		})
		return nil, nil
	})
	return nil
}

// Continue resumes the session's paused turn for budget more iterations.
func (h *ModelHost) Continue(ctx context.Context, sessionID string, budget int) error {
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	state := s.continuation
	s.continuation = nil
	s.mu.Unlock()
	if state == nil {
		return ErrNoContinuation
	}

	h.queue.Submit(ctx, sessionID, func(ctx context.Context) (interface{}, error) {
		h.runTurn(ctx, s, func(ctx context.Context, emit func(agent.LoopEvent)) (*agent.Outcome, error) {
			return s.loop.Resume(ctx, *state, budget, emit)
		})
		return nil, nil
	})
	return nil
}

// runTurn executes one Run or Resume and reports how it ended.
func (h *ModelHost) runTurn(ctx context.Context, s *modelSession, run func(context.Context, func(agent.LoopEvent)) (*agent.Outcome, error)) {
	ctx = tracing.WithSessionID(ctx, s.info.SessionID)
	ctx = coretools.WithChangeHook(ctx, &changeReviewer{host: h, s: s})
	logger := tracing.LoggerFromContext(ctx, h.cfg.Logger)

	out, err := run(ctx, func(ev agent.LoopEvent) { h.forward(s, ev) })

	switch {
	case err != nil && ctx.Err() != nil:
		h.publish(s, Event{Type: EventPromptComplete, Complete: &PromptComplete{StopReason: StopCancelled}})
	case err != nil:
		logger.Error().Err(err).Msg("Model turn failed")
		h.publish(s, Event{Type: EventError, Error: &ErrorInfo{
			Message: err.Error(),
			Fatal:   errors.Is(err, agent.ErrAuthentication),
		}})
		h.publish(s, Event{Type: EventPromptComplete, Complete: &PromptComplete{StopReason: StopError}})
	case out.Completed:
		s.mu.Lock()
		s.history = out.Messages
		s.mu.Unlock()
		usage := out.Usage
		h.publish(s, Event{Type: EventPromptComplete, Complete: &PromptComplete{StopReason: StopEndTurn, Usage: &usage}})
	default:
		s.mu.Lock()
		s.history = out.State.Messages
		s.continuation = out.State
		s.mu.Unlock()
		h.publish(s, Event{Type: EventIterationLimit, Limit: &IterationLimit{Iteration: out.State.Iteration}})
	}
}

// forward maps loop events onto worker events.
func (h *ModelHost) forward(s *modelSession, ev agent.LoopEvent) {
	switch ev.Type {
	case agent.EventContentDelta, agent.EventContent:
		if ev.Content != "" {
			h.publish(s, Event{Type: EventMessageChunk, Chunk: &MessageChunk{Text: ev.Content}})
		}
	case agent.EventToolCalls:
		for _, call := range ev.ToolCalls {
			h.publish(s, Event{Type: EventToolCall, ToolCall: &ToolCall{
				ID:     call.ID,
				Title:  call.Name,
				Kind:   toolKind(call.Name),
				Status: "in_progress",
				Input:  call.Parameters,
			}})
		}
	case agent.EventToolResults:
		for _, result := range ev.ToolResults {
			status := "completed"
			if result.IsError {
				status = "failed"
			}
			h.publish(s, Event{Type: EventToolResult, ToolResult: &ToolResult{
				ToolCallID: result.ToolCallID,
				Status:     status,
				Content:    result.Content,
				IsError:    result.IsError,
			}})
		}
	case agent.EventRetry:
		h.publish(s, Event{Type: EventSessionStatus, Status: &SessionStatus{
			Status:      StatusRetrying,
			Attempt:     ev.Retry.Attempt,
			MaxAttempts: ev.Retry.MaxAttempts,
		}})
	}
}

func toolKind(name string) string {
	switch name {
	case "read_file", "list_dir":
		return "read"
	case "write_file", "edit_file":
		return "edit"
	case "exec":
		return "execute"
	default:
		return "other"
	}
}

// Cancel aborts the running turn, if any. Queued turns still run.
func (h *ModelHost) Cancel(ctx context.Context, sessionID string) error {
	if _, err := h.lookup(sessionID); err != nil {
		return err
	}
	h.queue.CancelRunning(sessionID)
	return nil
}

// SetMode implements Handle.
func (h *ModelHost) SetMode(ctx context.Context, sessionID, mode string) error {
	if err := validMode(mode); err != nil {
		return err
	}
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	return nil
}

func validMode(mode string) error {
	if mode != ModeAuto && mode != ModeAsk {
		return fmt.Errorf("unsupported mode %q", mode)
	}
	return nil
}

// RespondPermission implements Handle.
func (h *ModelHost) RespondPermission(ctx context.Context, sessionID, requestID, optionID string) error {
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ch, ok := s.permissions[requestID]
	delete(s.permissions, requestID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("permission %s: %w", requestID, ErrRequestNotFound)
	}
	ch <- optionID
	return nil
}

// RespondDiffProposal implements Handle.
func (h *ModelHost) RespondDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error {
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ch, ok := s.proposals[proposalID]
	delete(s.proposals, proposalID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("diff proposal %s: %w", proposalID, ErrRequestNotFound)
	}
	ch <- accepted
	return nil
}

// Terminate drops the session, cancelling its running and queued turns.
func (h *ModelHost) Terminate(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	_, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	h.queue.ResetLane(sessionID)
	h.cfg.Logger.Info().Str("session_id", sessionID).Msg("Model session terminated")
	return nil
}

// Subscribe implements Handle.
func (h *ModelHost) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ch, cancel := h.events.subscribe(ctx)
	return ch, cancel, nil
}

// Close cancels all running turns.
func (h *ModelHost) Close() error {
	return h.queue.Close()
}

// await blocks until a response arrives on ch or ctx ends.
func await[T any](ctx context.Context, ch <-chan T) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// gatedExecutor asks for permission before running PermissionTools when the
// session is in ModeAsk.
type gatedExecutor struct {
	host  *ModelHost
	s     *modelSession
	inner agent.ToolExecutor
}

func (g *gatedExecutor) ExecuteAll(ctx context.Context, calls []agent.ToolCall) []agent.ToolResult {
	g.s.mu.Lock()
	ask := g.s.mode == ModeAsk
	g.s.mu.Unlock()
	if !ask {
		return g.inner.ExecuteAll(ctx, calls)
	}

	results := make([]agent.ToolResult, len(calls))
	var allowed []agent.ToolCall
	var slots []int
	for i, call := range calls {
		if g.needsPermission(call.Name) && !g.ask(ctx, call) {
			results[i] = agent.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    "permission denied by user",
				IsError:    true,
			}
			continue
		}
		allowed = append(allowed, call)
		slots = append(slots, i)
	}

	if len(allowed) > 0 {
		for j, r := range g.inner.ExecuteAll(ctx, allowed) {
			results[slots[j]] = r
		}
	}
	return results
}

func (g *gatedExecutor) needsPermission(name string) bool {
	for _, n := range g.host.cfg.PermissionTools {
		if n == name {
			return true
		}
	}
	return false
}

func (g *gatedExecutor) ask(ctx context.Context, call agent.ToolCall) bool {
	requestID := "perm-" + uuid.New().String()
	ch := make(chan string, 1)

	g.s.mu.Lock()
	g.s.permissions[requestID] = ch
	g.s.mu.Unlock()
	defer func() {
		g.s.mu.Lock()
		delete(g.s.permissions, requestID)
		g.s.mu.Unlock()
	}()

	g.host.publish(g.s, Event{Type: EventPermissionRequest, Permission: &PermissionRequest{
		RequestID: requestID,
		Title:     "Run " + call.Name,
		ToolCall:  &ToolCall{ID: call.ID, Title: call.Name, Kind: toolKind(call.Name), Input: call.Parameters},
		Options: []PermissionOption{
			{ID: "allow", Label: "Allow", Kind: "allow"},
			{ID: "deny", Label: "Deny", Kind: "deny"},
		},
	}})

	option, ok := await(ctx, ch)
	return ok && option == "allow"
}

// changeReviewer turns file edits into diff proposals in ModeAsk and reports
// applied edits as diff events.
type changeReviewer struct {
	host *ModelHost
	s    *modelSession
}

func (r *changeReviewer) Review(ctx context.Context, change coretools.Change) (bool, error) {
	r.s.mu.Lock()
	ask := r.s.mode == ModeAsk
	r.s.mu.Unlock()
	if !ask {
		return true, nil
	}

	proposalID := "diff-" + uuid.New().String()
	ch := make(chan bool, 1)

	r.s.mu.Lock()
	r.s.proposals[proposalID] = ch
	r.s.mu.Unlock()
	defer func() {
		r.s.mu.Lock()
		delete(r.s.proposals, proposalID)
		r.s.mu.Unlock()
	}()

	r.host.publish(r.s, Event{Type: EventDiffProposal, Proposal: &DiffProposal{
		ProposalID: proposalID,
		ToolCallID: change.ToolCallID,
		Path:       change.Path,
		OldText:    change.OldText,
		NewText:    change.NewText,
	}})

	accepted, ok := await(ctx, ch)
	if !ok {
		return false, ctx.Err()
	}
	return accepted, nil
}

func (r *changeReviewer) Applied(ctx context.Context, change coretools.Change) {
	r.host.publish(r.s, Event{Type: EventDiff, Diff: &Diff{
		ToolCallID: change.ToolCallID,
		Path:       change.Path,
		OldText:    change.OldText,
		NewText:    change.NewText,
	}})
}
