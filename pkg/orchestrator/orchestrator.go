package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/transcript"
	"github.com/harun/conductor/pkg/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const defaultSpawnTimeout = 30 * time.Second

// Orchestrator owns every session spawned through a worker.Handle. It holds
// a single subscription to the handle's event stream while at least one
// session exists and routes each event to the session it names.
type Orchestrator struct {
	handle       worker.Handle
	store        transcript.Store
	logger       zerolog.Logger
	spawnTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	active   string
	spawning int
	// early holds ready notices for sessions whose Spawn call has not
	// returned yet.
	early map[string]struct{}

	routerStop func()
	routerDone chan struct{}

	approvals approvalQueues

	watchMu  sync.RWMutex
	watchSeq int
	watchers map[int]func(Change)
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithSpawnTimeout bounds how long Spawn waits for a ready notice before
// treating the session as ready anyway.
func WithSpawnTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.spawnTimeout = d
		}
	}
}

// WithTranscriptStore persists every transcript message as it lands.
func WithTranscriptStore(store transcript.Store) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// New creates a new Orchestrator instance
func New(handle worker.Handle, opts ...Option) *Orchestrator {
	observability.EnsureRegistered()

	o := &Orchestrator{
		handle:       handle,
		logger:       log.Logger,
		spawnTimeout: defaultSpawnTimeout,
		sessions:     make(map[string]*session),
		early:        make(map[string]struct{}),
		watchers:     make(map[int]func(Change)),
	}
	o.approvals.init()

	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Watch registers fn for change notifications and returns a function that
// removes it. Callbacks run synchronously on the goroutine that made the
// change and must not block.
func (o *Orchestrator) Watch(fn func(Change)) func() {
	o.watchMu.Lock()
	defer o.watchMu.Unlock()
	o.watchSeq++
	id := o.watchSeq
	o.watchers[id] = fn
	return func() {
		o.watchMu.Lock()
		defer o.watchMu.Unlock()
		delete(o.watchers, id)
	}
}

func (o *Orchestrator) notify(sessionID string, kinds ...ChangeKind) {
	o.watchMu.RLock()
	defer o.watchMu.RUnlock()
	for _, kind := range kinds {
		for _, fn := range o.watchers {
			fn(Change{Kind: kind, SessionID: sessionID})
		}
	}
}

// Spawn starts a session of agentKind in cwd, focuses it, and waits until
// it is ready. A session that never reports ready is forced ready once
// the spawn timeout elapses.
func (o *Orchestrator) Spawn(ctx context.Context, agentKind, cwd string, opts worker.SpawnOptions) (Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "conductor.orchestrator", "orchestrator.spawn",
		attribute.String("agent_kind", agentKind),
		attribute.String("cwd", cwd),
	)
	defer span.End()

	s, err := o.spawnSession(ctx, agentKind, cwd, opts, nil, true)
	if err != nil {
		tracing.RecordError(span, err)
		return Snapshot{}, err
	}
	if err := s.waitReady(ctx); err != nil {
		return o.snapshot(s), err
	}
	return o.snapshot(s), nil
}

func (o *Orchestrator) spawnSession(ctx context.Context, agentKind, cwd string, opts worker.SpawnOptions, restore []Message, focus bool) (*session, error) {
	logger := tracing.LoggerFromContext(ctx, o.logger)

	if err := o.ensureRouter(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.spawning++
	o.mu.Unlock()

	start := time.Now()
	info, err := o.handle.Spawn(ctx, agentKind, cwd, opts)
	if err != nil {
		o.mu.Lock()
		o.spawning--
		if o.spawning == 0 {
			o.early = make(map[string]struct{})
		}
		idle := o.spawning == 0 && len(o.sessions) == 0
		o.mu.Unlock()
		if idle {
			o.stopRouter()
		}
		observability.RecordSpawn(agentKind, time.Since(start), false)
		return nil, fmt.Errorf("failed to spawn %s session: %w", agentKind, err)
	}
	if info.AgentKind == "" {
		info.AgentKind = agentKind
	}
	if info.Cwd == "" {
		info.Cwd = cwd
	}

	s := newSession(info, opts.Mode, restore)

	o.mu.Lock()
	o.sessions[s.id] = s
	o.spawning--
	_, seenReady := o.early[s.id]
	delete(o.early, s.id)
	if o.spawning == 0 {
		o.early = make(map[string]struct{})
	}
	if focus || o.active == "" {
		o.active = s.id
	}
	count := len(o.sessions)
	o.mu.Unlock()

	o.armReadiness(s, seenReady)

	observability.RecordSpawn(agentKind, time.Since(start), true)
	observability.SetActiveSessions(count)
	logger.Info().
		Str("session_id", s.id).
		Str("agent_kind", agentKind).
		Str("cwd", info.Cwd).
		Int("restored", len(restore)).
		Msg("Session spawned")

	o.persist(ctx, s.id, restore...)
	o.notify(s.id, ChangeSessionAdded)
	if focus {
		o.notify(s.id, ChangeActive)
	}
	return s, nil
}

// armReadiness opens the gate if the ready notice came in during the spawn
// call, and otherwise starts the forced-ready timer. A notice routed after
// registration may already have opened the gate; no timer is armed then.
func (o *Orchestrator) armReadiness(s *session, seenReady bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case seenReady:
		s.resolveLocked(false)
	case !s.readyClosed:
		s.timer = time.AfterFunc(o.spawnTimeout, func() { o.forceReady(s) })
	}
}

func (o *Orchestrator) forceReady(s *session) {
	s.mu.Lock()
	forced := s.resolveLocked(true)
	s.mu.Unlock()
	if !forced {
		return
	}

	observability.RecordSpawnTimeout()
	o.logger.Warn().
		Str("session_id", s.id).
		Dur("timeout", o.spawnTimeout).
		Msg("Session did not report ready in time, forcing ready")
	o.notify(s.id, ChangeStatus)
}

// Terminate stops a session and forgets it. The router subscription is
// released once no sessions remain.
func (o *Orchestrator) Terminate(ctx context.Context, sessionID string) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	o.remove(s)

	if err := o.handle.Terminate(ctx, sessionID); err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("Worker terminate failed")
		return fmt.Errorf("failed to terminate session: %w", err)
	}
	return nil
}

// remove drops s from the owned set, resolves its gate, discards its
// approvals, and moves focus if it was active.
func (o *Orchestrator) remove(s *session) {
	o.detach(s)
}

// detach is remove returning the prompts still queued on s. Once s is
// Terminated no further prompt can be queued on it.
func (o *Orchestrator) detach(s *session) []prompt {
	s.mu.Lock()
	s.resolveLocked(false)
	s.status = StatusTerminated
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	o.mu.Lock()
	if o.sessions[s.id] != s {
		o.mu.Unlock()
		return queued
	}
	delete(o.sessions, s.id)
	focusMoved := false
	if o.active == s.id {
		o.active = o.mostRecentLocked()
		focusMoved = true
	}
	count := len(o.sessions)
	idle := count == 0 && o.spawning == 0
	o.mu.Unlock()

	dropped := o.approvals.dropSession(s.id)
	observability.SetActiveSessions(count)
	o.updateQueuedMetric()

	if idle {
		o.stopRouter()
	}

	o.logger.Info().Str("session_id", s.id).Int("remaining", count).Msg("Session terminated")
	o.notify(s.id, ChangeStatus, ChangeSessionRemoved)
	if dropped {
		o.notify(s.id, ChangeApprovals)
	}
	if focusMoved {
		o.notify(o.Active(), ChangeActive)
	}
	return queued
}

func (o *Orchestrator) mostRecentLocked() string {
	var (
		best   string
		bestAt time.Time
	)
	for id, s := range o.sessions {
		if best == "" || s.createdAt.After(bestAt) {
			best, bestAt = id, s.createdAt
		}
	}
	return best
}

// SetActive focuses a session.
func (o *Orchestrator) SetActive(sessionID string) error {
	o.mu.Lock()
	if _, ok := o.sessions[sessionID]; !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	changed := o.active != sessionID
	o.active = sessionID
	o.mu.Unlock()
	if changed {
		o.notify(sessionID, ChangeActive)
	}
	return nil
}

// Active returns the focused session id, or "" when there are no sessions.
func (o *Orchestrator) Active() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *Orchestrator) lookup(sessionID string) (*session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

func (o *Orchestrator) snapshot(s *session) Snapshot {
	active := o.Active()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(active)
}

// Sessions lists every owned session, oldest first.
func (o *Orchestrator) Sessions() []Snapshot {
	o.mu.Lock()
	list := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		list = append(list, s)
	}
	active := o.active
	o.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		out = append(out, s.snapshotLocked(active))
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Session returns a view of one session.
func (o *Orchestrator) Session(sessionID string) (Snapshot, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return o.snapshot(s), nil
}

// Transcript returns a copy of a session's messages.
func (o *Orchestrator) Transcript(sessionID string) ([]Message, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptLocked(), nil
}

// Plan returns a copy of a session's current plan.
func (o *Orchestrator) Plan(sessionID string) ([]worker.PlanEntry, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]worker.PlanEntry(nil), s.plan...), nil
}

// Buffers returns the not yet flushed streaming text of a session.
func (o *Orchestrator) Buffers(sessionID string) (content, thought string, err error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return "", "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String(), s.thought.String(), nil
}

// Close releases the router subscription and stops readiness timers. It
// does not terminate workers.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	list := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		list = append(list, s)
	}
	o.mu.Unlock()

	for _, s := range list {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()
	}
	o.stopRouter()
}

func (o *Orchestrator) persist(ctx context.Context, sessionID string, msgs ...Message) {
	if o.store == nil {
		return
	}
	for _, m := range msgs {
		rec := transcript.Record{
			SessionID:  sessionID,
			MessageID:  m.ID,
			Kind:       string(m.Kind),
			Content:    m.Content,
			Timestamp:  m.Timestamp,
			DurationMs: m.Duration.Milliseconds(),
			ToolCallID: m.ToolCallID,
		}
		if m.ToolCall != nil || m.Diff != nil {
			rec.Data, _ = json.Marshal(struct {
				ToolCall *ToolCallRecord `json:"toolCall,omitempty"`
				Diff     *worker.Diff    `json:"diff,omitempty"`
			}{m.ToolCall, m.Diff})
		}
		if err := o.store.Append(ctx, rec); err != nil {
			o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to persist transcript message")
		}
	}
}

func (o *Orchestrator) updateQueuedMetric() {
	o.mu.Lock()
	list := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		list = append(list, s)
	}
	o.mu.Unlock()

	total := 0
	for _, s := range list {
		s.mu.Lock()
		total += len(s.queue)
		s.mu.Unlock()
	}
	observability.SetQueuedPrompts(total)
}
