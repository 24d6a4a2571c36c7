// Package hooks runs user shell scripts when sessions change state.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// Events a hook can subscribe to.
const (
	EventSessionSpawned    = "session.spawned"
	EventSessionTerminated = "session.terminated"
	EventSessionError      = "session.error"
	EventPromptCompleted   = "prompt.completed"
)

var knownEvents = map[string]bool{
	EventSessionSpawned:    true,
	EventSessionTerminated: true,
	EventSessionError:      true,
	EventPromptCompleted:   true,
}

const (
	envPrefix      = "CONDUCTOR_HOOK_"
	defaultTimeout = 30 * time.Second
	backlog        = 256
)

// Hook is one script bound to an event.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
}

// Config configures a hook Manager.
type Config struct {
	Hooks  []Hook
	Logger zerolog.Logger
}

// Manager executes the hooks registered for each event.
type Manager struct {
	logger  zerolog.Logger
	byEvent map[string][]Hook
}

// NewManager validates hooks and groups them by event.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		logger:  cfg.Logger.With().Str("component", "hooks").Logger(),
		byEvent: make(map[string][]Hook),
	}
	for i, hook := range cfg.Hooks {
		event := strings.TrimSpace(hook.Event)
		if !knownEvents[event] {
			return nil, fmt.Errorf("hook %d: unknown event %q", i, hook.Event)
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook %d: script is required for event %q", i, event)
		}
		if hook.ID == "" {
			hook.ID = fmt.Sprintf("%s#%d", event, i)
		}
		if hook.Timeout <= 0 {
			hook.Timeout = defaultTimeout
		}
		m.byEvent[event] = append(m.byEvent[event], hook)
	}
	return m, nil
}

// Empty reports whether no hooks are registered.
func (m *Manager) Empty() bool {
	return len(m.byEvent) == 0
}

// Trigger runs every hook for event in registration order and joins their
// failures.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]string) error {
	var errs []error
	for _, hook := range m.byEvent[event] {
		if err := m.run(ctx, event, hook, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) run(ctx context.Context, event string, hook Hook, data map[string]string) error {
	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = environment(event, data)
	if dir := data["cwd"]; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			cmd.Dir = dir
		}
	}

	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		if text != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hook.ID, err, text)
		}
		return fmt.Errorf("hook %s failed: %w", hook.ID, err)
	}
	if text != "" {
		m.logger.Debug().Str("event", event).Str("hook_id", hook.ID).Str("output", text).Msg("Hook executed")
	}
	return nil
}

func environment(event string, data map[string]string) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, envPrefix+"EVENT="+event)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, envPrefix+envKey(key)+"="+data[key])
	}
	return env
}

func envKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(key)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "UNKNOWN"
	}
	return b.String()
}

// Source is the orchestrator surface hooks observe.
type Source interface {
	Watch(fn func(orchestrator.Change)) func()
	Session(sessionID string) (orchestrator.Snapshot, error)
}

// observed is a change paired with the session as it was when the change
// was published.
type observed struct {
	change orchestrator.Change
	snap   orchestrator.Snapshot
	found  bool
}

// Attach fires hooks for changes published by src until the returned stop
// function is called. Sessions are snapshotted on the notifying goroutine;
// scripts run one at a time off it, in change order.
func (m *Manager) Attach(src Source) (stop func()) {
	changes := make(chan observed, backlog)
	done := make(chan struct{})
	unwatch := src.Watch(func(c orchestrator.Change) {
		ob := observed{change: c}
		switch c.Kind {
		case orchestrator.ChangeSessionRemoved:
		case orchestrator.ChangeSessionAdded, orchestrator.ChangeStatus:
			snap, err := src.Session(c.SessionID)
			ob.snap, ob.found = snap, err == nil
		default:
			return
		}
		select {
		case changes <- ob:
		default:
			m.logger.Warn().Str("session_id", c.SessionID).Msg("Hook backlog full, dropping change")
		}
	})

	go func() {
		defer close(done)
		t := tracker{last: make(map[string]orchestrator.Snapshot)}
		for ob := range changes {
			event, data := t.observe(ob)
			if event == "" || len(m.byEvent[event]) == 0 {
				continue
			}
			if err := m.Trigger(context.Background(), event, data); err != nil {
				m.logger.Warn().Err(err).Str("event", event).Str("session_id", ob.change.SessionID).Msg("Hook failed")
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unwatch()
			close(changes)
			<-done
		})
	}
}

// tracker turns change notifications into hook events by comparing each
// session against the last snapshot seen.
type tracker struct {
	last map[string]orchestrator.Snapshot
}

func (t *tracker) observe(ob observed) (string, map[string]string) {
	id := ob.change.SessionID
	if ob.change.Kind == orchestrator.ChangeSessionRemoved {
		prev := t.last[id]
		delete(t.last, id)
		return EventSessionTerminated, payload(id, prev)
	}
	if !ob.found {
		return "", nil
	}

	snap := ob.snap
	prev, seen := t.last[id]
	t.last[id] = snap

	switch {
	case ob.change.Kind == orchestrator.ChangeSessionAdded:
		return EventSessionSpawned, payload(id, snap)
	case snap.Status == orchestrator.StatusError && (!seen || prev.Status != orchestrator.StatusError):
		data := payload(id, snap)
		data["error"] = snap.LastError
		return EventSessionError, data
	case seen && prev.Status == orchestrator.StatusPrompting && snap.Status == orchestrator.StatusReady:
		return EventPromptCompleted, payload(id, snap)
	}
	return "", nil
}

func payload(sessionID string, snap orchestrator.Snapshot) map[string]string {
	data := map[string]string{"session_id": sessionID}
	if snap.AgentKind != "" {
		data["agent_kind"] = snap.AgentKind
	}
	if snap.Cwd != "" {
		data["cwd"] = snap.Cwd
	}
	if snap.Status != "" {
		data["status"] = string(snap.Status)
	}
	return data
}
