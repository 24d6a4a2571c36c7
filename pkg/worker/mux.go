package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Mux routes sessions to the backend registered for their agent kind and
// merges every backend's event stream into one subscription.
type Mux struct {
	mu       sync.RWMutex
	backends map[string]Handle
	owners   map[string]Handle
}

// NewMux creates an empty Mux
func NewMux() *Mux {
	return &Mux{
		backends: make(map[string]Handle),
		owners:   make(map[string]Handle),
	}
}

// Register serves agentKind from backend. Registering a kind again replaces
// the backend for future spawns.
func (m *Mux) Register(agentKind string, backend Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[agentKind] = backend
}

// Kinds returns the registered agent kinds, sorted.
func (m *Mux) Kinds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	kinds := make([]string, 0, len(m.backends))
	for k := range m.backends {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (m *Mux) distinct() []Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[Handle]bool)
	var out []Handle
	for _, kind := range sortedKeys(m.backends) {
		b := m.backends[kind]
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

func sortedKeys(m map[string]Handle) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Mux) owner(sessionID string) (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.owners[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return b, nil
}

// Spawn implements Handle.
func (m *Mux) Spawn(ctx context.Context, agentKind, cwd string, opts SpawnOptions) (SessionInfo, error) {
	m.mu.RLock()
	backend, ok := m.backends[agentKind]
	m.mu.RUnlock()
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentKind)
	}

	info, err := backend.Spawn(ctx, agentKind, cwd, opts)
	if err != nil {
		return SessionInfo{}, err
	}

	m.mu.Lock()
	m.owners[info.SessionID] = backend
	m.mu.Unlock()
	return info, nil
}

// SendPrompt implements Handle.
func (m *Mux) SendPrompt(ctx context.Context, sessionID, text string, pc PromptContext) error {
	b, err := m.owner(sessionID)
	if err != nil {
		return err
	}
	return b.SendPrompt(ctx, sessionID, text, pc)
}

// Cancel implements Handle.
func (m *Mux) Cancel(ctx context.Context, sessionID string) error {
	b, err := m.owner(sessionID)
	if err != nil {
		return err
	}
	return b.Cancel(ctx, sessionID)
}

// SetMode implements Handle.
func (m *Mux) SetMode(ctx context.Context, sessionID, mode string) error {
	b, err := m.owner(sessionID)
	if err != nil {
		return err
	}
	return b.SetMode(ctx, sessionID, mode)
}

// RespondPermission implements Handle.
func (m *Mux) RespondPermission(ctx context.Context, sessionID, requestID, optionID string) error {
	b, err := m.owner(sessionID)
	if err != nil {
		return err
	}
	return b.RespondPermission(ctx, sessionID, requestID, optionID)
}

// RespondDiffProposal implements Handle.
func (m *Mux) RespondDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error {
	b, err := m.owner(sessionID)
	if err != nil {
		return err
	}
	return b.RespondDiffProposal(ctx, sessionID, proposalID, accepted)
}

// Continue implements Continuer for backends that support it.
func (m *Mux) Continue(ctx context.Context, sessionID string, budget int) error {
	b, err := m.owner(sessionID)
	if err != nil {
		return err
	}
	c, ok := b.(Continuer)
	if !ok {
		return fmt.Errorf("session %s cannot continue a paused turn", sessionID)
	}
	return c.Continue(ctx, sessionID, budget)
}

// Terminate implements Handle.
func (m *Mux) Terminate(ctx context.Context, sessionID string) error {
	b, err := m.owner(sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.owners, sessionID)
	m.mu.Unlock()

	return b.Terminate(ctx, sessionID)
}

// Subscribe merges one subscription per distinct backend. Events from a
// single backend keep their order.
func (m *Mux) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	backends := m.distinct()

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})
	var cancels []func()
	var wg sync.WaitGroup

	for _, b := range backends {
		ch, cancel, err := b.Subscribe(ctx)
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return nil, nil, err
		}
		cancels = append(cancels, cancel)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range ch {
				select {
				case out <- ev:
				case <-done:
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			for _, c := range cancels {
				c()
			}
		})
	}
	return out, stop, nil
}
