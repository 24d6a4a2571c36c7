package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// EventBroadcaster handles broadcasting events to all authenticated clients
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{clients: clients, logger: logger}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event, sessionID string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Seq:       int64(atomic.AddUint64(&b.seq, 1)),
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	failed := 0
	clients := b.clients.Authenticated()
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.logger.Warn().Err(err).Str("clientId", client.ID).Str("event", event).Msg("Failed to broadcast to client")
			failed++
		}
	}
	b.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// changeRelay turns orchestrator change notifications into client events.
// Watch callbacks only enqueue; a single goroutine reads state and writes.
type changeRelay struct {
	engine      Engine
	broadcaster *EventBroadcaster
	logger      zerolog.Logger

	changes chan orchestrator.Change
	done    chan struct{}
	stop    func()
	once    sync.Once

	// sent counts the transcript messages already delivered per session.
	sent map[string]int
}

const relayBuffer = 1024

func newChangeRelay(engine Engine, broadcaster *EventBroadcaster, logger zerolog.Logger) *changeRelay {
	return &changeRelay{
		engine:      engine,
		broadcaster: broadcaster,
		logger:      logger,
		changes:     make(chan orchestrator.Change, relayBuffer),
		done:        make(chan struct{}),
		sent:        make(map[string]int),
	}
}

func (r *changeRelay) start() {
	r.stop = r.engine.Watch(func(c orchestrator.Change) {
		select {
		case r.changes <- c:
		default:
			r.logger.Warn().Str("kind", string(c.Kind)).Str("session_id", c.SessionID).Msg("Change relay full, dropping notification")
		}
	})
	go r.run()
}

func (r *changeRelay) close() {
	r.once.Do(func() {
		started := r.stop != nil
		if started {
			r.stop()
		}
		close(r.changes)
		if started {
			<-r.done
		}
	})
}

func (r *changeRelay) run() {
	defer close(r.done)
	for c := range r.changes {
		r.relay(c)
	}
}

func (r *changeRelay) relay(c orchestrator.Change) {
	event := "session." + string(c.Kind)
	switch c.Kind {
	case orchestrator.ChangeSessionRemoved:
		delete(r.sent, c.SessionID)
		r.broadcaster.Broadcast(event, c.SessionID, map[string]string{"sessionId": c.SessionID})

	case orchestrator.ChangeMessage:
		msgs, err := r.engine.Transcript(c.SessionID)
		if err != nil {
			return
		}
		from := r.sent[c.SessionID]
		if from > len(msgs) {
			from = 0
		}
		r.sent[c.SessionID] = len(msgs)
		// In-place tool call updates resend the whole transcript.
		if from == len(msgs) {
			from = 0
		}
		r.broadcaster.Broadcast(event, c.SessionID, map[string]interface{}{
			"from":     from,
			"messages": msgs[from:],
		})

	case orchestrator.ChangeBuffer:
		content, thought, err := r.engine.Buffers(c.SessionID)
		if err != nil {
			return
		}
		r.broadcaster.Broadcast(event, c.SessionID, map[string]string{"content": content, "thought": thought})

	case orchestrator.ChangePlan:
		plan, err := r.engine.Plan(c.SessionID)
		if err != nil {
			return
		}
		r.broadcaster.Broadcast(event, c.SessionID, map[string]interface{}{"plan": plan})

	case orchestrator.ChangeApprovals:
		r.broadcaster.Broadcast(event, c.SessionID, approvalsPayload(r.engine))

	default:
		snap, err := r.engine.Session(c.SessionID)
		if err != nil {
			return
		}
		r.broadcaster.Broadcast(event, c.SessionID, snap)
	}
}
