package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/conductor/internal/observability"
	"github.com/rs/zerolog"
)

const (
	defaultTickInterval = 30 * time.Second
	drainTimeout        = 30 * time.Second
	maxRPCBody          = 8 << 20
)

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	// TickInterval spaces the "tick" keepalive events. Zero selects 30s;
	// a negative value disables ticks.
	TickInterval time.Duration
	Engine       Engine
	Logger       zerolog.Logger
}

// Server exposes an Engine to WebSocket clients and to single-shot HTTP
// JSON-RPC callers, and fans engine changes out as events.
type Server struct {
	addr   string
	tick   time.Duration
	engine Engine
	logger zerolog.Logger

	handler  http.Handler
	upgrader websocket.Upgrader
	clients  *ClientRegistry
	router   *RPCRouter
	auth     *Authenticator
	events   *EventBroadcaster
	relay    *changeRelay

	httpServer *http.Server
	draining   atomic.Bool
	inflight   sync.WaitGroup
	stopTicks  context.CancelFunc
	ticksDone  chan struct{}
}

func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Port < 0 || cfg.Port > 65535:
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	case cfg.SharedSecret == "":
		return nil, fmt.Errorf("shared secret is required")
	case cfg.Engine == nil:
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = defaultTickInterval
	}

	clients := NewClientRegistry()
	events := NewEventBroadcaster(clients, cfg.Logger)
	s := &Server{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		tick:    cfg.TickInterval,
		engine:  cfg.Engine,
		logger:  cfg.Logger,
		clients: clients,
		router:  NewRPCRouter(),
		auth:    NewAuthenticator(cfg.SharedSecret),
		events:  events,
		relay:   newChangeRelay(cfg.Engine, events, cfg.Logger),
		// Origin is not checked: the HMAC handshake gates every connection.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", observability.MetricsHandler())
	s.handler = mux

	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP handler serving every gateway route.
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds the listener, serves in the background and starts relaying
// engine changes. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.httpServer = &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Gateway listening")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	s.StartRelay()
	return nil
}

// StartRelay starts change relaying and ticks without binding a listener,
// for callers that mount Handler themselves.
func (s *Server) StartRelay() {
	s.relay.start()
	if s.tick <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopTicks = cancel
	s.ticksDone = make(chan struct{})
	go s.emitTicks(ctx)
}

func (s *Server) emitTicks(ctx context.Context) {
	defer close(s.ticksDone)
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.events.Broadcast("tick", "", map[string]interface{}{
				"status":   "alive",
				"sessions": len(s.engine.Sessions()),
			})
		}
	}
}

// Stop refuses new work, tells clients the server is going away, waits up
// to drainTimeout for in-flight requests and closes every connection.
func (s *Server) Stop() error {
	if !s.draining.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Msg("Gateway shutting down")

	if s.stopTicks != nil {
		s.stopTicks()
		<-s.ticksDone
	}
	s.relay.close()
	s.events.Broadcast("server.shutdown", "", map[string]interface{}{"message": "Server is shutting down"})

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		s.logger.Warn().Dur("waited", drainTimeout).Msg("In-flight requests still running, closing anyway")
	}

	for _, c := range s.clients.All() {
		_ = c.Conn.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}

// Broadcast sends an event to all authenticated clients.
func (s *Server) Broadcast(event, sessionID string, data interface{}) {
	s.events.Broadcast(event, sessionID, data)
}

// RegisterMethod adds a custom RPC method next to the built-in ones.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

func (s *Server) Methods() []string { return s.router.Methods() }

// ConnectedClients describes every connected client.
func (s *Server) ConnectedClients() []ClientInfo { return s.clients.Infos() }
