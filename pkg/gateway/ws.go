package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/conductor/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// handleWebSocket upgrades the connection, registers the client and opens
// the auth handshake. Nothing but auth.response is served until the client
// has signed its challenge.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	id, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           id,
		Conn:         conn,
		IPAddress:    r.RemoteAddr,
		ConnectedAt:  now,
		LastActivity: now,
		RateLimiter:  NewRateLimiter(0, 0),
	}
	s.clients.Add(client)
	log := s.logger.With().Str("clientId", id).Logger()
	log.Info().Str("ip", r.RemoteAddr).Msg("Client connected")

	challenge, err := s.auth.Challenge()
	if err == nil {
		client.Challenge = challenge
		err = client.WriteJSON(AuthChallenge{Event: eventAuthChallenge, Challenge: challenge})
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to send auth challenge")
		s.dropClient(client)
		return
	}
	go s.readLoop(client)
}

func (s *Server) dropClient(c *Client) {
	_ = c.Conn.Close()
	s.clients.Remove(c.ID)
}

func (s *Server) readLoop(c *Client) {
	defer func() {
		s.dropClient(c)
		s.logger.Info().Str("clientId", c.ID).Msg("Client disconnected")
	}()
	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", c.ID).Msg("WebSocket read failed")
			}
			return
		}
		s.clients.Touch(c.ID)
		if !s.handleMessage(c, frame) {
			return
		}
	}
}

// handleMessage processes one frame and reports whether to keep the
// connection open.
func (s *Server) handleMessage(c *Client, frame []byte) bool {
	var hs AuthResponse
	if json.Unmarshal(frame, &hs) == nil && hs.Method == methodAuthResponse {
		return s.handshake(c, hs.Signature)
	}
	if !c.Authenticated {
		s.sendError(c, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(frame)
	if err != nil {
		e := toRPCError(err)
		s.sendError(c, "", e.Code, e.Message)
		return true
	}
	if code, reason, ok := c.RateLimiter.Acquire(); !ok {
		s.sendError(c, req.ID, code, reason)
		return true
	}

	// Requests run concurrently so a slow prompt does not block approvals
	// sent on the same connection.
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer c.RateLimiter.Release()

		ctx := tracing.WithTraceID(withClientID(context.Background(), c.ID), tracing.NewTraceID())
		log := tracing.LoggerFromContext(ctx, s.logger)
		log.Debug().Str("clientId", c.ID).Str("request_id", req.ID).Str("method", req.Method).Msg("WebSocket RPC request")

		if err := c.WriteJSON(s.router.RouteRequest(ctx, req)); err != nil {
			log.Error().Err(err).Str("clientId", c.ID).Str("request_id", req.ID).Msg("Failed to send response")
		}
	}()
	return true
}

// handshake checks a signed challenge. The connection is closed once the
// client runs out of attempts.
func (s *Server) handshake(c *Client, signature string) bool {
	result := s.auth.Respond(c, signature)
	if result.Success {
		s.clients.MarkAuthenticated(c.ID)
	}
	if err := c.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", c.ID).Msg("Failed to send auth result")
		return false
	}
	if result.Success {
		s.logger.Info().Str("clientId", c.ID).Msg("Client authenticated")
		return true
	}
	s.logger.Warn().Str("clientId", c.ID).Str("reason", result.Message).Msg("Authentication failed")
	return c.AuthAttempts < maxAuthAttempts
}

func (s *Server) sendError(c *Client, requestID string, code int, message string) {
	resp := RPCResponse{JSONRPC: jsonrpcVersion, ID: requestID, Error: &RPCError{Code: code, Message: message}}
	if err := c.WriteJSON(resp); err != nil {
		s.logger.Error().Err(err).Str("clientId", c.ID).Msg("Failed to send error response")
	}
}
