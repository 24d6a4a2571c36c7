package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/harun/conductor/internal/tracing"
)

const traceHeader = "X-Trace-Id"

// handleRPC serves one JSON-RPC request per HTTP POST. The caller
// authenticates with the shared secret in a header instead of the
// WebSocket handshake. A caller supplied X-Trace-Id is propagated.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method != http.MethodPost:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	case s.draining.Load():
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	case !s.auth.CheckRequest(r):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonrpcVersion, Error: toRPCError(err)})
		return
	}

	traceID := r.Header.Get(traceHeader)
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	log := tracing.LoggerFromContext(ctx, s.logger)
	log.Info().Str("request_id", req.ID).Str("method", req.Method).Msg("HTTP RPC request")

	s.inflight.Add(1)
	resp := s.router.RouteRequest(ctx, req)
	s.inflight.Done()

	w.Header().Set(traceHeader, traceID)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// handleHealth reports liveness plus a few counters. It needs no secret.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.draining.Load() {
		status, code = "draining", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   status,
		"sessions": len(s.engine.Sessions()),
		"clients":  s.clients.Count(),
	})
}
