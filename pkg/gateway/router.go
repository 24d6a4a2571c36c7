package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/harun/conductor/pkg/worker"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	replayTTL     = 5 * time.Minute
	replayEntries = 4096
)

// RPCRouter maps method names to handlers. Successful responses to requests
// that carry an idempotency key are kept for replayTTL and returned again
// for the same client, method and key.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	replay  *expirable.LRU[string, RPCResponse]
}

func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replay:  expirable.NewLRU[string, RPCResponse](replayEntries, nil, replayTTL),
	}
}

// RegisterMethod adds or replaces the handler for name.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if name == "" {
		return fmt.Errorf("method name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s cannot be nil", name)
	}
	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.methods[name] != nil
}

// Methods lists registered method names in sorted order.
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ParseRequest decodes one request frame. A missing jsonrpc member is
// tolerated; any other version is rejected.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case req.JSONRPC != "" && req.JSONRPC != jsonrpcVersion:
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: unsupported jsonrpc version " + req.JSONRPC}
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	req.JSONRPC = jsonrpcVersion
	if req.Params == nil {
		req.Params = map[string]interface{}{}
	}
	return &req, nil
}

// RouteRequest runs the handler for req and wraps its outcome.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{JSONRPC: jsonrpcVersion, Error: &RPCError{Code: InvalidRequest, Message: "invalid request"}}
	}

	key := replayKey(ctx, req)
	if key != "" {
		if prev, ok := r.replay.Get(key); ok {
			prev.ID = req.ID
			return &prev
		}
	}

	r.mu.RLock()
	handler := r.methods[req.Method]
	r.mu.RUnlock()
	if handler == nil {
		return &RPCResponse{
			JSONRPC: jsonrpcVersion,
			ID:      req.ID,
			Error:   &RPCError{Code: MethodNotFound, Message: "Method not found: " + req.Method},
		}
	}

	resp := &RPCResponse{JSONRPC: jsonrpcVersion, ID: req.ID}
	result, err := handler(ctx, req.Params)
	if err != nil {
		resp.Error = toRPCError(err)
		return resp
	}
	resp.Result = result
	if key != "" {
		r.replay.Add(key, *resp)
	}
	return resp
}

// replayKey scopes an idempotency key to the calling client and method.
func replayKey(ctx context.Context, req *RPCRequest) string {
	if req.IdempotencyKey == "" {
		return ""
	}
	return ClientIDFrom(ctx) + "\x00" + req.Method + "\x00" + req.IdempotencyKey
}

// toRPCError maps orchestrator failures onto RPC error codes.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, orchestrator.ErrSessionNotFound), errors.Is(err, orchestrator.ErrApprovalNotFound):
		return &RPCError{Code: NotFound, Message: err.Error()}
	case errors.Is(err, orchestrator.ErrSessionUnavailable),
		errors.Is(err, orchestrator.ErrNotReady),
		errors.Is(err, orchestrator.ErrNoContinuation):
		return &RPCError{Code: InvalidState, Message: err.Error()}
	case errors.Is(err, worker.ErrUnknownAgent):
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	default:
		return &RPCError{Code: InternalError, Message: err.Error()}
	}
}
