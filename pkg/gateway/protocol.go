package gateway

import "context"

// Wire frames exchanged with gateway clients. Every WebSocket frame is a
// single JSON object: a JSON-RPC 2.0 request or response, a server event,
// or one of the auth handshake messages.

const jsonrpcVersion = "2.0"

// Handshake frame names.
const (
	eventAuthChallenge = "auth.challenge"
	eventAuthSuccess   = "auth.success"
	eventAuthFailure   = "auth.failure"
	methodAuthResponse = "auth.response"
)

// JSON-RPC error codes. The -320xx range is server defined.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	AuthenticationRequired = -32001
	NotFound               = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	InvalidState           = -32009
)

// RPCRequest is a client call. IdempotencyKey, when set, makes a repeated
// request return the first successful response.
type RPCRequest struct {
	JSONRPC        string                 `json:"jsonrpc"`
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse carries exactly one of Result or Error.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is both the wire error object and a Go error, so handlers can
// return one to pick the code.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// EventMessage is pushed by the server without a request. Seq increases by
// one per broadcast across all events.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// AuthChallenge opens the handshake; the client signs Challenge with the
// shared secret.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse is the client's reply to AuthChallenge.
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// RequestHandler serves one RPC method.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)
