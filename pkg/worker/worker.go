package worker

import (
	"context"
	"errors"
	"time"

	"github.com/harun/conductor/pkg/agent"
)

// Errors returned by hosts. Their messages match the dead-session
// signatures callers use to decide on recovery.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotInitialized  = errors.New("session not initialized")
	ErrWorkerDropped   = errors.New("worker thread dropped")
	ErrUnknownAgent    = errors.New("unknown agent kind")
)

// Session modes understood by the built-in hosts.
const (
	ModeAuto = "auto"
	ModeAsk  = "ask"
)

// Session statuses carried by EventSessionStatus.
const (
	StatusReady    = "ready"
	StatusRetrying = "retrying"
)

// Stop reasons carried by EventPromptComplete.
const (
	StopEndTurn   = "end_turn"
	StopCancelled = "cancelled"
	StopError     = "error"
)

// Handle is the contract between the orchestrator and whatever hosts agent
// workers. Every event a Handle publishes carries the owning session id.
type Handle interface {
	Spawn(ctx context.Context, agentKind, cwd string, opts SpawnOptions) (SessionInfo, error)
	SendPrompt(ctx context.Context, sessionID, text string, pc PromptContext) error
	Cancel(ctx context.Context, sessionID string) error
	SetMode(ctx context.Context, sessionID, mode string) error
	RespondPermission(ctx context.Context, sessionID, requestID, optionID string) error
	RespondDiffProposal(ctx context.Context, sessionID, proposalID string, accepted bool) error
	Terminate(ctx context.Context, sessionID string) error

	// Subscribe returns a channel carrying every event from every session
	// and a function that ends the subscription and closes the channel.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

// Continuer is implemented by hosts that can resume a turn paused at the
// iteration cap.
type Continuer interface {
	Continue(ctx context.Context, sessionID string, budget int) error
}

// SpawnOptions tunes a new worker session.
type SpawnOptions struct {
	Mode string            `json:"mode,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
	// History seeds the conversation of a replacement session.
	History []agent.Message `json:"history,omitempty"`
}

// SessionInfo describes a spawned session.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	AgentKind string    `json:"agentKind"`
	Cwd       string    `json:"cwd"`
	Mode      string    `json:"mode,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PromptContext carries the non-text parts of a prompt.
type PromptContext struct {
	Images []agent.Image `json:"images,omitempty"`
}

// EventType identifies the payload of an Event.
type EventType string

const (
	EventMessageChunk      EventType = "message_chunk"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventDiff              EventType = "diff"
	EventPlanUpdate        EventType = "plan_update"
	EventPromptComplete    EventType = "prompt_complete"
	EventPermissionRequest EventType = "permission_request"
	EventDiffProposal      EventType = "diff_proposal"
	EventSessionStatus     EventType = "session_status"
	EventError             EventType = "error"
	EventIterationLimit    EventType = "iteration_limit"
)

// Event is the tagged union published by a Handle. Exactly one payload
// field, selected by Type, is set.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`

	Chunk      *MessageChunk      `json:"chunk,omitempty"`
	ToolCall   *ToolCall          `json:"toolCall,omitempty"`
	ToolResult *ToolResult        `json:"toolResult,omitempty"`
	Diff       *Diff              `json:"diff,omitempty"`
	Plan       []PlanEntry        `json:"plan,omitempty"`
	Complete   *PromptComplete    `json:"complete,omitempty"`
	Permission *PermissionRequest `json:"permission,omitempty"`
	Proposal   *DiffProposal      `json:"proposal,omitempty"`
	Status     *SessionStatus     `json:"status,omitempty"`
	Error      *ErrorInfo         `json:"error,omitempty"`
	Limit      *IterationLimit    `json:"limit,omitempty"`
}

type MessageChunk struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought,omitempty"`
}

type ToolCall struct {
	ID     string                 `json:"id"`
	Title  string                 `json:"title"`
	Kind   string                 `json:"kind,omitempty"`
	Status string                 `json:"status,omitempty"`
	Input  map[string]interface{} `json:"input,omitempty"`
}

type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Status     string `json:"status"`
	Content    string `json:"content,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

type Diff struct {
	ToolCallID string `json:"toolCallId,omitempty"`
	Path       string `json:"path"`
	OldText    string `json:"oldText"`
	NewText    string `json:"newText"`
}

type PlanEntry struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

type PromptComplete struct {
	StopReason string           `json:"stopReason"`
	Usage      *agent.TokenUsage `json:"usage,omitempty"`
}

type PermissionOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	// Kind is "allow" or "deny".
	Kind string `json:"kind"`
}

type PermissionRequest struct {
	RequestID string             `json:"requestId"`
	Title     string             `json:"title"`
	ToolCall  *ToolCall          `json:"toolCall,omitempty"`
	Options   []PermissionOption `json:"options"`
}

// DenyOption returns the id of the first deny option, or "" if none exists.
func (p *PermissionRequest) DenyOption() string {
	for _, opt := range p.Options {
		if opt.Kind == "deny" {
			return opt.ID
		}
	}
	return ""
}

type DiffProposal struct {
	ProposalID string `json:"proposalId"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Path       string `json:"path"`
	OldText    string `json:"oldText"`
	NewText    string `json:"newText"`
}

type SessionStatus struct {
	Status      string `json:"status"`
	Attempt     int    `json:"attempt,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
}

type ErrorInfo struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

type IterationLimit struct {
	Iteration int `json:"iteration"`
}
