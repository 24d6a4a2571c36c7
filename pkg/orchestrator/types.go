package orchestrator

import (
	"time"

	"github.com/harun/conductor/pkg/worker"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusPrompting    Status = "prompting"
	StatusError        Status = "error"
	StatusTerminated   Status = "terminated"
)

// MessageKind classifies a transcript entry.
type MessageKind string

const (
	KindUser      MessageKind = "user"
	KindAssistant MessageKind = "assistant"
	KindThought   MessageKind = "thought"
	KindTool      MessageKind = "tool"
	KindDiff      MessageKind = "diff"
	KindError     MessageKind = "error"
)

// Message is one transcript entry. Only the embedded ToolCall status
// changes after a message is appended.
type Message struct {
	ID         string          `json:"id"`
	Kind       MessageKind     `json:"kind"`
	Content    string          `json:"content"`
	Timestamp  time.Time       `json:"timestamp"`
	Duration   time.Duration   `json:"duration,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Diff       *worker.Diff    `json:"diff,omitempty"`
	ToolCall   *ToolCallRecord `json:"toolCall,omitempty"`
}

// ToolCallRecord tracks one tool invocation reported by a worker.
type ToolCallRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Kind    string `json:"kind,omitempty"`
	Status  string `json:"status"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

// Continuation marks a turn paused at the iteration cap.
type Continuation struct {
	Iteration int       `json:"iteration"`
	PausedAt  time.Time `json:"pausedAt"`
}

// RetryState is the latest retry notice a worker reported for the
// in-flight turn.
type RetryState struct {
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"maxAttempts,omitempty"`
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID           string        `json:"id"`
	AgentKind    string        `json:"agentKind"`
	Cwd          string        `json:"cwd"`
	Mode         string        `json:"mode,omitempty"`
	Status       Status        `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	Active       bool          `json:"active"`
	Messages     int           `json:"messages"`
	PendingTools int           `json:"pendingTools"`
	Queued       int           `json:"queued"`
	LastError    string        `json:"lastError,omitempty"`
	ForcedReady  bool          `json:"forcedReady,omitempty"`
	Continuation *Continuation `json:"continuation,omitempty"`
	Retry        *RetryState   `json:"retry,omitempty"`
}

// PromptResult reports what SendPrompt did with a prompt.
type PromptResult struct {
	// SessionID is the session that carries the prompt. It differs from
	// the requested id when the session was respawned.
	SessionID     string `json:"sessionId"`
	Queued        bool   `json:"queued,omitempty"`
	Position      int    `json:"position,omitempty"`
	RecoveredFrom string `json:"recoveredFrom,omitempty"`
}

// PendingPermission is a permission request awaiting a decision.
type PendingPermission struct {
	SessionID  string                   `json:"sessionId"`
	Request    worker.PermissionRequest `json:"request"`
	ReceivedAt time.Time                `json:"receivedAt"`
}

// PendingDiff is a diff proposal awaiting a decision.
type PendingDiff struct {
	SessionID  string              `json:"sessionId"`
	Proposal   worker.DiffProposal `json:"proposal"`
	ReceivedAt time.Time           `json:"receivedAt"`
}

// ChangeKind names what part of the orchestrator state changed.
type ChangeKind string

const (
	ChangeSessionAdded   ChangeKind = "session_added"
	ChangeSessionRemoved ChangeKind = "session_removed"
	ChangeStatus         ChangeKind = "status"
	ChangeMessage        ChangeKind = "message"
	ChangeBuffer         ChangeKind = "buffer"
	ChangePlan           ChangeKind = "plan"
	ChangeApprovals      ChangeKind = "approvals"
	ChangeActive         ChangeKind = "active"
)

// Change is delivered to Watch callbacks after a mutation.
type Change struct {
	Kind      ChangeKind `json:"kind"`
	SessionID string     `json:"sessionId"`
}
