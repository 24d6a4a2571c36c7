package agent

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a model conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Images     []Image    `json:"images,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// Image is an inline base64 image attached to a user turn.
type Image struct {
	MediaType string `json:"media_type"` // e.g. image/png
	Data      string `json:"data"`       // base64, no data: prefix
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// ToolResult is the outcome of one ToolCall, fed back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u into t.
func (t *TokenUsage) Add(u *TokenUsage) {
	if u == nil {
		return
	}
	t.InputTokens += u.InputTokens
	t.OutputTokens += u.OutputTokens
}

// IterationState is the resumable snapshot produced when a ToolLoop stops at
// its iteration cap. It is owned by the caller and discarded once resumed to
// completion or abandoned.
type IterationState struct {
	Messages  []Message  `json:"messages"`
	Model     string     `json:"model"`
	Tools     []ToolSpec `json:"tools,omitempty"`
	Content   string     `json:"content"`
	Iteration int        `json:"iteration"`
}

// Clone returns a deep enough copy for the loop to append to without
// aliasing the caller's slices.
func (s IterationState) Clone() IterationState {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	out.Tools = append([]ToolSpec(nil), s.Tools...)
	return out
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}
