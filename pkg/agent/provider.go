package agent

import (
	"context"
	"fmt"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Stream makes an LLM API call, reporting text deltas to onDelta as they
	// arrive. The returned response carries the complete content.
	Stream(ctx context.Context, request LLMRequest, onDelta func(text string)) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// Tool choice values understood by every provider. Any other value names a
// specific tool the model must call.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
)

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolSpec
	ToolChoice   string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *TokenUsage
}

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// splitSystem returns the request's system prompt, falling back to the first
// system-role message when SystemPrompt is empty.
func splitSystem(request LLMRequest) string {
	if request.SystemPrompt != "" {
		return request.SystemPrompt
	}
	for _, msg := range request.Messages {
		if msg.Role == RoleSystem {
			return msg.Content
		}
	}
	return ""
}
