package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/loom/pkg/models"
)

// ToolDefinition describes one tool for prompt injection.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// CompletionRequest is one LLM call. The orchestrator is agnostic to the
// provider's wire format.
type CompletionRequest struct {
	Model          string           `json:"model,omitempty"`
	System         string           `json:"system,omitempty"`
	Messages       []models.Message `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	ThinkingBudget int              `json:"thinking_budget,omitempty"`
}

// Completion is one LLM response.
type Completion struct {
	Message      models.Message `json:"message"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        models.Usage   `json:"usage"`
}

// Provider is the LLM backend collaborator. Implementations live outside the
// core.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// StreamChunk is one increment from a streaming provider.
type StreamChunk struct {
	Text     string
	Thinking string
	ToolCall *models.ToolCall
	Usage    *models.Usage
	Err      error
}

// StreamingProvider is an optional provider capability. When absent, the
// orchestrator falls back to Complete and synthesizes stream events from the
// whole response.
type StreamingProvider interface {
	Provider
	Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error)
}
