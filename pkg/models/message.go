package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentBlock is one typed segment of a multi-modal message.
type ContentBlock struct {
	Type      string `json:"type"` // text, image
	Text      string `json:"text,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64 for images
}

// Message is one conversation turn. The transcript is append-only except for
// compaction, which replaces a prefix with a summary message.
type Message struct {
	ID         string         `json:"id,omitempty"`
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // set on tool-result messages
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`   // set on assistant messages requesting tool use
	Reasoning  string         `json:"reasoning,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Usage tracks token consumption for one LLM round-trip.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FinishReason explains why an agent run ended.
type FinishReason string

const (
	FinishStop           FinishReason = "stop"
	FinishMaxTurns       FinishReason = "max_turns"
	FinishAborted        FinishReason = "aborted"
	FinishAutoExecuteOff FinishReason = "auto_execute_off"
	FinishError          FinishReason = "error"
)
