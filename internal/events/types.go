// Package events provides the priority-ordered pub/sub bus for agent
// lifecycle events. Handlers observe and may alter loop behavior by returning
// structured results; how multiple results compose is decided by the emitter,
// not the bus.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// Type identifies a lifecycle event.
type Type string

const (
	// Input fires before the user message enters the transcript. Handlers may
	// transform the input or short-circuit with a canned response.
	Input Type = "input"

	// AgentStart fires once per run after the user message is appended.
	AgentStart Type = "agent_start"

	// TurnStart fires at the top of each turn.
	TurnStart Type = "turn_start"

	// ContextTransform fires before each LLM call when handlers are
	// registered; the last non-nil Messages result replaces the outgoing view.
	ContextTransform Type = "context_transform"

	// TurnEnd fires after each LLM response is appended.
	TurnEnd Type = "turn_end"

	// BeforeToolCall fires before each tool execution. The first Block result
	// wins; the last ModifiedArgs result wins.
	BeforeToolCall Type = "before_tool_call"

	// AfterToolResult fires after each tool execution. The last
	// ModifiedResult wins.
	AfterToolResult Type = "after_tool_result"

	// AgentEnd fires exactly once per run on every exit path.
	AgentEnd Type = "agent_end"

	// ToolExecutionUpdate carries incremental tool output. Best-effort;
	// emissions are dropped when no handler is registered.
	ToolExecutionUpdate Type = "tool_execution_update"
)

// Event is the immutable payload passed to handlers. Only the fields relevant
// to the event type are populated.
type Event struct {
	Type      Type      `json:"type"`
	Turn      int       `json:"turn"`
	Timestamp time.Time `json:"timestamp"`

	// Input, AgentStart
	Input string `json:"input,omitempty"`

	// ContextTransform, AgentEnd
	Messages []models.Message `json:"messages,omitempty"`

	// BeforeToolCall, AfterToolResult, ToolExecutionUpdate
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     string          `json:"result,omitempty"`
	Output     string          `json:"output,omitempty"` // incremental line for ToolExecutionUpdate

	// AgentEnd
	FinishReason models.FinishReason `json:"finish_reason,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// Result is an optional handler return value. A nil Result means "no
// opinion". Composition policy (first block wins, last non-nil wins) lives in
// the emitter.
type Result struct {
	// Input
	Action           string `json:"action,omitempty"` // continue, transform, handled
	TransformedInput string `json:"transformed_input,omitempty"`
	Response         string `json:"response,omitempty"`

	// BeforeToolCall
	Block        bool            `json:"block,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	ModifiedArgs json.RawMessage `json:"modified_args,omitempty"`

	// AfterToolResult
	ModifiedResult *string `json:"modified_result,omitempty"`

	// ContextTransform
	Messages []models.Message `json:"messages,omitempty"`
}

// Handler processes a lifecycle event. Returning (nil, nil) expresses no
// opinion. Errors are logged by the bus and never stop the emission.
type Handler interface {
	Handle(ctx context.Context, event *Event) (*Result, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *Event) (*Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event *Event) (*Result, error) {
	return f(ctx, event)
}

// AsyncHandlerFunc marks a handler that may suspend (network calls, slow
// I/O). EmitSync skips these with a warning; Emit awaits them inline.
type AsyncHandlerFunc func(ctx context.Context, event *Event) (*Result, error)

// Handle calls f.
func (f AsyncHandlerFunc) Handle(ctx context.Context, event *Event) (*Result, error) {
	return f(ctx, event)
}

// Priority determines the order handlers are called. Lower runs first.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Registration is one registered handler.
type Registration struct {
	ID       string
	Event    Type
	Handler  Handler
	Priority Priority
	Source   string

	seq   int
	async bool
}

// NewEvent creates an event with the timestamp set.
func NewEvent(t Type) *Event {
	return &Event{Type: t, Timestamp: time.Now()}
}
