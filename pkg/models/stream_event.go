package models

// StreamEventType identifies a structured streaming event from an agent run.
type StreamEventType string

const (
	StreamTextStart     StreamEventType = "text_start"
	StreamTextDelta     StreamEventType = "text_delta"
	StreamTextEnd       StreamEventType = "text_end"
	StreamThinkingStart StreamEventType = "thinking_start"
	StreamThinkingDelta StreamEventType = "thinking_delta"
	StreamThinkingEnd   StreamEventType = "thinking_end"
	StreamToolCallStart StreamEventType = "tool_call_start"
	StreamToolCallDelta StreamEventType = "tool_call_delta"
	StreamToolCallEnd   StreamEventType = "tool_call_end"
	StreamToolResult    StreamEventType = "tool_result"
	StreamToolOutput    StreamEventType = "tool_output"
	StreamTurnStart     StreamEventType = "turn_start"
	StreamTurnEnd       StreamEventType = "turn_end"
	StreamDone          StreamEventType = "done"
	StreamError         StreamEventType = "error"
)

// StreamEvent is one fine-grained event in the streaming view of an agent run.
// The streaming and blocking views are two observers of the same state
// machine; they never diverge on control-flow decisions.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Turn       int             `json:"turn"`
	Text       string          `json:"text,omitempty"`   // text_delta, thinking_delta, tool_output
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	ToolResult *ToolResult     `json:"tool_result,omitempty"`
	Message    *Message        `json:"message,omitempty"` // final message on done
	Error      string          `json:"error,omitempty"`
}
