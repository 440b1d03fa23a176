// Package compaction manages conversation history against a token budget.
// Estimation uses the ~4 characters per token heuristic; it is a budgeting
// approximation, not billing-accurate.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/loom/pkg/models"
)

const (
	// CharsPerToken is the approximate character-to-token ratio.
	CharsPerToken = 4

	// MessageOverheadTokens covers role framing per message.
	MessageOverheadTokens = 4

	// FieldOverheadTokens covers each tool-call or reasoning field.
	FieldOverheadTokens = 2

	// DefaultContextWindow is the fallback window size in tokens.
	DefaultContextWindow = 100000

	// DefaultReserveTokens is held back for the model's response.
	DefaultReserveTokens = 2000

	// DefaultThreshold is the usable-window fraction that triggers compaction.
	DefaultThreshold = 0.85
)

// EstimateTokens estimates the token count of a text. Always at least 1.
func EstimateTokens(text string) int {
	n := (len(text) + CharsPerToken - 1) / CharsPerToken
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessageTokens estimates tokens for one message including tool-call
// and reasoning overhead.
func EstimateMessageTokens(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	total := MessageOverheadTokens + EstimateTokens(msg.Content)
	for _, tc := range msg.ToolCalls {
		total += FieldOverheadTokens + EstimateTokens(tc.Name) + EstimateTokens(string(tc.Input))
	}
	for _, b := range msg.Blocks {
		total += EstimateTokens(b.Text)
	}
	if msg.Reasoning != "" {
		total += FieldOverheadTokens + EstimateTokens(msg.Reasoning)
	}
	return total
}

// EstimateMessagesTokens estimates total tokens across messages.
func EstimateMessagesTokens(messages []models.Message) int {
	total := 0
	for i := range messages {
		total += EstimateMessageTokens(&messages[i])
	}
	return total
}

// Policy decides when compaction is needed.
type Policy struct {
	// ContextWindow is the model's context size in tokens.
	ContextWindow int

	// ReserveTokens is held back for the response.
	ReserveTokens int

	// Threshold is the fraction of the usable window that triggers
	// compaction.
	Threshold float64
}

// DefaultPolicy returns a policy with the standard window and threshold.
func DefaultPolicy() Policy {
	return Policy{
		ContextWindow: DefaultContextWindow,
		ReserveTokens: DefaultReserveTokens,
		Threshold:     DefaultThreshold,
	}
}

// Budget returns the token budget implied by the policy. A zero-value policy
// has no budget; callers wanting the standard sizes use DefaultPolicy.
func (p Policy) Budget() int {
	if p.ContextWindow <= 0 {
		return 0
	}
	reserve := p.ReserveTokens
	if reserve < 0 {
		reserve = 0
	}
	threshold := p.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	budget := int(threshold * float64(p.ContextWindow-reserve))
	if budget < 0 {
		return 0
	}
	return budget
}

// ShouldCompact reports whether the conversation exceeds the budget. A policy
// without a budget never compacts.
func (p Policy) ShouldCompact(messages []models.Message) bool {
	budget := p.Budget()
	if budget <= 0 {
		return false
	}
	return EstimateMessagesTokens(messages) >= budget
}

// Compactor produces a shorter equivalent conversation. Implementations must
// preserve tool-call/tool-result pairing.
type Compactor interface {
	Compact(ctx context.Context, messages []models.Message) ([]models.Message, error)
}

// SlidingWindowCompactor keeps only the last MaxTurns turns verbatim. A turn
// is one user message plus everything up to the next user message.
type SlidingWindowCompactor struct {
	MaxTurns int
}

// Compact drops whole turns from the front until MaxTurns remain.
func (c *SlidingWindowCompactor) Compact(ctx context.Context, messages []models.Message) ([]models.Message, error) {
	maxTurns := c.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}
	if len(messages) == 0 {
		return messages, nil
	}

	var turnStarts []int
	for i := range messages {
		if messages[i].Role == models.RoleUser {
			turnStarts = append(turnStarts, i)
		}
	}
	if len(turnStarts) <= maxTurns {
		return messages, nil
	}

	start := turnStarts[len(turnStarts)-maxTurns]
	kept := messages[start:]
	out := make([]models.Message, 0, len(kept)+1)
	out = append(out, summaryMessage(start))
	out = append(out, kept...)
	return out, nil
}

// TokenBudgetCompactor drops the oldest messages until the remainder fits the
// budget. It never splits a tool-call/tool-result pair, always keeps at least
// one message, and prefers the kept prefix to start on a user or system
// message so the transcript stays well-formed for the backend.
type TokenBudgetCompactor struct {
	// BudgetTokens is the target size. Zero means derive from Policy.
	BudgetTokens int

	// Policy supplies the budget when BudgetTokens is zero.
	Policy Policy
}

// Compact trims the front of the conversation to fit the budget.
func (c *TokenBudgetCompactor) Compact(ctx context.Context, messages []models.Message) ([]models.Message, error) {
	if len(messages) == 0 {
		return messages, nil
	}

	budget := c.BudgetTokens
	if budget <= 0 {
		budget = c.Policy.Budget()
	}
	if budget <= 0 {
		return nil, fmt.Errorf("compaction budget is zero")
	}

	// Walk from the end keeping messages while they fit.
	start := len(messages)
	kept := 0
	for i := len(messages) - 1; i >= 0; i-- {
		tokens := EstimateMessageTokens(&messages[i])
		if kept+tokens > budget && start < len(messages) {
			break
		}
		kept += tokens
		start = i
	}

	start = alignStart(messages, start)

	if start == 0 {
		return messages, nil
	}
	out := make([]models.Message, 0, len(messages)-start+1)
	out = append(out, summaryMessage(start))
	out = append(out, messages[start:]...)
	return out, nil
}

// alignStart moves the cut forward past tool results whose assistant message
// was dropped, and prefers a user/system boundary. It never drops the final
// message.
func alignStart(messages []models.Message, start int) int {
	if start >= len(messages) {
		start = len(messages) - 1
	}
	if start <= 0 {
		return start
	}

	// A tool result always follows its assistant message, so a tool message
	// sitting at the cut lost its pair. Drop it with the pair.
	for start < len(messages)-1 && messages[start].Role == models.RoleTool {
		start++
	}

	// Prefer starting on a user or system message.
	for i := start; i < len(messages)-1; i++ {
		if messages[i].Role == models.RoleUser || messages[i].Role == models.RoleSystem {
			return i
		}
	}
	return start
}

func summaryMessage(dropped int) models.Message {
	return models.Message{
		Role:    models.RoleSystem,
		Content: fmt.Sprintf("[Compacted: %d earlier messages removed to fit the context window]", dropped),
	}
}

// PairingIntact verifies that every tool-result message in the conversation
// still pairs with a tool call on an earlier assistant message. Used by
// compactors' tests and debug assertions.
func PairingIntact(messages []models.Message) bool {
	seen := map[string]bool{}
	for i := range messages {
		for _, tc := range messages[i].ToolCalls {
			seen[tc.ID] = true
		}
		if messages[i].Role == models.RoleTool && messages[i].ToolCallID != "" {
			if !seen[messages[i].ToolCallID] {
				return false
			}
		}
	}
	return true
}

// DebugString summarizes a conversation for logging.
func DebugString(messages []models.Message) string {
	payload, err := json.Marshal(struct {
		Count  int `json:"count"`
		Tokens int `json:"tokens"`
	}{len(messages), EstimateMessagesTokens(messages)})
	if err != nil {
		return ""
	}
	return string(payload)
}
