package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/loom/pkg/models"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 1},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
		{strings.Repeat("x", 401), 101},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestEstimateMessageTokensIncludesToolCalls(t *testing.T) {
	plain := models.Message{Role: models.RoleAssistant, Content: "hello"}
	withCall := plain
	withCall.ToolCalls = []models.ToolCall{{
		ID:    "tc1",
		Name:  "execute",
		Input: json.RawMessage(`{"command":"ls -la"}`),
	}}

	if EstimateMessageTokens(&withCall) <= EstimateMessageTokens(&plain) {
		t.Error("tool calls should add to the estimate")
	}
	if EstimateMessageTokens(nil) != 0 {
		t.Error("nil message should estimate to 0")
	}
}

func TestPolicyShouldCompact(t *testing.T) {
	policy := Policy{ContextWindow: 1000, ReserveTokens: 100, Threshold: 0.5}
	// Budget: 0.5 * (1000 - 100) = 450 tokens.
	if got := policy.Budget(); got != 450 {
		t.Fatalf("Budget = %d, want 450", got)
	}

	small := []models.Message{{Role: models.RoleUser, Content: "hi"}}
	if policy.ShouldCompact(small) {
		t.Error("small conversation should not trigger compaction")
	}

	big := []models.Message{{Role: models.RoleUser, Content: strings.Repeat("x", 4*500)}}
	if !policy.ShouldCompact(big) {
		t.Error("oversized conversation should trigger compaction")
	}
}

func TestZeroPolicyHasNoBudget(t *testing.T) {
	var policy Policy
	if got := policy.Budget(); got != 0 {
		t.Errorf("Budget = %d, want 0 for a zero-value policy", got)
	}
	msgs := []models.Message{{Role: models.RoleUser, Content: strings.Repeat("x", 10000)}}
	if policy.ShouldCompact(msgs) {
		t.Error("a policy without a budget should never compact")
	}
}

func TestDefaultPolicyBudget(t *testing.T) {
	got := DefaultPolicy().Budget()
	want := int(DefaultThreshold * float64(DefaultContextWindow-DefaultReserveTokens))
	if got != want {
		t.Errorf("Budget = %d, want %d", got, want)
	}
}

// conversation builds n user/assistant/tool triples with tool pairing.
func conversation(n int, contentSize int) []models.Message {
	var msgs []models.Message
	filler := strings.Repeat("x", contentSize)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("tc%d", i)
		msgs = append(msgs,
			models.Message{Role: models.RoleUser, Content: "request " + filler},
			models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{
				ID:    id,
				Name:  "execute",
				Input: json.RawMessage(`{"command":"true"}`),
			}}},
			models.Message{Role: models.RoleTool, ToolCallID: id, Content: "result " + filler},
		)
	}
	return msgs
}

func TestSlidingWindowCompactor(t *testing.T) {
	msgs := conversation(5, 10)
	c := &SlidingWindowCompactor{MaxTurns: 2}

	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) >= len(msgs) {
		t.Fatalf("no compaction: %d -> %d", len(msgs), len(out))
	}
	if out[0].Role != models.RoleSystem || !strings.Contains(out[0].Content, "Compacted") {
		t.Errorf("missing summary message: %+v", out[0])
	}
	if !PairingIntact(out) {
		t.Error("tool pairing broken")
	}

	users := 0
	for _, m := range out {
		if m.Role == models.RoleUser {
			users++
		}
	}
	if users != 2 {
		t.Errorf("kept %d turns, want 2", users)
	}
}

func TestSlidingWindowNoOpWhenSmall(t *testing.T) {
	msgs := conversation(2, 10)
	c := &SlidingWindowCompactor{MaxTurns: 5}
	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(msgs) {
		t.Errorf("small conversation was modified: %d -> %d", len(msgs), len(out))
	}
}

func TestTokenBudgetCompactorPreservesPairing(t *testing.T) {
	msgs := conversation(10, 200)
	c := &TokenBudgetCompactor{BudgetTokens: 300}

	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) >= len(msgs) {
		t.Fatalf("no compaction: %d -> %d", len(msgs), len(out))
	}
	if !PairingIntact(out) {
		t.Errorf("tool pairing broken after compaction: %v", roleList(out))
	}
	// The message after the summary must not be an orphaned tool result.
	if len(out) > 1 && out[1].Role == models.RoleTool {
		t.Errorf("compacted conversation starts with a tool result")
	}
}

func TestTokenBudgetCompactorKeepsAtLeastOne(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("x", 10000)},
	}
	c := &TokenBudgetCompactor{BudgetTokens: 5}
	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}
	kept := 0
	for _, m := range out {
		if m.Role != models.RoleSystem {
			kept++
		}
	}
	if kept < 1 {
		t.Error("compactor dropped every message")
	}
}

func TestTokenBudgetCompactorNoOpUnderBudget(t *testing.T) {
	msgs := conversation(2, 10)
	c := &TokenBudgetCompactor{BudgetTokens: 100000}
	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(msgs) {
		t.Errorf("under-budget conversation was modified: %d -> %d", len(msgs), len(out))
	}
}

func TestTokenBudgetCompactorZeroBudget(t *testing.T) {
	c := &TokenBudgetCompactor{}
	if _, err := c.Compact(context.Background(), conversation(1, 10)); err == nil {
		t.Error("zero budget with zero policy should error")
	}
}

func TestTokenBudgetCompactorUsesPolicyBudget(t *testing.T) {
	msgs := conversation(10, 200)
	c := &TokenBudgetCompactor{Policy: Policy{ContextWindow: 800, ReserveTokens: 100, Threshold: 0.9}}
	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) >= len(msgs) {
		t.Error("policy-derived budget did not trigger compaction")
	}
}

func TestPairingIntact(t *testing.T) {
	good := conversation(2, 5)
	if !PairingIntact(good) {
		t.Error("intact conversation reported broken")
	}

	orphan := []models.Message{
		{Role: models.RoleTool, ToolCallID: "missing", Content: "result"},
	}
	if PairingIntact(orphan) {
		t.Error("orphaned tool result reported intact")
	}
}

func roleList(msgs []models.Message) []string {
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = string(m.Role)
	}
	return roles
}
