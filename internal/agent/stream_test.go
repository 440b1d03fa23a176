package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/loom/pkg/models"
)

var errTest = fmt.Errorf("test failure")

// streamingScriptedProvider replays completions as chunked streams.
type streamingScriptedProvider struct {
	scriptedProvider
}

func (p *streamingScriptedProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	completion, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		for _, word := range strings.SplitAfter(completion.Message.Content, " ") {
			if word != "" {
				ch <- StreamChunk{Text: word}
			}
		}
		for i := range completion.Message.ToolCalls {
			ch <- StreamChunk{ToolCall: &completion.Message.ToolCalls[i]}
		}
	}()
	return ch, nil
}

func script() []*Completion {
	return []*Completion{
		toolResponse(call("tc1", "noop", `{}`)),
		textResponse("all finished here"),
	}
}

func collect(ch <-chan models.StreamEvent) []models.StreamEvent {
	var out []models.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestChatStreamEventsTerminatesWithDone(t *testing.T) {
	a := testAgent(t, &scriptedProvider{responses: script()}, nil)
	a.RegisterTool((&countingTool{name: "noop"}).tool())

	evs := collect(a.ChatStreamEvents(context.Background(), "go"))
	if len(evs) == 0 {
		t.Fatal("no events")
	}
	last := evs[len(evs)-1]
	if last.Type != models.StreamDone {
		t.Fatalf("last event = %s, want done", last.Type)
	}
	if last.Message == nil || last.Message.Content != "all finished here" {
		t.Errorf("done event message = %+v", last.Message)
	}
}

func TestStreamingAndBlockingParity(t *testing.T) {
	blocking := testAgent(t, &scriptedProvider{responses: script()}, nil)
	blocking.RegisterTool((&countingTool{name: "noop"}).tool())
	blockingMsg, err := blocking.Chat(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}

	sp := &streamingScriptedProvider{scriptedProvider{responses: script()}}
	streaming := testAgent(t, sp, nil)
	streaming.RegisterTool((&countingTool{name: "noop"}).tool())
	evs := collect(streaming.ChatStreamEvents(context.Background(), "go"))

	var streamedText strings.Builder
	var streamMsg *models.Message
	for _, ev := range evs {
		switch ev.Type {
		case models.StreamTextDelta:
			streamedText.WriteString(ev.Text)
		case models.StreamDone:
			streamMsg = ev.Message
		}
	}

	if streamMsg == nil {
		t.Fatal("stream never produced a done event")
	}
	if streamMsg.Content != blockingMsg.Content {
		t.Errorf("final messages diverge: %q vs %q", streamMsg.Content, blockingMsg.Content)
	}
	// Deltas for the final turn must reassemble into the final text.
	if !strings.HasSuffix(streamedText.String(), blockingMsg.Content) {
		t.Errorf("deltas %q do not reassemble %q", streamedText.String(), blockingMsg.Content)
	}

	// Identical control flow: same transcript shape on both views.
	bh, sh := blocking.History(), streaming.History()
	if len(bh) != len(sh) {
		t.Fatalf("transcript lengths diverge: %d vs %d", len(bh), len(sh))
	}
	for i := range bh {
		if bh[i].Role != sh[i].Role {
			t.Errorf("transcript role %d diverges: %s vs %s", i, bh[i].Role, sh[i].Role)
		}
	}
}

func TestChatStreamEmitsError(t *testing.T) {
	a := testAgent(t, &scriptedProvider{failWith: errTest}, nil)
	evs := collect(a.ChatStreamEvents(context.Background(), "go"))
	if len(evs) == 0 {
		t.Fatal("no events")
	}
	last := evs[len(evs)-1]
	if last.Type != models.StreamError || !strings.Contains(last.Error, "test failure") {
		t.Errorf("last event = %+v, want error", last)
	}
}

func TestChatStreamTextDeltas(t *testing.T) {
	sp := &streamingScriptedProvider{scriptedProvider{responses: []*Completion{textResponse("one two three")}}}
	a := testAgent(t, sp, nil)

	var got strings.Builder
	for chunk := range a.ChatStream(context.Background(), "go") {
		got.WriteString(chunk)
	}
	if got.String() != "one two three" {
		t.Errorf("reassembled = %q", got.String())
	}
}

func TestStreamToolResultCarriesErrorFlag(t *testing.T) {
	provider := &scriptedProvider{responses: []*Completion{
		toolResponse(call("tc1", "broken", `{}`), call("tc2", "healthy", `{}`)),
		textResponse("done"),
	}}
	a := testAgent(t, provider, nil)
	a.RegisterTool(&FuncTool{
		ToolName:        "broken",
		ToolDescription: "always fails",
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", errTest
		},
	})
	a.RegisterTool((&countingTool{name: "healthy"}).tool())

	flags := map[string]bool{}
	for _, ev := range collect(a.ChatStreamEvents(context.Background(), "go")) {
		if ev.Type == models.StreamToolResult && ev.ToolResult != nil {
			flags[ev.ToolResult.ToolCallID] = ev.ToolResult.IsError
		}
	}

	if len(flags) != 2 {
		t.Fatalf("got %d tool results, want 2", len(flags))
	}
	if !flags["tc1"] {
		t.Error("failing tool result should carry IsError")
	}
	if flags["tc2"] {
		t.Error("successful tool result should not carry IsError")
	}
}

func TestStreamEmitsToolEvents(t *testing.T) {
	sp := &streamingScriptedProvider{scriptedProvider{responses: script()}}
	a := testAgent(t, sp, nil)
	a.RegisterTool((&countingTool{name: "noop"}).tool())

	var types []models.StreamEventType
	for _, ev := range collect(a.ChatStreamEvents(context.Background(), "go")) {
		types = append(types, ev.Type)
	}

	for _, want := range []models.StreamEventType{
		models.StreamTurnStart,
		models.StreamToolCallStart,
		models.StreamToolCallEnd,
		models.StreamToolResult,
		models.StreamTurnEnd,
		models.StreamDone,
	} {
		found := false
		for _, tt := range types {
			if tt == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing %s in %v", want, types)
		}
	}
}
