package agent

import (
	"context"

	"github.com/haasonsaas/loom/pkg/models"
)

// observer receives fine-grained progress events from a run. The blocking and
// streaming entry points are two observers of the same state machine.
type observer interface {
	event(ev models.StreamEvent)
}

type nopObserver struct{}

func (nopObserver) event(models.StreamEvent) {}

type chanObserver struct {
	ch   chan<- models.StreamEvent
	done <-chan struct{}
}

func (o chanObserver) event(ev models.StreamEvent) {
	// Drop events once the consumer is gone; the producer must not wedge on a
	// full channel.
	select {
	case o.ch <- ev:
	case <-o.done:
	}
}

// ChatStreamEvents runs the loop and returns a channel of structured stream
// events. The channel is closed after a terminal done or error event. Control
// flow is identical to Chat. A consumer that stops reading should cancel ctx;
// cancellation reaches any in-flight subprocess through the same context
// plumbing the blocking path uses.
func (a *Agent) ChatStreamEvents(ctx context.Context, input string) <-chan models.StreamEvent {
	ch := make(chan models.StreamEvent, 64)
	go func() {
		defer close(ch)
		final, err := a.run(ctx, input, chanObserver{ch: ch, done: ctx.Done()})
		if err != nil {
			select {
			case ch <- models.StreamEvent{Type: models.StreamError, Error: err.Error()}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- models.StreamEvent{Type: models.StreamDone, Message: final}:
		case <-ctx.Done():
		}
	}()
	return ch
}

// ChatStream runs the loop and returns only the assistant text deltas. The
// channel is closed when the run ends; errors surface as a final chunk.
func (a *Agent) ChatStream(ctx context.Context, input string) <-chan string {
	out := make(chan string, 64)
	go func() {
		defer close(out)
		for ev := range a.ChatStreamEvents(ctx, input) {
			switch ev.Type {
			case models.StreamTextDelta:
				out <- ev.Text
			case models.StreamError:
				out <- "Error: " + ev.Error
			}
		}
	}()
	return out
}
