package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recordHandler(log *[]string, name string) Handler {
	return HandlerFunc(func(ctx context.Context, event *Event) (*Result, error) {
		*log = append(*log, name)
		return nil, nil
	})
}

func TestEmitPriorityOrder(t *testing.T) {
	bus := NewBus(discardLogger())
	var order []string

	// Registered in reverse priority; emission must run lowest value first.
	bus.On(TurnStart, recordHandler(&order, "lowest"), WithPriority(PriorityLowest))
	bus.On(TurnStart, recordHandler(&order, "normal"))
	bus.On(TurnStart, recordHandler(&order, "highest"), WithPriority(PriorityHighest))

	bus.Emit(context.Background(), NewEvent(TurnStart))

	want := []string{"highest", "normal", "lowest"}
	if len(order) != len(want) {
		t.Fatalf("got %d calls, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestEmitStableTieOrder(t *testing.T) {
	bus := NewBus(discardLogger())
	var order []string

	for i := 0; i < 5; i++ {
		bus.On(TurnStart, recordHandler(&order, fmt.Sprintf("h%d", i)))
	}
	bus.Emit(context.Background(), NewEvent(TurnStart))

	for i := 0; i < 5; i++ {
		if want := fmt.Sprintf("h%d", i); order[i] != want {
			t.Errorf("call %d = %q, want %q", i, order[i], want)
		}
	}
}

func TestEmitCollectsResultsInOrder(t *testing.T) {
	bus := NewBus(discardLogger())

	bus.On(Input, HandlerFunc(func(ctx context.Context, event *Event) (*Result, error) {
		return nil, nil // no opinion
	}))
	bus.On(Input, HandlerFunc(func(ctx context.Context, event *Event) (*Result, error) {
		return &Result{Action: "transform", TransformedInput: "first"}, nil
	}))
	bus.On(Input, HandlerFunc(func(ctx context.Context, event *Event) (*Result, error) {
		return &Result{Action: "transform", TransformedInput: "second"}, nil
	}))

	results := bus.Emit(context.Background(), NewEvent(Input))
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].TransformedInput != "first" || results[1].TransformedInput != "second" {
		t.Errorf("results out of order: %+v", results)
	}
}

func TestHandlerErrorIsolation(t *testing.T) {
	bus := NewBus(discardLogger())
	var order []string

	bus.On(TurnStart, HandlerFunc(func(ctx context.Context, event *Event) (*Result, error) {
		return nil, fmt.Errorf("boom")
	}))
	bus.On(TurnStart, recordHandler(&order, "after-error"))

	bus.Emit(context.Background(), NewEvent(TurnStart))
	if len(order) != 1 || order[0] != "after-error" {
		t.Errorf("handler after failing one did not run: %v", order)
	}
}

func TestHandlerPanicIsolation(t *testing.T) {
	bus := NewBus(discardLogger())
	var order []string

	bus.On(TurnStart, HandlerFunc(func(ctx context.Context, event *Event) (*Result, error) {
		panic("kaboom")
	}))
	bus.On(TurnStart, recordHandler(&order, "after-panic"))

	bus.Emit(context.Background(), NewEvent(TurnStart))
	if len(order) != 1 || order[0] != "after-panic" {
		t.Errorf("handler after panicking one did not run: %v", order)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	bus := NewBus(discardLogger())
	var order []string

	off := bus.On(TurnStart, recordHandler(&order, "h"))
	if got := bus.HandlerCount(TurnStart); got != 1 {
		t.Fatalf("HandlerCount = %d, want 1", got)
	}

	off()
	off() // second call is a no-op

	if got := bus.HandlerCount(TurnStart); got != 0 {
		t.Errorf("HandlerCount after unsubscribe = %d, want 0", got)
	}
	bus.Emit(context.Background(), NewEvent(TurnStart))
	if len(order) != 0 {
		t.Errorf("unsubscribed handler ran: %v", order)
	}
}

func TestOffBySource(t *testing.T) {
	bus := NewBus(discardLogger())
	var order []string

	bus.On(TurnStart, recordHandler(&order, "ext1"), WithSource("ext"))
	bus.On(TurnEnd, recordHandler(&order, "ext2"), WithSource("ext"))
	bus.On(TurnStart, recordHandler(&order, "core"))

	if removed := bus.OffBySource("ext"); removed != 2 {
		t.Fatalf("OffBySource removed %d, want 2", removed)
	}
	if removed := bus.OffBySource(""); removed != 0 {
		t.Errorf("OffBySource(\"\") removed %d, want 0", removed)
	}

	bus.Emit(context.Background(), NewEvent(TurnStart))
	bus.Emit(context.Background(), NewEvent(TurnEnd))
	if len(order) != 1 || order[0] != "core" {
		t.Errorf("unexpected calls after OffBySource: %v", order)
	}
}

func TestEmitSyncSkipsAsyncHandlers(t *testing.T) {
	bus := NewBus(discardLogger())
	var order []string

	bus.On(TurnStart, AsyncHandlerFunc(func(ctx context.Context, event *Event) (*Result, error) {
		order = append(order, "async")
		return nil, nil
	}))
	bus.On(TurnStart, recordHandler(&order, "sync"))

	bus.EmitSync(context.Background(), NewEvent(TurnStart))
	if len(order) != 1 || order[0] != "sync" {
		t.Errorf("EmitSync ran wrong handlers: %v", order)
	}

	order = nil
	bus.Emit(context.Background(), NewEvent(TurnStart))
	if len(order) != 2 {
		t.Errorf("Emit should run async handlers inline: %v", order)
	}
}

func TestEmitNilEvent(t *testing.T) {
	bus := NewBus(discardLogger())
	if results := bus.Emit(context.Background(), nil); results != nil {
		t.Errorf("Emit(nil) = %v, want nil", results)
	}
}
