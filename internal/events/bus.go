package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Bus manages handler registrations and event dispatch. Within one emission
// handlers run strictly in ascending priority order, ties broken by
// registration order. A failing or panicking handler never prevents later
// handlers from running.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]*Registration
	byID     map[string]*Registration
	logger   *slog.Logger
	seq      int
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Type][]*Registration),
		byID:     make(map[string]*Registration),
		logger:   logger.With("component", "events"),
	}
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithPriority sets the handler priority (lower runs first).
func WithPriority(p Priority) RegisterOption {
	return func(r *Registration) { r.Priority = p }
}

// WithSource tags the handler's origin (extension name, etc) so it can be
// bulk-removed with OffBySource.
func WithSource(source string) RegisterOption {
	return func(r *Registration) { r.Source = source }
}

// On registers a handler for an event type and returns an idempotent
// unsubscribe function.
func (b *Bus) On(event Type, handler Handler, opts ...RegisterOption) func() {
	reg := &Registration{
		ID:       uuid.NewString(),
		Event:    event,
		Handler:  handler,
		Priority: PriorityNormal,
	}
	if _, ok := handler.(AsyncHandlerFunc); ok {
		reg.async = true
	}
	for _, opt := range opts {
		opt(reg)
	}

	b.mu.Lock()
	reg.seq = b.seq
	b.seq++
	b.handlers[event] = append(b.handlers[event], reg)
	b.byID[reg.ID] = reg
	b.sortLocked(event)
	b.mu.Unlock()

	b.logger.Debug("registered handler",
		"id", reg.ID,
		"event", event,
		"priority", reg.Priority,
		"source", reg.Source)

	return func() { b.Off(reg.ID) }
}

// Off removes a handler by registration ID. Removing twice is a no-op.
func (b *Bus) Off(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	b.removeLocked(reg)
	return true
}

// OffBySource removes every handler registered with the given source tag and
// returns how many were removed. Used for bulk teardown when an extension
// unloads.
func (b *Bus) OffBySource(source string) int {
	if source == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, reg := range b.byID {
		if reg.Source == source {
			delete(b.byID, id)
			b.removeLocked(reg)
			removed++
		}
	}
	return removed
}

// HasHandlers reports whether any handler is registered for the event type.
func (b *Bus) HasHandlers(event Type) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event]) > 0
}

// HandlerCount returns the number of handlers for an event type.
func (b *Bus) HandlerCount(event Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Emit dispatches an event to all handlers in priority order and collects
// every non-nil result in invocation order. Async handlers are awaited
// inline; the orchestrator never runs two emissions concurrently.
func (b *Bus) Emit(ctx context.Context, event *Event) []*Result {
	return b.emit(ctx, event, false)
}

// EmitSync dispatches like Emit but skips async handlers, logging each skip.
// Used from paths that must not suspend.
func (b *Bus) EmitSync(ctx context.Context, event *Event) []*Result {
	return b.emit(ctx, event, true)
}

func (b *Bus) emit(ctx context.Context, event *Event, syncOnly bool) []*Result {
	if event == nil {
		return nil
	}

	b.mu.RLock()
	regs := make([]*Registration, len(b.handlers[event.Type]))
	copy(regs, b.handlers[event.Type])
	b.mu.RUnlock()

	var results []*Result
	for _, reg := range regs {
		if syncOnly && reg.async {
			b.logger.Warn("skipping async handler in sync emission",
				"event", event.Type,
				"handler_id", reg.ID,
				"source", reg.Source)
			continue
		}
		res, err := b.callHandler(ctx, reg, event)
		if err != nil {
			b.logger.Warn("handler error",
				"event", event.Type,
				"handler_id", reg.ID,
				"source", reg.Source,
				"error", err)
			continue
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results
}

func (b *Bus) callHandler(ctx context.Context, reg *Registration, event *Event) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return reg.Handler.Handle(ctx, event)
}

func (b *Bus) sortLocked(event Type) {
	regs := b.handlers[event]
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority < regs[j].Priority
		}
		return regs[i].seq < regs[j].seq
	})
}

func (b *Bus) removeLocked(reg *Registration) {
	regs := b.handlers[reg.Event]
	for i, r := range regs {
		if r.ID == reg.ID {
			b.handlers[reg.Event] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
}
