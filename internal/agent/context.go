package agent

import (
	"context"

	"github.com/haasonsaas/loom/internal/execrt"
)

// ToolOutputFunc receives incremental tool output lines. Best-effort
// notification; implementations must not block.
type ToolOutputFunc func(line string)

type toolOutputKey struct{}

// WithToolOutput stores an output callback in the context for tools that
// stream.
func WithToolOutput(ctx context.Context, fn ToolOutputFunc) context.Context {
	return context.WithValue(ctx, toolOutputKey{}, fn)
}

// ToolOutputFromContext retrieves the output callback, or nil.
func ToolOutputFromContext(ctx context.Context) ToolOutputFunc {
	fn, ok := ctx.Value(toolOutputKey{}).(ToolOutputFunc)
	if !ok {
		return nil
	}
	return fn
}

type abortSignalKey struct{}

// WithAbortSignal stores the session abort signal in the context so built-in
// tools can pass it down to the execution runtime.
func WithAbortSignal(ctx context.Context, sig *execrt.AbortSignal) context.Context {
	return context.WithValue(ctx, abortSignalKey{}, sig)
}

// AbortSignalFromContext retrieves the abort signal, or nil.
func AbortSignalFromContext(ctx context.Context) *execrt.AbortSignal {
	sig, ok := ctx.Value(abortSignalKey{}).(*execrt.AbortSignal)
	if !ok {
		return nil
	}
	return sig
}
