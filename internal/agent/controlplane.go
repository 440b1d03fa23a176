package agent

import (
	"sync"

	"github.com/haasonsaas/loom/internal/execrt"
)

// ControlPlane owns the three cooperative primitives callers use to influence
// a running loop: an abort flag, a steering queue, and a follow-up queue. All
// entry points are safe to call from other goroutines; the orchestrator
// drains them non-blockingly at its checkpoints.
type ControlPlane struct {
	abort *execrt.AbortSignal

	mu       sync.Mutex
	steering []string
	followUp []string
}

// NewControlPlane creates a control plane with an unset abort flag.
func NewControlPlane() *ControlPlane {
	return &ControlPlane{abort: execrt.NewAbortSignal()}
}

// Abort requests cooperative termination. Idempotent. In-flight subprocesses
// holding the signal are killed; the loop unwinds at its next checkpoint.
func (c *ControlPlane) Abort() {
	c.abort.Set()
}

// ResetAbort clears the flag so the session can continue.
func (c *ControlPlane) ResetAbort() {
	c.abort.Reset()
}

// IsAborted reports the flag state.
func (c *ControlPlane) IsAborted() bool {
	return c.abort.IsSet()
}

// AbortSignal exposes the signal for passing into the execution runtime.
func (c *ControlPlane) AbortSignal() *execrt.AbortSignal {
	return c.abort
}

// Steer enqueues a message that interrupts the current tool chain. Remaining
// tool calls in the turn are abandoned when it is drained.
func (c *ControlPlane) Steer(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steering = append(c.steering, msg)
}

// FollowUp enqueues a message processed only after the current run would
// otherwise complete.
func (c *ControlPlane) FollowUp(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.followUp = append(c.followUp, msg)
}

// HasSteering reports whether steering messages are queued.
func (c *ControlPlane) HasSteering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steering) > 0
}

// checkAbort returns ErrAborted when the flag is set. Called at loop entry,
// at the top of every turn, and between tool calls.
func (c *ControlPlane) checkAbort() error {
	if c.abort.IsSet() {
		return ErrAborted
	}
	return nil
}

// drainSteering pops one steering message. Never blocks.
func (c *ControlPlane) drainSteering() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.steering) == 0 {
		return "", false
	}
	msg := c.steering[0]
	c.steering = c.steering[1:]
	return msg, true
}

// drainFollowUp pops one follow-up message. Never blocks.
func (c *ControlPlane) drainFollowUp() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.followUp) == 0 {
		return "", false
	}
	msg := c.followUp[0]
	c.followUp = c.followUp[1:]
	return msg, true
}
