package execrt

import "sync"

// AbortSignal is a cooperative, resettable stop flag shared between the
// orchestrator and in-flight subprocesses. Setting it twice is a no-op.
type AbortSignal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewAbortSignal creates an unset abort signal.
func NewAbortSignal() *AbortSignal {
	return &AbortSignal{ch: make(chan struct{})}
}

// Set trips the signal. Idempotent.
func (s *AbortSignal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return
	}
	s.set = true
	close(s.ch)
}

// Reset clears the signal so the session can continue.
func (s *AbortSignal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return
	}
	s.set = false
	s.ch = make(chan struct{})
}

// IsSet reports whether the signal has been tripped.
func (s *AbortSignal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel closed when the signal trips. Callers must re-fetch
// the channel after a Reset.
func (s *AbortSignal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
