package agent

import "errors"

// ErrAborted is the control-flow signal used to unwind the loop when the
// abort flag trips. It is never surfaced to the LLM backend; callers see a
// synthetic "[Aborted]" response instead.
var ErrAborted = errors.New("agent run aborted")

// ErrNoProvider is returned when the agent has no LLM backend configured.
var ErrNoProvider = errors.New("no LLM provider configured")
