// Package agent implements the turn-based agent loop: LLM calls, lifecycle
// events, tool dispatch, context compaction, and the abort/steer/follow-up
// control plane.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/loom/internal/compaction"
	"github.com/haasonsaas/loom/internal/events"
	"github.com/haasonsaas/loom/internal/execrt"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// Config configures the agent loop.
type Config struct {
	// MaxTurns limits LLM round-trips per run.
	// Default: 10
	MaxTurns int

	// MaxTokens is the default max tokens for LLM responses.
	// Default: 4096
	MaxTokens int

	// Model passed to the provider when set.
	Model string

	// SystemPrompt injected on every LLM call. Supplied by the external
	// prompt builder.
	SystemPrompt string

	// ThinkingBudget enables extended thinking when positive.
	ThinkingBudget int

	// AutoExecute runs tool calls automatically. When false the loop returns
	// the first response that requests tools.
	// Default: true
	AutoExecute bool

	// Workdir confines built-in file and shell tools.
	Workdir string

	// Credentials are environment overrides applied around each tool call
	// under the scoped-environment lock.
	Credentials map[string]string

	// Compaction decides when the conversation is compacted.
	Compaction compaction.Policy
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxTurns:    10,
		MaxTokens:   4096,
		AutoExecute: true,
		Compaction:  compaction.DefaultPolicy(),
	}
}

func sanitizeConfig(config *Config) *Config {
	if config == nil {
		return DefaultConfig()
	}
	cfg := *config
	defaults := DefaultConfig()
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaults.MaxTurns
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.Compaction.ContextWindow <= 0 {
		cfg.Compaction = defaults.Compaction
	}
	return &cfg
}

// Agent is one conversational session driven by the turn-based loop. The
// control-plane entry points (Abort, Steer, FollowUp) may be called from
// other goroutines; Chat and its streaming variants must not run
// concurrently on the same Agent.
type Agent struct {
	provider  Provider
	bus       *events.Bus
	registry  *ToolRegistry
	runner    *execrt.Runner
	cp        *ControlPlane
	config    *Config
	compactor compaction.Compactor
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	mu       sync.Mutex
	messages []models.Message
}

// Option configures an Agent.
type Option func(*Agent)

// WithBus supplies a shared event bus.
func WithBus(bus *events.Bus) Option {
	return func(a *Agent) { a.bus = bus }
}

// WithRegistry supplies a tool registry. Built-ins are still registered into
// it.
func WithRegistry(registry *ToolRegistry) Option {
	return func(a *Agent) { a.registry = registry }
}

// WithRunner supplies the execution runtime for built-in shell tools.
func WithRunner(runner *execrt.Runner) Option {
	return func(a *Agent) { a.runner = runner }
}

// WithLogger supplies a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(a *Agent) { a.metrics = metrics }
}

// WithTracer enables OpenTelemetry spans around LLM calls and tool
// executions.
func WithTracer(tracer *observability.Tracer) Option {
	return func(a *Agent) { a.tracer = tracer }
}

// WithCompactor overrides the default token-budget compactor.
func WithCompactor(c compaction.Compactor) Option {
	return func(a *Agent) { a.compactor = c }
}

// New creates an agent session. If config is nil, DefaultConfig is used.
func New(provider Provider, config *Config, opts ...Option) *Agent {
	config = sanitizeConfig(config)

	a := &Agent{
		provider: provider,
		config:   config,
		cp:       NewControlPlane(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "agent")
	if a.bus == nil {
		a.bus = events.NewBus(a.logger)
	}
	if a.runner == nil {
		a.runner = execrt.NewRunner(a.logger)
	}
	if a.registry == nil {
		a.registry = NewToolRegistry()
	}
	if a.compactor == nil {
		a.compactor = &compaction.TokenBudgetCompactor{Policy: config.Compaction}
	}
	RegisterBuiltins(a.registry, a.runner, config.Workdir)
	return a
}

// RegisterTool adds an external tool (skill action, extension tool).
func (a *Agent) RegisterTool(tool Tool) {
	a.registry.Register(tool)
}

// On registers a lifecycle event handler and returns an idempotent
// unsubscribe function.
func (a *Agent) On(event events.Type, handler events.Handler, opts ...events.RegisterOption) func() {
	return a.bus.On(event, handler, opts...)
}

// OffBySource removes every handler registered with the source tag.
func (a *Agent) OffBySource(source string) int {
	return a.bus.OffBySource(source)
}

// Abort requests cooperative termination of the current run.
func (a *Agent) Abort() { a.cp.Abort() }

// ResetAbort clears the abort flag.
func (a *Agent) ResetAbort() { a.cp.ResetAbort() }

// IsAborted reports the abort flag state.
func (a *Agent) IsAborted() bool { return a.cp.IsAborted() }

// Steer enqueues a mid-run instruction; remaining tool calls in the current
// turn are abandoned when it is consumed.
func (a *Agent) Steer(msg string) { a.cp.Steer(msg) }

// FollowUp enqueues an instruction processed after the current run would
// otherwise complete.
func (a *Agent) FollowUp(msg string) { a.cp.FollowUp(msg) }

// History returns a copy of the conversation transcript.
func (a *Agent) History() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// Reset clears the conversation transcript.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = nil
}

// Chat runs the loop to completion and returns the final message. A
// synthetic message is returned for max-turns and aborted runs so callers
// never receive an empty response.
func (a *Agent) Chat(ctx context.Context, input string) (*models.Message, error) {
	return a.run(ctx, input, nopObserver{})
}

// run is the single state machine behind Chat and the streaming variants.
// Exactly one of {natural completion, max turns, abort, auto-execute off,
// error} terminates it; every path funnels through the deferred AgentEnd
// emission.
func (a *Agent) run(ctx context.Context, input string, obs observer) (final *models.Message, err error) {
	if a.provider == nil {
		return nil, ErrNoProvider
	}

	finish := models.FinishStop
	defer func() {
		ev := events.NewEvent(events.AgentEnd)
		ev.FinishReason = finish
		ev.Messages = a.History()
		if err != nil {
			finish = models.FinishError
			ev.FinishReason = finish
			ev.Error = err.Error()
		}
		a.bus.Emit(ctx, ev)
	}()

	// Input handlers may rewrite the prompt or answer it outright. The
	// handled short-circuit still emits AgentStart so start/end handlers
	// observe every run as a pair.
	inputEv := events.NewEvent(events.Input)
	inputEv.Input = input
	for _, res := range a.bus.Emit(ctx, inputEv) {
		switch res.Action {
		case "handled":
			a.append(userMessage(input))
			a.emitAgentStart(ctx, input)
			reply := assistantMessage(res.Response)
			a.append(reply)
			return &reply, nil
		case "transform":
			if res.TransformedInput != "" {
				input = res.TransformedInput
			}
		}
	}

	a.append(userMessage(input))
	a.emitAgentStart(ctx, input)

	for turn := 0; turn < a.config.MaxTurns; turn++ {
		if aerr := a.cp.checkAbort(); aerr != nil {
			finish = models.FinishAborted
			return a.aborted(), nil
		}
		if steering, ok := a.cp.drainSteering(); ok {
			a.metrics.IncSteering()
			a.append(userMessage(steering))
		}

		a.emitTurn(ctx, events.TurnStart, turn)
		obs.event(models.StreamEvent{Type: models.StreamTurnStart, Turn: turn})
		a.metrics.IncTurns()

		view, viewErr := a.prepareContext(ctx, turn)
		if viewErr != nil {
			return nil, viewErr
		}

		completion, cerr := a.complete(ctx, turn, view, obs)
		if cerr != nil {
			return nil, cerr
		}
		a.append(completion.Message)

		a.emitTurn(ctx, events.TurnEnd, turn)
		obs.event(models.StreamEvent{Type: models.StreamTurnEnd, Turn: turn})

		if len(completion.Message.ToolCalls) == 0 {
			if followUp, ok := a.cp.drainFollowUp(); ok {
				a.append(userMessage(followUp))
				continue
			}
			msg := completion.Message
			return &msg, nil
		}

		if !a.config.AutoExecute {
			finish = models.FinishAutoExecuteOff
			msg := completion.Message
			return &msg, nil
		}

		for _, tc := range completion.Message.ToolCalls {
			if aerr := a.cp.checkAbort(); aerr != nil {
				finish = models.FinishAborted
				return a.aborted(), nil
			}
			if steering, ok := a.cp.drainSteering(); ok {
				// Remaining tool calls this turn are abandoned, not blocked.
				a.metrics.IncSteering()
				a.append(userMessage(steering))
				break
			}

			args := tc.Input
			blocked, reason, modified := a.beforeToolCall(ctx, turn, tc)
			if modified != nil {
				args = modified
			}
			if blocked {
				if reason == "" {
					reason = "blocked by handler"
				}
				content := "[Blocked] " + reason
				a.metrics.ObserveToolExecution(tc.Name, "blocked", 0)
				a.appendToolResult(tc, content, true, obs, turn)
				continue
			}

			result, isErr := a.executeTool(ctx, turn, tc, args, obs)
			result = a.afterToolResult(ctx, turn, tc, result)
			a.appendToolResult(tc, result, isErr, obs, turn)
		}
	}

	finish = models.FinishMaxTurns
	msg := assistantMessage("[Max turns reached]")
	a.append(msg)
	return &msg, nil
}

// prepareContext builds the message view for the next LLM call: context
// transform handlers first, then compaction. Compaction rewrites the durable
// transcript unless a handler replaced the view.
func (a *Agent) prepareContext(ctx context.Context, turn int) ([]models.Message, error) {
	view := a.History()
	overridden := false

	if a.bus.HasHandlers(events.ContextTransform) {
		ev := events.NewEvent(events.ContextTransform)
		ev.Turn = turn
		ev.Messages = view
		for _, res := range a.bus.Emit(ctx, ev) {
			if res.Messages != nil {
				view = res.Messages
				overridden = true
			}
		}
	}

	if a.config.Compaction.ShouldCompact(view) {
		compacted, err := a.compactor.Compact(ctx, view)
		if err != nil {
			return nil, fmt.Errorf("compact context: %w", err)
		}
		a.metrics.IncCompactions()
		a.logger.Debug("compacted context",
			"turn", turn,
			"before", len(view),
			"after", len(compacted))
		view = compacted
		if !overridden {
			a.mu.Lock()
			a.messages = compacted
			a.mu.Unlock()
		}
	}

	return view, nil
}

// complete performs the single LLM suspension point of a turn. Streaming
// providers forward deltas to the observer; non-streaming responses are
// synthesized into the same event sequence so both views stay identical.
func (a *Agent) complete(ctx context.Context, turn int, view []models.Message, obs observer) (*Completion, error) {
	req := &CompletionRequest{
		Model:          a.config.Model,
		System:         a.config.SystemPrompt,
		Messages:       view,
		Tools:          a.registry.Definitions(),
		MaxTokens:      a.config.MaxTokens,
		ThinkingBudget: a.config.ThinkingBudget,
	}

	spanCtx, span := a.tracer.Start(ctx, "agent.llm",
		attribute.String("model", a.config.Model),
		attribute.Int("turn", turn))
	start := time.Now()

	var completion *Completion
	var err error
	if sp, ok := a.provider.(StreamingProvider); ok {
		completion, err = a.completeStreaming(spanCtx, sp, req, turn, obs)
	} else {
		completion, err = a.provider.Complete(spanCtx, req)
		if err == nil {
			replayCompletion(completion, turn, obs)
		}
	}

	a.metrics.ObserveLLMRequest(a.provider.Name(), a.config.Model, time.Since(start), err)
	observability.End(span, err)
	if err != nil {
		return nil, err
	}

	if completion.Message.ID == "" {
		completion.Message.ID = uuid.NewString()
	}
	if completion.Message.CreatedAt.IsZero() {
		completion.Message.CreatedAt = time.Now()
	}
	completion.Message.Role = models.RoleAssistant
	if completion.Usage != (models.Usage{}) {
		usage := completion.Usage
		completion.Message.Usage = &usage
		a.metrics.ObserveTokens(a.provider.Name(), a.config.Model, usage.InputTokens, usage.OutputTokens)
	}
	return completion, nil
}

func (a *Agent) completeStreaming(ctx context.Context, sp StreamingProvider, req *CompletionRequest, turn int, obs observer) (*Completion, error) {
	ch, err := sp.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var text, thinking []byte
	var toolCalls []models.ToolCall
	var usage models.Usage
	textOpen := false
	thinkingOpen := false

	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Thinking != "" {
			if !thinkingOpen {
				thinkingOpen = true
				obs.event(models.StreamEvent{Type: models.StreamThinkingStart, Turn: turn})
			}
			thinking = append(thinking, chunk.Thinking...)
			obs.event(models.StreamEvent{Type: models.StreamThinkingDelta, Turn: turn, Text: chunk.Thinking})
		}
		if chunk.Text != "" {
			if thinkingOpen {
				thinkingOpen = false
				obs.event(models.StreamEvent{Type: models.StreamThinkingEnd, Turn: turn})
			}
			if !textOpen {
				textOpen = true
				obs.event(models.StreamEvent{Type: models.StreamTextStart, Turn: turn})
			}
			text = append(text, chunk.Text...)
			obs.event(models.StreamEvent{Type: models.StreamTextDelta, Turn: turn, Text: chunk.Text})
		}
		if chunk.ToolCall != nil {
			tc := *chunk.ToolCall
			toolCalls = append(toolCalls, tc)
			obs.event(models.StreamEvent{Type: models.StreamToolCallStart, Turn: turn, ToolCall: &tc})
			obs.event(models.StreamEvent{Type: models.StreamToolCallEnd, Turn: turn, ToolCall: &tc})
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}
	if thinkingOpen {
		obs.event(models.StreamEvent{Type: models.StreamThinkingEnd, Turn: turn})
	}
	if textOpen {
		obs.event(models.StreamEvent{Type: models.StreamTextEnd, Turn: turn})
	}

	return &Completion{
		Message: models.Message{
			Role:      models.RoleAssistant,
			Content:   string(text),
			Reasoning: string(thinking),
			ToolCalls: toolCalls,
		},
		Usage: usage,
	}, nil
}

// replayCompletion synthesizes stream events from a whole response so
// non-streaming providers produce the same observer sequence.
func replayCompletion(completion *Completion, turn int, obs observer) {
	if completion.Message.Reasoning != "" {
		obs.event(models.StreamEvent{Type: models.StreamThinkingStart, Turn: turn})
		obs.event(models.StreamEvent{Type: models.StreamThinkingDelta, Turn: turn, Text: completion.Message.Reasoning})
		obs.event(models.StreamEvent{Type: models.StreamThinkingEnd, Turn: turn})
	}
	if completion.Message.Content != "" {
		obs.event(models.StreamEvent{Type: models.StreamTextStart, Turn: turn})
		obs.event(models.StreamEvent{Type: models.StreamTextDelta, Turn: turn, Text: completion.Message.Content})
		obs.event(models.StreamEvent{Type: models.StreamTextEnd, Turn: turn})
	}
	for i := range completion.Message.ToolCalls {
		tc := completion.Message.ToolCalls[i]
		obs.event(models.StreamEvent{Type: models.StreamToolCallStart, Turn: turn, ToolCall: &tc})
		obs.event(models.StreamEvent{Type: models.StreamToolCallEnd, Turn: turn, ToolCall: &tc})
	}
}

// beforeToolCall emits the BeforeToolCall event. The first block result wins
// and short-circuits; otherwise the last modified-args result wins.
func (a *Agent) beforeToolCall(ctx context.Context, turn int, tc models.ToolCall) (blocked bool, reason string, modified json.RawMessage) {
	ev := events.NewEvent(events.BeforeToolCall)
	ev.Turn = turn
	ev.ToolCallID = tc.ID
	ev.ToolName = tc.Name
	ev.Args = tc.Input

	for _, res := range a.bus.Emit(ctx, ev) {
		if res.Block {
			return true, res.Reason, modified
		}
		if len(res.ModifiedArgs) > 0 {
			modified = res.ModifiedArgs
		}
	}
	return false, "", modified
}

// afterToolResult emits the AfterToolResult event; the last modified result
// wins.
func (a *Agent) afterToolResult(ctx context.Context, turn int, tc models.ToolCall, result string) string {
	ev := events.NewEvent(events.AfterToolResult)
	ev.Turn = turn
	ev.ToolCallID = tc.ID
	ev.ToolName = tc.Name
	ev.Result = result

	for _, res := range a.bus.Emit(ctx, ev) {
		if res.ModifiedResult != nil {
			result = *res.ModifiedResult
		}
	}
	return result
}

// executeTool dispatches one tool call. It never returns a Go error; every
// failure becomes a string result, flagged as an error, that the model can
// see and recover from.
func (a *Agent) executeTool(ctx context.Context, turn int, tc models.ToolCall, args json.RawMessage, obs observer) (string, bool) {
	tool := a.registry.Get(tc.Name)
	if tool == nil {
		a.metrics.ObserveToolExecution(tc.Name, "error", 0)
		return "Unknown tool: " + tc.Name, true
	}

	if err := a.registry.ValidateArgs(tc.Name, args); err != nil {
		a.metrics.ObserveToolExecution(tc.Name, "error", 0)
		return "Error: " + err.Error(), true
	}

	toolCtx := WithAbortSignal(ctx, a.cp.AbortSignal())
	toolCtx = WithToolOutput(toolCtx, func(line string) {
		obs.event(models.StreamEvent{Type: models.StreamToolOutput, Turn: turn, Text: line, ToolCall: &tc})
		if a.bus.HasHandlers(events.ToolExecutionUpdate) {
			ev := events.NewEvent(events.ToolExecutionUpdate)
			ev.Turn = turn
			ev.ToolCallID = tc.ID
			ev.ToolName = tc.Name
			ev.Output = line
			// Best-effort progress notification; losses are acceptable and
			// must not backpressure the execution path.
			go a.bus.Emit(context.Background(), ev)
		}
	})

	spanCtx, span := a.tracer.Start(toolCtx, "agent.tool",
		attribute.String("tool", tc.Name),
		attribute.Int("turn", turn))
	start := time.Now()

	var content string
	isError := false
	err := execrt.WithEnv(a.config.Credentials, func() error {
		res, execErr := safeExecute(spanCtx, tool, args)
		if execErr != nil {
			content = "Error: " + execErr.Error()
			isError = true
			return nil
		}
		content = res.Content
		isError = res.IsError
		return nil
	})
	if err != nil {
		content = "Error: " + err.Error()
		isError = true
	}

	status := "success"
	if isError {
		status = "error"
	}
	a.metrics.ObserveToolExecution(tc.Name, status, time.Since(start))
	observability.End(span, nil)

	a.logger.Debug("tool executed",
		"tool", tc.Name,
		"tool_call_id", tc.ID,
		"status", status,
		"duration", time.Since(start))
	return content, isError
}

// safeExecute recovers tool panics so a misbehaving external tool cannot
// take down the loop.
func safeExecute(ctx context.Context, tool Tool, args json.RawMessage) (res *ToolResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("tool panic: %v", p)
		}
	}()
	res, err = tool.Execute(ctx, args)
	if err == nil && res == nil {
		err = fmt.Errorf("tool returned no result")
	}
	return res, err
}

func (a *Agent) appendToolResult(tc models.ToolCall, content string, isError bool, obs observer, turn int) {
	a.append(toolResultMessage(tc.ID, content))
	obs.event(models.StreamEvent{
		Type: models.StreamToolResult,
		Turn: turn,
		ToolResult: &models.ToolResult{
			ToolCallID: tc.ID,
			Content:    content,
			IsError:    isError,
		},
	})
}

func (a *Agent) emitAgentStart(ctx context.Context, input string) {
	ev := events.NewEvent(events.AgentStart)
	ev.Input = input
	a.bus.Emit(ctx, ev)
}

func (a *Agent) emitTurn(ctx context.Context, t events.Type, turn int) {
	ev := events.NewEvent(t)
	ev.Turn = turn
	a.bus.Emit(ctx, ev)
}

func (a *Agent) aborted() *models.Message {
	a.metrics.IncAborts()
	msg := assistantMessage("[Aborted]")
	a.append(msg)
	return &msg
}

func (a *Agent) append(msg models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
}

func userMessage(content string) models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

func assistantMessage(content string) models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

func toolResultMessage(toolCallID, content string) models.Message {
	return models.Message{
		ID:         uuid.NewString(),
		Role:       models.RoleTool,
		ToolCallID: toolCallID,
		Content:    content,
		CreatedAt:  time.Now(),
	}
}
