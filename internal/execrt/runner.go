// Package execrt runs external commands and scripts for tool calls. It
// streams output line-by-line, enforces timeouts, and honors cooperative
// abort signals. Failures are reported through Result, never as Go errors, so
// the model always sees a legible tool result.
package execrt

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"
)

const (
	// ExitTimeout marks a run killed by its timeout.
	ExitTimeout = -1

	// ExitAborted marks a run killed by the abort signal.
	ExitAborted = -2

	// DefaultMaxOutputBytes caps captured output per run.
	DefaultMaxOutputBytes = 1 << 20

	// DefaultTimeout applies when the request does not set one.
	DefaultTimeout = 60 * time.Second

	truncationMarker = "\n[output truncated]"
)

// Request describes one command or script invocation.
type Request struct {
	// Command is a single shell command, run via the shell. Ignored by
	// ExecuteScript.
	Command string

	// Script is a multi-line script fed to the interpreter's stdin. Ignored
	// by Execute.
	Script string

	// Dir is the working directory. Empty means the process default.
	Dir string

	// Env overlays the base process environment.
	Env map[string]string

	// Timeout bounds the run. Zero means DefaultTimeout.
	Timeout time.Duration

	// OnOutput receives each stdout line as it is read. Stderr is captured
	// but never forwarded here.
	OnOutput func(line string)

	// Abort kills the child when tripped.
	Abort *AbortSignal
}

// Result summarizes one run. Exit codes -1 and -2 distinguish timeout from
// abort; otherwise the code is the process's own.
type Result struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Runner executes commands and scripts.
type Runner struct {
	shell       string
	interpreter string
	maxOutput   int
	timeout     time.Duration
	logger      *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMaxOutput sets the output byte ceiling.
func WithMaxOutput(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// WithShell sets the shell binary used for commands and scripts.
func WithShell(path string) RunnerOption {
	return func(r *Runner) {
		if path != "" {
			r.shell = path
			r.interpreter = path
		}
	}
}

// WithInterpreter sets the script interpreter separately from the shell.
func WithInterpreter(path string) RunnerOption {
	return func(r *Runner) {
		if path != "" {
			r.interpreter = path
		}
	}
}

// WithDefaultTimeout sets the timeout applied when a request carries none.
func WithDefaultTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRunner creates a runner with /bin/sh and the default output ceiling.
func NewRunner(logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		shell:       "/bin/sh",
		interpreter: "/bin/sh",
		maxOutput:   DefaultMaxOutputBytes,
		timeout:     DefaultTimeout,
		logger:      logger.With("component", "execrt"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs a single command through the shell.
func (r *Runner) Execute(ctx context.Context, req Request) Result {
	if strings.TrimSpace(req.Command) == "" {
		return Result{Error: "command is required", ExitCode: -1}
	}
	return r.run(ctx, req, func(runCtx context.Context) *exec.Cmd {
		return exec.CommandContext(runCtx, r.shell, "-c", req.Command)
	})
}

// ExecuteScript runs a multi-line script by piping it to the interpreter's
// stdin. Semantics are otherwise identical to Execute.
func (r *Runner) ExecuteScript(ctx context.Context, req Request) Result {
	if strings.TrimSpace(req.Script) == "" {
		return Result{Error: "script is required", ExitCode: -1}
	}
	return r.run(ctx, req, func(runCtx context.Context) *exec.Cmd {
		cmd := exec.CommandContext(runCtx, r.interpreter)
		cmd.Stdin = strings.NewReader(req.Script)
		return cmd
	})
}

func (r *Runner) run(ctx context.Context, req Request, build func(context.Context) *exec.Cmd) Result {
	if req.Abort != nil && req.Abort.IsSet() {
		return Result{Error: "Aborted", ExitCode: ExitAborted}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}

	start := time.Now()

	if req.OnOutput == nil && req.Abort == nil {
		return r.runGather(ctx, req, build, timeout, start)
	}
	return r.runStreaming(ctx, req, build, timeout, start)
}

// runGather is the fast path: collect all output with one blocking wait.
func (r *Runner) runGather(ctx context.Context, req Request, build func(context.Context) *exec.Cmd, timeout time.Duration, start time.Time) Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := build(runCtx)
	r.configure(cmd, req)

	stdout := newLimitedBuffer(r.maxOutput)
	stderr := newLimitedBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	return r.finish(req, err, runCtx, stdout, stderr, time.Since(start), false)
}

// runStreaming reads stdout and stderr concurrently line-by-line and watches
// the abort signal. Lines read before a kill are preserved.
func (r *Runner) runStreaming(ctx context.Context, req Request, build func(context.Context) *exec.Cmd, timeout time.Duration, start time.Time) Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := build(runCtx)
	r.configure(cmd, req)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Error: "stdout pipe: " + err.Error(), ExitCode: -1, Duration: time.Since(start)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{Error: "stderr pipe: " + err.Error(), ExitCode: -1, Duration: time.Since(start)}
	}

	if err := cmd.Start(); err != nil {
		return Result{Error: "start: " + err.Error(), ExitCode: -1, Duration: time.Since(start)}
	}

	stdout := newLimitedBuffer(r.maxOutput)
	stderr := newLimitedBuffer(r.maxOutput)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			stdout.WriteLine(line)
			if req.OnOutput != nil {
				req.OnOutput(line)
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			stderr.WriteLine(scanner.Text())
		}
	}()

	waitDone := make(chan error, 1)
	go func() {
		wg.Wait()
		waitDone <- cmd.Wait()
	}()

	aborted := false
	var runErr error
	if req.Abort != nil {
		select {
		case <-req.Abort.Done():
			aborted = true
			_ = killTree(cmd)
			runErr = <-waitDone
		case runErr = <-waitDone:
		}
	} else {
		runErr = <-waitDone
	}

	return r.finish(req, runErr, runCtx, stdout, stderr, time.Since(start), aborted)
}

func (r *Runner) configure(cmd *exec.Cmd, req Request) {
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	if len(req.Env) > 0 {
		base := os.Environ()
		for k, v := range req.Env {
			base = append(base, k+"="+v)
		}
		cmd.Env = base
	}
	// The shell's children must die with it. Each run gets its own process
	// group so timeout and abort kills reach grandchildren instead of leaving
	// orphans holding the output pipes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killTree(cmd) }
	cmd.WaitDelay = 2 * time.Second
}

// killTree kills the process and everything in its process group.
func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func (r *Runner) finish(req Request, err error, runCtx context.Context, stdout, stderr *limitedBuffer, elapsed time.Duration, aborted bool) Result {
	res := Result{
		Output:   stdout.Finalize(),
		Duration: elapsed,
	}

	switch {
	case aborted:
		res.ExitCode = ExitAborted
		res.Error = "Aborted"
	case runCtx.Err() == context.DeadlineExceeded:
		res.ExitCode = ExitTimeout
		res.Error = "timed out after " + elapsed.Truncate(time.Millisecond).String()
	case err != nil:
		res.ExitCode = processExitCode(err)
		res.Error = err.Error()
		if msg := stderr.String(); msg != "" {
			res.Error = res.Error + ": " + truncateUTF8(msg, 4096)
		}
	default:
		res.Success = true
	}

	if !res.Success {
		r.logger.Debug("run failed",
			"exit_code", res.ExitCode,
			"duration", elapsed,
			"error", res.Error)
	}
	return res
}

func processExitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// truncateUTF8 cuts s at max bytes without splitting a code point. Invalid
// bytes are replaced rather than propagated.
func truncateUTF8(s string, max int) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// limitedBuffer accumulates output up to a byte ceiling. Writes past the
// ceiling are counted but dropped.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.append(p)
	return len(p), nil
}

func (b *limitedBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.append([]byte(line))
	b.append([]byte{'\n'})
}

func (b *limitedBuffer) append(p []byte) {
	if b.max > 0 && len(b.buf) >= b.max {
		b.truncated = true
		return
	}
	if b.max > 0 && len(b.buf)+len(p) > b.max {
		p = p[:b.max-len(b.buf)]
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Finalize returns the captured output with UTF-8 repair and, when the
// ceiling was hit, a trailing truncation marker.
func (b *limitedBuffer) Finalize() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := truncateUTF8(string(b.buf), b.max)
	if b.truncated {
		out += truncationMarker
	}
	return out
}
