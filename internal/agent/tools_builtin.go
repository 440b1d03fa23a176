package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/loom/internal/execrt"
)

// Built-in tool names. Registered into the same table external tools use so
// dispatch is a single lookup rather than a name switch.
const (
	ToolExecute       = "execute"
	ToolExecuteScript = "execute_script"
	ToolReadFile      = "read_file"
	ToolWriteFile     = "write_file"
)

// RegisterBuiltins adds the shell and file tools to a registry.
func RegisterBuiltins(registry *ToolRegistry, runner *execrt.Runner, workdir string) {
	registry.Register(&execTool{name: ToolExecute, runner: runner, workdir: workdir})
	registry.Register(&execTool{name: ToolExecuteScript, runner: runner, workdir: workdir, script: true})
	registry.Register(&readFileTool{workdir: workdir})
	registry.Register(&writeFileTool{workdir: workdir})
}

type execArgs struct {
	Command        string            `json:"command,omitempty"`
	Script         string            `json:"script,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// execTool runs a shell command or script through the execution runtime. The
// output callback and abort signal arrive via context so streaming and
// cancellation flow through without widening the Tool interface.
type execTool struct {
	name    string
	runner  *execrt.Runner
	workdir string
	script  bool
}

func (t *execTool) Name() string { return t.name }

func (t *execTool) Description() string {
	if t.script {
		return "Run a multi-line shell script in the workspace."
	}
	return "Run a shell command in the workspace."
}

func (t *execTool) Schema() json.RawMessage {
	inputKey := "command"
	inputDesc := "Shell command to execute."
	if t.script {
		inputKey = "script"
		inputDesc = "Multi-line script to execute."
	}
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			inputKey: map[string]interface{}{
				"type":        "string",
				"description": inputDesc,
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Working directory (relative to workspace).",
			},
			"env": map[string]interface{}{
				"type":        "object",
				"description": "Environment overrides (string values).",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (0 = default).",
				"minimum":     0,
			},
		},
		"required": []string{inputKey},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *execTool) Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var input execArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Error: invalid parameters: %v", err), IsError: true}, nil
	}

	dir, err := resolvePath(t.workdir, input.Cwd)
	if err != nil {
		return &ToolResult{Content: "Error: " + err.Error(), IsError: true}, nil
	}

	req := execrt.Request{
		Dir:      dir,
		Env:      input.Env,
		Timeout:  time.Duration(input.TimeoutSeconds) * time.Second,
		OnOutput: outputFunc(ctx),
		Abort:    AbortSignalFromContext(ctx),
	}

	var res execrt.Result
	if t.script {
		req.Script = input.Script
		res = t.runner.ExecuteScript(ctx, req)
	} else {
		req.Command = input.Command
		res = t.runner.Execute(ctx, req)
	}

	return formatExecResult(res), nil
}

func outputFunc(ctx context.Context) func(string) {
	fn := ToolOutputFromContext(ctx)
	if fn == nil {
		return nil
	}
	return func(line string) { fn(line) }
}

// formatExecResult turns a runtime result into a tool result the model can
// read and react to. Errors are never raised past this point.
func formatExecResult(res execrt.Result) *ToolResult {
	if res.Success {
		out := res.Output
		if strings.TrimSpace(out) == "" {
			out = "(no output)"
		}
		return &ToolResult{Content: out}
	}

	switch res.ExitCode {
	case execrt.ExitAborted:
		return &ToolResult{Content: "Error: Aborted", IsError: true}
	case execrt.ExitTimeout:
		return &ToolResult{Content: "Error: " + res.Error, IsError: true}
	default:
		content := fmt.Sprintf("Error (exit %d): %s", res.ExitCode, res.Error)
		if res.Output != "" {
			content += "\n" + res.Output
		}
		return &ToolResult{Content: content, IsError: true}
	}
}

// resolvePath confines a relative path to the workspace root.
func resolvePath(root, rel string) (string, error) {
	if root == "" {
		return rel, nil
	}
	if rel == "" {
		return root, nil
	}
	joined := filepath.Join(root, rel)
	cleaned := filepath.Clean(joined)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	if absPath != absRoot && !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return absPath, nil
}

type readFileTool struct {
	workdir string
}

func (t *readFileTool) Name() string        { return ToolReadFile }
func (t *readFileTool) Description() string { return "Read a file from the workspace." }

func (t *readFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path (relative to workspace)."}
		},
		"required": ["path"]
	}`)
}

func (t *readFileTool) Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Error: invalid parameters: %v", err), IsError: true}, nil
	}
	path, err := resolvePath(t.workdir, input.Path)
	if err != nil {
		return &ToolResult{Content: "Error: " + err.Error(), IsError: true}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &ToolResult{Content: "Error: " + err.Error(), IsError: true}, nil
	}
	return &ToolResult{Content: string(data)}, nil
}

type writeFileTool struct {
	workdir string
}

func (t *writeFileTool) Name() string        { return ToolWriteFile }
func (t *writeFileTool) Description() string { return "Write a file in the workspace." }

func (t *writeFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path (relative to workspace)."},
			"content": {"type": "string", "description": "File content."}
		},
		"required": ["path", "content"]
	}`)
}

func (t *writeFileTool) Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Error: invalid parameters: %v", err), IsError: true}, nil
	}
	path, err := resolvePath(t.workdir, input.Path)
	if err != nil {
		return &ToolResult{Content: "Error: " + err.Error(), IsError: true}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &ToolResult{Content: "Error: " + err.Error(), IsError: true}, nil
	}
	if err := os.WriteFile(path, []byte(input.Content), 0o644); err != nil {
		return &ToolResult{Content: "Error: " + err.Error(), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Wrote %d bytes to %s", len(input.Content), input.Path)}, nil
}
