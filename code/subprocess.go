package code

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nevindra/loom"
)

//go:embed prelude.py
var preludeSource string

// postludeSource is appended after user code to flush the final result.
const postludeSource = `
if _final_result is not None or _final_files:
    import json as _json_post
    _msg = _json_post.dumps({"type": "result", "data": _final_result, "files": _final_files})
    _proto_out.write(_msg + '\n')
    _proto_out.flush()
`

// blockedPatterns are checked before execution to reject obviously dangerous code.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`os\.system\s*\(`),
	regexp.MustCompile(`subprocess\.\w+\s*\(`),
}

// SubprocessRunner executes Python code in a local subprocess with a JSON
// protocol bridge for tool calls. Implements loom.CodeRunner.
//
// It is meant for development and single-node deployments; production
// setups should point a SandboxRunner at an isolated sandbox service.
// Only the python runtime is supported.
type SubprocessRunner struct {
	pythonBin string
	cfg       runnerConfig
}

// compile-time check
var _ loom.CodeRunner = (*SubprocessRunner)(nil)

// NewSubprocessRunner creates a SubprocessRunner that executes Python code
// via the given Python binary (e.g. "python3").
func NewSubprocessRunner(pythonBin string, opts ...Option) *SubprocessRunner {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &SubprocessRunner{pythonBin: pythonBin, cfg: cfg}
}

// Run executes Python code in a subprocess. The dispatch function bridges
// call_tool() invocations in the code back to the executor.
func (r *SubprocessRunner) Run(ctx context.Context, req loom.CodeRequest, dispatch loom.DispatchFunc) (loom.CodeResult, error) {
	for _, pat := range blockedPatterns {
		if pat.MatchString(req.Code) {
			return loom.CodeResult{
				Error:    fmt.Sprintf("blocked: code contains prohibited pattern: %s", pat.String()),
				ExitCode: 1,
			}, nil
		}
	}
	if req.Runtime != "" && req.Runtime != "python" {
		return loom.CodeResult{
			Error:    fmt.Sprintf("subprocess runner cannot execute %q, only python", req.Runtime),
			ExitCode: 1,
		}, nil
	}

	timeout := r.cfg.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workspace, cleanup, err := r.resolveWorkspace(req.SessionID)
	if err != nil {
		return loom.CodeResult{}, err
	}
	defer cleanup()

	// Place input files in the workspace before execution.
	for _, f := range req.Files {
		if len(f.Data) == 0 {
			continue // URL download is a sandbox service feature
		}
		name := filepath.Base(f.Name)
		if err := os.WriteFile(filepath.Join(workspace, name), f.Data, 0o600); err != nil {
			return loom.CodeResult{}, fmt.Errorf("code runner: place input file %s: %w", name, err)
		}
	}

	// Write temp script: prelude + user code + postlude.
	tmpFile, err := os.CreateTemp("", "loom-code-*.py")
	if err != nil {
		return loom.CodeResult{}, fmt.Errorf("code runner: create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	script := preludeSource + "\n" + req.Code + "\n" + postludeSource
	if _, err := tmpFile.WriteString(script); err != nil {
		tmpFile.Close()
		return loom.CodeResult{}, fmt.Errorf("code runner: write script: %w", err)
	}
	tmpFile.Close()

	cmd := exec.CommandContext(ctx, r.pythonBin, tmpFile.Name())
	cmd.Dir = workspace
	cmd.Env = r.buildEnv(workspace)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return loom.CodeResult{}, fmt.Errorf("code runner: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return loom.CodeResult{}, fmt.Errorf("code runner: stdout pipe: %w", err)
	}

	// Capture stderr (print() output + error messages).
	var stderrBuf strings.Builder
	cmd.Stderr = &stderrWriter{w: &stderrBuf, max: r.cfg.maxOutput}

	if err := cmd.Start(); err != nil {
		return loom.CodeResult{}, fmt.Errorf("code runner: start subprocess: %w", err)
	}

	// Protocol loop: read JSON messages from stdout, dispatch tool calls,
	// write results to stdin.
	var finalOutput string
	var outputFiles []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, r.cfg.maxOutput), r.cfg.maxOutput)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var msg protocolMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue // skip malformed lines
		}

		switch msg.Type {
		case "tool_call":
			writeJSON(stdin, r.handleToolCall(ctx, msg, dispatch))

		case "tool_calls_parallel":
			writeJSON(stdin, r.handleToolCallsParallel(ctx, msg, dispatch))

		case "result":
			data, _ := json.Marshal(msg.Data)
			finalOutput = string(data)
			outputFiles = msg.Files
		}
	}

	err = cmd.Wait()
	logs := stderrBuf.String()
	if len(logs) > r.cfg.maxOutput {
		logs = logs[:r.cfg.maxOutput] + "\n... (truncated)"
	}

	result := loom.CodeResult{
		Output: finalOutput,
		Logs:   logs,
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.Error = fmt.Sprintf("execution timed out after %s", timeout)
			result.ExitCode = -1
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("exit code %d", exitErr.ExitCode())
		} else {
			result.Error = err.Error()
			result.ExitCode = -1
		}
	}

	// Collect files the code declared via set_result(files=[...]).
	for _, name := range outputFiles {
		base := filepath.Base(name)
		data, rerr := os.ReadFile(filepath.Join(workspace, base))
		if rerr != nil {
			continue
		}
		mtype := mime.TypeByExtension(filepath.Ext(base))
		if r.cfg.maxFileSize > 0 && int64(len(data)) > r.cfg.maxFileSize {
			// Degrade: include metadata but not data.
			result.Files = append(result.Files, loom.CodeFile{Name: base, MIME: mtype})
			continue
		}
		result.Files = append(result.Files, loom.CodeFile{Name: base, MIME: mtype, Data: data})
	}

	return result, nil
}

// resolveWorkspace returns the working directory for one execution.
// A session ID maps to a stable subdirectory so files survive across
// executions that share it; without one the execution gets a fresh
// directory that is removed afterwards.
func (r *SubprocessRunner) resolveWorkspace(sessionID string) (string, func(), error) {
	base := r.cfg.workspace
	if base == "" {
		base = os.TempDir()
	}
	if sessionID != "" {
		dir := filepath.Join(base, "loom-"+sanitizeSession(sessionID))
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", nil, fmt.Errorf("code runner: session workspace: %w", err)
		}
		return dir, func() {}, nil
	}
	dir, err := os.MkdirTemp(base, "loom-exec-")
	if err != nil {
		return "", nil, fmt.Errorf("code runner: exec workspace: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// sanitizeSession keeps session IDs safe as path components.
func sanitizeSession(id string) string {
	var b strings.Builder
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(byte(c))
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

// buildEnv constructs the environment for the subprocess.
func (r *SubprocessRunner) buildEnv(workspace string) []string {
	var env []string
	if r.cfg.envPassthrough {
		env = os.Environ()
	} else {
		// Minimal environment for Python to work.
		env = []string{
			"PATH=" + os.Getenv("PATH"),
			"HOME=" + os.Getenv("HOME"),
			"LANG=en_US.UTF-8",
		}
	}

	// The prelude resolves workspace-relative paths through this.
	env = append(env, "_LOOM_WORKSPACE="+workspace)

	for k, v := range r.cfg.envVars {
		env = append(env, k+"="+v)
	}

	return env
}

// --- Protocol types ---

type protocolMessage struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`
	Calls []protocolCall  `json:"calls,omitempty"`
	Data  any             `json:"data,omitempty"`
	Files []string        `json:"files,omitempty"`
}

type protocolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type protocolResponse struct {
	Type    string           `json:"type"`
	ID      string           `json:"id,omitempty"`
	Data    json.RawMessage  `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
	Results []protocolResult `json:"results,omitempty"`
}

type protocolResult struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// handleToolCall dispatches a single tool call and returns the protocol response.
func (r *SubprocessRunner) handleToolCall(ctx context.Context, msg protocolMessage, dispatch loom.DispatchFunc) protocolResponse {
	payload, err := dispatch(ctx, msg.Name, msg.Args)
	if err != nil {
		return protocolResponse{
			Type:  "tool_error",
			ID:    msg.ID,
			Error: err.Error(),
		}
	}
	return protocolResponse{
		Type: "tool_result",
		ID:   msg.ID,
		Data: payload,
	}
}

// handleToolCallsParallel dispatches multiple tool calls concurrently and
// returns the results in call order.
func (r *SubprocessRunner) handleToolCallsParallel(ctx context.Context, msg protocolMessage, dispatch loom.DispatchFunc) protocolResponse {
	type indexed struct {
		idx     int
		payload json.RawMessage
		err     error
	}
	ch := make(chan indexed, len(msg.Calls))
	for i, c := range msg.Calls {
		go func(idx int, c protocolCall) {
			payload, err := dispatch(ctx, c.Name, c.Args)
			ch <- indexed{idx: idx, payload: payload, err: err}
		}(i, c)
	}

	results := make([]protocolResult, len(msg.Calls))
	for range msg.Calls {
		ir := <-ch
		pr := protocolResult{ID: msg.Calls[ir.idx].ID, Data: ir.payload}
		if ir.err != nil {
			pr.Data = nil
			pr.Error = ir.err.Error()
		}
		results[ir.idx] = pr
	}

	return protocolResponse{
		Type:    "tool_results_parallel",
		Results: results,
	}
}

// writeJSON writes a JSON-encoded message to the writer, followed by a newline.
func writeJSON(w io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "%s\n", data)
}

// stderrWriter limits stderr capture to a maximum size.
type stderrWriter struct {
	w   *strings.Builder
	max int
}

func (sw *stderrWriter) Write(p []byte) (int, error) {
	if sw.w.Len() < sw.max {
		remaining := sw.max - sw.w.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		sw.w.Write(p)
	}
	return len(p), nil
}
