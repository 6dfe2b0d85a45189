package code

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/loom"
)

// SandboxRunner executes code by POSTing to a remote sandbox service.
// It implements loom.CodeRunner.
//
// The sandbox communicates tool calls back via HTTP to a callback server
// managed by SandboxRunner. On first Run, the callback server starts
// automatically unless WithCallbackExternal was configured.
type SandboxRunner struct {
	cfg       runnerConfig
	server    *callbackServer
	startOnce sync.Once
	startErr  error
	client    *http.Client
}

// compile-time check
var _ loom.CodeRunner = (*SandboxRunner)(nil)

// NewSandboxRunner creates a SandboxRunner that POSTs code to the sandbox
// at sandboxURL (e.g. "http://sandbox:9000").
func NewSandboxRunner(sandboxURL string, opts ...Option) *SandboxRunner {
	cfg := defaultConfig()
	cfg.sandboxURL = strings.TrimRight(sandboxURL, "/")
	for _, o := range opts {
		o(&cfg)
	}

	return &SandboxRunner{
		cfg:    cfg,
		server: newCallbackServer(),
		client: &http.Client{},
	}
}

// Handler returns the http.Handler for the /_loom/dispatch endpoint.
// Mount this on your own mux when using WithCallbackExternal:
//
//	mux.Handle("/_loom/dispatch", runner.Handler())
func (r *SandboxRunner) Handler() http.Handler {
	return r.server.Handler()
}

// Close shuts down the auto-started callback server.
// No-op when WithCallbackExternal is set.
func (r *SandboxRunner) Close() error {
	return r.server.Close()
}

// Run executes code via the sandbox HTTP service.
func (r *SandboxRunner) Run(ctx context.Context, req loom.CodeRequest, dispatch loom.DispatchFunc) (loom.CodeResult, error) {
	if err := r.ensureStarted(); err != nil {
		return loom.CodeResult{}, err
	}

	timeout := r.cfg.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Execution ID correlates tool callbacks with this Run.
	executionID := loom.NewID()

	execReq := sandboxExecRequest{
		ExecutionID: executionID,
		CallbackURL: r.callbackURL(),
		Code:        req.Code,
		Runtime:     req.Runtime,
		SessionID:   req.SessionID,
		TimeoutSecs: int(timeout.Seconds()),
	}

	// Input files go over the wire base64-encoded.
	for _, f := range req.Files {
		wf := wireFile{Name: f.Name, MIME: f.MIME, URL: f.URL}
		if len(f.Data) > 0 {
			wf.Data = base64.StdEncoding.EncodeToString(f.Data)
		}
		execReq.Files = append(execReq.Files, wf)
	}

	// Start the dispatch drain goroutine that serves tool callbacks from
	// the sandbox. Defer order matters (LIFO): stopCh must close AFTER
	// deregister removes the mapping, so no new envelopes arrive after
	// drainDispatch exits.
	stopCh := make(chan struct{})
	dispatchCh := r.server.register(executionID)
	defer close(stopCh)
	defer r.server.deregister(executionID)
	go r.drainDispatch(ctx, dispatchCh, dispatch, stopCh)

	resp, err := r.doExecute(ctx, execReq)
	if err != nil {
		return loom.CodeResult{}, fmt.Errorf("sandbox execution failed: %w", err)
	}

	result := loom.CodeResult{
		Output:   resp.Output,
		Logs:     resp.Logs,
		ExitCode: resp.ExitCode,
		Error:    resp.Error,
	}

	for _, f := range resp.Files {
		cf := loom.CodeFile{Name: f.Name, MIME: f.MIME, URL: f.URL}
		if f.Data != "" {
			decoded, err := base64.StdEncoding.DecodeString(f.Data)
			if err != nil {
				continue // skip malformed files
			}
			if r.cfg.maxFileSize > 0 && int64(len(decoded)) > r.cfg.maxFileSize {
				// Degrade: include metadata but not data.
				result.Files = append(result.Files, loom.CodeFile{Name: f.Name, MIME: f.MIME})
				continue
			}
			cf.Data = decoded
		}
		result.Files = append(result.Files, cf)
	}

	return result, nil
}

// ensureStarted lazily starts the callback server on first Run.
func (r *SandboxRunner) ensureStarted() error {
	r.startOnce.Do(func() {
		if r.cfg.callbackExtAddr != "" {
			// External mount: the caller runs the HTTP server.
			return
		}
		r.startErr = r.server.Start(r.cfg.callbackAddr)
	})
	return r.startErr
}

// callbackURL returns the full URL the sandbox should POST tool calls to.
func (r *SandboxRunner) callbackURL() string {
	if r.cfg.callbackExtAddr != "" {
		return strings.TrimRight(r.cfg.callbackExtAddr, "/") + callbackPath
	}
	return "http://" + r.server.Addr() + callbackPath
}

// drainDispatch processes tool call envelopes from the dispatch channel.
// Each envelope is dispatched concurrently; the result is sent back via
// replyCh. On exit, drains any remaining envelopes with error replies so
// handleDispatch goroutines don't block on replyCh indefinitely.
func (r *SandboxRunner) drainDispatch(ctx context.Context, dispatchCh chan dispatchEnvelope, dispatch loom.DispatchFunc, stopCh chan struct{}) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case env, ok := <-dispatchCh:
			if !ok {
				return
			}
			wg.Add(1)
			go func(env dispatchEnvelope) {
				defer wg.Done()
				payload, err := dispatch(ctx, env.name, env.args)
				if err != nil {
					env.replyCh <- dispatchReply{err: err.Error()}
					return
				}
				env.replyCh <- dispatchReply{payload: payload}
			}(env)
		case <-stopCh:
			for {
				select {
				case env := <-dispatchCh:
					env.replyCh <- dispatchReply{err: "execution completed"}
				default:
					return
				}
			}
		case <-ctx.Done():
			for {
				select {
				case env := <-dispatchCh:
					env.replyCh <- dispatchReply{err: "execution cancelled"}
				default:
					return
				}
			}
		}
	}
}

// --- sandbox wire types ---

type sandboxExecRequest struct {
	ExecutionID string     `json:"execution_id"`
	CallbackURL string     `json:"callback_url"`
	Code        string     `json:"code"`
	Runtime     string     `json:"runtime"`
	SessionID   string     `json:"session_id,omitempty"`
	TimeoutSecs int        `json:"timeout"`
	Files       []wireFile `json:"files,omitempty"`
}

type sandboxExecResponse struct {
	Output   string     `json:"output"`
	Logs     string     `json:"logs"`
	ExitCode int        `json:"exit_code"`
	Error    string     `json:"error,omitempty"`
	Files    []wireFile `json:"files,omitempty"`
}

// wireFile is the JSON wire format for files (base64 encoded).
type wireFile struct {
	Name string `json:"name"`
	MIME string `json:"mime,omitempty"`
	Data string `json:"data,omitempty"` // base64
	URL  string `json:"url,omitempty"`
}

// doExecute POSTs the execution request to the sandbox with retry.
func (r *SandboxRunner) doExecute(ctx context.Context, execReq sandboxExecRequest) (sandboxExecResponse, error) {
	body, err := json.Marshal(execReq)
	if err != nil {
		return sandboxExecResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	delay := r.cfg.retryDelay

	for attempt := 0; attempt < r.cfg.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return sandboxExecResponse{}, ctx.Err()
			}
		}

		resp, err := r.doOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) {
			return sandboxExecResponse{}, err
		}
		lastErr = err
	}

	return sandboxExecResponse{}, fmt.Errorf("sandbox unreachable after %d attempts: %w", r.cfg.maxRetries, lastErr)
}

// doOnce performs a single POST to /execute.
func (r *SandboxRunner) doOnce(ctx context.Context, body []byte) (sandboxExecResponse, error) {
	url := r.cfg.sandboxURL + "/execute"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return sandboxExecResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return sandboxExecResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return sandboxExecResponse{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return sandboxExecResponse{}, &serverError{code: resp.StatusCode, body: string(respBody)}
	}
	if resp.StatusCode != http.StatusOK {
		return sandboxExecResponse{}, fmt.Errorf("sandbox returned %d: %s", resp.StatusCode, respBody)
	}

	var result sandboxExecResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return sandboxExecResponse{}, fmt.Errorf("parse response: %w", err)
	}
	return result, nil
}

// serverError represents a 5xx response from the sandbox.
type serverError struct {
	code int
	body string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("sandbox returned %d: %s", e.code, e.body)
}

// isTransient reports whether err is a transient network/server error
// that should be retried.
func isTransient(err error) bool {
	if _, ok := err.(*serverError); ok {
		return true
	}
	// net/http wraps network errors; check for timeout.
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Connection refused, reset, etc.
	errMsg := err.Error()
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "EOF")
}
