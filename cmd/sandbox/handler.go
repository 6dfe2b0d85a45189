package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// executeRequest is the parsed body of POST /execute.
type executeRequest struct {
	ExecutionID string      `json:"execution_id"`
	Code        string      `json:"code"`
	Runtime     string      `json:"runtime"`
	Timeout     int         `json:"timeout"` // seconds
	SessionID   string      `json:"session_id"`
	CallbackURL string      `json:"callback_url"`
	Files       []inputFile `json:"files,omitempty"`
}

// inputFile is a base64-encoded file to place in the workspace.
type inputFile struct {
	Name string `json:"name"`
	Data string `json:"data"` // base64
}

// executeResponse is the JSON body returned by POST /execute.
type executeResponse struct {
	Output   string       `json:"output"`
	Logs     string       `json:"logs"`
	ExitCode int          `json:"exit_code"`
	Error    string       `json:"error,omitempty"`
	Files    []outputFile `json:"files,omitempty"`
}

// outputFile is a file produced by execution, returned base64-encoded.
type outputFile struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data string `json:"data"` // base64
}

const (
	maxRequestBodyBytes = 32 << 20 // 32MB
	defaultTimeoutSecs  = 30
	maxTimeoutSecs      = 300
)

func handleExecute(sem chan struct{}, sessions *sessionManager, run *runner, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req executeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if req.Runtime != "" && req.Runtime != "python" && req.Runtime != "node" {
		writeError(w, http.StatusBadRequest, "unsupported runtime: "+req.Runtime+"; supported: python, node")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	runtime := req.Runtime
	if runtime == "" {
		runtime = "python"
	}
	if req.ExecutionID == "" {
		// The script path inside the container is derived from this.
		req.ExecutionID = strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	timeout := defaultTimeoutSecs
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout > maxTimeoutSecs {
		timeout = maxTimeoutSecs
	}

	entries, err := decodeInputFiles(req.Files)
	if err != nil {
		writeError(w, http.StatusBadRequest, "file write error: "+err.Error())
		return
	}

	// Acquire an execution slot; fail fast under load.
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	default:
		writeError(w, http.StatusServiceUnavailable, "server busy: execution capacity reached")
		return
	}

	result, containerID, err := executeInSession(r.Context(), sessions, run, req, runtime, entries, time.Duration(timeout)*time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session error: "+err.Error())
		return
	}

	outFiles := run.collectOutputFiles(r.Context(), containerID, result.files)

	writeJSON(w, http.StatusOK, executeResponse{
		Output:   result.stdout,
		Logs:     result.stderr,
		ExitCode: result.exitCode,
		Error:    result.err,
		Files:    outFiles,
	})
}

// executeInSession runs the request in the session's container, recreating
// the container once if it died since the last execution.
func executeInSession(ctx context.Context, sessions *sessionManager, run *runner, req executeRequest, runtime string, entries []tarEntry, timeout time.Duration) (runResult, string, error) {
	for attempt := 0; ; attempt++ {
		containerID, err := sessions.acquire(ctx, req.SessionID, runtime)
		if err != nil {
			return runResult{}, "", err
		}

		if err := run.copyInputFiles(ctx, containerID, entries); err != nil {
			if containerGone(err) && attempt == 0 {
				sessions.invalidate(ctx, req.SessionID, runtime, containerID)
				continue
			}
			return runResult{}, "", err
		}

		result := run.run(ctx, runRequest{
			containerID: containerID,
			code:        req.Code,
			runtime:     req.Runtime,
			callbackURL: req.CallbackURL,
			executionID: req.ExecutionID,
			timeout:     timeout,
		})
		if result.gone && attempt == 0 {
			sessions.invalidate(ctx, req.SessionID, runtime, containerID)
			continue
		}
		if result.gone {
			return runResult{}, "", fmt.Errorf("session container unavailable")
		}
		return result, containerID, nil
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func handleDeleteWorkspace(sessions *sessionManager, w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/workspace/")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	sessions.drop(r.Context(), sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
