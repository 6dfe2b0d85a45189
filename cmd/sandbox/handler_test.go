package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// postExecute drives handleExecute with a nil docker client. Every case
// here must be rejected before the handler touches a session container.
func postExecute(t *testing.T, sem chan struct{}, body string) *httptest.ResponseRecorder {
	t.Helper()
	sessions := newSessionManager(nil, config{})
	run := newRunner(nil, 0, "")
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handleExecute(sem, sessions, run, rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return out["error"]
}

func TestExecuteRejectsInvalidJSON(t *testing.T) {
	rec := postExecute(t, make(chan struct{}, 1), "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if msg := errorBody(t, rec); !strings.Contains(msg, "invalid JSON") {
		t.Errorf("error = %q, want invalid JSON", msg)
	}
}

func TestExecuteRequiresCode(t *testing.T) {
	rec := postExecute(t, make(chan struct{}, 1), `{"session_id":"s1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if msg := errorBody(t, rec); !strings.Contains(msg, "code is required") {
		t.Errorf("error = %q, want code is required", msg)
	}
}

func TestExecuteRequiresSession(t *testing.T) {
	rec := postExecute(t, make(chan struct{}, 1), `{"code":"print(1)"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if msg := errorBody(t, rec); !strings.Contains(msg, "session_id is required") {
		t.Errorf("error = %q, want session_id is required", msg)
	}
}

func TestExecuteRejectsUnknownRuntime(t *testing.T) {
	rec := postExecute(t, make(chan struct{}, 1), `{"code":"x","runtime":"ruby","session_id":"s1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if msg := errorBody(t, rec); !strings.Contains(msg, "unsupported runtime") {
		t.Errorf("error = %q, want unsupported runtime", msg)
	}
}

func TestExecuteRejectsBadInputFile(t *testing.T) {
	body := `{"code":"x","session_id":"s1","files":[{"name":"data.csv","data":"!!!not-base64!!!"}]}`
	rec := postExecute(t, make(chan struct{}, 1), body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if msg := errorBody(t, rec); !strings.Contains(msg, "file write error") {
		t.Errorf("error = %q, want file write error", msg)
	}
}

func TestExecuteFailsFastWhenBusy(t *testing.T) {
	sem := make(chan struct{}, 1)
	sem <- struct{}{}

	rec := postExecute(t, sem, `{"code":"print(1)","session_id":"s1"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if msg := errorBody(t, rec); !strings.Contains(msg, "server busy") {
		t.Errorf("error = %q, want server busy", msg)
	}
}

func TestHealth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if out["status"] != "ready" {
		t.Errorf("status field = %q, want ready", out["status"])
	}
}

func TestDeleteWorkspaceRequiresID(t *testing.T) {
	sessions := newSessionManager(nil, config{})
	req := httptest.NewRequest(http.MethodDelete, "/workspace/", nil)
	rec := httptest.NewRecorder()
	handleDeleteWorkspace(sessions, rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestDeleteWorkspaceUnknownSession(t *testing.T) {
	// Dropping a session that has no containers is a no-op.
	sessions := newSessionManager(nil, config{})
	req := httptest.NewRequest(http.MethodDelete, "/workspace/sess-unknown", nil)
	rec := httptest.NewRecorder()
	handleDeleteWorkspace(sessions, rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}
