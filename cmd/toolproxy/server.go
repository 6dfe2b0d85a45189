package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
)

// localTool is one tool the stub proxy exposes.
type localTool struct {
	Server      string
	Name        string
	Description string
	InputSchema json.RawMessage
	Run         func(ctx context.Context, args json.RawMessage) (any, error)
}

// server dispatches tool calls to registered local tools using the
// proxy envelope: {result} on success, {error:{code,message}} on
// failure, with the handling host echoed in x-mcp-proxy-host.
type server struct {
	internalKey string
	tools       []localTool
	host        string
	log         *slog.Logger
}

func newServer(internalKey string, log *slog.Logger) *server {
	host, _ := os.Hostname()
	if host == "" {
		host = "toolproxy-dev"
	}
	return &server{internalKey: internalKey, host: host, log: log}
}

func (s *server) register(t localTool) {
	s.tools = append(s.tools, t)
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp/tool", s.handleCall)
	mux.HandleFunc("GET /mcp/tools", s.handleList)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// authorized accepts the configured internal key or, when none is
// configured, anything. User bearers pass through: the stub has no
// way to validate them and the real proxy owns that concern.
func (s *server) authorized(r *http.Request) bool {
	if s.internalKey == "" {
		return true
	}
	return r.Header.Get("Authorization") != ""
}

type callRequest struct {
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	ID        string          `json:"id"`
}

type callError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *server) handleCall(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusUnauthorized, "missing authorization")
		return
	}

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	for _, t := range s.tools {
		if t.Name != req.Tool {
			continue
		}
		s.log.Info("tool call", "server", req.Server, "tool", req.Tool, "id", req.ID)
		result, err := t.Run(r.Context(), req.Arguments)
		if err != nil {
			s.writeError(w, http.StatusOK, err.Error())
			return
		}
		s.writeResult(w, result)
		return
	}

	s.writeError(w, http.StatusOK, "unknown tool: "+req.Tool)
}

type listedTool struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusUnauthorized, "missing authorization")
		return
	}

	listing := struct {
		Tools []listedTool `json:"tools"`
	}{Tools: make([]listedTool, len(s.tools))}
	for i, t := range s.tools {
		listing.Tools[i] = listedTool{
			Server:      t.Server,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(listing)
}

func (s *server) writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("x-mcp-proxy-host", s.host)
	_ = json.NewEncoder(w).Encode(struct {
		Result any `json:"result"`
	}{Result: result})
}

func (s *server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("x-mcp-proxy-host", s.host)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error callError `json:"error"`
	}{Error: callError{Code: status, Message: msg}})
}
