package app

import (
	"encoding/json"
	"net/http"
	"strings"

	loom "github.com/nevindra/loom"
	"github.com/nevindra/loom/ingest"
	"github.com/nevindra/loom/observer"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", a.handleChat)
	mux.HandleFunc("POST /v1/ingest", a.handleIngest)
	mux.HandleFunc("DELETE /v1/ingest/{id}", a.handleIngestDelete)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleChat runs one completion. The default response is an SSE
// stream of pipeline events; suppressStreaming in the request config
// buffers the run and returns a single JSON document instead.
func (a *App) handleChat(w http.ResponseWriter, r *http.Request) {
	var req loom.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	user := userFromRequest(r)
	if user.ID == "" {
		user.ID = req.UserID
	}
	if user.ID == "" {
		httpError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	req.Message = loom.NormalizeInput(req.Message)
	if req.Message == "" && !req.HasImages() {
		httpError(w, http.StatusBadRequest, "empty message")
		return
	}
	if req.SessionID == "" {
		req.SessionID = loom.NewID()
	}

	if req.Config.SuppressStreaming {
		a.serveBuffered(w, r, &req, user)
		return
	}
	if err := loom.ServeSSE(r.Context(), w, a.pipeline, &req, user); err != nil {
		a.log.Error("chat stream failed", "session", req.SessionID, "error", err)
	}
}

// chatResponse is the buffered (non-SSE) completion shape.
type chatResponse struct {
	SessionID    string          `json:"sessionId"`
	MessageID    string          `json:"messageId"`
	Content      string          `json:"content"`
	ToolCalls    []loom.ToolCall `json:"toolCalls,omitempty"`
	Usage        loom.Usage      `json:"usage"`
	FinishReason string          `json:"finishReason,omitempty"`
	Model        string          `json:"model,omitempty"`
}

// serveBuffered runs the pipeline to completion and returns the
// aggregate as one JSON response.
func (a *App) serveBuffered(w http.ResponseWriter, r *http.Request, req *loom.Request, user loom.User) {
	chanSink := loom.NewChanSink(64)
	var sink loom.Sink = chanSink
	if a.inst != nil {
		sink = observer.WrapSink(chanSink, a.inst)
	}

	runDone := make(chan error, 1)
	go func() {
		defer chanSink.Close()
		runDone <- a.pipeline.Run(r.Context(), req, user, sink)
	}()

	resp := chatResponse{SessionID: req.SessionID}
	var content strings.Builder
	var pipelineErr string
	for ev := range chanSink.Events() {
		switch data := ev.Data.(type) {
		case loom.StreamChunkEvent:
			content.WriteString(data.Content)
		case loom.CompletionCompleteEvent:
			resp.MessageID = data.MessageID
			resp.ToolCalls = data.ToolCalls
			resp.Usage = data.Usage
			resp.FinishReason = data.FinishReason
			resp.Model = data.Model
		case loom.CompletionErrorEvent:
			pipelineErr = data.Error
		}
	}
	if err := <-runDone; err != nil && pipelineErr == "" {
		pipelineErr = err.Error()
	}
	if pipelineErr != "" {
		httpError(w, http.StatusBadGateway, pipelineErr)
		return
	}

	resp.Content = content.String()
	writeJSON(w, http.StatusOK, resp)
}

type ingestRequest struct {
	Collection string `json:"collection"`
	Filename   string `json:"filename"`
	Title      string `json:"title"`
	Content    string `json:"content"`
}

func (a *App) handleIngest(w http.ResponseWriter, r *http.Request) {
	if a.ingestor == nil {
		httpError(w, http.StatusServiceUnavailable, "ingestion requires an embedding provider")
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var res ingest.Result
	var err error
	if req.Filename != "" {
		res, err = a.ingestor.IngestFile(r.Context(), req.Collection, req.Filename, []byte(req.Content))
	} else {
		res, err = a.ingestor.IngestText(r.Context(), req.Collection, req.Title, "api", req.Content)
	}
	if err != nil {
		httpError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) handleIngestDelete(w http.ResponseWriter, r *http.Request) {
	if a.ingestor == nil {
		httpError(w, http.StatusServiceUnavailable, "ingestion requires an embedding provider")
		return
	}
	if err := a.ingestor.Delete(r.Context(), r.PathValue("id")); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// userFromRequest reads the identity the auth gateway injects. The
// service itself does not validate tokens; it forwards them to the
// tool proxy, which does.
func userFromRequest(r *http.Request) loom.User {
	user := loom.User{
		ID:       r.Header.Get("X-User-Id"),
		TenantID: r.Header.Get("X-Tenant-Id"),
		IsAdmin:  strings.EqualFold(r.Header.Get("X-User-Admin"), "true"),
		IDToken:  r.Header.Get("X-Id-Token"),
	}
	if groups := r.Header.Get("X-User-Groups"); groups != "" {
		for _, g := range strings.Split(groups, ",") {
			if g = strings.TrimSpace(g); g != "" {
				user.Groups = append(user.Groups, g)
			}
		}
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		user.AccessToken = strings.TrimPrefix(auth, "Bearer ")
	}
	return user
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
