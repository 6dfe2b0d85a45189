package loom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// ToolSource lists the tools a user may call this turn. Implementations
// typically front a tool-proxy and apply per-group access filtering
// before returning.
type ToolSource interface {
	ListTools(ctx context.Context, user User) ([]Tool, error)
}

// Pipeline runs one completion request end to end: history, retrieval,
// memory, routing, then the streaming tool loop. Construct once and
// share across requests; per-request state lives in PipelineContext.
type Pipeline struct {
	router     *Router
	completion *CompletionStage
	rag        *RAGStage
	memory     MemoryProvider
	tools      ToolSource
	store      MessageStore
	system     string
	history    int
	logger     *slog.Logger
}

type PipelineOption func(*Pipeline)

// PipelineRAG enables the retrieval stage.
func PipelineRAG(r *RAGStage) PipelineOption {
	return func(p *Pipeline) { p.rag = r }
}

// PipelineMemory enables tiered memory recall during prompt assembly.
func PipelineMemory(m MemoryProvider) PipelineOption {
	return func(p *Pipeline) { p.memory = m }
}

// PipelineTools supplies the per-turn tool inventory.
func PipelineTools(ts ToolSource) PipelineOption {
	return func(p *Pipeline) { p.tools = ts }
}

// PipelineStore enables durable history and user-message persistence.
func PipelineStore(ms MessageStore) PipelineOption {
	return func(p *Pipeline) { p.store = ms }
}

// PipelineSystemPrompt sets the base system prompt prepended to every
// conversation.
func PipelineSystemPrompt(s string) PipelineOption {
	return func(p *Pipeline) { p.system = s }
}

// PipelineHistoryLimit caps how many stored messages are replayed into
// the model context. Default 50.
func PipelineHistoryLimit(n int) PipelineOption {
	return func(p *Pipeline) { p.history = n }
}

func PipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

func NewPipeline(router *Router, completion *CompletionStage, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		router:     router,
		completion: completion,
		history:    50,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the request and emits every event to sink. It returns
// nil on success and on client cancellation; any other failure is
// emitted as a completion_error event before being returned.
func (p *Pipeline) Run(ctx context.Context, req *Request, user User, sink Sink) error {
	if err := validateRequest(req); err != nil {
		return p.fail(sink, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sink.OnCancel(cancel)

	pc := NewPipelineContext(req, user)
	pc.SuppressStreaming = req.Config.SuppressStreaming

	log := p.logger.With("sessionId", pc.SessionID, "userId", user.ID)
	log.Info("pipeline start", "messageId", req.MessageID)

	p.loadHistory(ctx, pc, log)
	p.saveUserMessage(ctx, pc, sink, log)

	if p.rag != nil {
		p.rag.Run(ctx, pc, sink)
	}
	p.recallMemory(ctx, pc, log)
	p.loadTools(ctx, pc, log)
	p.prepare(pc)

	sel, err := p.router.Route(ctx, pc)
	if err != nil {
		return p.fail(sink, err)
	}
	if err := p.completion.Run(ctx, pc, sel, sink); err != nil {
		return p.fail(sink, err)
	}

	log.Info("pipeline done", "model", pc.Model, "elapsedMs", pc.ElapsedMs())
	return nil
}

func validateRequest(req *Request) error {
	if req == nil {
		return ConfigError("nil request")
	}
	if req.UserID == "" {
		return ConfigError("userId is required")
	}
	if req.MessageID == "" {
		return ConfigError("messageId is required")
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return ConfigError("message is empty")
	}
	return nil
}

// fail funnels a stage failure into a completion_error event.
// Cancellation is not an error to the client; the stream just closes.
func (p *Pipeline) fail(sink Sink, err error) error {
	if Classify(err) == KindCancelled {
		p.logger.Debug("pipeline cancelled", "error", err)
		return nil
	}
	var pe *PipelineError
	stage := ""
	if errors.As(err, &pe) {
		stage = pe.Stage
	}
	p.logger.Error("pipeline failed", "stage", stage, "error", err)
	sink.Emit(Event{Type: EventCompletionError, Data: CompletionErrorEvent{
		Error: err.Error(),
		Stage: stage,
	}})
	return err
}

// loadHistory pulls the session transcript. A load failure degrades to
// an empty history rather than failing the request. The current
// message is excluded; it is appended from the request during prepare.
func (p *Pipeline) loadHistory(ctx context.Context, pc *PipelineContext, log *slog.Logger) {
	if p.store == nil || pc.Request.SessionID == "" {
		return
	}
	msgs, err := p.store.ListMessages(ctx, pc.SessionID, p.history)
	if err != nil {
		log.Warn("history load failed", "error", err)
		return
	}
	kept := msgs[:0]
	for _, m := range msgs {
		if m.ID == pc.Request.MessageID {
			continue
		}
		kept = append(kept, m)
	}
	SortMessages(kept)
	pc.Messages = kept
}

// saveUserMessage persists the inbound message and announces it before
// any stream output. When the store is missing or down the event
// carries the client's own id, unconfirmed.
func (p *Pipeline) saveUserMessage(ctx context.Context, pc *PipelineContext, sink Sink, log *slog.Logger) {
	ev := MessageSavedEvent{
		Role:    "user",
		Content: pc.Request.Message,
	}
	if p.store != nil {
		saved, err := p.store.AddMessage(ctx, StoredMessage{
			SessionID: pc.SessionID,
			Role:      "user",
			Content:   pc.Request.Message,
		})
		if err == nil {
			ev.MessageID = saved.ID
			ev.Timestamp = saved.CreatedAt
			ev.Source = "database"
			ev.Confirmed = true
			sink.Emit(Event{Type: EventMessageSaved, Data: ev})
			return
		}
		log.Warn("user message save failed", "error", err)
	}
	ev.MessageID = pc.Request.MessageID
	ev.Timestamp = NowUnixMilli()
	ev.Source = "optimistic"
	sink.Emit(Event{Type: EventMessageSaved, Data: ev})
}

func (p *Pipeline) recallMemory(ctx context.Context, pc *PipelineContext, log *slog.Logger) {
	if p.memory == nil {
		return
	}
	mc, err := p.memory.Recall(ctx, pc.User.ID, pc.SessionID, pc.Request.Message)
	if err != nil {
		log.Warn("memory recall failed", "error", err)
		return
	}
	if !mc.Empty() {
		pc.Memory = &mc
	}
}

func (p *Pipeline) loadTools(ctx context.Context, pc *PipelineContext, log *slog.Logger) {
	if p.tools == nil {
		return
	}
	tools, err := p.tools.ListTools(ctx, pc.User)
	if err != nil {
		log.Warn("tool inventory load failed", "error", err)
		return
	}
	pc.Tools = tools
}

// prepare assembles the model input: system prompt enriched with memory
// and retrieved knowledge, the replayable history, then the current
// user message. Tool rounds and abandoned placeholders are not
// replayed.
func (p *Pipeline) prepare(pc *PipelineContext) {
	var sys strings.Builder
	if p.system != "" {
		sys.WriteString(p.system)
	}
	if mem := pc.Memory.Render(); mem != "" {
		if sys.Len() > 0 {
			sys.WriteString("\n\n")
		}
		sys.WriteString("What you remember about this user:\n\n")
		sys.WriteString(mem)
	}
	if kn := pc.RAG.Render(); kn != "" {
		if sys.Len() > 0 {
			sys.WriteString("\n\n")
		}
		sys.WriteString("Context retrieved for this request. Use it when relevant:\n\n")
		sys.WriteString(kn)
	}

	prepared := make([]ChatMessage, 0, len(pc.Messages)+2)
	if sys.Len() > 0 {
		prepared = append(prepared, SystemMessage(sys.String()))
	}
	for _, m := range pc.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case "user":
			prepared = append(prepared, UserMessage(m.Content))
		case "assistant":
			prepared = append(prepared, AssistantMessage(m.Content))
		}
	}
	cur := UserMessage(pc.Request.Message)
	cur.Images = pc.Request.Attachments
	pc.Prepared = append(prepared, cur)
}

// --- SSE transport ---

// ServeSSE runs the pipeline for req and writes its events to w as
// server-sent events, one frame per event, flushed as they happen. It
// returns when the stream is finished. Client disconnects cancel the
// run; in-flight persistence still completes.
func ServeSSE(ctx context.Context, w http.ResponseWriter, p *Pipeline, req *Request, user User) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sink := NewChanSink(64)

	runDone := make(chan error, 1)
	go func() {
		defer sink.Close()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("pipeline panic", "panic", r)
				sink.Emit(Event{Type: EventCompletionError, Data: CompletionErrorEvent{
					Error: fmt.Sprintf("internal error: %v", r),
				}})
				runDone <- fmt.Errorf("pipeline panic: %v", r)
			}
		}()
		runDone <- p.Run(ctx, req, user, sink)
	}()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			sink.Cancel()
		case <-watchDone:
		}
	}()

	for ev := range sink.Events() {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			p.logger.Warn("event marshal failed", "type", ev.Type, "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
	return <-runDone
}
