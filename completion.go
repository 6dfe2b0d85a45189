package loom

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// CompletionConfig carries the completion stage knobs.
type CompletionConfig struct {
	// MaxToolRounds caps provider round-trips per request. Default 8.
	MaxToolRounds int
	// IdleTimeout aborts a provider stream with no deltas for this long.
	// Default 2 minutes.
	IdleTimeout time.Duration
	// SchemaRetryMax bounds the halve-and-retry recovery for schema
	// complexity rejections. Default 2.
	SchemaRetryMax int
	// SchemaMinTools is the floor the tool set is never halved below.
	// Default 20.
	SchemaMinTools int
	// RequireDurable makes a failed placeholder write fatal instead of
	// falling back to an in-memory id.
	RequireDurable bool
}

// CompletionStage owns the provider round loop: the database-first
// placeholder, stream parsing, the tool loop, finalization and the
// metrics record.
type CompletionStage struct {
	newSource func() StreamSource
	executor  *Executor
	store     MessageStore
	metrics   MetricsStore
	guard     *OutputGuard
	memory    MemoryProvider
	cfg       CompletionConfig
	logger    *slog.Logger
}

// CompletionOption configures a CompletionStage.
type CompletionOption func(*CompletionStage)

// CompletionStore sets the durable message store. Without one every
// message is in-memory and message ids are optimistic.
func CompletionStore(ms MessageStore) CompletionOption {
	return func(s *CompletionStage) { s.store = ms }
}

// CompletionMetricsStore enables the per-request metrics record.
func CompletionMetricsStore(ms MetricsStore) CompletionOption {
	return func(s *CompletionStage) { s.metrics = ms }
}

// CompletionGuard sets the output sanity guard run at finalization.
func CompletionGuard(g *OutputGuard) CompletionOption {
	return func(s *CompletionStage) { s.guard = g }
}

// CompletionMemory lets the stage report finished exchanges to the
// memory collaborator.
func CompletionMemory(m MemoryProvider) CompletionOption {
	return func(s *CompletionStage) { s.memory = m }
}

// CompletionLogger sets the structured logger. Defaults to no output.
func CompletionLogger(l *slog.Logger) CompletionOption {
	return func(s *CompletionStage) { s.logger = l }
}

// CompletionSource overrides the per-request stream source factory.
func CompletionSource(fn func() StreamSource) CompletionOption {
	return func(s *CompletionStage) { s.newSource = fn }
}

func NewCompletionStage(manager *Manager, executor *Executor, cfg CompletionConfig, opts ...CompletionOption) *CompletionStage {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 8
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.SchemaRetryMax <= 0 {
		cfg.SchemaRetryMax = 2
	}
	if cfg.SchemaMinTools <= 0 {
		cfg.SchemaMinTools = 20
	}
	s := &CompletionStage{
		executor: executor,
		cfg:      cfg,
		logger:   nopLogger,
	}
	if manager != nil {
		s.newSource = func() StreamSource { return manager.ForRequest() }
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// completionState is the running outcome across rounds.
type completionState struct {
	assistantID  string
	durable      bool
	model        string
	content      strings.Builder
	thinking     strings.Builder
	toolCalls    []ToolCall
	usage        Usage
	ttftMs       int64
	finishReason string
	terminalTool bool // terminal round still carried tool calls
}

// Run drives the request to completion: placeholder write, provider
// rounds with tool execution in between, then finalization. The
// returned error is request-fatal; the pipeline turns it into a
// completion_error event.
func (s *CompletionStage) Run(ctx context.Context, pc *PipelineContext, sel Selection, sink Sink) error {
	if s.newSource == nil {
		return ConfigError("completion: no provider source configured")
	}
	pc.Model = sel.Model
	pc.ModelSelectionReason = sel.Reason

	st := &completionState{model: sel.Model}
	var err error
	st.assistantID, st.durable, err = s.writePlaceholder(ctx, pc, sel.Model, sink)
	if err != nil {
		return err
	}

	sink.Emit(Event{Type: EventCompletionStart, Data: CompletionStartEvent{
		Model:     sel.Model,
		MessageID: st.assistantID,
		Source:    confirmSource(st.durable),
	}})

	source := s.newSource()
	announceFailover := func() { s.emitFailover(source, sink) }

	tools := sel.Tools
	toolChoice := sel.ToolChoice
	schemaTries := 0

	for round := 0; ; round++ {
		if ctx.Err() != nil {
			return s.interrupted(pc, st)
		}

		req := ChatRequest{
			Model:       sel.Model,
			Messages:    pc.Prepared,
			Temperature: pc.Request.Config.Temperature,
			MaxTokens:   pc.Request.Config.MaxTokens,
			Thinking:    sel.Thinking,
		}
		if pc.ForceFinalCompletion {
			// Guarantees text out of the terminal round.
			req.Tools = []ToolDefinition{}
		} else if len(tools) > 0 {
			req.Tools = ToolDefinitions(tools)
			req.ToolChoice = toolChoice
		}

		res, err := s.streamOnce(ctx, pc, source, req, st, sink, announceFailover)
		announceFailover()

		if err != nil {
			if IsSchemaComplexity(err) && schemaTries < s.cfg.SchemaRetryMax && len(tools) > s.cfg.SchemaMinTools {
				schemaTries++
				tools = tools[:max(s.cfg.SchemaMinTools, len(tools)/2)]
				sink.Emit(Event{Type: EventWarning, Data: WarningEvent{
					Code:    WarnToolLimitExceeded,
					Message: fmt.Sprintf("tool schema too complex for %s, retrying with %d tools", sel.Model, len(tools)),
				}})
				s.logger.Warn("schema complexity rejection, halving tool set",
					"tools", len(tools), "attempt", schemaTries)
				round--
				continue
			}
			st.content.WriteString(res.Content)
			if ctx.Err() != nil && !res.TimedOut {
				return s.interrupted(pc, st)
			}
			s.failPlaceholder(pc, st)
			s.writeMetrics(pc, st, StatusError)
			return StageError("completion", err)
		}

		st.usage.Add(res.Usage)
		st.content.WriteString(res.Content)
		if res.Reasoning != "" {
			if st.thinking.Len() > 0 {
				st.thinking.WriteString("\n\n")
			}
			st.thinking.WriteString(res.Reasoning)
		}
		if st.ttftMs == 0 {
			st.ttftMs = res.TTFTMs
		}
		st.finishReason = res.FinishReason

		if len(res.ToolCalls) == 0 || pc.ForceFinalCompletion {
			st.terminalTool = len(res.ToolCalls) > 0
			st.toolCalls = append(st.toolCalls, res.ToolCalls...)
			break
		}

		// Tool round: one synthetic assistant turn with exactly this
		// round's calls, then one tool message per result, in order.
		st.toolCalls = append(st.toolCalls, res.ToolCalls...)
		pc.Prepared = append(pc.Prepared, AssistantToolCalls(res.Content, res.ToolCalls))
		for _, call := range res.ToolCalls {
			// A disconnect mid-round must not run the remaining calls
			// or emit their brackets.
			if ctx.Err() != nil {
				return s.interrupted(pc, st)
			}
			tr := s.executor.ExecuteCall(ctx, pc, sink, call)
			pc.Prepared = append(pc.Prepared, ToolResultMessage(tr.ToolCallID, tr.MessageBody()))
		}
		// A forced first-round tool_choice must not repeat forever.
		toolChoice = "auto"

		if round+1 >= s.cfg.MaxToolRounds {
			pc.ForceFinalCompletion = true
			s.logger.Warn("tool round limit reached, forcing final completion",
				"rounds", s.cfg.MaxToolRounds)
		}
	}

	return s.finalize(ctx, pc, st, sink)
}

// streamOnce runs a single provider stream through the accumulator.
func (s *CompletionStage) streamOnce(ctx context.Context, pc *PipelineContext, source StreamSource, req ChatRequest, st *completionState, sink Sink, preEmit func()) (streamResult, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan Delta, 64)
	acc := newStreamAccumulator(sink, pc.SuppressStreaming, s.cfg.IdleTimeout, s.persistFn(st), s.logger)
	acc.preEmit = preEmit

	done := make(chan struct{})
	go func() {
		defer close(done)
		acc.consume(ch, cancel)
	}()

	resp, name, err := source.Stream(streamCtx, req, ch)
	<-done
	if name != "" {
		pc.Provider = name
	}
	res := acc.finish(resp, err)
	if res.TimedOut {
		err = &PipelineError{
			Kind:  KindTimeout,
			Stage: "completion",
			Err:   fmt.Errorf("provider stream idle for %s", s.cfg.IdleTimeout),
		}
	}
	return res, err
}

// writePlaceholder creates the empty assistant record before any
// streaming so the client can anchor deltas to a stable id. A failed
// write degrades to an optimistic in-memory id unless durability is
// mandated.
func (s *CompletionStage) writePlaceholder(ctx context.Context, pc *PipelineContext, model string, sink Sink) (string, bool, error) {
	if s.store != nil {
		saved, err := s.store.AddMessage(ctx, StoredMessage{
			SessionID: pc.SessionID,
			Role:      "assistant",
			Model:     model,
			Meta:      &MessageMeta{Status: StatusStreaming},
		})
		if err == nil {
			ts := saved.CreatedAt
			if ts == 0 {
				ts = NowUnixMilli()
			}
			sink.Emit(Event{Type: EventMessageSaved, Data: MessageSavedEvent{
				MessageID: saved.ID,
				Role:      "assistant",
				Timestamp: ts,
				Source:    SourceDatabase,
				Confirmed: true,
				Streaming: true,
			}})
			return saved.ID, true, nil
		}
		if s.cfg.RequireDurable {
			return "", false, StageError("completion", fmt.Errorf("assistant placeholder write: %w", err))
		}
		s.logger.Warn("assistant placeholder write failed, continuing optimistically", "error", err)
	}
	id := "assistant_" + pc.Request.MessageID
	sink.Emit(Event{Type: EventMessageSaved, Data: MessageSavedEvent{
		MessageID: id,
		Role:      "assistant",
		Timestamp: NowUnixMilli(),
		Source:    SourceOptimistic,
		Confirmed: false,
		Streaming: true,
	}})
	return id, false, nil
}

// persistFn is the throttled mid-stream persist callback. Optimistic
// ids have no row to update, so they get none.
func (s *CompletionStage) persistFn(st *completionState) func(string) {
	if !st.durable || s.store == nil {
		return nil
	}
	prefix := st.content.String()
	return func(content string) {
		full := prefix + content
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.UpdateMessage(ctx, st.assistantID, MessageUpdate{Content: &full}); err != nil {
			s.logger.Debug("mid-stream persist failed", "error", err)
		}
	}
}

// emitFailover announces a recorded provider switch exactly once.
func (s *CompletionStage) emitFailover(source StreamSource, sink Sink) {
	f := source.TakeFailover()
	if f == nil {
		return
	}
	sink.Emit(Event{Type: EventProviderFailover, Data: ProviderFailoverEvent{
		Occurred:         true,
		OriginalProvider: f.Original,
		FailoverProvider: f.Substitute,
		FailureReason:    f.Reason,
		FailoverTime:     f.At.UnixMilli(),
		Message:          fmt.Sprintf("Provider %s failed, continuing on %s", f.Original, f.Substitute),
	}})
}

// finalize persists the finished message, runs the output guard and
// emits the terminal events.
func (s *CompletionStage) finalize(ctx context.Context, pc *PipelineContext, st *completionState, sink Sink) error {
	content := st.content.String()
	if s.guard != nil {
		report := s.guard.Inspect(pc.Request.Message, content)
		if !report.Clean() {
			content = report.Sanitized
			sink.Emit(Event{Type: EventContentSafety, Data: ContentSafetyEvent{
				MessageID:     st.assistantID,
				Issues:        report.Issues,
				HadNonEnglish: report.HadNonEnglish,
				HadRepetition: report.HadRepetition,
				Truncated:     report.Truncated,
			}})
		}
	}

	meta := &MessageMeta{
		Status:          StatusComplete,
		ThinkingContent: st.thinking.String(),
		MCPCalls:        pc.MCPCalls(),
	}

	durable := st.durable
	if durable {
		upd := MessageUpdate{
			Content:   &content,
			Model:     &st.model,
			ToolCalls: st.toolCalls,
			Usage:     &st.usage,
			Meta:      meta,
		}
		// A disconnect between the terminal stream and this write must
		// not lose the finished message.
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.store.UpdateMessage(uctx, st.assistantID, upd); err != nil {
			s.logger.Warn("final message update failed", "id", st.assistantID, "error", err)
			durable = false
		} else {
			sink.Emit(Event{Type: EventMessageUpdated, Data: MessageUpdatedEvent{
				MessageID:       st.assistantID,
				Role:            "assistant",
				Content:         content,
				Timestamp:       NowUnixMilli(),
				ToolCalls:       st.toolCalls,
				TokenUsage:      &st.usage,
				Model:           st.model,
				Source:          SourceDatabase,
				Confirmed:       true,
				Final:           true,
				ThinkingContent: st.thinking.String(),
			}})
		}
	}
	if !durable {
		now := NowUnixMilli()
		pc.InsertMessage(StoredMessage{
			ID:        st.assistantID,
			SessionID: pc.SessionID,
			Role:      "assistant",
			Content:   content,
			Model:     st.model,
			ToolCalls: st.toolCalls,
			Usage:     &st.usage,
			Meta:      meta,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	s.observe(pc, content)

	// Terminal rounds that still carried tool calls closed their own
	// brackets; only a clean text round owns completion_complete.
	if !st.terminalTool {
		calls := st.toolCalls
		if calls == nil {
			calls = []ToolCall{}
		}
		sink.Emit(Event{Type: EventCompletionComplete, Data: CompletionCompleteEvent{
			MessageID:    st.assistantID,
			ToolCalls:    calls,
			Usage:        st.usage,
			FinishReason: st.finishReason,
			Model:        st.model,
			Source:       confirmSource(durable),
		}})
	}

	s.writeMetrics(pc, st, StatusComplete)
	return nil
}

// interrupted settles a cancelled request: persist what was streamed,
// mark the record interrupted and close without terminal events.
func (s *CompletionStage) interrupted(pc *PipelineContext, st *completionState) error {
	content := st.content.String()
	meta := &MessageMeta{
		Status:          StatusInterrupted,
		ThinkingContent: st.thinking.String(),
		MCPCalls:        pc.MCPCalls(),
	}
	if st.durable {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		upd := MessageUpdate{Content: &content, Meta: meta}
		if err := s.store.UpdateMessage(ctx, st.assistantID, upd); err != nil {
			s.logger.Warn("interrupted update failed", "id", st.assistantID, "error", err)
		}
	} else {
		now := NowUnixMilli()
		pc.InsertMessage(StoredMessage{
			ID:        st.assistantID,
			SessionID: pc.SessionID,
			Role:      "assistant",
			Content:   content,
			Model:     st.model,
			Meta:      meta,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	s.logger.Info("request interrupted", "message_id", st.assistantID, "chars", len(content))
	s.writeMetrics(pc, st, StatusInterrupted)
	return nil
}

// failPlaceholder marks the record failed, keeping any partial text.
func (s *CompletionStage) failPlaceholder(pc *PipelineContext, st *completionState) {
	if !st.durable {
		return
	}
	content := st.content.String()
	meta := &MessageMeta{
		Status:          StatusError,
		ThinkingContent: st.thinking.String(),
		MCPCalls:        pc.MCPCalls(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateMessage(ctx, st.assistantID, MessageUpdate{Content: &content, Meta: meta}); err != nil {
		s.logger.Warn("error-state update failed", "id", st.assistantID, "error", err)
	}
}

// observe reports the finished exchange to the memory collaborator
// without blocking or failing the request.
func (s *CompletionStage) observe(pc *PipelineContext, assistantText string) {
	if s.memory == nil {
		return
	}
	userID, sessionID := pc.User.ID, pc.SessionID
	userText := pc.Request.Message
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.memory.Observe(ctx, userID, sessionID, userText, assistantText); err != nil {
			s.logger.Debug("memory observe failed", "error", err)
		}
	}()
}

func (s *CompletionStage) writeMetrics(pc *PipelineContext, st *completionState, status string) {
	if s.metrics == nil {
		return
	}
	latency := pc.ElapsedMs()
	m := CompletionMetrics{
		UserID:           pc.User.ID,
		SessionID:        pc.SessionID,
		MessageID:        st.assistantID,
		ProviderType:     pc.Provider,
		Model:            st.model,
		LatencyMs:        latency,
		TTFTMs:           st.ttftMs,
		ModelLatencyMs:   latency - st.ttftMs,
		TokensPerSecond:  perSecond(st.usage.OutputTokens, latency),
		PromptTokens:     st.usage.InputTokens,
		CompletionTokens: st.usage.OutputTokens,
		ToolCallsCount:   len(st.toolCalls),
		Status:           status,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.metrics.WriteCompletionMetrics(ctx, m); err != nil {
		s.logger.Warn("metrics write failed", "error", err)
	}
}

func confirmSource(durable bool) string {
	if durable {
		return SourceDatabase
	}
	return SourceOptimistic
}
