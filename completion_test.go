package loom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// sourceRound scripts one provider stream: deltas forwarded into the
// channel, then the blocking response or error.
type sourceRound struct {
	deltas []Delta
	resp   ChatResponse
	name   string
	err    error
}

// fakeSource pops scripted rounds in order. TakeFailover is consumed
// from the accumulator goroutine, so access is locked.
type fakeSource struct {
	mu       sync.Mutex
	rounds   []sourceRound
	failover *Failover
	reqs     []ChatRequest
}

func (f *fakeSource) Stream(ctx context.Context, req ChatRequest, ch chan<- Delta) (ChatResponse, string, error) {
	defer close(ch)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	if len(f.rounds) == 0 {
		f.mu.Unlock()
		return ChatResponse{}, "", errors.New("no scripted round left")
	}
	r := f.rounds[0]
	f.rounds = f.rounds[1:]
	f.mu.Unlock()

	for _, d := range r.deltas {
		ch <- d
	}
	name := r.name
	if name == "" {
		name = "gemini"
	}
	return r.resp, name, r.err
}

func (f *fakeSource) TakeFailover() *Failover {
	f.mu.Lock()
	defer f.mu.Unlock()
	fo := f.failover
	f.failover = nil
	return fo
}

func (f *fakeSource) requests() []ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChatRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

// storeUpdate is one recorded UpdateMessage call.
type storeUpdate struct {
	ID  string
	Upd MessageUpdate
}

// fakeMessageStore is an in-memory MessageStore with scripted failures.
// Mid-stream persists write from a background goroutine, so everything
// is locked.
type fakeMessageStore struct {
	mu         sync.Mutex
	seq        int
	added      []StoredMessage
	updates    []storeUpdate
	history    []StoredMessage
	failAdd    error
	failUpdate error
}

func (f *fakeMessageStore) AddMessage(ctx context.Context, msg StoredMessage) (StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd != nil {
		return StoredMessage{}, f.failAdd
	}
	f.seq++
	msg.ID = fmt.Sprintf("db-%d", f.seq)
	if msg.CreatedAt == 0 {
		msg.CreatedAt = NowUnixMilli()
	}
	f.added = append(f.added, msg)
	return msg, nil
}

func (f *fakeMessageStore) UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate != nil {
		return f.failUpdate
	}
	f.updates = append(f.updates, storeUpdate{ID: id, Upd: upd})
	return nil
}

func (f *fakeMessageStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StoredMessage, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeMessageStore) Init(ctx context.Context) error { return nil }
func (f *fakeMessageStore) Close() error                   { return nil }

func (f *fakeMessageStore) allUpdates() []storeUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storeUpdate, len(f.updates))
	copy(out, f.updates)
	return out
}

// fakeMetricsStore records completion metrics rows.
type fakeMetricsStore struct {
	mu   sync.Mutex
	rows []CompletionMetrics
}

func (f *fakeMetricsStore) WriteCompletionMetrics(ctx context.Context, m CompletionMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, m)
	return nil
}

func (f *fakeMetricsStore) all() []CompletionMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CompletionMetrics, len(f.rows))
	copy(out, f.rows)
	return out
}

// fakeMemory records observations and signals each one.
type fakeMemory struct {
	recall   MemoryContext
	observed chan [2]string // user text, assistant text
}

func (f *fakeMemory) Recall(ctx context.Context, userID, sessionID, query string) (MemoryContext, error) {
	return f.recall, nil
}

func (f *fakeMemory) Observe(ctx context.Context, userID, sessionID, userText, assistantText string) error {
	if f.observed != nil {
		f.observed <- [2]string{userText, assistantText}
	}
	return nil
}

func completionContext() *PipelineContext {
	pc := NewPipelineContext(&Request{
		UserID:    "u1",
		SessionID: "s1",
		MessageID: "m1",
		Message:   "how many vms do I have?",
	}, User{ID: "u1"})
	pc.Prepared = []ChatMessage{UserMessage(pc.Request.Message)}
	return pc
}

func newTestStage(src *fakeSource, store *fakeMessageStore, cfg CompletionConfig, opts ...CompletionOption) *CompletionStage {
	executor := NewExecutor(&fakeDispatcher{result: ProxyResult{Payload: json.RawMessage(`{"vms":2}`)}})
	all := []CompletionOption{CompletionSource(func() StreamSource { return src })}
	if store != nil {
		all = append(all, CompletionStore(store))
	}
	all = append(all, opts...)
	return NewCompletionStage(nil, executor, cfg, all...)
}

func indexOf(types []string, typ string) int {
	for i, t := range types {
		if t == typ {
			return i
		}
	}
	return -1
}

func TestCompletionSimpleText(t *testing.T) {
	src := &fakeSource{rounds: []sourceRound{{
		deltas: []Delta{contentDelta("Hello"), contentDelta(" world")},
		resp:   ChatResponse{Usage: Usage{InputTokens: 10, OutputTokens: 5}, FinishReason: "stop"},
	}}}
	store := &fakeMessageStore{}
	metrics := &fakeMetricsStore{}
	stage := newTestStage(src, store, CompletionConfig{}, CompletionMetricsStore(metrics))

	pc := completionContext()
	sink := &recordingSink{}
	if err := stage.Run(context.Background(), pc, Selection{Model: "m1"}, sink); err != nil {
		t.Fatal(err)
	}

	types := sink.types()
	want := []string{
		EventMessageSaved, EventCompletionStart,
		EventStream, EventTokenMetrics, EventStream,
		EventTokenMetrics, EventMessageUpdated, EventCompletionComplete,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}

	saved := sink.ofType(EventMessageSaved)[0].Data.(MessageSavedEvent)
	if saved.MessageID != "db-1" || saved.Source != SourceDatabase || !saved.Confirmed || !saved.Streaming {
		t.Errorf("message_saved = %+v", saved)
	}
	start := sink.ofType(EventCompletionStart)[0].Data.(CompletionStartEvent)
	if start.Model != "m1" || start.MessageID != "db-1" {
		t.Errorf("completion_start = %+v", start)
	}
	complete := sink.ofType(EventCompletionComplete)[0].Data.(CompletionCompleteEvent)
	if complete.FinishReason != "stop" || complete.Usage.Total() != 15 {
		t.Errorf("completion_complete = %+v", complete)
	}
	if complete.ToolCalls == nil || len(complete.ToolCalls) != 0 {
		t.Errorf("ToolCalls = %#v, want empty non-nil", complete.ToolCalls)
	}

	// The first chunk persisted mid-stream, finalize wrote the rest.
	updates := store.allUpdates()
	if len(updates) != 2 {
		t.Fatalf("updates = %d, want mid-stream persist plus finalize", len(updates))
	}
	if got := *updates[0].Upd.Content; got != "Hello" {
		t.Errorf("mid-stream content = %q", got)
	}
	final := updates[1].Upd
	if got := *final.Content; got != "Hello world" {
		t.Errorf("final content = %q", got)
	}
	if final.Meta == nil || final.Meta.Status != StatusComplete {
		t.Errorf("final meta = %+v", final.Meta)
	}
	if final.Usage == nil || final.Usage.Total() != 15 {
		t.Errorf("final usage = %+v", final.Usage)
	}

	rows := metrics.all()
	if len(rows) != 1 {
		t.Fatalf("metrics rows = %d", len(rows))
	}
	if rows[0].Status != StatusComplete || rows[0].Model != "m1" || rows[0].ProviderType != "gemini" {
		t.Errorf("metrics = %+v", rows[0])
	}
	if rows[0].PromptTokens != 10 || rows[0].CompletionTokens != 5 {
		t.Errorf("metrics tokens = %d/%d", rows[0].PromptTokens, rows[0].CompletionTokens)
	}
	if pc.Model != "m1" || pc.Provider != "gemini" {
		t.Errorf("context = %q/%q", pc.Model, pc.Provider)
	}
}

func TestCompletionToolLoop(t *testing.T) {
	src := &fakeSource{rounds: []sourceRound{
		{deltas: []Delta{{Type: DeltaToolCall, Index: 0, ID: "tc1", Name: "azure_list_vms", ArgsFragment: `{}`}}},
		{deltas: []Delta{contentDelta("You have 2 VMs.")}, resp: ChatResponse{FinishReason: "stop"}},
	}}
	store := &fakeMessageStore{}
	stage := newTestStage(src, store, CompletionConfig{})

	pc := completionContext()
	pc.Tools = []Tool{{ServerID: "azure", OriginalName: "List-VMs", SanitizedName: "azure_list_vms"}}
	sink := &recordingSink{}
	sel := Selection{Model: "m1", Tools: pc.Tools, ToolChoice: "azure_list_vms"}
	if err := stage.Run(context.Background(), pc, sel, sink); err != nil {
		t.Fatal(err)
	}

	reqs := src.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider rounds = %d, want 2", len(reqs))
	}
	if reqs[0].ToolChoice != "azure_list_vms" || len(reqs[0].Tools) != 1 {
		t.Errorf("round 0 = choice %q, %d tools", reqs[0].ToolChoice, len(reqs[0].Tools))
	}
	// A forced choice never repeats into the next round.
	if reqs[1].ToolChoice != "auto" {
		t.Errorf("round 1 choice = %q, want auto", reqs[1].ToolChoice)
	}

	// The tool exchange is replayed into the prepared history.
	n := len(pc.Prepared)
	if n < 3 {
		t.Fatalf("prepared = %d messages", n)
	}
	asst, tool := pc.Prepared[n-2], pc.Prepared[n-1]
	if asst.Role != "assistant" || len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "tc1" {
		t.Errorf("assistant turn = %+v", asst)
	}
	if tool.Role != "tool" || tool.ToolCallID != "tc1" || tool.Content != `{"vms":2}` {
		t.Errorf("tool turn = %+v", tool)
	}

	types := sink.types()
	if got := len(sink.ofType(EventToolCallDelta)); got != 1 {
		t.Errorf("tool_call_delta events = %d, want one heartbeat", got)
	}
	exec, result := indexOf(types, EventToolExecuting), indexOf(types, EventToolResult)
	if exec < 0 || result < 0 || exec > result {
		t.Errorf("events = %v, want tool_executing then tool_result", types)
	}
	if types[len(types)-1] != EventCompletionComplete {
		t.Errorf("last event = %q", types[len(types)-1])
	}
	complete := sink.ofType(EventCompletionComplete)[0].Data.(CompletionCompleteEvent)
	if len(complete.ToolCalls) != 1 {
		t.Errorf("completion_complete tool calls = %d", len(complete.ToolCalls))
	}

	updates := store.allUpdates()
	final := updates[len(updates)-1].Upd
	if got := *final.Content; got != "You have 2 VMs." {
		t.Errorf("final content = %q", got)
	}
	if final.Meta == nil || len(final.Meta.MCPCalls) != 1 {
		t.Errorf("final meta = %+v", final.Meta)
	}
}

func TestCompletionMaxRoundsForcesFinal(t *testing.T) {
	src := &fakeSource{rounds: []sourceRound{
		{deltas: []Delta{{Type: DeltaToolCall, Index: 0, ID: "tc1", Name: "azure_list_vms", ArgsFragment: `{}`}}},
		{deltas: []Delta{contentDelta("best effort answer")}, resp: ChatResponse{FinishReason: "stop"}},
	}}
	stage := newTestStage(src, &fakeMessageStore{}, CompletionConfig{MaxToolRounds: 1})

	pc := completionContext()
	pc.Tools = []Tool{{ServerID: "azure", OriginalName: "List-VMs", SanitizedName: "azure_list_vms"}}
	sink := &recordingSink{}
	if err := stage.Run(context.Background(), pc, Selection{Model: "m1", Tools: pc.Tools, ToolChoice: "auto"}, sink); err != nil {
		t.Fatal(err)
	}

	reqs := src.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider rounds = %d, want 2", len(reqs))
	}
	// The terminal round is forced to produce text: tools stripped.
	if reqs[1].Tools == nil || len(reqs[1].Tools) != 0 {
		t.Errorf("terminal round tools = %#v, want explicitly empty", reqs[1].Tools)
	}
	if got := len(sink.ofType(EventCompletionComplete)); got != 1 {
		t.Errorf("completion_complete events = %d", got)
	}
}

func TestCompletionTerminalToolCallsSuppressComplete(t *testing.T) {
	src := &fakeSource{rounds: []sourceRound{
		{deltas: []Delta{{Type: DeltaToolCall, Index: 0, ID: "tc1", Name: "azure_list_vms", ArgsFragment: `{}`}}},
		// The forced-final round still insists on calling tools.
		{resp: ChatResponse{ToolCalls: []ToolCall{{ID: "tc2", Name: "azure_list_vms"}}}},
	}}
	store := &fakeMessageStore{}
	stage := newTestStage(src, store, CompletionConfig{MaxToolRounds: 1})

	pc := completionContext()
	pc.Tools = []Tool{{ServerID: "azure", OriginalName: "List-VMs", SanitizedName: "azure_list_vms"}}
	sink := &recordingSink{}
	if err := stage.Run(context.Background(), pc, Selection{Model: "m1", Tools: pc.Tools, ToolChoice: "auto"}, sink); err != nil {
		t.Fatal(err)
	}

	if got := len(sink.ofType(EventCompletionComplete)); got != 0 {
		t.Error("completion_complete emitted for a terminal tool round")
	}
	if got := len(sink.ofType(EventMessageUpdated)); got != 1 {
		t.Errorf("message_updated events = %d, want the finalized record", got)
	}
	updates := store.allUpdates()
	final := updates[len(updates)-1].Upd
	if len(final.ToolCalls) != 2 {
		t.Errorf("final tool calls = %d, want both rounds recorded", len(final.ToolCalls))
	}
}

func TestCompletionSchemaRetryHalvesTools(t *testing.T) {
	tools := make([]Tool, 60)
	for i := range tools {
		tools[i] = Tool{ServerID: "s", SanitizedName: fmt.Sprintf("tool_%d", i)}
	}
	src := &fakeSource{rounds: []sourceRound{
		{err: &ErrLLM{Provider: "gemini", Message: "request declares too many functions for this model"}},
		{deltas: []Delta{contentDelta("ok")}, resp: ChatResponse{FinishReason: "stop"}},
	}}
	stage := newTestStage(src, &fakeMessageStore{}, CompletionConfig{})

	pc := completionContext()
	pc.Tools = tools
	sink := &recordingSink{}
	if err := stage.Run(context.Background(), pc, Selection{Model: "m1", Tools: tools, ToolChoice: "auto"}, sink); err != nil {
		t.Fatal(err)
	}

	reqs := src.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider rounds = %d, want the rejected try plus the retry", len(reqs))
	}
	if len(reqs[0].Tools) != 60 || len(reqs[1].Tools) != 30 {
		t.Errorf("tool counts = %d then %d, want 60 then 30", len(reqs[0].Tools), len(reqs[1].Tools))
	}
	warnings := sink.ofType(EventWarning)
	if len(warnings) != 1 {
		t.Fatalf("warnings = %d, want 1", len(warnings))
	}
	if w := warnings[0].Data.(WarningEvent); w.Code != WarnToolLimitExceeded {
		t.Errorf("warning = %+v", w)
	}
}

func TestCompletionStreamErrorFailsPlaceholder(t *testing.T) {
	src := &fakeSource{rounds: []sourceRound{
		{deltas: []Delta{contentDelta("partial")}, err: &ErrHTTP{Status: 500, Body: "upstream died"}},
	}}
	store := &fakeMessageStore{}
	metrics := &fakeMetricsStore{}
	stage := newTestStage(src, store, CompletionConfig{}, CompletionMetricsStore(metrics))

	pc := completionContext()
	sink := &recordingSink{}
	err := stage.Run(context.Background(), pc, Selection{Model: "m1"}, sink)
	if err == nil {
		t.Fatal("expected the stream error to propagate")
	}
	var pe *PipelineError
	if !errors.As(err, &pe) || pe.Stage != "completion" {
		t.Errorf("err = %v, want a completion stage error", err)
	}

	updates := store.allUpdates()
	if len(updates) == 0 {
		t.Fatal("no error-state update written")
	}
	final := updates[len(updates)-1].Upd
	if final.Meta == nil || final.Meta.Status != StatusError {
		t.Errorf("final meta = %+v, want error status", final.Meta)
	}
	if got := *final.Content; got != "partial" {
		t.Errorf("partial content = %q, want it preserved", got)
	}

	rows := metrics.all()
	if len(rows) != 1 || rows[0].Status != StatusError {
		t.Errorf("metrics = %+v", rows)
	}
	if got := len(sink.ofType(EventCompletionComplete)); got != 0 {
		t.Error("completion_complete emitted for a failed request")
	}
}

func TestCompletionOptimisticPlaceholder(t *testing.T) {
	src := &fakeSource{rounds: []sourceRound{
		{deltas: []Delta{contentDelta("hi")}, resp: ChatResponse{FinishReason: "stop"}},
	}}
	store := &fakeMessageStore{failAdd: errors.New("db down")}
	stage := newTestStage(src, store, CompletionConfig{})

	pc := completionContext()
	sink := &recordingSink{}
	if err := stage.Run(context.Background(), pc, Selection{Model: "m1"}, sink); err != nil {
		t.Fatal(err)
	}

	saved := sink.ofType(EventMessageSaved)[0].Data.(MessageSavedEvent)
	if saved.MessageID != "assistant_m1" || saved.Source != SourceOptimistic || saved.Confirmed {
		t.Errorf("message_saved = %+v", saved)
	}
	if got := len(sink.ofType(EventMessageUpdated)); got != 0 {
		t.Error("message_updated emitted without a durable row")
	}
	complete := sink.ofType(EventCompletionComplete)[0].Data.(CompletionCompleteEvent)
	if complete.Source != SourceOptimistic {
		t.Errorf("completion_complete source = %q", complete.Source)
	}

	// The finished message lands in the in-memory session instead.
	if len(pc.Messages) != 1 || pc.Messages[0].Content != "hi" || pc.Messages[0].ID != "assistant_m1" {
		t.Errorf("messages = %+v", pc.Messages)
	}
}

func TestCompletionRequireDurable(t *testing.T) {
	src := &fakeSource{}
	store := &fakeMessageStore{failAdd: errors.New("db down")}
	stage := newTestStage(src, store, CompletionConfig{RequireDurable: true})

	pc := completionContext()
	sink := &recordingSink{}
	err := stage.Run(context.Background(), pc, Selection{Model: "m1"}, sink)
	if err == nil {
		t.Fatal("expected the placeholder failure to be fatal")
	}
	if got := len(sink.ofType(EventCompletionStart)); got != 0 {
		t.Error("completion_start emitted after a fatal placeholder failure")
	}
}

func TestCompletionNoSourceConfigured(t *testing.T) {
	stage := NewCompletionStage(nil, NewExecutor(&fakeDispatcher{}), CompletionConfig{})
	err := stage.Run(context.Background(), completionContext(), Selection{Model: "m1"}, NopSink{})
	if Classify(err) != KindConfiguration {
		t.Errorf("kind = %q, want configuration", Classify(err))
	}
}

func TestCompletionAnnouncesFailoverBeforeChunks(t *testing.T) {
	src := &fakeSource{
		rounds: []sourceRound{{
			deltas: []Delta{contentDelta("hi")},
			resp:   ChatResponse{FinishReason: "stop"},
			name:   "anthropic",
		}},
		failover: &Failover{Original: "gemini", Substitute: "anthropic", Reason: "503", At: time.Now()},
	}
	stage := newTestStage(src, &fakeMessageStore{}, CompletionConfig{})

	pc := completionContext()
	sink := &recordingSink{}
	if err := stage.Run(context.Background(), pc, Selection{Model: "m1"}, sink); err != nil {
		t.Fatal(err)
	}

	types := sink.types()
	fo, chunk := indexOf(types, EventProviderFailover), indexOf(types, EventStream)
	if fo < 0 || chunk < 0 || fo > chunk {
		t.Fatalf("events = %v, want the failover announced before the first chunk", types)
	}
	ev := sink.ofType(EventProviderFailover)[0].Data.(ProviderFailoverEvent)
	if ev.OriginalProvider != "gemini" || ev.FailoverProvider != "anthropic" || !ev.Occurred {
		t.Errorf("failover event = %+v", ev)
	}
}

func TestCompletionPreCancelled(t *testing.T) {
	src := &fakeSource{}
	store := &fakeMessageStore{}
	metrics := &fakeMetricsStore{}
	stage := newTestStage(src, store, CompletionConfig{}, CompletionMetricsStore(metrics))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pc := completionContext()
	sink := &recordingSink{}
	if err := stage.Run(ctx, pc, Selection{Model: "m1"}, sink); err != nil {
		t.Fatalf("cancellation must settle quietly, got %v", err)
	}

	updates := store.allUpdates()
	if len(updates) != 1 {
		t.Fatalf("updates = %d", len(updates))
	}
	if updates[0].Upd.Meta == nil || updates[0].Upd.Meta.Status != StatusInterrupted {
		t.Errorf("meta = %+v, want interrupted", updates[0].Upd.Meta)
	}
	rows := metrics.all()
	if len(rows) != 1 || rows[0].Status != StatusInterrupted {
		t.Errorf("metrics = %+v", rows)
	}
	if got := len(sink.ofType(EventCompletionComplete)); got != 0 {
		t.Error("completion_complete emitted for an interrupted request")
	}
}

// cancellingDispatcher cancels the request context while serving the
// first call, like a client disconnecting mid-round.
type cancellingDispatcher struct {
	cancel context.CancelFunc
	calls  int
}

func (d *cancellingDispatcher) CallTool(ctx context.Context, call ProxyCall, auth ProxyAuth) (ProxyResult, error) {
	d.calls++
	d.cancel()
	return ProxyResult{Payload: json.RawMessage(`{"vms":2}`)}, nil
}

func TestCompletionMidRoundCancellation(t *testing.T) {
	src := &fakeSource{rounds: []sourceRound{{
		deltas: []Delta{
			{Type: DeltaToolCall, Index: 0, ID: "tc1", Name: "azure_list_vms", ArgsFragment: `{}`},
			{Type: DeltaToolCall, Index: 1, ID: "tc2", Name: "azure_list_vms", ArgsFragment: `{}`},
		},
	}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disp := &cancellingDispatcher{cancel: cancel}
	store := &fakeMessageStore{}
	metrics := &fakeMetricsStore{}
	stage := NewCompletionStage(nil, NewExecutor(disp), CompletionConfig{},
		CompletionSource(func() StreamSource { return src }),
		CompletionStore(store),
		CompletionMetricsStore(metrics))

	pc := completionContext()
	pc.Tools = []Tool{{ServerID: "azure", OriginalName: "List-VMs", SanitizedName: "azure_list_vms"}}
	sink := &recordingSink{}
	sel := Selection{Model: "m1", Tools: pc.Tools, ToolChoice: "auto"}
	if err := stage.Run(ctx, pc, sel, sink); err != nil {
		t.Fatalf("cancellation must settle quietly, got %v", err)
	}

	// Only the in-flight call ran; the rest of the round is abandoned.
	if disp.calls != 1 {
		t.Errorf("dispatched calls = %d, want 1", disp.calls)
	}
	if got := len(sink.ofType(EventToolExecuting)); got != 1 {
		t.Errorf("tool_executing events = %d, want the first call only", got)
	}
	if got := len(sink.ofType(EventToolError)); got != 0 {
		t.Errorf("tool_error events = %d for the abandoned call", got)
	}
	if got := len(sink.ofType(EventCompletionComplete)); got != 0 {
		t.Error("completion_complete emitted after cancellation")
	}

	updates := store.allUpdates()
	if len(updates) == 0 {
		t.Fatal("no interrupted update written")
	}
	final := updates[len(updates)-1].Upd
	if final.Meta == nil || final.Meta.Status != StatusInterrupted {
		t.Errorf("final meta = %+v, want interrupted", final.Meta)
	}
	rows := metrics.all()
	if len(rows) != 1 || rows[0].Status != StatusInterrupted {
		t.Errorf("metrics = %+v", rows)
	}
}

func TestCompletionObservesMemory(t *testing.T) {
	src := &fakeSource{rounds: []sourceRound{
		{deltas: []Delta{contentDelta("the answer")}, resp: ChatResponse{FinishReason: "stop"}},
	}}
	mem := &fakeMemory{observed: make(chan [2]string, 1)}
	stage := newTestStage(src, &fakeMessageStore{}, CompletionConfig{}, CompletionMemory(mem))

	pc := completionContext()
	if err := stage.Run(context.Background(), pc, Selection{Model: "m1"}, NopSink{}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-mem.observed:
		if got[0] != pc.Request.Message || got[1] != "the answer" {
			t.Errorf("observed = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("memory never observed the exchange")
	}
}

func TestCompletionGuardSanitizes(t *testing.T) {
	noisy := "Summary:\n" + strings.Repeat("the same line again\n", 12)
	src := &fakeSource{rounds: []sourceRound{
		{deltas: []Delta{contentDelta(noisy)}, resp: ChatResponse{FinishReason: "stop"}},
	}}
	store := &fakeMessageStore{}
	stage := newTestStage(src, store, CompletionConfig{}, CompletionGuard(NewOutputGuard()))

	pc := completionContext()
	sink := &recordingSink{}
	if err := stage.Run(context.Background(), pc, Selection{Model: "m1"}, sink); err != nil {
		t.Fatal(err)
	}

	safety := sink.ofType(EventContentSafety)
	if len(safety) != 1 {
		t.Fatalf("content_safety events = %d", len(safety))
	}
	if ev := safety[0].Data.(ContentSafetyEvent); !ev.HadRepetition {
		t.Errorf("safety event = %+v", ev)
	}

	updates := store.allUpdates()
	final := *updates[len(updates)-1].Upd.Content
	if strings.Count(final, "the same line again") != 1 {
		t.Errorf("final content kept the repetition:\n%s", final)
	}
}
