package loom

import (
	"encoding/json"
	"sync"
)

// Event types on the client stream. Clients ignore unknown types.
const (
	EventMessageSaved         = "message_saved"
	EventRAGStatus            = "rag_status"
	EventCompletionStart      = "completion_start"
	EventStream               = "stream"
	EventThinking             = "thinking"
	EventTokenMetrics         = "token_metrics"
	EventToolCallDelta        = "tool_call_delta"
	EventToolExecuting        = "tool_executing"
	EventToolResult           = "tool_result"
	EventToolError            = "tool_error"
	EventToolCacheHit         = "tool_cache_hit"
	EventToolSemanticCacheHit = "tool_semantic_cache_hit"
	EventProviderFailover     = "provider_failover"
	EventMessageUpdated       = "message_updated"
	EventCompletionComplete   = "completion_complete"
	EventCompletionError      = "completion_error"
	EventContentSafety        = "content_safety_warning"
	EventWarning              = "warning"
)

// Sources for message confirmation events.
const (
	SourceDatabase   = "database"
	SourceOptimistic = "optimistic"
)

// Warning codes.
const (
	WarnToolLimitExceeded = "TOOL_LIMIT_EXCEEDED"
)

// Event is one item on the ordered client stream. Data marshals to the
// wire object for the given type.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// --- Wire payloads (camelCase, field-exact) ---

type MessageSavedEvent struct {
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
	Confirmed bool   `json:"confirmed"`
	Streaming bool   `json:"streaming,omitempty"`
}

type RAGStatusEvent struct {
	DocsRetrieved      int      `json:"docsRetrieved"`
	ChatsRetrieved     int      `json:"chatsRetrieved"`
	ArtifactsRetrieved int      `json:"artifactsRetrieved"`
	Collections        []string `json:"collections"`
	RetrievalTime      int64    `json:"retrievalTime"`
}

type CompletionStartEvent struct {
	Model     string `json:"model"`
	MessageID string `json:"messageId"`
	Source    string `json:"source"`
}

type StreamChunkEvent struct {
	Type      string `json:"type"` // "content"
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type ThinkingEvent struct {
	Content         string  `json:"content"`
	Accumulated     string  `json:"accumulated"`
	Tokens          int     `json:"tokens,omitempty"`
	ElapsedMs       int64   `json:"elapsedMs,omitempty"`
	TokensPerSecond float64 `json:"tokensPerSecond,omitempty"`
}

type TokenMetricsEvent struct {
	Tokens          int     `json:"tokens"`
	ElapsedMs       int64   `json:"elapsedMs"`
	TokensPerSecond float64 `json:"tokensPerSecond"`
	ActualUsage     *Usage  `json:"actualUsage,omitempty"`
	Final           bool    `json:"final,omitempty"`
}

// ToolCallDeltaEvent is the single heartbeat sent when the model starts
// assembling tool calls. Partial calls are never streamed beyond it.
type ToolCallDeltaEvent struct {
	Count     int   `json:"count"`
	Timestamp int64 `json:"timestamp"`
}

type ToolExecutingEvent struct {
	Name         string          `json:"name"`
	Arguments    json.RawMessage `json:"arguments"`
	ToolCallID   string          `json:"toolCallId"`
	TargetServer string          `json:"targetServer"`
	Timestamp    int64           `json:"timestamp"`
}

type ToolResultEvent struct {
	Name            string          `json:"name"`
	Result          json.RawMessage `json:"result"`
	ToolCallID      string          `json:"toolCallId"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
	TargetServer    string          `json:"targetServer"`
	Timestamp       int64           `json:"timestamp"`
}

type ToolErrorEvent struct {
	Name         string `json:"name"`
	Error        string `json:"error"`
	ToolCallID   string `json:"toolCallId"`
	TargetServer string `json:"targetServer"`
	Timestamp    int64  `json:"timestamp"`
}

type ToolCacheHitEvent struct {
	Name       string `json:"name"`
	ToolCallID string `json:"toolCallId"`
	Cached     bool   `json:"cached"` // always true
	Timestamp  int64  `json:"timestamp"`
}

type SemanticCacheHitEvent struct {
	Name          string  `json:"name"`
	ToolCallID    string  `json:"toolCallId"`
	Cached        bool    `json:"cached"`   // always true
	Semantic      bool    `json:"semantic"` // always true
	CrossUser     bool    `json:"crossUser"`
	Similarity    float64 `json:"similarity"`
	ResourceScope string  `json:"resourceScope"`
	TimeSavedMs   int64   `json:"timeSavedMs"`
	Timestamp     int64   `json:"timestamp"`
}

type ProviderFailoverEvent struct {
	Occurred         bool   `json:"occurred"` // always true
	OriginalProvider string `json:"originalProvider"`
	FailoverProvider string `json:"failoverProvider"`
	FailureReason    string `json:"failureReason"`
	FailoverTime     int64  `json:"failoverTime"`
	Message          string `json:"message"`
}

type MessageUpdatedEvent struct {
	MessageID       string     `json:"messageId"`
	Role            string     `json:"role"`
	Content         string     `json:"content"`
	Timestamp       int64      `json:"timestamp"`
	ToolCalls       []ToolCall `json:"toolCalls,omitempty"`
	TokenUsage      *Usage     `json:"tokenUsage,omitempty"`
	Model           string     `json:"model"`
	Source          string     `json:"source"`
	Confirmed       bool       `json:"confirmed"`
	Final           bool       `json:"final"` // always true
	ThinkingContent string     `json:"thinkingContent,omitempty"`
}

type CompletionCompleteEvent struct {
	MessageID    string     `json:"messageId"`
	ToolCalls    []ToolCall `json:"toolCalls"`
	Usage        Usage      `json:"usage"`
	FinishReason string     `json:"finishReason"`
	Model        string     `json:"model"`
	Source       string     `json:"source"`
}

type CompletionErrorEvent struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

type ContentSafetyEvent struct {
	MessageID     string   `json:"messageId"`
	Issues        []string `json:"issues"`
	HadNonEnglish bool     `json:"hadNonEnglish,omitempty"`
	HadRepetition bool     `json:"hadRepetition,omitempty"`
	Truncated     bool     `json:"truncated,omitempty"`
}

type WarningEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Sink ---

// Sink delivers ordered events from the pipeline to one client stream.
// Emit is safe for concurrent use and serializes internally; emission
// order is delivery order. Close ends the stream; no Emit may follow.
type Sink interface {
	Emit(ev Event)
	// OnCancel registers fn to run when the client disconnects or an
	// external interrupt arrives. Runs immediately if already cancelled.
	OnCancel(fn func())
	// Cancel signals client disconnect. Handlers run at most once.
	Cancel()
	Close()
}

// ChanSink buffers events on a channel consumed by the transport
// writer. A full buffer blocks Emit, so a slow client back-pressures
// the pipeline; Cancel unblocks a pending Emit so a dead client cannot
// wedge it.
type ChanSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool

	cancelMu  sync.Mutex
	cancels   []func()
	cancelled bool
	done      chan struct{}
}

func NewChanSink(buf int) *ChanSink {
	return &ChanSink{ch: make(chan Event, buf), done: make(chan struct{})}
}

// Events is the delivery side. The channel closes when the pipeline is
// finished.
func (s *ChanSink) Events() <-chan Event { return s.ch }

func (s *ChanSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

func (s *ChanSink) OnCancel(fn func()) {
	s.cancelMu.Lock()
	if s.cancelled {
		s.cancelMu.Unlock()
		fn()
		return
	}
	s.cancels = append(s.cancels, fn)
	s.cancelMu.Unlock()
}

func (s *ChanSink) Cancel() {
	s.cancelMu.Lock()
	if s.cancelled {
		s.cancelMu.Unlock()
		return
	}
	s.cancelled = true
	fns := s.cancels
	s.cancels = nil
	close(s.done)
	s.cancelMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// CallbackSink invokes fn for every event, serialized.
type CallbackSink struct {
	mu sync.Mutex
	fn func(Event)

	cancelMu  sync.Mutex
	cancels   []func()
	cancelled bool
}

func NewCallbackSink(fn func(Event)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (s *CallbackSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fn != nil {
		s.fn(ev)
	}
}

func (s *CallbackSink) OnCancel(fn func()) {
	s.cancelMu.Lock()
	if s.cancelled {
		s.cancelMu.Unlock()
		fn()
		return
	}
	s.cancels = append(s.cancels, fn)
	s.cancelMu.Unlock()
}

func (s *CallbackSink) Cancel() {
	s.cancelMu.Lock()
	if s.cancelled {
		s.cancelMu.Unlock()
		return
	}
	s.cancelled = true
	fns := s.cancels
	s.cancels = nil
	s.cancelMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *CallbackSink) Close() {}

// MultiSink fans every event out to all sinks in order.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Emit(ev Event) {
	for _, sub := range s.sinks {
		sub.Emit(ev)
	}
}

func (s *MultiSink) OnCancel(fn func()) {
	if len(s.sinks) > 0 {
		s.sinks[0].OnCancel(fn)
	}
}

func (s *MultiSink) Cancel() {
	for _, sub := range s.sinks {
		sub.Cancel()
	}
}

func (s *MultiSink) Close() {
	for _, sub := range s.sinks {
		sub.Close()
	}
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(Event)      {}
func (NopSink) OnCancel(func()) {}
func (NopSink) Cancel()         {}
func (NopSink) Close()          {}

// compile-time checks
var (
	_ Sink = (*ChanSink)(nil)
	_ Sink = (*CallbackSink)(nil)
	_ Sink = (*MultiSink)(nil)
	_ Sink = NopSink{}
)
