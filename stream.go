package loom

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// streamState is the parser state for one provider stream.
type streamState int

const (
	statePreFirstToken streamState = iota
	stateStreamingText
	stateStreamingReasoning
	stateAccumulatingToolCalls
	stateDone
	stateError
)

func (s streamState) String() string {
	switch s {
	case statePreFirstToken:
		return "PRE_FIRST_TOKEN"
	case stateStreamingText:
		return "STREAMING_TEXT"
	case stateStreamingReasoning:
		return "STREAMING_REASONING"
	case stateAccumulatingToolCalls:
		return "ACCUMULATING_TOOL_CALLS"
	case stateDone:
		return "DONE"
	case stateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// streamResult is everything one provider stream produced.
type streamResult struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
	TTFTMs       int64
	State        streamState
	TimedOut     bool
}

// toolCallDraft assembles one tool call from sparse indexed deltas.
type toolCallDraft struct {
	id       string
	name     string
	args     strings.Builder
	metadata json.RawMessage
}

// streamAccumulator consumes normalized deltas for one provider stream,
// drives the parsing state machine, emits client events and throttles
// mid-stream persistence of the accumulated text.
//
// It is confined to the goroutine running consume; only the persist
// callback escapes, guarded by a busy flag so writes never overlap.
type streamAccumulator struct {
	sink     Sink
	suppress bool
	logger   *slog.Logger

	// preEmit runs before every stream and thinking emission. The
	// completion stage hooks failover announcements here so they land
	// before the next chunk.
	preEmit func()

	state     streamState
	text      strings.Builder
	reasoning strings.Builder
	drafts    map[int]*toolCallDraft
	usage     Usage

	openedAt       time.Time
	firstTokenAt   time.Time
	reasoningStart time.Time
	lastMetrics    time.Time
	heartbeatSent  bool

	persist      func(content string)
	persistEvery time.Duration
	lastPersist  time.Time
	persistBusy  atomic.Bool
	persistWG    sync.WaitGroup

	idle     time.Duration
	timedOut bool
}

// newStreamAccumulator prepares an accumulator for one provider stream.
// persist, when non-nil, receives the accumulated text at most once per
// second while text is streaming. suppress drops stream, thinking and
// token_metrics events but leaves the rest of the surface intact.
func newStreamAccumulator(sink Sink, suppress bool, idle time.Duration, persist func(string), logger *slog.Logger) *streamAccumulator {
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	if logger == nil {
		logger = nopLogger
	}
	return &streamAccumulator{
		sink:         sink,
		suppress:     suppress,
		logger:       logger,
		state:        statePreFirstToken,
		drafts:       make(map[int]*toolCallDraft),
		openedAt:     time.Now(),
		persist:      persist,
		persistEvery: time.Second,
		idle:         idle,
	}
}

// consume drains deltas until ch closes or the stream goes idle past
// the deadline. On idle timeout it cancels the provider call and keeps
// draining so the producer can exit.
func (a *streamAccumulator) consume(ch <-chan Delta, cancel context.CancelFunc) {
	timer := time.NewTimer(a.idle)
	defer timer.Stop()
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(a.idle)
			a.apply(d)
		case <-timer.C:
			a.timedOut = true
			a.logger.Warn("provider stream idle past deadline", "idle", a.idle)
			cancel()
			for range ch {
			}
			return
		}
	}
}

func (a *streamAccumulator) apply(d Delta) {
	switch d.Type {
	case DeltaContent:
		a.applyContent(d.Text)
	case DeltaReasoning:
		a.applyReasoning(d.Text)
	case DeltaToolCall:
		a.applyToolCall(d)
	case DeltaUsage:
		if d.Usage != nil {
			a.applyUsage(*d.Usage)
		}
	}
}

func (a *streamAccumulator) applyContent(text string) {
	if text == "" {
		return
	}
	if a.state == statePreFirstToken {
		a.firstTokenAt = time.Now()
	}
	if a.state == statePreFirstToken || a.state == stateStreamingReasoning {
		a.state = stateStreamingText
	}
	a.text.WriteString(text)
	if !a.suppress {
		if a.preEmit != nil {
			a.preEmit()
		}
		a.sink.Emit(Event{Type: EventStream, Data: StreamChunkEvent{
			Type:      "content",
			Content:   text,
			Timestamp: NowUnixMilli(),
		}})
		a.maybeEmitMetrics()
	}
	a.maybePersist()
}

func (a *streamAccumulator) applyReasoning(text string) {
	if text == "" {
		return
	}
	if a.reasoningStart.IsZero() {
		a.reasoningStart = time.Now()
	}
	if a.state == statePreFirstToken {
		a.state = stateStreamingReasoning
	}
	a.reasoning.WriteString(text)
	if a.suppress {
		return
	}
	if a.preEmit != nil {
		a.preEmit()
	}
	elapsed := time.Since(a.reasoningStart).Milliseconds()
	tokens := estimateTokens(a.reasoning.Len())
	a.sink.Emit(Event{Type: EventThinking, Data: ThinkingEvent{
		Content:         text,
		Accumulated:     a.reasoning.String(),
		Tokens:          tokens,
		ElapsedMs:       elapsed,
		TokensPerSecond: perSecond(tokens, elapsed),
	}})
}

func (a *streamAccumulator) applyToolCall(d Delta) {
	a.state = stateAccumulatingToolCalls
	draft, ok := a.drafts[d.Index]
	if !ok {
		draft = &toolCallDraft{}
		a.drafts[d.Index] = draft
		if !a.heartbeatSent && !a.suppress {
			a.heartbeatSent = true
			a.sink.Emit(Event{Type: EventToolCallDelta, Data: ToolCallDeltaEvent{
				Count:     1,
				Timestamp: NowUnixMilli(),
			}})
		}
	}
	if d.ID != "" {
		draft.id = d.ID
	}
	if d.Name != "" {
		draft.name = d.Name
	}
	if d.ArgsFragment != "" {
		draft.args.WriteString(d.ArgsFragment)
	}
	if len(d.Metadata) > 0 {
		draft.metadata = d.Metadata
	}
}

// Usage deltas carry cumulative totals; zero fields mean "unchanged".
func (a *streamAccumulator) applyUsage(u Usage) {
	if u.InputTokens > 0 {
		a.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		a.usage.OutputTokens = u.OutputTokens
	}
}

func (a *streamAccumulator) maybeEmitMetrics() {
	now := time.Now()
	if !a.lastMetrics.IsZero() && now.Sub(a.lastMetrics) < 2*time.Second {
		return
	}
	a.lastMetrics = now
	elapsed := now.Sub(a.openedAt).Milliseconds()
	tokens := estimateTokens(a.text.Len())
	a.sink.Emit(Event{Type: EventTokenMetrics, Data: TokenMetricsEvent{
		Tokens:          tokens,
		ElapsedMs:       elapsed,
		TokensPerSecond: perSecond(tokens, elapsed),
	}})
}

// maybePersist writes the text accumulated so far through the persist
// callback, at most once per persistEvery and never overlapping.
func (a *streamAccumulator) maybePersist() {
	if a.persist == nil || time.Since(a.lastPersist) < a.persistEvery {
		return
	}
	if !a.persistBusy.CompareAndSwap(false, true) {
		return
	}
	a.lastPersist = time.Now()
	content := a.text.String()
	a.persistWG.Add(1)
	go func() {
		defer a.persistWG.Done()
		defer a.persistBusy.Store(false)
		a.persist(content)
	}()
}

// finish settles the terminal state and merges the blocking response
// from the provider call over what was accumulated. It waits for any
// in-flight throttled persist so finalization cannot race it.
func (a *streamAccumulator) finish(resp ChatResponse, err error) streamResult {
	a.persistWG.Wait()

	res := streamResult{
		Content:   a.text.String(),
		Reasoning: a.reasoning.String(),
		Usage:     a.usage,
		TimedOut:  a.timedOut,
	}
	if res.Content == "" {
		res.Content = resp.Content
	}
	if res.Reasoning == "" {
		res.Reasoning = resp.Reasoning
	}
	a.applyUsage(resp.Usage)
	res.Usage = a.usage

	res.ToolCalls = a.assembleToolCalls()
	if len(res.ToolCalls) == 0 {
		res.ToolCalls = resp.ToolCalls
	}

	if !a.firstTokenAt.IsZero() {
		res.TTFTMs = a.firstTokenAt.Sub(a.openedAt).Milliseconds()
	}

	res.FinishReason = resp.FinishReason
	if res.FinishReason == "" {
		if len(res.ToolCalls) > 0 {
			res.FinishReason = "tool_calls"
		} else {
			res.FinishReason = "stop"
		}
	}

	switch {
	case err != nil:
		a.state = stateError
	case len(res.ToolCalls) > 0:
		a.state = stateAccumulatingToolCalls
	default:
		a.state = stateDone
	}
	res.State = a.state

	if err == nil && !a.suppress {
		elapsed := time.Since(a.openedAt).Milliseconds()
		tokens := res.Usage.OutputTokens
		if tokens == 0 {
			tokens = estimateTokens(len(res.Content))
		}
		usage := res.Usage
		a.sink.Emit(Event{Type: EventTokenMetrics, Data: TokenMetricsEvent{
			Tokens:          tokens,
			ElapsedMs:       elapsed,
			TokensPerSecond: perSecond(tokens, elapsed),
			ActualUsage:     &usage,
			Final:           true,
		}})
	}
	return res
}

// assembleToolCalls materializes drafts in index order. Calls without a
// provider-assigned id get a fresh one so results can reference them.
func (a *streamAccumulator) assembleToolCalls() []ToolCall {
	if len(a.drafts) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.drafts))
	for i := range a.drafts {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	calls := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		d := a.drafts[i]
		args := d.args.String()
		if args == "" {
			args = "{}"
		}
		id := d.id
		if id == "" {
			id = NewID()
		}
		calls = append(calls, ToolCall{
			ID:       id,
			Name:     d.name,
			Args:     json.RawMessage(args),
			Metadata: d.metadata,
		})
	}
	return calls
}

// estimateTokens approximates token count from byte length. Close
// enough for progress metrics; final numbers come from provider usage.
func estimateTokens(byteLen int) int {
	return byteLen / 4
}

func perSecond(tokens int, elapsedMs int64) float64 {
	if elapsedMs <= 0 {
		return 0
	}
	return float64(tokens) / (float64(elapsedMs) / 1000)
}
