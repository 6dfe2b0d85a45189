package loom

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func contentDelta(text string) Delta { return Delta{Type: DeltaContent, Text: text} }

func TestAccumulatorContentFlow(t *testing.T) {
	sink := &recordingSink{}
	acc := newStreamAccumulator(sink, false, 0, nil, nil)

	acc.apply(contentDelta("Hel"))
	acc.apply(contentDelta("lo"))
	res := acc.finish(ChatResponse{}, nil)

	if res.Content != "Hello" {
		t.Errorf("Content = %q, want %q", res.Content, "Hello")
	}
	if res.State != stateDone {
		t.Errorf("State = %v, want DONE", res.State)
	}
	if res.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", res.FinishReason)
	}

	// First chunk emits metrics immediately; the second is throttled.
	want := []string{EventStream, EventTokenMetrics, EventStream, EventTokenMetrics}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	final := sink.ofType(EventTokenMetrics)[1].Data.(TokenMetricsEvent)
	if !final.Final {
		t.Error("last token_metrics event not marked final")
	}
}

func TestAccumulatorReasoningThenContent(t *testing.T) {
	sink := &recordingSink{}
	acc := newStreamAccumulator(sink, false, 0, nil, nil)

	acc.apply(Delta{Type: DeltaReasoning, Text: "let me "})
	acc.apply(Delta{Type: DeltaReasoning, Text: "think"})
	acc.apply(contentDelta("answer"))
	res := acc.finish(ChatResponse{}, nil)

	if res.Reasoning != "let me think" {
		t.Errorf("Reasoning = %q, want %q", res.Reasoning, "let me think")
	}
	if res.Content != "answer" {
		t.Errorf("Content = %q, want %q", res.Content, "answer")
	}
	thinking := sink.ofType(EventThinking)
	if len(thinking) != 2 {
		t.Fatalf("thinking events = %d, want 2", len(thinking))
	}
	last := thinking[1].Data.(ThinkingEvent)
	if last.Content != "think" || last.Accumulated != "let me think" {
		t.Errorf("thinking event = %+v, want chunk with accumulated text", last)
	}
}

func TestAccumulatorToolCallAssembly(t *testing.T) {
	sink := &recordingSink{}
	acc := newStreamAccumulator(sink, false, 0, nil, nil)

	// Out-of-order indexes, fragmented args, one call with no id.
	acc.apply(Delta{Type: DeltaToolCall, Index: 1, Name: "b_tool"})
	acc.apply(Delta{Type: DeltaToolCall, Index: 1, ArgsFragment: `{"region":`})
	acc.apply(Delta{Type: DeltaToolCall, Index: 0, ID: "call-a", Name: "a_tool"})
	acc.apply(Delta{Type: DeltaToolCall, Index: 1, ArgsFragment: `"eu"}`})
	res := acc.finish(ChatResponse{}, nil)

	if len(res.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(res.ToolCalls))
	}
	if res.ToolCalls[0].Name != "a_tool" || res.ToolCalls[1].Name != "b_tool" {
		t.Errorf("order = %q, %q; want index order", res.ToolCalls[0].Name, res.ToolCalls[1].Name)
	}
	if got := string(res.ToolCalls[0].Args); got != "{}" {
		t.Errorf("empty args = %q, want {}", got)
	}
	if got := string(res.ToolCalls[1].Args); got != `{"region":"eu"}` {
		t.Errorf("joined args = %q", got)
	}
	if res.ToolCalls[0].ID != "call-a" {
		t.Errorf("ID = %q, want call-a", res.ToolCalls[0].ID)
	}
	if res.ToolCalls[1].ID == "" {
		t.Error("missing provider id was not backfilled")
	}
	if res.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want tool_calls", res.FinishReason)
	}
	if res.State != stateAccumulatingToolCalls {
		t.Errorf("State = %v, want ACCUMULATING_TOOL_CALLS", res.State)
	}
	// One heartbeat for the whole batch, not one per draft.
	if got := len(sink.ofType(EventToolCallDelta)); got != 1 {
		t.Errorf("tool_call_delta events = %d, want 1", got)
	}
}

func TestAccumulatorSuppress(t *testing.T) {
	sink := &recordingSink{}
	acc := newStreamAccumulator(sink, true, 0, nil, nil)

	acc.apply(Delta{Type: DeltaReasoning, Text: "hmm"})
	acc.apply(contentDelta("quiet"))
	acc.apply(Delta{Type: DeltaToolCall, Index: 0, Name: "t"})
	res := acc.finish(ChatResponse{}, nil)

	if len(sink.all()) != 0 {
		t.Errorf("suppressed stream emitted %v", sink.types())
	}
	if res.Content != "quiet" || res.Reasoning != "hmm" {
		t.Errorf("accumulation lost under suppression: %+v", res)
	}
}

func TestAccumulatorUsageMerge(t *testing.T) {
	acc := newStreamAccumulator(NopSink{}, true, 0, nil, nil)

	acc.apply(Delta{Type: DeltaUsage, Usage: &Usage{InputTokens: 10}})
	acc.apply(Delta{Type: DeltaUsage, Usage: &Usage{InputTokens: 12, OutputTokens: 3}})
	res := acc.finish(ChatResponse{Usage: Usage{OutputTokens: 25}}, nil)

	if res.Usage.InputTokens != 12 {
		t.Errorf("InputTokens = %d, want the later cumulative value 12", res.Usage.InputTokens)
	}
	if res.Usage.OutputTokens != 25 {
		t.Errorf("OutputTokens = %d, want the response value 25", res.Usage.OutputTokens)
	}
}

func TestAccumulatorFinishFallsBackToResponse(t *testing.T) {
	acc := newStreamAccumulator(NopSink{}, true, 0, nil, nil)

	resp := ChatResponse{
		Content:      "blocking answer",
		Reasoning:    "blocking thought",
		ToolCalls:    []ToolCall{{ID: "c1", Name: "list_vms"}},
		FinishReason: "length",
	}
	res := acc.finish(resp, nil)

	if res.Content != resp.Content || res.Reasoning != resp.Reasoning {
		t.Errorf("fallback lost response text: %+v", res)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].ID != "c1" {
		t.Errorf("fallback lost response tool calls: %+v", res.ToolCalls)
	}
	if res.FinishReason != "length" {
		t.Errorf("FinishReason = %q, want the provider's", res.FinishReason)
	}
}

func TestAccumulatorFinishError(t *testing.T) {
	sink := &recordingSink{}
	acc := newStreamAccumulator(sink, false, 0, nil, nil)

	res := acc.finish(ChatResponse{}, errors.New("boom"))

	if res.State != stateError {
		t.Errorf("State = %v, want ERROR", res.State)
	}
	if got := len(sink.ofType(EventTokenMetrics)); got != 0 {
		t.Errorf("error finish emitted %d token_metrics events", got)
	}
}

func TestAccumulatorPreEmitRunsFirst(t *testing.T) {
	sink := &recordingSink{}
	acc := newStreamAccumulator(sink, false, 0, nil, nil)
	acc.preEmit = func() {
		sink.Emit(Event{Type: EventProviderFailover})
	}

	acc.apply(contentDelta("x"))

	types := sink.types()
	if len(types) < 2 || types[0] != EventProviderFailover || types[1] != EventStream {
		t.Errorf("events = %v, want failover before the first chunk", types)
	}
}

func TestAccumulatorIdleTimeout(t *testing.T) {
	acc := newStreamAccumulator(NopSink{}, true, 20*time.Millisecond, nil, nil)

	ch := make(chan Delta)
	cancel := func() { close(ch) }
	done := make(chan struct{})
	go func() {
		acc.consume(ch, cancel)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not time out")
	}
	res := acc.finish(ChatResponse{}, nil)
	if !res.TimedOut {
		t.Error("TimedOut = false after idle deadline")
	}
}

func TestAccumulatorConsumeDrainsUntilClose(t *testing.T) {
	acc := newStreamAccumulator(NopSink{}, true, time.Minute, nil, nil)

	ch := make(chan Delta, 3)
	ch <- contentDelta("a")
	ch <- contentDelta("b")
	close(ch)
	acc.consume(ch, func() { t.Error("cancel called on a healthy stream") })

	res := acc.finish(ChatResponse{}, nil)
	if res.Content != "ab" {
		t.Errorf("Content = %q, want ab", res.Content)
	}
	if res.TimedOut {
		t.Error("TimedOut = true on a closed stream")
	}
}

func TestAccumulatorPersistThrottle(t *testing.T) {
	var (
		mu        sync.Mutex
		persisted []string
	)
	persist := func(s string) {
		mu.Lock()
		persisted = append(persisted, s)
		mu.Unlock()
	}

	acc := newStreamAccumulator(NopSink{}, true, 0, persist, nil)
	acc.persistEvery = 0 // every chunk flushes

	acc.apply(contentDelta("hello "))
	acc.persistWG.Wait()
	acc.apply(contentDelta("world"))
	acc.persistWG.Wait()
	acc.finish(ChatResponse{}, nil)

	mu.Lock()
	defer mu.Unlock()
	if len(persisted) != 2 || persisted[0] != "hello " || persisted[1] != "hello world" {
		t.Errorf("persisted = %q, want the accumulated prefixes", persisted)
	}
}

func TestAccumulatorPersistFirstChunkOnly(t *testing.T) {
	var (
		mu        sync.Mutex
		persisted []string
	)
	persist := func(s string) {
		mu.Lock()
		persisted = append(persisted, s)
		mu.Unlock()
	}

	// Default one-second throttle: the first chunk writes, the rest of a
	// fast burst is skipped.
	acc := newStreamAccumulator(NopSink{}, true, 0, persist, nil)
	acc.apply(contentDelta("a"))
	acc.apply(contentDelta("b"))
	acc.apply(contentDelta("c"))
	acc.finish(ChatResponse{}, nil)

	mu.Lock()
	defer mu.Unlock()
	if len(persisted) != 1 || persisted[0] != "a" {
		t.Errorf("persisted = %q, want just the first chunk", persisted)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens(8); got != 2 {
		t.Errorf("estimateTokens(8) = %d, want 2", got)
	}
	if got := perSecond(10, 2000); got != 5 {
		t.Errorf("perSecond(10, 2s) = %v, want 5", got)
	}
	if got := perSecond(5, 0); got != 0 {
		t.Errorf("perSecond(5, 0) = %v, want 0", got)
	}
}
