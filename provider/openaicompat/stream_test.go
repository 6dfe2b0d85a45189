package openaicompat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	loom "github.com/nevindra/loom"
)

// buildSSE constructs a mock SSE stream from data lines.
func buildSSE(lines ...string) string {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// collectDeltas runs StreamSSE and gathers everything sent to the channel.
func collectDeltas(t *testing.T, sse string) (loom.ChatResponse, []loom.Delta) {
	t.Helper()
	ch := make(chan loom.Delta, 64)
	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	var deltas []loom.Delta
	for d := range ch {
		deltas = append(deltas, d)
	}
	return resp, deltas
}

func TestStreamSSE_TextChunks(t *testing.T) {
	sse := buildSSE(
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"!"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
		"[DONE]",
	)

	resp, deltas := collectDeltas(t, sse)

	if resp.Content != "Hello world!" {
		t.Errorf("expected content 'Hello world!', got %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish_reason 'stop', got %q", resp.FinishReason)
	}

	var text []string
	for _, d := range deltas {
		if d.Type == loom.DeltaContent {
			text = append(text, d.Text)
		}
	}
	if len(text) != 3 {
		t.Errorf("expected 3 content deltas, got %d: %v", len(text), text)
	}

	if resp.Usage.InputTokens != 5 {
		t.Errorf("expected 5 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 3 {
		t.Errorf("expected 3 output tokens, got %d", resp.Usage.OutputTokens)
	}
}

func TestStreamSSE_ReasoningChunks(t *testing.T) {
	sse := buildSSE(
		`{"id":"c","choices":[{"index":0,"delta":{"reasoning_content":"Let me think"}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"reasoning_content":" about this."}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"42"}}]}`,
		"[DONE]",
	)

	resp, deltas := collectDeltas(t, sse)

	if resp.Reasoning != "Let me think about this." {
		t.Errorf("unexpected reasoning: %q", resp.Reasoning)
	}
	if resp.Content != "42" {
		t.Errorf("unexpected content: %q", resp.Content)
	}

	// Reasoning deltas must precede the content delta.
	var kinds []loom.DeltaType
	for _, d := range deltas {
		kinds = append(kinds, d.Type)
	}
	want := []loom.DeltaType{loom.DeltaReasoning, loom.DeltaReasoning, loom.DeltaContent}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d deltas, got %d: %v", len(want), len(kinds), kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("delta %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}

func TestStreamSSE_ToolCallChunks(t *testing.T) {
	// Tool calls stream incrementally: first chunk carries ID + name,
	// subsequent chunks carry argument fragments addressed by index.
	sse := buildSSE(
		`{"id":"c2","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"id":"c2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\""}}]}}]}`,
		`{"id":"c2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"London"}}]}}]}`,
		`{"id":"c2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"}"}}]}}]}`,
		`{"id":"c2","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":10,"completion_tokens":15,"total_tokens":25}}`,
		"[DONE]",
	)

	resp, deltas := collectDeltas(t, sse)

	if resp.Content != "" {
		t.Errorf("expected empty content, got %q", resp.Content)
	}

	var frags []loom.Delta
	for _, d := range deltas {
		if d.Type == loom.DeltaToolCall {
			frags = append(frags, d)
		}
	}
	if len(frags) != 4 {
		t.Fatalf("expected 4 tool-call deltas, got %d", len(frags))
	}
	if frags[0].ID != "call_abc" || frags[0].Name != "get_weather" {
		t.Errorf("first fragment should carry id+name, got %+v", frags[0])
	}
	if frags[1].ArgsFragment != `{"city"` {
		t.Errorf("unexpected args fragment: %q", frags[1].ArgsFragment)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_abc" {
		t.Errorf("expected ID 'call_abc', got %q", tc.ID)
	}
	if tc.Name != "get_weather" {
		t.Errorf("expected name 'get_weather', got %q", tc.Name)
	}
	var args map[string]any
	if err := json.Unmarshal(tc.Args, &args); err != nil {
		t.Fatalf("failed to parse tool call args: %v", err)
	}
	if args["city"] != "London" {
		t.Errorf("expected city 'London', got %v", args["city"])
	}

	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 15 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestStreamSSE_SparseToolCallIndices(t *testing.T) {
	// A second call can start at index 1 before index 0 finishes.
	sse := buildSSE(
		`{"id":"c3","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"first","arguments":"{}"}}]}}]}`,
		`{"id":"c3","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"second","arguments":"{\"x\":1}"}}]}}]}`,
		"[DONE]",
	)

	resp, _ := collectDeltas(t, sse)

	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "first" || resp.ToolCalls[1].Name != "second" {
		t.Errorf("tool calls out of order: %v, %v", resp.ToolCalls[0].Name, resp.ToolCalls[1].Name)
	}
}

func TestStreamSSE_UsageOnlyChunk(t *testing.T) {
	// Providers that honor stream_options send usage in a trailing
	// chunk with an empty choices array.
	sse := buildSSE(
		`{"id":"c4","choices":[{"index":0,"delta":{"content":"hi"}}]}`,
		`{"id":"c4","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":1,"total_tokens":8}}`,
		"[DONE]",
	)

	resp, deltas := collectDeltas(t, sse)

	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 1 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}

	var sawUsage bool
	for _, d := range deltas {
		if d.Type == loom.DeltaUsage {
			sawUsage = true
			if d.Usage == nil || d.Usage.InputTokens != 7 {
				t.Errorf("usage delta missing payload: %+v", d)
			}
		}
	}
	if !sawUsage {
		t.Error("expected a usage delta")
	}
}

func TestStreamSSE_MalformedChunksSkipped(t *testing.T) {
	sse := buildSSE(
		`{"id":"c5","choices":[{"index":0,"delta":{"content":"a"}}]}`,
		`{not json`,
		`{"id":"c5","choices":[{"index":0,"delta":{"content":"b"}}]}`,
		"[DONE]",
	)

	resp, _ := collectDeltas(t, sse)
	if resp.Content != "ab" {
		t.Errorf("expected 'ab', got %q", resp.Content)
	}
}

func TestStreamSSE_InvalidToolArgsDegrade(t *testing.T) {
	sse := buildSSE(
		`{"id":"c6","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_x","function":{"name":"broken","arguments":"{\"unterminated"}}]}}]}`,
		"[DONE]",
	)

	resp, _ := collectDeltas(t, sse)
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if string(resp.ToolCalls[0].Args) != `{}` {
		t.Errorf("invalid args should degrade to {}, got %s", resp.ToolCalls[0].Args)
	}
}

func TestStreamSSE_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sse := buildSSE(
		`{"id":"c7","choices":[{"index":0,"delta":{"content":"never"}}]}`,
		"[DONE]",
	)
	ch := make(chan loom.Delta) // unbuffered, no reader
	_, err := StreamSSE(ctx, strings.NewReader(sse), ch)
	if err == nil {
		t.Fatal("expected context error")
	}
}
