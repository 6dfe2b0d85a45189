package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	loom "github.com/nevindra/loom"
)

func testAnthropic() *Anthropic {
	return New("test-key", "claude-sonnet-4-5")
}

func TestBuildBody_SystemAndMessages(t *testing.T) {
	a := testAnthropic()
	body := a.buildBody(loom.ChatRequest{Messages: []loom.ChatMessage{
		{Role: "system", Content: "You are helpful."},
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi!"},
	}})

	if body.System != "You are helpful.\n\nBe brief." {
		t.Errorf("unexpected system: %q", body.System)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(body.Messages))
	}
	if body.Messages[0].Role != "user" || body.Messages[1].Role != "assistant" {
		t.Errorf("unexpected roles: %s, %s", body.Messages[0].Role, body.Messages[1].Role)
	}
	if body.Messages[0].Content[0].Text != "Hello" {
		t.Errorf("unexpected user text: %q", body.Messages[0].Content[0].Text)
	}
	if body.MaxTokens != defaultMaxTokens {
		t.Errorf("expected default max_tokens, got %d", body.MaxTokens)
	}
}

func TestBuildBody_ToolUseAndResult(t *testing.T) {
	a := testAnthropic()
	body := a.buildBody(loom.ChatRequest{Messages: []loom.ChatMessage{
		{Role: "user", Content: "Weather in Jakarta?"},
		{
			Role:    "assistant",
			Content: "Checking.",
			ToolCalls: []loom.ToolCall{
				{ID: "toolu_01", Name: "get_weather", Args: json.RawMessage(`{"city":"Jakarta"}`)},
			},
		},
		{Role: "tool", Content: "31C, sunny", ToolCallID: "toolu_01"},
	}})

	if len(body.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(body.Messages))
	}

	asst := body.Messages[1]
	if asst.Role != "assistant" {
		t.Errorf("expected assistant role, got %q", asst.Role)
	}
	if len(asst.Content) != 2 {
		t.Fatalf("expected text + tool_use blocks, got %d", len(asst.Content))
	}
	if asst.Content[0].Type != "text" || asst.Content[0].Text != "Checking." {
		t.Errorf("unexpected text block: %+v", asst.Content[0])
	}
	tu := asst.Content[1]
	if tu.Type != "tool_use" || tu.ID != "toolu_01" || tu.Name != "get_weather" {
		t.Errorf("unexpected tool_use block: %+v", tu)
	}

	result := body.Messages[2]
	if result.Role != "user" {
		t.Errorf("expected tool result as user role, got %q", result.Role)
	}
	tr := result.Content[0]
	if tr.Type != "tool_result" || tr.ToolUseID != "toolu_01" || tr.Content != "31C, sunny" {
		t.Errorf("unexpected tool_result block: %+v", tr)
	}
}

func TestBuildBody_ThinkingReplay(t *testing.T) {
	a := testAnthropic()
	meta, _ := json.Marshal(thinkingMeta{Thinking: "I should check the weather.", Signature: "sig-xyz"})

	body := a.buildBody(loom.ChatRequest{Messages: []loom.ChatMessage{
		{Role: "user", Content: "Weather?"},
		{
			Role: "assistant",
			ToolCalls: []loom.ToolCall{
				{ID: "toolu_01", Name: "get_weather", Args: json.RawMessage(`{}`), Metadata: meta},
			},
		},
		{Role: "tool", Content: "31C", ToolCallID: "toolu_01"},
	}})

	blocks := body.Messages[1].Content
	if blocks[0].Type != "thinking" {
		t.Fatalf("expected leading thinking block, got %q", blocks[0].Type)
	}
	if blocks[0].Thinking != "I should check the weather." || blocks[0].Signature != "sig-xyz" {
		t.Errorf("unexpected thinking block: %+v", blocks[0])
	}
	if blocks[1].Type != "tool_use" {
		t.Errorf("expected tool_use after thinking, got %q", blocks[1].Type)
	}
}

func TestBuildBody_Tools(t *testing.T) {
	a := testAnthropic()
	body := a.buildBody(loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "hi"}},
		Tools: []loom.ToolDefinition{
			{Name: "search", Description: "Search the web", Parameters: json.RawMessage(`{"type":"object"}`)},
			{Name: "bare"},
		},
	})

	if len(body.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(body.Tools))
	}
	if body.Tools[0].Name != "search" || body.Tools[0].Description != "Search the web" {
		t.Errorf("unexpected tool: %+v", body.Tools[0])
	}
	// Missing schema degrades to an empty object schema.
	var schema map[string]any
	if err := json.Unmarshal(body.Tools[1].InputSchema, &schema); err != nil {
		t.Fatalf("bare tool schema invalid: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("expected object schema fallback, got %v", schema)
	}
}

func TestBuildBody_ToolChoice(t *testing.T) {
	a := testAnthropic()
	tools := []loom.ToolDefinition{{Name: "search"}}

	tests := []struct {
		choice   string
		wantType string
		wantName string
		wantNil  bool
	}{
		{choice: "", wantNil: true},
		{choice: "auto", wantNil: true},
		{choice: "none", wantType: "none"},
		{choice: "required", wantType: "any"},
		{choice: "search", wantType: "tool", wantName: "search"},
	}
	for _, tt := range tests {
		body := a.buildBody(loom.ChatRequest{
			Messages:   []loom.ChatMessage{{Role: "user", Content: "hi"}},
			Tools:      tools,
			ToolChoice: tt.choice,
		})
		if tt.wantNil {
			if body.ToolChoice != nil {
				t.Errorf("choice %q: expected nil tool_choice, got %+v", tt.choice, body.ToolChoice)
			}
			continue
		}
		if body.ToolChoice == nil {
			t.Errorf("choice %q: expected tool_choice", tt.choice)
			continue
		}
		if body.ToolChoice.Type != tt.wantType || body.ToolChoice.Name != tt.wantName {
			t.Errorf("choice %q: got %+v", tt.choice, body.ToolChoice)
		}
	}
}

func TestBuildBody_Thinking(t *testing.T) {
	a := testAnthropic()
	temp := 0.3

	body := a.buildBody(loom.ChatRequest{
		Messages:    []loom.ChatMessage{{Role: "user", Content: "hi"}},
		Temperature: &temp,
		Thinking:    &loom.ThinkingConfig{Enabled: true, Budget: 16000},
	})

	if body.Thinking == nil {
		t.Fatal("expected thinking param")
	}
	if body.Thinking.Type != "enabled" || body.Thinking.BudgetTokens != 16000 {
		t.Errorf("unexpected thinking: %+v", body.Thinking)
	}
	if body.MaxTokens <= 16000 {
		t.Errorf("expected max_tokens above budget, got %d", body.MaxTokens)
	}
	if body.Temperature != nil {
		t.Error("expected temperature cleared while thinking")
	}

	// Budget below the API floor gets raised.
	body = a.buildBody(loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "hi"}},
		Thinking: &loom.ThinkingConfig{Enabled: true, Budget: 100},
	})
	if body.Thinking.BudgetTokens != minThinkingBudget {
		t.Errorf("expected floor %d, got %d", minThinkingBudget, body.Thinking.BudgetTokens)
	}
}

func TestBuildBody_Images(t *testing.T) {
	a := testAnthropic()
	body := a.buildBody(loom.ChatRequest{Messages: []loom.ChatMessage{
		{
			Role:    "user",
			Content: "Describe this",
			Images:  []loom.ImageData{{MimeType: "image/jpeg", Base64: "base64data"}},
		},
	}})

	blocks := body.Messages[0].Content
	if len(blocks) != 2 {
		t.Fatalf("expected text + image blocks, got %d", len(blocks))
	}
	img := blocks[1]
	if img.Type != "image" || img.Source == nil {
		t.Fatalf("unexpected image block: %+v", img)
	}
	if img.Source.Type != "base64" || img.Source.MediaType != "image/jpeg" || img.Source.Data != "base64data" {
		t.Errorf("unexpected image source: %+v", img.Source)
	}
}

func TestMergeAdjacent(t *testing.T) {
	msgs := []message{
		{Role: "user", Content: []contentBlock{{Type: "text", Text: "a"}}},
		{Role: "user", Content: []contentBlock{{Type: "tool_result", ToolUseID: "t1", Content: "r1"}}},
		{Role: "assistant", Content: []contentBlock{{Type: "text", Text: "b"}}},
	}
	merged := mergeAdjacent(msgs)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged messages, got %d", len(merged))
	}
	if len(merged[0].Content) != 2 {
		t.Errorf("expected merged user blocks, got %d", len(merged[0].Content))
	}
	if merged[1].Role != "assistant" {
		t.Errorf("expected assistant kept separate, got %q", merged[1].Role)
	}
}

func TestMapStopReason(t *testing.T) {
	tests := []struct{ in, want string }{
		{"end_turn", "stop"},
		{"stop_sequence", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool_calls"},
		{"", ""},
		{"refusal", "refusal"},
	}
	for _, tt := range tests {
		if got := mapStopReason(tt.in); got != tt.want {
			t.Errorf("mapStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseMessage_ThinkingMetaAttached(t *testing.T) {
	resp := parseMessage(response{
		Content: []contentBlock{
			{Type: "thinking", Thinking: "hmm", Signature: "sig-1"},
			{Type: "tool_use", ID: "toolu_01", Name: "search", Input: json.RawMessage(`{"q":"x"}`)},
		},
		StopReason: "tool_use",
		Usage:      usage{InputTokens: 10, OutputTokens: 20},
	})

	if resp.Reasoning != "hmm" {
		t.Errorf("expected reasoning 'hmm', got %q", resp.Reasoning)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	var tm thinkingMeta
	if err := json.Unmarshal(resp.ToolCalls[0].Metadata, &tm); err != nil {
		t.Fatalf("metadata invalid: %v", err)
	}
	if tm.Thinking != "hmm" || tm.Signature != "sig-1" {
		t.Errorf("unexpected meta: %+v", tm)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("expected finish 'tool_calls', got %q", resp.FinishReason)
	}
}

func TestChat_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") != apiVersion {
			t.Errorf("unexpected version header: %s", r.Header.Get("anthropic-version"))
		}

		var body request
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Model != "claude-sonnet-4-5" {
			t.Errorf("unexpected model: %s", body.Model)
		}
		if body.MaxTokens == 0 {
			t.Error("expected max_tokens set")
		}

		fmt.Fprint(w, `{"id":"msg_01","content":[{"type":"text","text":"Hello!"}],"stop_reason":"end_turn","usage":{"input_tokens":9,"output_tokens":3}}`)
	}))
	defer srv.Close()

	a := New("test-key", "claude-sonnet-4-5", WithBaseURL(srv.URL))
	resp, err := a.Chat(context.Background(), loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 3 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("unexpected finish reason: %q", resp.FinishReason)
	}
}

func TestChat_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	a := New("test-key", "claude-sonnet-4-5", WithBaseURL(srv.URL))
	_, err := a.Chat(context.Background(), loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "Hi"}},
	})

	var errHTTP *loom.ErrHTTP
	if !errors.As(err, &errHTTP) {
		t.Fatalf("expected ErrHTTP, got %T: %v", err, err)
	}
	if errHTTP.Status != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", errHTTP.Status)
	}
	if errHTTP.RetryAfter != 30*time.Second {
		t.Errorf("expected RetryAfter 30s, got %v", errHTTP.RetryAfter)
	}
}

func TestAnthropic_Name(t *testing.T) {
	if testAnthropic().Name() != "anthropic" {
		t.Error("expected provider name 'anthropic'")
	}
}
