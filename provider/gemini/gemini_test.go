package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	loom "github.com/nevindra/loom"
)

// testGemini returns a Gemini instance with default config for testing buildBody.
func testGemini() *Gemini {
	return New("test-key", "test-model")
}

func TestBuildBody_SystemMessages(t *testing.T) {
	g := testGemini()
	body, err := g.buildBody(loom.ChatRequest{Messages: []loom.ChatMessage{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "system", Content: "Be concise."},
		{Role: "user", Content: "Hello"},
	}})
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	si, ok := body["systemInstruction"].(map[string]any)
	if !ok {
		t.Fatal("expected systemInstruction in body")
	}
	parts, ok := si["parts"].([]map[string]any)
	if !ok || len(parts) != 1 {
		t.Fatal("expected exactly 1 systemInstruction part")
	}
	text, ok := parts[0]["text"].(string)
	if !ok {
		t.Fatal("expected text field in systemInstruction part")
	}
	if text != "You are a helpful assistant.\n\nBe concise." {
		t.Errorf("unexpected system text: %q", text)
	}

	contents, ok := body["contents"].([]map[string]any)
	if !ok {
		t.Fatal("expected contents array in body")
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content entry (user only), got %d", len(contents))
	}
	if contents[0]["role"] != "user" {
		t.Errorf("expected role 'user', got %q", contents[0]["role"])
	}
}

func TestBuildBody_AssistantMapsToModel(t *testing.T) {
	g := testGemini()
	body, err := g.buildBody(loom.ChatRequest{Messages: []loom.ChatMessage{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello!"},
		{Role: "user", Content: "How are you?"},
	}})
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	if len(contents) != 3 {
		t.Fatalf("expected 3 content entries, got %d", len(contents))
	}
	if contents[1]["role"] != "model" {
		t.Errorf("expected assistant role mapped to 'model', got %q", contents[1]["role"])
	}
	if contents[0]["role"] != "user" || contents[2]["role"] != "user" {
		t.Error("expected surrounding roles to stay 'user'")
	}
}

func TestBuildBody_ToolResults(t *testing.T) {
	g := testGemini()
	body, err := g.buildBody(loom.ChatRequest{Messages: []loom.ChatMessage{
		{Role: "user", Content: "Search for cats"},
		{
			Role: "assistant",
			ToolCalls: []loom.ToolCall{
				{ID: "search", Name: "search", Args: json.RawMessage(`{"query":"cats"}`)},
			},
		},
		{Role: "tool", Content: "Found 10 results about cats", ToolCallID: "search"},
	}})
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	if len(contents) != 3 {
		t.Fatalf("expected 3 content entries, got %d", len(contents))
	}

	// Assistant tool calls map to role model with functionCall parts.
	if contents[1]["role"] != "model" {
		t.Errorf("expected role 'model' for tool-call turn, got %q", contents[1]["role"])
	}
	callParts := contents[1]["parts"].([]map[string]any)
	if len(callParts) != 1 {
		t.Fatalf("expected 1 functionCall part, got %d", len(callParts))
	}
	fc := callParts[0]["functionCall"].(map[string]any)
	if fc["name"] != "search" {
		t.Errorf("expected functionCall name 'search', got %q", fc["name"])
	}
	args := fc["args"].(map[string]any)
	if args["query"] != "cats" {
		t.Errorf("expected args.query 'cats', got %v", args["query"])
	}

	// Tool results map to role user with a functionResponse part keyed
	// by the tool call id.
	if contents[2]["role"] != "user" {
		t.Errorf("expected role 'user' for tool result, got %q", contents[2]["role"])
	}
	respParts := contents[2]["parts"].([]map[string]any)
	fr := respParts[0]["functionResponse"].(map[string]any)
	if fr["name"] != "search" {
		t.Errorf("expected functionResponse name 'search', got %q", fr["name"])
	}
	response := fr["response"].(map[string]any)
	if response["result"] != "Found 10 results about cats" {
		t.Errorf("unexpected functionResponse result: %v", response["result"])
	}
}

func TestBuildBody_ToolDeclarations(t *testing.T) {
	g := testGemini()
	body, err := g.buildBody(loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "hi"}},
		Tools: []loom.ToolDefinition{
			{
				Name:        "get_weather",
				Description: "Get the weather",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
			},
		},
	})
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	tools, ok := body["tools"].([]map[string]any)
	if !ok || len(tools) != 1 {
		t.Fatal("expected 1 tools entry")
	}
	decls := tools[0]["functionDeclarations"].([]map[string]any)
	if len(decls) != 1 {
		t.Fatalf("expected 1 declaration, got %d", len(decls))
	}
	if decls[0]["name"] != "get_weather" {
		t.Errorf("expected name 'get_weather', got %q", decls[0]["name"])
	}
	if decls[0]["description"] != "Get the weather" {
		t.Errorf("unexpected description: %q", decls[0]["description"])
	}
	params := decls[0]["parameters"].(map[string]any)
	if params["type"] != "object" {
		t.Errorf("expected parameters.type 'object', got %v", params["type"])
	}
}

func TestBuildToolConfig(t *testing.T) {
	tools := []loom.ToolDefinition{{Name: "search"}}

	tests := []struct {
		name       string
		req        loom.ChatRequest
		wantMode   string
		wantNames  []string
		wantAbsent bool
	}{
		{name: "no tools forces NONE", req: loom.ChatRequest{}, wantMode: "NONE"},
		{name: "empty choice omitted", req: loom.ChatRequest{Tools: tools}, wantAbsent: true},
		{name: "auto omitted", req: loom.ChatRequest{Tools: tools, ToolChoice: "auto"}, wantAbsent: true},
		{name: "none", req: loom.ChatRequest{Tools: tools, ToolChoice: "none"}, wantMode: "NONE"},
		{name: "required", req: loom.ChatRequest{Tools: tools, ToolChoice: "required"}, wantMode: "ANY"},
		{name: "named function", req: loom.ChatRequest{Tools: tools, ToolChoice: "search"}, wantMode: "ANY", wantNames: []string{"search"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := buildToolConfig(tt.req)
			if tt.wantAbsent {
				if tc != nil {
					t.Fatalf("expected no toolConfig, got %v", tc)
				}
				return
			}
			if tc == nil {
				t.Fatal("expected toolConfig, got nil")
			}
			fcc := tc["functionCallingConfig"].(map[string]any)
			if fcc["mode"] != tt.wantMode {
				t.Errorf("expected mode %q, got %v", tt.wantMode, fcc["mode"])
			}
			if tt.wantNames != nil {
				names := fcc["allowedFunctionNames"].([]string)
				if len(names) != 1 || names[0] != tt.wantNames[0] {
					t.Errorf("expected allowed names %v, got %v", tt.wantNames, names)
				}
			}
		})
	}
}

func TestBuildBody_ThinkingConfig(t *testing.T) {
	g := testGemini()

	// Explicit budget passes through.
	body, err := g.buildBody(loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "hi"}},
		Thinking: &loom.ThinkingConfig{Enabled: true, Budget: 8192},
	})
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}
	gc := body["generationConfig"].(map[string]any)
	think := gc["thinkingConfig"].(map[string]any)
	if think["thinkingBudget"] != 8192 {
		t.Errorf("expected budget 8192, got %v", think["thinkingBudget"])
	}
	if think["includeThoughts"] != true {
		t.Error("expected includeThoughts true")
	}

	// Enabled without budget means dynamic (-1).
	body, _ = g.buildBody(loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "hi"}},
		Thinking: &loom.ThinkingConfig{Enabled: true},
	})
	gc = body["generationConfig"].(map[string]any)
	think = gc["thinkingConfig"].(map[string]any)
	if think["thinkingBudget"] != -1 {
		t.Errorf("expected dynamic budget -1, got %v", think["thinkingBudget"])
	}

	// Disabled or absent omits thinkingConfig entirely.
	body, _ = g.buildBody(loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "hi"}},
	})
	gc = body["generationConfig"].(map[string]any)
	if _, ok := gc["thinkingConfig"]; ok {
		t.Error("expected no thinkingConfig without request thinking")
	}
}

func TestBuildBody_GenerationConfig(t *testing.T) {
	g := New("key", "model", WithTemperature(0.7), WithTopP(0.95))
	temp := 0.2

	body, err := g.buildBody(loom.ChatRequest{
		Messages:    []loom.ChatMessage{{Role: "user", Content: "hi"}},
		Temperature: &temp,
		MaxTokens:   512,
	})
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	gc := body["generationConfig"].(map[string]any)
	if gc["temperature"] != 0.2 {
		t.Errorf("expected request temperature to win, got %v", gc["temperature"])
	}
	if gc["topP"] != 0.95 {
		t.Errorf("expected topP 0.95, got %v", gc["topP"])
	}
	if gc["maxOutputTokens"] != 512 {
		t.Errorf("expected maxOutputTokens 512, got %v", gc["maxOutputTokens"])
	}

	// Without a request temperature the provider default applies.
	body, _ = g.buildBody(loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "hi"}},
	})
	gc = body["generationConfig"].(map[string]any)
	if gc["temperature"] != 0.7 {
		t.Errorf("expected default temperature 0.7, got %v", gc["temperature"])
	}
	if _, ok := gc["maxOutputTokens"]; ok {
		t.Error("expected maxOutputTokens omitted when unset")
	}
}

func TestBuildBody_InlineData(t *testing.T) {
	g := testGemini()
	body, err := g.buildBody(loom.ChatRequest{Messages: []loom.ChatMessage{
		{
			Role:    "user",
			Content: "What is this?",
			Images: []loom.ImageData{
				{MimeType: "image/png", Base64: "aGVsbG8="},
			},
		},
	}})
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	parts := contents[0]["parts"].([]map[string]any)
	if len(parts) != 2 {
		t.Fatalf("expected text + image parts, got %d", len(parts))
	}
	inline := parts[1]["inlineData"].(map[string]any)
	if inline["mimeType"] != "image/png" {
		t.Errorf("expected mimeType image/png, got %v", inline["mimeType"])
	}
	if inline["data"] != "aGVsbG8=" {
		t.Errorf("expected raw base64 payload, got %v", inline["data"])
	}
}

func TestBuildBody_EmptyContentGetsFallbackPart(t *testing.T) {
	g := testGemini()
	body, err := g.buildBody(loom.ChatRequest{Messages: []loom.ChatMessage{
		{Role: "user", Content: ""},
	}})
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	parts := contents[0]["parts"].([]map[string]any)
	if len(parts) != 1 {
		t.Fatalf("expected 1 fallback part, got %d", len(parts))
	}
	if parts[0]["text"] != "" {
		t.Errorf("expected empty text part, got %v", parts[0]["text"])
	}
}

func TestBuildBody_ThoughtSignaturePreserved(t *testing.T) {
	g := testGemini()
	meta, _ := json.Marshal(map[string]string{"thoughtSignature": "sig-abc"})

	body, err := g.buildBody(loom.ChatRequest{Messages: []loom.ChatMessage{
		{Role: "user", Content: "go"},
		{
			Role: "assistant",
			ToolCalls: []loom.ToolCall{
				{ID: "run", Name: "run", Args: json.RawMessage(`{}`), Metadata: meta},
			},
		},
		{Role: "tool", Content: "done", ToolCallID: "run"},
	}})
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	parts := contents[1]["parts"].([]map[string]any)
	if parts[0]["thoughtSignature"] != "sig-abc" {
		t.Errorf("expected thoughtSignature preserved, got %v", parts[0]["thoughtSignature"])
	}
}

func TestBuildBody_MultipleToolCalls(t *testing.T) {
	g := testGemini()
	body, err := g.buildBody(loom.ChatRequest{Messages: []loom.ChatMessage{
		{Role: "user", Content: "both"},
		{
			Role:    "assistant",
			Content: "Running both.",
			ToolCalls: []loom.ToolCall{
				{ID: "a", Name: "a", Args: json.RawMessage(`{"x":1}`)},
				{ID: "b", Name: "b", Args: json.RawMessage(`{"y":2}`)},
			},
		},
	}})
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	parts := contents[1]["parts"].([]map[string]any)
	if len(parts) != 3 {
		t.Fatalf("expected text part + 2 functionCall parts, got %d", len(parts))
	}
	if parts[0]["text"] != "Running both." {
		t.Errorf("expected leading text part, got %v", parts[0])
	}
	first := parts[1]["functionCall"].(map[string]any)
	second := parts[2]["functionCall"].(map[string]any)
	if first["name"] != "a" || second["name"] != "b" {
		t.Errorf("expected call order a, b; got %v, %v", first["name"], second["name"])
	}
}

func TestMapRole(t *testing.T) {
	if mapRole("assistant") != "model" {
		t.Error("expected assistant to map to model")
	}
	if mapRole("user") != "user" {
		t.Error("expected user to stay user")
	}
}

func TestMapFinishReason(t *testing.T) {
	tests := []struct{ in, want string }{
		{"STOP", "stop"},
		{"MAX_TOKENS", "length"},
		{"SAFETY", "safety"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := mapFinishReason(tt.in); got != tt.want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsCompleteJSON(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{`{"a":1}`, true},
		{`{"a":`, false},
		{`{"a":"}"}`, true},
		{`{"a":"\""}`, true},
		{`[1,2,3]`, true},
		{`[1,2`, false},
		{`{"nested":{"b":[1]}}`, true},
	}
	for _, tt := range tests {
		if got := isCompleteJSON(tt.in); got != tt.want {
			t.Errorf("isCompleteJSON(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseRetryInfo(t *testing.T) {
	body := `{"error":{"code":429,"details":[` +
		`{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"RATE_LIMIT_EXCEEDED"},` +
		`{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"7s"}]}}`
	if got := parseRetryInfo(body); got != 7*time.Second {
		t.Errorf("expected 7s, got %v", got)
	}
	if got := parseRetryInfo(`{"error":{}}`); got != 0 {
		t.Errorf("expected 0 without RetryInfo, got %v", got)
	}
	if got := parseRetryInfo("not json"); got != 0 {
		t.Errorf("expected 0 for invalid body, got %v", got)
	}
}

// collectStream runs consumeSSE over a raw SSE body and gathers the deltas.
func collectStream(t *testing.T, sse string) (loom.ChatResponse, []loom.Delta) {
	t.Helper()
	g := testGemini()
	ch := make(chan loom.Delta, 64)
	resp, err := g.consumeSSE(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatalf("consumeSSE returned error: %v", err)
	}
	close(ch)
	var deltas []loom.Delta
	for d := range ch {
		deltas = append(deltas, d)
	}
	return resp, deltas
}

func TestConsumeSSE_TextAndUsage(t *testing.T) {
	sse := "data: " + `{"candidates":[{"content":{"parts":[{"text":"Hello"}],"role":"model"}}]}` + "\n" +
		"data: " + `{"candidates":[{"content":{"parts":[{"text":" world"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":4}}` + "\n"

	resp, deltas := collectStream(t, sse)

	if resp.Content != "Hello world" {
		t.Errorf("expected content 'Hello world', got %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish reason 'stop', got %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}

	var content, usage int
	for _, d := range deltas {
		switch d.Type {
		case loom.DeltaContent:
			content++
		case loom.DeltaUsage:
			usage++
		}
	}
	if content != 2 {
		t.Errorf("expected 2 content deltas, got %d", content)
	}
	if usage != 1 {
		t.Errorf("expected 1 usage delta, got %d", usage)
	}
}

func TestConsumeSSE_ThoughtParts(t *testing.T) {
	sse := "data: " + `{"candidates":[{"content":{"parts":[{"text":"Considering...","thought":true}],"role":"model"}}]}` + "\n" +
		"data: " + `{"candidates":[{"content":{"parts":[{"text":"42"}],"role":"model"},"finishReason":"STOP"}]}` + "\n"

	resp, deltas := collectStream(t, sse)

	if resp.Reasoning != "Considering..." {
		t.Errorf("expected reasoning separated out, got %q", resp.Reasoning)
	}
	if resp.Content != "42" {
		t.Errorf("expected content '42', got %q", resp.Content)
	}

	var kinds []loom.DeltaType
	for _, d := range deltas {
		kinds = append(kinds, d.Type)
	}
	if len(kinds) != 2 || kinds[0] != loom.DeltaReasoning || kinds[1] != loom.DeltaContent {
		t.Errorf("unexpected delta sequence: %v", kinds)
	}
}

func TestConsumeSSE_FunctionCall(t *testing.T) {
	sse := "data: " + `{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"Jakarta"}},"thoughtSignature":"sig-1"}],"role":"model"},"finishReason":"STOP"}]}` + "\n"

	resp, deltas := collectStream(t, sse)

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "get_weather" || tc.ID != "get_weather" {
		t.Errorf("expected id and name 'get_weather', got id=%q name=%q", tc.ID, tc.Name)
	}
	var args map[string]any
	if err := json.Unmarshal(tc.Args, &args); err != nil || args["city"] != "Jakarta" {
		t.Errorf("unexpected args: %s", tc.Args)
	}
	var meta map[string]string
	if err := json.Unmarshal(tc.Metadata, &meta); err != nil || meta["thoughtSignature"] != "sig-1" {
		t.Errorf("expected thoughtSignature metadata, got %s", tc.Metadata)
	}

	var toolDeltas []loom.Delta
	for _, d := range deltas {
		if d.Type == loom.DeltaToolCall {
			toolDeltas = append(toolDeltas, d)
		}
	}
	if len(toolDeltas) != 1 {
		t.Fatalf("expected 1 tool-call delta, got %d", len(toolDeltas))
	}
	if toolDeltas[0].Index != 0 || toolDeltas[0].Name != "get_weather" {
		t.Errorf("unexpected tool delta: %+v", toolDeltas[0])
	}
	if !json.Valid([]byte(toolDeltas[0].ArgsFragment)) {
		t.Errorf("expected complete JSON args fragment, got %q", toolDeltas[0].ArgsFragment)
	}
}

func TestConsumeSSE_MultipleFunctionCallsIndexed(t *testing.T) {
	sse := "data: " + `{"candidates":[{"content":{"parts":[{"functionCall":{"name":"a","args":{}}}],"role":"model"}}]}` + "\n" +
		"data: " + `{"candidates":[{"content":{"parts":[{"functionCall":{"name":"b","args":{}}}],"role":"model"},"finishReason":"STOP"}]}` + "\n"

	resp, deltas := collectStream(t, sse)

	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.ToolCalls))
	}

	var indices []int
	for _, d := range deltas {
		if d.Type == loom.DeltaToolCall {
			indices = append(indices, d.Index)
		}
	}
	if len(indices) != 2 || indices[0] != 0 || indices[1] != 1 {
		t.Errorf("expected indices [0 1], got %v", indices)
	}
}

func TestConsumeSSE_MultiLineJSONBuffered(t *testing.T) {
	// A chunk split across SSE lines must be reassembled before parsing.
	sse := "data: " + `{"candidates":[{"content":` + "\n" +
		`{"parts":[{"text":"split"}],"role":"model"},"finishReason":"STOP"}]}` + "\n"

	resp, _ := collectStream(t, sse)

	if resp.Content != "split" {
		t.Errorf("expected buffered chunk to parse, got %q", resp.Content)
	}
}

func TestConsumeSSE_DefaultFinishReason(t *testing.T) {
	sse := "data: " + `{"candidates":[{"content":{"parts":[{"functionCall":{"name":"x","args":{}}}],"role":"model"}}]}` + "\n"
	resp, _ := collectStream(t, sse)
	if resp.FinishReason != "tool_calls" {
		t.Errorf("expected default finish reason 'tool_calls', got %q", resp.FinishReason)
	}

	sse = "data: " + `{"candidates":[{"content":{"parts":[{"text":"hi"}],"role":"model"}}]}` + "\n"
	resp, _ = collectStream(t, sse)
	if resp.FinishReason != "stop" {
		t.Errorf("expected default finish reason 'stop', got %q", resp.FinishReason)
	}
}

func TestChat_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if !strings.Contains(r.URL.Path, "models/gemini-2.5-flash:generateContent") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("expected api key in query, got %q", r.URL.Query().Get("key"))
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if _, ok := body["contents"]; !ok {
			t.Error("expected contents in request body")
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"Hi there"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2}}`)
	}))
	defer srv.Close()

	g := New("test-key", "gemini-2.5-flash", WithBaseURL(srv.URL))
	resp, err := g.Chat(context.Background(), loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.Content != "Hi there" {
		t.Errorf("expected 'Hi there', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 2 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestChatStream_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("expected alt=sse, got %q", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: "+`{"candidates":[{"content":{"parts":[{"text":"chunk one"}],"role":"model"}}]}`+"\r\n\r\n")
		fmt.Fprint(w, "data: "+`{"candidates":[{"content":{"parts":[{"text":", chunk two"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":6}}`+"\r\n\r\n")
	}))
	defer srv.Close()

	g := New("test-key", "gemini-2.5-flash", WithBaseURL(srv.URL))
	ch := make(chan loom.Delta, 16)
	resp, err := g.ChatStream(context.Background(), loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "Hello"}},
	}, ch)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}

	if resp.Content != "chunk one, chunk two" {
		t.Errorf("unexpected content: %q", resp.Content)
	}

	var deltas []loom.Delta
	for d := range ch {
		deltas = append(deltas, d)
	}
	var content int
	for _, d := range deltas {
		if d.Type == loom.DeltaContent {
			content++
		}
	}
	if content != 2 {
		t.Errorf("expected 2 content deltas, got %d", content)
	}
}

func TestChat_RateLimitRetryInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"13s"}]}}`)
	}))
	defer srv.Close()

	g := New("test-key", "gemini-2.5-flash", WithBaseURL(srv.URL))
	_, err := g.Chat(context.Background(), loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "Hello"}},
	})

	var errHTTP *loom.ErrHTTP
	if !errors.As(err, &errHTTP) {
		t.Fatalf("expected ErrHTTP, got %T: %v", err, err)
	}
	if errHTTP.Status != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", errHTTP.Status)
	}
	if errHTTP.RetryAfter != 13*time.Second {
		t.Errorf("expected RetryAfter 13s, got %v", errHTTP.RetryAfter)
	}
}

func TestChatStream_HTTPErrorClosesChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	g := New("test-key", "gemini-2.5-flash", WithBaseURL(srv.URL))
	ch := make(chan loom.Delta, 4)
	_, err := g.ChatStream(context.Background(), loom.ChatRequest{
		Messages: []loom.ChatMessage{{Role: "user", Content: "Hello"}},
	}, ch)

	var errHTTP *loom.ErrHTTP
	if !errors.As(err, &errHTTP) {
		t.Fatalf("expected ErrHTTP, got %T: %v", err, err)
	}
	if _, open := <-ch; open {
		t.Error("expected channel closed after error")
	}
}

func TestGemini_Name(t *testing.T) {
	if testGemini().Name() != "gemini" {
		t.Error("expected provider name 'gemini'")
	}
}

func TestGemini_ModelOverride(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}],"role":"model"},"finishReason":"STOP"}]}`)
	}))
	defer srv.Close()

	g := New("test-key", "gemini-2.5-flash", WithBaseURL(srv.URL))
	_, err := g.Chat(context.Background(), loom.ChatRequest{
		Model:    "gemini-2.5-pro",
		Messages: []loom.ChatMessage{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if !strings.Contains(gotPath, "gemini-2.5-pro") {
		t.Errorf("expected request model to override default, path: %s", gotPath)
	}
}

func TestEmbed_Single(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":embedContent") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["outputDimensionality"] != float64(4) {
			t.Errorf("expected outputDimensionality 4, got %v", body["outputDimensionality"])
		}
		fmt.Fprint(w, `{"embedding":{"values":[0.1,0.2,0.3,0.4]}}`)
	}))
	defer srv.Close()

	e := NewEmbedding("test-key", "gemini-embedding-001", 4, WithEmbeddingBaseURL(srv.URL))
	vecs, err := e.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != 4 {
		t.Fatalf("unexpected vectors: %v", vecs)
	}
	if vecs[0][0] != float32(0.1) {
		t.Errorf("unexpected first value: %v", vecs[0][0])
	}
}

func TestEmbed_Batch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":batchEmbedContents") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body struct {
			Requests []map[string]any `json:"requests"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(body.Requests) != 3 {
			t.Fatalf("expected 3 batched requests, got %d", len(body.Requests))
		}
		if body.Requests[0]["model"] != "models/gemini-embedding-001" {
			t.Errorf("expected fully-qualified model, got %v", body.Requests[0]["model"])
		}
		fmt.Fprint(w, `{"embeddings":[{"values":[1,0]},{"values":[0,1]},{"values":[1,1]}]}`)
	}))
	defer srv.Close()

	e := NewEmbedding("test-key", "gemini-embedding-001", 2, WithEmbeddingBaseURL(srv.URL))
	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	if vecs[2][0] != 1 || vecs[2][1] != 1 {
		t.Errorf("unexpected third vector: %v", vecs[2])
	}
}

func TestEmbed_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embeddings":[{"values":[1,0]}]}`)
	}))
	defer srv.Close()

	e := NewEmbedding("test-key", "gemini-embedding-001", 2, WithEmbeddingBaseURL(srv.URL))
	_, err := e.Embed(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("expected error on vector count mismatch")
	}
}

func TestEmbed_Empty(t *testing.T) {
	e := NewEmbedding("test-key", "gemini-embedding-001", 2)
	vecs, err := e.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if vecs != nil {
		t.Errorf("expected nil for empty input, got %v", vecs)
	}
}

func TestEmbed_Dimensions(t *testing.T) {
	e := NewEmbedding("test-key", "gemini-embedding-001", 768)
	if e.Dimensions() != 768 {
		t.Errorf("expected 768, got %d", e.Dimensions())
	}
	if e.Name() != "gemini" {
		t.Errorf("expected name 'gemini', got %q", e.Name())
	}
}
