// Package gemini implements the Google Gemini chat and embedding
// providers over the generativelanguage REST API.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	loom "github.com/nevindra/loom"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements loom.Provider for Google Gemini models.
type Gemini struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	temperature     float64
	topP            float64
	mediaResolution string
	googleSearch    bool
	urlContext      bool
}

// New creates a Gemini chat provider with functional options.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:      apiKey,
		model:       model,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{},
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Chat sends a non-streaming generateContent request and returns the
// complete response.
func (g *Gemini) Chat(ctx context.Context, req loom.ChatRequest) (loom.ChatResponse, error) {
	body, err := g.buildBody(req)
	if err != nil {
		return loom.ChatResponse{}, g.wrapErr("build body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.modelFor(req), g.apiKey)
	respBody, err := g.post(ctx, url, body)
	if err != nil {
		return loom.ChatResponse{}, err
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return loom.ChatResponse{}, g.wrapErr("parse response: " + err.Error())
	}
	return parseGenerate(parsed), nil
}

// ChatStream streams normalized deltas into ch, then returns the final
// accumulated response. Thinking parts arrive as reasoning deltas,
// function calls as single complete tool-call deltas. The channel is
// closed before returning.
func (g *Gemini) ChatStream(ctx context.Context, req loom.ChatRequest, ch chan<- loom.Delta) (loom.ChatResponse, error) {
	defer close(ch)

	body, err := g.buildBody(req)
	if err != nil {
		return loom.ChatResponse{}, g.wrapErr("build body: " + err.Error())
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return loom.ChatResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, g.modelFor(req), g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return loom.ChatResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return loom.ChatResponse{}, g.wrapErr("stream request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return loom.ChatResponse{}, httpErr(resp, string(b))
	}

	return g.consumeSSE(ctx, resp.Body, ch)
}

// consumeSSE reads the alt=sse stream. Chunks can span SSE lines, so
// incomplete JSON is buffered until the braces balance.
func (g *Gemini) consumeSSE(ctx context.Context, body io.Reader, ch chan<- loom.Delta) (loom.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	st := &streamParse{ctx: ctx, ch: ch}
	var jsonBuf strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			if jsonBuf.Len() > 0 {
				jsonBuf.WriteString(line)
				if isCompleteJSON(jsonBuf.String()) {
					if err := st.apply(jsonBuf.String()); err != nil {
						return loom.ChatResponse{}, err
					}
					jsonBuf.Reset()
				}
			}
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}
		if isCompleteJSON(data) {
			if err := st.apply(data); err != nil {
				return loom.ChatResponse{}, err
			}
		} else {
			jsonBuf.Reset()
			jsonBuf.WriteString(data)
		}
	}
	if jsonBuf.Len() > 0 && isCompleteJSON(jsonBuf.String()) {
		if err := st.apply(jsonBuf.String()); err != nil {
			return loom.ChatResponse{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return loom.ChatResponse{}, g.wrapErr("read stream: " + err.Error())
	}

	return st.response(), nil
}

// streamParse accumulates one SSE stream into a final response while
// forwarding deltas.
type streamParse struct {
	ctx context.Context
	ch  chan<- loom.Delta

	content      strings.Builder
	reasoning    strings.Builder
	toolCalls    []loom.ToolCall
	usage        loom.Usage
	finishReason string
}

func (st *streamParse) emit(d loom.Delta) error {
	select {
	case st.ch <- d:
		return nil
	case <-st.ctx.Done():
		return st.ctx.Err()
	}
}

func (st *streamParse) apply(jsonStr string) error {
	var chunk generateResponse
	if err := json.Unmarshal([]byte(jsonStr), &chunk); err != nil {
		return nil // malformed chunks are skipped
	}

	if chunk.UsageMetadata != nil {
		st.usage.InputTokens = chunk.UsageMetadata.PromptTokenCount
		st.usage.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
		if err := st.emit(loom.Delta{Type: loom.DeltaUsage, Usage: &loom.Usage{
			InputTokens:  chunk.UsageMetadata.PromptTokenCount,
			OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
		}}); err != nil {
			return err
		}
	}
	if len(chunk.Candidates) == 0 {
		return nil
	}
	cand := chunk.Candidates[0]
	if cand.FinishReason != "" {
		st.finishReason = mapFinishReason(cand.FinishReason)
	}

	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			idx := len(st.toolCalls)
			tc := loom.ToolCall{
				// Gemini keys tool results by function name, so the
				// call id mirrors it for the round trip.
				ID:   part.FunctionCall.Name,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			}
			var meta json.RawMessage
			if part.ThoughtSignature != "" {
				meta, _ = json.Marshal(map[string]string{"thoughtSignature": part.ThoughtSignature})
				tc.Metadata = meta
			}
			st.toolCalls = append(st.toolCalls, tc)
			if err := st.emit(loom.Delta{
				Type:         loom.DeltaToolCall,
				Index:        idx,
				ID:           tc.ID,
				Name:         tc.Name,
				ArgsFragment: string(tc.Args),
				Metadata:     meta,
			}); err != nil {
				return err
			}

		case part.Thought && part.Text != nil:
			st.reasoning.WriteString(*part.Text)
			if err := st.emit(loom.Delta{Type: loom.DeltaReasoning, Text: *part.Text}); err != nil {
				return err
			}

		case part.Text != nil && *part.Text != "":
			st.content.WriteString(*part.Text)
			if err := st.emit(loom.Delta{Type: loom.DeltaContent, Text: *part.Text}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (st *streamParse) response() loom.ChatResponse {
	fr := st.finishReason
	if fr == "" {
		if len(st.toolCalls) > 0 {
			fr = "tool_calls"
		} else {
			fr = "stop"
		}
	}
	return loom.ChatResponse{
		Content:      st.content.String(),
		Reasoning:    st.reasoning.String(),
		ToolCalls:    st.toolCalls,
		Usage:        st.usage,
		FinishReason: fr,
	}
}

func (g *Gemini) modelFor(req loom.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return g.model
}

// post sends a JSON body and returns the raw response body, mapping
// non-2xx statuses to ErrHTTP.
func (g *Gemini) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, g.wrapErr("marshal body: " + err.Error())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, g.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, g.wrapErr("read response: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpErr(resp, string(respBody))
	}
	return respBody, nil
}

func (g *Gemini) wrapErr(msg string) error {
	return &loom.ErrLLM{Provider: "gemini", Message: msg}
}

// httpErr builds an ErrHTTP, extracting the retry delay from the
// Retry-After header or from the google.rpc.RetryInfo detail Gemini
// embeds in 429 bodies.
func httpErr(resp *http.Response, body string) *loom.ErrHTTP {
	ra := loom.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}
	return &loom.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: ra,
	}
}

// parseRetryInfo extracts retryDelay from a google.rpc.RetryInfo error
// detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// ---- Body builder ----

// buildBody constructs the generateContent request body. System
// messages join into systemInstruction, assistant tool calls become
// model functionCall parts (with thought signatures restored), and tool
// results become user functionResponse parts.
func (g *Gemini) buildBody(req loom.ChatRequest) (map[string]any, error) {
	var systemParts []string
	var contents []map[string]any

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			systemParts = append(systemParts, m.Content)

		case len(m.ToolCalls) > 0:
			parts := make([]map[string]any, 0, len(m.ToolCalls))
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &args); err != nil {
						args = map[string]any{}
					}
				} else {
					args = map[string]any{}
				}
				part := map[string]any{
					"functionCall": map[string]any{
						"name": tc.Name,
						"args": args,
					},
				}
				if len(tc.Metadata) > 0 {
					var meta map[string]any
					if err := json.Unmarshal(tc.Metadata, &meta); err == nil {
						if sig, ok := meta["thoughtSignature"]; ok {
							part["thoughtSignature"] = sig
						}
					}
				}
				parts = append(parts, part)
			}
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": parts,
			})

		case m.Role == "tool":
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{
					{
						"functionResponse": map[string]any{
							"name": m.ToolCallID,
							"response": map[string]any{
								"result": m.Content,
							},
						},
					},
				},
			})

		default:
			var parts []map[string]any
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{
						"mimeType": img.MimeType,
						"data":     img.Base64,
					},
				})
			}
			// Gemini requires at least one part.
			if len(parts) == 0 {
				parts = append(parts, map[string]any{"text": ""})
			}
			contents = append(contents, map[string]any{
				"role":  mapRole(m.Role),
				"parts": parts,
			})
		}
	}

	body := map[string]any{
		"contents": contents,
	}

	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{
				{"text": strings.Join(systemParts, "\n\n")},
			},
		}
	}

	var toolEntries []map[string]any
	if len(req.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &params); err != nil {
					params = map[string]any{}
				}
			} else {
				params = map[string]any{}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		toolEntries = append(toolEntries, map[string]any{
			"functionDeclarations": declarations,
		})
	}
	if g.googleSearch {
		toolEntries = append(toolEntries, map[string]any{"googleSearch": map[string]any{}})
	}
	if g.urlContext {
		toolEntries = append(toolEntries, map[string]any{"urlContext": map[string]any{}})
	}
	if len(toolEntries) > 0 {
		body["tools"] = toolEntries
	}

	if tc := buildToolConfig(req); tc != nil {
		body["toolConfig"] = tc
	}

	genConfig := map[string]any{
		"temperature": g.temperature,
		"topP":        g.topP,
	}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if g.mediaResolution != "" {
		genConfig["mediaResolution"] = g.mediaResolution
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		budget := req.Thinking.Budget
		if budget <= 0 {
			budget = -1 // dynamic
		}
		genConfig["thinkingConfig"] = map[string]any{
			"thinkingBudget":  budget,
			"includeThoughts": true,
		}
	}
	body["generationConfig"] = genConfig

	return body, nil
}

// buildToolConfig maps the tool-choice string: "auto" and "" follow the
// API default, "none" disables calling, anything else forces the named
// function.
func buildToolConfig(req loom.ChatRequest) map[string]any {
	if len(req.Tools) == 0 {
		// No declarations this turn; make sure the model does not invent calls.
		return map[string]any{
			"functionCallingConfig": map[string]any{"mode": "NONE"},
		}
	}
	switch req.ToolChoice {
	case "", "auto":
		return nil
	case "none":
		return map[string]any{
			"functionCallingConfig": map[string]any{"mode": "NONE"},
		}
	case "required":
		return map[string]any{
			"functionCallingConfig": map[string]any{"mode": "ANY"},
		}
	}
	return map[string]any{
		"functionCallingConfig": map[string]any{
			"mode":                 "ANY",
			"allowedFunctionNames": []string{req.ToolChoice},
		},
	}
}

// mapRole converts standard roles to Gemini API roles.
func mapRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return role
}

// ---- Response parsing ----

type generateResponse struct {
	Candidates    []candidate  `json:"candidates"`
	UsageMetadata *usageCounts `json:"usageMetadata"`
}

type candidate struct {
	Content      candidateContent `json:"content"`
	FinishReason string           `json:"finishReason,omitempty"`
}

type candidateContent struct {
	Parts []responsePart `json:"parts"`
	Role  string         `json:"role"`
}

type responsePart struct {
	Text             *string       `json:"text,omitempty"`
	FunctionCall     *functionCall `json:"functionCall,omitempty"`
	Thought          bool          `json:"thought,omitempty"`
	ThoughtSignature string        `json:"thoughtSignature,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type usageCounts struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func parseGenerate(parsed generateResponse) loom.ChatResponse {
	var out loom.ChatResponse
	if len(parsed.Candidates) > 0 {
		cand := parsed.Candidates[0]
		out.FinishReason = mapFinishReason(cand.FinishReason)
		var content, reasoning strings.Builder
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				tc := loom.ToolCall{
					ID:   part.FunctionCall.Name,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				}
				if part.ThoughtSignature != "" {
					meta, _ := json.Marshal(map[string]string{"thoughtSignature": part.ThoughtSignature})
					tc.Metadata = meta
				}
				out.ToolCalls = append(out.ToolCalls, tc)
			case part.Thought && part.Text != nil:
				reasoning.WriteString(*part.Text)
			case part.Text != nil:
				content.WriteString(*part.Text)
			}
		}
		out.Content = content.String()
		out.Reasoning = reasoning.String()
	}
	if parsed.UsageMetadata != nil {
		out.Usage = loom.Usage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		}
	}
	if out.FinishReason == "" && len(out.ToolCalls) > 0 {
		out.FinishReason = "tool_calls"
	}
	return out
}

// mapFinishReason normalizes Gemini finish reasons onto the shared
// vocabulary.
func mapFinishReason(fr string) string {
	switch fr {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "":
		return ""
	}
	return strings.ToLower(fr)
}

// isCompleteJSON checks whether a string has balanced braces/brackets,
// indicating it is a complete JSON value.
func isCompleteJSON(s string) bool {
	depth := 0
	inString := false
	escape := false

	for _, ch := range s {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' && inString {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}

// Compile-time interface assertion.
var _ loom.Provider = (*Gemini)(nil)
