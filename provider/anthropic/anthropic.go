// Package anthropic implements the Anthropic Messages API chat provider.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	loom "github.com/nevindra/loom"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 8192

	// Extended thinking requires at least this budget.
	minThinkingBudget = 1024
)

// Anthropic implements loom.Provider for Claude models.
type Anthropic struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	temperature *float64
	maxTokens   int
}

// Option configures an Anthropic provider.
type Option func(*Anthropic)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(a *Anthropic) { a.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Anthropic) { a.httpClient = c }
}

// WithTemperature sets the default sampling temperature. A per-request
// temperature overrides it. Ignored while extended thinking is active.
func WithTemperature(t float64) Option {
	return func(a *Anthropic) { a.temperature = &t }
}

// WithMaxTokens sets the default max_tokens (default 8192).
func WithMaxTokens(n int) Option {
	return func(a *Anthropic) { a.maxTokens = n }
}

// WithLogger sets a structured logger for the provider.
func WithLogger(l *slog.Logger) Option {
	return func(a *Anthropic) { a.logger = l }
}

// New creates an Anthropic chat provider.
func New(apiKey, model string, opts ...Option) *Anthropic {
	a := &Anthropic{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
		maxTokens:  defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns "anthropic".
func (a *Anthropic) Name() string { return "anthropic" }

// Chat sends a non-streaming messages request and returns the complete
// response.
func (a *Anthropic) Chat(ctx context.Context, req loom.ChatRequest) (loom.ChatResponse, error) {
	body := a.buildBody(req)

	resp, err := a.send(ctx, body)
	if err != nil {
		return loom.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return loom.ChatResponse{}, httpErr(resp, string(b))
	}

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return loom.ChatResponse{}, a.wrapErr("decode response: " + err.Error())
	}
	return parseMessage(parsed), nil
}

// ChatStream streams normalized deltas into ch, then returns the final
// accumulated response. Thinking blocks arrive as reasoning deltas and
// tool arguments as input_json_delta fragments keyed by tool ordinal.
// The channel is closed before returning.
func (a *Anthropic) ChatStream(ctx context.Context, req loom.ChatRequest, ch chan<- loom.Delta) (loom.ChatResponse, error) {
	defer close(ch)

	body := a.buildBody(req)
	body.Stream = true

	resp, err := a.send(ctx, body)
	if err != nil {
		return loom.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return loom.ChatResponse{}, httpErr(resp, string(b))
	}

	return consumeSSE(ctx, resp.Body, ch)
}

func (a *Anthropic) send(ctx context.Context, body request) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, a.wrapErr("marshal request: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, a.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, a.wrapErr("request failed: " + err.Error())
	}
	return resp, nil
}

func (a *Anthropic) wrapErr(msg string) error {
	return &loom.ErrLLM{Provider: "anthropic", Message: msg}
}

func httpErr(resp *http.Response, body string) *loom.ErrHTTP {
	return &loom.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: loom.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// buildBody converts a normalized chat request into a Messages API
// body. System messages join into the system field, assistant tool
// calls become tool_use blocks, tool results become user tool_result
// blocks, and consecutive same-role turns merge (the API requires
// alternation).
func (a *Anthropic) buildBody(req loom.ChatRequest) request {
	var systemParts []string
	var msgs []message

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			systemParts = append(systemParts, m.Content)

		case len(m.ToolCalls) > 0:
			var blocks []contentBlock
			if tm := takeThinkingMeta(m.ToolCalls[0]); tm != nil {
				blocks = append(blocks, contentBlock{
					Type:      "thinking",
					Thinking:  tm.Thinking,
					Signature: tm.Signature,
				})
			}
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			msgs = append(msgs, message{Role: "assistant", Content: blocks})

		case m.Role == "tool":
			msgs = append(msgs, message{Role: "user", Content: []contentBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}}})

		default:
			var blocks []contentBlock
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, img := range m.Images {
				blocks = append(blocks, contentBlock{
					Type: "image",
					Source: &imageSource{
						Type:      "base64",
						MediaType: img.MimeType,
						Data:      img.Base64,
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			msgs = append(msgs, message{Role: m.Role, Content: blocks})
		}
	}

	body := request{
		Model:       a.modelFor(req),
		MaxTokens:   a.maxTokens,
		System:      strings.Join(systemParts, "\n\n"),
		Messages:    mergeAdjacent(msgs),
		Temperature: a.temperature,
	}
	if req.Temperature != nil {
		body.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}

	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		body.Tools = append(body.Tools, toolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	if len(req.Tools) > 0 {
		switch req.ToolChoice {
		case "", "auto":
			// API default.
		case "none":
			body.ToolChoice = &toolChoice{Type: "none"}
		case "required":
			body.ToolChoice = &toolChoice{Type: "any"}
		default:
			body.ToolChoice = &toolChoice{Type: "tool", Name: req.ToolChoice}
		}
	}

	if req.Thinking != nil && req.Thinking.Enabled {
		budget := req.Thinking.Budget
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		if body.MaxTokens <= budget {
			body.MaxTokens = budget + defaultMaxTokens
		}
		body.Thinking = &thinkingParam{Type: "enabled", BudgetTokens: budget}
		// Thinking requires default temperature.
		body.Temperature = nil
	}

	return body
}

func (a *Anthropic) modelFor(req loom.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return a.model
}

// takeThinkingMeta reads the replayable thinking block off a tool
// call's metadata, if present.
func takeThinkingMeta(tc loom.ToolCall) *thinkingMeta {
	if len(tc.Metadata) == 0 {
		return nil
	}
	var tm thinkingMeta
	if err := json.Unmarshal(tc.Metadata, &tm); err != nil {
		return nil
	}
	if tm.Signature == "" {
		return nil
	}
	return &tm
}

// mergeAdjacent folds consecutive same-role messages into one.
func mergeAdjacent(msgs []message) []message {
	if len(msgs) < 2 {
		return msgs
	}
	out := msgs[:1]
	for _, m := range msgs[1:] {
		last := &out[len(out)-1]
		if m.Role == last.Role {
			last.Content = append(last.Content, m.Content...)
			continue
		}
		out = append(out, m)
	}
	return out
}

// parseMessage converts a non-streaming response to the normalized form.
func parseMessage(parsed response) loom.ChatResponse {
	var out loom.ChatResponse
	var content, reasoning strings.Builder
	var signature string

	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
			signature = block.Signature
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, loom.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: block.Input,
			})
		}
	}
	out.Content = content.String()
	out.Reasoning = reasoning.String()
	attachThinkingMeta(out.ToolCalls, reasoning.String(), signature)

	out.Usage = loom.Usage{
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}
	out.FinishReason = mapStopReason(parsed.StopReason)
	if out.FinishReason == "" && len(out.ToolCalls) > 0 {
		out.FinishReason = "tool_calls"
	}
	return out
}

// attachThinkingMeta stores the thinking block on the first tool call
// so a later round can replay it.
func attachThinkingMeta(calls []loom.ToolCall, thinking, signature string) {
	if len(calls) == 0 || signature == "" {
		return
	}
	meta, err := json.Marshal(thinkingMeta{Thinking: thinking, Signature: signature})
	if err != nil {
		return
	}
	calls[0].Metadata = meta
}

// mapStopReason normalizes Messages API stop reasons.
func mapStopReason(sr string) string {
	switch sr {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return ""
	}
	return sr
}

// Compile-time interface assertion.
var _ loom.Provider = (*Anthropic)(nil)
