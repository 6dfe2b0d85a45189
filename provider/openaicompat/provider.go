package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	loom "github.com/nevindra/loom"
)

// Provider implements loom.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) to handle body building, streaming, and response parsing.
//
// Works with OpenAI, OpenRouter, Groq, Together, DeepSeek, Mistral,
// Ollama, vLLM, LM Studio, Azure OpenAI, and any other backend that
// implements the chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	logger  *slog.Logger
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req loom.ChatRequest) (loom.ChatResponse, error) {
	body := BuildBody(p.withModel(req), p.opts...)
	return p.doRequest(ctx, body)
}

// ChatStream streams normalized deltas into ch, then returns the final
// accumulated response. The channel is closed when streaming completes
// (via StreamSSE) or on error.
func (p *Provider) ChatStream(ctx context.Context, req loom.ChatRequest, ch chan<- loom.Delta) (loom.ChatResponse, error) {
	body := BuildBody(p.withModel(req), p.opts...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return loom.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return loom.ChatResponse{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// withModel fills in the provider's configured model when the request
// leaves it empty.
func (p *Provider) withModel(req loom.ChatRequest) loom.ChatRequest {
	if req.Model == "" {
		req.Model = p.model
	}
	return req
}

// doRequest sends a non-streaming request and parses the response.
func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (loom.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return loom.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return loom.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return loom.ChatResponse{}, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return ParseResponse(chatResp)
}

// sendHTTP marshals the request body and sends it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry and
// failover classification. Parses the Retry-After header when present
// (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &loom.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: loom.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ loom.Provider = (*Provider)(nil)
