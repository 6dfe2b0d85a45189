package loom

import (
	"context"
	"encoding/json"
)

// DeltaType identifies the kind of a normalized stream delta.
type DeltaType string

const (
	// DeltaContent carries a final-text chunk.
	DeltaContent DeltaType = "content"
	// DeltaReasoning carries a reasoning/thinking chunk.
	DeltaReasoning DeltaType = "reasoning"
	// DeltaToolCall carries a sparse tool-call fragment.
	DeltaToolCall DeltaType = "tool_call"
	// DeltaUsage carries token accounting, usually once near the end.
	DeltaUsage DeltaType = "usage"
)

// Delta is one normalized event from a provider stream. Every provider
// remaps its wire dialect onto this shape so the completion stage
// parses exactly one.
type Delta struct {
	Type DeltaType

	// Text chunk for content and reasoning deltas.
	Text string

	// Tool-call fragment. Index addresses the accumulator slot; ID and
	// Name arrive once; ArgsFragment concatenates across deltas.
	Index        int
	ID           string
	Name         string
	ArgsFragment string
	// Metadata carries provider extras that must survive the round trip
	// (e.g. Gemini thought signatures).
	Metadata json.RawMessage

	Usage *Usage
}

// ChatRequest is the provider-facing request.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Tools       []ToolDefinition
	ToolChoice  string // "", "auto", or a tool name to force
	Temperature *float64
	MaxTokens   int
	Thinking    *ThinkingConfig
}

// ThinkingConfig enables provider-native reasoning. Budget is in
// tokens; effort-based APIs map it through Effort instead.
type ThinkingConfig struct {
	Enabled bool
	Budget  int
	Effort  string // "low", "medium", "high"
}

type ChatResponse struct {
	Content      string     `json:"content"`
	Reasoning    string     `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// Provider abstracts one LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream sends normalized deltas into ch, then returns the final
	// response with usage stats. ch is closed before returning.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- Delta) (ChatResponse, error)
	// Name returns the provider name (e.g. "gemini", "anthropic").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
