package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	loom "github.com/nevindra/loom"
)

// StreamSSE reads an SSE stream from body, sends normalized deltas to ch,
// and returns the fully accumulated response (content + reasoning + tool
// calls + usage).
//
// The channel is closed when streaming completes. Callers read from ch in
// a separate goroutine; the context cancels channel sends when the
// consumer is gone.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- loom.Delta) (loom.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content, reasoning strings.Builder
	var usage loom.Usage
	var finishReason string

	// Tool calls stream incrementally: each chunk addresses a slot by
	// index and arguments arrive as string fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	emit := func(d loom.Delta) error {
		select {
		case ch <- d:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		// Usage may arrive in a trailing choice-less chunk.
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			if err := emit(loom.Delta{Type: loom.DeltaUsage, Usage: &loom.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}}); err != nil {
				return loom.ChatResponse{}, err
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		if fr := chunk.Choices[0].FinishReason; fr != "" {
			finishReason = fr
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.ReasoningContent != "" {
			reasoning.WriteString(delta.ReasoningContent)
			if err := emit(loom.Delta{Type: loom.DeltaReasoning, Text: delta.ReasoningContent}); err != nil {
				return loom.ChatResponse{}, err
			}
		}

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if err := emit(loom.Delta{Type: loom.DeltaContent, Text: delta.Content}); err != nil {
				return loom.ChatResponse{}, err
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
			if err := emit(loom.Delta{
				Type:         loom.DeltaToolCall,
				Index:        idx,
				ID:           tc.ID,
				Name:         tc.Function.Name,
				ArgsFragment: tc.Function.Arguments,
			}); err != nil {
				return loom.ChatResponse{}, err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return loom.ChatResponse{}, err
	}

	// Assemble final tool calls.
	var calls []loom.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, loom.ToolCall{
			ID:   tc.ID,
			Name: tc.Name,
			Args: args,
		})
	}

	return loom.ChatResponse{
		Content:      content.String(),
		Reasoning:    reasoning.String(),
		ToolCalls:    calls,
		Usage:        usage,
		FinishReason: finishReason,
	}, nil
}
