package openaicompat

import (
	"encoding/json"

	loom "github.com/nevindra/loom"
)

// ParseResponse converts an OpenAI-format ChatResponse to a loom
// ChatResponse. It extracts content, reasoning, tool calls, and usage
// from choices[0].
func ParseResponse(resp ChatResponse) (loom.ChatResponse, error) {
	var out loom.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	out.FinishReason = choice.FinishReason
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.Reasoning = choice.Message.ReasoningContent
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = loom.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to loom ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid fragments
// degrade to an empty object so the tool loop can still resolve the name.
func ParseToolCalls(tcs []ToolCallRequest) []loom.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]loom.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, loom.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
