package openaicompat

import (
	"encoding/json"
	"fmt"

	loom "github.com/nevindra/loom"
)

// BuildBody converts a loom ChatRequest into the OpenAI wire format.
// System messages stay in the messages array as role:"system". Options
// apply last, so they override the request-derived fields.
func BuildBody(req loom.ChatRequest, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			msgs = append(msgs, Message{
				Role:    "system",
				Content: m.Content,
			})

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			// Assistant turn carrying tool calls.
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msg := Message{
				Role:      "assistant",
				ToolCalls: tcs,
			}
			if m.Content != "" {
				msg.Content = m.Content
			}
			msgs = append(msgs, msg)

		case m.Role == "tool":
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			if len(m.Images) > 0 {
				// Multimodal: text block plus one image_url block per image.
				var blocks []ContentBlock
				if m.Content != "" {
					blocks = append(blocks, ContentBlock{
						Type: "text",
						Text: m.Content,
					})
				}
				for _, img := range m.Images {
					blocks = append(blocks, ContentBlock{
						Type: "image_url",
						ImageURL: &ImageURL{
							URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64),
						},
					})
				}
				msgs = append(msgs, Message{
					Role:    m.Role,
					Content: blocks,
				})
			} else {
				msgs = append(msgs, Message{
					Role:    m.Role,
					Content: m.Content,
				})
			}
		}
	}

	body := ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if len(req.Tools) > 0 {
		body.Tools = BuildToolDefs(req.Tools)
		body.ToolChoice = buildToolChoice(req.ToolChoice)
	}

	// Reasoning models take a discrete effort level instead of a token
	// budget; the router has already mapped one onto the other.
	if req.Thinking != nil && req.Thinking.Enabled && req.Thinking.Effort != "" {
		body.ReasoningEffort = req.Thinking.Effort
	}

	for _, opt := range opts {
		opt(&body)
	}

	return body
}

// BuildToolDefs converts loom ToolDefinitions to OpenAI tool format.
func BuildToolDefs(tools []loom.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// buildToolChoice maps the loom tool-choice string onto the wire shape:
// "" and "auto" pass through as the string forms, anything else forces
// the named function.
func buildToolChoice(choice string) any {
	switch choice {
	case "":
		return nil
	case "auto", "none", "required":
		return choice
	}
	return ForcedToolChoice{
		Type:     "function",
		Function: FunctionName{Name: choice},
	}
}
