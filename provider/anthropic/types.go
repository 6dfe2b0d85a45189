package anthropic

import "encoding/json"

// request is the Messages API request body.
type request struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	System      string         `json:"system,omitempty"`
	Messages    []message      `json:"messages"`
	Tools       []toolDef      `json:"tools,omitempty"`
	ToolChoice  *toolChoice    `json:"tool_choice,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Thinking    *thinkingParam `json:"thinking,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// contentBlock covers every block shape the Messages API sends or
// accepts: text, image, tool_use, tool_result, and thinking.
type contentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *imageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type toolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type thinkingParam struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// response is the non-streaming Messages API response.
type response struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// streamEvent is one SSE data payload. The type field discriminates;
// unused fields stay zero.
type streamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	Message      *response     `json:"message,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *eventDelta   `json:"delta,omitempty"`
	Usage        *usage        `json:"usage,omitempty"`
}

type eventDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Signature   string `json:"signature,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// thinkingMeta rides on the first tool call of a turn so the thinking
// block can be replayed on the next round, which the API requires when
// extended thinking and tool use are combined.
type thinkingMeta struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature"`
}
