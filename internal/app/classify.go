package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	loom "github.com/nevindra/loom"
)

// complexitySystemPrompt asks the utility model to grade a message so
// simple queries can route to the cheap local model.
const complexitySystemPrompt = `You are a query complexity grader for a chat pipeline. Grade the user message into exactly one of two levels.

Return a JSON object with a single "complexity" field:

1. **simple** - Greetings, small talk, single-fact questions, short translations, rephrasing, or anything a small local model answers well. Examples: "hi", "what's the capital of France?", "translate this to Spanish", "thanks!".
   Return: ` + "`{\"complexity\":\"simple\"}`" + `

2. **complex** - Multi-step reasoning, coding, analysis, long-form writing, anything referencing tools, infrastructure, accounts, or documents, or anything where a wrong answer is costly.
   Return: ` + "`{\"complexity\":\"complex\"}`" + `

## Rules
- If in doubt, prefer complex.
- Respond with ONLY the JSON object, no extra text.`

// pureChatSystemPrompt asks whether the message needs tools at all.
const pureChatSystemPrompt = `You are a dispatch classifier for a chat pipeline with tools. Decide whether the user message is pure conversation the model can answer from its own knowledge, or whether it may need tools (search, infrastructure lookups, code execution, scheduled work).

Return a JSON object with a single boolean "pureChat" field:
- Conversation, opinions, explanations, general knowledge: ` + "`{\"pureChat\":true}`" + `
- Anything mentioning live data, the user's accounts or resources, current events, files, or an operation to perform: ` + "`{\"pureChat\":false}`" + `

## Rules
- If in doubt, prefer false.
- Respond with ONLY the JSON object, no extra text.`

// Classifier answers the router's two LLM-backed questions with one
// cheap utility model: whether a message is simple enough for the
// local model, and whether it is pure chat needing no tools. It
// implements loom.TaskAnalyzer and loom.ChatClassifier.
type Classifier struct {
	llm         loom.Provider
	model       string
	simpleModel string
	log         *slog.Logger
}

// NewClassifier builds a Classifier. model is the grading LLM;
// simpleModel is what SuggestModel returns for simple queries.
func NewClassifier(llm loom.Provider, model, simpleModel string, log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Classifier{llm: llm, model: model, simpleModel: simpleModel, log: log}
}

// SuggestModel implements loom.TaskAnalyzer. A simple grade suggests
// the configured local model; anything else suggests nothing, which
// lets the router fall through to its normal precedence.
func (c *Classifier) SuggestModel(ctx context.Context, message string) (string, string, error) {
	resp, err := c.llm.Chat(ctx, loom.ChatRequest{
		Model: c.model,
		Messages: []loom.ChatMessage{
			loom.SystemMessage(complexitySystemPrompt),
			loom.UserMessage(message),
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("complexity grade: %w", err)
	}
	if parseComplexity(resp.Content) == "simple" {
		return c.simpleModel, "simple query", nil
	}
	return "", "", nil
}

// IsPureChat implements loom.ChatClassifier. Failures report not-pure:
// entering the tool loop needlessly is cheaper than missing a tool
// call.
func (c *Classifier) IsPureChat(ctx context.Context, message string) (bool, error) {
	resp, err := c.llm.Chat(ctx, loom.ChatRequest{
		Model: c.model,
		Messages: []loom.ChatMessage{
			loom.SystemMessage(pureChatSystemPrompt),
			loom.UserMessage(message),
		},
	})
	if err != nil {
		return false, fmt.Errorf("pure-chat grade: %w", err)
	}
	return parsePureChat(resp.Content), nil
}

// parseComplexity reads the grader's JSON. Anything unparseable grades
// complex.
func parseComplexity(response string) string {
	var parsed struct {
		Complexity string `json:"complexity"`
	}
	if err := json.Unmarshal([]byte(extractJSON(response)), &parsed); err != nil {
		return "complex"
	}
	if parsed.Complexity == "simple" {
		return "simple"
	}
	return "complex"
}

// parsePureChat reads the dispatch JSON. Unparseable means not pure.
func parsePureChat(response string) bool {
	var parsed struct {
		PureChat bool `json:"pureChat"`
	}
	if err := json.Unmarshal([]byte(extractJSON(response)), &parsed); err != nil {
		return false
	}
	return parsed.PureChat
}

// extractJSON finds the first JSON object in a model response,
// tolerating markdown code fences and surrounding prose.
func extractJSON(input string) string {
	trimmed := strings.TrimSpace(input)

	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}
