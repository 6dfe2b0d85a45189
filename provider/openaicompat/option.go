package openaicompat

// Option configures an OpenAI-compatible chat request.
type Option func(*ChatRequest)

// WithTemperature sets the sampling temperature (0.0–2.0).
func WithTemperature(t float64) Option {
	return func(r *ChatRequest) { r.Temperature = &t }
}

// WithTopP sets nucleus sampling top-p (0.0–1.0).
func WithTopP(p float64) Option {
	return func(r *ChatRequest) { r.TopP = &p }
}

// WithMaxTokens sets the maximum number of output tokens.
func WithMaxTokens(n int) Option {
	return func(r *ChatRequest) { r.MaxTokens = n }
}

// WithStop sets one or more stop sequences.
func WithStop(s ...string) Option {
	return func(r *ChatRequest) { r.Stop = s }
}

// WithSeed sets a deterministic seed for reproducible outputs.
func WithSeed(s int) Option {
	return func(r *ChatRequest) { r.Seed = &s }
}

// WithJSONObject asks the model to emit a single JSON object. Used by
// callers that parse structured output (memory extraction, routing).
func WithJSONObject() Option {
	return func(r *ChatRequest) { r.ResponseFormat = &ResponseFormat{Type: "json_object"} }
}

// WithReasoningEffort overrides the reasoning effort ("low", "medium",
// "high") for o-series models.
func WithReasoningEffort(effort string) Option {
	return func(r *ChatRequest) { r.ReasoningEffort = effort }
}

// WithToolChoice controls how the model selects tools. Accepts "none",
// "auto", "required", or a ForcedToolChoice naming one function.
func WithToolChoice(choice any) Option {
	return func(r *ChatRequest) { r.ToolChoice = choice }
}
