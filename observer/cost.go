package observer

import "strings"

// ModelPricing holds per-million-token USD pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing covers the models the router commonly selects.
// Deployments override or extend via [observer.pricing] in loom.toml.
var DefaultPricing = map[string]ModelPricing{
	// Gemini
	"gemini-2.0-flash":      {0.10, 0.40},
	"gemini-2.0-flash-lite": {0, 0},
	"gemini-2.5-flash":      {0.15, 0.60},
	"gemini-2.5-flash-lite": {0, 0},
	"gemini-2.5-pro":        {1.25, 10.00},
	"gemini-embedding-001":  {0, 0},

	// OpenAI
	"gpt-4o":       {2.50, 10.00},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4.1-nano": {0.10, 0.40},
	"o3-mini":      {1.10, 4.40},

	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-3-5":  {0.80, 4.00},
	"claude-opus-4":     {15.00, 75.00},
}

// CostCalculator turns token counts into USD.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator merges overrides on top of DefaultPricing.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for model, p := range DefaultPricing {
		merged[model] = p
	}
	for model, p := range overrides {
		merged[model] = p
	}
	return &CostCalculator{pricing: merged}
}

// Calculate returns the USD cost for one completion. Unknown models
// cost 0 rather than guessing.
func (c *CostCalculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.InputPerMillion +
		float64(outputTokens)/1e6*p.OutputPerMillion
}

// lookup resolves pricing, falling back to the longest known prefix so
// dated variants ("gpt-4.1-2025-04-14", "claude-opus-4-20250514")
// price like their base model. Exact entries always win, which keeps
// "gpt-4.1-mini" from matching the "gpt-4.1" row.
func (c *CostCalculator) lookup(model string) (ModelPricing, bool) {
	if p, ok := c.pricing[model]; ok {
		return p, true
	}
	var (
		best    ModelPricing
		bestLen int
	)
	for known, p := range c.pricing {
		if len(known) > bestLen && strings.HasPrefix(model, known+"-") {
			best, bestLen = p, len(known)
		}
	}
	return best, bestLen > 0
}
