package loom

import (
	"encoding/json"
	"strings"
)

// Tool is one entry of the per-turn inventory. SanitizedName is what
// the model sees; OriginalName is what the tool-proxy expects.
type Tool struct {
	ServerID      string          `json:"server_id"`
	OriginalName  string          `json:"original_name"`
	SanitizedName string          `json:"sanitized_name"`
	Description   string          `json:"description,omitempty"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
}

// Definition renders the model-facing declaration.
func (t Tool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.SanitizedName,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// ToolDefinitions renders the declarations for a tool list, preserving
// order.
func ToolDefinitions(tools []Tool) []ToolDefinition {
	defs := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = t.Definition()
	}
	return defs
}

// NormalizeToolName lowercases, maps '-' to '_' and strips everything
// outside [a-z0-9_]. Both sanitization and fuzzy resolution use it.
func NormalizeToolName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-':
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ResolveToolName maps a model-emitted name to an inventoried tool.
// Models routinely invent near-miss names, so after the exact match it
// tries normalized equality, substring containment and token overlap.
// The best candidate scoring above 0.3 wins; ties break lexicographically
// by sanitized name. ok is false when nothing qualifies and the caller
// should pass the invented name through to fail loudly downstream.
func ResolveToolName(tools []Tool, name string) (Tool, bool) {
	for _, t := range tools {
		if t.SanitizedName == name || t.OriginalName == name {
			return t, true
		}
	}

	norm := NormalizeToolName(name)
	if norm != "" {
		for _, t := range tools {
			if NormalizeToolName(t.SanitizedName) == norm || NormalizeToolName(t.OriginalName) == norm {
				return t, true
			}
		}
	}

	var (
		best      Tool
		bestScore float64
	)
	for _, t := range tools {
		score := fuzzyToolScore(norm, NormalizeToolName(t.SanitizedName))
		if s := fuzzyToolScore(norm, NormalizeToolName(t.OriginalName)); s > score {
			score = s
		}
		if score > bestScore || (score == bestScore && score > 0 && t.SanitizedName < best.SanitizedName) {
			best, bestScore = t, score
		}
	}
	if bestScore > 0.3 {
		return best, true
	}
	return Tool{}, false
}

// ResolveCall resolves one model-emitted call. Unknown names pass
// through unchanged so the downstream error names the tool the model
// asked for.
func ResolveCall(tools []Tool, call ToolCall) ResolvedToolCall {
	if t, ok := ResolveToolName(tools, call.Name); ok {
		return ResolvedToolCall{
			ID:             call.ID,
			ServerID:       t.ServerID,
			OriginalName:   t.OriginalName,
			NormalizedName: t.SanitizedName,
			Args:           call.Args,
		}
	}
	return ResolvedToolCall{
		ID:             call.ID,
		OriginalName:   call.Name,
		NormalizedName: call.Name,
		Args:           call.Args,
	}
}

// fuzzyToolScore combines substring containment (scored by length
// ratio) with token-overlap similarity (counted only at >= 0.5).
func fuzzyToolScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	var score float64
	if strings.Contains(a, b) || strings.Contains(b, a) {
		shorter, longer := len(a), len(b)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		score = float64(shorter) / float64(longer)
	}
	if s := tokenOverlap(a, b); s >= 0.5 && s > score {
		score = s
	}
	return score
}

// tokenOverlap is the Jaccard similarity of '_'-separated tokens.
func tokenOverlap(a, b string) float64 {
	at := strings.Split(a, "_")
	bt := strings.Split(b, "_")
	set := make(map[string]bool, len(at))
	for _, t := range at {
		if t != "" {
			set[t] = true
		}
	}
	if len(set) == 0 {
		return 0
	}
	union := len(set)
	shared := 0
	seen := make(map[string]bool, len(bt))
	for _, t := range bt {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			shared++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
