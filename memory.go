package loom

import (
	"context"
	"strings"
)

// MemoryContext is what the memory collaborator contributes to prompt
// preparation: rolling summaries, durable domain facts, and semantic
// matches against past conversations. The completion stage treats it
// as opaque additions to the system context.
type MemoryContext struct {
	ShortTermSummaries []string `json:"short_term_summaries,omitempty"`
	DomainKnowledge    []string `json:"domain_knowledge,omitempty"`
	SemanticMatches    []string `json:"semantic_matches,omitempty"`
}

func (m *MemoryContext) Empty() bool {
	return m == nil ||
		len(m.ShortTermSummaries) == 0 &&
			len(m.DomainKnowledge) == 0 &&
			len(m.SemanticMatches) == 0
}

// Render flattens the tiers into a prompt block. Empty tiers are
// omitted.
func (m *MemoryContext) Render() string {
	if m.Empty() {
		return ""
	}
	var b strings.Builder
	writeTier := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(title)
		b.WriteString(":\n")
		for _, it := range items {
			b.WriteString("- ")
			b.WriteString(it)
			b.WriteString("\n")
		}
	}
	writeTier("Recent conversation summaries", m.ShortTermSummaries)
	writeTier("Known facts", m.DomainKnowledge)
	writeTier("Related past discussions", m.SemanticMatches)
	return b.String()
}

// MemoryProvider supplies tiered memories for prompt preparation.
// Failures are logged by the pipeline and treated as an empty result.
type MemoryProvider interface {
	Recall(ctx context.Context, userID, sessionID, query string) (MemoryContext, error)
	// Observe feeds a finished exchange back so the provider can update
	// its tiers. Best-effort.
	Observe(ctx context.Context, userID, sessionID string, userText, assistantText string) error
}
