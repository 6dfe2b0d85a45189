// Package memory implements the tiered memory collaborator: durable
// per-user facts extracted from conversations, rolling session
// summaries, and semantic matches against past exchanges. Storage
// backends plug in through FactStore and SummaryStore.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nevindra/loom"
)

// Fact is one durable user memory.
type Fact struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	Text       string  `json:"text"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// ScoredFact pairs a fact with its similarity to the recall query.
type ScoredFact struct {
	Fact  Fact
	Score float64
}

// FactStore persists durable user facts. UpsertFact merges with an
// existing near-duplicate instead of inserting when the backend can
// measure similarity.
type FactStore interface {
	UpsertFact(ctx context.Context, userID, text, category string, embedding []float32) error
	// SearchFacts returns the user's facts nearest to the query
	// embedding, best first.
	SearchFacts(ctx context.Context, userID string, embedding []float32, topK int) ([]ScoredFact, error)
	// TopFacts returns the user's highest-confidence facts, used when
	// no query embedding is available.
	TopFacts(ctx context.Context, userID string, limit int) ([]Fact, error)
	// DeleteMatchingFacts removes the user's facts whose text contains
	// pattern. Superseded facts go through here.
	DeleteMatchingFacts(ctx context.Context, userID, pattern string) error
	// DecayFacts ages confidence down and prunes stale low-confidence
	// facts. The janitor calls it periodically.
	DecayFacts(ctx context.Context) error

	Init(ctx context.Context) error
}

// SessionSummary is the rolling summary of one conversation.
type SessionSummary struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Summary   string `json:"summary"`
	Turns     int    `json:"turns"`
	UpdatedAt int64  `json:"updated_at"`
}

// SummaryStore persists one rolling summary per session.
type SummaryStore interface {
	GetSummary(ctx context.Context, sessionID string) (SessionSummary, bool, error)
	PutSummary(ctx context.Context, s SessionSummary) error
	// RecentSummaries returns the user's most recently updated session
	// summaries, newest first. Sessions without summary text yet are
	// skipped.
	RecentSummaries(ctx context.Context, userID string, limit int) ([]SessionSummary, error)
}

// Provider implements loom.MemoryProvider. Recall assembles the three
// tiers; Observe extracts facts from the finished exchange and rolls
// the session summary forward. All collaborators are optional: absent
// ones leave their tier empty.
type Provider struct {
	facts     FactStore
	summaries SummaryStore
	chats     loom.Searcher
	llm       loom.Provider
	embedder  loom.EmbeddingProvider
	logger    *slog.Logger

	model          string
	maxFacts       int
	maxMatches     int
	maxSummaries   int
	summarizeEvery int
}

var _ loom.MemoryProvider = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithFacts sets the durable fact backend.
func WithFacts(s FactStore) ProviderOption {
	return func(p *Provider) { p.facts = s }
}

// WithSummaries sets the rolling summary backend.
func WithSummaries(s SummaryStore) ProviderOption {
	return func(p *Provider) { p.summaries = s }
}

// WithChatMatches sets the searcher behind the semantic-match tier,
// typically the store's chat searcher.
func WithChatMatches(s loom.Searcher) ProviderOption {
	return func(p *Provider) { p.chats = s }
}

// WithEmbedder enables vector fact recall and semantic deduplication
// on write.
func WithEmbedder(e loom.EmbeddingProvider) ProviderOption {
	return func(p *Provider) { p.embedder = e }
}

// WithModel overrides the model used for extraction and summaries.
func WithModel(model string) ProviderOption {
	return func(p *Provider) { p.model = model }
}

// WithLogger sets the structured logger. Defaults to no output.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// New creates a memory provider. llm runs fact extraction and
// summarization; nil disables both write paths.
func New(llm loom.Provider, opts ...ProviderOption) *Provider {
	p := &Provider{
		llm:            llm,
		logger:         nopLogger,
		maxFacts:       10,
		maxMatches:     5,
		maxSummaries:   3,
		summarizeEvery: 4,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

// Recall assembles the memory tiers for prompt preparation.
func (p *Provider) Recall(ctx context.Context, userID, sessionID, query string) (loom.MemoryContext, error) {
	var mc loom.MemoryContext
	if userID == "" {
		return mc, nil
	}

	var queryEmb []float32
	if p.embedder != nil && query != "" {
		embs, err := p.embedder.Embed(ctx, []string{query})
		if err != nil {
			p.logger.Debug("recall embedding failed", "error", err)
		} else if len(embs) > 0 {
			queryEmb = embs[0]
		}
	}

	if p.facts != nil {
		mc.DomainKnowledge = p.recallFacts(ctx, userID, queryEmb)
	}
	if p.summaries != nil {
		sums, err := p.summaries.RecentSummaries(ctx, userID, p.maxSummaries)
		if err != nil {
			p.logger.Debug("summary recall failed", "error", err)
		}
		for _, s := range sums {
			// The active session's summary is already implied by the
			// replayed history.
			if s.SessionID == sessionID {
				continue
			}
			mc.ShortTermSummaries = append(mc.ShortTermSummaries, s.Summary)
		}
	}
	if p.chats != nil && query != "" {
		items, err := p.chats.Search(ctx, query, userID, p.maxMatches)
		if err != nil {
			p.logger.Debug("semantic match recall failed", "error", err)
		}
		for _, it := range items {
			mc.SemanticMatches = append(mc.SemanticMatches, it.Content)
		}
	}
	return mc, nil
}

func (p *Provider) recallFacts(ctx context.Context, userID string, queryEmb []float32) []string {
	var out []string
	if len(queryEmb) > 0 {
		scored, err := p.facts.SearchFacts(ctx, userID, queryEmb, p.maxFacts)
		if err != nil {
			p.logger.Debug("fact search failed", "error", err)
			return nil
		}
		for _, sf := range scored {
			out = append(out, renderFact(sf.Fact))
		}
		return out
	}
	facts, err := p.facts.TopFacts(ctx, userID, p.maxFacts)
	if err != nil {
		p.logger.Debug("fact load failed", "error", err)
		return nil
	}
	for _, f := range facts {
		out = append(out, renderFact(f))
	}
	return out
}

func renderFact(f Fact) string {
	if f.Category == "" {
		return f.Text
	}
	return fmt.Sprintf("%s [%s]", f.Text, f.Category)
}

// Observe feeds the finished exchange back into the tiers: fact
// extraction first, then the rolling summary. Both halves are
// best-effort and independent.
func (p *Provider) Observe(ctx context.Context, userID, sessionID, userText, assistantText string) error {
	if userID == "" || p.llm == nil {
		return nil
	}
	var firstErr error
	if p.facts != nil && ShouldExtract(userText) {
		if err := p.extractFacts(ctx, userID, userText, assistantText); err != nil {
			p.logger.Debug("fact extraction failed", "error", err)
			firstErr = err
		}
	}
	if p.summaries != nil && sessionID != "" {
		if err := p.rollSummary(ctx, userID, sessionID, userText, assistantText); err != nil {
			p.logger.Debug("summary update failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Provider) extractFacts(ctx context.Context, userID, userText, assistantText string) error {
	res, err := p.llm.Chat(ctx, loom.ChatRequest{
		Model: p.model,
		Messages: []loom.ChatMessage{
			{Role: "system", Content: ExtractFactsPrompt},
			{Role: "user", Content: renderExchange(userText, assistantText)},
		},
	})
	if err != nil {
		return fmt.Errorf("memory: extraction call: %w", err)
	}
	facts := ParseExtractedFacts(res.Content)
	if len(facts) == 0 {
		return nil
	}

	var embeddings [][]float32
	if p.embedder != nil {
		texts := make([]string, len(facts))
		for i, f := range facts {
			texts[i] = f.Fact
		}
		embeddings, err = p.embedder.Embed(ctx, texts)
		if err != nil {
			p.logger.Debug("fact embedding failed", "error", err)
			embeddings = nil
		}
	}

	for i, f := range facts {
		if f.Supersedes != nil && *f.Supersedes != "" {
			if err := p.facts.DeleteMatchingFacts(ctx, userID, *f.Supersedes); err != nil {
				p.logger.Debug("supersede delete failed", "error", err)
			}
		}
		var emb []float32
		if i < len(embeddings) {
			emb = embeddings[i]
		}
		if err := p.facts.UpsertFact(ctx, userID, f.Fact, f.Category, emb); err != nil {
			return fmt.Errorf("memory: upsert fact: %w", err)
		}
	}
	return nil
}

// rollSummary bumps the session turn counter and regenerates the
// rolling summary every summarizeEvery exchanges.
func (p *Provider) rollSummary(ctx context.Context, userID, sessionID, userText, assistantText string) error {
	cur, _, err := p.summaries.GetSummary(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("memory: load summary: %w", err)
	}
	cur.SessionID = sessionID
	cur.UserID = userID
	cur.Turns++
	cur.UpdatedAt = loom.NowUnixMilli()

	if cur.Turns%p.summarizeEvery == 0 {
		summary, err := p.summarize(ctx, cur.Summary, userText, assistantText)
		if err != nil {
			return err
		}
		if summary != "" {
			cur.Summary = summary
		}
	}
	return p.summaries.PutSummary(ctx, cur)
}

const summarizePrompt = `Condense the conversation state below into at most three sentences. Keep concrete facts, decisions, and open tasks. Write in third person, no preamble.`

func (p *Provider) summarize(ctx context.Context, previous, userText, assistantText string) (string, error) {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Summary so far: ")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString(renderExchange(userText, assistantText))

	res, err := p.llm.Chat(ctx, loom.ChatRequest{
		Model: p.model,
		Messages: []loom.ChatMessage{
			{Role: "system", Content: summarizePrompt},
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("memory: summary call: %w", err)
	}
	return strings.TrimSpace(res.Content), nil
}

func renderExchange(userText, assistantText string) string {
	return "User: " + userText + "\nAssistant: " + assistantText
}
