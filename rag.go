package loom

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// DocSearcher searches documentation collections.
type DocSearcher interface {
	SearchDocs(ctx context.Context, query string, collections []string, limit int) ([]KnowledgeItem, error)
}

// Document is an ingested knowledge source. Collection groups
// documents into the searchable sets named by RAGConfig.Collections.
type Document struct {
	ID         string `json:"id"`
	Collection string `json:"collection,omitempty"`
	Title      string `json:"title"`
	Source     string `json:"source"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"created_at"`
}

// Chunk is one embeddable slice of a document.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Index      int            `json:"index"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DocStore persists ingested documents with their chunks. Re-storing a
// document replaces its chunk set.
type DocStore interface {
	StoreDocument(ctx context.Context, doc Document, chunks []Chunk) error
	DeleteDocument(ctx context.Context, id string) error
}

// RAGConfig carries the retrieval budgets and thresholds.
type RAGConfig struct {
	// Enabled is the deployment default; requests may override it.
	Enabled bool
	// MaxDocs is the documentation budget. Non-admins get half.
	MaxDocs int
	// MaxChats caps prior-conversation results.
	MaxChats int
	// MaxArtifacts caps user-artifact results.
	MaxArtifacts int
	// MinRelevance drops results scored below it. Default 0.3.
	MinRelevance float64
	// EnableArtifactSearch gates the artifact source.
	EnableArtifactSearch bool
	// Collections names the documentation collections searched.
	Collections []string
	// Timeout bounds the whole fan-out. Default 10s.
	Timeout time.Duration
}

// RAGStage fans out to the configured knowledge sources and attaches
// whatever came back to the pipeline context. Sub-queries fail
// independently; the stage itself never fails the request.
type RAGStage struct {
	cfg       RAGConfig
	docs      DocSearcher
	chats     Searcher
	artifacts Searcher
	logger    *slog.Logger
}

// RAGOption configures a RAGStage.
type RAGOption func(*RAGStage)

// RAGDocs sets the documentation backend.
func RAGDocs(d DocSearcher) RAGOption {
	return func(s *RAGStage) { s.docs = d }
}

// RAGChats sets the prior-conversation backend.
func RAGChats(c Searcher) RAGOption {
	return func(s *RAGStage) { s.chats = c }
}

// RAGArtifacts sets the user-artifact backend.
func RAGArtifacts(a Searcher) RAGOption {
	return func(s *RAGStage) { s.artifacts = a }
}

// RAGStageLogger sets the structured logger. Defaults to no output.
func RAGStageLogger(l *slog.Logger) RAGOption {
	return func(s *RAGStage) { s.logger = l }
}

func NewRAGStage(cfg RAGConfig, opts ...RAGOption) *RAGStage {
	if cfg.MaxDocs <= 0 {
		cfg.MaxDocs = 10
	}
	if cfg.MaxChats <= 0 {
		cfg.MaxChats = 5
	}
	if cfg.MaxArtifacts <= 0 {
		cfg.MaxArtifacts = 5
	}
	if cfg.MinRelevance <= 0 {
		cfg.MinRelevance = 0.3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &RAGStage{cfg: cfg, logger: nopLogger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run retrieves knowledge for the request message and sets pc.RAG.
// Disabled or backend-less deployments skip quietly.
func (s *RAGStage) Run(ctx context.Context, pc *PipelineContext, sink Sink) error {
	enabled := s.cfg.Enabled
	if pc.Request.Config.EnableRAG != nil {
		enabled = *pc.Request.Config.EnableRAG
	}
	if !enabled {
		s.logger.Debug("retrieval disabled for request")
		return nil
	}
	if s.docs == nil && s.chats == nil && s.artifacts == nil {
		s.logger.Debug("no retrieval backends configured, skipping")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	query := pc.Request.Message
	user := pc.User
	start := time.Now()

	docBudget := s.cfg.MaxDocs
	if !user.IsAdmin {
		docBudget = max(1, docBudget/2)
	}
	// Admins search across all users' conversations.
	chatUser := user.ID
	if user.IsAdmin {
		chatUser = ""
	}

	var (
		wg        sync.WaitGroup
		docs      []KnowledgeItem
		chats     []KnowledgeItem
		artifacts []KnowledgeItem
	)
	if s.docs != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.docs.SearchDocs(ctx, query, s.cfg.Collections, docBudget)
			if err != nil {
				s.logger.Warn("doc retrieval failed", "error", err)
				return
			}
			docs = res
		}()
	}
	if s.chats != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.chats.Search(ctx, query, chatUser, s.cfg.MaxChats)
			if err != nil {
				s.logger.Warn("chat retrieval failed", "error", err)
				return
			}
			chats = res
		}()
	}
	if s.artifacts != nil && s.cfg.EnableArtifactSearch && user.ID != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.artifacts.Search(ctx, query, user.ID, s.cfg.MaxArtifacts)
			if err != nil {
				s.logger.Warn("artifact retrieval failed", "error", err)
				return
			}
			artifacts = res
		}()
	}
	wg.Wait()

	rk := &RetrievedKnowledge{
		Docs:        rankAndFilter(docs, docBudget, s.cfg.MinRelevance),
		Chats:       rankAndFilter(chats, s.cfg.MaxChats, s.cfg.MinRelevance),
		Artifacts:   rankAndFilter(artifacts, s.cfg.MaxArtifacts, s.cfg.MinRelevance),
		RetrievalMs: time.Since(start).Milliseconds(),
		Collections: s.cfg.Collections,
	}
	if rk.Empty() {
		pc.RAG = nil
		return nil
	}
	pc.RAG = rk

	sink.Emit(Event{Type: EventRAGStatus, Data: RAGStatusEvent{
		DocsRetrieved:      len(rk.Docs),
		ChatsRetrieved:     len(rk.Chats),
		ArtifactsRetrieved: len(rk.Artifacts),
		Collections:        rk.Collections,
		RetrievalTime:      rk.RetrievalMs,
	}})
	s.logger.Debug("retrieval complete",
		"docs", len(rk.Docs),
		"chats", len(rk.Chats),
		"artifacts", len(rk.Artifacts),
		"elapsed_ms", rk.RetrievalMs)
	return nil
}

// rankAndFilter sorts by score descending, trims to the budget, then
// drops items under the relevance floor.
func rankAndFilter(items []KnowledgeItem, budget int, minScore float64) []KnowledgeItem {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})
	if len(items) > budget {
		items = items[:budget]
	}
	filtered := items[:0]
	for _, it := range items {
		if it.Score >= minScore {
			filtered = append(filtered, it)
		}
	}
	return filtered
}

// Render formats retrieved knowledge as a context block for the system
// prompt. Empty knowledge renders as an empty string.
func (k *RetrievedKnowledge) Render() string {
	if k == nil || k.Empty() {
		return ""
	}
	var b strings.Builder
	writeSection := func(header string, items []KnowledgeItem) {
		if len(items) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(header)
		b.WriteString("\n")
		for _, it := range items {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(it.Content))
			b.WriteString("\n")
		}
	}
	writeSection("Relevant documentation:", k.Docs)
	writeSection("Related past conversations:", k.Chats)
	writeSection("Your saved artifacts:", k.Artifacts)
	return b.String()
}
