package loom

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// fakeDocSearcher records the documentation query and returns scripted
// items.
type fakeDocSearcher struct {
	mu          sync.Mutex
	items       []KnowledgeItem
	err         error
	queries     []string
	collections [][]string
	limits      []int
}

func (f *fakeDocSearcher) SearchDocs(ctx context.Context, query string, collections []string, limit int) ([]KnowledgeItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.collections = append(f.collections, collections)
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

// fakeSearcher backs the chat and artifact sources.
type fakeSearcher struct {
	mu     sync.Mutex
	items  []KnowledgeItem
	err    error
	users  []string
	limits []int
}

func (f *fakeSearcher) Search(ctx context.Context, query, userID string, limit int) ([]KnowledgeItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func (f *fakeSearcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

func ragContext(user User) *PipelineContext {
	return NewPipelineContext(&Request{
		UserID:    user.ID,
		MessageID: "m1",
		Message:   "how do I rotate credentials?",
	}, user)
}

func items(scores ...float64) []KnowledgeItem {
	out := make([]KnowledgeItem, len(scores))
	for i, s := range scores {
		out[i] = KnowledgeItem{Content: "item", Score: s}
	}
	return out
}

func TestRAGDisabledSkips(t *testing.T) {
	docs := &fakeDocSearcher{items: items(0.9)}
	stage := NewRAGStage(RAGConfig{Enabled: false}, RAGDocs(docs))

	pc := ragContext(User{ID: "u1"})
	sink := &recordingSink{}
	if err := stage.Run(context.Background(), pc, sink); err != nil {
		t.Fatal(err)
	}
	if pc.RAG != nil {
		t.Error("RAG set while disabled")
	}
	if len(docs.queries) != 0 {
		t.Error("backend searched while disabled")
	}
	if len(sink.all()) != 0 {
		t.Errorf("events = %v", sink.types())
	}
}

func TestRAGRequestOverrides(t *testing.T) {
	on, off := true, false

	docs := &fakeDocSearcher{items: items(0.9)}
	stage := NewRAGStage(RAGConfig{Enabled: false}, RAGDocs(docs))
	pc := ragContext(User{ID: "u1"})
	pc.Request.Config.EnableRAG = &on
	if err := stage.Run(context.Background(), pc, &recordingSink{}); err != nil {
		t.Fatal(err)
	}
	if pc.RAG == nil {
		t.Error("request opt-in ignored")
	}

	docs = &fakeDocSearcher{items: items(0.9)}
	stage = NewRAGStage(RAGConfig{Enabled: true}, RAGDocs(docs))
	pc = ragContext(User{ID: "u1"})
	pc.Request.Config.EnableRAG = &off
	if err := stage.Run(context.Background(), pc, &recordingSink{}); err != nil {
		t.Fatal(err)
	}
	if pc.RAG != nil || len(docs.queries) != 0 {
		t.Error("request opt-out ignored")
	}
}

func TestRAGBudgets(t *testing.T) {
	docs := &fakeDocSearcher{items: items(0.9)}
	chats := &fakeSearcher{items: items(0.8)}
	cfg := RAGConfig{Enabled: true, MaxDocs: 10, MaxChats: 5}

	// Non-admins get half the doc budget and only their own chats.
	stage := NewRAGStage(cfg, RAGDocs(docs), RAGChats(chats))
	pc := ragContext(User{ID: "u1"})
	if err := stage.Run(context.Background(), pc, &recordingSink{}); err != nil {
		t.Fatal(err)
	}
	if docs.limits[0] != 5 {
		t.Errorf("doc budget = %d, want halved to 5", docs.limits[0])
	}
	if chats.users[0] != "u1" || chats.limits[0] != 5 {
		t.Errorf("chat search = user %q limit %d", chats.users[0], chats.limits[0])
	}

	// Admins keep the full budget and search across all users.
	docs = &fakeDocSearcher{items: items(0.9)}
	chats = &fakeSearcher{items: items(0.8)}
	stage = NewRAGStage(cfg, RAGDocs(docs), RAGChats(chats))
	pc = ragContext(User{ID: "admin", IsAdmin: true})
	if err := stage.Run(context.Background(), pc, &recordingSink{}); err != nil {
		t.Fatal(err)
	}
	if docs.limits[0] != 10 {
		t.Errorf("admin doc budget = %d, want 10", docs.limits[0])
	}
	if chats.users[0] != "" {
		t.Errorf("admin chat search scoped to %q, want all users", chats.users[0])
	}
}

func TestRAGRankAndFilter(t *testing.T) {
	// Unsorted scores; budget trims before the floor drops stragglers.
	got := rankAndFilter(items(0.2, 0.9, 0.5, 0.95, 0.25), 3, 0.3)
	if len(got) != 3 {
		t.Fatalf("items = %d, want 3", len(got))
	}
	if got[0].Score != 0.95 || got[1].Score != 0.9 || got[2].Score != 0.5 {
		t.Errorf("scores = %v", []float64{got[0].Score, got[1].Score, got[2].Score})
	}

	got = rankAndFilter(items(0.1, 0.2), 5, 0.3)
	if len(got) != 0 {
		t.Errorf("items = %d, want everything under the floor dropped", len(got))
	}
}

func TestRAGErrorIsolation(t *testing.T) {
	docs := &fakeDocSearcher{err: errors.New("vector store down")}
	chats := &fakeSearcher{items: items(0.8)}
	stage := NewRAGStage(RAGConfig{Enabled: true}, RAGDocs(docs), RAGChats(chats))

	pc := ragContext(User{ID: "u1"})
	sink := &recordingSink{}
	if err := stage.Run(context.Background(), pc, sink); err != nil {
		t.Fatal(err)
	}
	if pc.RAG == nil {
		t.Fatal("surviving source discarded")
	}
	if len(pc.RAG.Docs) != 0 || len(pc.RAG.Chats) != 1 {
		t.Errorf("docs/chats = %d/%d", len(pc.RAG.Docs), len(pc.RAG.Chats))
	}
}

func TestRAGEmptyResultsSkipQuietly(t *testing.T) {
	docs := &fakeDocSearcher{}
	stage := NewRAGStage(RAGConfig{Enabled: true}, RAGDocs(docs))

	pc := ragContext(User{ID: "u1"})
	sink := &recordingSink{}
	if err := stage.Run(context.Background(), pc, sink); err != nil {
		t.Fatal(err)
	}
	if pc.RAG != nil {
		t.Errorf("RAG = %+v, want nil", pc.RAG)
	}
	if len(sink.all()) != 0 {
		t.Errorf("events = %v, want none for an empty retrieval", sink.types())
	}
}

func TestRAGStatusEvent(t *testing.T) {
	docs := &fakeDocSearcher{items: items(0.9, 0.8)}
	chats := &fakeSearcher{items: items(0.7)}
	cfg := RAGConfig{Enabled: true, Collections: []string{"docs", "runbooks"}}
	stage := NewRAGStage(cfg, RAGDocs(docs), RAGChats(chats))

	pc := ragContext(User{ID: "u1"})
	sink := &recordingSink{}
	if err := stage.Run(context.Background(), pc, sink); err != nil {
		t.Fatal(err)
	}

	events := sink.ofType(EventRAGStatus)
	if len(events) != 1 {
		t.Fatalf("rag_status events = %d", len(events))
	}
	ev := events[0].Data.(RAGStatusEvent)
	if ev.DocsRetrieved != 2 || ev.ChatsRetrieved != 1 || ev.ArtifactsRetrieved != 0 {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Collections) != 2 {
		t.Errorf("collections = %v", ev.Collections)
	}
	if docs.collections[0][1] != "runbooks" {
		t.Errorf("searched collections = %v", docs.collections[0])
	}
}

func TestRAGArtifactsGated(t *testing.T) {
	artifacts := &fakeSearcher{items: items(0.9)}

	// Disabled by config.
	stage := NewRAGStage(RAGConfig{Enabled: true}, RAGArtifacts(artifacts))
	pc := ragContext(User{ID: "u1"})
	if err := stage.Run(context.Background(), pc, &recordingSink{}); err != nil {
		t.Fatal(err)
	}
	if artifacts.calls() != 0 {
		t.Error("artifact search ran while disabled")
	}

	// Enabled but anonymous: artifacts are per-user, so still skipped.
	stage = NewRAGStage(RAGConfig{Enabled: true, EnableArtifactSearch: true}, RAGArtifacts(artifacts))
	pc = ragContext(User{})
	if err := stage.Run(context.Background(), pc, &recordingSink{}); err != nil {
		t.Fatal(err)
	}
	if artifacts.calls() != 0 {
		t.Error("artifact search ran for an anonymous user")
	}

	// Enabled with a user.
	pc = ragContext(User{ID: "u1"})
	if err := stage.Run(context.Background(), pc, &recordingSink{}); err != nil {
		t.Fatal(err)
	}
	if artifacts.calls() != 1 {
		t.Errorf("artifact searches = %d, want 1", artifacts.calls())
	}
	if pc.RAG == nil || len(pc.RAG.Artifacts) != 1 {
		t.Errorf("RAG = %+v", pc.RAG)
	}
}

func TestRenderKnowledge(t *testing.T) {
	var nk *RetrievedKnowledge
	if got := nk.Render(); got != "" {
		t.Errorf("nil Render = %q", got)
	}

	rk := &RetrievedKnowledge{
		Docs:  []KnowledgeItem{{Content: "  rotate keys every 90 days  "}},
		Chats: []KnowledgeItem{{Content: "asked about rotation last week"}},
	}
	got := rk.Render()
	if !strings.Contains(got, "Relevant documentation:\n- rotate keys every 90 days\n") {
		t.Errorf("Render missing trimmed doc section:\n%s", got)
	}
	if !strings.Contains(got, "Related past conversations:\n- asked about rotation last week\n") {
		t.Errorf("Render missing chat section:\n%s", got)
	}
	if strings.Contains(got, "Your saved artifacts:") {
		t.Errorf("Render included an empty section:\n%s", got)
	}
}
