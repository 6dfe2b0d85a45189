package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	loom "github.com/nevindra/loom"
	"github.com/nevindra/loom/ingest"
)

// searcher implements the web_search tool: Brave API results, page
// content fetched in parallel, then semantic re-ranking against the
// query when an embedder is configured.
type searcher struct {
	braveKey string
	embedder loom.EmbeddingProvider
	client   *http.Client
	chunker  *ingest.RecursiveChunker
	log      *slog.Logger
}

func newSearcher(braveKey string, log *slog.Logger) *searcher {
	return &searcher{
		braveKey: braveKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		chunker:  ingest.NewRecursiveChunker(ingest.WithMaxTokens(125), ingest.WithOverlapTokens(0)),
		log:      log,
	}
}

func (s *searcher) tool() localTool {
	return localTool{
		Server:      "web",
		Name:        "web_search",
		Description: "Search the web for current information. Use for recent events, news, prices, or anything that requires up-to-date data.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for search engines"}},"required":["query"]}`),
		Run:         s.run,
	}
}

func (s *searcher) run(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	content, err := s.search(ctx, params.Query)
	if err != nil {
		return nil, err
	}
	return map[string]string{"query": params.Query, "content": content}, nil
}

type searchHit struct {
	Title   string
	URL     string
	Snippet string
	Content string
}

type rankedChunk struct {
	Text   string
	Source int
	Score  float32
}

// minGoodScore is the relevance floor below which a wider second pass
// is attempted.
const minGoodScore float32 = 0.35

func (s *searcher) search(ctx context.Context, query string) (string, error) {
	hits, err := s.braveSearch(ctx, query, 8)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}

	s.fetchContent(ctx, hits)
	ranked := s.rank(ctx, query, hits)

	if len(ranked) > 0 && ranked[0].Score < minGoodScore && s.embedder != nil {
		s.log.Info("search top score below floor, widening", "score", ranked[0].Score)
		if more, err := s.braveSearch(ctx, query, 12); err == nil {
			seen := make(map[string]bool, len(hits))
			for _, h := range hits {
				seen[h.URL] = true
			}
			for i := range more {
				if !seen[more[i].URL] {
					hits = append(hits, more[i])
				}
			}
			s.fetchContent(ctx, hits)
			ranked = s.rank(ctx, query, hits)
		}
	}

	return formatRanked(ranked, hits), nil
}

func (s *searcher) braveSearch(ctx context.Context, query string, count int) ([]searchHit, error) {
	u := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d",
		url.QueryEscape(query), count)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.braveKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave API %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("brave parse: %w", err)
	}

	hits := make([]searchHit, 0, len(data.Web.Results))
	for _, r := range data.Web.Results {
		hits = append(hits, searchHit{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return hits, nil
}

// fetchContent pulls page bodies in parallel and fills hit.Content.
// Failures leave Content empty; the snippet still ranks.
func (s *searcher) fetchContent(ctx context.Context, hits []searchHit) {
	var wg sync.WaitGroup
	for i := range hits {
		if hits[i].Content != "" {
			continue
		}
		wg.Add(1)
		go func(h *searchHit) {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, h.URL, nil)
			if err != nil {
				return
			}
			req.Header.Set("User-Agent", fetchUserAgent)

			resp, err := s.client.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
			if err != nil {
				return
			}
			text, err := ingest.HTMLExtractor{}.Extract(body)
			if err != nil {
				return
			}
			if len(text) > fetchTextLimit {
				text = text[:fetchTextLimit]
			}
			h.Content = text
		}(&hits[i])
	}
	wg.Wait()
}

// rank chunks the fetched content and scores every chunk against the
// query by embedding cosine. Without an embedder the snippets pass
// through in Brave's order.
func (s *searcher) rank(ctx context.Context, query string, hits []searchHit) []rankedChunk {
	var chunks []rankedChunk
	for i, h := range hits {
		if h.Snippet != "" {
			chunks = append(chunks, rankedChunk{Text: h.Snippet, Source: i})
		}
		for _, c := range s.chunker.Chunk(h.Content) {
			if len(c) < 50 {
				continue
			}
			chunks = append(chunks, rankedChunk{Text: c, Source: i})
		}
	}
	if len(chunks) == 0 || s.embedder == nil {
		if len(chunks) > 8 {
			chunks = chunks[:8]
		}
		return chunks
	}

	texts := make([]string, 0, 1+len(chunks))
	texts = append(texts, query)
	for _, c := range chunks {
		texts = append(texts, c.Text)
	}

	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		s.log.Warn("search rerank embed failed, keeping engine order", "error", err)
		if len(chunks) > 8 {
			chunks = chunks[:8]
		}
		return chunks
	}

	queryVec := vecs[0]
	for i := range chunks {
		chunks[i].Score = cosine(queryVec, vecs[i+1])
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	return chunks
}

func formatRanked(ranked []rankedChunk, hits []searchHit) string {
	var out strings.Builder
	sources := make(map[int]bool)

	limit := min(len(ranked), 8)
	for i := 0; i < limit; i++ {
		c := ranked[i]
		fmt.Fprintf(&out, "[%d] (score: %.2f) %s\n%s\n\n", i+1, c.Score, hits[c.Source].Title, c.Text)
		sources[c.Source] = true
	}

	out.WriteString("Sources:\n")
	for idx := range sources {
		fmt.Fprintf(&out, "- %s (%s)\n", hits[idx].Title, hits[idx].URL)
	}
	return out.String()
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
