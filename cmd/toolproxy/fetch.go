package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/nevindra/loom/ingest"
)

const (
	fetchBodyLimit = 1 << 20 // 1MB
	fetchTextLimit = 8000
	fetchUserAgent = "Mozilla/5.0 (compatible; LoomBot/1.0)"
)

// fetcher implements the http_fetch tool: download a page and return
// its readable text.
type fetcher struct {
	client *http.Client
}

func newFetcher() *fetcher {
	return &fetcher{client: &http.Client{Timeout: 15 * time.Second}}
}

func (f *fetcher) tool() localTool {
	return localTool{
		Server:      "web",
		Name:        "http_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
		Run:         f.run,
	}
}

func (f *fetcher) run(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}

	content, err := f.fetch(ctx, params.URL)
	if err != nil {
		return nil, err
	}
	if len(content) > fetchTextLimit {
		content = content[:fetchTextLimit] + "\n... (truncated)"
	}
	return map[string]string{"url": params.URL, "content": content}, nil
}

// fetch downloads a URL and extracts readable text, falling back to a
// plain tag strip when readability finds nothing.
func (f *fetcher) fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	if parsed, err := url.Parse(rawURL); err == nil {
		article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
		if err == nil && strings.TrimSpace(article.TextContent) != "" {
			return strings.TrimSpace(article.TextContent), nil
		}
	}

	text, err := ingest.HTMLExtractor{}.Extract(body)
	if err != nil {
		return "", err
	}
	return text, nil
}
