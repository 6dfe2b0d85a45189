// Package toolproxy talks to the central tool-proxy, the service that
// fronts every remote tool server behind one HTTP surface. Client
// implements both loom.ToolDispatcher (tool invocation via POST
// /mcp/tool) and loom.ToolSource (inventory listing via GET /mcp/tools
// with LM-safe names).
package toolproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	loom "github.com/nevindra/loom"
)

// proxyHostHeader identifies the proxy pod that handled a call; the
// executor copies it into the audit record.
const proxyHostHeader = "x-mcp-proxy-host"

// Client is an HTTP client for the tool-proxy.
type Client struct {
	baseURL     string
	internalKey string
	client      *http.Client
	logger      *slog.Logger

	inventoryTTL time.Duration

	mu    sync.Mutex
	cache map[string]inventoryEntry
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client. The default carries
// a 10 minute timeout so long-running tools are not cut off mid-flight.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithInternalKey sets the service-to-service bearer used for inventory
// listing when the user carries no token of their own.
func WithInternalKey(key string) Option {
	return func(c *Client) { c.internalKey = key }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithInventoryTTL sets how long a user's tool listing is served from
// cache before the proxy is asked again. Zero disables caching.
// Default: one minute.
func WithInventoryTTL(d time.Duration) Option {
	return func(c *Client) { c.inventoryTTL = d }
}

// New creates a tool-proxy client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: 10 * time.Minute},
		inventoryTTL: time.Minute,
		cache:        make(map[string]inventoryEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// callResponse is the proxy's envelope: exactly one of Result or Error
// is set.
type callResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *callError      `json:"error"`
}

type callError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *callError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("tool-proxy error %d", e.Code)
}

// CallTool implements loom.ToolDispatcher. The proxy tolerates
// double-wrapped results ({result: {result: …}}); one level is
// unwrapped here so callers always see the inner payload.
func (c *Client) CallTool(ctx context.Context, call loom.ProxyCall, auth loom.ProxyAuth) (loom.ProxyResult, error) {
	payload, err := json.Marshal(call)
	if err != nil {
		return loom.ProxyResult{}, fmt.Errorf("toolproxy: marshal call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp/tool", bytes.NewReader(payload))
	if err != nil {
		return loom.ProxyResult{}, fmt.Errorf("toolproxy: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+auth.Bearer)
	}
	if auth.IDToken != "" {
		// Downstream servers read whichever cloud's header they know.
		req.Header.Set("X-AWS-ID-Token", auth.IDToken)
		req.Header.Set("X-Azure-ID-Token", auth.IDToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return loom.ProxyResult{}, fmt.Errorf("toolproxy: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return loom.ProxyResult{}, fmt.Errorf("toolproxy: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return loom.ProxyResult{}, &loom.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: loom.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed callResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return loom.ProxyResult{}, fmt.Errorf("toolproxy: decode response: %w", err)
	}
	if parsed.Error != nil {
		return loom.ProxyResult{}, parsed.Error
	}

	return loom.ProxyResult{
		Payload:       unwrapResult(parsed.Result),
		Host:          resp.Header.Get(proxyHostHeader),
		RequestBytes:  len(payload),
		ResponseBytes: len(body),
	}, nil
}

// unwrapResult strips one {result: …} wrapping level when present.
func unwrapResult(raw json.RawMessage) json.RawMessage {
	var inner struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &inner); err == nil && len(inner.Result) > 0 {
		return inner.Result
	}
	return raw
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

// Compile-time interface checks.
var (
	_ loom.ToolDispatcher = (*Client)(nil)
	_ loom.ToolSource     = (*Client)(nil)
)
