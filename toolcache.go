package loom

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// --- Cacheability classification ---

// Mutation verbs: results never come from cache and are never stored.
var nonCacheableMarkers = []string{
	"create", "delete", "update", "modify", "put", "post", "remove",
	"start", "stop", "restart", "deploy", "execute_command",
}

// Read verbs.
var cacheableMarkers = []string{
	"list", "get", "fetch", "search", "query", "describe",
}

// Cacheable classifies a tool by the verb in its name. A generic
// "execute" tool is cacheable only when its arguments carry an HTTP
// GET. Unknown verbs are treated as non-cacheable.
func Cacheable(toolName string, args json.RawMessage) bool {
	name := strings.ToLower(toolName)
	for _, m := range nonCacheableMarkers {
		if strings.Contains(name, m) {
			return false
		}
	}
	if strings.Contains(name, "execute") {
		return isGetRequest(args)
	}
	for _, m := range cacheableMarkers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

func isGetRequest(args json.RawMessage) bool {
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		return false
	}
	for k, v := range m {
		if !strings.EqualFold(k, "method") {
			continue
		}
		s, ok := v.(string)
		return ok && strings.EqualFold(s, "GET")
	}
	return false
}

// TTLFor maps a tool name to its cache TTL class: static identifiers an
// hour, semi-static listings half an hour, volatile metrics five
// minutes, everything else ten.
func TTLFor(toolName string) time.Duration {
	name := strings.ToLower(toolName)
	switch {
	case containsAny(name, "subscription", "account", "resource_group", "resource-group"):
		return time.Hour
	case containsAny(name, "list", "config", "setting"):
		return 30 * time.Minute
	case containsAny(name, "cost", "metric", "status", "health"):
		return 5 * time.Minute
	default:
		return 10 * time.Minute
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// --- Canonical hashing ---

// CanonicalJSON re-encodes raw with object keys sorted recursively, so
// logically equal argument maps serialize identically.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	if err := writeCanonical(&b, v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func writeCanonical(b *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kb)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		eb, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(eb)
	}
	return nil
}

// ArgsHash is the first 16 hex chars of the SHA-256 of the canonical
// JSON of args.
func ArgsHash(args json.RawMessage) string {
	canon, err := CanonicalJSON(args)
	if err != nil {
		canon = args
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:16]
}

// ExactKey builds the exact-tier key: per tool, per user, per argument
// hash.
func ExactKey(toolName, userID string, args json.RawMessage) string {
	return "tool:" + toolName + ":" + userID + ":" + ArgsHash(args)
}

// --- Resource scope ---

var defaultScopeKeys = []string{
	"subscription_id", "subscriptionId",
	"account_id", "accountId",
	"project_id", "projectId",
	"resource_group", "resourceGroup",
}

// ExtractResourceScope pulls tenant-resource identifiers out of tool
// arguments: string (or string-list) values under the scope keys at any
// nesting depth. The result is deduplicated and sorted.
func ExtractResourceScope(args json.RawMessage, keys []string) []string {
	if len(keys) == 0 {
		keys = defaultScopeKeys
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return nil
	}
	seen := make(map[string]bool)
	collectScope(v, keys, seen)
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func collectScope(v any, keys []string, seen map[string]bool) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if scopeKey(k, keys) {
				switch sv := val.(type) {
				case string:
					if sv != "" {
						seen[sv] = true
					}
				case []any:
					for _, e := range sv {
						if s, ok := e.(string); ok && s != "" {
							seen[s] = true
						}
					}
				}
			}
			collectScope(val, keys, seen)
		}
	case []any:
		for _, e := range t {
			collectScope(e, keys, seen)
		}
	}
}

func scopeKey(k string, keys []string) bool {
	for _, want := range keys {
		if strings.EqualFold(k, want) {
			return true
		}
	}
	return false
}

// --- Authorization gate ---

// ResourceAuthorizer gates semantic-cache hits: whether user may read
// results scoped to the given resource ids.
type ResourceAuthorizer interface {
	Authorize(user User, scope []string) bool
}

// GroupScopeAuthorizer authorizes a scope when every resource id
// appears among the user's groups. Admins always pass. Deployments
// with richer RBAC plug their own implementation.
type GroupScopeAuthorizer struct{}

func (GroupScopeAuthorizer) Authorize(user User, scope []string) bool {
	if user.IsAdmin {
		return true
	}
	for _, id := range scope {
		if !user.InGroup(id) {
			return false
		}
	}
	return true
}

var _ ResourceAuthorizer = GroupScopeAuthorizer{}

// --- Two-tier cache ---

// CacheHit describes a successful lookup from either tier.
type CacheHit struct {
	Payload       json.RawMessage
	Semantic      bool
	CrossUser     bool
	Similarity    float64
	ResourceScope []string
	TimeSavedMs   int64
}

// ToolCache coordinates both cache tiers. The exact tier is consulted
// first, then the semantic tier behind the scope gate. Store errors and
// lookup timeouts degrade to misses; nothing here ever fails a request.
type ToolCache struct {
	exact     ExactCache
	semantic  SemanticCacheStore
	embed     EmbeddingProvider
	authorize ResourceAuthorizer
	logger    *slog.Logger

	minSimilarity float64
	lookupTimeout time.Duration
	scopeKeys     []string

	wg sync.WaitGroup
}

// ToolCacheOption configures a ToolCache.
type ToolCacheOption func(*ToolCache)

// CacheSemantic enables the semantic tier.
func CacheSemantic(store SemanticCacheStore, embed EmbeddingProvider) ToolCacheOption {
	return func(c *ToolCache) {
		c.semantic = store
		c.embed = embed
	}
}

// CacheAuthorizer replaces the default group-based scope gate.
func CacheAuthorizer(a ResourceAuthorizer) ToolCacheOption {
	return func(c *ToolCache) { c.authorize = a }
}

// CacheMinSimilarity sets the semantic hit threshold (default 0.9).
func CacheMinSimilarity(min float64) ToolCacheOption {
	return func(c *ToolCache) { c.minSimilarity = min }
}

// CacheLookupTimeout caps lookup time; timeouts count as misses
// (default 500ms).
func CacheLookupTimeout(d time.Duration) ToolCacheOption {
	return func(c *ToolCache) { c.lookupTimeout = d }
}

// CacheScopeKeys overrides the argument keys mined for resource scope.
func CacheScopeKeys(keys ...string) ToolCacheOption {
	return func(c *ToolCache) { c.scopeKeys = keys }
}

// CacheLogger sets the structured logger. Defaults to no output.
func CacheLogger(l *slog.Logger) ToolCacheOption {
	return func(c *ToolCache) { c.logger = l }
}

// NewToolCache builds a cache over the exact tier; the semantic tier is
// optional. A nil exact store disables that tier.
func NewToolCache(exact ExactCache, opts ...ToolCacheOption) *ToolCache {
	c := &ToolCache{
		exact:         exact,
		authorize:     GroupScopeAuthorizer{},
		logger:        nopLogger,
		minSimilarity: 0.9,
		lookupTimeout: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup consults the exact tier then the semantic tier. queryText is
// what gets embedded for the semantic key, normally the user message;
// empty falls back to the canonical arguments.
func (c *ToolCache) Lookup(ctx context.Context, user User, toolName string, args json.RawMessage, queryText string) (CacheHit, bool) {
	if !Cacheable(toolName, args) {
		return CacheHit{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()

	if c.exact != nil {
		key := ExactKey(toolName, user.ID, args)
		payload, ok, err := c.exact.Get(ctx, key)
		if err != nil {
			c.logger.Debug("exact cache lookup failed", "tool", toolName, "error", err)
		} else if ok {
			return CacheHit{Payload: payload}, true
		}
	}

	if c.semantic == nil || c.embed == nil {
		return CacheHit{}, false
	}
	vec, ok := c.embedText(ctx, toolName, args, queryText)
	if !ok {
		return CacheHit{}, false
	}
	entry, sim, ok, err := c.semantic.Search(ctx, user.TenantID, toolName, vec, c.minSimilarity)
	if err != nil {
		c.logger.Debug("semantic cache lookup failed", "tool", toolName, "error", err)
		return CacheHit{}, false
	}
	if !ok {
		return CacheHit{}, false
	}
	if !c.authorize.Authorize(user, entry.ResourceScope) {
		c.logger.Debug("semantic hit rejected by scope gate",
			"tool", toolName,
			"user", user.ID,
			"scope", entry.ResourceScope)
		return CacheHit{}, false
	}
	if err := c.semantic.Touch(ctx, entry.ID); err != nil {
		c.logger.Debug("semantic hit counter update failed", "error", err)
	}
	return CacheHit{
		Payload:       entry.Result,
		Semantic:      true,
		CrossUser:     entry.OriginalUserID != user.ID,
		Similarity:    sim,
		ResourceScope: entry.ResourceScope,
		TimeSavedMs:   entry.LatencyMs,
	}, true
}

// Store writes a successful live result into both tiers: the exact
// write inline with the error dropped, the semantic write in the
// background. Non-cacheable tools and empty payloads are ignored.
func (c *ToolCache) Store(ctx context.Context, user User, toolName string, args json.RawMessage, queryText string, payload json.RawMessage, latency time.Duration) {
	if !Cacheable(toolName, args) || len(payload) == 0 {
		return
	}
	ttl := TTLFor(toolName)
	if c.exact != nil {
		if err := c.exact.Set(ctx, ExactKey(toolName, user.ID, args), payload, ttl); err != nil {
			c.logger.Debug("exact cache store failed", "tool", toolName, "error", err)
		}
	}
	if c.semantic == nil || c.embed == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.storeSemantic(bg, user, toolName, args, queryText, payload, latency.Milliseconds())
	}()
}

func (c *ToolCache) storeSemantic(ctx context.Context, user User, toolName string, args json.RawMessage, queryText string, payload json.RawMessage, latencyMs int64) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	vec, ok := c.embedText(ctx, toolName, args, queryText)
	if !ok {
		return
	}
	sketch := queryText
	if canon, err := CanonicalJSON(args); err == nil && sketch == "" {
		sketch = string(canon)
	}
	entry := SemanticCacheEntry{
		ID:             NewID(),
		TenantID:       user.TenantID,
		OriginalUserID: user.ID,
		ToolName:       toolName,
		ArgsSketch:     truncateStr(sketch, 256),
		ResourceScope:  ExtractResourceScope(args, c.scopeKeys),
		Embedding:      vec,
		Result:         payload,
		LatencyMs:      latencyMs,
		CachedAt:       NowUnixMilli(),
	}
	if err := c.semantic.Insert(ctx, entry); err != nil {
		c.logger.Debug("semantic cache store failed", "tool", toolName, "error", err)
	}
}

func (c *ToolCache) embedText(ctx context.Context, toolName string, args json.RawMessage, queryText string) ([]float32, bool) {
	text := queryText
	if text == "" {
		canon, err := CanonicalJSON(args)
		if err != nil {
			return nil, false
		}
		text = string(canon)
	}
	vecs, err := c.embed.Embed(ctx, []string{text})
	if err != nil || len(vecs) == 0 {
		c.logger.Debug("cache embedding failed", "tool", toolName, "error", err)
		return nil, false
	}
	return vecs[0], true
}

// Flush waits for background semantic writes. Call on shutdown, and in
// tests that assert on semantic-tier contents.
func (c *ToolCache) Flush() { c.wg.Wait() }
