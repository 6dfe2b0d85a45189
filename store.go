package loom

import (
	"context"
	"encoding/json"
	"time"
)

// MessageStore abstracts durable conversation persistence.
type MessageStore interface {
	// AddMessage persists msg and returns it with store-assigned fields
	// (id, timestamps) filled in.
	AddMessage(ctx context.Context, msg StoredMessage) (StoredMessage, error)
	// UpdateMessage applies upd to an existing message. Nil fields keep
	// their stored values.
	UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error
	// ListMessages returns up to limit messages of a session in
	// chronological order, ties broken assistant before user.
	// limit <= 0 means no limit.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]StoredMessage, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}

// MessageUpdate is a partial message update, used by the throttled
// mid-stream persist and by finalization.
type MessageUpdate struct {
	Content   *string
	Model     *string
	ToolCalls []ToolCall
	Usage     *Usage
	Meta      *MessageMeta
}

// ExactCache is the exact-tier tool cache: opaque bytes under a string
// key with a TTL. A missing key is (nil, false, nil), not an error.
type ExactCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SemanticCacheEntry is a cached tool result keyed by embedding,
// shared across users within a tenant.
type SemanticCacheEntry struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	OriginalUserID string          `json:"original_user_id"`
	ToolName       string          `json:"tool_name"`
	ArgsSketch     string          `json:"args_sketch"`
	ResourceScope  []string        `json:"resource_scope,omitempty"`
	Embedding      []float32       `json:"-"`
	Result         json.RawMessage `json:"result"`
	LatencyMs      int64           `json:"latency_ms"` // live execution cost, reported as time saved on hits
	HitCount       int             `json:"hit_count"`
	CachedAt       int64           `json:"cached_at"`
}

// SemanticCacheStore is the vector tier: nearest neighbor by cosine
// with per-record filters on tenant and tool.
type SemanticCacheStore interface {
	Insert(ctx context.Context, e SemanticCacheEntry) error
	// Search returns the best match above minSimilarity for the given
	// tenant and tool, with its cosine similarity. ok is false on miss.
	Search(ctx context.Context, tenantID, toolName string, embedding []float32, minSimilarity float64) (entry SemanticCacheEntry, similarity float64, ok bool, err error)
	// Touch increments a hit counter.
	Touch(ctx context.Context, id string) error

	Init(ctx context.Context) error
}

// AuditStore persists tool invocation audit records. Callers log write
// failures and never propagate them.
type AuditStore interface {
	WriteAudit(ctx context.Context, rec AuditRecord) error
}

// CompletionMetrics is the per-request record written at finalization.
type CompletionMetrics struct {
	UserID           string  `json:"user_id"`
	SessionID        string  `json:"session_id"`
	MessageID        string  `json:"message_id"`
	ProviderType     string  `json:"provider_type"`
	Model            string  `json:"model"`
	LatencyMs        int64   `json:"latency_ms"`
	TTFTMs           int64   `json:"ttft_ms"`
	ModelLatencyMs   int64   `json:"model_latency_ms"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	ToolCallsCount   int     `json:"tool_calls_count"`
	Status           string  `json:"status"`
}

// MetricsStore persists completion metrics. Best-effort, like audit.
type MetricsStore interface {
	WriteCompletionMetrics(ctx context.Context, m CompletionMetrics) error
}

// Searcher is one retrieval backend behind the RAG stage. Items come
// back scored in [0,1], best first. userID filters per-user records;
// empty means unfiltered.
type Searcher interface {
	Search(ctx context.Context, query, userID string, limit int) ([]KnowledgeItem, error)
}
