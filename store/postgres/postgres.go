// Package postgres implements the loom storage interfaces on
// PostgreSQL: durable conversation messages, the semantic tool-result
// cache (pgvector with HNSW cosine indexes), audit and completion
// metrics records, and the retrieval tables behind the RAG stage
// (tsvector keyword search fused with vector search).
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/loom"
)

// Store implements the loom persistence interfaces backed by
// PostgreSQL with pgvector. Vector search uses HNSW indexes with
// cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Higher values improve recall at the cost of latency. Default:
// pgvector's 40. Applied via SET during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ loom.MessageStore = (*Store)(nil)
var _ loom.SemanticCacheStore = (*Store)(nil)
var _ loom.AuditStore = (*Store)(nil)
var _ loom.MetricsStore = (*Store)(nil)
var _ loom.DocStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions(user_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			tool_call_id TEXT NOT NULL DEFAULT '',
			usage JSONB,
			meta JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS messages_fts_idx ON messages USING gin(to_tsvector('english', content))`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS semantic_cache (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			original_user_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			args_sketch TEXT NOT NULL DEFAULT '',
			resource_scope JSONB,
			embedding %s,
			result JSONB,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			hit_count INTEGER NOT NULL DEFAULT 0,
			cached_at BIGINT NOT NULL
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS semantic_cache_tenant_idx ON semantic_cache(tenant_id, tool_name)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS semantic_cache_embedding_idx ON semantic_cache USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			ts BIGINT NOT NULL,
			user_hash TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			server TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL,
			args_hash TEXT NOT NULL DEFAULT '',
			executed_on TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			request_bytes INTEGER NOT NULL DEFAULT 0,
			response_bytes INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			proxy_host TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_ts_idx ON audit_log(ts)`,
		`CREATE INDEX IF NOT EXISTS audit_log_user_idx ON audit_log(user_hash, ts)`,

		`CREATE TABLE IF NOT EXISTS completion_metrics (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			provider_type TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			ttft_ms BIGINT NOT NULL DEFAULT 0,
			model_latency_ms BIGINT NOT NULL DEFAULT 0,
			tokens_per_second DOUBLE PRECISION NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			tool_calls_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS completion_metrics_session_idx ON completion_metrics(session_id)`,

		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			source TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents(collection)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding %s,
			metadata JSONB
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks(document_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS chunks_embedding_idx ON chunks USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),
		`CREATE INDEX IF NOT EXISTS chunks_fts_idx ON chunks USING gin(to_tsvector('english', content))`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS artifacts_user_idx ON artifacts(user_id)`,
		`CREATE INDEX IF NOT EXISTS artifacts_fts_idx ON artifacts USING gin(to_tsvector('english', content))`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}

	return nil
}

// Close is a no-op. The caller owns the pool.
func (s *Store) Close() error { return nil }

// --- Messages ---

// AddMessage inserts or replaces a message, assigning an id and
// timestamps when the caller left them zero.
func (s *Store) AddMessage(ctx context.Context, msg loom.StoredMessage) (loom.StoredMessage, error) {
	if msg.ID == "" {
		msg.ID = loom.NewID()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = loom.NowUnixMilli()
	}
	if msg.UpdatedAt == 0 {
		msg.UpdatedAt = msg.CreatedAt
	}

	toolCalls, err := jsonColumn(msg.ToolCalls, len(msg.ToolCalls) > 0)
	if err != nil {
		return loom.StoredMessage{}, fmt.Errorf("postgres: encode tool calls: %w", err)
	}
	usage, err := jsonColumn(msg.Usage, msg.Usage != nil)
	if err != nil {
		return loom.StoredMessage{}, fmt.Errorf("postgres: encode usage: %w", err)
	}
	meta, err := jsonColumn(msg.Meta, msg.Meta != nil)
	if err != nil {
		return loom.StoredMessage{}, fmt.Errorf("postgres: encode meta: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, content, model, tool_calls, tool_call_id, usage, meta, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8::jsonb, $9::jsonb, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   session_id = EXCLUDED.session_id,
		   role = EXCLUDED.role,
		   content = EXCLUDED.content,
		   model = EXCLUDED.model,
		   tool_calls = EXCLUDED.tool_calls,
		   tool_call_id = EXCLUDED.tool_call_id,
		   usage = EXCLUDED.usage,
		   meta = EXCLUDED.meta,
		   updated_at = EXCLUDED.updated_at`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Model,
		toolCalls, msg.ToolCallID, usage, meta, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return loom.StoredMessage{}, fmt.Errorf("postgres: add message: %w", err)
	}
	return msg, nil
}

// UpdateMessage applies the non-nil fields of upd to an existing
// message. Updating a missing id reports pgx.ErrNoRows.
func (s *Store) UpdateMessage(ctx context.Context, id string, upd loom.MessageUpdate) error {
	sets := []string{"updated_at = $1"}
	args := []any{loom.NowUnixMilli()}

	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Content != nil {
		add("content", *upd.Content)
	}
	if upd.Model != nil {
		add("model", *upd.Model)
	}
	if upd.ToolCalls != nil {
		v, err := jsonColumn(upd.ToolCalls, true)
		if err != nil {
			return fmt.Errorf("postgres: encode tool calls: %w", err)
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("tool_calls = $%d::jsonb", len(args)))
	}
	if upd.Usage != nil {
		v, err := jsonColumn(upd.Usage, true)
		if err != nil {
			return fmt.Errorf("postgres: encode usage: %w", err)
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("usage = $%d::jsonb", len(args)))
	}
	if upd.Meta != nil {
		v, err := jsonColumn(upd.Meta, true)
		if err != nil {
			return fmt.Errorf("postgres: encode meta: %w", err)
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("meta = $%d::jsonb", len(args)))
	}

	args = append(args, id)
	q := fmt.Sprintf("UPDATE messages SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	ct, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("postgres: update message: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update message %s: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// ListMessages returns up to limit messages of a session in
// chronological order. limit <= 0 returns the whole session.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]loom.StoredMessage, error) {
	q := `SELECT id, session_id, role, content, model, tool_calls, tool_call_id, usage, meta, created_at, updated_at
	 FROM messages
	 WHERE session_id = $1
	 ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var messages []loom.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first), then restore the
	// same-timestamp role ordering the pipeline expects.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	loom.SortMessages(messages)
	return messages, nil
}

func scanMessage(rows pgx.Rows) (loom.StoredMessage, error) {
	var m loom.StoredMessage
	var toolCalls, usage, meta []byte
	if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Model,
		&toolCalls, &m.ToolCallID, &usage, &meta, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return loom.StoredMessage{}, fmt.Errorf("postgres: scan message: %w", err)
	}
	if toolCalls != nil {
		_ = json.Unmarshal(toolCalls, &m.ToolCalls)
	}
	if usage != nil {
		m.Usage = &loom.Usage{}
		_ = json.Unmarshal(usage, m.Usage)
	}
	if meta != nil {
		m.Meta = &loom.MessageMeta{}
		_ = json.Unmarshal(meta, m.Meta)
	}
	return m, nil
}

// --- Sessions ---

// TouchSession records session ownership and bumps its activity
// timestamp. The chat searcher joins through this table to scope
// results per user.
func (s *Store) TouchSession(ctx context.Context, sessionID, userID string) error {
	now := loom.NowUnixMilli()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, title, created_at, updated_at)
		 VALUES ($1, $2, '', $3, $3)
		 ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		sessionID, userID, now)
	if err != nil {
		return fmt.Errorf("postgres: touch session: %w", err)
	}
	return nil
}

// --- Semantic cache ---

// Insert writes a semantic cache entry. Writes are last-writer-wins;
// TTL-by-sweep is the only coherence mechanism.
func (s *Store) Insert(ctx context.Context, e loom.SemanticCacheEntry) error {
	scope, err := jsonColumn(e.ResourceScope, len(e.ResourceScope) > 0)
	if err != nil {
		return fmt.Errorf("postgres: encode resource scope: %w", err)
	}
	var result *string
	if len(e.Result) > 0 {
		v := string(e.Result)
		result = &v
	}
	embStr := serializeEmbedding(e.Embedding)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO semantic_cache (id, tenant_id, original_user_id, tool_name, args_sketch, resource_scope, embedding, result, latency_ms, hit_count, cached_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::vector, $8::jsonb, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   tenant_id = EXCLUDED.tenant_id,
		   original_user_id = EXCLUDED.original_user_id,
		   tool_name = EXCLUDED.tool_name,
		   args_sketch = EXCLUDED.args_sketch,
		   resource_scope = EXCLUDED.resource_scope,
		   embedding = EXCLUDED.embedding,
		   result = EXCLUDED.result,
		   latency_ms = EXCLUDED.latency_ms,
		   cached_at = EXCLUDED.cached_at`,
		e.ID, e.TenantID, e.OriginalUserID, e.ToolName, e.ArgsSketch,
		scope, embStr, result, e.LatencyMs, e.HitCount, e.CachedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert semantic entry: %w", err)
	}
	return nil
}

// Search returns the nearest tenant+tool entry at or above
// minSimilarity using pgvector cosine distance. ok is false on miss.
func (s *Store) Search(ctx context.Context, tenantID, toolName string, embedding []float32, minSimilarity float64) (loom.SemanticCacheEntry, float64, bool, error) {
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, original_user_id, tool_name, args_sketch, resource_scope, result, latency_ms, hit_count, cached_at,
		        1 - (embedding <=> $1::vector) AS score
		 FROM semantic_cache
		 WHERE tenant_id = $2 AND tool_name = $3 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT 1`,
		embStr, tenantID, toolName)
	if err != nil {
		return loom.SemanticCacheEntry{}, 0, false, fmt.Errorf("postgres: semantic search: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return loom.SemanticCacheEntry{}, 0, false, rows.Err()
	}

	var e loom.SemanticCacheEntry
	var scope, result []byte
	var score float64
	if err := rows.Scan(&e.ID, &e.TenantID, &e.OriginalUserID, &e.ToolName, &e.ArgsSketch,
		&scope, &result, &e.LatencyMs, &e.HitCount, &e.CachedAt, &score); err != nil {
		return loom.SemanticCacheEntry{}, 0, false, fmt.Errorf("postgres: scan semantic entry: %w", err)
	}
	if scope != nil {
		_ = json.Unmarshal(scope, &e.ResourceScope)
	}
	if result != nil {
		e.Result = json.RawMessage(result)
	}
	if score < minSimilarity {
		return loom.SemanticCacheEntry{}, 0, false, nil
	}
	return e, score, true, nil
}

// Touch increments an entry's hit counter.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE semantic_cache SET hit_count = hit_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: touch semantic entry: %w", err)
	}
	return nil
}

// DeleteSemanticBefore removes semantic cache entries cached before
// the cutoff (unix milliseconds). The janitor calls it periodically.
func (s *Store) DeleteSemanticBefore(ctx context.Context, cutoff int64) (int64, error) {
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM semantic_cache WHERE cached_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: sweep semantic cache: %w", err)
	}
	return ct.RowsAffected(), nil
}

// --- Audit ---

// WriteAudit appends one immutable audit record. Replays of the same
// id are ignored.
func (s *Store) WriteAudit(ctx context.Context, rec loom.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = loom.NewID()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = loom.NowUnixMilli()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, ts, user_hash, session_id, server, tool, args_hash, executed_on, latency_ms, request_bytes, response_bytes, status, error, model, provider, proxy_host)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Timestamp, rec.UserHash, rec.SessionID, rec.Server, rec.Tool,
		rec.ArgsHash, rec.ExecutedOn, rec.LatencyMs, rec.RequestBytes, rec.ResponseBytes,
		rec.Status, rec.Error, rec.Model, rec.Provider, rec.ProxyHost)
	if err != nil {
		return fmt.Errorf("postgres: write audit: %w", err)
	}
	return nil
}

// --- Metrics ---

// WriteCompletionMetrics appends one per-request metrics record.
func (s *Store) WriteCompletionMetrics(ctx context.Context, m loom.CompletionMetrics) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO completion_metrics (id, user_id, session_id, message_id, provider_type, model, latency_ms, ttft_ms, model_latency_ms, tokens_per_second, prompt_tokens, completion_tokens, tool_calls_count, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		loom.NewID(), m.UserID, m.SessionID, m.MessageID, m.ProviderType, m.Model,
		m.LatencyMs, m.TTFTMs, m.ModelLatencyMs, m.TokensPerSecond,
		m.PromptTokens, m.CompletionTokens, m.ToolCallsCount, m.Status, loom.NowUnixMilli())
	if err != nil {
		return fmt.Errorf("postgres: write completion metrics: %w", err)
	}
	return nil
}

// --- Documents + chunks ---

// StoreDocument upserts a document and replaces its chunk set in a
// single transaction.
func (s *Store) StoreDocument(ctx context.Context, doc loom.Document, chunks []loom.Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO documents (id, collection, title, source, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   collection = EXCLUDED.collection,
		   title = EXCLUDED.title,
		   source = EXCLUDED.source,
		   content = EXCLUDED.content,
		   created_at = EXCLUDED.created_at`,
		doc.ID, doc.Collection, doc.Title, doc.Source, doc.Content, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert document: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("postgres: clear chunks: %w", err)
	}

	for _, chunk := range chunks {
		meta, err := jsonColumn(chunk.Metadata, chunk.Metadata != nil)
		if err != nil {
			return fmt.Errorf("postgres: encode chunk metadata: %w", err)
		}
		if len(chunk.Embedding) > 0 {
			embStr := serializeEmbedding(chunk.Embedding)
			_, err = tx.Exec(ctx,
				`INSERT INTO chunks (id, document_id, chunk_index, content, embedding, metadata)
				 VALUES ($1, $2, $3, $4, $5::vector, $6::jsonb)`,
				chunk.ID, chunk.DocumentID, chunk.Index, chunk.Content, embStr, meta)
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO chunks (id, document_id, chunk_index, content, embedding, metadata)
				 VALUES ($1, $2, $3, $4, NULL, $5::jsonb)`,
				chunk.ID, chunk.DocumentID, chunk.Index, chunk.Content, meta)
		}
		if err != nil {
			return fmt.Errorf("postgres: insert chunk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// DeleteDocument removes a document and all its chunks in a single
// transaction.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete chunks: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// scoredChunk pairs a chunk hit with its document attribution for the
// fusion step.
type scoredChunk struct {
	ID         string
	DocumentID string
	Title      string
	Collection string
	Index      int
	Content    string
	Score      float64
}

// searchChunks performs vector similarity search over chunks using
// pgvector cosine distance, optionally restricted to collections.
func (s *Store) searchChunks(ctx context.Context, embedding []float32, topK int, collections []string) ([]scoredChunk, error) {
	embStr := serializeEmbedding(embedding)
	q := `SELECT c.id, c.document_id, d.title, d.collection, c.chunk_index, c.content,
	        1 - (c.embedding <=> $1::vector) AS score
	 FROM chunks c JOIN documents d ON d.id = c.document_id
	 WHERE c.embedding IS NOT NULL`
	args := []any{embStr, topK}
	if len(collections) > 0 {
		args = append(args, collections)
		q += fmt.Sprintf(" AND d.collection = ANY($%d)", len(args))
	}
	q += ` ORDER BY c.embedding <=> $1::vector LIMIT $2`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer rows.Close()
	return scanScoredChunks(rows)
}

// searchChunksKeyword performs tsvector full-text search over chunks,
// optionally restricted to collections.
func (s *Store) searchChunksKeyword(ctx context.Context, query string, topK int, collections []string) ([]scoredChunk, error) {
	q := `SELECT c.id, c.document_id, d.title, d.collection, c.chunk_index, c.content,
	        ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) AS score
	 FROM chunks c JOIN documents d ON d.id = c.document_id
	 WHERE to_tsvector('english', c.content) @@ plainto_tsquery('english', $1)`
	args := []any{query, topK}
	if len(collections) > 0 {
		args = append(args, collections)
		q += fmt.Sprintf(" AND d.collection = ANY($%d)", len(args))
	}
	q += ` ORDER BY score DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword search: %w", err)
	}
	defer rows.Close()
	return scanScoredChunks(rows)
}

func scanScoredChunks(rows pgx.Rows) ([]scoredChunk, error) {
	var results []scoredChunk
	for rows.Next() {
		var c scoredChunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Title, &c.Collection, &c.Index, &c.Content, &c.Score); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Retrieval searchers ---

const (
	rrfK                 = 60
	defaultKeywordWeight = 0.3
	overfetchMultiplier  = 3
)

// DocSearch implements loom.DocSearcher over the documents and chunks
// tables, fusing pgvector cosine search with tsvector keyword search
// by Reciprocal Rank Fusion. Without an embedder it degrades to
// keyword-only search.
type DocSearch struct {
	store         *Store
	embedder      loom.EmbeddingProvider
	keywordWeight float64
}

// NewDocSearch creates a documentation searcher. embedder may be nil.
func NewDocSearch(store *Store, embedder loom.EmbeddingProvider) *DocSearch {
	return &DocSearch{store: store, embedder: embedder, keywordWeight: defaultKeywordWeight}
}

var _ loom.DocSearcher = (*DocSearch)(nil)

func (d *DocSearch) SearchDocs(ctx context.Context, query string, collections []string, limit int) ([]loom.KnowledgeItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	fetchK := limit * overfetchMultiplier

	var vector []scoredChunk
	if d.embedder != nil {
		embs, err := d.embedder.Embed(ctx, []string{query})
		if err != nil {
			return nil, fmt.Errorf("postgres: embed query: %w", err)
		}
		if len(embs) > 0 {
			vector, err = d.store.searchChunks(ctx, embs[0], fetchK, collections)
			if err != nil {
				return nil, err
			}
		}
	}
	keyword, err := d.store.searchChunksKeyword(ctx, query, fetchK, collections)
	if err != nil {
		return nil, err
	}

	var items []loom.KnowledgeItem
	if len(vector) == 0 {
		items = knowledgeFromChunks(normalizeScores(keyword))
	} else {
		items = fuseChunks(vector, keyword, d.keywordWeight)
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// fuseChunks merges vector and keyword hits with Reciprocal Rank
// Fusion. Fused scores are rescaled so a chunk ranked first by both
// sources scores 1.0, keeping them comparable with the relevance
// floor applied downstream.
func fuseChunks(vector, keyword []scoredChunk, keywordWeight float64) []loom.KnowledgeItem {
	vectorWeight := 1 - keywordWeight

	type entry struct {
		chunk scoredChunk
		score float64
	}
	merged := make(map[string]*entry)

	accumulate := func(hits []scoredChunk, weight float64) {
		for rank, sc := range hits {
			e, ok := merged[sc.ID]
			if !ok {
				e = &entry{chunk: sc}
				merged[sc.ID] = e
			}
			e.score += weight * float64(rrfK+1) / float64(rrfK+rank+1)
		}
	}
	accumulate(vector, vectorWeight)
	accumulate(keyword, keywordWeight)

	fused := make([]scoredChunk, 0, len(merged))
	for _, e := range merged {
		c := e.chunk
		c.Score = e.score
		fused = append(fused, c)
	}
	sort.Slice(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })
	return knowledgeFromChunks(fused)
}

// normalizeScores rescales raw ts_rank scores relative to the best
// hit, mapping them into (0,1] so the relevance floor keeps its
// meaning for keyword-only results.
func normalizeScores(hits []scoredChunk) []scoredChunk {
	if len(hits) == 0 || hits[0].Score <= 0 {
		return hits
	}
	top := hits[0].Score
	for i := range hits {
		hits[i].Score /= top
	}
	return hits
}

func knowledgeFromChunks(chunks []scoredChunk) []loom.KnowledgeItem {
	items := make([]loom.KnowledgeItem, 0, len(chunks))
	for _, c := range chunks {
		items = append(items, loom.KnowledgeItem{
			Content: c.Content,
			Score:   c.Score,
			Metadata: map[string]any{
				"document_id": c.DocumentID,
				"title":       c.Title,
				"collection":  c.Collection,
				"chunk_index": c.Index,
			},
		})
	}
	return items
}

// ChatSearch implements loom.Searcher over past conversation messages
// using tsvector keyword search. userID scopes results through the
// sessions table; empty searches across all users.
type ChatSearch struct {
	store *Store
}

func NewChatSearch(store *Store) *ChatSearch { return &ChatSearch{store: store} }

var _ loom.Searcher = (*ChatSearch)(nil)

func (c *ChatSearch) Search(ctx context.Context, query, userID string, limit int) ([]loom.KnowledgeItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	q := `SELECT m.content, m.role, m.session_id, m.created_at,
	        ts_rank(to_tsvector('english', m.content), plainto_tsquery('english', $1)) AS score
	 FROM messages m`
	args := []any{query, limit}
	if userID != "" {
		args = append(args, userID)
		q += fmt.Sprintf(` JOIN sessions s ON s.id = m.session_id AND s.user_id = $%d`, len(args))
	}
	q += ` WHERE m.role IN ('user', 'assistant')
	   AND to_tsvector('english', m.content) @@ plainto_tsquery('english', $1)
	 ORDER BY score DESC
	 LIMIT $2`

	rows, err := c.store.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: chat search: %w", err)
	}
	defer rows.Close()

	var items []loom.KnowledgeItem
	for rows.Next() {
		var content, role, sessionID string
		var createdAt int64
		var score float64
		if err := rows.Scan(&content, &role, &sessionID, &createdAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan chat hit: %w", err)
		}
		items = append(items, loom.KnowledgeItem{
			Content: content,
			Score:   score,
			Metadata: map[string]any{
				"session_id": sessionID,
				"role":       role,
				"created_at": createdAt,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate chat hits: %w", err)
	}
	return normalizeItemScores(items), nil
}

// ArtifactSearch implements loom.Searcher over user artifacts.
type ArtifactSearch struct {
	store *Store
}

func NewArtifactSearch(store *Store) *ArtifactSearch { return &ArtifactSearch{store: store} }

var _ loom.Searcher = (*ArtifactSearch)(nil)

func (a *ArtifactSearch) Search(ctx context.Context, query, userID string, limit int) ([]loom.KnowledgeItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	q := `SELECT id, title, content,
	        ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
	 FROM artifacts
	 WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)`
	args := []any{query, limit}
	if userID != "" {
		args = append(args, userID)
		q += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	q += ` ORDER BY score DESC LIMIT $2`

	rows, err := a.store.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: artifact search: %w", err)
	}
	defer rows.Close()

	var items []loom.KnowledgeItem
	for rows.Next() {
		var id, title, content string
		var score float64
		if err := rows.Scan(&id, &title, &content, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan artifact: %w", err)
		}
		items = append(items, loom.KnowledgeItem{
			Content: content,
			Score:   score,
			Metadata: map[string]any{
				"artifact_id": id,
				"title":       title,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate artifacts: %w", err)
	}
	return normalizeItemScores(items), nil
}

// AddArtifact stores a user artifact for retrieval.
func (s *Store) AddArtifact(ctx context.Context, id, userID, title, content string) error {
	if id == "" {
		id = loom.NewID()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (id, user_id, title, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   content = EXCLUDED.content`,
		id, userID, title, content, loom.NowUnixMilli())
	if err != nil {
		return fmt.Errorf("postgres: add artifact: %w", err)
	}
	return nil
}

// normalizeItemScores rescales ts_rank scores relative to the best
// hit, as normalizeScores does for chunks.
func normalizeItemScores(items []loom.KnowledgeItem) []loom.KnowledgeItem {
	if len(items) == 0 || items[0].Score <= 0 {
		return items
	}
	top := items[0].Score
	for i := range items {
		items[i].Score /= top
	}
	return items
}

// --- Helpers ---

// jsonColumn marshals v for a nullable JSONB column. present=false
// yields SQL NULL.
func jsonColumn(v any, present bool) (*string, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// accepted by pgvector's vector type.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
