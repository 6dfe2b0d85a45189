// Package sqlite implements the loom storage interfaces on pure-Go
// SQLite with in-process brute-force vector search. Zero CGO required.
// Embeddings live in TEXT columns as JSON arrays, which holds up fine
// for the data volumes a single-node install sees; the postgres
// backend is the scale path.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/loom"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs for every operation including timing, row
// counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements the loom storage interfaces backed by a single
// SQLite file: messages and sessions, both tool cache tiers, the audit
// and metrics sinks, and the document store behind retrieval.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ loom.MessageStore       = (*Store)(nil)
	_ loom.ExactCache         = (*Store)(nil)
	_ loom.SemanticCacheStore = (*Store)(nil)
	_ loom.AuditStore         = (*Store)(nil)
	_ loom.MetricsStore       = (*Store)(nil)
	_ loom.DocStore           = (*Store)(nil)
)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// DB exposes the underlying handle so sibling stores (the memory store
// in particular) can share the same serialized connection.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Init creates all required tables and full-text indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions(user_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			usage TEXT,
			meta TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id, created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(message_id UNINDEXED, content)`,

		`CREATE TABLE IF NOT EXISTS exact_cache (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS semantic_cache (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			original_user_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL,
			args_sketch TEXT NOT NULL DEFAULT '',
			resource_scope TEXT,
			embedding TEXT,
			result TEXT NOT NULL,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			hit_count INTEGER NOT NULL DEFAULT 0,
			cached_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS semantic_cache_tenant_idx ON semantic_cache(tenant_id, tool_name)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			user_hash TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			server TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL,
			args_hash TEXT NOT NULL DEFAULT '',
			executed_on TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
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
			latency_ms INTEGER NOT NULL DEFAULT 0,
			ttft_ms INTEGER NOT NULL DEFAULT 0,
			model_latency_ms INTEGER NOT NULL DEFAULT 0,
			tokens_per_second REAL NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			tool_calls_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS completion_metrics_session_idx ON completion_metrics(session_id)`,

		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			source TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents(collection)`,

		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks(document_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(chunk_id UNINDEXED, content)`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS artifacts_user_idx ON artifacts(user_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS artifacts_fts USING fts5(artifact_id UNINDEXED, content)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Messages ---

// AddMessage persists msg, filling in the ID and timestamps when the
// caller left them zero.
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
	start := time.Now()
	s.logger.Debug("sqlite: add message", "id", msg.ID, "session_id", msg.SessionID, "role", msg.Role)

	toolCalls, err := jsonText(msg.ToolCalls, len(msg.ToolCalls) > 0)
	if err != nil {
		return loom.StoredMessage{}, fmt.Errorf("encode tool calls: %w", err)
	}
	usage, err := jsonText(msg.Usage, msg.Usage != nil)
	if err != nil {
		return loom.StoredMessage{}, fmt.Errorf("encode usage: %w", err)
	}
	meta, err := jsonText(msg.Meta, msg.Meta != nil)
	if err != nil {
		return loom.StoredMessage{}, fmt.Errorf("encode meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (id, session_id, role, content, model, tool_calls, tool_call_id, usage, meta, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Model,
		toolCalls, msg.ToolCallID, usage, meta, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: add message failed", "id", msg.ID, "error", err, "duration", time.Since(start))
		return loom.StoredMessage{}, fmt.Errorf("add message: %w", err)
	}
	if err := s.syncMessageFTS(ctx, msg.ID, msg.Content); err != nil {
		return loom.StoredMessage{}, err
	}
	s.logger.Debug("sqlite: add message ok", "id", msg.ID, "duration", time.Since(start))
	return msg, nil
}

// syncMessageFTS replaces the full-text row for a message.
func (s *Store) syncMessageFTS(ctx context.Context, id, content string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages_fts WHERE message_id = ?`, id); err != nil {
		return fmt.Errorf("sync message fts: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO messages_fts (message_id, content) VALUES (?, ?)`, id, content); err != nil {
		return fmt.Errorf("sync message fts: %w", err)
	}
	return nil
}

// UpdateMessage applies upd to an existing message. Nil fields keep
// their stored values.
func (s *Store) UpdateMessage(ctx context.Context, id string, upd loom.MessageUpdate) error {
	start := time.Now()
	sets := []string{"updated_at = ?"}
	args := []any{loom.NowUnixMilli()}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if upd.Content != nil {
		add("content", *upd.Content)
	}
	if upd.Model != nil {
		add("model", *upd.Model)
	}
	if upd.ToolCalls != nil {
		v, err := jsonText(upd.ToolCalls, true)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		add("tool_calls", v)
	}
	if upd.Usage != nil {
		v, err := jsonText(upd.Usage, true)
		if err != nil {
			return fmt.Errorf("encode usage: %w", err)
		}
		add("usage", v)
	}
	if upd.Meta != nil {
		v, err := jsonText(upd.Meta, true)
		if err != nil {
			return fmt.Errorf("encode meta: %w", err)
		}
		add("meta", v)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		s.logger.Error("sqlite: update message failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update message %s: %w", id, sql.ErrNoRows)
	}
	if upd.Content != nil {
		if err := s.syncMessageFTS(ctx, id, *upd.Content); err != nil {
			return err
		}
	}
	s.logger.Debug("sqlite: update message ok", "id", id, "duration", time.Since(start))
	return nil
}

// ListMessages returns up to limit messages of a session in
// chronological order. limit <= 0 returns the whole session.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]loom.StoredMessage, error) {
	start := time.Now()
	q := `SELECT id, session_id, role, content, model, tool_calls, tool_call_id, usage, meta, created_at, updated_at
		 FROM messages
		 WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []loom.StoredMessage
	for rows.Next() {
		var m loom.StoredMessage
		var toolCalls, usage, meta sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Model,
			&toolCalls, &m.ToolCallID, &usage, &meta, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid {
			_ = json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls)
		}
		if usage.Valid {
			m.Usage = &loom.Usage{}
			_ = json.Unmarshal([]byte(usage.String), m.Usage)
		}
		if meta.Valid {
			m.Meta = &loom.MessageMeta{}
			_ = json.Unmarshal([]byte(meta.String), m.Meta)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first), then restore the
	// same-timestamp role ordering the pipeline expects.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	loom.SortMessages(messages)
	s.logger.Debug("sqlite: list messages ok", "session_id", sessionID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// --- Sessions ---

// TouchSession records session ownership and bumps its activity
// timestamp. The chat searcher joins through this table to scope
// results per user.
func (s *Store) TouchSession(ctx context.Context, sessionID, userID string) error {
	now := loom.NowUnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, created_at, updated_at)
		 VALUES (?, ?, '', ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		sessionID, userID, now, now)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// --- Exact cache ---

// Get returns the value stored under key. Expired entries are removed
// lazily and reported as misses.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM exact_cache WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if expiresAt > 0 && expiresAt <= loom.NowUnixMilli() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM exact_cache WHERE key = ?`, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores value under key. ttl <= 0 means the entry never expires.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = loom.NowUnixMilli() + ttl.Milliseconds()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO exact_cache (key, value, expires_at) VALUES (?, ?, ?)`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM exact_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// SweepExpiredCache deletes exact cache entries whose TTL has passed
// and reports how many were removed. The janitor calls this; reads
// also expire lazily so the sweep is about reclaiming space, not
// correctness.
func (s *Store) SweepExpiredCache(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM exact_cache WHERE expires_at > 0 AND expires_at <= ?`, loom.NowUnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Semantic cache ---

// Insert writes a semantic cache entry. Writes are last-writer-wins;
// TTL-by-sweep is the only coherence mechanism.
func (s *Store) Insert(ctx context.Context, e loom.SemanticCacheEntry) error {
	start := time.Now()
	scope, err := jsonText(e.ResourceScope, len(e.ResourceScope) > 0)
	if err != nil {
		return fmt.Errorf("encode resource scope: %w", err)
	}
	var embText *string
	if len(e.Embedding) > 0 {
		v := serializeEmbedding(e.Embedding)
		embText = &v
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO semantic_cache (id, tenant_id, original_user_id, tool_name, args_sketch, resource_scope, embedding, result, latency_ms, hit_count, cached_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   tenant_id = excluded.tenant_id,
		   original_user_id = excluded.original_user_id,
		   tool_name = excluded.tool_name,
		   args_sketch = excluded.args_sketch,
		   resource_scope = excluded.resource_scope,
		   embedding = excluded.embedding,
		   result = excluded.result,
		   latency_ms = excluded.latency_ms,
		   cached_at = excluded.cached_at`,
		e.ID, e.TenantID, e.OriginalUserID, e.ToolName, e.ArgsSketch, scope, embText,
		string(e.Result), e.LatencyMs, e.HitCount, e.CachedAt)
	if err != nil {
		s.logger.Error("sqlite: semantic insert failed", "id", e.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("semantic insert: %w", err)
	}
	s.logger.Debug("sqlite: semantic insert ok", "id", e.ID, "tool", e.ToolName, "duration", time.Since(start))
	return nil
}

// Search scans the tenant's entries for toolName and returns the best
// cosine match at or above minSimilarity. Brute force over JSON
// embeddings, like every other vector lookup in this package.
func (s *Store) Search(ctx context.Context, tenantID, toolName string, embedding []float32, minSimilarity float64) (loom.SemanticCacheEntry, float64, bool, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, original_user_id, tool_name, args_sketch, resource_scope, embedding, result, latency_ms, hit_count, cached_at
		 FROM semantic_cache
		 WHERE tenant_id = ? AND tool_name = ? AND embedding IS NOT NULL`,
		tenantID, toolName)
	if err != nil {
		return loom.SemanticCacheEntry{}, 0, false, fmt.Errorf("semantic search: %w", err)
	}
	defer rows.Close()

	var best loom.SemanticCacheEntry
	bestScore := -1.0
	scanned := 0
	for rows.Next() {
		var e loom.SemanticCacheEntry
		var scope, embText sql.NullString
		var result string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.OriginalUserID, &e.ToolName, &e.ArgsSketch,
			&scope, &embText, &result, &e.LatencyMs, &e.HitCount, &e.CachedAt); err != nil {
			continue
		}
		scanned++
		emb, parseErr := deserializeEmbedding(embText.String)
		if parseErr != nil || len(emb) == 0 {
			continue
		}
		sim := float64(cosineSimilarity(embedding, emb))
		if sim <= bestScore {
			continue
		}
		if scope.Valid {
			_ = json.Unmarshal([]byte(scope.String), &e.ResourceScope)
		}
		e.Result = json.RawMessage(result)
		best = e
		bestScore = sim
	}
	if err := rows.Err(); err != nil {
		return loom.SemanticCacheEntry{}, 0, false, fmt.Errorf("iterate semantic cache: %w", err)
	}

	if bestScore < minSimilarity {
		s.logger.Debug("sqlite: semantic search miss", "tool", toolName, "scanned", scanned, "best", bestScore, "duration", time.Since(start))
		return loom.SemanticCacheEntry{}, 0, false, nil
	}
	s.logger.Debug("sqlite: semantic search hit", "tool", toolName, "id", best.ID, "similarity", bestScore, "duration", time.Since(start))
	return best, bestScore, true, nil
}

// Touch increments the hit counter.
func (s *Store) Touch(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE semantic_cache SET hit_count = hit_count + 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("semantic touch: %w", err)
	}
	return nil
}

// DeleteSemanticBefore removes semantic cache entries cached before
// cutoff (unix millis) and reports how many were removed.
func (s *Store) DeleteSemanticBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM semantic_cache WHERE cached_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("semantic sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Audit ---

// WriteAudit appends one audit record. Records are immutable; a
// duplicate id is ignored rather than rewritten.
func (s *Store) WriteAudit(ctx context.Context, rec loom.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = loom.NewID()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = loom.NowUnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO audit_log (id, ts, user_hash, session_id, server, tool, args_hash, executed_on, latency_ms, request_bytes, response_bytes, status, error, model, provider, proxy_host)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp, rec.UserHash, rec.SessionID, rec.Server, rec.Tool,
		rec.ArgsHash, rec.ExecutedOn, rec.LatencyMs, rec.RequestBytes, rec.ResponseBytes,
		rec.Status, rec.Error, rec.Model, rec.Provider, rec.ProxyHost)
	if err != nil {
		return fmt.Errorf("write audit: %w", err)
	}
	return nil
}

// --- Metrics ---

// WriteCompletionMetrics appends one per-request metrics record.
func (s *Store) WriteCompletionMetrics(ctx context.Context, m loom.CompletionMetrics) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO completion_metrics (id, user_id, session_id, message_id, provider_type, model, latency_ms, ttft_ms, model_latency_ms, tokens_per_second, prompt_tokens, completion_tokens, tool_calls_count, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loom.NewID(), m.UserID, m.SessionID, m.MessageID, m.ProviderType, m.Model,
		m.LatencyMs, m.TTFTMs, m.ModelLatencyMs, m.TokensPerSecond,
		m.PromptTokens, m.CompletionTokens, m.ToolCallsCount, m.Status, loom.NowUnixMilli())
	if err != nil {
		return fmt.Errorf("write completion metrics: %w", err)
	}
	return nil
}

// --- Documents + chunks ---

// StoreDocument upserts a document and replaces its chunk set, keeping
// the FTS index in sync, all in one transaction.
func (s *Store) StoreDocument(ctx context.Context, doc loom.Document, chunks []loom.Chunk) error {
	start := time.Now()
	s.logger.Debug("sqlite: store document", "id", doc.ID, "title", doc.Title, "chunks", len(chunks))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (id, collection, title, source, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Collection, doc.Title, doc.Source, doc.Content, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("store document: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, doc.ID); err != nil {
		return fmt.Errorf("clear chunk fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	for _, c := range chunks {
		var embText *string
		if len(c.Embedding) > 0 {
			v := serializeEmbedding(c.Embedding)
			embText = &v
		}
		metaText, err := jsonText(c.Metadata, len(c.Metadata) > 0)
		if err != nil {
			return fmt.Errorf("encode chunk metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, document_id, chunk_index, content, embedding, metadata)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.DocumentID, c.Index, c.Content, embText, metaText); err != nil {
			return fmt.Errorf("store chunk: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)`, c.ID, c.Content); err != nil {
			return fmt.Errorf("index chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit document: %w", err)
	}
	s.logger.Debug("sqlite: store document ok", "id", doc.ID, "duration", time.Since(start))
	return nil
}

// DeleteDocument removes a document, its chunks, and their FTS rows.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, id); err != nil {
		return fmt.Errorf("delete chunk fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return tx.Commit()
}

// scoredChunk is one retrieval hit before fusion.
type scoredChunk struct {
	ID         string
	DocumentID string
	Title      string
	Collection string
	Index      int
	Content    string
	Score      float64
}

// searchChunks performs brute-force vector search: scan every embedded
// chunk, score it, sort, trim.
func (s *Store) searchChunks(ctx context.Context, embedding []float32, topK int, collections []string) ([]scoredChunk, error) {
	start := time.Now()
	q := `SELECT c.id, c.document_id, d.title, d.collection, c.chunk_index, c.content, c.embedding
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE c.embedding IS NOT NULL`
	filter, args := collectionFilter(collections, nil)
	q += filter

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []scoredChunk
	scanned := 0
	for rows.Next() {
		var c scoredChunk
		var embText string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Title, &c.Collection, &c.Index, &c.Content, &embText); err != nil {
			continue
		}
		scanned++
		emb, parseErr := deserializeEmbedding(embText)
		if parseErr != nil || len(emb) == 0 {
			continue
		}
		c.Score = float64(cosineSimilarity(embedding, emb))
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: vector search ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// searchChunksKeyword performs FTS5 keyword search. FTS5 rank is more
// negative for better matches, so the score is its negation.
func (s *Store) searchChunksKeyword(ctx context.Context, query string, topK int, collections []string) ([]scoredChunk, error) {
	start := time.Now()
	q := `SELECT c.id, c.document_id, d.title, d.collection, c.chunk_index, c.content, f.rank
		 FROM chunks_fts f
		 JOIN chunks c ON c.id = f.chunk_id
		 JOIN documents d ON d.id = c.document_id
		 WHERE chunks_fts MATCH ?`
	filter, args := collectionFilter(collections, []any{query})
	q += filter + ` ORDER BY f.rank LIMIT ?`
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []scoredChunk
	for rows.Next() {
		var c scoredChunk
		var rank float64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Title, &c.Collection, &c.Index, &c.Content, &rank); err != nil {
			continue
		}
		c.Score = -rank
		if c.Score < 0 {
			c.Score = 0
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keyword results: %w", err)
	}
	s.logger.Debug("sqlite: keyword search ok", "query", query, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// collectionFilter appends an AND d.collection IN (...) clause when
// collections are given.
func collectionFilter(collections []string, args []any) (string, []any) {
	if len(collections) == 0 {
		return "", args
	}
	ph := make([]string, len(collections))
	for i, c := range collections {
		ph[i] = "?"
		args = append(args, c)
	}
	return " AND d.collection IN (" + strings.Join(ph, ", ") + ")", args
}

// --- Retrieval searchers ---

// Relevance fusion knobs, shared with the postgres backend.
const (
	rrfK                 = 60
	defaultKeywordWeight = 0.3
	overfetchMultiplier  = 3
)

// DocSearch implements loom.DocSearcher over the documents and chunks
// tables, fusing brute-force cosine search with FTS5 keyword search by
// Reciprocal Rank Fusion. Without an embedder it degrades to
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
			return nil, fmt.Errorf("embed query: %w", err)
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

// normalizeScores rescales raw keyword scores relative to the best
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
// using FTS5. userID scopes results through the sessions table; empty
// searches across all users.
type ChatSearch struct {
	store *Store
}

func NewChatSearch(store *Store) *ChatSearch { return &ChatSearch{store: store} }

var _ loom.Searcher = (*ChatSearch)(nil)

func (c *ChatSearch) Search(ctx context.Context, query, userID string, limit int) ([]loom.KnowledgeItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	q := `SELECT m.content, m.role, m.session_id, m.created_at, f.rank
		 FROM messages_fts f
		 JOIN messages m ON m.id = f.message_id`
	args := []any{}
	if userID != "" {
		q += ` JOIN sessions s ON s.id = m.session_id AND s.user_id = ?`
		args = append(args, userID)
	}
	q += ` WHERE m.role IN ('user', 'assistant') AND messages_fts MATCH ?
		 ORDER BY f.rank LIMIT ?`
	args = append(args, query, limit)

	rows, err := c.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("chat search: %w", err)
	}
	defer rows.Close()

	var items []loom.KnowledgeItem
	for rows.Next() {
		var content, role, sessionID string
		var createdAt int64
		var rank float64
		if err := rows.Scan(&content, &role, &sessionID, &createdAt, &rank); err != nil {
			return nil, fmt.Errorf("scan chat hit: %w", err)
		}
		score := -rank
		if score < 0 {
			score = 0
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
		return nil, fmt.Errorf("iterate chat hits: %w", err)
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

	q := `SELECT r.id, r.title, r.content, f.rank
		 FROM artifacts_fts f
		 JOIN artifacts r ON r.id = f.artifact_id
		 WHERE artifacts_fts MATCH ?`
	args := []any{query}
	if userID != "" {
		q += ` AND r.user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY f.rank LIMIT ?`
	args = append(args, limit)

	rows, err := a.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("artifact search: %w", err)
	}
	defer rows.Close()

	var items []loom.KnowledgeItem
	for rows.Next() {
		var id, title, content string
		var rank float64
		if err := rows.Scan(&id, &title, &content, &rank); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		score := -rank
		if score < 0 {
			score = 0
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
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return normalizeItemScores(items), nil
}

// AddArtifact stores a user artifact for retrieval.
func (s *Store) AddArtifact(ctx context.Context, id, userID, title, content string) error {
	if id == "" {
		id = loom.NewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, user_id, title, content, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title,
		   content = excluded.content`,
		id, userID, title, content, loom.NowUnixMilli())
	if err != nil {
		return fmt.Errorf("add artifact: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts_fts WHERE artifact_id = ?`, id); err != nil {
		return fmt.Errorf("sync artifact fts: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO artifacts_fts (artifact_id, content) VALUES (?, ?)`, id, content); err != nil {
		return fmt.Errorf("sync artifact fts: %w", err)
	}
	return nil
}

// normalizeItemScores rescales keyword scores relative to the best
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

// jsonText marshals v for a nullable TEXT column holding JSON.
// present=false yields SQL NULL.
func jsonText(v any, present bool) (*string, error) {
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

// --- Vector math ---

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
