package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nevindra/loom"
	"github.com/nevindra/loom/memory"
)

// MemoryStoreOption configures a SQLite MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryLogger sets a structured logger for the memory store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithMemoryLogger(l *slog.Logger) MemoryStoreOption {
	return func(s *MemoryStore) { s.logger = l }
}

// MemoryStore implements memory.FactStore and memory.SummaryStore
// backed by SQLite. Embeddings are stored as JSON text and similarity
// search is done in-process using brute-force cosine similarity.
//
// Use NewMemoryStore with a shared *sql.DB from Store.DB() so both
// Store and MemoryStore share the same serialized connection.
type MemoryStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ memory.FactStore    = (*MemoryStore)(nil)
	_ memory.SummaryStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates a MemoryStore using an existing *sql.DB.
// Pass store.DB() to share the same connection as Store.
func NewMemoryStore(db *sql.DB, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the user_facts and session_summaries tables.
func (s *MemoryStore) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: memory init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS user_facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			fact TEXT NOT NULL,
			category TEXT NOT NULL,
			confidence REAL DEFAULT 1.0,
			embedding TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS user_facts_user_idx ON user_facts(user_id)`,
		`CREATE TABLE IF NOT EXISTS session_summaries (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			turns INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS session_summaries_user_idx ON session_summaries(user_id, updated_at)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			s.logger.Error("sqlite: memory init failed", "error", err, "duration", time.Since(start))
			return fmt.Errorf("create memory table: %w", err)
		}
	}
	s.logger.Info("sqlite: memory init completed", "duration", time.Since(start))
	return nil
}

// --- Facts ---

// UpsertFact inserts a new fact or merges with an existing one if cosine
// similarity exceeds 0.85. Merging updates the text and bumps confidence.
// Without an embedding the merge check degrades to exact text match.
func (s *MemoryStore) UpsertFact(ctx context.Context, userID, text, category string, embedding []float32) error {
	start := time.Now()
	s.logger.Debug("sqlite: upsert fact", "user_id", userID, "category", category, "embedding_dim", len(embedding))
	now := loom.NowUnixMilli()

	if len(embedding) == 0 {
		return s.upsertFactByText(ctx, userID, text, category, now)
	}
	embJSON := serializeEmbedding(embedding)

	// Brute-force: check the user's existing facts for similarity.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, confidence, embedding FROM user_facts WHERE user_id = ? AND confidence >= 0.3`, userID)
	if err != nil {
		s.logger.Error("sqlite: upsert fact query failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("upsert fact: %w", err)
	}

	type candidate struct {
		id         string
		confidence float64
		similarity float32
	}
	var best *candidate

	for rows.Next() {
		var id string
		var conf float64
		var embText sql.NullString
		if err := rows.Scan(&id, &conf, &embText); err != nil {
			continue
		}
		existing, parseErr := deserializeEmbedding(embText.String)
		if parseErr != nil || len(existing) == 0 {
			continue
		}
		sim := cosineSimilarity(embedding, existing)
		if sim > 0.85 && (best == nil || sim > best.similarity) {
			best = &candidate{id: id, confidence: conf, similarity: sim}
		}
	}
	rows.Close()

	if best != nil {
		// Merge: update existing fact.
		newConf := best.confidence + 0.1
		if newConf > 1.0 {
			newConf = 1.0
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE user_facts SET fact=?, category=?, embedding=?, confidence=?, updated_at=? WHERE id=?`,
			text, category, embJSON, newConf, now, best.id)
		if err != nil {
			s.logger.Error("sqlite: upsert fact merge failed", "id", best.id, "error", err, "duration", time.Since(start))
			return fmt.Errorf("merge fact: %w", err)
		}
		s.logger.Debug("sqlite: upsert fact merged", "id", best.id, "similarity", best.similarity, "duration", time.Since(start))
		return nil
	}

	// Insert new fact.
	id := loom.NewID()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_facts (id, user_id, fact, category, confidence, embedding, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1.0, ?, ?, ?)`,
		id, userID, text, category, embJSON, now, now)
	if err != nil {
		s.logger.Error("sqlite: upsert fact insert failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("insert fact: %w", err)
	}
	s.logger.Debug("sqlite: upsert fact inserted", "id", id, "duration", time.Since(start))
	return nil
}

// upsertFactByText is the embedder-less path: dedupe on exact text.
func (s *MemoryStore) upsertFactByText(ctx context.Context, userID, text, category string, now int64) error {
	var id string
	var conf float64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, confidence FROM user_facts WHERE user_id = ? AND fact = ?`, userID, text).Scan(&id, &conf)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO user_facts (id, user_id, fact, category, confidence, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 1.0, ?, ?)`,
			loom.NewID(), userID, text, category, now, now)
		if err != nil {
			return fmt.Errorf("insert fact: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("upsert fact: %w", err)
	}

	newConf := conf + 0.1
	if newConf > 1.0 {
		newConf = 1.0
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE user_facts SET category=?, confidence=?, updated_at=? WHERE id=?`,
		category, newConf, now, id)
	if err != nil {
		return fmt.Errorf("merge fact: %w", err)
	}
	return nil
}

// SearchFacts returns the user's facts semantically similar to the query
// embedding, sorted by Score descending. Only facts with confidence >= 0.3
// are returned.
func (s *MemoryStore) SearchFacts(ctx context.Context, userID string, embedding []float32, topK int) ([]memory.ScoredFact, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search facts", "user_id", userID, "top_k", topK, "embedding_dim", len(embedding))
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, fact, category, confidence, embedding, created_at, updated_at
		 FROM user_facts
		 WHERE user_id = ? AND confidence >= 0.3 AND embedding IS NOT NULL`, userID)
	if err != nil {
		s.logger.Error("sqlite: search facts failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("search facts: %w", err)
	}
	defer rows.Close()

	var all []memory.ScoredFact
	for rows.Next() {
		var f memory.Fact
		var embText string
		if err := rows.Scan(&f.ID, &f.UserID, &f.Text, &f.Category, &f.Confidence, &embText, &f.CreatedAt, &f.UpdatedAt); err != nil {
			continue
		}
		emb, parseErr := deserializeEmbedding(embText)
		if parseErr != nil || len(emb) == 0 {
			continue
		}
		all = append(all, memory.ScoredFact{Fact: f, Score: float64(cosineSimilarity(embedding, emb))})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Score > all[j].Score
	})
	if len(all) > topK {
		all = all[:topK]
	}
	s.logger.Debug("sqlite: search facts ok", "count", len(all), "duration", time.Since(start))
	return all, nil
}

// TopFacts returns the user's highest-confidence facts, most recently
// updated first within equal confidence.
func (s *MemoryStore) TopFacts(ctx context.Context, userID string, limit int) ([]memory.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, fact, category, confidence, created_at, updated_at
		 FROM user_facts
		 WHERE user_id = ? AND confidence >= 0.3
		 ORDER BY confidence DESC, updated_at DESC
		 LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("top facts: %w", err)
	}
	defer rows.Close()

	var facts []memory.Fact
	for rows.Next() {
		var f memory.Fact
		if err := rows.Scan(&f.ID, &f.UserID, &f.Text, &f.Category, &f.Confidence, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// DeleteMatchingFacts removes the user's facts whose text contains
// pattern.
func (s *MemoryStore) DeleteMatchingFacts(ctx context.Context, userID, pattern string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_facts WHERE user_id = ? AND fact LIKE ?`, userID, "%"+pattern+"%")
	if err != nil {
		return fmt.Errorf("delete facts: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("sqlite: deleted matching facts", "user_id", userID, "pattern", pattern, "count", n)
	}
	return nil
}

const dayMs = int64(24 * 60 * 60 * 1000)

// DecayFacts ages idle facts down and prunes the ones that stayed
// stale: confidence decays 5% after a week without updates and facts
// under the recall floor for a month are deleted.
func (s *MemoryStore) DecayFacts(ctx context.Context) error {
	now := loom.NowUnixMilli()

	sevenDaysAgo := now - 7*dayMs
	if _, err := s.db.ExecContext(ctx,
		`UPDATE user_facts SET confidence = confidence * 0.95 WHERE updated_at < ? AND confidence > 0.3`,
		sevenDaysAgo); err != nil {
		return fmt.Errorf("decay facts: %w", err)
	}

	thirtyDaysAgo := now - 30*dayMs
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM user_facts WHERE confidence < 0.3 AND updated_at < ?`,
		thirtyDaysAgo); err != nil {
		return fmt.Errorf("prune facts: %w", err)
	}
	return nil
}

// --- Session summaries ---

// GetSummary returns the rolling summary state for a session. ok is
// false when the session has never been observed.
func (s *MemoryStore) GetSummary(ctx context.Context, sessionID string) (memory.SessionSummary, bool, error) {
	var sum memory.SessionSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, summary, turns, updated_at FROM session_summaries WHERE session_id = ?`,
		sessionID).Scan(&sum.SessionID, &sum.UserID, &sum.Summary, &sum.Turns, &sum.UpdatedAt)
	if err == sql.ErrNoRows {
		return memory.SessionSummary{}, false, nil
	}
	if err != nil {
		return memory.SessionSummary{}, false, fmt.Errorf("get summary: %w", err)
	}
	return sum, true, nil
}

// PutSummary upserts the rolling summary state for a session.
func (s *MemoryStore) PutSummary(ctx context.Context, sum memory.SessionSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_summaries (session_id, user_id, summary, turns, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   user_id = excluded.user_id,
		   summary = excluded.summary,
		   turns = excluded.turns,
		   updated_at = excluded.updated_at`,
		sum.SessionID, sum.UserID, sum.Summary, sum.Turns, sum.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put summary: %w", err)
	}
	return nil
}

// RecentSummaries returns the user's most recently updated session
// summaries, newest first. Sessions without summary text yet are
// skipped.
func (s *MemoryStore) RecentSummaries(ctx context.Context, userID string, limit int) ([]memory.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, user_id, summary, turns, updated_at
		 FROM session_summaries
		 WHERE user_id = ? AND summary <> ''
		 ORDER BY updated_at DESC
		 LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent summaries: %w", err)
	}
	defer rows.Close()

	var sums []memory.SessionSummary
	for rows.Next() {
		var sum memory.SessionSummary
		if err := rows.Scan(&sum.SessionID, &sum.UserID, &sum.Summary, &sum.Turns, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}
