package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/loom"
	"github.com/nevindra/loom/memory"
)

// MemoryStore implements memory.FactStore and memory.SummaryStore
// backed by PostgreSQL with pgvector. Semantic deduplication uses
// pgvector cosine distance instead of brute-force.
type MemoryStore struct {
	pool *pgxpool.Pool
}

var _ memory.FactStore = (*MemoryStore)(nil)
var _ memory.SummaryStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func NewMemoryStore(pool *pgxpool.Pool) *MemoryStore {
	return &MemoryStore{pool: pool}
}

// Init creates the pgvector extension, memory tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *MemoryStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS user_facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			fact TEXT NOT NULL,
			category TEXT NOT NULL,
			confidence REAL DEFAULT 1.0,
			embedding vector,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS user_facts_user_idx ON user_facts(user_id)`,
		`CREATE INDEX IF NOT EXISTS user_facts_embedding_idx ON user_facts USING hnsw (embedding vector_cosine_ops)`,
		`CREATE TABLE IF NOT EXISTS session_summaries (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			turns INTEGER NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS session_summaries_user_idx ON session_summaries(user_id, updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: memory init: %w", err)
		}
	}
	return nil
}

const dayMs = int64(24 * 60 * 60 * 1000)

// UpsertFact inserts a new fact or merges with an existing one when
// cosine similarity exceeds 0.85. Merging updates the text and bumps
// confidence. Without an embedding, deduplication falls back to exact
// text match.
func (s *MemoryStore) UpsertFact(ctx context.Context, userID, text, category string, embedding []float32) error {
	now := loom.NowUnixMilli()

	if len(embedding) == 0 {
		return s.upsertFactByText(ctx, userID, text, category, now)
	}
	embStr := serializeEmbedding(embedding)

	// Find the user's most similar existing fact using pgvector.
	var bestID string
	var bestConf float64
	var bestScore float64

	rows, err := s.pool.Query(ctx,
		`SELECT id, confidence, 1 - (embedding <=> $1::vector) AS score
		 FROM user_facts
		 WHERE user_id = $2 AND confidence >= 0.3 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT 1`,
		embStr, userID)
	if err != nil {
		return fmt.Errorf("postgres: upsert fact search: %w", err)
	}
	defer rows.Close()

	found := false
	if rows.Next() {
		if err := rows.Scan(&bestID, &bestConf, &bestScore); err == nil && bestScore > 0.85 {
			found = true
		}
	}
	rows.Close()

	if found {
		newConf := bestConf + 0.1
		if newConf > 1.0 {
			newConf = 1.0
		}
		_, err := s.pool.Exec(ctx,
			`UPDATE user_facts SET fact=$1, category=$2, embedding=$3::vector, confidence=$4, updated_at=$5 WHERE id=$6`,
			text, category, embStr, newConf, now, bestID)
		if err != nil {
			return fmt.Errorf("postgres: merge fact: %w", err)
		}
		return nil
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO user_facts (id, user_id, fact, category, confidence, embedding, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 1.0, $5::vector, $6, $7)`,
		loom.NewID(), userID, text, category, embStr, now, now)
	if err != nil {
		return fmt.Errorf("postgres: insert fact: %w", err)
	}
	return nil
}

func (s *MemoryStore) upsertFactByText(ctx context.Context, userID, text, category string, now int64) error {
	var id string
	var conf float64
	err := s.pool.QueryRow(ctx,
		`SELECT id, confidence FROM user_facts WHERE user_id = $1 AND fact = $2`,
		userID, text).Scan(&id, &conf)
	switch {
	case err == nil:
		newConf := conf + 0.1
		if newConf > 1.0 {
			newConf = 1.0
		}
		_, err := s.pool.Exec(ctx,
			`UPDATE user_facts SET category=$1, confidence=$2, updated_at=$3 WHERE id=$4`,
			category, newConf, now, id)
		if err != nil {
			return fmt.Errorf("postgres: merge fact: %w", err)
		}
		return nil
	case err == pgx.ErrNoRows:
		_, err := s.pool.Exec(ctx,
			`INSERT INTO user_facts (id, user_id, fact, category, confidence, embedding, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, 1.0, NULL, $5, $6)`,
			loom.NewID(), userID, text, category, now, now)
		if err != nil {
			return fmt.Errorf("postgres: insert fact: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("postgres: upsert fact lookup: %w", err)
	}
}

// SearchFacts returns the user's facts semantically similar to the
// query embedding, sorted by score descending. Only facts with
// confidence >= 0.3 are returned.
func (s *MemoryStore) SearchFacts(ctx context.Context, userID string, embedding []float32, topK int) ([]memory.ScoredFact, error) {
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, fact, category, confidence, created_at, updated_at,
		        1 - (embedding <=> $1::vector) AS score
		 FROM user_facts
		 WHERE user_id = $2 AND confidence >= 0.3 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $3`,
		embStr, userID, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search facts: %w", err)
	}
	defer rows.Close()

	var results []memory.ScoredFact
	for rows.Next() {
		var f memory.Fact
		var score float64
		if err := rows.Scan(&f.ID, &f.UserID, &f.Text, &f.Category, &f.Confidence, &f.CreatedAt, &f.UpdatedAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan fact: %w", err)
		}
		results = append(results, memory.ScoredFact{Fact: f, Score: score})
	}
	return results, rows.Err()
}

// TopFacts returns the user's highest-confidence facts, most recently
// updated first within equal confidence.
func (s *MemoryStore) TopFacts(ctx context.Context, userID string, limit int) ([]memory.Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, fact, category, confidence, created_at, updated_at
		 FROM user_facts
		 WHERE user_id = $1 AND confidence >= 0.3
		 ORDER BY confidence DESC, updated_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: top facts: %w", err)
	}
	defer rows.Close()

	var facts []memory.Fact
	for rows.Next() {
		var f memory.Fact
		if err := rows.Scan(&f.ID, &f.UserID, &f.Text, &f.Category, &f.Confidence, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// DeleteMatchingFacts removes the user's facts whose text matches a
// LIKE pattern. Superseded facts go through here.
func (s *MemoryStore) DeleteMatchingFacts(ctx context.Context, userID, pattern string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM user_facts WHERE user_id = $1 AND fact LIKE $2`,
		userID, "%"+pattern+"%")
	if err != nil {
		return fmt.Errorf("postgres: delete facts: %w", err)
	}
	return nil
}

// DecayFacts reduces confidence of stale facts and prunes very low
// ones. Facts untouched for 7 days get confidence * 0.95. Facts with
// confidence < 0.3 untouched for 30 days are deleted.
func (s *MemoryStore) DecayFacts(ctx context.Context) error {
	now := loom.NowUnixMilli()

	sevenDaysAgo := now - 7*dayMs
	if _, err := s.pool.Exec(ctx,
		`UPDATE user_facts SET confidence = confidence * 0.95 WHERE updated_at < $1 AND confidence > 0.3`,
		sevenDaysAgo); err != nil {
		return fmt.Errorf("postgres: decay facts: %w", err)
	}

	thirtyDaysAgo := now - 30*dayMs
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM user_facts WHERE confidence < 0.3 AND updated_at < $1`,
		thirtyDaysAgo); err != nil {
		return fmt.Errorf("postgres: prune facts: %w", err)
	}
	return nil
}

// --- Session summaries ---

// GetSummary returns the rolling summary record for a session.
func (s *MemoryStore) GetSummary(ctx context.Context, sessionID string) (memory.SessionSummary, bool, error) {
	var sum memory.SessionSummary
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, user_id, summary, turns, updated_at
		 FROM session_summaries WHERE session_id = $1`,
		sessionID).Scan(&sum.SessionID, &sum.UserID, &sum.Summary, &sum.Turns, &sum.UpdatedAt)
	if err == pgx.ErrNoRows {
		return memory.SessionSummary{}, false, nil
	}
	if err != nil {
		return memory.SessionSummary{}, false, fmt.Errorf("postgres: get summary: %w", err)
	}
	return sum, true, nil
}

// PutSummary inserts or replaces a session's rolling summary.
func (s *MemoryStore) PutSummary(ctx context.Context, sum memory.SessionSummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_summaries (session_id, user_id, summary, turns, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   summary = EXCLUDED.summary,
		   turns = EXCLUDED.turns,
		   updated_at = EXCLUDED.updated_at`,
		sum.SessionID, sum.UserID, sum.Summary, sum.Turns, sum.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put summary: %w", err)
	}
	return nil
}

// RecentSummaries returns the user's most recently updated session
// summaries, newest first. Sessions without summary text are skipped.
func (s *MemoryStore) RecentSummaries(ctx context.Context, userID string, limit int) ([]memory.SessionSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, user_id, summary, turns, updated_at
		 FROM session_summaries
		 WHERE user_id = $1 AND summary <> ''
		 ORDER BY updated_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent summaries: %w", err)
	}
	defer rows.Close()

	var sums []memory.SessionSummary
	for rows.Next() {
		var sum memory.SessionSummary
		if err := rows.Scan(&sum.SessionID, &sum.UserID, &sum.Summary, &sum.Turns, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan summary: %w", err)
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}
