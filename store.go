package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// ===========================================================================
// EMBEDDING STORE
// ===========================================================================
//
// PostgreSQL + pgvector persistence for sentence embeddings. Rows are
// deduplicated by a SHA-256 hash of the sentence text, and similarity
// search uses pgvector's cosine distance operator so ranking matches
// the training objective's similarity measure.
//
// ===========================================================================

// StoreConfig holds database connection settings.
type StoreConfig struct {
	DatabaseURL     string        `mapstructure:"database_url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SentenceRow is one stored sentence with its embedding.
type SentenceRow struct {
	ID        int64     `db:"id"`
	Text      string    `db:"text"`
	TextHash  string    `db:"text_hash"`
	Embedding []float64 `db:"-"`
	CreatedAt time.Time `db:"created_at"`
}

// SimilarSentence is one similarity search hit.
type SimilarSentence struct {
	Text       string
	Similarity float64
}

// EmbeddingStore persists sentence embeddings in PostgreSQL.
type EmbeddingStore struct {
	db     *sqlx.DB
	logger *zap.Logger
	dim    int
}

// NewEmbeddingStore connects to the database, verifies the pgvector
// extension, and creates the embeddings table for the given dimension
// if it does not exist.
func NewEmbeddingStore(cfg StoreConfig, dim int, logger *zap.Logger) (*EmbeddingStore, error) {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &EmbeddingStore{db: db, logger: logger, dim: dim}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("embedding store ready",
		zap.Int("dim", dim),
		zap.Int("max_open_conns", cfg.MaxOpenConns))
	return s, nil
}

func (s *EmbeddingStore) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}

	var hasVector bool
	query := "SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')"
	if err := s.db.GetContext(ctx, &hasVector, query); err != nil {
		return fmt.Errorf("store: check pgvector extension: %w", err)
	}
	if !hasVector {
		return fmt.Errorf("store: pgvector extension is not installed")
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS sentence_embeddings (
			id         BIGSERIAL PRIMARY KEY,
			text       TEXT NOT NULL,
			text_hash  TEXT NOT NULL UNIQUE,
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dim)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: create table: %w", err)
	}
	return nil
}

// Insert stores one sentence and its embedding, skipping sentences
// already present.
func (s *EmbeddingStore) Insert(ctx context.Context, text string, embedding []float64) error {
	if len(embedding) != s.dim {
		return fmt.Errorf("%w: embedding has %d components, store expects %d",
			ErrShapeMismatch, len(embedding), s.dim)
	}

	query := `
		INSERT INTO sentence_embeddings (text, text_hash, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (text_hash) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, text, hashText(text), formatVector(embedding))
	if err != nil {
		return fmt.Errorf("store: insert: %w", err)
	}
	return nil
}

// InsertBatch stores many sentences in one statement. Returns the
// number of rows actually inserted (duplicates are skipped).
func (s *EmbeddingStore) InsertBatch(ctx context.Context, texts []string, embeddings *Tensor) (int64, error) {
	if embeddings.Dims() != 2 || embeddings.shape[0] != len(texts) || embeddings.shape[1] != s.dim {
		return 0, fmt.Errorf("%w: embeddings shape %v does not match %d texts of dim %d",
			ErrShapeMismatch, embeddings.shape, len(texts), s.dim)
	}
	if len(texts) == 0 {
		return 0, nil
	}

	start := time.Now()
	values := make([]string, 0, len(texts))
	args := make([]interface{}, 0, len(texts)*3)
	for i, text := range texts {
		values = append(values, fmt.Sprintf("($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3))
		args = append(args, text, hashText(text), formatVector(embeddings.Row(i)))
	}

	query := fmt.Sprintf(`
		INSERT INTO sentence_embeddings (text, text_hash, embedding)
		VALUES %s
		ON CONFLICT (text_hash) DO NOTHING`, strings.Join(values, ","))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: batch insert: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		inserted = int64(len(texts))
	}

	s.logger.Info("batch insert completed",
		zap.Int64("inserted", inserted),
		zap.Int64("skipped", int64(len(texts))-inserted),
		zap.Duration("duration", time.Since(start)))
	return inserted, nil
}

// FindSimilar returns up to limit stored sentences ranked by cosine
// similarity to the query embedding.
func (s *EmbeddingStore) FindSimilar(ctx context.Context, embedding []float64, limit int) ([]SimilarSentence, error) {
	if len(embedding) != s.dim {
		return nil, fmt.Errorf("%w: query embedding has %d components, store expects %d",
			ErrShapeMismatch, len(embedding), s.dim)
	}

	query := `
		SELECT text, 1 - (embedding <=> $1) AS similarity
		FROM sentence_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2`

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, formatVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("store: similarity search: %w", err)
	}
	defer rows.Close()

	var results []SimilarSentence
	for rows.Next() {
		var r SimilarSentence
		if err := rows.Scan(&r.Text, &r.Similarity); err != nil {
			return nil, fmt.Errorf("store: scan result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate results: %w", err)
	}

	s.logger.Debug("similarity search completed",
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)))
	return results, nil
}

// CreateIndex builds the approximate cosine index. Worth doing only
// once the table is reasonably full; below the threshold it is a no-op.
func (s *EmbeddingStore) CreateIndex(ctx context.Context) error {
	var count int64
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM sentence_embeddings"); err != nil {
		return fmt.Errorf("store: count rows: %w", err)
	}
	if count < 1000 {
		s.logger.Info("skipping index creation, not enough rows", zap.Int64("count", count))
		return nil
	}

	query := `
		CREATE INDEX IF NOT EXISTS idx_sentence_embeddings_embedding
		ON sentence_embeddings USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: create index: %w", err)
	}
	s.logger.Info("similarity index created", zap.Int64("rows", count))
	return nil
}

// Close releases the database connection pool.
func (s *EmbeddingStore) Close() error {
	return s.db.Close()
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// formatVector renders a float slice in pgvector's literal syntax.
func formatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%g", x)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
