package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/starsearch/internal/config"
	"github.com/seanblong/starsearch/pkg/models"
)

// pgvector refuses HNSW indexes on vectors wider than this.
const maxIndexedDim = 2000

// pool is the part of *pgxpool.Pool the store uses.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store provides methods to interact with the database.
type Store struct {
	pool pool
}

// StorageError reports a failed database operation. Save failures leave
// nothing behind for the repository.
type StorageError struct {
	Repository string
	Op         string
	Err        error
}

func (e *StorageError) Error() string {
	if e.Repository == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Repository, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("%w: database url: %w", config.ErrConfiguration, err)
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &StorageError{Op: "connect", Err: err}
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS repositories (
  id              BIGSERIAL PRIMARY KEY,
  github_username TEXT NOT NULL,
  name            TEXT NOT NULL,
  full_name       TEXT NOT NULL,
  description     TEXT,
  url             TEXT NOT NULL,
  language        TEXT,
  stars           INT NOT NULL DEFAULT 0,
  created_at      TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS repositories_github_username_idx
  ON repositories (github_username);

CREATE TABLE IF NOT EXISTS readme_chunks (
  id            BIGSERIAL PRIMARY KEY,
  repository_id BIGINT NOT NULL REFERENCES repositories (id) ON DELETE CASCADE,
  chunk_index   INT NOT NULL,
  content       TEXT NOT NULL,
  UNIQUE (repository_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS embeddings (
  id            BIGSERIAL PRIMARY KEY,
  repository_id BIGINT NOT NULL REFERENCES repositories (id) ON DELETE CASCADE,
  chunk_id      BIGINT NOT NULL UNIQUE REFERENCES readme_chunks (id) ON DELETE CASCADE,
  embedding     vector(%[1]d) NOT NULL
);

CREATE INDEX IF NOT EXISTS embeddings_repository_idx
  ON embeddings (repository_id);

CREATE OR REPLACE FUNCTION search_similar_embeddings(
  query_embedding vector(%[1]d),
  match_threshold float,
  match_count int
)
RETURNS TABLE (id bigint, repository_id bigint, chunk_id bigint, similarity float)
LANGUAGE sql STABLE
AS $$
  -- Ordering by the bare distance lets the HNSW index drive the scan.
  SELECT e.id, e.repository_id, e.chunk_id,
         LEAST(GREATEST(1 - (e.embedding <=> query_embedding), 0), 1)::float AS similarity
  FROM embeddings e
  WHERE match_threshold <= 0
     OR (e.embedding <=> query_embedding) <= 1 - match_threshold
  ORDER BY e.embedding <=> query_embedding, e.id
  LIMIT match_count;
$$;
`

const hnswIndex = `
CREATE INDEX IF NOT EXISTS embeddings_embedding_hnsw_idx
  ON embeddings USING hnsw (embedding vector_cosine_ops);`

// Migrate creates the schema for dim-dimensional embeddings. It refuses to
// run against an existing corpus of a different dimension.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: embedding dimension must be positive, got %d", config.ErrConfiguration, dim)
	}

	existing, err := s.embeddingDim(ctx)
	if err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}
	if existing > 0 && existing != dim {
		return fmt.Errorf("%w: stored embeddings have dimension %d, configured %d", config.ErrConfiguration, existing, dim)
	}

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schema, dim)); err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}
	if dim > maxIndexedDim {
		log.Warn().Int("dim", dim).Msg("embedding dimension too large for an HNSW index, searches will scan")
		return nil
	}
	if _, err := s.pool.Exec(ctx, hnswIndex); err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}
	return nil
}

// embeddingDim reads the declared dimension of embeddings.embedding, or 0
// when the table does not exist yet.
func (s *Store) embeddingDim(ctx context.Context) (int, error) {
	const q = `
      SELECT a.atttypmod
      FROM pg_attribute a
      WHERE a.attrelid = to_regclass('embeddings')
        AND a.attname = 'embedding'
        AND NOT a.attisdropped`
	var dim int
	err := s.pool.QueryRow(ctx, q).Scan(&dim)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return dim, err
}

const (
	insertRepository = `
      INSERT INTO repositories (github_username, name, full_name, description, url, language, stars)
      VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7)
      RETURNING id, created_at`

	insertChunks = `
      INSERT INTO readme_chunks (repository_id, chunk_index, content)
      SELECT $1::bigint, t.idx, t.content
      FROM unnest($2::int[], $3::text[]) AS t(idx, content)`

	insertEmbedding = `
      INSERT INTO embeddings (repository_id, chunk_id, embedding)
      SELECT $1::bigint, c.id, $3::vector
      FROM readme_chunks c
      WHERE c.repository_id = $1::bigint AND c.chunk_index = $2::int`
)

// Save writes one repository, its chunks and their embeddings in a single
// transaction and returns the stored repository. chunks[i] pairs with
// embeddings[i].
func (s *Store) Save(ctx context.Context, user string, repo models.Repository, chunks []string, embeddings [][]float32) (models.Repository, error) {
	fail := func(op string, err error) (models.Repository, error) {
		return models.Repository{}, &StorageError{Repository: repo.FullName, Op: op, Err: err}
	}
	if len(chunks) != len(embeddings) {
		return fail("validate", fmt.Errorf("%d chunks but %d embeddings", len(chunks), len(embeddings)))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail("begin", err)
	}
	// No-op once committed.
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, insertRepository,
		user, repo.Name, repo.FullName, repo.Description, repo.URL, repo.Language, repo.Stars,
	).Scan(&repo.ID, &repo.CreatedAt)
	if err != nil {
		return fail("insert repository", err)
	}

	if len(chunks) > 0 {
		idx := make([]int32, len(chunks))
		for i := range idx {
			idx[i] = int32(i)
		}
		tag, err := tx.Exec(ctx, insertChunks, repo.ID, idx, chunks)
		if err != nil {
			return fail("insert chunks", err)
		}
		if tag.RowsAffected() != int64(len(chunks)) {
			return fail("insert chunks", fmt.Errorf("inserted %d of %d chunks", tag.RowsAffected(), len(chunks)))
		}

		if err := insertEmbeddings(ctx, tx, repo.ID, embeddings); err != nil {
			return fail("insert embeddings", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail("commit", err)
	}
	log.Debug().Str("repo", repo.FullName).Int64("id", repo.ID).Int("chunks", len(chunks)).Msg("repository stored")
	return repo, nil
}

func insertEmbeddings(ctx context.Context, tx pgx.Tx, repoID int64, embeddings [][]float32) (err error) {
	batch := &pgx.Batch{}
	for i, v := range embeddings {
		batch.Queue(insertEmbedding, repoID, int32(i), pgvector.NewVector(v))
	}
	br := tx.SendBatch(ctx, batch)
	defer func() {
		if cerr := br.Close(); err == nil {
			err = cerr
		}
	}()

	for i := range embeddings {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("embedding %d: %w", i, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("embedding %d: no matching chunk", i)
		}
	}
	return nil
}

const searchQuery = `
      SELECT r.name, r.full_name, rc.content, s.similarity
      FROM search_similar_embeddings($1::vector, $2, $3) s
      JOIN repositories r ON r.id = s.repository_id
      JOIN readme_chunks rc ON rc.id = s.chunk_id
      ORDER BY s.similarity DESC, s.id ASC`

// Search returns up to topK chunks whose cosine similarity to vec is at
// least threshold, most similar first. Ties go to the older embedding.
func (s *Store) Search(ctx context.Context, vec []float32, threshold float64, topK int) ([]models.SearchResult, error) {
	out := []models.SearchResult{}
	if topK <= 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, searchQuery, pgvector.NewVector(vec), threshold, topK)
	if err != nil {
		return nil, &StorageError{Op: "search", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var r models.SearchResult
		if err := rows.Scan(&r.Name, &r.FullName, &r.Content, &r.Similarity); err != nil {
			return nil, &StorageError{Op: "search", Err: err}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "search", Err: err}
	}
	log.Debug().Int("results", len(out)).Float64("threshold", threshold).Int("k", topK).Msg("similarity search")
	return out, nil
}

// Repositories lists what was stored for user, newest first.
func (s *Store) Repositories(ctx context.Context, user string) ([]models.Repository, error) {
	const q = `
      SELECT id, name, full_name, COALESCE(description, ''), url, COALESCE(language, ''), stars, created_at
      FROM repositories
      WHERE github_username = $1
      ORDER BY id DESC`
	rows, err := s.pool.Query(ctx, q, user)
	if err != nil {
		return nil, &StorageError{Op: "list repositories", Err: err}
	}
	defer rows.Close()

	repos := []models.Repository{}
	for rows.Next() {
		var r models.Repository
		if err := rows.Scan(&r.ID, &r.Name, &r.FullName, &r.Description, &r.URL, &r.Language, &r.Stars, &r.CreatedAt); err != nil {
			return nil, &StorageError{Op: "list repositories", Err: err}
		}
		repos = append(repos, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list repositories", Err: err}
	}
	return repos, nil
}
