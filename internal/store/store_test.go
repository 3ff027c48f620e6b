package store

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/seanblong/starsearch/internal/config"
	"github.com/seanblong/starsearch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = r.vals[i].(int64)
		case *int:
			*p = r.vals[i].(int)
		case *time.Time:
			*p = r.vals[i].(time.Time)
		}
	}
	return nil
}

type fakeBatch struct {
	pgx.BatchResults
	tx     *fakeTx
	n      int
	closed bool
}

func (b *fakeBatch) Exec() (pgconn.CommandTag, error) {
	b.n++
	if b.tx.failEmbeddingAt == b.n {
		return pgconn.CommandTag{}, errors.New("expected 3 dimensions, not 2")
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (b *fakeBatch) Close() error {
	b.closed = true
	return nil
}

// fakeTx records what Save does inside its transaction.
type fakeTx struct {
	pgx.Tx
	repoErr         error
	chunkErr        error
	commitErr       error
	failEmbeddingAt int

	chunkArgs  []any
	queued     int
	batch      *fakeBatch
	committed  bool
	rolledBack bool
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{vals: []any{int64(42), time.Unix(0, 0)}, err: t.repoErr}
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.chunkErr != nil {
		return pgconn.CommandTag{}, t.chunkErr
	}
	t.chunkArgs = args
	n := len(args[2].([]string))
	return pgconn.NewCommandTag("INSERT 0 " + strconv.Itoa(n)), nil
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	t.queued = b.Len()
	t.batch = &fakeBatch{tx: t}
	return t.batch
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

type fakePool struct {
	pool
	tx       *fakeTx
	begun    int
	dim      int
	execSQL  []string
	beginErr error
}

func (p *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	p.begun++
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}

func (p *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if p.dim == 0 {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{vals: []any{p.dim}}
}

func (p *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	return pgconn.CommandTag{}, nil
}

var testRepo = models.Repository{Name: "pgvector", FullName: "pgvector/pgvector", URL: "https://github.com/pgvector/pgvector", Stars: 10}

func vectors(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out
}

func TestSave_Commits(t *testing.T) {
	tx := &fakeTx{}
	s := &Store{pool: &fakePool{tx: tx}}

	got, err := s.Save(context.Background(), "alice", testRepo, []string{"a", "b", "c"}, vectors(3))
	require.NoError(t, err)

	assert.Equal(t, int64(42), got.ID)
	assert.Equal(t, testRepo.FullName, got.FullName)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	assert.Equal(t, []int32{0, 1, 2}, tx.chunkArgs[1])
	assert.Equal(t, 3, tx.queued)
	assert.True(t, tx.batch.closed)
}

func TestSave_NoChunks(t *testing.T) {
	tx := &fakeTx{}
	s := &Store{pool: &fakePool{tx: tx}}

	_, err := s.Save(context.Background(), "alice", testRepo, nil, nil)
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.Nil(t, tx.chunkArgs)
	assert.Nil(t, tx.batch)
}

func TestSave_LengthMismatch(t *testing.T) {
	p := &fakePool{tx: &fakeTx{}}
	s := &Store{pool: p}

	_, err := s.Save(context.Background(), "alice", testRepo, []string{"a", "b"}, vectors(1))
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "validate", se.Op)
	assert.Equal(t, testRepo.FullName, se.Repository)
	assert.Zero(t, p.begun, "no transaction for invalid input")
}

func TestSave_RollsBack(t *testing.T) {
	tests := []struct {
		name string
		tx   *fakeTx
		op   string
	}{
		{"repository insert fails", &fakeTx{repoErr: errors.New("unique violation")}, "insert repository"},
		{"chunk insert fails", &fakeTx{chunkErr: errors.New("connection reset")}, "insert chunks"},
		{"second embedding fails", &fakeTx{failEmbeddingAt: 2}, "insert embeddings"},
		{"commit fails", &fakeTx{commitErr: errors.New("serialization failure")}, "commit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Store{pool: &fakePool{tx: tt.tx}}

			got, err := s.Save(context.Background(), "alice", testRepo, []string{"a", "b", "c"}, vectors(3))
			var se *StorageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.op, se.Op)
			assert.Zero(t, got.ID)
			assert.False(t, tt.tx.committed)
			assert.True(t, tt.tx.rolledBack)
			if tt.tx.batch != nil {
				assert.True(t, tt.tx.batch.closed)
			}
		})
	}
}

func TestSave_BeginFails(t *testing.T) {
	s := &Store{pool: &fakePool{beginErr: errors.New("pool closed")}}

	_, err := s.Save(context.Background(), "alice", testRepo, nil, nil)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "begin", se.Op)
}

func TestMigrate(t *testing.T) {
	t.Run("fresh database", func(t *testing.T) {
		p := &fakePool{}
		require.NoError(t, (&Store{pool: p}).Migrate(context.Background(), 768))
		require.Len(t, p.execSQL, 2)
		assert.Contains(t, p.execSQL[0], "vector(768)")
		assert.Contains(t, p.execSQL[0], "ORDER BY e.embedding <=> query_embedding, e.id")
		assert.NotContains(t, p.execSQL[0], "ORDER BY s.similarity")
		assert.Contains(t, p.execSQL[1], "vector_cosine_ops")
	})

	t.Run("same dimension", func(t *testing.T) {
		p := &fakePool{dim: 768}
		require.NoError(t, (&Store{pool: p}).Migrate(context.Background(), 768))
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		p := &fakePool{dim: 768}
		err := (&Store{pool: p}).Migrate(context.Background(), 1536)
		require.ErrorIs(t, err, config.ErrConfiguration)
		assert.Empty(t, p.execSQL)
	})

	t.Run("invalid dimension", func(t *testing.T) {
		err := (&Store{pool: &fakePool{}}).Migrate(context.Background(), 0)
		require.ErrorIs(t, err, config.ErrConfiguration)
	})

	t.Run("too wide for an index", func(t *testing.T) {
		p := &fakePool{}
		require.NoError(t, (&Store{pool: p}).Migrate(context.Background(), 3072))
		assert.Len(t, p.execSQL, 1)
	})
}

func TestStorageError(t *testing.T) {
	inner := errors.New("boom")
	err := &StorageError{Repository: "a/b", Op: "commit", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "store commit a/b: boom", err.Error())
	assert.Equal(t, "store search: boom", (&StorageError{Op: "search", Err: inner}).Error())
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(context.Background(), "postgres://u:p@localhost:notaport/db")
	assert.ErrorIs(t, err, config.ErrConfiguration)
}
