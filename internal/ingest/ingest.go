// Package ingest walks a user's starred repositories and stores each README
// as embedded chunks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/starsearch/internal/ai"
	"github.com/seanblong/starsearch/internal/chunker"
	"github.com/seanblong/starsearch/internal/config"
	"github.com/seanblong/starsearch/internal/github"
	"github.com/seanblong/starsearch/pkg/models"
)

const (
	DefaultEmbedAttempts = 2
	DefaultEmbedBackoff  = 500 * time.Millisecond
	DefaultEmbedTimeout  = 60 * time.Second
	DefaultStoreTimeout  = 30 * time.Second
)

// Source lists starred repositories together with their READMEs.
type Source interface {
	Starred(ctx context.Context, user string) iter.Seq2[github.Starred, error]
}

// Saver persists one repository atomically.
type Saver interface {
	Save(ctx context.Context, user string, repo models.Repository, chunks []string, embeddings [][]float32) (models.Repository, error)
}

type Options struct {
	ChunkSize     int
	ChunkOverlap  int
	EmbedAttempts int
	EmbedBackoff  time.Duration
	EmbedTimeout  time.Duration
	StoreTimeout  time.Duration
}

// Orchestrator runs ingestions. It holds no per-run state, so one value
// serves concurrent runs.
type Orchestrator struct {
	source       Source
	embedder     ai.Embedder
	saver        Saver
	chunker      *chunker.Chunker
	attempts     int
	backoff      time.Duration
	embedTimeout time.Duration
	storeTimeout time.Duration
}

func New(source Source, embedder ai.Embedder, saver Saver, opts Options) (*Orchestrator, error) {
	if source == nil || embedder == nil || saver == nil {
		return nil, fmt.Errorf("%w: ingestion needs a source, an embedder and a saver", config.ErrConfiguration)
	}
	if opts.ChunkSize == 0 && opts.ChunkOverlap == 0 {
		opts.ChunkSize, opts.ChunkOverlap = chunker.DefaultSize, chunker.DefaultOverlap
	}
	c, err := chunker.New(opts.ChunkSize, opts.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		source:       source,
		embedder:     embedder,
		saver:        saver,
		chunker:      c,
		attempts:     opts.EmbedAttempts,
		backoff:      opts.EmbedBackoff,
		embedTimeout: opts.EmbedTimeout,
		storeTimeout: opts.StoreTimeout,
	}
	if o.attempts < 1 {
		o.attempts = DefaultEmbedAttempts
	}
	if o.backoff < 0 {
		o.backoff = 0
	}
	if o.embedTimeout <= 0 {
		o.embedTimeout = DefaultEmbedTimeout
	}
	if o.storeTimeout <= 0 {
		o.storeTimeout = DefaultStoreTimeout
	}
	return o, nil
}

// Run ingests every repository user has starred, in listing order, and
// reports progress on sink (which may be nil). A repository that cannot be
// embedded or stored is skipped. Only a listing failure or cancellation
// ends the run early.
func (o *Orchestrator) Run(ctx context.Context, user string, sink chan<- models.ProgressEvent) (models.IngestionSummary, error) {
	user = strings.TrimSpace(user)
	summary := models.IngestionSummary{
		RunID:        uuid.NewString(),
		Username:     user,
		Repositories: []models.Repository{},
	}
	if user == "" {
		summary.Status = models.StatusError
		err := fmt.Errorf("%w: github username is required", config.ErrConfiguration)
		send(ctx, sink, models.ProgressEvent{Status: models.StatusError, Message: err.Error()})
		return summary, err
	}

	logger := log.With().Str("run_id", summary.RunID).Str("user", user).Logger()
	logger.Info().Str("state", "STARTED").Msg("ingestion started")

	total := 0
	for item, err := range o.source.Starred(ctx, user) {
		if ctx.Err() != nil {
			return o.cancelled(ctx, &logger, summary, total, sink)
		}
		if err != nil {
			summary.Status = models.StatusError
			logger.Error().Err(err).Str("state", "FAILED").Msg("listing starred repositories failed")
			send(ctx, sink, models.ProgressEvent{
				Processed: summary.Processed,
				Total:     total,
				Status:    models.StatusError,
				Message:   err.Error(),
			})
			return summary, err
		}

		total = item.Total
		summary.Listed++
		repo, err := o.ingestOne(ctx, &logger, user, item)
		if err != nil && ctx.Err() != nil {
			return o.cancelled(ctx, &logger, summary, total, sink)
		}

		summary.Processed++
		if err != nil {
			logger.Warn().Err(err).Str("repo", item.Repository.FullName).Msg("skipping repository")
			summary.Skipped = append(summary.Skipped, models.SkippedRepository{
				FullName: item.Repository.FullName,
				Reason:   err.Error(),
			})
			repo = item.Repository
		} else {
			summary.Stored++
		}
		summary.Repositories = append(summary.Repositories, repo)

		send(ctx, sink, models.ProgressEvent{
			CurrentRepo: item.Repository.FullName,
			Processed:   summary.Processed,
			Total:       total,
		})
	}
	if ctx.Err() != nil {
		return o.cancelled(ctx, &logger, summary, total, sink)
	}

	summary.Status = models.StatusComplete
	send(ctx, sink, models.ProgressEvent{
		Processed: summary.Processed,
		Total:     total,
		Status:    models.StatusComplete,
	})
	logger.Info().
		Str("state", "COMPLETE").
		Int("processed", summary.Processed).
		Int("stored", summary.Stored).
		Int("skipped", len(summary.Skipped)).
		Msg("ingestion finished")
	return summary, nil
}

func (o *Orchestrator) cancelled(ctx context.Context, logger *zerolog.Logger, summary models.IngestionSummary, total int, sink chan<- models.ProgressEvent) (models.IngestionSummary, error) {
	summary.Status = models.StatusError
	logger.Warn().Err(ctx.Err()).Str("state", "FAILED").Int("processed", summary.Processed).Msg("ingestion cancelled")
	if sink != nil {
		select {
		case sink <- models.ProgressEvent{Processed: summary.Processed, Total: total, Status: models.StatusError, Message: "ingestion cancelled"}:
		default:
		}
	}
	return summary, ctx.Err()
}

// ingestOne chunks, embeds and stores a single repository.
func (o *Orchestrator) ingestOne(ctx context.Context, logger *zerolog.Logger, user string, item github.Starred) (models.Repository, error) {
	l := logger.With().Str("repo", item.Repository.FullName).Logger()
	l.Debug().Str("state", "FETCHING").Bool("readme", item.HasReadme).Msg("repository listed")

	var chunks []string
	if item.HasReadme {
		chunks = o.chunker.Split(item.Readme)
	}
	l.Debug().Str("state", "CHUNKING").Int("chunks", len(chunks)).Msg("readme chunked")

	var vecs [][]float32
	if len(chunks) > 0 {
		l.Debug().Str("state", "EMBEDDING").Msg("embedding chunks")
		var err error
		if vecs, err = o.embed(ctx, &l, chunks); err != nil {
			return models.Repository{}, err
		}
	}

	l.Debug().Str("state", "STORING").Msg("storing repository")
	sctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	return o.saver.Save(sctx, user, item.Repository, chunks, vecs)
}

// embed sends all chunks of one repository as a single batch, retrying with
// a linearly growing pause.
func (o *Orchestrator) embed(ctx context.Context, logger *zerolog.Logger, chunks []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(o.backoff * time.Duration(attempt-1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ectx, cancel := context.WithTimeout(ctx, o.embedTimeout)
		vecs, err := o.embedder.Embed(ectx, chunks)
		cancel()
		if err == nil && len(vecs) != len(chunks) {
			err = &ai.EmbeddingError{BatchSize: len(chunks), Err: fmt.Errorf("requested %d embeddings, got %d", len(chunks), len(vecs))}
		}
		if err == nil {
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Int("attempts", o.attempts).Msg("embedding failed")
	}

	var ee *ai.EmbeddingError
	if !errors.As(lastErr, &ee) {
		lastErr = &ai.EmbeddingError{BatchSize: len(chunks), Err: lastErr}
	}
	return nil, lastErr
}

// send delivers ev unless the run is cancelled first.
func send(ctx context.Context, sink chan<- models.ProgressEvent, ev models.ProgressEvent) {
	if sink == nil {
		return
	}
	select {
	case sink <- ev:
	case <-ctx.Done():
	}
}
