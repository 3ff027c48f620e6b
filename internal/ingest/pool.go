package ingest

import (
	"context"
	"errors"

	"github.com/panjf2000/ants/v2"
	"github.com/seanblong/starsearch/pkg/models"
)

// ErrBusy is returned when every ingestion slot is taken.
var ErrBusy = errors.New("too many ingestions in progress")

type Result struct {
	Summary models.IngestionSummary
	Err     error
}

// Pool bounds how many ingestion runs execute at once.
type Pool struct {
	orch *Orchestrator
	pool *ants.Pool
}

func NewPool(orch *Orchestrator, size int) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &Pool{orch: orch, pool: p}, nil
}

// Start runs an ingestion in the background. The returned channel yields
// exactly one Result. ErrBusy means the run was not started.
func (p *Pool) Start(ctx context.Context, user string, sink chan<- models.ProgressEvent) (<-chan Result, error) {
	done := make(chan Result, 1)
	err := p.pool.Submit(func() {
		summary, err := p.orch.Run(ctx, user, sink)
		done <- Result{Summary: summary, Err: err}
	})
	if errors.Is(err, ants.ErrPoolOverload) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}
	return done, nil
}

// Run is Start followed by waiting for the result.
func (p *Pool) Run(ctx context.Context, user string, sink chan<- models.ProgressEvent) (models.IngestionSummary, error) {
	done, err := p.Start(ctx, user, sink)
	if err != nil {
		return models.IngestionSummary{}, err
	}
	r := <-done
	return r.Summary, r.Err
}

func (p *Pool) Running() int { return p.pool.Running() }

// Release stops accepting runs. Runs already started finish on their own.
func (p *Pool) Release() { p.pool.Release() }
