// Package dispatcher manages worker fan-out over the frontier.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/selfsearch/internal/crawler"
	"github.com/JakeFAU/selfsearch/internal/worker"
)

// Runner consumes frontier jobs until ctx ends.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans frontier work out to a pool of workers.
type Dispatcher struct {
	frontier crawler.Frontier
	workers  []Runner
	logger   *zap.Logger
}

var _ crawler.Enqueuer = (*Dispatcher)(nil)

// New creates a Dispatcher.
func New(frontier crawler.Frontier, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	runners := make([]Runner, 0, len(workers))
	for _, w := range workers {
		runners = append(runners, w)
	}
	return newDispatcher(frontier, runners, logger)
}

func newDispatcher(frontier crawler.Frontier, runners []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		frontier: frontier,
		workers:  runners,
		logger:   logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting workers", zap.Int("count", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("workers stopped")
}

// Enqueue proxies to the underlying frontier.
func (d *Dispatcher) Enqueue(ctx context.Context, job crawler.Job, opts crawler.EnqueueOptions) (bool, error) {
	added, err := d.frontier.Enqueue(ctx, job, opts)
	if err != nil {
		return false, fmt.Errorf("frontier enqueue: %w", err)
	}
	return added, nil
}
