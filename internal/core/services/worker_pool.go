package services

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// PoolConfig defines how many independent dispatch loops a process runs.
type PoolConfig struct {
	Concurrency int
}

// Runner is a long-lived loop that returns when its context is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// WorkerPool runs several queue consumers side by side. Each consumer is a
// sequential loop; concurrency comes from the queue handing each message to
// exactly one of them.
type WorkerPool struct {
	logger  *slog.Logger
	runners []Runner
}

// NewWorkerPool builds cfg.Concurrency runners with newRunner. A
// non-positive concurrency defaults to 1.
func NewWorkerPool(logger *slog.Logger, cfg PoolConfig, newRunner func(index int) Runner) *WorkerPool {
	n := cfg.Concurrency
	if n <= 0 {
		n = 1
	}
	runners := make([]Runner, 0, n)
	for i := 0; i < n; i++ {
		runners = append(runners, newRunner(i))
	}
	return &WorkerPool{logger: logger.With("component", "worker_pool"), runners: runners}
}

func (p *WorkerPool) Size() int { return len(p.runners) }

// Run blocks until every runner has returned.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.logger.Info("starting worker pool", "size", len(p.runners))
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range p.runners {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}
