package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner supervises a fixed set of workers. The first worker to fail
// cancels the others.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner for workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run blocks until every worker has returned and reports the first failure.
// A worker that returns context.Canceled after shutdown has stopped cleanly.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		g.Go(func() error { return supervise(gctx, w) })
	}
	return g.Wait()
}

// supervise runs w, turning a panic into an error.
func supervise(ctx context.Context, w Worker) (err error) {
	name := w.Name()
	start := time.Now()
	slog.LogAttrs(ctx, slog.LevelInfo, "worker started", slog.String("worker", name))

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker %s: panic: %v", name, p)
		}
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			err = nil
		}
		lctx := context.WithoutCancel(ctx)
		if err != nil {
			slog.LogAttrs(lctx, slog.LevelError, "worker failed",
				slog.String("worker", name),
				slog.String("error", err.Error()),
			)
			return
		}
		slog.LogAttrs(lctx, slog.LevelInfo, "worker stopped",
			slog.String("worker", name),
			slog.Duration("uptime", time.Since(start)),
		)
	}()

	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker %s: %w", name, err)
	}
	return nil
}
