// Package scheduler fans acquisition tasks out across a bounded worker pool
// and records each task's terminal outcome in the ledger.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nctb-archive/pdfgrab/internal/artifact"
	"github.com/nctb-archive/pdfgrab/internal/domain"
	"github.com/nctb-archive/pdfgrab/internal/fetch"
	"github.com/nctb-archive/pdfgrab/internal/ledger"
	"github.com/nctb-archive/pdfgrab/internal/metrics"
)

// Scheduler runs a task list under a fixed concurrency ceiling. Workers are
// independent: a stalled task occupies one slot, never the pool.
type Scheduler struct {
	fetcher *fetch.Fetcher
	ledger  *ledger.Ledger
	logger  *slog.Logger
	workers int
	minSize int64
}

// New creates a Scheduler. workers and minSize fall back to conservative
// defaults when non-positive.
func New(fetcher *fetch.Fetcher, led *ledger.Ledger, logger *slog.Logger, workers int, minSize int64) *Scheduler {
	if workers <= 0 {
		workers = 3
	}
	if minSize <= 0 {
		minSize = 1000
	}
	return &Scheduler{
		fetcher: fetcher,
		ledger:  led,
		logger:  logger,
		workers: workers,
		minSize: minSize,
	}
}

// Run executes all tasks and returns once every dispatched task has a
// recorded outcome. Cancellation stops dispatching new tasks; in-flight
// attempts finish or abort through their context, and everything recorded
// so far stays in the ledger. The returned error is the context's, if any;
// per-task failures never surface here.
func (s *Scheduler) Run(ctx context.Context, tasks []domain.Task) error {
	s.logger.Info("run started", "tasks", len(tasks), "workers", s.workers)

	g := new(errgroup.Group)
	g.SetLimit(s.workers)

	for _, task := range tasks {
		if ctx.Err() != nil {
			s.logger.Warn("dispatch stopped", "reason", ctx.Err())
			break
		}

		task := task
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			s.process(ctx, task)
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}

// process drives one task: skip when a valid file is already in place,
// otherwise hand it to the retry engine and record whatever comes back.
func (s *Scheduler) process(ctx context.Context, task domain.Task) {
	minSize := task.MinSize
	if minSize <= 0 {
		minSize = s.minSize
	}

	if size, ok := artifact.CheckExisting(task.Destination, minSize); ok {
		s.ledger.Record(task.ID, domain.TaskOutcome{
			Status:      domain.OutcomeExisting,
			SourceURL:   task.SourceURL,
			Destination: task.Destination,
			Size:        size,
			CompletedAt: time.Now(),
		})
		metrics.TasksSkipped.Inc()
		s.logger.Info("skipping existing file", "task_id", task.ID, "size", size)
		return
	}

	out := s.fetcher.Fetch(ctx, task)
	s.ledger.Record(task.ID, out)

	switch out.Status {
	case domain.OutcomeDownloaded:
		s.logger.Info("download completed",
			"task_id", task.ID,
			"size", out.Size,
			"attempts", out.Attempts,
		)
	default:
		s.logger.Error("download failed",
			"task_id", task.ID,
			"attempts", out.Attempts,
			"error", out.Error,
		)
	}
}
