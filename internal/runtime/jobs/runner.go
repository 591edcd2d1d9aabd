package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/procbus/internal/runtime"
	"github.com/drblury/procbus/internal/runtime/logging"
)

// Run polls for eligible jobs and executes them with up to
// WorkerConcurrency executions in flight until ctx is cancelled. It only
// claims as many jobs as there are idle workers. In-flight executions are
// not interrupted by cancellation; Run waits for them before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	workers := s.opts.WorkerConcurrency
	var g errgroup.Group
	g.SetLimit(workers)
	var active atomic.Int64

	s.logger.Info("Scheduler started", logging.LogFields{
		"workers":       workers,
		"poll_interval": s.opts.PollInterval.String(),
	})
	defer s.logger.Info("Scheduler stopped", nil)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case <-timer.C:
		}

		idle := workers - int(active.Load())
		claimed := 0
		if idle > 0 {
			if idle > s.opts.BatchSize {
				idle = s.opts.BatchSize
			}
			ids, err := s.pollOnce(ctx, idle)
			if err != nil {
				s.logger.Error("Job poll failed", err, nil)
			}
			claimed = len(ids)
			for _, id := range ids {
				active.Add(1)
				g.Go(func() error {
					defer active.Add(-1)
					s.executeOnce(context.WithoutCancel(ctx), id)
					return nil
				})
			}
		}

		// Poll again right away while the last poll filled every idle slot.
		next := s.opts.PollInterval
		if claimed > 0 && claimed == idle {
			next = 0
		}
		timer.Reset(next)
	}
}

func (s *Scheduler) pollOnce(ctx context.Context, limit int) ([]string, error) {
	var claimed []string
	err := s.bus.Run(ctx, func(c *runtime.Context) error {
		res, err := runtime.Exec(c, PollProcedure, PollRequest{Limit: limit})
		claimed = res.Claimed
		return err
	}, runtime.WithSpanName("procbus.scheduler.poll"))
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Scheduler) executeOnce(ctx context.Context, id string) {
	err := s.bus.Run(ctx, func(c *runtime.Context) error {
		_, err := runtime.Exec(c, ExecuteProcedure, IDRequest{ID: id})
		return err
	}, runtime.WithJobID(id), runtime.WithSpanName("procbus.scheduler.execute"))
	if err != nil {
		s.logger.Error("Job execution failed", err, logging.LogFields{"job_id": id})
	}
}
