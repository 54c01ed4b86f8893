// Package scheduler runs background jobs at a fixed interval.
package scheduler

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/ticket-hold-checkout/internal/clock"
)

// Job does one pass of background work and reports how many items it
// handled.
type Job func(ctx context.Context) (int, error)

type Scheduler struct {
	name     string
	job      Job
	interval time.Duration
	clock    clock.Clock
	logger   echo.Logger
}

func New(name string, job Job, interval time.Duration, clk clock.Clock, logger echo.Logger) *Scheduler {
	return &Scheduler{
		name:     name,
		job:      job,
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// Start blocks until ctx is cancelled, running the job every interval.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Infoj(log.JSON{"event": "scheduler_started", "job": s.name, "interval": s.interval.String()})

	for {
		select {
		case <-ctx.Done():
			s.logger.Infoj(log.JSON{"event": "scheduler_stopped", "job": s.name})
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	n, err := s.job(ctx)
	if err != nil {
		s.logger.Errorj(log.JSON{"event": "job_failed", "job": s.name, "error": err.Error()})
		return
	}
	if n > 0 {
		s.logger.Infoj(log.JSON{"event": "job_done", "job": s.name, "items": n})
	}
}
