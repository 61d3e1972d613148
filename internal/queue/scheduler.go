package queue

import (
	"context"
	"time"

	"github.com/bitten-ci/bitten/pkg/log"
	"github.com/robfig/cron/v3"
)

// Scheduler periodically populates the queue and sweeps stale builds.
type Scheduler struct {
	q        *Queue
	schedule cron.Schedule
}

// NewScheduler parses a standard cron expression or descriptor such as
// "@every 1m".
func NewScheduler(q *Queue, expr string) (*Scheduler, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	return &Scheduler{q: q, schedule: sched}, nil
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info("build scheduler running")
	for {
		select {
		case <-time.After(time.Until(s.schedule.Next(time.Now()))):
			s.Tick(ctx)
		case <-ctx.Done():
			log.Info("build scheduler stopped")
			return nil
		}
	}
}

// Tick drains the backlog and resets builds of silent slaves.
func (s *Scheduler) Tick(ctx context.Context) {
	if n, err := s.q.Drain(ctx); err != nil {
		log.Error("populate failure", "error", err)
	} else if n > 0 {
		log.Info("populated build queue", "builds", n)
	}

	if n, err := s.q.ResetStaleBuilds(ctx); err != nil {
		log.Error("stale build sweep failure", "error", err)
	} else if n > 0 {
		log.Warn("reset builds of silent slaves", "builds", n)
	}
}
