package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler drives the daily job on a cron schedule. Manual invocations
// through the HTTP trigger are safe at any time; idempotency lives in the
// job itself.
type Scheduler struct {
	cron   *cron.Cron
	job    *Job
	logger *zap.Logger
}

// NewScheduler registers the job on the given cron expression (UTC).
func NewScheduler(job *Job, schedule string, logger *zap.Logger) (*Scheduler, error) {
	c := cron.New(cron.WithLocation(time.UTC))

	s := &Scheduler{cron: c, job: job, logger: logger}
	_, err := c.AddFunc(schedule, func() {
		if err := job.RunYesterday(context.Background()); err != nil {
			logger.Error("scheduled aggregation failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid aggregator schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins schedule evaluation in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("aggregator scheduler started")
}

// Stop halts the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("aggregator scheduler stopped")
}
