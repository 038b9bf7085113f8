/**
 * @description
 * Cron scheduler for the TFC expiry sweep.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/playhive/booking-service/pkg/logging"
)

// ExpirySweeper is the job the scheduler runs.
type ExpirySweeper interface {
	ProcessExpiredTFCBookings(ctx context.Context) (SweepResult, error)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  ExpirySweeper
	schedule string
	timeout  time.Duration
	logger   logging.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeper ExpirySweeper, schedule string, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	cronLogger := cron.PrintfLogger(logger.WithField("component", "scheduler"))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		schedule: schedule,
		timeout:  5 * time.Minute,
		logger:   logger,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runExpirySweep); err != nil {
		s.logger.WithError(err).WithField("schedule", s.schedule).Error("failed to schedule tfc expiry job")
		return err
	}
	s.logger.WithField("schedule", s.schedule).Info("scheduled tfc expiry job")

	s.cron.Start()
	return nil
}

func (s *Scheduler) runExpirySweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.sweeper.ProcessExpiredTFCBookings(ctx); err != nil {
		s.logger.WithError(err).Error("tfc expiry sweep failed")
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
