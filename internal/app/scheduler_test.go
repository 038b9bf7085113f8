package app

import (
	"context"
	"sync/atomic"
	"testing"
)

type countingSweeper struct {
	runs atomic.Int32
	err  error
}

func (s *countingSweeper) ProcessExpiredTFCBookings(ctx context.Context) (SweepResult, error) {
	s.runs.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		panic("sweep must run with a deadline")
	}
	return SweepResult{}, s.err
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	s := NewScheduler(&countingSweeper{}, "every now and then", nil)
	if err := s.Start(); err == nil {
		t.Fatal("expected invalid cron schedule to be rejected")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewScheduler(sweeper, "@every 1h", nil)
	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-s.Stop().Done()

	if got := sweeper.runs.Load(); got != 0 {
		t.Fatalf("expected no sweep before the first tick, got %d", got)
	}
}

func TestSchedulerRunExpirySweep(t *testing.T) {
	sweeper := &countingSweeper{err: errBoom}
	s := NewScheduler(sweeper, "@every 15m", nil)

	s.runExpirySweep()
	s.runExpirySweep()

	if got := sweeper.runs.Load(); got != 2 {
		t.Fatalf("expected 2 sweeps, got %d", got)
	}
}
