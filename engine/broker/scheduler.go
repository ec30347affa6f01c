package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SchedulerOpts configures the cleanup beat
type SchedulerOpts struct {
	Broker Broker
	Logger Logger

	// CleanupHourUTC is when the completed-execution cleanup fires each
	// day. Failed and orphan cleanup follow one hour later.
	CleanupHourUTC int
}

// Scheduler enqueues the daily cleanup tasks. The retry pump for
// delayed tasks lives inside the redis broker's Consume; this beat only
// covers calendar work.
type Scheduler struct {
	broker Broker
	logger Logger
	hour   int
}

// NewScheduler creates the cleanup beat
func NewScheduler(opts SchedulerOpts) *Scheduler {
	hour := opts.CleanupHourUTC
	if hour < 0 || hour > 23 {
		hour = 2
	}
	return &Scheduler{
		broker: opts.Broker,
		logger: opts.Logger,
		hour:   hour,
	}
}

// Run fires the beats until the context ends
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("cleanup scheduler running", "completed_hour_utc", s.hour, "failed_hour_utc", (s.hour+1)%24)

	for {
		now := time.Now().UTC()
		nextCompleted := nextAt(now, s.hour)
		nextFailed := nextAt(now, (s.hour+1)%24)

		next := nextCompleted
		if nextFailed.Before(next) {
			next = nextFailed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next.Sub(now)):
		}

		now = time.Now().UTC()
		if !now.Before(nextCompleted) {
			s.enqueueCleanup(ctx, CleanupCompleted)
		}
		if !now.Before(nextFailed) {
			s.enqueueCleanup(ctx, CleanupFailed)
			s.enqueueCleanup(ctx, CleanupOrphans)
		}
	}
}

func (s *Scheduler) enqueueCleanup(ctx context.Context, reason string) {
	task := NewTask(KindCleanup, uuid.Nil, "", 0)
	task.Reason = reason
	if err := s.broker.Enqueue(ctx, task); err != nil {
		s.logger.Error("enqueue cleanup task failed", "reason", reason, "error", err)
		return
	}
	s.logger.Info("cleanup task enqueued", "reason", reason, "task_id", task.ID)
}

// nextAt returns the next instant after now at the given UTC hour
func nextAt(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
