// Package supervisor backstops the executor: executions that stop
// making progress past the hard timeout are swept to failed so their
// rows never sit running forever after a worker loss.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftworks/conductor/common/models"
	"github.com/driftworks/conductor/common/repository"
	"github.com/driftworks/conductor/common/telemetry"
	"github.com/driftworks/conductor/engine/eventbus"
)

// Logger is the logging surface the sweeper needs
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Store is the persistence slice the sweeper drives
type Store interface {
	// FindStuckExecutions returns running executions whose row has not
	// been touched since the cutoff, oldest first
	FindStuckExecutions(ctx context.Context, cutoff time.Time, limit int) ([]*models.WorkflowExecution, error)

	TransitionExecution(ctx context.Context, execID uuid.UUID, userID string, from, to models.Status, patch *models.ExecutionPatch) error
	CancelPendingNodes(ctx context.Context, execID uuid.UUID, userID string) (int, error)
}

const sweepBatch = 100

// Sweeper periodically fails executions stuck past the hard timeout
type Sweeper struct {
	store   Store
	pub     eventbus.Publisher
	logger  Logger
	metrics *telemetry.Telemetry

	checkInterval time.Duration
	timeout       time.Duration
}

// NewSweeper creates a sweeper with a 30s check interval and a 1h
// inactivity timeout
func NewSweeper(store Store, pub eventbus.Publisher, logger Logger) *Sweeper {
	return &Sweeper{
		store:         store,
		pub:           pub,
		logger:        logger,
		checkInterval: 30 * time.Second,
		timeout:       time.Hour,
	}
}

// WithCheckInterval sets the sweep interval
func (s *Sweeper) WithCheckInterval(interval time.Duration) *Sweeper {
	if interval > 0 {
		s.checkInterval = interval
	}
	return s
}

// WithTimeout sets the inactivity timeout
func (s *Sweeper) WithTimeout(timeout time.Duration) *Sweeper {
	if timeout > 0 {
		s.timeout = timeout
	}
	return s
}

// WithTelemetry wires the metrics counters
func (s *Sweeper) WithTelemetry(metrics *telemetry.Telemetry) *Sweeper {
	s.metrics = metrics
	return s
}

// Start runs the sweep loop until the context ends
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("timeout sweeper starting",
		"check_interval", s.checkInterval,
		"timeout", s.timeout,
	)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timeout sweeper shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("timeout sweep failed", "error", err)
			}
		}
	}
}

// Sweep fails every execution stuck past the timeout. One pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.timeout)
	stuck, err := s.store.FindStuckExecutions(ctx, cutoff, sweepBatch)
	if err != nil {
		return fmt.Errorf("find stuck executions: %w", err)
	}

	swept := 0
	for _, exec := range stuck {
		if err := s.fail(ctx, exec); err != nil {
			s.logger.Error("sweep execution failed",
				"execution_id", exec.ID,
				"error", err,
			)
			continue
		}
		swept++
	}

	if swept > 0 {
		s.logger.Info("swept stuck executions", "count", swept)
	}
	return nil
}

func (s *Sweeper) fail(ctx context.Context, exec *models.WorkflowExecution) error {
	s.logger.Warn("detected stuck execution",
		"execution_id", exec.ID,
		"updated_at", exec.UpdatedAt,
		"stuck_for", time.Since(exec.UpdatedAt).Round(time.Second),
	)

	now := time.Now().UTC()
	var duration *float64
	if exec.StartedAt != nil {
		d := now.Sub(*exec.StartedAt).Seconds()
		duration = &d
	}
	msg := fmt.Sprintf("hard timeout: no progress for %s", s.timeout)
	entry := models.NewLogEntry("error", fmt.Sprintf("Workflow execution failed: %s", msg), nil)

	err := s.store.TransitionExecution(ctx, exec.ID, exec.UserID, models.StatusRunning, models.StatusFailed, &models.ExecutionPatch{
		CompletedAt:     &now,
		DurationSeconds: duration,
		ErrorMessage:    &msg,
		LogEntry:        &entry,
	})
	if err != nil {
		// Lost the race to the executor or a cancel; nothing to sweep
		if errors.Is(err, repository.ErrIllegalTransition) {
			s.logger.Debug("execution moved on before sweep", "execution_id", exec.ID)
			return nil
		}
		return err
	}

	cancelled, err := s.store.CancelPendingNodes(ctx, exec.ID, exec.UserID)
	if err != nil {
		s.logger.Warn("cancel pending nodes failed", "execution_id", exec.ID, "error", err)
	}

	exec.Status = models.StatusFailed
	exec.CompletedAt = &now
	exec.DurationSeconds = duration
	exec.ErrorMessage = &msg

	if s.metrics != nil {
		s.metrics.ExecutionsFinished.WithLabelValues(string(models.StatusFailed)).Inc()
	}
	if s.pub != nil {
		if err := s.pub.PublishExecutionUpdate(ctx, exec, ""); err != nil {
			s.logger.Warn("publish sweep update failed", "execution_id", exec.ID, "error", err)
		}
	}

	s.logger.Info("marked stuck execution as failed",
		"execution_id", exec.ID,
		"cancelled_nodes", cancelled,
	)
	return nil
}
