// Package worker turns broker deliveries into executor calls. The
// broker only moves (execution_id, user_id) pairs; everything needed to
// run lives in the store, so a worker restart costs nothing but time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftworks/conductor/common/config"
	"github.com/driftworks/conductor/common/models"
	"github.com/driftworks/conductor/common/repository"
	"github.com/driftworks/conductor/engine/broker"
	"github.com/driftworks/conductor/engine/eventbus"
	"github.com/driftworks/conductor/engine/executor"
)

// Logger is the logging surface the worker needs
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Engine is the executor slice the worker drives
type Engine interface {
	Run(ctx context.Context, execID uuid.UUID, userID string) (*executor.TerminalReport, error)
	RunNode(ctx context.Context, nodeExecID uuid.UUID, userID string) (*models.NodeExecution, error)
}

// Store is the persistence slice the worker needs for give-up handling
// and retention cleanup
type Store interface {
	GetExecution(ctx context.Context, execID uuid.UUID, userID string) (*models.WorkflowExecution, error)
	TransitionExecution(ctx context.Context, execID uuid.UUID, userID string, from, to models.Status, patch *models.ExecutionPatch) error
	CancelPendingNodes(ctx context.Context, execID uuid.UUID, userID string) (int, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOrphanNodes(ctx context.Context) (int64, error)
}

// Opts configures a Worker
type Opts struct {
	Engine    Engine
	Store     Store
	Broker    broker.Broker
	Publisher eventbus.Publisher
	Logger    Logger

	BrokerCfg config.BrokerConfig
	Retention config.RetentionConfig
}

// Worker handles broker tasks
type Worker struct {
	engine    Engine
	store     Store
	broker    broker.Broker
	pub       eventbus.Publisher
	logger    Logger
	cfg       config.BrokerConfig
	retention config.RetentionConfig
}

// New creates a worker
func New(opts Opts) (*Worker, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("worker: engine is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("worker: store is required")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("worker: broker is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("worker: logger is required")
	}
	return &Worker{
		engine:    opts.Engine,
		store:     opts.Store,
		broker:    opts.Broker,
		pub:       opts.Publisher,
		logger:    opts.Logger,
		cfg:       opts.BrokerCfg,
		retention: opts.Retention,
	}, nil
}

// Handle processes one delivered task. Returning nil acknowledges the
// delivery; business retries are re-enqueued explicitly with a delay,
// so a delivery is never left pending on purpose — only a crash or an
// enqueue failure leaves it for the claim sweep.
func (w *Worker) Handle(ctx context.Context, task *broker.Task) error {
	if w.cfg.HardTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.HardTimeout)
		defer cancel()
	}

	switch task.Kind {
	case broker.KindWorkflow:
		return w.handleWorkflow(ctx, task)
	case broker.KindNode:
		return w.handleNode(ctx, task)
	case broker.KindCleanup:
		return w.handleCleanup(ctx, task)
	}

	w.logger.Error("dropping task of unknown kind", "task_id", task.ID, "kind", task.Kind)
	return nil
}

func (w *Worker) handleWorkflow(ctx context.Context, task *broker.Task) error {
	report, err := w.engine.Run(ctx, task.ExecutionID, task.UserID)
	if err == nil {
		w.logger.Info("workflow task finished",
			"task_id", task.ID,
			"execution_id", report.ExecutionID,
			"status", report.Status,
			"completed_nodes", report.CompletedNodes,
			"failed_nodes", report.FailedNodes,
		)
		return nil
	}

	// A lost dispatch race or a vanished row is not worth a retry; the
	// first delivery owns the execution
	if errors.Is(err, repository.ErrIllegalTransition) || errors.Is(err, repository.ErrNotFound) {
		w.logger.Warn("workflow task not runnable, acking",
			"task_id", task.ID,
			"execution_id", task.ExecutionID,
			"error", err,
		)
		return nil
	}

	return w.retryOrGiveUp(ctx, task, err, w.cfg.WorkflowMaxRetries, w.workflowDelay())
}

func (w *Worker) handleNode(ctx context.Context, task *broker.Task) error {
	if task.NodeExecutionID == nil {
		w.logger.Error("node task without node execution id", "task_id", task.ID)
		return nil
	}

	node, err := w.engine.RunNode(ctx, *task.NodeExecutionID, task.UserID)
	if err == nil {
		w.logger.Info("node task finished",
			"task_id", task.ID,
			"node_execution_id", node.ID,
			"node_id", node.NodeID,
			"status", node.Status,
		)
		return nil
	}
	if errors.Is(err, repository.ErrIllegalTransition) || errors.Is(err, repository.ErrNotFound) {
		w.logger.Warn("node task not runnable, acking", "task_id", task.ID, "error", err)
		return nil
	}

	return w.retryOrGiveUp(ctx, task, err, w.cfg.NodeMaxRetries, w.nodeDelay())
}

// retryOrGiveUp applies the transport retry budget. Within budget the
// task is re-enqueued with its class delay and the current delivery
// acked; past it the parent execution is failed so the caller sees a
// terminal state instead of a silently vanished run.
func (w *Worker) retryOrGiveUp(ctx context.Context, task *broker.Task, cause error, budget int, delay time.Duration) error {
	if task.Attempts < budget {
		retry := *task
		retry.ID = uuid.NewString()
		retry.Attempts = task.Attempts + 1
		retry.EnqueuedAt = time.Now().UTC()

		if err := w.broker.EnqueueIn(ctx, &retry, delay); err != nil {
			// Leave the delivery pending; the claim sweep redelivers
			return fmt.Errorf("schedule retry for task %s: %w", task.ID, err)
		}
		w.logger.Warn("task retry scheduled",
			"task_id", task.ID,
			"retry_task_id", retry.ID,
			"attempt", retry.Attempts,
			"budget", budget,
			"delay", delay,
			"error", cause,
		)
		return nil
	}

	w.logger.Error("task retry budget exhausted",
		"task_id", task.ID,
		"execution_id", task.ExecutionID,
		"attempts", task.Attempts,
		"error", cause,
	)
	w.failExhausted(ctx, task, cause)
	return nil
}

// failExhausted moves the parent execution to failed after the broker
// budget is gone. Already-terminal executions are left alone.
func (w *Worker) failExhausted(ctx context.Context, task *broker.Task, cause error) {
	exec, err := w.store.GetExecution(ctx, task.ExecutionID, task.UserID)
	if err != nil {
		w.logger.Error("load exhausted execution failed", "execution_id", task.ExecutionID, "error", err)
		return
	}
	if exec.Status.IsTerminal() {
		return
	}

	now := time.Now().UTC()
	var duration *float64
	if exec.StartedAt != nil {
		d := now.Sub(*exec.StartedAt).Seconds()
		duration = &d
	}
	msg := fmt.Sprintf("%v: %v", executor.ErrRetryExhausted, cause)
	entry := models.NewLogEntry("error", fmt.Sprintf("Workflow execution failed: %s", msg), map[string]interface{}{
		"task_id":  task.ID,
		"attempts": task.Attempts,
	})
	err = w.store.TransitionExecution(ctx, task.ExecutionID, task.UserID, exec.Status, models.StatusFailed, &models.ExecutionPatch{
		CompletedAt:     &now,
		DurationSeconds: duration,
		ErrorMessage:    &msg,
		LogEntry:        &entry,
	})
	if err != nil {
		w.logger.Error("fail exhausted execution failed", "execution_id", task.ExecutionID, "error", err)
		return
	}
	if _, err := w.store.CancelPendingNodes(ctx, task.ExecutionID, task.UserID); err != nil {
		w.logger.Warn("cancel pending nodes failed", "execution_id", task.ExecutionID, "error", err)
	}

	exec.Status = models.StatusFailed
	exec.CompletedAt = &now
	exec.DurationSeconds = duration
	exec.ErrorMessage = &msg
	if w.pub != nil {
		if err := w.pub.PublishExecutionUpdate(ctx, exec, ""); err != nil {
			w.logger.Warn("publish execution update failed", "execution_id", exec.ID, "error", err)
		}
	}
}

// handleCleanup runs one retention pass. Errors propagate so the
// delivery stays pending and the sweep retries it later; retention is
// idempotent.
func (w *Worker) handleCleanup(ctx context.Context, task *broker.Task) error {
	now := time.Now().UTC()

	switch task.Reason {
	case broker.CleanupCompleted:
		cutoff := now.AddDate(0, 0, -w.retention.CompletedDays)
		deleted, err := w.store.DeleteCompletedBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup completed executions: %w", err)
		}
		w.logger.Info("completed executions cleaned", "deleted", deleted, "cutoff", cutoff)

	case broker.CleanupFailed:
		cutoff := now.AddDate(0, 0, -w.retention.FailedDays)
		deleted, err := w.store.DeleteFailedBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup failed executions: %w", err)
		}
		w.logger.Info("failed executions cleaned", "deleted", deleted, "cutoff", cutoff)

	case broker.CleanupOrphans:
		deleted, err := w.store.DeleteOrphanNodes(ctx)
		if err != nil {
			return fmt.Errorf("cleanup orphan nodes: %w", err)
		}
		w.logger.Info("orphan node executions cleaned", "deleted", deleted)

	default:
		w.logger.Error("dropping cleanup task with unknown reason", "task_id", task.ID, "reason", task.Reason)
	}
	return nil
}

func (w *Worker) workflowDelay() time.Duration {
	if w.cfg.WorkflowRetryDelay > 0 {
		return w.cfg.WorkflowRetryDelay
	}
	return w.defaultDelay()
}

func (w *Worker) nodeDelay() time.Duration {
	if w.cfg.NodeRetryDelay > 0 {
		return w.cfg.NodeRetryDelay
	}
	return w.defaultDelay()
}

func (w *Worker) defaultDelay() time.Duration {
	if w.cfg.DefaultRetryDelay > 0 {
		return w.cfg.DefaultRetryDelay
	}
	return time.Minute
}
