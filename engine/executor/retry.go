package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftworks/conductor/common/models"
	"github.com/driftworks/conductor/common/repository"
)

// Cancel moves an execution to cancelled and sweeps its pending nodes.
// Already-terminal executions are a no-op apart from the sweep, so the
// call is safe to repeat.
func (e *Executor) Cancel(ctx context.Context, execID uuid.UUID, userID string) error {
	exec, err := e.store.GetExecution(ctx, execID, userID)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", execID, err)
	}

	if exec.Status.IsTerminal() {
		if _, err := e.store.CancelPendingNodes(ctx, execID, userID); err != nil {
			e.logger.Warn("cancel pending nodes failed", "execution_id", execID, "error", err)
		}
		return nil
	}

	now := time.Now().UTC()
	var duration *float64
	if exec.StartedAt != nil {
		d := now.Sub(*exec.StartedAt).Seconds()
		duration = &d
	}
	entry := models.NewLogEntry("info", "Workflow execution cancelled by user", nil)
	err = e.store.TransitionExecution(ctx, execID, userID, exec.Status, models.StatusCancelled, &models.ExecutionPatch{
		CompletedAt:     &now,
		DurationSeconds: duration,
		LogEntry:        &entry,
	})
	if err != nil {
		var transition *repository.TransitionError
		if errors.As(err, &transition) {
			// Raced with the executor or a second cancel; terminal now
			// means there is nothing left to do
			cur, readErr := e.store.GetExecution(ctx, execID, userID)
			if readErr == nil && cur.Status.IsTerminal() {
				return nil
			}
		}
		return fmt.Errorf("cancel execution %s: %w", execID, err)
	}

	exec.Status = models.StatusCancelled
	exec.CompletedAt = &now
	exec.DurationSeconds = duration

	cancelled, err := e.store.CancelPendingNodes(ctx, execID, userID)
	if err != nil {
		return fmt.Errorf("cancel pending nodes of %s: %w", execID, err)
	}

	e.logger.Info("execution cancelled",
		"execution_id", execID,
		"cancelled_nodes", cancelled,
	)
	if e.metrics != nil {
		e.metrics.ExecutionsFinished.WithLabelValues(string(models.StatusCancelled)).Inc()
	}
	e.publishExecution(ctx, exec, "")

	return nil
}

// RetryWorkflow resets a failed execution for another attempt: the
// execution goes failed -> pending with its retry count bumped, and the
// failed and cancelled node rows of the previous attempt reset to
// pending. The caller re-dispatches the execution afterwards.
func (e *Executor) RetryWorkflow(ctx context.Context, execID uuid.UUID, userID string) (*models.WorkflowExecution, error) {
	exec, err := e.store.GetExecution(ctx, execID, userID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", execID, err)
	}

	if exec.Status != models.StatusFailed {
		return nil, &repository.TransitionError{
			Entity:   "workflow execution",
			ID:       execID.String(),
			Expected: models.StatusFailed,
			Actual:   exec.Status,
			Target:   models.StatusPending,
		}
	}
	if exec.RetryCount >= exec.MaxRetries {
		return nil, fmt.Errorf("execution %s used %d of %d retries: %w",
			execID, exec.RetryCount, exec.MaxRetries, ErrRetryExhausted)
	}

	retries := exec.RetryCount + 1
	zero := 0
	entry := models.NewLogEntry("info", fmt.Sprintf("Workflow execution retry #%d", retries), nil)
	err = e.store.TransitionExecution(ctx, execID, userID, models.StatusFailed, models.StatusPending, &models.ExecutionPatch{
		RetryCount:      &retries,
		FailedNodes:     &zero,
		ClearError:      true,
		ClearCompletion: true,
		LogEntry:        &entry,
	})
	if err != nil {
		return nil, fmt.Errorf("reset execution %s: %w", execID, err)
	}

	reset, err := e.store.ResetNodesForRetry(ctx, execID, userID)
	if err != nil {
		return nil, fmt.Errorf("reset nodes of %s: %w", execID, err)
	}

	exec.Status = models.StatusPending
	exec.RetryCount = retries
	exec.FailedNodes = 0
	exec.ErrorMessage = nil
	exec.ErrorDetails = nil
	exec.CompletedAt = nil
	exec.DurationSeconds = nil

	e.logger.Info("execution retry scheduled",
		"execution_id", execID,
		"retry", retries,
		"nodes_reset", reset,
	)
	e.publishExecution(ctx, exec, "")

	return exec, nil
}

// RetryNode resets a failed node execution for another attempt. The
// parent execution keeps its status; the caller re-dispatches the node.
func (e *Executor) RetryNode(ctx context.Context, nodeExecID uuid.UUID, userID string) (*models.NodeExecution, error) {
	node, err := e.store.GetNodeExecution(ctx, nodeExecID, userID)
	if err != nil {
		return nil, fmt.Errorf("load node execution %s: %w", nodeExecID, err)
	}

	if node.Status != models.StatusFailed {
		return nil, &repository.TransitionError{
			Entity:   "node execution",
			ID:       nodeExecID.String(),
			Expected: models.StatusFailed,
			Actual:   node.Status,
			Target:   models.StatusPending,
		}
	}
	if node.RetryCount >= node.MaxRetries {
		return nil, fmt.Errorf("node execution %s used %d of %d retries: %w",
			nodeExecID, node.RetryCount, node.MaxRetries, ErrRetryExhausted)
	}

	retries := node.RetryCount + 1
	entry := models.NewLogEntry("info", fmt.Sprintf("Node execution retry #%d", retries), nil)
	err = e.store.TransitionNode(ctx, nodeExecID, userID, models.StatusFailed, models.StatusPending, &models.NodePatch{
		RetryCount:      &retries,
		ClearError:      true,
		ClearCompletion: true,
		LogEntry:        &entry,
	})
	if err != nil {
		return nil, fmt.Errorf("reset node execution %s: %w", nodeExecID, err)
	}

	node.Status = models.StatusPending
	node.RetryCount = retries
	node.ErrorMessage = nil
	node.ErrorDetails = nil
	node.CompletedAt = nil
	node.DurationSeconds = nil

	if err := e.store.IncrementProgress(ctx, node.WorkflowExecutionID, userID, 0, -1); err != nil {
		e.logger.Warn("decrement failed count failed", "execution_id", node.WorkflowExecutionID, "error", err)
	}

	e.logger.Info("node retry scheduled",
		"execution_id", node.WorkflowExecutionID,
		"node_execution_id", nodeExecID,
		"node_id", node.NodeID,
		"retry", retries,
	)

	exec, err := e.store.GetExecution(ctx, node.WorkflowExecutionID, userID)
	if err == nil {
		e.publishNode(ctx, exec, node, fmt.Sprintf("Node execution retry #%d", retries))
	}

	return node, nil
}
