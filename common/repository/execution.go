package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/driftworks/conductor/common/db"
	"github.com/driftworks/conductor/common/models"
)

const executionColumns = `
	id, workflow_id, user_id, status,
	started_at, completed_at, duration_seconds,
	input_data, output_data, context,
	total_nodes, completed_nodes, failed_nodes,
	retry_count, max_retries,
	priority, scheduled_at, broker_task_id,
	error_message, error_details, execution_log,
	created_at, updated_at`

// ExecutionRepository handles database operations for workflow executions
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

// ExecutionFilter narrows ListExecutions. Zero values mean no filter;
// Limit is normalized to the 1..100 range with a default of 20.
type ExecutionFilter struct {
	WorkflowID *uuid.UUID
	Status     models.Status
	Limit      int
	Offset     int
}

// CreateExecution inserts the execution row and all of its node rows in
// one transaction, so a workflow run is either fully planned or absent
func (r *ExecutionRepository) CreateExecution(ctx context.Context, exec *models.WorkflowExecution, nodes []*models.NodeExecution) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	execLog, err := marshalLogEntries(exec.ExecutionLog)
	if err != nil {
		return fmt.Errorf("failed to encode execution log: %w", err)
	}

	execContext := exec.Context
	if len(execContext) == 0 {
		execContext = json.RawMessage(`{}`)
	}

	execQuery := `
		INSERT INTO workflow_executions (
			id, workflow_id, user_id, status,
			input_data, context,
			total_nodes, completed_nodes, failed_nodes,
			retry_count, max_retries, priority, scheduled_at,
			execution_log, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err = tx.Exec(
		ctx,
		execQuery,
		exec.ID,
		exec.WorkflowID,
		exec.UserID,
		exec.Status,
		exec.InputData,
		execContext,
		exec.TotalNodes,
		exec.CompletedNodes,
		exec.FailedNodes,
		exec.RetryCount,
		exec.MaxRetries,
		exec.Priority,
		exec.ScheduledAt,
		execLog,
		exec.CreatedAt,
		exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	nodeQuery := `
		INSERT INTO node_executions (
			id, workflow_execution_id, user_id, agent_id,
			node_id, node_name, node_type, parent_node_ids, child_node_ids, execution_order,
			status, input_data, retry_count, max_retries, metadata,
			execution_log, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	for _, node := range nodes {
		node.CreatedAt = now
		node.UpdatedAt = now

		nodeLog, err := marshalLogEntries(node.ExecutionLog)
		if err != nil {
			return fmt.Errorf("failed to encode node log: %w", err)
		}

		_, err = tx.Exec(
			ctx,
			nodeQuery,
			node.ID,
			node.WorkflowExecutionID,
			node.UserID,
			node.AgentID,
			node.NodeID,
			node.NodeName,
			node.NodeType,
			node.ParentNodeIDs,
			node.ChildNodeIDs,
			node.ExecutionOrder,
			node.Status,
			node.InputData,
			node.RetryCount,
			node.MaxRetries,
			node.Metadata,
			nodeLog,
			node.CreatedAt,
			node.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create node execution %s: %w", node.NodeID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit execution: %w", err)
	}

	return nil
}

// GetExecution retrieves a single execution row scoped by user
func (r *ExecutionRepository) GetExecution(ctx context.Context, execID uuid.UUID, userID string) (*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE id = $1 AND user_id = $2
	`

	exec, err := scanExecution(r.db.QueryRow(ctx, query, execID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return exec, nil
}

// ListExecutions retrieves a page of executions for a user, newest
// first, with the total row count over the same filter
func (r *ExecutionRepository) ListExecutions(ctx context.Context, userID string, filter ExecutionFilter) ([]*models.WorkflowExecution, int, error) {
	where := "user_id = $1"
	args := []interface{}{userID}

	if filter.WorkflowID != nil {
		args = append(args, *filter.WorkflowID)
		where += fmt.Sprintf(" AND workflow_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	countQuery := "SELECT count(*) FROM workflow_executions WHERE " + where
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT %s
		FROM workflow_executions
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, executionColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*models.WorkflowExecution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate executions: %w", err)
	}

	return executions, total, nil
}

// TransitionExecution applies a conditional status update: the row must
// currently hold the expected status or the update does not happen and a
// TransitionError reports what was actually found
func (r *ExecutionRepository) TransitionExecution(ctx context.Context, execID uuid.UUID, userID string, from, to models.Status, patch *models.ExecutionPatch) error {
	if !models.CanTransition(from, to) {
		return &TransitionError{Entity: "execution", ID: execID.String(), Expected: from, Actual: from, Target: to}
	}

	set := []string{"status = $3", "updated_at = now()"}
	args := []interface{}{execID, userID, to, from}

	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch != nil {
		if patch.StartedAt != nil {
			add("started_at", *patch.StartedAt)
		}
		if patch.CompletedAt != nil {
			add("completed_at", *patch.CompletedAt)
		}
		if patch.DurationSeconds != nil {
			add("duration_seconds", *patch.DurationSeconds)
		}
		if patch.OutputData != nil {
			add("output_data", patch.OutputData)
		}
		if patch.Context != nil {
			add("context", patch.Context)
		}
		if patch.CompletedNodes != nil {
			add("completed_nodes", *patch.CompletedNodes)
		}
		if patch.FailedNodes != nil {
			add("failed_nodes", *patch.FailedNodes)
		}
		if patch.RetryCount != nil {
			add("retry_count", *patch.RetryCount)
		}
		if patch.ErrorMessage != nil {
			add("error_message", *patch.ErrorMessage)
		}
		if patch.ErrorDetails != nil {
			add("error_details", patch.ErrorDetails)
		}
		if patch.BrokerTaskID != nil {
			add("broker_task_id", *patch.BrokerTaskID)
		}
		if patch.ClearError {
			set = append(set, "error_message = NULL", "error_details = NULL")
		}
		if patch.ClearCompletion {
			set = append(set, "completed_at = NULL", "duration_seconds = NULL")
		}
		if patch.LogEntry != nil {
			entry, err := marshalLogEntries([]models.LogEntry{*patch.LogEntry})
			if err != nil {
				return fmt.Errorf("failed to encode log entry: %w", err)
			}
			args = append(args, entry)
			set = append(set, fmt.Sprintf("execution_log = coalesce(execution_log, '[]'::jsonb) || $%d::jsonb", len(args)))
		}
	}

	query := fmt.Sprintf(`
		UPDATE workflow_executions
		SET %s
		WHERE id = $1 AND user_id = $2 AND status = $4
	`, strings.Join(set, ", "))

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, execID, userID, from, to)
	}

	return nil
}

// transitionConflict runs after a conditional update matched no row, to
// tell a missing record apart from one in the wrong state
func (r *ExecutionRepository) transitionConflict(ctx context.Context, execID uuid.UUID, userID string, from, to models.Status) error {
	var actual models.Status
	err := r.db.QueryRow(ctx,
		`SELECT status FROM workflow_executions WHERE id = $1 AND user_id = $2`,
		execID, userID,
	).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read execution status: %w", err)
	}

	return &TransitionError{Entity: "execution", ID: execID.String(), Expected: from, Actual: actual, Target: to}
}

// AppendExecutionLog appends one entry to the execution's durable log
func (r *ExecutionRepository) AppendExecutionLog(ctx context.Context, execID uuid.UUID, userID string, entry models.LogEntry) error {
	payload, err := marshalLogEntries([]models.LogEntry{entry})
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}

	query := `
		UPDATE workflow_executions
		SET execution_log = coalesce(execution_log, '[]'::jsonb) || $3::jsonb,
		    updated_at = now()
		WHERE id = $1 AND user_id = $2
	`

	tag, err := r.db.Exec(ctx, query, execID, userID, payload)
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateExecutionContext replaces the execution's accumulated context
func (r *ExecutionRepository) UpdateExecutionContext(ctx context.Context, execID uuid.UUID, userID string, execContext json.RawMessage) error {
	query := `
		UPDATE workflow_executions
		SET context = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2
	`

	tag, err := r.db.Exec(ctx, query, execID, userID, execContext)
	if err != nil {
		return fmt.Errorf("failed to update execution context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// SetBrokerTaskID records the broker task currently carrying the
// execution, written after every enqueue
func (r *ExecutionRepository) SetBrokerTaskID(ctx context.Context, execID uuid.UUID, userID string, taskID string) error {
	query := `
		UPDATE workflow_executions
		SET broker_task_id = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2
	`

	tag, err := r.db.Exec(ctx, query, execID, userID, taskID)
	if err != nil {
		return fmt.Errorf("failed to set broker task id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// IncrementProgress adjusts the completed and failed node counters.
// Deltas may be negative; counters never drop below zero.
func (r *ExecutionRepository) IncrementProgress(ctx context.Context, execID uuid.UUID, userID string, completedDelta, failedDelta int) error {
	query := `
		UPDATE workflow_executions
		SET completed_nodes = greatest(completed_nodes + $3, 0),
		    failed_nodes = greatest(failed_nodes + $4, 0),
		    updated_at = now()
		WHERE id = $1 AND user_id = $2
	`

	tag, err := r.db.Exec(ctx, query, execID, userID, completedDelta, failedDelta)
	if err != nil {
		return fmt.Errorf("failed to increment progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// FindStuckExecutions returns running executions whose row has not been
// touched since the cutoff. Every progress write bumps updated_at, so a
// stale row means the worker driving it is gone.
func (r *ExecutionRepository) FindStuckExecutions(ctx context.Context, cutoff time.Time, limit int) ([]*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, models.StatusRunning, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*models.WorkflowExecution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stuck executions: %w", err)
	}

	return executions, nil
}

// CountByStatus returns how many executions the user has per status
func (r *ExecutionRepository) CountByStatus(ctx context.Context, userID string) (map[models.Status]int, error) {
	query := `
		SELECT status, count(*)
		FROM workflow_executions
		WHERE user_id = $1
		GROUP BY status
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status models.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status counts: %w", err)
	}

	return counts, nil
}

// DeleteCompletedBefore removes completed executions older than the
// cutoff. Node rows go with them through the foreign key cascade.
func (r *ExecutionRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM workflow_executions
		WHERE status = $1 AND completed_at < $2
	`

	tag, err := r.db.Exec(ctx, query, models.StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed executions: %w", err)
	}

	return tag.RowsAffected(), nil
}

// DeleteFailedBefore removes failed executions older than the cutoff
// whose retry budget is spent. Failed runs with retries left are kept
// so a user can still resubmit them.
func (r *ExecutionRepository) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM workflow_executions
		WHERE status = $1 AND completed_at < $2 AND retry_count >= max_retries
	`

	tag, err := r.db.Exec(ctx, query, models.StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete failed executions: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanExecution(row pgx.Row) (*models.WorkflowExecution, error) {
	exec := &models.WorkflowExecution{}
	var logRaw []byte

	err := row.Scan(
		&exec.ID,
		&exec.WorkflowID,
		&exec.UserID,
		&exec.Status,
		&exec.StartedAt,
		&exec.CompletedAt,
		&exec.DurationSeconds,
		&exec.InputData,
		&exec.OutputData,
		&exec.Context,
		&exec.TotalNodes,
		&exec.CompletedNodes,
		&exec.FailedNodes,
		&exec.RetryCount,
		&exec.MaxRetries,
		&exec.Priority,
		&exec.ScheduledAt,
		&exec.BrokerTaskID,
		&exec.ErrorMessage,
		&exec.ErrorDetails,
		&logRaw,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(logRaw) > 0 {
		if err := json.Unmarshal(logRaw, &exec.ExecutionLog); err != nil {
			return nil, fmt.Errorf("failed to decode execution log: %w", err)
		}
	}

	return exec, nil
}

func marshalLogEntries(entries []models.LogEntry) ([]byte, error) {
	if entries == nil {
		entries = []models.LogEntry{}
	}
	return json.Marshal(entries)
}
