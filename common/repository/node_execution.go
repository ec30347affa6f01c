package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/driftworks/conductor/common/db"
	"github.com/driftworks/conductor/common/models"
)

const nodeExecutionColumns = `
	id, workflow_execution_id, user_id, agent_id,
	node_id, node_name, node_type, parent_node_ids, child_node_ids, execution_order,
	status, started_at, completed_at, duration_seconds,
	input_data, output_data,
	agent_response, tokens_used, model_used, temperature, tools_called, tool_results,
	retry_count, max_retries,
	error_message, error_details, error_stack,
	broker_task_id, metadata, execution_log,
	created_at, updated_at`

// NodeExecutionRepository handles database operations for node executions
type NodeExecutionRepository struct {
	db *db.DB
}

// NewNodeExecutionRepository creates a new node execution repository
func NewNodeExecutionRepository(database *db.DB) *NodeExecutionRepository {
	return &NodeExecutionRepository{db: database}
}

// GetNodeExecution retrieves a single node execution row scoped by user
func (r *NodeExecutionRepository) GetNodeExecution(ctx context.Context, nodeExecID uuid.UUID, userID string) (*models.NodeExecution, error) {
	query := `
		SELECT ` + nodeExecutionColumns + `
		FROM node_executions
		WHERE id = $1 AND user_id = $2
	`

	node, err := scanNodeExecution(r.db.QueryRow(ctx, query, nodeExecID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node execution: %w", err)
	}

	return node, nil
}

// ListNodeExecutions retrieves every node row of an execution in plan
// order
func (r *NodeExecutionRepository) ListNodeExecutions(ctx context.Context, execID uuid.UUID, userID string) ([]*models.NodeExecution, error) {
	query := `
		SELECT ` + nodeExecutionColumns + `
		FROM node_executions
		WHERE workflow_execution_id = $1 AND user_id = $2
		ORDER BY execution_order ASC, node_id ASC
	`

	rows, err := r.db.Query(ctx, query, execID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	defer rows.Close()

	nodes := make([]*models.NodeExecution, 0)
	for rows.Next() {
		node, err := scanNodeExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node execution: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate node executions: %w", err)
	}

	return nodes, nil
}

// TransitionNode applies a conditional status update to a node row,
// mirroring TransitionExecution
func (r *NodeExecutionRepository) TransitionNode(ctx context.Context, nodeExecID uuid.UUID, userID string, from, to models.Status, patch *models.NodePatch) error {
	if !models.CanTransitionNode(from, to) {
		return &TransitionError{Entity: "node execution", ID: nodeExecID.String(), Expected: from, Actual: from, Target: to}
	}

	set := []string{"status = $3", "updated_at = now()"}
	args := []interface{}{nodeExecID, userID, to, from}

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
		if patch.InputData != nil {
			add("input_data", patch.InputData)
		}
		if patch.OutputData != nil {
			add("output_data", patch.OutputData)
		}
		if patch.AgentResponse != nil {
			add("agent_response", *patch.AgentResponse)
		}
		if patch.TokensUsed != nil {
			add("tokens_used", *patch.TokensUsed)
		}
		if patch.ModelUsed != nil {
			add("model_used", *patch.ModelUsed)
		}
		if patch.Temperature != nil {
			add("temperature", *patch.Temperature)
		}
		if patch.ToolsCalled != nil {
			add("tools_called", patch.ToolsCalled)
		}
		if patch.ToolResults != nil {
			add("tool_results", patch.ToolResults)
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
		if patch.ErrorStack != nil {
			add("error_stack", *patch.ErrorStack)
		}
		if patch.BrokerTaskID != nil {
			add("broker_task_id", *patch.BrokerTaskID)
		}
		if patch.ClearError {
			set = append(set, "error_message = NULL", "error_details = NULL", "error_stack = NULL")
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
		UPDATE node_executions
		SET %s
		WHERE id = $1 AND user_id = $2 AND status = $4
	`, strings.Join(set, ", "))

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition node execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, nodeExecID, userID, from, to)
	}

	return nil
}

func (r *NodeExecutionRepository) transitionConflict(ctx context.Context, nodeExecID uuid.UUID, userID string, from, to models.Status) error {
	var actual models.Status
	err := r.db.QueryRow(ctx,
		`SELECT status FROM node_executions WHERE id = $1 AND user_id = $2`,
		nodeExecID, userID,
	).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read node execution status: %w", err)
	}

	return &TransitionError{Entity: "node execution", ID: nodeExecID.String(), Expected: from, Actual: actual, Target: to}
}

// AppendNodeLog appends one entry to the node execution's durable log
func (r *NodeExecutionRepository) AppendNodeLog(ctx context.Context, nodeExecID uuid.UUID, userID string, entry models.LogEntry) error {
	payload, err := marshalLogEntries([]models.LogEntry{entry})
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}

	query := `
		UPDATE node_executions
		SET execution_log = coalesce(execution_log, '[]'::jsonb) || $3::jsonb,
		    updated_at = now()
		WHERE id = $1 AND user_id = $2
	`

	tag, err := r.db.Exec(ctx, query, nodeExecID, userID, payload)
	if err != nil {
		return fmt.Errorf("failed to append node log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// CancelPendingNodes flips every still-pending node of an execution to
// cancelled in one statement and returns how many rows changed. Rows in
// any other state are left alone.
func (r *NodeExecutionRepository) CancelPendingNodes(ctx context.Context, execID uuid.UUID, userID string) (int, error) {
	entry := models.NewLogEntry("info", "Node execution cancelled", nil)
	payload, err := marshalLogEntries([]models.LogEntry{entry})
	if err != nil {
		return 0, fmt.Errorf("failed to encode log entry: %w", err)
	}

	query := `
		UPDATE node_executions
		SET status = $3,
		    execution_log = coalesce(execution_log, '[]'::jsonb) || $4::jsonb,
		    updated_at = now()
		WHERE workflow_execution_id = $1 AND user_id = $2 AND status = $5
	`

	tag, err := r.db.Exec(ctx, query, execID, userID, models.StatusCancelled, payload, models.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending nodes: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// ResetNodesForRetry flips failed and cancelled node rows of an
// execution back to pending with errors, stamps and per-node retry
// counts cleared. This bulk reset is the one write that bypasses the
// transition table; it only ever runs as part of a workflow retry.
func (r *NodeExecutionRepository) ResetNodesForRetry(ctx context.Context, execID uuid.UUID, userID string) (int, error) {
	query := `
		UPDATE node_executions
		SET status = $3,
		    retry_count = 0,
		    started_at = NULL,
		    completed_at = NULL,
		    duration_seconds = NULL,
		    error_message = NULL,
		    error_details = NULL,
		    error_stack = NULL,
		    updated_at = now()
		WHERE workflow_execution_id = $1 AND user_id = $2 AND status IN ($4, $5)
	`

	tag, err := r.db.Exec(ctx, query, execID, userID, models.StatusPending, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return 0, fmt.Errorf("failed to reset nodes for retry: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// DeleteOrphanNodes removes node rows whose parent execution is gone.
// The foreign key makes new orphans impossible; this cleans up rows
// predating it or left by out-of-band deletes.
func (r *NodeExecutionRepository) DeleteOrphanNodes(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM node_executions
		WHERE NOT EXISTS (
			SELECT 1 FROM workflow_executions
			WHERE workflow_executions.id = node_executions.workflow_execution_id
		)
	`

	tag, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan nodes: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanNodeExecution(row pgx.Row) (*models.NodeExecution, error) {
	node := &models.NodeExecution{}
	var logRaw []byte

	err := row.Scan(
		&node.ID,
		&node.WorkflowExecutionID,
		&node.UserID,
		&node.AgentID,
		&node.NodeID,
		&node.NodeName,
		&node.NodeType,
		&node.ParentNodeIDs,
		&node.ChildNodeIDs,
		&node.ExecutionOrder,
		&node.Status,
		&node.StartedAt,
		&node.CompletedAt,
		&node.DurationSeconds,
		&node.InputData,
		&node.OutputData,
		&node.AgentResponse,
		&node.TokensUsed,
		&node.ModelUsed,
		&node.Temperature,
		&node.ToolsCalled,
		&node.ToolResults,
		&node.RetryCount,
		&node.MaxRetries,
		&node.ErrorMessage,
		&node.ErrorDetails,
		&node.ErrorStack,
		&node.BrokerTaskID,
		&node.Metadata,
		&logRaw,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(logRaw) > 0 {
		if err := json.Unmarshal(logRaw, &node.ExecutionLog); err != nil {
			return nil, fmt.Errorf("failed to decode node execution log: %w", err)
		}
	}

	return node, nil
}
