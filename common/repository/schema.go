package repository

import (
	"context"
	"fmt"

	"github.com/driftworks/conductor/common/db"
)

// EnsureSchema creates the engine's tables and indexes when they do not
// already exist. Deployments that manage migrations externally disable
// this with DB_ENSURE_SCHEMA=false.
//
// The workflows table is included so a fresh development database works
// end to end; in production it is owned by the workflow CRUD service.
func EnsureSchema(ctx context.Context, database *db.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id uuid PRIMARY KEY,
		user_id text NOT NULL,
		name text NOT NULL DEFAULT '',
		nodes jsonb NOT NULL DEFAULT '[]',
		connections jsonb NOT NULL DEFAULT '[]',
		settings jsonb,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_executions (
		id uuid PRIMARY KEY,
		workflow_id uuid NOT NULL,
		user_id text NOT NULL,
		status text NOT NULL DEFAULT 'pending',
		started_at timestamptz,
		completed_at timestamptz,
		duration_seconds double precision,
		input_data jsonb,
		output_data jsonb,
		context jsonb NOT NULL DEFAULT '{}',
		total_nodes integer NOT NULL DEFAULT 0,
		completed_nodes integer NOT NULL DEFAULT 0,
		failed_nodes integer NOT NULL DEFAULT 0,
		retry_count integer NOT NULL DEFAULT 0,
		max_retries integer NOT NULL DEFAULT 3,
		priority integer NOT NULL DEFAULT 5,
		scheduled_at timestamptz,
		broker_task_id text,
		error_message text,
		error_details jsonb,
		execution_log jsonb NOT NULL DEFAULT '[]',
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS node_executions (
		id uuid PRIMARY KEY,
		workflow_execution_id uuid NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
		user_id text NOT NULL,
		agent_id uuid,
		node_id text NOT NULL,
		node_name text NOT NULL DEFAULT '',
		node_type text NOT NULL,
		parent_node_ids text[] NOT NULL DEFAULT '{}',
		child_node_ids text[] NOT NULL DEFAULT '{}',
		execution_order integer NOT NULL DEFAULT 0,
		status text NOT NULL DEFAULT 'pending',
		started_at timestamptz,
		completed_at timestamptz,
		duration_seconds double precision,
		input_data jsonb,
		output_data jsonb,
		agent_response text,
		tokens_used integer,
		model_used text,
		temperature double precision,
		tools_called text[],
		tool_results jsonb,
		retry_count integer NOT NULL DEFAULT 0,
		max_retries integer NOT NULL DEFAULT 3,
		error_message text,
		error_details jsonb,
		error_stack text,
		broker_task_id text,
		metadata jsonb,
		execution_log jsonb NOT NULL DEFAULT '[]',
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now(),
		UNIQUE (workflow_execution_id, node_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_workflow_executions_user_created
		ON workflow_executions (user_id, created_at DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow
		ON workflow_executions (workflow_id, created_at DESC)`,

	// Partial index over the live rows only; the timeout sweep and the
	// dispatch lock never touch terminal executions
	`CREATE INDEX IF NOT EXISTS idx_workflow_executions_active
		ON workflow_executions (status, updated_at)
		WHERE status IN ('pending', 'running')`,

	`CREATE INDEX IF NOT EXISTS idx_workflow_executions_retention
		ON workflow_executions (status, completed_at)`,

	`CREATE INDEX IF NOT EXISTS idx_node_executions_execution
		ON node_executions (workflow_execution_id, execution_order)`,

	`CREATE INDEX IF NOT EXISTS idx_node_executions_status
		ON node_executions (workflow_execution_id, status)`,
}
