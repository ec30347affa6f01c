package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NodeExecution is the durable record for one node within a workflow
// execution. Many per execution, one per spec node.
// Maps to: node_executions table
type NodeExecution struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	WorkflowExecutionID uuid.UUID  `db:"workflow_execution_id" json:"workflow_execution_id"`
	UserID              string     `db:"user_id" json:"user_id"`
	AgentID             *uuid.UUID `db:"agent_id" json:"agent_id,omitempty"`

	// Topology, copied from the execution plan at creation
	NodeID         string   `db:"node_id" json:"node_id"`
	NodeName       string   `db:"node_name" json:"node_name"`
	NodeType       NodeType `db:"node_type" json:"node_type"`
	ParentNodeIDs  []string `db:"parent_node_ids" json:"parent_node_ids"`
	ChildNodeIDs   []string `db:"child_node_ids" json:"child_node_ids"`
	ExecutionOrder int      `db:"execution_order" json:"execution_order"`

	Status Status `db:"status" json:"status"`

	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DurationSeconds *float64   `db:"duration_seconds" json:"duration_seconds,omitempty"`

	InputData  json.RawMessage `db:"input_data" json:"input_data,omitempty"`
	OutputData json.RawMessage `db:"output_data" json:"output_data,omitempty"`

	// Agent extras, populated only for agent nodes
	AgentResponse *string         `db:"agent_response" json:"agent_response,omitempty"`
	TokensUsed    *int            `db:"tokens_used" json:"tokens_used,omitempty"`
	ModelUsed     *string         `db:"model_used" json:"model_used,omitempty"`
	Temperature   *float64        `db:"temperature" json:"temperature,omitempty"`
	ToolsCalled   []string        `db:"tools_called" json:"tools_called,omitempty"`
	ToolResults   json.RawMessage `db:"tool_results" json:"tool_results,omitempty"`

	RetryCount int `db:"retry_count" json:"retry_count"`
	MaxRetries int `db:"max_retries" json:"max_retries"`

	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	ErrorDetails json.RawMessage `db:"error_details" json:"error_details,omitempty"`
	ErrorStack   *string         `db:"error_stack" json:"error_stack,omitempty"`

	BrokerTaskID *string         `db:"broker_task_id" json:"broker_task_id,omitempty"`
	Metadata     json.RawMessage `db:"metadata" json:"metadata,omitempty"`

	ExecutionLog []LogEntry `db:"execution_log" json:"execution_log"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CanRetry reports whether the node is eligible for a retry reset
func (n *NodeExecution) CanRetry() bool {
	return n.Status == StatusFailed && n.RetryCount < n.MaxRetries
}

// Duration computes elapsed seconds between started and completed stamps
func (n *NodeExecution) Duration() *float64 {
	if n.StartedAt == nil || n.CompletedAt == nil {
		return nil
	}
	d := n.CompletedAt.Sub(*n.StartedAt).Seconds()
	return &d
}

// IsAgent reports whether this node invokes an agent
func (n *NodeExecution) IsAgent() bool {
	return n.NodeType == NodeTypeAgent
}
