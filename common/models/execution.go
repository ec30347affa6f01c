package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a workflow or node execution
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusSkipped is reserved for nodes. No engine rule produces it;
	// the store accepts it as terminal so external tooling can use it.
	StatusSkipped Status = "skipped"
)

// IsTerminal reports whether a status admits no further transitions
// other than the failed -> pending retry reset
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// CanTransition enforces the workflow execution transition table:
//
//	pending   -> running | cancelled
//	running   -> completed | failed | cancelled
//	failed    -> pending (retry only)
//	completed | cancelled -> none
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusFailed:
		return to == StatusPending
	}
	return false
}

// CanTransitionNode is the node variant of the transition table. It adds
// pending -> skipped; skipped itself is terminal.
func CanTransitionNode(from, to Status) bool {
	if from == StatusPending && to == StatusSkipped {
		return true
	}
	return CanTransition(from, to)
}

// LogEntry is one element of an append-only execution log
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// NewLogEntry builds a log entry stamped with the current UTC time
func NewLogEntry(level, message string, fields map[string]interface{}) LogEntry {
	return LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}
}

// WorkflowExecution is the durable record for one run of a workflow
// Maps to: workflow_executions table
type WorkflowExecution struct {
	ID         uuid.UUID `db:"id" json:"id"`
	WorkflowID uuid.UUID `db:"workflow_id" json:"workflow_id"`
	UserID     string    `db:"user_id" json:"user_id"`

	Status Status `db:"status" json:"status"`

	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DurationSeconds *float64   `db:"duration_seconds" json:"duration_seconds,omitempty"`

	InputData  json.RawMessage `db:"input_data" json:"input_data,omitempty"`
	OutputData json.RawMessage `db:"output_data" json:"output_data,omitempty"`
	Context    json.RawMessage `db:"context" json:"context,omitempty"`

	TotalNodes     int `db:"total_nodes" json:"total_nodes"`
	CompletedNodes int `db:"completed_nodes" json:"completed_nodes"`
	FailedNodes    int `db:"failed_nodes" json:"failed_nodes"`

	RetryCount int `db:"retry_count" json:"retry_count"`
	MaxRetries int `db:"max_retries" json:"max_retries"`

	Priority     int        `db:"priority" json:"priority"`
	ScheduledAt  *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	BrokerTaskID *string    `db:"broker_task_id" json:"broker_task_id,omitempty"`

	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	ErrorDetails json.RawMessage `db:"error_details" json:"error_details,omitempty"`

	ExecutionLog []LogEntry `db:"execution_log" json:"execution_log"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	// Loaded eagerly by GetExecution, not a column
	Nodes []*NodeExecution `db:"-" json:"nodes,omitempty"`
}

// ProgressPercentage returns completed nodes over total as a percentage
func (e *WorkflowExecution) ProgressPercentage() float64 {
	if e.TotalNodes == 0 {
		return 0
	}
	return float64(e.CompletedNodes) / float64(e.TotalNodes) * 100
}

// CanRetry reports whether the execution is eligible for a retry reset
func (e *WorkflowExecution) CanRetry() bool {
	return e.Status == StatusFailed && e.RetryCount < e.MaxRetries
}

// Duration computes elapsed seconds between started and completed stamps
func (e *WorkflowExecution) Duration() *float64 {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return nil
	}
	d := e.CompletedAt.Sub(*e.StartedAt).Seconds()
	return &d
}
