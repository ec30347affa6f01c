package models

import (
	"encoding/json"
	"time"
)

// ExecutionPatch carries the field updates applied atomically with a
// workflow execution status transition. Nil fields are left untouched.
type ExecutionPatch struct {
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64

	OutputData json.RawMessage
	Context    json.RawMessage

	CompletedNodes *int
	FailedNodes    *int
	RetryCount     *int

	ErrorMessage *string
	ErrorDetails json.RawMessage
	ClearError   bool

	// ClearCompletion nulls completed_at and duration_seconds, used by
	// the retry reset
	ClearCompletion bool

	BrokerTaskID *string

	LogEntry *LogEntry
}

// NodePatch is the node execution counterpart of ExecutionPatch
type NodePatch struct {
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64

	InputData  json.RawMessage
	OutputData json.RawMessage

	AgentResponse *string
	TokensUsed    *int
	ModelUsed     *string
	Temperature   *float64
	ToolsCalled   []string
	ToolResults   json.RawMessage

	RetryCount *int

	ErrorMessage *string
	ErrorDetails json.RawMessage
	ErrorStack   *string
	ClearError   bool

	// ClearCompletion nulls completed_at and duration_seconds, used by
	// the retry reset
	ClearCompletion bool

	BrokerTaskID *string

	LogEntry *LogEntry
}
