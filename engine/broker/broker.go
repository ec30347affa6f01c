// Package broker moves execution tasks between the API and the workers.
// The redis implementation rides streams with a consumer group for
// at-least-once delivery and a sorted set for delayed retries; the
// memory implementation covers single-process deployments and tests.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Task kinds, one stream each
type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindNode     Kind = "node"
	KindCleanup  Kind = "cleanup"
)

// Cleanup task reasons
const (
	CleanupCompleted = "completed"
	CleanupFailed    = "failed"
	CleanupOrphans   = "orphans"
)

// ErrBrokerUnavailable reports that the broker backend cannot accept or
// deliver tasks right now
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Task is the unit of work moved through the broker. Attempts counts
// scheduled retries and travels in the payload; Deliveries counts raw
// deliveries of the current message and is stamped at read time.
type Task struct {
	ID              string     `json:"task_id"`
	Kind            Kind       `json:"kind"`
	ExecutionID     uuid.UUID  `json:"execution_id,omitempty"`
	NodeExecutionID *uuid.UUID `json:"node_execution_id,omitempty"`
	UserID          string     `json:"user_id,omitempty"`
	Priority        int        `json:"priority"`
	Attempts        int        `json:"attempts,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	EnqueuedAt      time.Time  `json:"enqueued_at"`

	Deliveries int64 `json:"-"`
}

// NewTask builds a task with a fresh id
func NewTask(kind Kind, executionID uuid.UUID, userID string, priority int) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		ExecutionID: executionID,
		UserID:      userID,
		Priority:    clampPriority(priority),
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Handler processes one delivered task. Returning nil acknowledges the
// message; the handler owns retry policy and schedules its own delayed
// retries. A non-nil return leaves the message pending for the claim
// sweep, the crash recovery path.
type Handler func(ctx context.Context, task *Task) error

// Broker is the task transport
type Broker interface {
	// Enqueue makes the task deliverable immediately
	Enqueue(ctx context.Context, task *Task) error

	// EnqueueIn makes the task deliverable after the delay. Ties on the
	// due instant are broken by priority, highest first.
	EnqueueIn(ctx context.Context, task *Task, delay time.Duration) error

	// Consume delivers tasks to the handler on the given number of
	// workers until the context ends
	Consume(ctx context.Context, workers int, handler Handler) error

	Close() error
}

// Logger is the logging surface the broker needs
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}

// scheduleScore encodes a due instant and a priority into one sorted
// set score: milliseconds shifted left four bits, priority inverted so
// higher priorities sort first among tasks due at the same instant
func scheduleScore(due time.Time, priority int) float64 {
	return float64(due.UnixMilli())*16 + float64(10-clampPriority(priority))
}

// scheduleCeiling is the score below which every task is due at t
func scheduleCeiling(t time.Time) float64 {
	return float64(t.UnixMilli())*16 + 15
}
