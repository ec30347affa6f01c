package executor

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/driftworks/conductor/common/models"
)

// Store is the persistence surface the executor drives. Every operation
// is scoped by user id; reads of rows owned by someone else return
// repository.ErrNotFound. Transitions are conditional updates that fail
// with repository.TransitionError when the row is not in the expected
// state.
type Store interface {
	GetExecution(ctx context.Context, execID uuid.UUID, userID string) (*models.WorkflowExecution, error)
	GetWorkflowSpec(ctx context.Context, workflowID uuid.UUID, userID string) (*models.WorkflowSpec, error)
	ListNodeExecutions(ctx context.Context, execID uuid.UUID, userID string) ([]*models.NodeExecution, error)
	GetNodeExecution(ctx context.Context, nodeExecID uuid.UUID, userID string) (*models.NodeExecution, error)

	TransitionExecution(ctx context.Context, execID uuid.UUID, userID string, from, to models.Status, patch *models.ExecutionPatch) error
	TransitionNode(ctx context.Context, nodeExecID uuid.UUID, userID string, from, to models.Status, patch *models.NodePatch) error

	AppendExecutionLog(ctx context.Context, execID uuid.UUID, userID string, entry models.LogEntry) error
	AppendNodeLog(ctx context.Context, nodeExecID uuid.UUID, userID string, entry models.LogEntry) error

	UpdateExecutionContext(ctx context.Context, execID uuid.UUID, userID string, execContext json.RawMessage) error
	IncrementProgress(ctx context.Context, execID uuid.UUID, userID string, completedDelta, failedDelta int) error
	CancelPendingNodes(ctx context.Context, execID uuid.UUID, userID string) (int, error)

	// ResetNodesForRetry flips failed and cancelled node rows of an
	// execution back to pending with errors, stamps and per-node retry
	// counts cleared, so a workflow retry re-runs them from scratch.
	// Returns the number of rows reset.
	ResetNodesForRetry(ctx context.Context, execID uuid.UUID, userID string) (int, error)
}
