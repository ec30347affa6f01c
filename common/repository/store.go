package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/driftworks/conductor/common/cache"
	"github.com/driftworks/conductor/common/db"
	"github.com/driftworks/conductor/common/logger"
	"github.com/driftworks/conductor/common/models"
)

// Store bundles the per-entity repositories into the single persistence
// surface the engine and the API consume
type Store struct {
	*ExecutionRepository
	*NodeExecutionRepository
	*WorkflowRepository
}

// NewStore creates a store over one database pool. The cache backs
// workflow spec reads and may be nil.
func NewStore(database *db.DB, specCache cache.Cache, log *logger.Logger) *Store {
	return &Store{
		ExecutionRepository:     NewExecutionRepository(database),
		NodeExecutionRepository: NewNodeExecutionRepository(database),
		WorkflowRepository:      NewWorkflowRepository(database, specCache, log),
	}
}

// GetExecution loads the execution row with its node executions
// attached
func (s *Store) GetExecution(ctx context.Context, execID uuid.UUID, userID string) (*models.WorkflowExecution, error) {
	exec, err := s.ExecutionRepository.GetExecution(ctx, execID, userID)
	if err != nil {
		return nil, err
	}

	nodes, err := s.ListNodeExecutions(ctx, execID, userID)
	if err != nil {
		return nil, err
	}
	exec.Nodes = nodes

	return exec, nil
}
