package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/driftworks/conductor/common/cache"
	"github.com/driftworks/conductor/common/db"
	"github.com/driftworks/conductor/common/logger"
	"github.com/driftworks/conductor/common/models"
)

// Workflow specs are immutable per execution, so a short TTL only
// bounds how long a stale spec survives a workflow edit
const specCacheTTL = 5 * time.Minute

// WorkflowRepository reads workflow specs. The workflows table is owned
// by the workflow CRUD service; this engine never writes it.
type WorkflowRepository struct {
	db    *db.DB
	cache cache.Cache
	log   *logger.Logger
}

// NewWorkflowRepository creates a new workflow repository. The cache is
// optional; pass nil to read through to the database every time.
func NewWorkflowRepository(database *db.DB, specCache cache.Cache, log *logger.Logger) *WorkflowRepository {
	return &WorkflowRepository{
		db:    database,
		cache: specCache,
		log:   log,
	}
}

// GetWorkflowSpec retrieves the graph definition of a workflow scoped by
// user, served from cache when possible
func (r *WorkflowRepository) GetWorkflowSpec(ctx context.Context, workflowID uuid.UUID, userID string) (*models.WorkflowSpec, error) {
	key := specCacheKey(workflowID, userID)

	if r.cache != nil {
		raw, found, err := r.cache.Get(ctx, key)
		if err != nil {
			r.log.Warn("workflow spec cache read failed", "workflow_id", workflowID, "error", err)
		} else if found {
			spec := &models.WorkflowSpec{}
			if err := json.Unmarshal(raw, spec); err == nil {
				return spec, nil
			}
			r.log.Warn("workflow spec cache entry corrupt, rereading", "workflow_id", workflowID)
		}
	}

	query := `
		SELECT id, user_id, name, nodes, connections, settings
		FROM workflows
		WHERE id = $1 AND user_id = $2
	`

	spec := &models.WorkflowSpec{}
	var nodesRaw, connectionsRaw []byte
	err := r.db.QueryRow(ctx, query, workflowID, userID).Scan(
		&spec.WorkflowID,
		&spec.UserID,
		&spec.Name,
		&nodesRaw,
		&connectionsRaw,
		&spec.Settings,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if len(nodesRaw) > 0 {
		if err := json.Unmarshal(nodesRaw, &spec.Nodes); err != nil {
			return nil, fmt.Errorf("failed to decode workflow nodes: %w", err)
		}
	}
	if len(connectionsRaw) > 0 {
		if err := json.Unmarshal(connectionsRaw, &spec.Connections); err != nil {
			return nil, fmt.Errorf("failed to decode workflow connections: %w", err)
		}
	}

	if r.cache != nil {
		if raw, err := json.Marshal(spec); err == nil {
			if err := r.cache.Set(ctx, key, raw, specCacheTTL); err != nil {
				r.log.Warn("workflow spec cache write failed", "workflow_id", workflowID, "error", err)
			}
		}
	}

	return spec, nil
}

func specCacheKey(workflowID uuid.UUID, userID string) string {
	return fmt.Sprintf("wfspec:%s:%s", workflowID, userID)
}
