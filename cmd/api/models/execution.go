// Package models holds the request and response shapes of the API
// surface. Persistence rows live in common/models; these types only
// frame them for HTTP.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftworks/conductor/common/models"
)

// CreateExecutionRequest is the body of POST /workflows/:id/executions
type CreateExecutionRequest struct {
	InputData   json.RawMessage `json:"input_data,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries  *int            `json:"max_retries,omitempty"`
}

// Validate checks the optional fields against their allowed ranges
func (r *CreateExecutionRequest) Validate() error {
	if r.Priority != nil && (*r.Priority < 0 || *r.Priority > 10) {
		return fmt.Errorf("priority must be between 0 and 10, got %d", *r.Priority)
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", *r.MaxRetries)
	}
	return nil
}

// ListExecutionsResponse is the paginated envelope of GET /executions
type ListExecutionsResponse struct {
	Executions []*models.WorkflowExecution `json:"executions"`
	Total      int                         `json:"total"`
	Limit      int                         `json:"limit"`
	Offset     int                         `json:"offset"`
}

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
