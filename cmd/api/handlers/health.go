package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/driftworks/conductor/common/bootstrap"
)

// HealthHandler reports service liveness and dependency health
type HealthHandler struct {
	components *bootstrap.Components
}

// NewHealthHandler creates the health handler
func NewHealthHandler(components *bootstrap.Components) *HealthHandler {
	return &HealthHandler{components: components}
}

// Health handles GET /health. Dependency trouble degrades the status
// but keeps 200 so orchestrators do not restart the process for a
// transient database blip.
func (h *HealthHandler) Health(c echo.Context) error {
	status := "healthy"
	if err := h.components.Health(c.Request().Context()); err != nil {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  status,
		"service": h.components.Config.Service.Name,
	})
}
