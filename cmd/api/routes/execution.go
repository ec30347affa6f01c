// Package routes registers the API surface onto the echo instance
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/driftworks/conductor/cmd/api/container"
	"github.com/driftworks/conductor/cmd/api/handlers"
	"github.com/driftworks/conductor/cmd/api/middleware"
	"github.com/driftworks/conductor/common/ratelimit"
)

// RegisterExecutionRoutes wires the execution lifecycle endpoints
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	cfg := c.Components.Config
	h := handlers.NewExecutionHandler(
		c.Components.Store,
		c.Validator,
		c.Broker,
		c.Executor,
		c.Limiter,
		cfg,
		c.Components.Logger.WithComponent("api"),
	)

	api := e.Group("/api/v1", middleware.Authenticate(cfg.Auth))
	if c.Limiter != nil {
		api.Use(ratelimit.Middleware(c.Limiter, cfg.RateLimit))
	}

	api.POST("/workflows/:id/executions", h.CreateExecution)

	executions := api.Group("/executions")
	{
		executions.GET("", h.ListExecutions)
		executions.GET("/:id", h.GetExecution)
		executions.POST("/:id/cancel", h.CancelExecution)
		executions.POST("/:id/retry", h.RetryExecution)
		executions.GET("/:id/nodes", h.ListNodes)
		executions.GET("/:id/nodes/:nodeExecId", h.GetNode)
		executions.GET("/:id/logs", h.GetLogs)
	}
}

// RegisterWSRoutes wires the realtime endpoint. Same auth middleware as
// the REST surface; the token rides the query string.
func RegisterWSRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWSHandler(c.Hub, c.Components.Store, c.Components.Logger.WithComponent("ws"))
	e.GET("/ws", h.Serve, middleware.Authenticate(c.Components.Config.Auth))
}

// RegisterHealthRoutes wires the unauthenticated liveness endpoint
func RegisterHealthRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewHealthHandler(c.Components)
	e.GET("/health", h.Health)
}
