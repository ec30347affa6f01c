package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/driftworks/conductor/cmd/api/middleware"
	apimodels "github.com/driftworks/conductor/cmd/api/models"
	"github.com/driftworks/conductor/common/config"
	"github.com/driftworks/conductor/common/models"
	"github.com/driftworks/conductor/common/ratelimit"
	"github.com/driftworks/conductor/common/repository"
	"github.com/driftworks/conductor/common/validation"
	"github.com/driftworks/conductor/engine/broker"
	"github.com/driftworks/conductor/engine/executor"
	"github.com/driftworks/conductor/engine/invoker"
	"github.com/driftworks/conductor/engine/resolver"
)

// Logger is the logging surface the handlers need
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// ExecutionHandler serves the execution lifecycle endpoints
type ExecutionHandler struct {
	store     *repository.Store
	validator *validation.SpecValidator
	broker    broker.Broker
	executor  *executor.Executor
	limiter   *ratelimit.Limiter
	cfg       *config.Config
	logger    Logger
}

// NewExecutionHandler creates an execution handler. The limiter may be
// nil when rate limiting is disabled.
func NewExecutionHandler(
	store *repository.Store,
	validator *validation.SpecValidator,
	taskBroker broker.Broker,
	exec *executor.Executor,
	limiter *ratelimit.Limiter,
	cfg *config.Config,
	logger Logger,
) *ExecutionHandler {
	return &ExecutionHandler{
		store:     store,
		validator: validator,
		broker:    taskBroker,
		executor:  exec,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateExecution plans and enqueues a new run of a workflow
// POST /api/v1/workflows/:id/executions
func (h *ExecutionHandler) CreateExecution(c echo.Context) error {
	userID := middleware.GetUserID(c)
	ctx := c.Request().Context()

	workflowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid workflow id")
	}

	var req apimodels.CreateExecutionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	spec, err := h.store.GetWorkflowSpec(ctx, workflowID, userID)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.validator.ValidateSpec(spec); err != nil {
		return writeError(c, err)
	}

	// Plan before persisting: a bad graph must leave no rows behind
	res, err := resolver.Build(spec.Nodes, spec.Connections)
	if err != nil {
		return writeError(c, err)
	}
	levels, err := res.Levels()
	if err != nil {
		return writeError(c, err)
	}

	// Heavier workflows burn more of the caller's quota than the flat
	// per-request charge the middleware applies
	if h.limiter != nil && h.cfg.RateLimit.Enabled {
		cost := ratelimit.WorkflowCost(spec)
		result, err := h.limiter.AllowUser(ctx, userID, h.cfg.RateLimit.Rate, h.cfg.RateLimit.Burst, cost)
		if err == nil && !result.Allowed {
			return ratelimit.TooManyRequests(c, result)
		}
	}

	exec, nodes := h.planExecution(spec, res, levels, userID, &req)
	if err := h.store.CreateExecution(ctx, exec, nodes); err != nil {
		h.logger.Error("create execution failed", "workflow_id", workflowID, "error", err)
		return writeError(c, err)
	}

	task := broker.NewTask(broker.KindWorkflow, exec.ID, userID, exec.Priority)
	delay := time.Duration(0)
	if exec.ScheduledAt != nil {
		delay = time.Until(*exec.ScheduledAt)
	}
	if err := h.broker.EnqueueIn(ctx, task, delay); err != nil {
		h.logger.Error("enqueue execution failed", "execution_id", exec.ID, "error", err)
		return writeError(c, err)
	}

	if err := h.store.SetBrokerTaskID(ctx, exec.ID, userID, task.ID); err != nil {
		h.logger.Warn("record broker task id failed", "execution_id", exec.ID, "error", err)
	} else {
		exec.BrokerTaskID = &task.ID
	}

	h.logger.Info("execution created",
		"execution_id", exec.ID,
		"workflow_id", workflowID,
		"total_nodes", exec.TotalNodes,
		"task_id", task.ID,
	)

	exec.Nodes = nodes
	return c.JSON(http.StatusCreated, exec)
}

// planExecution materializes the execution and node rows from the spec
// and the level plan
func (h *ExecutionHandler) planExecution(
	spec *models.WorkflowSpec,
	res *resolver.Resolver,
	levels [][]string,
	userID string,
	req *apimodels.CreateExecutionRequest,
) (*models.WorkflowExecution, []*models.NodeExecution) {
	maxRetries := h.cfg.Executor.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	priority := 5
	if req.Priority != nil {
		priority = *req.Priority
	}

	exec := &models.WorkflowExecution{
		ID:          uuid.New(),
		WorkflowID:  spec.WorkflowID,
		UserID:      userID,
		Status:      models.StatusPending,
		InputData:   req.InputData,
		Context:     req.Context,
		TotalNodes:  len(spec.Nodes),
		MaxRetries:  maxRetries,
		Priority:    priority,
		ScheduledAt: req.ScheduledAt,
		ExecutionLog: []models.LogEntry{
			models.NewLogEntry("info", "Workflow execution created", map[string]interface{}{
				"total_nodes": len(spec.Nodes),
			}),
		},
	}

	levelOf := make(map[string]int, len(spec.Nodes))
	for i, level := range levels {
		for _, nodeID := range level {
			levelOf[nodeID] = i
		}
	}

	nodes := make([]*models.NodeExecution, 0, len(spec.Nodes))
	for i := range spec.Nodes {
		specNode := &spec.Nodes[i]
		name := specNode.Name
		if name == "" {
			name = specNode.ID
		}
		row := &models.NodeExecution{
			ID:                  uuid.New(),
			WorkflowExecutionID: exec.ID,
			UserID:              userID,
			NodeID:              specNode.ID,
			NodeName:            name,
			NodeType:            specNode.Type,
			ParentNodeIDs:       res.Parents(specNode.ID),
			ChildNodeIDs:        res.Children(specNode.ID),
			ExecutionOrder:      levelOf[specNode.ID],
			Status:              models.StatusPending,
			MaxRetries:          maxRetries,
			ExecutionLog:        []models.LogEntry{},
		}
		if specNode.Type == models.NodeTypeAgent {
			if agent, err := invoker.AgentFromNode(specNode); err == nil {
				if agentID, err := uuid.Parse(agent.ID); err == nil {
					row.AgentID = &agentID
				}
			}
		}
		nodes = append(nodes, row)
	}

	return exec, nodes
}

// ListExecutions lists the caller's executions newest first
// GET /api/v1/executions?workflow_id=&status=&limit=&offset=
func (h *ExecutionHandler) ListExecutions(c echo.Context) error {
	userID := middleware.GetUserID(c)

	filter := repository.ExecutionFilter{}
	if raw := c.QueryParam("workflow_id"); raw != "" {
		workflowID, err := uuid.Parse(raw)
		if err != nil {
			return badRequest(c, "invalid workflow_id")
		}
		filter.WorkflowID = &workflowID
	}
	if raw := c.QueryParam("status"); raw != "" {
		filter.Status = models.Status(raw)
	}
	if err := echo.QueryParamsBinder(c).
		Int("limit", &filter.Limit).
		Int("offset", &filter.Offset).
		BindError(); err != nil {
		return badRequest(c, "invalid pagination parameters")
	}

	executions, total, err := h.store.ListExecutions(c.Request().Context(), userID, filter)
	if err != nil {
		h.logger.Error("list executions failed", "error", err)
		return writeError(c, err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return c.JSON(http.StatusOK, apimodels.ListExecutionsResponse{
		Executions: executions,
		Total:      total,
		Limit:      limit,
		Offset:     filter.Offset,
	})
}

// GetExecution returns one execution with its node rows
// GET /api/v1/executions/:id
func (h *ExecutionHandler) GetExecution(c echo.Context) error {
	userID := middleware.GetUserID(c)

	execID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid execution id")
	}

	exec, err := h.store.GetExecution(c.Request().Context(), execID, userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// CancelExecution cancels a pending or running execution
// POST /api/v1/executions/:id/cancel
func (h *ExecutionHandler) CancelExecution(c echo.Context) error {
	userID := middleware.GetUserID(c)

	execID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid execution id")
	}

	if err := h.executor.Cancel(c.Request().Context(), execID, userID); err != nil {
		h.logger.Warn("cancel execution failed", "execution_id", execID, "error", err)
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RetryExecution resets a failed execution and re-enqueues it
// POST /api/v1/executions/:id/retry
func (h *ExecutionHandler) RetryExecution(c echo.Context) error {
	userID := middleware.GetUserID(c)
	ctx := c.Request().Context()

	execID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid execution id")
	}

	exec, err := h.executor.RetryWorkflow(ctx, execID, userID)
	if err != nil {
		h.logger.Warn("retry execution failed", "execution_id", execID, "error", err)
		return writeError(c, err)
	}

	task := broker.NewTask(broker.KindWorkflow, exec.ID, userID, exec.Priority)
	if err := h.broker.Enqueue(ctx, task); err != nil {
		h.logger.Error("enqueue retry failed", "execution_id", execID, "error", err)
		return writeError(c, err)
	}
	if err := h.store.SetBrokerTaskID(ctx, exec.ID, userID, task.ID); err != nil {
		h.logger.Warn("record broker task id failed", "execution_id", execID, "error", err)
	}

	return c.NoContent(http.StatusNoContent)
}

// ListNodes returns the node executions of one execution in level order
// GET /api/v1/executions/:id/nodes
func (h *ExecutionHandler) ListNodes(c echo.Context) error {
	userID := middleware.GetUserID(c)

	execID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid execution id")
	}

	nodes, err := h.store.ListNodeExecutions(c.Request().Context(), execID, userID)
	if err != nil {
		return writeError(c, err)
	}
	if len(nodes) == 0 {
		// Distinguish an empty workflow from a foreign or missing one
		if _, err := h.store.ExecutionRepository.GetExecution(c.Request().Context(), execID, userID); err != nil {
			return writeError(c, err)
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"nodes": nodes})
}

// GetNode returns one node execution
// GET /api/v1/executions/:id/nodes/:nodeExecId
func (h *ExecutionHandler) GetNode(c echo.Context) error {
	userID := middleware.GetUserID(c)

	execID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid execution id")
	}
	nodeExecID, err := uuid.Parse(c.Param("nodeExecId"))
	if err != nil {
		return badRequest(c, "invalid node execution id")
	}

	node, err := h.store.GetNodeExecution(c.Request().Context(), nodeExecID, userID)
	if err != nil {
		return writeError(c, err)
	}
	if node.WorkflowExecutionID != execID {
		return writeError(c, repository.ErrNotFound)
	}
	return c.JSON(http.StatusOK, node)
}

// GetLogs returns the execution's append-only log. Clients that missed
// websocket frames reconcile here.
// GET /api/v1/executions/:id/logs
func (h *ExecutionHandler) GetLogs(c echo.Context) error {
	userID := middleware.GetUserID(c)

	execID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid execution id")
	}

	exec, err := h.store.ExecutionRepository.GetExecution(c.Request().Context(), execID, userID)
	if err != nil {
		return writeError(c, err)
	}

	log := exec.ExecutionLog
	if log == nil {
		log = []models.LogEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"execution_log": log})
}
