// Package executor drives workflow executions level by level: it claims
// the execution row, resolves the graph, runs each level's nodes through
// the per-type handlers and records every transition durably before
// fanning the matching event out to subscribers.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/driftworks/conductor/common/models"
	"github.com/driftworks/conductor/common/repository"
	"github.com/driftworks/conductor/common/telemetry"
	"github.com/driftworks/conductor/engine/eventbus"
	"github.com/driftworks/conductor/engine/invoker"
	"github.com/driftworks/conductor/engine/resolver"
)

// Logger is the logging surface the executor needs
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

const cleanupTimeout = 10 * time.Second

// Opts configures an Executor
type Opts struct {
	Store     Store
	Publisher eventbus.Publisher
	Invoker   invoker.Invoker
	Logger    Logger

	// Telemetry is optional; metrics are skipped when nil
	Telemetry *telemetry.Telemetry

	// HTTPClient overrides the hardened default used by integration
	// nodes
	HTTPClient *http.Client

	// LevelFanout caps concurrent node handlers per level. Zero runs
	// the whole level at once.
	LevelFanout int

	// SoftTimeout bounds one run end to end. Zero disables the bound.
	SoftTimeout time.Duration
}

// Executor runs workflow executions to a terminal status
type Executor struct {
	store   Store
	pub     eventbus.Publisher
	invoker invoker.Invoker
	logger  Logger
	metrics *telemetry.Telemetry

	logic *logicEvaluator
	integ *integrationRunner

	fanout      int
	softTimeout time.Duration
}

// New creates an Executor
func New(opts Opts) (*Executor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("executor: store is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("executor: publisher is required")
	}
	if opts.Invoker == nil {
		return nil, fmt.Errorf("executor: invoker is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("executor: logger is required")
	}

	return &Executor{
		store:       opts.Store,
		pub:         opts.Publisher,
		invoker:     opts.Invoker,
		logger:      opts.Logger,
		metrics:     opts.Telemetry,
		logic:       newLogicEvaluator(),
		integ:       newIntegrationRunner(opts.HTTPClient),
		fanout:      opts.LevelFanout,
		softTimeout: opts.SoftTimeout,
	}, nil
}

// TerminalReport summarizes a finished run for the broker worker
type TerminalReport struct {
	ExecutionID     uuid.UUID     `json:"execution_id"`
	Status          models.Status `json:"status"`
	CompletedNodes  int           `json:"completed_nodes"`
	FailedNodes     int           `json:"failed_nodes"`
	TotalNodes      int           `json:"total_nodes"`
	DurationSeconds float64       `json:"duration_seconds,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}

// runState is the mutable state of one run, shared by the node
// goroutines of a level
type runState struct {
	exec     *models.WorkflowExecution
	spec     *models.WorkflowSpec
	byNodeID map[string]*models.NodeExecution

	// mu guards outputs and exec field updates once goroutines fan out
	mu      sync.Mutex
	outputs map[string]json.RawMessage
}

func (st *runState) setOutput(nodeID string, output json.RawMessage) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.outputs[nodeID] = output
}

func (st *runState) output(nodeID string) (json.RawMessage, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	out, ok := st.outputs[nodeID]
	return out, ok
}

func (st *runState) contextSnapshot() json.RawMessage {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.exec.Context
}

// Run executes one workflow execution to a terminal status. The
// conditional pending -> running transition is the dispatch lock: a
// duplicate delivery loses the race and returns the transition error.
// Executions already terminal report their recorded outcome without
// touching anything. A returned error means infrastructure trouble and
// the task should be redelivered; domain failures land in the report.
func (e *Executor) Run(ctx context.Context, execID uuid.UUID, userID string) (*TerminalReport, error) {
	exec, err := e.store.GetExecution(ctx, execID, userID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", execID, err)
	}

	if exec.Status.IsTerminal() {
		e.logger.Debug("execution already terminal", "execution_id", execID, "status", exec.Status)
		return reportFor(exec), nil
	}
	if exec.Status != models.StatusPending {
		return nil, &repository.TransitionError{
			Entity:   "workflow execution",
			ID:       execID.String(),
			Expected: models.StatusPending,
			Actual:   exec.Status,
			Target:   models.StatusRunning,
		}
	}

	if e.softTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.softTimeout)
		defer cancel()
	}

	now := time.Now().UTC()
	entry := models.NewLogEntry("info", "Workflow execution started", nil)
	err = e.store.TransitionExecution(ctx, execID, userID, models.StatusPending, models.StatusRunning, &models.ExecutionPatch{
		StartedAt: &now,
		LogEntry:  &entry,
	})
	if err != nil {
		return nil, fmt.Errorf("claim execution %s: %w", execID, err)
	}
	exec.Status = models.StatusRunning
	exec.StartedAt = &now

	e.logger.Info("execution started",
		"execution_id", execID,
		"workflow_id", exec.WorkflowID,
		"total_nodes", exec.TotalNodes,
	)
	if e.metrics != nil {
		e.metrics.ExecutionsStarted.Inc()
	}
	e.publishExecution(ctx, exec, "")

	st := &runState{exec: exec, outputs: make(map[string]json.RawMessage)}
	return e.drive(ctx, st)
}

// drive resolves the graph and walks the levels. Structural problems
// (bad graph, rows out of sync) fail the execution; store errors
// propagate so the broker retries the task.
func (e *Executor) drive(ctx context.Context, st *runState) (*TerminalReport, error) {
	exec := st.exec

	spec, err := e.store.GetWorkflowSpec(ctx, exec.WorkflowID, exec.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return e.failExecution(ctx, st, fmt.Errorf("workflow spec %s not found", exec.WorkflowID))
		}
		return nil, fmt.Errorf("load workflow spec: %w", err)
	}
	st.spec = spec

	res, err := resolver.Build(spec.Nodes, spec.Connections)
	if err != nil {
		return e.failExecution(ctx, st, err)
	}
	levels, err := res.Levels()
	if err != nil {
		return e.failExecution(ctx, st, err)
	}

	rows, err := e.store.ListNodeExecutions(ctx, exec.ID, exec.UserID)
	if err != nil {
		return nil, fmt.Errorf("load node executions: %w", err)
	}
	st.byNodeID = make(map[string]*models.NodeExecution, len(rows))
	for _, row := range rows {
		st.byNodeID[row.NodeID] = row
		switch row.Status {
		case models.StatusCompleted:
			st.outputs[row.NodeID] = row.OutputData
		case models.StatusSkipped:
			st.outputs[row.NodeID] = json.RawMessage(`{}`)
		}
	}
	for _, level := range levels {
		for _, nodeID := range level {
			if _, ok := st.byNodeID[nodeID]; !ok {
				return e.failExecution(ctx, st, fmt.Errorf("node executions out of sync: no row for node %s", nodeID))
			}
		}
	}

	for i, level := range levels {
		cur, err := e.store.GetExecution(ctx, exec.ID, exec.UserID)
		if err != nil {
			return nil, fmt.Errorf("poll execution %s: %w", exec.ID, err)
		}
		if cur.Status == models.StatusCancelled {
			e.logger.Info("execution cancelled, stopping", "execution_id", exec.ID)
			return reportFor(cur), nil
		}
		if cur.Status.IsTerminal() {
			e.logger.Warn("execution reached terminal state externally",
				"execution_id", exec.ID, "status", cur.Status)
			return reportFor(cur), nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return e.abortTimeout(ctx, st)
			}
			return nil, ctxErr
		}

		entry := models.NewLogEntry("info", fmt.Sprintf("Executing level %d/%d with %d nodes", i+1, len(levels), len(level)), nil)
		if err := e.store.AppendExecutionLog(ctx, exec.ID, exec.UserID, entry); err != nil {
			e.logger.Warn("append level log failed", "execution_id", exec.ID, "error", err)
		}
		e.logger.Debug("executing level",
			"execution_id", exec.ID,
			"level", i+1,
			"levels", len(levels),
			"nodes", len(level),
		)

		results := e.runLevel(ctx, st, level)

		completedDelta := 0
		currentNode := ""
		var firstErr error
		for j, nodeID := range level {
			if results[j].err != nil {
				if firstErr == nil {
					firstErr = results[j].err
				}
				continue
			}
			if results[j].counted {
				completedDelta++
				currentNode = nodeID
			}
		}

		if completedDelta > 0 {
			if err := e.store.IncrementProgress(ctx, exec.ID, exec.UserID, completedDelta, 0); err != nil {
				e.logger.Warn("increment progress failed", "execution_id", exec.ID, "error", err)
			}
			st.mu.Lock()
			exec.CompletedNodes += completedDelta
			st.mu.Unlock()
			e.publishExecution(ctx, exec, currentNode)
		}

		if firstErr != nil {
			if errors.Is(firstErr, ErrCancelled) {
				cur, err := e.store.GetExecution(ctx, exec.ID, exec.UserID)
				if err != nil {
					return nil, fmt.Errorf("poll execution %s: %w", exec.ID, err)
				}
				return reportFor(cur), nil
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return e.abortTimeout(ctx, st)
			}
			return e.failExecution(ctx, st, firstErr)
		}
	}

	return e.completeExecution(ctx, st)
}

type nodeResult struct {
	counted bool
	err     error
}

// runLevel runs every node of one level, bounded by the configured
// fanout. Results line up with the level slice.
func (e *Executor) runLevel(ctx context.Context, st *runState, level []string) []nodeResult {
	results := make([]nodeResult, len(level))

	var sem chan struct{}
	if e.fanout > 0 {
		sem = make(chan struct{}, e.fanout)
	}

	var wg sync.WaitGroup
	for i, nodeID := range level {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			counted, err := e.processNode(ctx, st, nodeID)
			results[i] = nodeResult{counted: counted, err: err}
		}(i, nodeID)
	}
	wg.Wait()

	return results
}

// completeExecution records the terminal completed state. The final
// merged context doubles as the execution output.
func (e *Executor) completeExecution(ctx context.Context, st *runState) (*TerminalReport, error) {
	exec := st.exec
	now := time.Now().UTC()
	var duration *float64
	if exec.StartedAt != nil {
		d := now.Sub(*exec.StartedAt).Seconds()
		duration = &d
	}

	output := st.contextSnapshot()
	entry := models.NewLogEntry("info", "Workflow execution completed successfully", nil)
	err := e.store.TransitionExecution(ctx, exec.ID, exec.UserID, models.StatusRunning, models.StatusCompleted, &models.ExecutionPatch{
		CompletedAt:     &now,
		DurationSeconds: duration,
		OutputData:      output,
		LogEntry:        &entry,
	})
	if err != nil {
		var transition *repository.TransitionError
		if errors.As(err, &transition) {
			cur, readErr := e.store.GetExecution(ctx, exec.ID, exec.UserID)
			if readErr == nil && cur.Status.IsTerminal() {
				return reportFor(cur), nil
			}
		}
		return nil, fmt.Errorf("complete execution %s: %w", exec.ID, err)
	}

	exec.Status = models.StatusCompleted
	exec.CompletedAt = &now
	exec.DurationSeconds = duration
	exec.OutputData = output

	e.logger.Info("execution completed",
		"execution_id", exec.ID,
		"completed_nodes", exec.CompletedNodes,
		"duration_seconds", derefFloat(duration),
	)
	if e.metrics != nil {
		e.metrics.ExecutionsFinished.WithLabelValues(string(models.StatusCompleted)).Inc()
		if duration != nil {
			e.metrics.ExecutionDuration.Observe(*duration)
		}
	}
	e.publishExecution(ctx, exec, "")

	return reportFor(exec), nil
}

// failExecution cancels the still-pending downstream nodes and records
// the terminal failed state
func (e *Executor) failExecution(ctx context.Context, st *runState, cause error) (*TerminalReport, error) {
	exec := st.exec

	cancelled, err := e.store.CancelPendingNodes(ctx, exec.ID, exec.UserID)
	if err != nil {
		e.logger.Warn("cancel pending nodes failed", "execution_id", exec.ID, "error", err)
	}

	now := time.Now().UTC()
	var duration *float64
	if exec.StartedAt != nil {
		d := now.Sub(*exec.StartedAt).Seconds()
		duration = &d
	}
	msg := cause.Error()
	entry := models.NewLogEntry("error", fmt.Sprintf("Workflow execution failed: %s", msg), nil)
	err = e.store.TransitionExecution(ctx, exec.ID, exec.UserID, models.StatusRunning, models.StatusFailed, &models.ExecutionPatch{
		CompletedAt:     &now,
		DurationSeconds: duration,
		ErrorMessage:    &msg,
		LogEntry:        &entry,
	})
	if err != nil {
		var transition *repository.TransitionError
		if errors.As(err, &transition) {
			cur, readErr := e.store.GetExecution(ctx, exec.ID, exec.UserID)
			if readErr == nil && cur.Status.IsTerminal() {
				return reportFor(cur), nil
			}
		}
		return nil, fmt.Errorf("fail execution %s: %w", exec.ID, err)
	}

	exec.Status = models.StatusFailed
	exec.CompletedAt = &now
	exec.DurationSeconds = duration
	exec.ErrorMessage = &msg

	e.logger.Error("execution failed",
		"execution_id", exec.ID,
		"error", cause,
		"cancelled_nodes", cancelled,
	)
	if e.metrics != nil {
		e.metrics.ExecutionsFinished.WithLabelValues(string(models.StatusFailed)).Inc()
		if duration != nil {
			e.metrics.ExecutionDuration.Observe(*duration)
		}
	}
	e.publishExecution(ctx, exec, "")

	return reportFor(exec), nil
}

// abortTimeout fails the execution after the soft timeout fired. The
// run context is dead at this point, so cleanup writes go through a
// detached context.
func (e *Executor) abortTimeout(ctx context.Context, st *runState) (*TerminalReport, error) {
	e.logger.Warn("execution soft timeout expired",
		"execution_id", st.exec.ID,
		"timeout", e.softTimeout,
	)
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	return e.failExecution(cleanupCtx, st, ErrTimeout)
}

// mergeContext merges one node's output into the shared execution
// context under {"<node id>": output} and persists the result. Merge
// trouble is logged, never fatal to the run.
func (e *Executor) mergeContext(ctx context.Context, st *runState, nodeID string, output json.RawMessage) {
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	patch, err := json.Marshal(map[string]json.RawMessage{nodeID: output})
	if err != nil {
		e.logger.Warn("marshal context patch failed", "node_id", nodeID, "error", err)
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	base := st.exec.Context
	if len(base) == 0 {
		base = json.RawMessage(`{}`)
	}
	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		e.logger.Warn("merge execution context failed", "node_id", nodeID, "error", err)
		return
	}
	st.exec.Context = merged

	if err := e.store.UpdateExecutionContext(ctx, st.exec.ID, st.exec.UserID, merged); err != nil {
		e.logger.Warn("persist execution context failed", "execution_id", st.exec.ID, "error", err)
	}
}

func (e *Executor) publishExecution(ctx context.Context, exec *models.WorkflowExecution, currentNode string) {
	if err := e.pub.PublishExecutionUpdate(ctx, exec, currentNode); err != nil {
		e.logger.Warn("publish execution update failed", "execution_id", exec.ID, "error", err)
	}
}

func (e *Executor) publishNode(ctx context.Context, exec *models.WorkflowExecution, node *models.NodeExecution, message string) {
	if err := e.pub.PublishNodeUpdate(ctx, exec, node, message); err != nil {
		e.logger.Warn("publish node update failed", "node_execution_id", node.ID, "error", err)
	}
}

func reportFor(exec *models.WorkflowExecution) *TerminalReport {
	report := &TerminalReport{
		ExecutionID:    exec.ID,
		Status:         exec.Status,
		CompletedNodes: exec.CompletedNodes,
		FailedNodes:    exec.FailedNodes,
		TotalNodes:     exec.TotalNodes,
	}
	if exec.DurationSeconds != nil {
		report.DurationSeconds = *exec.DurationSeconds
	}
	if exec.ErrorMessage != nil {
		report.ErrorMessage = *exec.ErrorMessage
	}
	return report
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
