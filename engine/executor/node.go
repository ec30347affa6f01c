package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/driftworks/conductor/common/models"
	"github.com/driftworks/conductor/engine/invoker"
)

// retryBackoff is the linear wait unit before a node's next attempt
var retryBackoff = time.Second

// processNode runs one node to a terminal status. Returns counted=true
// when the node newly completed in this run; rows already terminal from
// a previous attempt are skipped without counting.
func (e *Executor) processNode(ctx context.Context, st *runState, nodeID string) (bool, error) {
	row, ok := st.byNodeID[nodeID]
	if !ok {
		return false, fmt.Errorf("node executions out of sync: no row for node %s", nodeID)
	}
	specNode, ok := st.spec.NodeByID(nodeID)
	if !ok {
		return false, Permanent(fmt.Errorf("node %s missing from workflow spec", nodeID))
	}

	switch row.Status {
	case models.StatusCompleted, models.StatusSkipped:
		return false, nil
	case models.StatusCancelled:
		return false, ErrCancelled
	case models.StatusFailed:
		return false, fmt.Errorf("node %s already failed", nodeID)
	case models.StatusRunning:
		return false, fmt.Errorf("node %s already running", nodeID)
	}

	input := composeInput(st, row)

	now := time.Now().UTC()
	started := models.NewLogEntry("info", "Node execution started", nil)
	err := e.store.TransitionNode(ctx, row.ID, row.UserID, models.StatusPending, models.StatusRunning, &models.NodePatch{
		StartedAt: &now,
		InputData: input,
		LogEntry:  &started,
	})
	if err != nil {
		return false, fmt.Errorf("start node %s: %w", nodeID, err)
	}
	row.Status = models.StatusRunning
	row.StartedAt = &now
	row.InputData = input

	e.logger.Debug("node started", "execution_id", st.exec.ID, "node_id", nodeID, "node_type", row.NodeType)
	e.publishNode(ctx, st.exec, row, "Node execution started")

	for {
		output, agentRes, dispatchErr := e.dispatch(ctx, st, specNode, input)
		if dispatchErr == nil {
			return true, e.completeNode(ctx, st, row, output, agentRes)
		}

		if ctx.Err() == nil && Retryable(dispatchErr) && row.RetryCount < row.MaxRetries {
			if err := e.resetNodeAttempt(ctx, st, row, dispatchErr); err != nil {
				return false, err
			}
			continue
		}

		return false, e.failNode(ctx, st, row, dispatchErr)
	}
}

// completeNode records the terminal completed state and folds the
// output into the shared execution context
func (e *Executor) completeNode(ctx context.Context, st *runState, row *models.NodeExecution, output json.RawMessage, agentRes *invoker.Result) error {
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}

	now := time.Now().UTC()
	var duration *float64
	if row.StartedAt != nil {
		d := now.Sub(*row.StartedAt).Seconds()
		duration = &d
	}

	entry := models.NewLogEntry("info", "Node execution completed", nil)
	patch := &models.NodePatch{
		CompletedAt:     &now,
		DurationSeconds: duration,
		OutputData:      output,
		ClearError:      true,
		LogEntry:        &entry,
	}
	if agentRes != nil {
		patch.AgentResponse = &agentRes.AgentResponse
		patch.TokensUsed = &agentRes.TokensUsed
		patch.ModelUsed = &agentRes.ModelUsed
		patch.Temperature = agentRes.Temperature
		patch.ToolsCalled = agentRes.ToolsCalled
		patch.ToolResults = agentRes.ToolResults
	}

	err := e.store.TransitionNode(ctx, row.ID, row.UserID, models.StatusRunning, models.StatusCompleted, patch)
	if err != nil {
		return fmt.Errorf("complete node %s: %w", row.NodeID, err)
	}

	row.Status = models.StatusCompleted
	row.CompletedAt = &now
	row.DurationSeconds = duration
	row.OutputData = output

	st.setOutput(row.NodeID, output)
	e.mergeContext(ctx, st, row.NodeID, output)

	e.logger.Debug("node completed",
		"execution_id", st.exec.ID,
		"node_id", row.NodeID,
		"duration_seconds", derefFloat(duration),
	)
	if e.metrics != nil {
		e.metrics.NodesProcessed.WithLabelValues(string(row.NodeType), string(models.StatusCompleted)).Inc()
		if duration != nil {
			e.metrics.NodeDuration.WithLabelValues(string(row.NodeType)).Observe(*duration)
		}
	}
	e.publishNode(ctx, st.exec, row, "Node execution completed")

	return nil
}

// resetNodeAttempt walks the row through failed -> pending -> running
// for the next attempt, then waits out the linear backoff
func (e *Executor) resetNodeAttempt(ctx context.Context, st *runState, row *models.NodeExecution, cause error) error {
	attempt := row.RetryCount + 1
	msg := cause.Error()

	failedEntry := models.NewLogEntry("warning", fmt.Sprintf("Node execution attempt %d failed: %s", attempt, msg), nil)
	err := e.store.TransitionNode(ctx, row.ID, row.UserID, models.StatusRunning, models.StatusFailed, &models.NodePatch{
		ErrorMessage: &msg,
		LogEntry:     &failedEntry,
	})
	if err != nil {
		return fmt.Errorf("record node %s attempt failure: %w", row.NodeID, err)
	}

	retryEntry := models.NewLogEntry("info", fmt.Sprintf("Node execution retry #%d", attempt), nil)
	err = e.store.TransitionNode(ctx, row.ID, row.UserID, models.StatusFailed, models.StatusPending, &models.NodePatch{
		RetryCount: &attempt,
		LogEntry:   &retryEntry,
	})
	if err != nil {
		return fmt.Errorf("reset node %s for retry: %w", row.NodeID, err)
	}
	row.RetryCount = attempt

	e.logger.Info("node retry scheduled",
		"execution_id", st.exec.ID,
		"node_id", row.NodeID,
		"attempt", attempt,
		"error", cause,
	)

	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(attempt) * retryBackoff):
	}

	now := time.Now().UTC()
	err = e.store.TransitionNode(ctx, row.ID, row.UserID, models.StatusPending, models.StatusRunning, &models.NodePatch{
		StartedAt:  &now,
		ClearError: true,
	})
	if err != nil {
		return fmt.Errorf("restart node %s: %w", row.NodeID, err)
	}
	row.StartedAt = &now

	return nil
}

// failNode records the terminal failed state after the retry budget ran
// out or the failure was permanent
func (e *Executor) failNode(ctx context.Context, st *runState, row *models.NodeExecution, cause error) error {
	now := time.Now().UTC()
	var duration *float64
	if row.StartedAt != nil {
		d := now.Sub(*row.StartedAt).Seconds()
		duration = &d
	}
	msg := cause.Error()

	entry := models.NewLogEntry("error", fmt.Sprintf("Node execution failed: %s", msg), nil)
	err := e.store.TransitionNode(ctx, row.ID, row.UserID, models.StatusRunning, models.StatusFailed, &models.NodePatch{
		CompletedAt:     &now,
		DurationSeconds: duration,
		ErrorMessage:    &msg,
		LogEntry:        &entry,
	})
	if err != nil {
		return fmt.Errorf("fail node %s: %w", row.NodeID, err)
	}

	row.Status = models.StatusFailed
	row.CompletedAt = &now
	row.DurationSeconds = duration
	row.ErrorMessage = &msg

	if err := e.store.IncrementProgress(ctx, st.exec.ID, st.exec.UserID, 0, 1); err != nil {
		e.logger.Warn("increment failed count failed", "execution_id", st.exec.ID, "error", err)
	}
	st.mu.Lock()
	st.exec.FailedNodes++
	st.mu.Unlock()

	e.logger.Error("node failed",
		"execution_id", st.exec.ID,
		"node_id", row.NodeID,
		"retries", row.RetryCount,
		"error", cause,
	)
	if e.metrics != nil {
		e.metrics.NodesProcessed.WithLabelValues(string(row.NodeType), string(models.StatusFailed)).Inc()
		if duration != nil {
			e.metrics.NodeDuration.WithLabelValues(string(row.NodeType)).Observe(*duration)
		}
	}
	e.publishNode(ctx, st.exec, row, fmt.Sprintf("Node execution failed: %s", msg))

	return fmt.Errorf("node %s failed: %w", row.NodeID, cause)
}

// dispatch routes one attempt through the handler for the node type
func (e *Executor) dispatch(ctx context.Context, st *runState, specNode *models.SpecNode, input json.RawMessage) (json.RawMessage, *invoker.Result, error) {
	switch specNode.Type {
	case models.NodeTypeAgent:
		agent, err := invoker.AgentFromNode(specNode)
		if err != nil {
			return nil, nil, Permanent(err)
		}
		res, err := e.invoker.Invoke(ctx, agent, input, st.contextSnapshot())
		if err != nil {
			return nil, nil, &UpstreamError{Err: err, Transient: true}
		}
		return res.OutputData, res, nil

	case models.NodeTypeLogic:
		out, err := e.logic.Evaluate(specNode.Data, input, st.contextSnapshot(), st.spec.Settings)
		return out, nil, err

	case models.NodeTypeIntegration:
		out, err := e.integ.Run(ctx, specNode.Data, input)
		return out, nil, err

	case models.NodeTypeTrigger, models.NodeTypeAction:
		out, err := passthrough(specNode, input)
		return out, nil, err

	default:
		return nil, nil, Permanent(fmt.Errorf("unknown node type: %s", specNode.Type))
	}
}

// passthrough is the trigger and action handler: it wraps the input
// unchanged. An action may name an output_path to lift a fragment of
// the input into a dedicated output field.
func passthrough(specNode *models.SpecNode, input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	out := map[string]json.RawMessage{
		"status": json.RawMessage(`"completed"`),
		"input":  input,
	}

	if specNode.Type == models.NodeTypeAction && len(specNode.Data) > 0 {
		if path := gjson.GetBytes(specNode.Data, "output_path"); path.Exists() && path.String() != "" {
			if val := gjson.GetBytes(input, path.String()); val.Exists() {
				out["output"] = json.RawMessage(val.Raw)
			}
		}
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode passthrough output: %w", err))
	}
	return encoded, nil
}

// composeInput assembles the handler input: root nodes receive the
// execution input, everything else a map of parent id to parent output
func composeInput(st *runState, row *models.NodeExecution) json.RawMessage {
	if len(row.ParentNodeIDs) == 0 {
		if len(st.exec.InputData) > 0 {
			return st.exec.InputData
		}
		return json.RawMessage(`{}`)
	}

	inputs := make(map[string]json.RawMessage, len(row.ParentNodeIDs))
	for _, parentID := range row.ParentNodeIDs {
		if out, ok := st.output(parentID); ok && len(out) > 0 {
			inputs[parentID] = out
		} else {
			inputs[parentID] = json.RawMessage(`{}`)
		}
	}
	encoded, err := json.Marshal(inputs)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return encoded
}

// RunNode runs a single node execution, used by broker node tasks after
// a per-node retry. The parent execution's status is left alone; only
// the progress counters move.
func (e *Executor) RunNode(ctx context.Context, nodeExecID uuid.UUID, userID string) (*models.NodeExecution, error) {
	node, err := e.store.GetNodeExecution(ctx, nodeExecID, userID)
	if err != nil {
		return nil, fmt.Errorf("load node execution %s: %w", nodeExecID, err)
	}
	exec, err := e.store.GetExecution(ctx, node.WorkflowExecutionID, userID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", node.WorkflowExecutionID, err)
	}
	spec, err := e.store.GetWorkflowSpec(ctx, exec.WorkflowID, exec.UserID)
	if err != nil {
		return nil, fmt.Errorf("load workflow spec: %w", err)
	}
	rows, err := e.store.ListNodeExecutions(ctx, exec.ID, exec.UserID)
	if err != nil {
		return nil, fmt.Errorf("load node executions: %w", err)
	}

	st := &runState{
		exec:     exec,
		spec:     spec,
		byNodeID: make(map[string]*models.NodeExecution, len(rows)),
		outputs:  make(map[string]json.RawMessage, len(rows)),
	}
	for _, row := range rows {
		st.byNodeID[row.NodeID] = row
		switch row.Status {
		case models.StatusCompleted:
			st.outputs[row.NodeID] = row.OutputData
		case models.StatusSkipped:
			st.outputs[row.NodeID] = json.RawMessage(`{}`)
		}
	}

	row, ok := st.byNodeID[node.NodeID]
	if !ok {
		row = node
		st.byNodeID[node.NodeID] = row
	}

	counted, runErr := e.processNode(ctx, st, node.NodeID)
	if counted {
		if err := e.store.IncrementProgress(ctx, exec.ID, exec.UserID, 1, 0); err != nil {
			e.logger.Warn("increment progress failed", "execution_id", exec.ID, "error", err)
		}
		st.mu.Lock()
		exec.CompletedNodes++
		st.mu.Unlock()
		e.publishExecution(ctx, exec, node.NodeID)
	}

	if runErr != nil {
		// A terminal row means the failure was recorded durably; only
		// infrastructure trouble bubbles up for redelivery
		if row.Status.IsTerminal() {
			return row, nil
		}
		return nil, runErr
	}
	return row, nil
}
