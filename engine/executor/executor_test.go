package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/conductor/common/models"
	"github.com/driftworks/conductor/common/repository"
	"github.com/driftworks/conductor/engine/invoker"
)

const testUser = "user-1"

// testLogger implements executor.Logger
type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.t.Logf("[INFO] %s %v", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}

func (l *testLogger) Warn(msg string, keysAndValues ...any) {
	l.t.Logf("[WARN] %s %v", msg, keysAndValues)
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.t.Logf("[DEBUG] %s %v", msg, keysAndValues)
}

// fakeStore is an in-memory Store that enforces the same conditional
// transition rules as the real repository
type fakeStore struct {
	mu    sync.Mutex
	exec  *models.WorkflowExecution
	spec  *models.WorkflowSpec
	nodes map[uuid.UUID]*models.NodeExecution
}

func (s *fakeStore) GetExecution(_ context.Context, execID uuid.UUID, userID string) (*models.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil || s.exec.ID != execID || s.exec.UserID != userID {
		return nil, repository.ErrNotFound
	}
	cp := *s.exec
	return &cp, nil
}

func (s *fakeStore) GetWorkflowSpec(_ context.Context, workflowID uuid.UUID, _ string) (*models.WorkflowSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spec == nil || s.spec.WorkflowID != workflowID {
		return nil, repository.ErrNotFound
	}
	return s.spec, nil
}

func (s *fakeStore) ListNodeExecutions(_ context.Context, execID uuid.UUID, userID string) ([]*models.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*models.NodeExecution
	for _, row := range s.nodes {
		if row.WorkflowExecutionID == execID && row.UserID == userID {
			cp := *row
			rows = append(rows, &cp)
		}
	}
	return rows, nil
}

func (s *fakeStore) GetNodeExecution(_ context.Context, nodeExecID uuid.UUID, userID string) (*models.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.nodes[nodeExecID]
	if !ok || row.UserID != userID {
		return nil, repository.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *fakeStore) TransitionExecution(_ context.Context, execID uuid.UUID, userID string, from, to models.Status, patch *models.ExecutionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil || s.exec.ID != execID || s.exec.UserID != userID {
		return repository.ErrNotFound
	}
	if s.exec.Status != from || !models.CanTransition(from, to) {
		return &repository.TransitionError{
			Entity:   "workflow execution",
			ID:       execID.String(),
			Expected: from,
			Actual:   s.exec.Status,
			Target:   to,
		}
	}
	s.exec.Status = to
	applyExecPatch(s.exec, patch)
	return nil
}

func (s *fakeStore) TransitionNode(_ context.Context, nodeExecID uuid.UUID, userID string, from, to models.Status, patch *models.NodePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.nodes[nodeExecID]
	if !ok || row.UserID != userID {
		return repository.ErrNotFound
	}
	if row.Status != from || !models.CanTransitionNode(from, to) {
		return &repository.TransitionError{
			Entity:   "node execution",
			ID:       nodeExecID.String(),
			Expected: from,
			Actual:   row.Status,
			Target:   to,
		}
	}
	row.Status = to
	applyNodePatch(row, patch)
	return nil
}

func (s *fakeStore) AppendExecutionLog(_ context.Context, execID uuid.UUID, userID string, entry models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil || s.exec.ID != execID || s.exec.UserID != userID {
		return repository.ErrNotFound
	}
	s.exec.ExecutionLog = append(s.exec.ExecutionLog, entry)
	return nil
}

func (s *fakeStore) AppendNodeLog(_ context.Context, nodeExecID uuid.UUID, userID string, entry models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.nodes[nodeExecID]
	if !ok || row.UserID != userID {
		return repository.ErrNotFound
	}
	row.ExecutionLog = append(row.ExecutionLog, entry)
	return nil
}

func (s *fakeStore) UpdateExecutionContext(_ context.Context, execID uuid.UUID, userID string, execContext json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil || s.exec.ID != execID || s.exec.UserID != userID {
		return repository.ErrNotFound
	}
	s.exec.Context = execContext
	return nil
}

func (s *fakeStore) IncrementProgress(_ context.Context, execID uuid.UUID, userID string, completedDelta, failedDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil || s.exec.ID != execID || s.exec.UserID != userID {
		return repository.ErrNotFound
	}
	s.exec.CompletedNodes += completedDelta
	s.exec.FailedNodes += failedDelta
	return nil
}

func (s *fakeStore) CancelPendingNodes(_ context.Context, execID uuid.UUID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, row := range s.nodes {
		if row.WorkflowExecutionID == execID && row.UserID == userID && row.Status == models.StatusPending {
			row.Status = models.StatusCancelled
			row.ExecutionLog = append(row.ExecutionLog, models.NewLogEntry("info", "Node execution cancelled", nil))
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) ResetNodesForRetry(_ context.Context, execID uuid.UUID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, row := range s.nodes {
		if row.WorkflowExecutionID != execID || row.UserID != userID {
			continue
		}
		if row.Status != models.StatusFailed && row.Status != models.StatusCancelled {
			continue
		}
		row.Status = models.StatusPending
		row.RetryCount = 0
		row.StartedAt = nil
		row.CompletedAt = nil
		row.DurationSeconds = nil
		row.ErrorMessage = nil
		row.ErrorDetails = nil
		count++
	}
	return count, nil
}

func (s *fakeStore) nodeByID(nodeID string) *models.NodeExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.nodes {
		if row.NodeID == nodeID {
			return row
		}
	}
	return nil
}

func (s *fakeStore) execution() *models.WorkflowExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.exec
	return &cp
}

func applyExecPatch(exec *models.WorkflowExecution, patch *models.ExecutionPatch) {
	if patch == nil {
		return
	}
	if patch.ClearError {
		exec.ErrorMessage = nil
		exec.ErrorDetails = nil
	}
	if patch.ClearCompletion {
		exec.CompletedAt = nil
		exec.DurationSeconds = nil
	}
	if patch.StartedAt != nil {
		exec.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		exec.CompletedAt = patch.CompletedAt
	}
	if patch.DurationSeconds != nil {
		exec.DurationSeconds = patch.DurationSeconds
	}
	if patch.OutputData != nil {
		exec.OutputData = patch.OutputData
	}
	if patch.Context != nil {
		exec.Context = patch.Context
	}
	if patch.CompletedNodes != nil {
		exec.CompletedNodes = *patch.CompletedNodes
	}
	if patch.FailedNodes != nil {
		exec.FailedNodes = *patch.FailedNodes
	}
	if patch.RetryCount != nil {
		exec.RetryCount = *patch.RetryCount
	}
	if patch.ErrorMessage != nil {
		exec.ErrorMessage = patch.ErrorMessage
	}
	if patch.ErrorDetails != nil {
		exec.ErrorDetails = patch.ErrorDetails
	}
	if patch.BrokerTaskID != nil {
		exec.BrokerTaskID = patch.BrokerTaskID
	}
	if patch.LogEntry != nil {
		exec.ExecutionLog = append(exec.ExecutionLog, *patch.LogEntry)
	}
}

func applyNodePatch(row *models.NodeExecution, patch *models.NodePatch) {
	if patch == nil {
		return
	}
	if patch.ClearError {
		row.ErrorMessage = nil
		row.ErrorDetails = nil
		row.ErrorStack = nil
	}
	if patch.ClearCompletion {
		row.CompletedAt = nil
		row.DurationSeconds = nil
	}
	if patch.StartedAt != nil {
		row.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		row.CompletedAt = patch.CompletedAt
	}
	if patch.DurationSeconds != nil {
		row.DurationSeconds = patch.DurationSeconds
	}
	if patch.InputData != nil {
		row.InputData = patch.InputData
	}
	if patch.OutputData != nil {
		row.OutputData = patch.OutputData
	}
	if patch.AgentResponse != nil {
		row.AgentResponse = patch.AgentResponse
	}
	if patch.TokensUsed != nil {
		row.TokensUsed = patch.TokensUsed
	}
	if patch.ModelUsed != nil {
		row.ModelUsed = patch.ModelUsed
	}
	if patch.Temperature != nil {
		row.Temperature = patch.Temperature
	}
	if patch.ToolsCalled != nil {
		row.ToolsCalled = patch.ToolsCalled
	}
	if patch.ToolResults != nil {
		row.ToolResults = patch.ToolResults
	}
	if patch.RetryCount != nil {
		row.RetryCount = *patch.RetryCount
	}
	if patch.ErrorMessage != nil {
		row.ErrorMessage = patch.ErrorMessage
	}
	if patch.ErrorDetails != nil {
		row.ErrorDetails = patch.ErrorDetails
	}
	if patch.ErrorStack != nil {
		row.ErrorStack = patch.ErrorStack
	}
	if patch.BrokerTaskID != nil {
		row.BrokerTaskID = patch.BrokerTaskID
	}
	if patch.LogEntry != nil {
		row.ExecutionLog = append(row.ExecutionLog, *patch.LogEntry)
	}
}

// pubRecord is one captured publish call
type pubRecord struct {
	kind           string
	status         models.Status
	nodeID         string
	message        string
	currentNode    string
	completedNodes int
}

// recPublisher records publish calls in order
type recPublisher struct {
	mu      sync.Mutex
	records []pubRecord
}

func (p *recPublisher) PublishExecutionUpdate(_ context.Context, exec *models.WorkflowExecution, currentNode string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, pubRecord{
		kind:           "execution",
		status:         exec.Status,
		currentNode:    currentNode,
		completedNodes: exec.CompletedNodes,
	})
	return nil
}

func (p *recPublisher) PublishNodeUpdate(_ context.Context, _ *models.WorkflowExecution, node *models.NodeExecution, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, pubRecord{
		kind:    "node",
		status:  node.Status,
		nodeID:  node.NodeID,
		message: message,
	})
	return nil
}

func (p *recPublisher) all() []pubRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pubRecord, len(p.records))
	copy(out, p.records)
	return out
}

// indexOf returns the position of the first record matching kind,
// nodeID and status, or -1
func (p *recPublisher) indexOf(kind, nodeID string, status models.Status) int {
	for i, r := range p.all() {
		if r.kind == kind && r.nodeID == nodeID && r.status == status {
			return i
		}
	}
	return -1
}

// scriptInvoker fails a scripted number of attempts per agent before
// succeeding. A budget of -1 fails forever.
type scriptInvoker struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int
	onInvoke func(agentID string)
}

func newScriptInvoker() *scriptInvoker {
	return &scriptInvoker{
		calls:    make(map[string]int),
		failures: make(map[string]int),
	}
}

func (s *scriptInvoker) Invoke(_ context.Context, agent *invoker.Agent, input, _ json.RawMessage) (*invoker.Result, error) {
	s.mu.Lock()
	s.calls[agent.ID]++
	n := s.calls[agent.ID]
	budget := s.failures[agent.ID]
	hook := s.onInvoke
	s.mu.Unlock()

	if hook != nil {
		hook(agent.ID)
	}
	if budget == -1 || n <= budget {
		return nil, fmt.Errorf("upstream boom on attempt %d", n)
	}

	out, err := json.Marshal(map[string]interface{}{
		"response": fmt.Sprintf("agent %s done", agent.ID),
		"echo":     input,
	})
	if err != nil {
		return nil, err
	}
	return &invoker.Result{
		OutputData:    out,
		AgentResponse: fmt.Sprintf("agent %s done", agent.ID),
		TokensUsed:    7,
		ModelUsed:     "test-model",
	}, nil
}

func (s *scriptInvoker) callCount(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[agentID]
}

type execEnv struct {
	store *fakeStore
	pub   *recPublisher
	inv   *scriptInvoker
	ex    *Executor
	exec  *models.WorkflowExecution
}

// agentNode builds an agent spec node whose agent id matches the node id
func agentNode(id string) models.SpecNode {
	data, _ := json.Marshal(map[string]string{"agent_id": id})
	return models.SpecNode{ID: id, Name: "node " + id, Type: models.NodeTypeAgent, Data: data}
}

func typedNode(id string, nodeType models.NodeType, data string) models.SpecNode {
	n := models.SpecNode{ID: id, Name: "node " + id, Type: nodeType}
	if data != "" {
		n.Data = json.RawMessage(data)
	}
	return n
}

func setupExecEnv(t *testing.T, nodes []models.SpecNode, edges []models.SpecEdge, input json.RawMessage) *execEnv {
	t.Helper()

	prev := retryBackoff
	retryBackoff = 5 * time.Millisecond
	t.Cleanup(func() { retryBackoff = prev })

	spec := &models.WorkflowSpec{
		WorkflowID:  uuid.New(),
		UserID:      testUser,
		Name:        "test workflow",
		Nodes:       nodes,
		Connections: edges,
	}

	exec := &models.WorkflowExecution{
		ID:         uuid.New(),
		WorkflowID: spec.WorkflowID,
		UserID:     testUser,
		Status:     models.StatusPending,
		InputData:  input,
		TotalNodes: len(nodes),
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}

	parents := make(map[string][]string)
	children := make(map[string][]string)
	for _, e := range edges {
		parents[e.Target] = append(parents[e.Target], e.Source)
		children[e.Source] = append(children[e.Source], e.Target)
	}

	store := &fakeStore{
		exec:  exec,
		spec:  spec,
		nodes: make(map[uuid.UUID]*models.NodeExecution),
	}
	for i, n := range nodes {
		row := &models.NodeExecution{
			ID:                  uuid.New(),
			WorkflowExecutionID: exec.ID,
			UserID:              testUser,
			NodeID:              n.ID,
			NodeName:            n.Name,
			NodeType:            n.Type,
			ParentNodeIDs:       parents[n.ID],
			ChildNodeIDs:        children[n.ID],
			ExecutionOrder:      i,
			Status:              models.StatusPending,
			MaxRetries:          2,
			CreatedAt:           time.Now().UTC(),
		}
		store.nodes[row.ID] = row
	}

	pub := &recPublisher{}
	inv := newScriptInvoker()
	ex, err := New(Opts{
		Store:     store,
		Publisher: pub,
		Invoker:   inv,
		Logger:    &testLogger{t: t},
	})
	require.NoError(t, err)

	return &execEnv{store: store, pub: pub, inv: inv, ex: ex, exec: exec}
}

func TestRunLinearChainCompletes(t *testing.T) {
	env := setupExecEnv(t,
		[]models.SpecNode{
			typedNode("start", models.NodeTypeTrigger, ""),
			agentNode("work"),
			typedNode("finish", models.NodeTypeAction, ""),
		},
		[]models.SpecEdge{
			{Source: "start", Target: "work"},
			{Source: "work", Target: "finish"},
		},
		json.RawMessage(`{"topic":"billing"}`),
	)

	report, err := env.ex.Run(context.Background(), env.exec.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, report.Status)
	assert.Equal(t, 3, report.CompletedNodes)
	assert.Equal(t, 0, report.FailedNodes)
	assert.Equal(t, 3, report.TotalNodes)

	final := env.store.execution()
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.CompletedNodes)
	assert.NotNil(t, final.CompletedAt)
	assert.NotNil(t, final.DurationSeconds)

	// Every node output lands in the shared context keyed by node id
	var mergedContext map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(final.Context, &mergedContext))
	assert.Contains(t, mergedContext, "start")
	assert.Contains(t, mergedContext, "work")
	assert.Contains(t, mergedContext, "finish")
	assert.JSONEq(t, string(final.Context), string(final.OutputData))

	// The trigger receives the execution input, the agent the trigger's
	// output keyed by parent id
	start := env.store.nodeByID("start")
	assert.JSONEq(t, `{"topic":"billing"}`, string(start.InputData))
	var workInput map[string]json.RawMessage
	work := env.store.nodeByID("work")
	require.NoError(t, json.Unmarshal(work.InputData, &workInput))
	require.Contains(t, workInput, "start")

	// Agent extras recorded on completion
	require.NotNil(t, work.AgentResponse)
	assert.Equal(t, "agent work done", *work.AgentResponse)
	require.NotNil(t, work.TokensUsed)
	assert.Equal(t, 7, *work.TokensUsed)

	records := env.pub.all()
	require.NotEmpty(t, records)
	assert.Equal(t, "execution", records[0].kind)
	assert.Equal(t, models.StatusRunning, records[0].status)
	last := records[len(records)-1]
	assert.Equal(t, "execution", last.kind)
	assert.Equal(t, models.StatusCompleted, last.status)
	assert.Equal(t, 3, last.completedNodes)

	for _, id := range []string{"start", "work", "finish"} {
		running := env.pub.indexOf("node", id, models.StatusRunning)
		completed := env.pub.indexOf("node", id, models.StatusCompleted)
		require.GreaterOrEqual(t, running, 0, "missing running event for %s", id)
		require.Greater(t, completed, running, "completed before running for %s", id)
	}
}

func TestRunDiamondWaitsForWholeLevel(t *testing.T) {
	env := setupExecEnv(t,
		[]models.SpecNode{agentNode("a"), agentNode("b"), agentNode("c"), agentNode("d")},
		[]models.SpecEdge{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"},
			{Source: "b", Target: "d"},
			{Source: "c", Target: "d"},
		},
		nil,
	)

	report, err := env.ex.Run(context.Background(), env.exec.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, report.Status)
	assert.Equal(t, 4, report.CompletedNodes)

	// d must not start before both b and c finished
	dRunning := env.pub.indexOf("node", "d", models.StatusRunning)
	bCompleted := env.pub.indexOf("node", "b", models.StatusCompleted)
	cCompleted := env.pub.indexOf("node", "c", models.StatusCompleted)
	require.GreaterOrEqual(t, dRunning, 0)
	assert.Greater(t, dRunning, bCompleted)
	assert.Greater(t, dRunning, cCompleted)

	// d's input carries both parents
	var dInput map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.store.nodeByID("d").InputData, &dInput))
	assert.Contains(t, dInput, "b")
	assert.Contains(t, dInput, "c")
}

func TestRunFailureCancelsDownstream(t *testing.T) {
	env := setupExecEnv(t,
		[]models.SpecNode{agentNode("a"), agentNode("b"), agentNode("c")},
		[]models.SpecEdge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "c"},
		},
		nil,
	)
	env.inv.failures["b"] = -1

	report, err := env.ex.Run(context.Background(), env.exec.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, report.Status)
	assert.Contains(t, report.ErrorMessage, "node b failed")

	final := env.store.execution()
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, 1, final.CompletedNodes)
	assert.Equal(t, 1, final.FailedNodes)

	b := env.store.nodeByID("b")
	assert.Equal(t, models.StatusFailed, b.Status)
	assert.Equal(t, 2, b.RetryCount)
	require.NotNil(t, b.ErrorMessage)

	// Downstream never ran and got swept to cancelled
	c := env.store.nodeByID("c")
	assert.Equal(t, models.StatusCancelled, c.Status)

	// Terminal accounting covers every node
	completed, failed, cancelled := 0, 0, 0
	for _, id := range []string{"a", "b", "c"} {
		switch env.store.nodeByID(id).Status {
		case models.StatusCompleted:
			completed++
		case models.StatusFailed:
			failed++
		case models.StatusCancelled:
			cancelled++
		}
	}
	assert.Equal(t, 3, completed+failed+cancelled)

	// Intermediate attempts stay quiet; one failed event at the end
	failedEvents := 0
	for _, r := range env.pub.all() {
		if r.kind == "node" && r.nodeID == "b" && r.status == models.StatusFailed {
			failedEvents++
			assert.Contains(t, r.message, "Node execution failed")
		}
	}
	assert.Equal(t, 1, failedEvents)

	// b was attempted once plus its full retry budget
	assert.Equal(t, 3, env.inv.callCount("b"))
}

func TestRunTransientFailureRetriesInline(t *testing.T) {
	env := setupExecEnv(t,
		[]models.SpecNode{agentNode("a"), agentNode("b")},
		[]models.SpecEdge{{Source: "a", Target: "b"}},
		nil,
	)
	env.inv.failures["b"] = 1

	report, err := env.ex.Run(context.Background(), env.exec.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, report.Status)

	b := env.store.nodeByID("b")
	assert.Equal(t, models.StatusCompleted, b.Status)
	assert.Equal(t, 1, b.RetryCount)
	assert.Nil(t, b.ErrorMessage)
	assert.Equal(t, 2, env.inv.callCount("b"))

	var sawRetry bool
	for _, entry := range b.ExecutionLog {
		if entry.Message == "Node execution retry #1" {
			sawRetry = true
		}
	}
	assert.True(t, sawRetry, "expected retry log entry")

	// The transient failure never surfaced as a node event
	assert.Equal(t, -1, env.pub.indexOf("node", "b", models.StatusFailed))
}

func TestRunCancelStopsAtLevelBoundary(t *testing.T) {
	env := setupExecEnv(t,
		[]models.SpecNode{agentNode("a"), agentNode("b")},
		[]models.SpecEdge{{Source: "a", Target: "b"}},
		nil,
	)
	env.inv.onInvoke = func(agentID string) {
		if agentID == "a" {
			require.NoError(t, env.ex.Cancel(context.Background(), env.exec.ID, testUser))
		}
	}

	report, err := env.ex.Run(context.Background(), env.exec.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, report.Status)

	final := env.store.execution()
	assert.Equal(t, models.StatusCancelled, final.Status)
	assert.NotNil(t, final.CompletedAt)

	// The in-flight node finished its attempt, the queued one was swept
	assert.Equal(t, models.StatusCompleted, env.store.nodeByID("a").Status)
	assert.Equal(t, models.StatusCancelled, env.store.nodeByID("b").Status)
	assert.Equal(t, 0, env.inv.callCount("b"))
}

func TestRunEmptyWorkflowCompletesImmediately(t *testing.T) {
	env := setupExecEnv(t, nil, nil, nil)

	report, err := env.ex.Run(context.Background(), env.exec.ID, testUser)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, report.Status)
	assert.Equal(t, 0, report.TotalNodes)
	assert.Equal(t, 0, report.CompletedNodes)

	final := env.store.execution()
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, float64(0), final.ProgressPercentage())
}

func TestRunInvalidGraphFailsExecution(t *testing.T) {
	env := setupExecEnv(t,
		[]models.SpecNode{agentNode("a"), agentNode("b")},
		[]models.SpecEdge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
		nil,
	)

	report, err := env.ex.Run(context.Background(), env.exec.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, report.Status)
	assert.Contains(t, report.ErrorMessage, "cycle")

	// No node ever ran; the sweep cancelled them all
	assert.Equal(t, models.StatusCancelled, env.store.nodeByID("a").Status)
	assert.Equal(t, models.StatusCancelled, env.store.nodeByID("b").Status)
	assert.Equal(t, 0, env.inv.callCount("a"))
}

func TestRunDuplicateDispatchLosesRace(t *testing.T) {
	env := setupExecEnv(t, []models.SpecNode{agentNode("a")}, nil, nil)

	env.store.mu.Lock()
	env.store.exec.Status = models.StatusRunning
	env.store.mu.Unlock()

	_, err := env.ex.Run(context.Background(), env.exec.ID, testUser)
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrIllegalTransition)
}

func TestRunTerminalExecutionReportsWithoutSideEffects(t *testing.T) {
	env := setupExecEnv(t, []models.SpecNode{agentNode("a")}, nil, nil)

	env.store.mu.Lock()
	env.store.exec.Status = models.StatusCompleted
	env.store.exec.CompletedNodes = 1
	env.store.mu.Unlock()

	report, err := env.ex.Run(context.Background(), env.exec.ID, testUser)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, report.Status)
	assert.Equal(t, 1, report.CompletedNodes)
	assert.Empty(t, env.pub.all())
	assert.Equal(t, 0, env.inv.callCount("a"))
}

func TestCancelIsIdempotent(t *testing.T) {
	env := setupExecEnv(t, []models.SpecNode{agentNode("a")}, nil, nil)

	require.NoError(t, env.ex.Cancel(context.Background(), env.exec.ID, testUser))
	final := env.store.execution()
	require.Equal(t, models.StatusCancelled, final.Status)
	assert.Equal(t, models.StatusCancelled, env.store.nodeByID("a").Status)

	before := len(env.pub.all())
	require.NoError(t, env.ex.Cancel(context.Background(), env.exec.ID, testUser))
	assert.Equal(t, before, len(env.pub.all()))
}

func TestRetryWorkflowResetsAndReruns(t *testing.T) {
	env := setupExecEnv(t,
		[]models.SpecNode{agentNode("a"), agentNode("b"), agentNode("c")},
		[]models.SpecEdge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "c"},
		},
		nil,
	)
	env.inv.failures["b"] = -1

	report, err := env.ex.Run(context.Background(), env.exec.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, report.Status)

	env.inv.mu.Lock()
	env.inv.failures["b"] = 0
	env.inv.calls["b"] = 0
	env.inv.mu.Unlock()

	exec, err := env.ex.RetryWorkflow(context.Background(), env.exec.ID, testUser)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, exec.Status)
	assert.Equal(t, 1, exec.RetryCount)
	assert.Equal(t, 0, exec.FailedNodes)
	assert.Nil(t, exec.ErrorMessage)

	// Failed and cancelled rows reset, the completed one kept
	assert.Equal(t, models.StatusPending, env.store.nodeByID("b").Status)
	assert.Equal(t, models.StatusPending, env.store.nodeByID("c").Status)
	assert.Equal(t, models.StatusCompleted, env.store.nodeByID("a").Status)
	assert.Equal(t, 0, env.store.nodeByID("b").RetryCount)

	var sawRetry bool
	for _, entry := range env.store.execution().ExecutionLog {
		if entry.Message == "Workflow execution retry #1" {
			sawRetry = true
		}
	}
	assert.True(t, sawRetry, "expected workflow retry log entry")

	report, err = env.ex.Run(context.Background(), env.exec.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, report.Status)
	assert.Equal(t, 3, report.CompletedNodes)
	assert.Equal(t, 0, report.FailedNodes)
}

func TestRetryWorkflowGuards(t *testing.T) {
	env := setupExecEnv(t, []models.SpecNode{agentNode("a")}, nil, nil)

	// Not failed yet
	_, err := env.ex.RetryWorkflow(context.Background(), env.exec.ID, testUser)
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrIllegalTransition)

	// Budget exhausted
	env.store.mu.Lock()
	env.store.exec.Status = models.StatusFailed
	env.store.exec.RetryCount = env.store.exec.MaxRetries
	env.store.mu.Unlock()

	_, err = env.ex.RetryWorkflow(context.Background(), env.exec.ID, testUser)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)
}

func TestRetryNodeAndRunNode(t *testing.T) {
	env := setupExecEnv(t,
		[]models.SpecNode{agentNode("a"), agentNode("b")},
		[]models.SpecEdge{{Source: "a", Target: "b"}},
		nil,
	)
	env.inv.failures["b"] = -1

	report, err := env.ex.Run(context.Background(), env.exec.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, report.Status)

	failedRow := env.store.nodeByID("b")
	require.Equal(t, models.StatusFailed, failedRow.Status)
	require.Equal(t, failedRow.MaxRetries, failedRow.RetryCount)

	// The budget is spent; a manual reset is refused first
	_, err = env.ex.RetryNode(context.Background(), failedRow.ID, testUser)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)

	env.store.mu.Lock()
	env.store.nodes[failedRow.ID].RetryCount = 0
	env.store.mu.Unlock()

	node, err := env.ex.RetryNode(context.Background(), failedRow.ID, testUser)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, node.Status)
	assert.Equal(t, 1, node.RetryCount)
	assert.Nil(t, node.ErrorMessage)
	assert.Equal(t, 0, env.store.execution().FailedNodes)

	env.inv.mu.Lock()
	env.inv.failures["b"] = 0
	env.inv.mu.Unlock()

	rerun, err := env.ex.RunNode(context.Background(), failedRow.ID, testUser)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rerun.Status)

	final := env.store.execution()
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, 2, final.CompletedNodes)
	assert.Equal(t, 0, final.FailedNodes)
}

func TestPassthroughActionOutputPath(t *testing.T) {
	node := typedNode("ship", models.NodeTypeAction, `{"output_path":"work.summary"}`)
	input := json.RawMessage(`{"work":{"summary":"done","tokens":12}}`)

	out, err := passthrough(&node, input)
	if err != nil {
		t.Fatalf("passthrough: %v", err)
	}

	var decoded struct {
		Status string          `json:"status"`
		Input  json.RawMessage `json:"input"`
		Output json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if decoded.Status != "completed" {
		t.Fatalf("status = %q, want completed", decoded.Status)
	}
	if string(decoded.Output) != `"done"` {
		t.Fatalf("output = %s, want \"done\"", decoded.Output)
	}

	// Without a matching path the output key stays absent
	noPath := typedNode("ship", models.NodeTypeAction, `{"output_path":"missing.key"}`)
	out, err = passthrough(&noPath, input)
	if err != nil {
		t.Fatalf("passthrough: %v", err)
	}
	var plain map[string]json.RawMessage
	if err := json.Unmarshal(out, &plain); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if _, ok := plain["output"]; ok {
		t.Fatal("output key present for missing path")
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"permanent wrap", Permanent(errors.New("bad config")), false},
		{"cancelled", ErrCancelled, false},
		{"transient upstream", &UpstreamError{Err: errors.New("503"), Transient: true}, true},
		{"permanent upstream", &UpstreamError{Err: errors.New("401"), Transient: false}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("flaky"), true},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
