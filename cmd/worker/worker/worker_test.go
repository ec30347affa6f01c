package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/conductor/common/config"
	"github.com/driftworks/conductor/common/models"
	"github.com/driftworks/conductor/common/repository"
	"github.com/driftworks/conductor/engine/broker"
	"github.com/driftworks/conductor/engine/executor"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Info(msg string, args ...any)  { l.t.Logf("INFO %s %v", msg, args) }
func (l *testLogger) Error(msg string, args ...any) { l.t.Logf("ERROR %s %v", msg, args) }
func (l *testLogger) Warn(msg string, args ...any)  { l.t.Logf("WARN %s %v", msg, args) }
func (l *testLogger) Debug(msg string, args ...any) { l.t.Logf("DEBUG %s %v", msg, args) }

type fakeEngine struct {
	runErr     error
	runReport  *executor.TerminalReport
	runCalls   int
	nodeErr    error
	nodeResult *models.NodeExecution
}

func (f *fakeEngine) Run(_ context.Context, execID uuid.UUID, _ string) (*executor.TerminalReport, error) {
	f.runCalls++
	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.runReport != nil {
		return f.runReport, nil
	}
	return &executor.TerminalReport{ExecutionID: execID, Status: models.StatusCompleted}, nil
}

func (f *fakeEngine) RunNode(_ context.Context, nodeExecID uuid.UUID, _ string) (*models.NodeExecution, error) {
	if f.nodeErr != nil {
		return nil, f.nodeErr
	}
	if f.nodeResult != nil {
		return f.nodeResult, nil
	}
	return &models.NodeExecution{ID: nodeExecID, Status: models.StatusCompleted}, nil
}

type fakeStore struct {
	exec *models.WorkflowExecution

	transitions []models.Status
	cancelled   int

	completedCutoff *time.Time
	failedCutoff    *time.Time
	orphansDeleted  bool
}

func (f *fakeStore) GetExecution(_ context.Context, execID uuid.UUID, _ string) (*models.WorkflowExecution, error) {
	if f.exec == nil || f.exec.ID != execID {
		return nil, repository.ErrNotFound
	}
	copied := *f.exec
	return &copied, nil
}

func (f *fakeStore) TransitionExecution(_ context.Context, _ uuid.UUID, _ string, from, to models.Status, patch *models.ExecutionPatch) error {
	if f.exec.Status != from || !models.CanTransition(from, to) {
		return repository.ErrIllegalTransition
	}
	f.exec.Status = to
	if patch != nil && patch.ErrorMessage != nil {
		f.exec.ErrorMessage = patch.ErrorMessage
	}
	f.transitions = append(f.transitions, to)
	return nil
}

func (f *fakeStore) CancelPendingNodes(context.Context, uuid.UUID, string) (int, error) {
	f.cancelled++
	return 1, nil
}

func (f *fakeStore) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.completedCutoff = &cutoff
	return 3, nil
}

func (f *fakeStore) DeleteFailedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.failedCutoff = &cutoff
	return 2, nil
}

func (f *fakeStore) DeleteOrphanNodes(context.Context) (int64, error) {
	f.orphansDeleted = true
	return 1, nil
}

type fakeBroker struct {
	enqueued   []*broker.Task
	delays     []time.Duration
	enqueueErr error
}

func (f *fakeBroker) Enqueue(ctx context.Context, task *broker.Task) error {
	return f.EnqueueIn(ctx, task, 0)
}

func (f *fakeBroker) EnqueueIn(_ context.Context, task *broker.Task, delay time.Duration) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, task)
	f.delays = append(f.delays, delay)
	return nil
}

func (f *fakeBroker) Consume(context.Context, int, broker.Handler) error { return nil }
func (f *fakeBroker) Close() error                                       { return nil }

type recordingPublisher struct {
	executions []models.Status
}

func (p *recordingPublisher) PublishExecutionUpdate(_ context.Context, exec *models.WorkflowExecution, _ string) error {
	p.executions = append(p.executions, exec.Status)
	return nil
}

func (p *recordingPublisher) PublishNodeUpdate(context.Context, *models.WorkflowExecution, *models.NodeExecution, string) error {
	return nil
}

func newTestWorker(t *testing.T, engine *fakeEngine, store *fakeStore, fb *fakeBroker, pub *recordingPublisher) *Worker {
	t.Helper()
	w, err := New(Opts{
		Engine:    engine,
		Store:     store,
		Broker:    fb,
		Publisher: pub,
		Logger:    &testLogger{t: t},
		BrokerCfg: config.BrokerConfig{
			WorkflowMaxRetries: 2,
			WorkflowRetryDelay: 120 * time.Second,
			NodeMaxRetries:     3,
			NodeRetryDelay:     30 * time.Second,
			DefaultRetryDelay:  60 * time.Second,
		},
		Retention: config.RetentionConfig{CompletedDays: 30, FailedDays: 7},
	})
	require.NoError(t, err)
	return w
}

func TestHandleWorkflowSuccessAcks(t *testing.T) {
	engine := &fakeEngine{}
	fb := &fakeBroker{}
	w := newTestWorker(t, engine, &fakeStore{}, fb, &recordingPublisher{})

	task := broker.NewTask(broker.KindWorkflow, uuid.New(), "user-1", 5)
	require.NoError(t, w.Handle(context.Background(), task))

	assert.Equal(t, 1, engine.runCalls)
	assert.Empty(t, fb.enqueued)
}

func TestHandleWorkflowDuplicateDispatchAcks(t *testing.T) {
	engine := &fakeEngine{runErr: &repository.TransitionError{
		Entity:   "workflow execution",
		Expected: models.StatusPending,
		Actual:   models.StatusRunning,
		Target:   models.StatusRunning,
	}}
	fb := &fakeBroker{}
	w := newTestWorker(t, engine, &fakeStore{}, fb, &recordingPublisher{})

	task := broker.NewTask(broker.KindWorkflow, uuid.New(), "user-1", 5)
	require.NoError(t, w.Handle(context.Background(), task))
	assert.Empty(t, fb.enqueued, "a lost dispatch race must not be retried")
}

func TestHandleWorkflowSchedulesRetryWithinBudget(t *testing.T) {
	engine := &fakeEngine{runErr: errors.New("connection refused")}
	fb := &fakeBroker{}
	w := newTestWorker(t, engine, &fakeStore{}, fb, &recordingPublisher{})

	task := broker.NewTask(broker.KindWorkflow, uuid.New(), "user-1", 5)
	require.NoError(t, w.Handle(context.Background(), task))

	require.Len(t, fb.enqueued, 1)
	retry := fb.enqueued[0]
	assert.Equal(t, 1, retry.Attempts)
	assert.Equal(t, task.ExecutionID, retry.ExecutionID)
	assert.NotEqual(t, task.ID, retry.ID)
	assert.Equal(t, 120*time.Second, fb.delays[0])
}

func TestHandleWorkflowExhaustedFailsExecution(t *testing.T) {
	execID := uuid.New()
	engine := &fakeEngine{runErr: errors.New("connection refused")}
	store := &fakeStore{exec: &models.WorkflowExecution{
		ID:     execID,
		UserID: "user-1",
		Status: models.StatusRunning,
	}}
	fb := &fakeBroker{}
	pub := &recordingPublisher{}
	w := newTestWorker(t, engine, store, fb, pub)

	task := broker.NewTask(broker.KindWorkflow, execID, "user-1", 5)
	task.Attempts = 2 // budget is 2, so this delivery was the last try
	require.NoError(t, w.Handle(context.Background(), task))

	assert.Empty(t, fb.enqueued)
	assert.Equal(t, models.StatusFailed, store.exec.Status)
	assert.Equal(t, 1, store.cancelled)
	require.Len(t, pub.executions, 1)
	assert.Equal(t, models.StatusFailed, pub.executions[0])
	require.NotNil(t, store.exec.ErrorMessage)
	assert.Contains(t, *store.exec.ErrorMessage, "retry budget exhausted")
}

func TestHandleWorkflowExhaustedLeavesTerminalAlone(t *testing.T) {
	execID := uuid.New()
	engine := &fakeEngine{runErr: errors.New("connection refused")}
	store := &fakeStore{exec: &models.WorkflowExecution{
		ID:     execID,
		UserID: "user-1",
		Status: models.StatusCompleted,
	}}
	w := newTestWorker(t, engine, store, &fakeBroker{}, &recordingPublisher{})

	task := broker.NewTask(broker.KindWorkflow, execID, "user-1", 5)
	task.Attempts = 2
	require.NoError(t, w.Handle(context.Background(), task))
	assert.Equal(t, models.StatusCompleted, store.exec.Status)
	assert.Empty(t, store.transitions)
}

func TestHandleWorkflowRetryEnqueueFailureLeavesPending(t *testing.T) {
	engine := &fakeEngine{runErr: errors.New("connection refused")}
	fb := &fakeBroker{enqueueErr: broker.ErrBrokerUnavailable}
	w := newTestWorker(t, engine, &fakeStore{}, fb, &recordingPublisher{})

	task := broker.NewTask(broker.KindWorkflow, uuid.New(), "user-1", 5)
	err := w.Handle(context.Background(), task)
	require.Error(t, err, "delivery must stay pending for the claim sweep")
	assert.ErrorIs(t, err, broker.ErrBrokerUnavailable)
}

func TestHandleNodeSchedulesRetryWithNodeDelay(t *testing.T) {
	engine := &fakeEngine{nodeErr: errors.New("timeout")}
	fb := &fakeBroker{}
	w := newTestWorker(t, engine, &fakeStore{}, fb, &recordingPublisher{})

	nodeExecID := uuid.New()
	task := broker.NewTask(broker.KindNode, uuid.New(), "user-1", 5)
	task.NodeExecutionID = &nodeExecID
	require.NoError(t, w.Handle(context.Background(), task))

	require.Len(t, fb.enqueued, 1)
	assert.Equal(t, 30*time.Second, fb.delays[0])
}

func TestHandleNodeWithoutIDIsDropped(t *testing.T) {
	fb := &fakeBroker{}
	w := newTestWorker(t, &fakeEngine{}, &fakeStore{}, fb, &recordingPublisher{})

	task := broker.NewTask(broker.KindNode, uuid.New(), "user-1", 5)
	require.NoError(t, w.Handle(context.Background(), task))
	assert.Empty(t, fb.enqueued)
}

func TestHandleCleanupCutoffs(t *testing.T) {
	store := &fakeStore{}
	w := newTestWorker(t, &fakeEngine{}, store, &fakeBroker{}, &recordingPublisher{})

	for _, reason := range []string{broker.CleanupCompleted, broker.CleanupFailed, broker.CleanupOrphans} {
		task := broker.NewTask(broker.KindCleanup, uuid.Nil, "", 0)
		task.Reason = reason
		require.NoError(t, w.Handle(context.Background(), task))
	}

	require.NotNil(t, store.completedCutoff)
	require.NotNil(t, store.failedCutoff)
	assert.True(t, store.orphansDeleted)

	wantCompleted := time.Now().UTC().AddDate(0, 0, -30)
	wantFailed := time.Now().UTC().AddDate(0, 0, -7)
	assert.WithinDuration(t, wantCompleted, *store.completedCutoff, time.Minute)
	assert.WithinDuration(t, wantFailed, *store.failedCutoff, time.Minute)
}
