package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/runstream/pkg/models"
	"github.com/tcmartin/runstream/pkg/redaction"
	"github.com/tcmartin/runstream/pkg/storage"
)

type serviceFixture struct {
	store   *storage.MemoryProvider
	sink    *recordingSink
	service *RunService
}

func newServiceFixture(t *testing.T, deps Dependencies, opts ServiceOptions) *serviceFixture {
	t.Helper()
	store := storage.NewMemoryProvider()
	require.NoError(t, store.Initialize())
	sink := &recordingSink{}
	deps.Sink = sink
	deps.Workflows = store.GetWorkflowStore()

	opts.Runs = store.GetRunStore()
	opts.Workflows = store.GetWorkflowStore()
	opts.Executor = NewExecutor(deps, Config{})
	opts.Sink = sink
	return &serviceFixture{store: store, sink: sink, service: NewRunService(opts)}
}

func (f *serviceFixture) saveWorkflow(t *testing.T, id string, graph models.WorkflowGraph) {
	t.Helper()
	require.NoError(t, f.store.SaveWorkflow(context.Background(), &models.Workflow{ID: id, WorkspaceID: "ws", Graph: graph}))
}

func TestRunServiceTriggerRunsToSuccess(t *testing.T) {
	f := newServiceFixture(t, Dependencies{}, ServiceOptions{})
	f.saveWorkflow(t, "wf", graphOf(map[string]models.Node{"greet": code("return {msg: 'hi ' + input.name}")}))

	run, err := f.service.Trigger(context.Background(), TriggerRequest{
		WorkflowID: "wf", WorkspaceID: "ws", Input: map[string]interface{}{"name": "ada"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, models.TriggerManual, run.Trigger)
	assert.Equal(t, 1, run.Attempt)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, "hi ada", run.Output["greet"].(map[string]interface{})["msg"])
	assert.Equal(t, []string{"queued", "running", "success"}, f.sink.statuses())

	for _, e := range f.sink.all() {
		if e.Kind == models.EventKindStatus {
			assert.Equal(t, models.RunNodeID, e.NodeID)
		}
	}
}

func TestRunServiceCallerCancellationDoesNotStopRun(t *testing.T) {
	f := newServiceFixture(t, Dependencies{}, ServiceOptions{})
	f.saveWorkflow(t, "wf", graphOf(map[string]models.Node{
		"first":  code("return {n: 1}"),
		"second": code("return {n: 2}"),
	}, edge("first", "second")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := f.service.Trigger(ctx, TriggerRequest{WorkflowID: "wf", WorkspaceID: "ws"})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Empty(t, run.Error)
	assert.Contains(t, run.Output, "second")
	assert.Equal(t, []string{"queued", "running", "success"}, f.sink.statuses())

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, stored.Status)
}

func TestRunServiceFailureRules(t *testing.T) {
	f := newServiceFixture(t, Dependencies{}, ServiceOptions{})
	f.saveWorkflow(t, "required", graphOf(map[string]models.Node{
		"ok":   code("return 1"),
		"bad":  code("throw new Error('nope')"),
		"soft": node(models.KindCode, map[string]interface{}{"script": "throw new Error('meh')", "optional": true}),
	}))
	f.saveWorkflow(t, "optional-only", graphOf(map[string]models.Node{
		"ok":   code("return 1"),
		"soft": node(models.KindCode, map[string]interface{}{"script": "throw new Error('meh')", "optional": true}),
	}))

	run, err := f.service.Trigger(context.Background(), TriggerRequest{WorkflowID: "required", WorkspaceID: "ws"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)

	last := f.sink.all()[len(f.sink.all())-1]
	status, terminal := last.TerminalStatus()
	assert.True(t, terminal)
	assert.Equal(t, models.RunStatusFailed, status)
	assert.Equal(t, []interface{}{"bad"}, last.Message["failed_nodes"])
	assert.Equal(t, models.LevelError, last.Level)

	run, err = f.service.Trigger(context.Background(), TriggerRequest{WorkflowID: "optional-only", WorkspaceID: "ws"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Contains(t, run.Output["soft"], "error")
}

func TestRunServiceWorkspaceScoping(t *testing.T) {
	f := newServiceFixture(t, Dependencies{}, ServiceOptions{})
	f.saveWorkflow(t, "wf", graphOf(map[string]models.Node{"a": code("return 1")}))

	_, err := f.service.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf", WorkspaceID: "intruder"})
	assert.ErrorIs(t, err, storage.ErrWorkflowNotFound)

	_, err = f.service.Trigger(context.Background(), TriggerRequest{WorkflowID: "ghost", WorkspaceID: "ws"})
	assert.ErrorIs(t, err, storage.ErrWorkflowNotFound)
}

func TestRunServiceInvalidGraphFailsRun(t *testing.T) {
	f := newServiceFixture(t, Dependencies{}, ServiceOptions{})
	f.saveWorkflow(t, "loop", graphOf(map[string]models.Node{"a": code("1"), "b": code("2")}, edge("a", "b"), edge("b", "a")))

	run, err := f.service.Trigger(context.Background(), TriggerRequest{WorkflowID: "loop", WorkspaceID: "ws"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "cycle detected")
	assert.Equal(t, []string{"queued", "failed"}, f.sink.statuses())
}

func TestRunServiceExecutesEachRunOnce(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	client := &fakeHTTP{respond: func(method, url string, body []byte) (int, []byte, error) {
		once.Do(func() { close(entered) })
		<-release
		return 200, nil, nil
	}}
	f := newServiceFixture(t, Dependencies{HTTP: client}, ServiceOptions{})
	f.saveWorkflow(t, "slow", graphOf(map[string]models.Node{"call": node(models.KindHTTP, map[string]interface{}{"url": "http://svc"})}))

	ctx := context.Background()
	run := f.service.NewRun("slow", "ws", models.TriggerManual, nil)
	require.NoError(t, f.store.CreateRun(ctx, run))

	done := make(chan error, 1)
	go func() {
		_, err := f.service.ExecuteRun(ctx, run.ID)
		done <- err
	}()
	<-entered

	_, err := f.service.ExecuteRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)

	_, err = f.service.ExecuteRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotQueued)
	assert.Equal(t, 1, client.callCount())
}

func TestRunServiceRetry(t *testing.T) {
	f := newServiceFixture(t, Dependencies{}, ServiceOptions{})
	f.saveWorkflow(t, "wf", graphOf(map[string]models.Node{"bad": code("throw new Error('x')")}))
	ctx := context.Background()

	first, err := f.service.Trigger(ctx, TriggerRequest{WorkflowID: "wf", WorkspaceID: "ws", Input: map[string]interface{}{"k": "v"}})
	require.NoError(t, err)
	require.Equal(t, models.RunStatusFailed, first.Status)

	retry, err := f.service.Retry(ctx, first.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, retry.ID)
	assert.Equal(t, first.ID, retry.RetryOf)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, models.TriggerRetry, retry.Trigger)
	assert.Equal(t, "v", retry.Input["k"])
	assert.Equal(t, models.RunStatusFailed, retry.Status)

	queued := f.service.NewRun("wf", "ws", models.TriggerManual, nil)
	require.NoError(t, f.store.CreateRun(ctx, queued))
	_, err = f.service.Retry(ctx, queued.ID)
	assert.ErrorIs(t, err, ErrRunNotRetryable)

	_, err = f.service.Retry(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}

func TestRunServiceRedactsStoredOutput(t *testing.T) {
	f := newServiceFixture(t, Dependencies{}, ServiceOptions{Redactor: redaction.New(redaction.Config{}, nil)})
	f.saveWorkflow(t, "wf", graphOf(map[string]models.Node{"leak": code("return {api_key: 'abc123', ok: true}")}))

	run, err := f.service.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf", WorkspaceID: "ws"})
	require.NoError(t, err)

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	out := stored.Output["leak"].(map[string]interface{})
	assert.Equal(t, redaction.Placeholder, out["api_key"])
	assert.Equal(t, true, out["ok"])
}

type gateReadiness struct {
	ready chan struct{}
	asked chan string
}

func (g *gateReadiness) Wait(ctx context.Context, runID string) bool {
	g.asked <- runID
	select {
	case <-g.ready:
		return true
	case <-ctx.Done():
		return false
	}
}

func TestRunServiceWaitsForSubscriber(t *testing.T) {
	gate := &gateReadiness{ready: make(chan struct{}), asked: make(chan string, 1)}
	f := newServiceFixture(t, Dependencies{}, ServiceOptions{Readiness: gate, ReadinessTimeout: 5 * time.Second})
	f.saveWorkflow(t, "wf", graphOf(map[string]models.Node{"a": code("return 1")}))
	ctx := context.Background()

	run, err := f.service.Trigger(ctx, TriggerRequest{WorkflowID: "wf", WorkspaceID: "ws", WaitForSubscriber: true})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, run.Status)
	assert.Equal(t, run.ID, <-gate.asked)

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, stored.Status)

	close(gate.ready)
	f.service.Wait()

	stored, err = f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, stored.Status)
}

func TestRunServiceReadinessTimeoutStillDispatches(t *testing.T) {
	gate := &gateReadiness{ready: make(chan struct{}), asked: make(chan string, 1)}
	f := newServiceFixture(t, Dependencies{}, ServiceOptions{Readiness: gate, ReadinessTimeout: 20 * time.Millisecond})
	f.saveWorkflow(t, "wf", graphOf(map[string]models.Node{"a": code("return 1")}))

	run, err := f.service.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf", WorkspaceID: "ws", WaitForSubscriber: true})
	require.NoError(t, err)
	f.service.Wait()

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, stored.Status)
}

func TestRunServiceWithPoolDispatcher(t *testing.T) {
	f := newServiceFixture(t, Dependencies{}, ServiceOptions{})
	f.saveWorkflow(t, "wf", graphOf(map[string]models.Node{"a": code("return input.n * 2")}))
	pool := NewPoolDispatcher(f.service, 2, 8, nil)
	f.service.SetDispatcher(pool)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		run, err := f.service.Trigger(ctx, TriggerRequest{WorkflowID: "wf", WorkspaceID: "ws", Input: map[string]interface{}{"n": i}})
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}
	require.NoError(t, pool.Stop(ctx))

	for i, id := range ids {
		run, err := f.store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusSuccess, run.Status)
		assert.EqualValues(t, i*2, run.Output["a"].(map[string]interface{})["result"])
	}
}

type blockingExecutor struct {
	started chan string
	release chan struct{}
}

func (b *blockingExecutor) ExecuteRun(ctx context.Context, runID string) (*models.Run, error) {
	b.started <- runID
	<-b.release
	return nil, nil
}

func TestPoolDispatcherBackpressure(t *testing.T) {
	exec := &blockingExecutor{started: make(chan string, 4), release: make(chan struct{})}
	pool := NewPoolDispatcher(exec, 1, 1, nil)
	ctx := context.Background()

	require.NoError(t, pool.Dispatch(ctx, "a"))
	assert.Equal(t, "a", <-exec.started)
	require.NoError(t, pool.Dispatch(ctx, "b"))
	assert.ErrorIs(t, pool.Dispatch(ctx, "c"), ErrQueueFull)

	close(exec.release)
	require.NoError(t, pool.Stop(ctx))
	assert.Equal(t, "b", <-exec.started)
	assert.ErrorIs(t, pool.Dispatch(ctx, "d"), ErrDispatcherStopped)
}

func TestDispatchFailureMarksRunFailed(t *testing.T) {
	f := newServiceFixture(t, Dependencies{}, ServiceOptions{})
	f.saveWorkflow(t, "wf", graphOf(map[string]models.Node{"a": code("return 1")}))
	f.service.SetDispatcher(failingDispatcher{})

	_, err := f.service.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf", WorkspaceID: "ws"})
	require.Error(t, err)
	assert.Equal(t, []string{"queued", "failed"}, f.sink.statuses())
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(ctx context.Context, runID string) error {
	return errors.New("no capacity")
}
