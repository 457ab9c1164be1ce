package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tcmartin/runstream/pkg/events"
	"github.com/tcmartin/runstream/pkg/logging"
	"github.com/tcmartin/runstream/pkg/models"
	"github.com/tcmartin/runstream/pkg/redaction"
	"github.com/tcmartin/runstream/pkg/storage"
)

var (
	// ErrRunInProgress is returned when the executor is already running the run
	ErrRunInProgress = errors.New("run is already executing")

	// ErrRunNotQueued is returned by ExecuteRun for runs that already left the queued state
	ErrRunNotQueued = errors.New("run is not queued")

	// ErrRunNotRetryable is returned by Retry for runs that have not finished
	ErrRunNotRetryable = errors.New("only finished runs can be retried")
)

// DefaultReadinessTimeout bounds how long a trigger waits for a stream subscriber
const DefaultReadinessTimeout = 5 * time.Second

// ServiceOptions wires a RunService
type ServiceOptions struct {
	Runs      storage.RunStore
	Workflows storage.WorkflowStore
	Executor  *Executor
	Sink      events.Sink
	Redactor  *redaction.Engine
	Logger    logging.Logger

	// Readiness lets triggers hold dispatch until a stream subscriber is live
	Readiness        ReadinessWaiter
	ReadinessTimeout time.Duration
}

// RunService owns the run lifecycle: queued -> running -> success|failed
type RunService struct {
	runs      storage.RunStore
	workflows storage.WorkflowStore
	executor  *Executor
	sink      events.Sink
	redactor  *redaction.Engine
	logger    logging.Logger

	readiness        ReadinessWaiter
	readinessTimeout time.Duration

	dispatcher Dispatcher
	now        func() time.Time
	newID      func() string

	mu      sync.Mutex
	active  map[string]struct{}
	pending sync.WaitGroup
}

// NewRunService creates a service that executes inline until SetDispatcher is called
func NewRunService(opts ServiceOptions) *RunService {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	timeout := opts.ReadinessTimeout
	if timeout <= 0 {
		timeout = DefaultReadinessTimeout
	}
	s := &RunService{
		runs:             opts.Runs,
		workflows:        opts.Workflows,
		executor:         opts.Executor,
		sink:             opts.Sink,
		redactor:         opts.Redactor,
		logger:           logger,
		readiness:        opts.Readiness,
		readinessTimeout: timeout,
		now:              time.Now,
		newID:            func() string { return uuid.New().String() },
		active:           make(map[string]struct{}),
	}
	s.dispatcher = NewInlineDispatcher(s)
	return s
}

// SetDispatcher replaces the inline dispatcher
func (s *RunService) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// TriggerRequest asks for a new run of a workflow
type TriggerRequest struct {
	WorkflowID string

	// WorkspaceID is the caller's workspace; workflows of other workspaces are not found
	WorkspaceID string

	Trigger models.Trigger
	Input   map[string]interface{}

	// WaitForSubscriber returns immediately and dispatches once a stream subscriber is live
	WaitForSubscriber bool
}

// Trigger creates a queued run and dispatches it
func (s *RunService) Trigger(ctx context.Context, req TriggerRequest) (*models.Run, error) {
	wf, err := s.workflows.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if req.WorkspaceID != "" && wf.WorkspaceID != req.WorkspaceID {
		return nil, storage.ErrWorkflowNotFound
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = models.TriggerManual
	}

	run := s.NewRun(wf.ID, wf.WorkspaceID, trigger, req.Input)
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	// once the run exists it is announced and dispatched even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	if req.WaitForSubscriber && s.readiness != nil {
		s.publishStatus(ctx, run, nil)
		s.dispatchWhenReady(run.ID)
		return run, nil
	}
	if err := s.DispatchCreated(ctx, run); err != nil {
		return nil, err
	}
	return s.latest(ctx, run), nil
}

// Retry creates a new run of the same workflow and input, linked to the original
func (s *RunService) Retry(ctx context.Context, runID string) (*models.Run, error) {
	orig, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !orig.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunNotRetryable, orig.ID, orig.Status)
	}

	run := s.NewRun(orig.WorkflowID, orig.WorkspaceID, models.TriggerRetry, orig.Input)
	run.Attempt = orig.Attempt + 1
	run.RetryOf = orig.ID
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.DispatchCreated(ctx, run); err != nil {
		return nil, err
	}
	return s.latest(ctx, run), nil
}

// NewRun builds a queued run without persisting it
func (s *RunService) NewRun(workflowID, workspaceID string, trigger models.Trigger, input map[string]interface{}) *models.Run {
	if input == nil {
		input = map[string]interface{}{}
	}
	return &models.Run{
		ID:          s.newID(),
		WorkflowID:  workflowID,
		WorkspaceID: workspaceID,
		Status:      models.RunStatusQueued,
		Trigger:     trigger,
		Input:       input,
		Attempt:     1,
		CreatedAt:   s.now().UTC(),
	}
}

// DispatchCreated announces a persisted queued run and hands it to the dispatcher.
// A dispatch failure that left the run queued marks it failed.
func (s *RunService) DispatchCreated(ctx context.Context, run *models.Run) error {
	s.publishStatus(ctx, run, nil)
	err := s.dispatcher.Dispatch(ctx, run.ID)
	if err == nil || errors.Is(err, ErrRunInProgress) || errors.Is(err, ErrRunNotQueued) {
		return nil
	}
	current := s.latest(ctx, run)
	if current.Status != models.RunStatusQueued {
		// the executor reached the run and recorded the failure itself
		return nil
	}
	s.logger.Error("failed to dispatch run", logging.F("run_id", run.ID), logging.Err(err))
	s.failRun(ctx, current, fmt.Errorf("dispatch failed: %w", err))
	return fmt.Errorf("failed to dispatch run %s: %w", run.ID, err)
}

func (s *RunService) dispatchWhenReady(runID string) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.readinessTimeout)
		ready := s.readiness.Wait(ctx, runID)
		cancel()
		if !ready {
			s.logger.Warn("no stream subscriber before timeout, dispatching anyway", logging.F("run_id", runID))
		}

		ctx = context.Background()
		if err := s.dispatcher.Dispatch(ctx, runID); err != nil && !errors.Is(err, ErrRunInProgress) {
			s.logger.Error("failed to dispatch run", logging.F("run_id", runID), logging.Err(err))
			if run, getErr := s.runs.GetRun(ctx, runID); getErr == nil && run.Status == models.RunStatusQueued {
				s.failRun(ctx, run, fmt.Errorf("dispatch failed: %w", err))
			}
		}
	}()
}

// Wait blocks until runs held for a subscriber have been dispatched
func (s *RunService) Wait() {
	s.pending.Wait()
}

// ExecuteRun is the only path that moves a run out of queued. At most one invocation per run id runs at a time.
func (s *RunService) ExecuteRun(ctx context.Context, runID string) (*models.Run, error) {
	if !s.acquire(runID) {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, runID)
	}
	defer s.release(runID)

	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunStatusQueued {
		return run, fmt.Errorf("%w: run %s is %s", ErrRunNotQueued, runID, run.Status)
	}

	wf, err := s.workflows.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		s.failRun(ctx, run, fmt.Errorf("failed to load workflow: %w", err))
		return run, err
	}
	prog, err := Compile(wf.Graph)
	if err != nil {
		s.failRun(ctx, run, err)
		return run, err
	}

	started := s.now().UTC()
	run.Status = models.RunStatusRunning
	run.StartedAt = &started
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to mark run running: %w", err)
	}
	s.publishStatus(ctx, run, nil)
	s.logger.Info("run started", logging.F("run_id", run.ID), logging.F("workflow_id", run.WorkflowID))

	outputs, execErr := s.executor.Execute(ctx, ExecuteRequest{
		RunID:       run.ID,
		WorkspaceID: run.WorkspaceID,
		Program:     prog,
		Input:       run.Input,
	})

	// the final state is recorded even when ctx was cancelled mid-run
	ctx = context.WithoutCancel(ctx)

	failed := FailedNodes(prog, outputs)
	finished := s.now().UTC()
	run.Output = s.redact(outputs)
	run.FinishedAt = &finished
	run.Status = models.RunStatusSuccess
	if execErr != nil {
		run.Status = models.RunStatusFailed
		run.Error = execErr.Error()
	} else if len(failed) > 0 {
		run.Status = models.RunStatusFailed
	}

	if err := s.runs.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to record run result: %w", err)
	}
	s.publishStatus(ctx, run, failed)
	s.logger.Info("run finished",
		logging.F("run_id", run.ID),
		logging.F("status", string(run.Status)),
		logging.F("failed_nodes", failed))
	return run, nil
}

// FailedNodes lists nodes, in id order, whose output carries an error and that are not optional
func FailedNodes(prog *Program, outputs map[string]interface{}) []string {
	var failed []string
	for id, out := range outputs {
		m, ok := out.(map[string]interface{})
		if !ok {
			continue
		}
		if _, hasErr := m["error"]; hasErr && !prog.Optional(id) {
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)
	return failed
}

func (s *RunService) failRun(ctx context.Context, run *models.Run, cause error) {
	ctx = context.WithoutCancel(ctx)
	finished := s.now().UTC()
	run.Status = models.RunStatusFailed
	run.Error = cause.Error()
	run.FinishedAt = &finished
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		s.logger.Error("failed to mark run failed", logging.F("run_id", run.ID), logging.Err(err))
	}
	s.publishStatus(ctx, run, nil)
}

func (s *RunService) publishStatus(ctx context.Context, run *models.Run, failedNodes []string) {
	if s.sink == nil {
		return
	}
	message := map[string]interface{}{
		"status":  string(run.Status),
		"attempt": run.Attempt,
	}
	if len(failedNodes) > 0 {
		nodes := make([]interface{}, len(failedNodes))
		for i, id := range failedNodes {
			nodes[i] = id
		}
		message["failed_nodes"] = nodes
	}
	if run.Error != "" {
		message["error"] = run.Error
	}
	level := models.LevelInfo
	if run.Status == models.RunStatusFailed {
		level = models.LevelError
	}

	if _, _, err := s.sink.Publish(ctx, models.RunLog{
		RunID:   run.ID,
		NodeID:  models.RunNodeID,
		Kind:    models.EventKindStatus,
		Level:   level,
		Message: message,
	}); err != nil {
		s.logger.Warn("failed to publish run status", logging.F("run_id", run.ID), logging.Err(err))
	}
}

func (s *RunService) redact(outputs map[string]interface{}) map[string]interface{} {
	if s.redactor == nil {
		return outputs
	}
	return s.redactor.RedactMap(outputs)
}

func (s *RunService) latest(ctx context.Context, run *models.Run) *models.Run {
	if fresh, err := s.runs.GetRun(ctx, run.ID); err == nil {
		return fresh
	}
	return run
}

func (s *RunService) acquire(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[runID]; busy {
		return false
	}
	s.active[runID] = struct{}{}
	return true
}

func (s *RunService) release(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, runID)
}
