package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/tcmartin/runstream/pkg/logging"
	"github.com/tcmartin/runstream/pkg/models"
)

var (
	// ErrQueueFull is returned by PoolDispatcher when its queue has no room
	ErrQueueFull = errors.New("dispatch queue is full")

	// ErrDispatcherStopped is returned after Stop
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// RunExecutor executes a queued run
type RunExecutor interface {
	ExecuteRun(ctx context.Context, runID string) (*models.Run, error)
}

// InlineDispatcher executes the run on the caller's goroutine
type InlineDispatcher struct {
	exec RunExecutor
}

// NewInlineDispatcher creates an inline dispatcher
func NewInlineDispatcher(exec RunExecutor) *InlineDispatcher {
	return &InlineDispatcher{exec: exec}
}

// Dispatch runs the executor and returns once the run finished. Cancelling ctx does not
// stop a run that has started.
func (d *InlineDispatcher) Dispatch(ctx context.Context, runID string) error {
	_, err := d.exec.ExecuteRun(context.WithoutCancel(ctx), runID)
	return err
}

// PoolDispatcher queues runs for a fixed set of worker goroutines
type PoolDispatcher struct {
	exec   RunExecutor
	logger logging.Logger
	queue  chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPoolDispatcher starts workers goroutines reading from a queue of queueSize
func NewPoolDispatcher(exec RunExecutor, workers, queueSize int, logger logging.Logger) *PoolDispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &PoolDispatcher{
		exec:   exec,
		logger: logger,
		queue:  make(chan string, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Dispatch enqueues the run without waiting for it to execute
func (d *PoolDispatcher) Dispatch(ctx context.Context, runID string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherStopped
	}
	select {
	case d.queue <- runID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Stop rejects new runs, lets queued runs finish and waits for the workers.
// When ctx ends first, in-flight runs are cancelled.
func (d *PoolDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *PoolDispatcher) work() {
	defer d.wg.Done()
	for runID := range d.queue {
		if _, err := d.exec.ExecuteRun(d.ctx, runID); err != nil {
			d.logger.Error("run execution failed", logging.F("run_id", runID), logging.Err(err))
		}
	}
}
