package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tcmartin/runstream/pkg/models"
)

// MemoryProvider implements the StorageProvider interface using in-memory storage.
// All stores share one lock so FireSchedule is atomic.
type MemoryProvider struct {
	mu        sync.RWMutex
	runs      map[string]models.Run
	logs      map[string][]models.RunLog
	nextLogID int64
	schedules map[string]models.ScheduleEntry
	workflows map[string]models.Workflow
}

// NewMemoryProvider creates a new in-memory storage provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		runs:      make(map[string]models.Run),
		logs:      make(map[string][]models.RunLog),
		schedules: make(map[string]models.ScheduleEntry),
		workflows: make(map[string]models.Workflow),
	}
}

// Initialize sets up the storage backend
func (p *MemoryProvider) Initialize() error {
	// Nothing to initialize for in-memory storage
	return nil
}

// Close cleans up resources
func (p *MemoryProvider) Close() error {
	return nil
}

// GetRunStore returns a store for runs
func (p *MemoryProvider) GetRunStore() RunStore { return p }

// GetLogStore returns the event store
func (p *MemoryProvider) GetLogStore() LogStore { return p }

// GetScheduleStore returns a store for schedule entries
func (p *MemoryProvider) GetScheduleStore() ScheduleStore { return p }

// GetWorkflowStore returns a store for workflows
func (p *MemoryProvider) GetWorkflowStore() WorkflowStore { return p }

// CreateRun persists a new run
func (p *MemoryProvider) CreateRun(ctx context.Context, run *models.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createRunLocked(run)
}

func (p *MemoryProvider) createRunLocked(run *models.Run) error {
	if _, ok := p.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}
	p.runs[run.ID] = *run
	return nil
}

// UpdateRun overwrites an existing run
func (p *MemoryProvider) UpdateRun(ctx context.Context, run *models.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	p.runs[run.ID] = *run
	return nil
}

// GetRun retrieves a run
func (p *MemoryProvider) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	run, ok := p.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

// AppendLog persists an event and assigns its id
func (p *MemoryProvider) AppendLog(ctx context.Context, entry *models.RunLog) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextLogID++
	entry.ID = p.nextLogID
	p.logs[entry.RunID] = append(p.logs[entry.RunID], *entry)
	return nil
}

// ListLogs returns all events for a run
func (p *MemoryProvider) ListLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	return p.ListLogsSince(ctx, runID, 0)
}

// ListLogsSince returns events with id greater than afterID
func (p *MemoryProvider) ListLogsSince(ctx context.Context, runID string, afterID int64) ([]models.RunLog, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	logs := p.logs[runID]
	result := make([]models.RunLog, 0, len(logs))
	for _, l := range logs {
		if l.ID > afterID {
			result = append(result, l)
		}
	}
	return result, nil
}

// SaveSchedule creates or replaces a schedule entry
func (p *MemoryProvider) SaveSchedule(ctx context.Context, entry *models.ScheduleEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.schedules[entry.ID] = *entry
	return nil
}

// ListActiveSchedules returns every active entry
func (p *MemoryProvider) ListActiveSchedules(ctx context.Context) ([]models.ScheduleEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]models.ScheduleEntry, 0, len(p.schedules))
	for _, e := range p.schedules {
		if e.Active {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// GetSchedule returns a single entry
func (p *MemoryProvider) GetSchedule(ctx context.Context, entryID string) (*models.ScheduleEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.schedules[entryID]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return &e, nil
}

// FireSchedule advances last_run and creates the run under one lock
func (p *MemoryProvider) FireSchedule(ctx context.Context, entryID string, firedAt time.Time, run *models.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.schedules[entryID]
	if !ok {
		return ErrScheduleNotFound
	}
	if err := p.createRunLocked(run); err != nil {
		return err
	}
	entry.LastRun = &firedAt
	p.schedules[entryID] = entry
	return nil
}

// SaveWorkflow creates or replaces a workflow
func (p *MemoryProvider) SaveWorkflow(ctx context.Context, wf *models.Workflow) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.workflows[wf.ID] = *wf
	return nil
}

// GetWorkflow retrieves a workflow
func (p *MemoryProvider) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	wf, ok := p.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return &wf, nil
}
