// Package storage provides interfaces for persistent storage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tcmartin/runstream/pkg/models"
)

// Errors returned by every storage provider
var (
	ErrRunNotFound      = errors.New("run not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrRunExists        = errors.New("run already exists")
)

// StorageProvider defines the interface for persistence backends
type StorageProvider interface {
	// Initialize sets up the storage backend
	Initialize() error

	// Close cleans up resources
	Close() error

	// GetRunStore returns a store for runs
	GetRunStore() RunStore

	// GetLogStore returns the append-only event store
	GetLogStore() LogStore

	// GetScheduleStore returns a store for schedule entries
	GetScheduleStore() ScheduleStore

	// GetWorkflowStore returns a read-mostly store for workflow definitions
	GetWorkflowStore() WorkflowStore
}

// RunStore manages Run persistence
type RunStore interface {
	// CreateRun persists a new run
	CreateRun(ctx context.Context, run *models.Run) error

	// UpdateRun overwrites an existing run
	UpdateRun(ctx context.Context, run *models.Run) error

	// GetRun retrieves a run by id
	GetRun(ctx context.Context, runID string) (*models.Run, error)
}

// LogStore is the durable, append-only record of run events.
// Ids are assigned by the store and increase monotonically.
type LogStore interface {
	// AppendLog persists an event and sets its ID
	AppendLog(ctx context.Context, entry *models.RunLog) error

	// ListLogs returns every event of a run in ascending id order
	ListLogs(ctx context.Context, runID string) ([]models.RunLog, error)

	// ListLogsSince returns the events of a run with id greater than afterID, ascending
	ListLogsSince(ctx context.Context, runID string, afterID int64) ([]models.RunLog, error)
}

// ScheduleStore manages schedule entries
type ScheduleStore interface {
	// SaveSchedule creates or replaces a schedule entry
	SaveSchedule(ctx context.Context, entry *models.ScheduleEntry) error

	// ListActiveSchedules returns every active entry
	ListActiveSchedules(ctx context.Context) ([]models.ScheduleEntry, error)

	// FireSchedule advances the entry's last run and creates the run atomically
	FireSchedule(ctx context.Context, entryID string, firedAt time.Time, run *models.Run) error
}

// WorkflowStore exposes workflow definitions to the executor
type WorkflowStore interface {
	// SaveWorkflow creates or replaces a workflow
	SaveWorkflow(ctx context.Context, wf *models.Workflow) error

	// GetWorkflow retrieves a workflow by id
	GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error)
}
