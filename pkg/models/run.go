// Package models holds the data types shared by the executor, stores and gateway.
package models

import "time"

// RunStatus is the lifecycle state of a Run
type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// IsTerminal reports whether no further events are expected after this status
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// Trigger names what created a Run
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerWebhook  Trigger = "webhook"
	TriggerSchedule Trigger = "schedule"
	TriggerRetry    Trigger = "retry"
)

// Run is one execution instance of a workflow graph
type Run struct {
	// ID of the run
	ID string `json:"id"`

	// WorkflowID is the workflow being executed
	WorkflowID string `json:"workflow_id"`

	// WorkspaceID owns the workflow and therefore the run
	WorkspaceID string `json:"workspace_id"`

	// Status of the run
	Status RunStatus `json:"status"`

	// Trigger that created the run
	Trigger Trigger `json:"trigger"`

	// Input payload handed to the executor
	Input map[string]interface{} `json:"input,omitempty"`

	// Output is the per-node output map produced by the executor
	Output map[string]interface{} `json:"output,omitempty"`

	// Error is set when the run could not be executed at all
	Error string `json:"error,omitempty"`

	// Attempt counts retries, starting at 1
	Attempt int `json:"attempt"`

	// RetryOf references the run this one retries
	RetryOf string `json:"retry_of,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Workflow is the stored definition a Run executes. Its CRUD lives outside this service.
type Workflow struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	Name        string        `json:"name,omitempty"`
	Graph       WorkflowGraph `json:"graph"`
}
