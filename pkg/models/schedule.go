package models

import "time"

// ScheduleEntry turns a workflow into recurring runs
type ScheduleEntry struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	WorkflowID  string `json:"workflow_id"`

	// Schedule is either an interval in seconds ("60") or a cron expression
	Schedule string `json:"schedule"`

	// Input is handed to every run the entry creates
	Input map[string]interface{} `json:"input,omitempty"`

	Active  bool       `json:"active"`
	LastRun *time.Time `json:"last_run,omitempty"`
}
