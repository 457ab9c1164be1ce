package models

import "time"

// Event kinds carried on the wire
const (
	EventKindLog    = "log"
	EventKindNode   = "node"
	EventKindStatus = "status"
)

// Log levels
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// RunNodeID attributes run-level status events to the run itself
const RunNodeID = "$run"

// RunLog is a persisted, redacted record of something that happened during a run
type RunLog struct {
	// ID is store-assigned and increases monotonically within a run
	ID int64 `json:"id"`

	// RunID is the run the event belongs to
	RunID string `json:"run_id"`

	// NodeID is the node that produced the event
	NodeID string `json:"node_id"`

	// EventID is the content hash used for de-duplication across delivery paths
	EventID string `json:"event_id,omitempty"`

	// Kind is one of log, node or status
	Kind string `json:"kind"`

	// Level of the event
	Level string `json:"level"`

	// Message is the structured payload
	Message map[string]interface{} `json:"message,omitempty"`

	// Timestamp is excluded from EventID
	Timestamp time.Time `json:"timestamp"`
}

// TerminalStatus returns the run status carried by a status event, if it is terminal
func (l RunLog) TerminalStatus() (RunStatus, bool) {
	if l.Kind != EventKindStatus || l.Message == nil {
		return "", false
	}
	s, _ := l.Message["status"].(string)
	status := RunStatus(s)
	return status, status.IsTerminal()
}
