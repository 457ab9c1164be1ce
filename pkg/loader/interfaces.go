// Package loader reads workflow definition files into the workflow and schedule stores.
package loader

// WorkflowDefinition is the on-disk form of a workflow, authored as YAML or JSON
type WorkflowDefinition struct {
	// Metadata about the workflow
	Metadata WorkflowMetadata `yaml:"metadata" json:"metadata"`

	// Nodes in the workflow, keyed by node id
	Nodes map[string]NodeDefinition `yaml:"nodes" json:"nodes"`

	// Edges in addition to those declared through next
	Edges []EdgeDefinition `yaml:"edges,omitempty" json:"edges,omitempty"`

	// Schedules that run the workflow periodically
	Schedules []ScheduleDefinition `yaml:"schedules,omitempty" json:"schedules,omitempty"`
}

// WorkflowMetadata identifies the workflow
type WorkflowMetadata struct {
	ID          string `yaml:"id" json:"id"`
	WorkspaceID string `yaml:"workspace_id" json:"workspace_id"`

	// Name of the workflow
	Name string `yaml:"name" json:"name"`

	// Description of the workflow
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// NodeDefinition is one node. Next lists successor node ids.
type NodeDefinition struct {
	Type   string                 `yaml:"type" json:"type"`
	Params map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
	Next   []string               `yaml:"next,omitempty" json:"next,omitempty"`
}

// EdgeDefinition connects two nodes
type EdgeDefinition struct {
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`
}

// ScheduleDefinition is a recurring trigger of the workflow
type ScheduleDefinition struct {
	ID       string                 `yaml:"id" json:"id"`
	Schedule string                 `yaml:"schedule" json:"schedule"`
	Input    map[string]interface{} `yaml:"input,omitempty" json:"input,omitempty"`

	// Active defaults to true
	Active *bool `yaml:"active,omitempty" json:"active,omitempty"`
}
