package models

// WorkflowGraph is a node-id keyed map of nodes plus the edges between them
type WorkflowGraph struct {
	Nodes map[string]Node `json:"nodes" yaml:"nodes"`
	Edges []Edge          `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// Node is one step in a workflow graph
type Node struct {
	ID     string                 `json:"id" yaml:"id"`
	Kind   string                 `json:"kind" yaml:"kind"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge connects two nodes
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// Node kinds understood by the executor
const (
	KindHTTP            = "http"
	KindLLM             = "llm"
	KindEmail           = "email"
	KindSlack           = "slack"
	KindWebhook         = "webhook"
	KindIf              = "if"
	KindSwitch          = "switch"
	KindSplit           = "split"
	KindLoop            = "loop"
	KindParallel        = "parallel"
	KindExecuteWorkflow = "execute_workflow"
	KindCode            = "code"
)
