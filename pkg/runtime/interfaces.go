// Package runtime compiles workflow graphs and executes them node by node.
package runtime

import (
	"context"

	"github.com/tcmartin/runstream/pkg/models"
	"github.com/tcmartin/runstream/pkg/utils"
)

// NodeHandler executes one node kind. Handlers are resolved once per graph by Compile.
type NodeHandler interface {
	// Kind returns the node kind the handler was built for
	Kind() string

	// Execute runs the node. A returned error is recorded as the node's {error} output.
	Execute(ctx context.Context, nc *NodeContext) (Outcome, error)
}

// Outcome is what a handler produced
type Outcome struct {
	// Output is stored under the node id in the run's output map
	Output map[string]interface{}

	// Routed replaces the node's outgoing edges with Route
	Routed bool
	Route  []string
}

// brancher is implemented by handlers that name targets outside the edge list
type brancher interface {
	Targets() []string
}

// HTTPClient performs outbound requests for http, slack and webhook nodes
type HTTPClient interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, []byte, error)
}

// EmailSender delivers messages for email nodes
type EmailSender interface {
	Send(ctx context.Context, msg utils.EmailMessage) error
}

// CredentialResolver returns the decrypted credential for a workspace.
// Callers must not log or persist the result.
type CredentialResolver interface {
	Resolve(ctx context.Context, workspaceID, credentialID string) (utils.Credential, error)
}

// LLMProvider is a provider-specific completion adapter
type LLMProvider interface {
	Generate(ctx context.Context, cred utils.Credential, prompt, model string) (utils.LLMResult, error)
}

// WorkflowLoader loads stored workflows for execute_workflow nodes that reference one by id
type WorkflowLoader interface {
	GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error)
}

// Dispatcher hands a queued run to whatever executes it
type Dispatcher interface {
	Dispatch(ctx context.Context, runID string) error
}

// ReadinessWaiter blocks until a stream subscriber for the run is live or ctx ends
type ReadinessWaiter interface {
	Wait(ctx context.Context, runID string) bool
}
