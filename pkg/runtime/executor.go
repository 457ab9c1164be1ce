package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tcmartin/runstream/pkg/events"
	"github.com/tcmartin/runstream/pkg/logging"
	"github.com/tcmartin/runstream/pkg/models"
	"github.com/tcmartin/runstream/pkg/scripting"
)

// ErrUnknownNode is returned when a start node is not part of the program
var ErrUnknownNode = errors.New("unknown node")

// ErrMaxDepth is recorded on execute_workflow nodes nested too deeply
var ErrMaxDepth = errors.New("maximum workflow nesting depth exceeded")

const tracerName = "github.com/tcmartin/runstream/pkg/runtime"

// Config holds executor limits
type Config struct {
	// MaxParallelism bounds concurrent chunks of a parallel split
	MaxParallelism int

	// MaxDepth bounds execute_workflow nesting
	MaxDepth int

	HTTPTimeout   time.Duration
	LLMTimeout    time.Duration
	ScriptTimeout time.Duration
}

// DefaultConfig returns the executor defaults
func DefaultConfig() Config {
	return Config{
		MaxParallelism: 4,
		MaxDepth:       8,
		HTTPTimeout:    30 * time.Second,
		LLMTimeout:     60 * time.Second,
		ScriptTimeout:  5 * time.Second,
	}
}

// Dependencies are the collaborators node handlers delegate to. Nil members disable the kinds that need them.
type Dependencies struct {
	Sink        events.Sink
	HTTP        HTTPClient
	Email       EmailSender
	Credentials CredentialResolver
	LLM         map[string]LLMProvider
	Workflows   WorkflowLoader
	Scripts     scripting.ScriptEngine
	Templates   scripting.ExpressionEvaluator
	Logger      logging.Logger
}

// Executor walks a compiled program breadth-first, visiting each node once
type Executor struct {
	deps   Dependencies
	cfg    Config
	tracer trace.Tracer
	logger logging.Logger
}

// NewExecutor creates an executor. Zero config values fall back to DefaultConfig.
func NewExecutor(deps Dependencies, cfg Config) *Executor {
	defaults := DefaultConfig()
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = defaults.MaxParallelism
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaults.MaxDepth
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaults.HTTPTimeout
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaults.LLMTimeout
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = defaults.ScriptTimeout
	}
	if deps.Templates == nil {
		deps.Templates = scripting.NewTemplateEvaluator()
	}
	if deps.Scripts == nil {
		deps.Scripts = scripting.NewGojaEngine()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Executor{
		deps:   deps,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
}

// ExecuteRequest describes one executor invocation
type ExecuteRequest struct {
	RunID       string
	WorkspaceID string

	// Program is used when set; otherwise Graph is compiled
	Program *Program
	Graph   models.WorkflowGraph

	// StartNodeID restricts the starting set to one node
	StartNodeID string

	Input map[string]interface{}
}

// runState is shared by every node of one invocation, nested graphs included
type runState struct {
	runID       string
	workspaceID string
	prefix      string
	depth       int
}

// Execute runs the program and returns each visited node's output keyed by node id.
// Node failures are recorded as {error} outputs and never stop the traversal.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (map[string]interface{}, error) {
	prog := req.Program
	if prog == nil {
		compiled, err := Compile(req.Graph)
		if err != nil {
			return nil, err
		}
		prog = compiled
	}
	input := req.Input
	if input == nil {
		input = map[string]interface{}{}
	}

	st := &runState{runID: req.RunID, workspaceID: req.WorkspaceID}
	return e.execute(ctx, st, prog, req.StartNodeID, input)
}

func (e *Executor) execute(ctx context.Context, st *runState, prog *Program, startNodeID string, input map[string]interface{}) (map[string]interface{}, error) {
	queue := prog.Entries()
	if startNodeID != "" {
		if !prog.Has(startNodeID) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, startNodeID)
		}
		queue = []string{startNodeID}
	}

	outputs := make(map[string]interface{})
	visited := make(map[string]bool)
	queued := make(map[string]bool, len(queue))
	for _, id := range queue {
		queued[id] = true
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return outputs, err
		}
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		outcome := e.runNode(ctx, st, prog, id, input)
		outputs[id] = outcome.Output

		next := prog.outgoing[id]
		if outcome.Routed {
			next = outcome.Route
		}
		for _, target := range next {
			if visited[target] || queued[target] {
				continue
			}
			queued[target] = true
			queue = append(queue, target)
		}
	}
	return outputs, nil
}

func (e *Executor) runNode(ctx context.Context, st *runState, prog *Program, nodeID string, input map[string]interface{}) Outcome {
	h := prog.handlers[nodeID]
	eventNodeID := st.prefix + nodeID

	ctx, span := e.tracer.Start(ctx, "runstream.node", trace.WithAttributes(
		attribute.String("runstream.run_id", st.runID),
		attribute.String("runstream.node_id", eventNodeID),
		attribute.String("runstream.node_kind", h.Kind()),
	))
	defer span.End()

	e.emit(ctx, st.runID, eventNodeID, models.EventKindNode, models.LevelInfo, map[string]interface{}{
		"event": "started",
		"kind":  h.Kind(),
	})

	nc := &NodeContext{
		RunID:       st.runID,
		WorkspaceID: st.workspaceID,
		NodeID:      nodeID,
		Input:       input,
		exec:        e,
		state:       st,
	}
	outcome, err := e.invoke(ctx, h, nc)
	if err != nil {
		outcome = Outcome{Output: map[string]interface{}{"error": err.Error()}}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if outcome.Output == nil {
		outcome.Output = map[string]interface{}{}
	}

	level := models.LevelInfo
	if _, failed := outcome.Output["error"]; failed {
		level = models.LevelError
	}
	e.emit(ctx, st.runID, eventNodeID, models.EventKindNode, level, map[string]interface{}{
		"event":  "finished",
		"kind":   h.Kind(),
		"output": outcome.Output,
	})
	return outcome
}

// invoke converts handler panics into node errors
func (e *Executor) invoke(ctx context.Context, h NodeHandler, nc *NodeContext) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node panicked: %v", r)
		}
	}()
	return h.Execute(ctx, nc)
}

// executeChild runs a nested program under the parent node's id prefix
func (e *Executor) executeChild(ctx context.Context, nc *NodeContext, prog *Program, input map[string]interface{}) (map[string]interface{}, error) {
	if nc.state.depth+1 > e.cfg.MaxDepth {
		return nil, fmt.Errorf("%w (%d)", ErrMaxDepth, e.cfg.MaxDepth)
	}
	child := &runState{
		runID:       nc.state.runID,
		workspaceID: nc.state.workspaceID,
		prefix:      nc.EventNodeID() + "/",
		depth:       nc.state.depth + 1,
	}
	return e.execute(ctx, child, prog, "", input)
}

func (e *Executor) emit(ctx context.Context, runID, nodeID, kind, level string, message map[string]interface{}) {
	if e.deps.Sink == nil {
		return
	}
	_, _, err := e.deps.Sink.Publish(ctx, models.RunLog{
		RunID:   runID,
		NodeID:  nodeID,
		Kind:    kind,
		Level:   level,
		Message: message,
	})
	if err != nil {
		e.logger.Warn("failed to publish node event",
			logging.F("run_id", runID),
			logging.F("node_id", nodeID),
			logging.Err(err))
	}
}

// NodeContext is what a handler sees of the run
type NodeContext struct {
	RunID       string
	WorkspaceID string

	// NodeID is the id within the node's own graph
	NodeID string

	// Input is the run input, or the chunk envelope inside a split
	Input map[string]interface{}

	// chunk marks events raised while processing one split chunk, e.g. "[2]"
	chunk string

	exec  *Executor
	state *runState
}

// EventNodeID is the node id carried on events, prefixed with parent ids inside nested
// workflows and suffixed with the chunk index inside a split
func (nc *NodeContext) EventNodeID() string {
	return nc.state.prefix + nc.NodeID + nc.chunk
}

// Render evaluates {{ input.* }} templates throughout a config value
func (nc *NodeContext) Render(config map[string]interface{}) map[string]interface{} {
	return nc.exec.deps.Templates.EvaluateInObject(config, nc.scope())
}

// Eval evaluates a single expression against the input
func (nc *NodeContext) Eval(expr interface{}) interface{} {
	s, ok := expr.(string)
	if !ok {
		return expr
	}
	return nc.exec.deps.Templates.Evaluate(s, nc.scope())
}

// Log publishes a log event attributed to the node
func (nc *NodeContext) Log(ctx context.Context, level string, message map[string]interface{}) {
	nc.exec.emit(ctx, nc.RunID, nc.EventNodeID(), models.EventKindLog, level, message)
}

func (nc *NodeContext) scope() map[string]interface{} {
	return map[string]interface{}{"input": nc.Input}
}

// withInput returns a copy of the context that sees a different input
func (nc *NodeContext) withInput(input map[string]interface{}) *NodeContext {
	clone := *nc
	clone.Input = input
	return &clone
}

// forChunk returns a copy of the context for processing chunk index of a split
func (nc *NodeContext) forChunk(index int, envelope map[string]interface{}) *NodeContext {
	clone := nc.withInput(envelope)
	clone.chunk = fmt.Sprintf("[%d]", index)
	return clone
}
