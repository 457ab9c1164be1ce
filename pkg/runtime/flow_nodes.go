package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tcmartin/runstream/pkg/models"
)

// ifNode routes to exactly one of two targets
type ifNode struct {
	condition interface{}
	onTrue    string
	onFalse   string
}

func newIfNode(config map[string]interface{}) (*ifNode, error) {
	condition, ok := config["condition"]
	if !ok {
		return nil, fmt.Errorf("if node requires condition")
	}
	n := &ifNode{
		condition: condition,
		onTrue:    stringValue(config["on_true"]),
		onFalse:   stringValue(config["on_false"]),
	}
	if n.onTrue == "" && n.onFalse == "" {
		return nil, fmt.Errorf("if node requires on_true or on_false")
	}
	return n, nil
}

func (n *ifNode) Kind() string { return models.KindIf }

func (n *ifNode) Targets() []string {
	var targets []string
	for _, t := range []string{n.onTrue, n.onFalse} {
		if t != "" {
			targets = append(targets, t)
		}
	}
	return targets
}

func (n *ifNode) Execute(ctx context.Context, nc *NodeContext) (Outcome, error) {
	result := truthy(nc.Eval(n.condition))
	target, branch := n.onFalse, "false"
	if result {
		target, branch = n.onTrue, "true"
	}
	return routeTo(target, map[string]interface{}{
		"result":    result,
		"branch":    branch,
		"routed_to": target,
	}), nil
}

// switchNode routes by looking the evaluated value up in cases
type switchNode struct {
	value    interface{}
	cases    map[string]string
	fallback string
}

func newSwitchNode(config map[string]interface{}) (*switchNode, error) {
	value, ok := config["value"]
	if !ok {
		return nil, fmt.Errorf("switch node requires value")
	}
	n := &switchNode{
		value:    value,
		cases:    map[string]string{},
		fallback: stringValue(config["default"]),
	}
	if raw, ok := config["cases"]; ok {
		cases, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("switch cases must be a mapping")
		}
		for key, target := range cases {
			t, ok := target.(string)
			if !ok || t == "" {
				return nil, fmt.Errorf("switch case %q must name a node", key)
			}
			n.cases[key] = t
		}
	}
	return n, nil
}

func (n *switchNode) Kind() string { return models.KindSwitch }

func (n *switchNode) Targets() []string {
	seen := map[string]bool{}
	var targets []string
	for _, t := range n.cases {
		if !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	sort.Strings(targets)
	if n.fallback != "" && !seen[n.fallback] {
		targets = append(targets, n.fallback)
	}
	return targets
}

func (n *switchNode) Execute(ctx context.Context, nc *NodeContext) (Outcome, error) {
	value := nc.Eval(n.value)
	target, matched := n.cases[stringValue(value)]
	if !matched {
		target = n.fallback
	}
	return routeTo(target, map[string]interface{}{
		"value":     value,
		"matched":   matched,
		"routed_to": target,
	}), nil
}

func routeTo(target string, output map[string]interface{}) Outcome {
	out := Outcome{Output: output, Routed: true}
	if target != "" {
		out.Route = []string{target}
	}
	return out
}

// codeNode runs a JavaScript snippet with the node input bound as `input`
type codeNode struct {
	script string
}

func newCodeNode(config map[string]interface{}) (*codeNode, error) {
	script := stringValue(config["script"])
	if script == "" {
		return nil, fmt.Errorf("code node requires script")
	}
	return &codeNode{script: script}, nil
}

func (n *codeNode) Kind() string { return models.KindCode }

func (n *codeNode) Execute(ctx context.Context, nc *NodeContext) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, nc.exec.cfg.ScriptTimeout)
	defer cancel()

	v, err := nc.exec.deps.Scripts.Execute(ctx, n.script, map[string]interface{}{"input": nc.Input})
	if err != nil {
		return Outcome{}, err
	}
	if m, ok := v.(map[string]interface{}); ok {
		return Outcome{Output: m}, nil
	}
	return Outcome{Output: map[string]interface{}{"result": v}}, nil
}

// subworkflowNode runs an inline graph, or a stored workflow of the same workspace, with the current input
type subworkflowNode struct {
	program    *Program
	workflowID string
}

func newSubworkflowNode(config map[string]interface{}) (*subworkflowNode, error) {
	if raw, ok := config["workflow"]; ok {
		graph, err := decodeGraph(raw)
		if err != nil {
			return nil, err
		}
		prog, err := Compile(graph)
		if err != nil {
			return nil, fmt.Errorf("inline workflow: %w", err)
		}
		return &subworkflowNode{program: prog}, nil
	}
	id := stringValue(config["workflow_id"])
	if id == "" {
		return nil, fmt.Errorf("execute_workflow node requires workflow or workflow_id")
	}
	return &subworkflowNode{workflowID: id}, nil
}

func decodeGraph(raw interface{}) (models.WorkflowGraph, error) {
	var graph models.WorkflowGraph
	data, err := json.Marshal(raw)
	if err != nil {
		return graph, fmt.Errorf("inline workflow: %w", err)
	}
	if err := json.Unmarshal(data, &graph); err != nil {
		return graph, fmt.Errorf("inline workflow: %w", err)
	}
	for id, node := range graph.Nodes {
		if node.ID == "" {
			node.ID = id
			graph.Nodes[id] = node
		}
	}
	return graph, nil
}

func (n *subworkflowNode) Kind() string { return models.KindExecuteWorkflow }

func (n *subworkflowNode) Execute(ctx context.Context, nc *NodeContext) (Outcome, error) {
	prog := n.program
	if prog == nil {
		loaded, err := n.load(ctx, nc)
		if err != nil {
			return Outcome{}, err
		}
		prog = loaded
	}

	result, err := nc.exec.executeChild(ctx, nc, prog, nc.Input)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Output: map[string]interface{}{"subworkflow_result": result}}, nil
}

func (n *subworkflowNode) load(ctx context.Context, nc *NodeContext) (*Program, error) {
	loader := nc.exec.deps.Workflows
	if loader == nil {
		return nil, errors.New("no workflow store configured")
	}
	wf, err := loader.GetWorkflow(ctx, n.workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", n.workflowID, err)
	}
	if nc.WorkspaceID != "" && wf.WorkspaceID != nc.WorkspaceID {
		return nil, fmt.Errorf("workflow %s not found", n.workflowID)
	}
	prog, err := Compile(wf.Graph)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", n.workflowID, err)
	}
	return prog, nil
}
