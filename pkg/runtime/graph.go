package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tcmartin/runstream/pkg/models"
	"gopkg.in/yaml.v3"
)

// ErrGraphInvalid is returned by ParseGraph and Compile for graphs that cannot run
var ErrGraphInvalid = errors.New("invalid workflow graph")

// Program is a validated graph with one handler resolved per node
type Program struct {
	handlers map[string]NodeHandler
	kinds    map[string]string
	outgoing map[string][]string
	entries  []string
	optional map[string]bool
}

// Entries returns the nodes a run starts from, in id order
func (p *Program) Entries() []string {
	return append([]string(nil), p.entries...)
}

// Has reports whether the program contains the node
func (p *Program) Has(nodeID string) bool {
	_, ok := p.handlers[nodeID]
	return ok
}

// Optional reports whether an error output from the node leaves the run successful
func (p *Program) Optional(nodeID string) bool {
	return p.optional[nodeID]
}

// Kind returns the node's kind
func (p *Program) Kind(nodeID string) string {
	return p.kinds[nodeID]
}

// ParseGraph decodes a graph authored as JSON or YAML
func ParseGraph(data []byte) (models.WorkflowGraph, error) {
	var graph models.WorkflowGraph
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return graph, fmt.Errorf("%w: empty document", ErrGraphInvalid)
	}

	var err error
	if trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &graph)
	} else {
		err = yaml.Unmarshal(trimmed, &graph)
	}
	if err != nil {
		return graph, fmt.Errorf("%w: %v", ErrGraphInvalid, err)
	}

	for id, node := range graph.Nodes {
		if node.ID == "" {
			node.ID = id
			graph.Nodes[id] = node
		}
	}
	return graph, nil
}

// Compile validates the graph and resolves each node kind to its handler.
// Every edge endpoint and branch target must exist and the graph must be acyclic.
func Compile(graph models.WorkflowGraph) (*Program, error) {
	if len(graph.Nodes) == 0 {
		return nil, fmt.Errorf("%w: graph has no nodes", ErrGraphInvalid)
	}

	ids := make([]string, 0, len(graph.Nodes))
	for id := range graph.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	p := &Program{
		handlers: make(map[string]NodeHandler, len(ids)),
		kinds:    make(map[string]string, len(ids)),
		outgoing: make(map[string][]string, len(ids)),
		optional: make(map[string]bool),
	}

	var problems []string
	for _, id := range ids {
		node := graph.Nodes[id]
		if node.ID != "" && node.ID != id {
			problems = append(problems, fmt.Sprintf("node %q declares mismatched id %q", id, node.ID))
			continue
		}
		h, err := newHandler(node.Kind, node.Config)
		if err != nil {
			problems = append(problems, fmt.Sprintf("node %q: %v", id, err))
			continue
		}
		p.handlers[id] = h
		p.kinds[id] = node.Kind
		if optional, _ := node.Config["optional"].(bool); optional {
			p.optional[id] = true
		}
	}

	for _, edge := range graph.Edges {
		_, srcOK := graph.Nodes[edge.Source]
		_, dstOK := graph.Nodes[edge.Target]
		if !srcOK || !dstOK {
			problems = append(problems, fmt.Sprintf("edge %s -> %s references a missing node", edge.Source, edge.Target))
			continue
		}
		p.outgoing[edge.Source] = append(p.outgoing[edge.Source], edge.Target)
	}

	// successors are edge targets plus branch targets
	successors := make(map[string][]string, len(ids))
	for _, id := range ids {
		successors[id] = append(successors[id], p.outgoing[id]...)
		b, ok := p.handlers[id].(brancher)
		if !ok {
			continue
		}
		for _, target := range b.Targets() {
			if _, exists := graph.Nodes[target]; !exists {
				problems = append(problems, fmt.Sprintf("node %q routes to missing node %q", id, target))
				continue
			}
			successors[id] = append(successors[id], target)
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrGraphInvalid, strings.Join(problems, "; "))
	}

	if cycle := findCycle(ids, successors); cycle != nil {
		return nil, fmt.Errorf("%w: cycle detected: %s", ErrGraphInvalid, strings.Join(cycle, " -> "))
	}

	incoming := make(map[string]bool, len(ids))
	for _, targets := range successors {
		for _, t := range targets {
			incoming[t] = true
		}
	}
	for _, id := range ids {
		if !incoming[id] {
			p.entries = append(p.entries, id)
		}
	}
	if len(p.entries) == 0 {
		p.entries = ids
	}
	return p, nil
}

// findCycle returns the first cycle found by depth-first search, closed with its first node
func findCycle(ids []string, successors map[string][]string) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(ids))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range successors[id] {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, next)
					}
				}
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
