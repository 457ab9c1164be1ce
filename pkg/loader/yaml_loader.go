package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tcmartin/runstream/pkg/logging"
	"github.com/tcmartin/runstream/pkg/models"
	"github.com/tcmartin/runstream/pkg/runtime"
	"github.com/tcmartin/runstream/pkg/scheduler"
	"github.com/tcmartin/runstream/pkg/storage"
)

// Parse decodes and validates a workflow definition. JSON documents are accepted as YAML.
func Parse(content []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(content, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks identity, graph structure and schedule expressions
func Validate(def *WorkflowDefinition) error {
	if def.Metadata.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if def.Metadata.WorkspaceID == "" {
		return fmt.Errorf("workflow %s: workspace_id is required", def.Metadata.ID)
	}
	if len(def.Nodes) == 0 {
		return fmt.Errorf("workflow %s: must have at least one node", def.Metadata.ID)
	}

	if _, err := runtime.Compile(def.Graph()); err != nil {
		return fmt.Errorf("workflow %s: %w", def.Metadata.ID, err)
	}

	seen := make(map[string]bool)
	for i, s := range def.Schedules {
		if s.ID == "" {
			return fmt.Errorf("workflow %s: schedule %d has no id", def.Metadata.ID, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("workflow %s: duplicate schedule id %q", def.Metadata.ID, s.ID)
		}
		seen[s.ID] = true
		if _, err := scheduler.ParseSchedule(s.Schedule); err != nil {
			return fmt.Errorf("workflow %s: schedule %s: %w", def.Metadata.ID, s.ID, err)
		}
	}
	return nil
}

// Graph converts the definition into the executor's graph. Next lists become edges,
// emitted in node id order.
func (def *WorkflowDefinition) Graph() models.WorkflowGraph {
	graph := models.WorkflowGraph{Nodes: make(map[string]models.Node, len(def.Nodes))}

	ids := make([]string, 0, len(def.Nodes))
	for id := range def.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := def.Nodes[id]
		graph.Nodes[id] = models.Node{ID: id, Kind: n.Type, Config: n.Params}
		for _, next := range n.Next {
			graph.Edges = append(graph.Edges, models.Edge{Source: id, Target: next})
		}
	}
	for _, e := range def.Edges {
		graph.Edges = append(graph.Edges, models.Edge{Source: e.Source, Target: e.Target})
	}
	return graph
}

// Workflow returns the stored form of the definition
func (def *WorkflowDefinition) Workflow() *models.Workflow {
	return &models.Workflow{
		ID:          def.Metadata.ID,
		WorkspaceID: def.Metadata.WorkspaceID,
		Name:        def.Metadata.Name,
		Graph:       def.Graph(),
	}
}

// LoadFile reads one definition file
func LoadFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// LoadDir reads every .yaml, .yml and .json file in dir, in name order
func LoadDir(dir string) ([]*WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	var defs []*WorkflowDefinition
	ids := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if prev, dup := ids[def.Metadata.ID]; dup {
			return nil, fmt.Errorf("workflow id %q defined in both %s and %s", def.Metadata.ID, prev, entry.Name())
		}
		ids[def.Metadata.ID] = entry.Name()
		defs = append(defs, def)
	}
	return defs, nil
}

type scheduleReader interface {
	GetSchedule(ctx context.Context, entryID string) (*models.ScheduleEntry, error)
}

// Store saves the definitions and their schedules. When the schedule store can read
// entries back, an existing entry keeps its last run time.
func Store(ctx context.Context, defs []*WorkflowDefinition, workflows storage.WorkflowStore, schedules storage.ScheduleStore, logger logging.Logger) error {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	reader, canRead := schedules.(scheduleReader)

	for _, def := range defs {
		if err := workflows.SaveWorkflow(ctx, def.Workflow()); err != nil {
			return fmt.Errorf("failed to save workflow %s: %w", def.Metadata.ID, err)
		}

		for _, s := range def.Schedules {
			entry := &models.ScheduleEntry{
				ID:          s.ID,
				WorkspaceID: def.Metadata.WorkspaceID,
				WorkflowID:  def.Metadata.ID,
				Schedule:    s.Schedule,
				Input:       s.Input,
				Active:      s.Active == nil || *s.Active,
			}
			if canRead {
				if existing, err := reader.GetSchedule(ctx, s.ID); err == nil {
					entry.LastRun = existing.LastRun
				}
			}
			if err := schedules.SaveSchedule(ctx, entry); err != nil {
				return fmt.Errorf("failed to save schedule %s: %w", s.ID, err)
			}
		}

		logger.Info("workflow loaded",
			logging.F("workflow_id", def.Metadata.ID),
			logging.F("workspace_id", def.Metadata.WorkspaceID),
			logging.F("schedules", len(def.Schedules)))
	}
	return nil
}
