package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphBuilder builds the action dependency DAG for a sync plan.
// It validates dependency edges, detects cycles, and assigns topological
// levels so independent actions can run in parallel.
type GraphBuilder struct {
	// actions maps action IDs to their actions
	actions map[string]*SyncAction

	// dependents maps an action ID to the IDs that wait for it
	dependents map[string][]string

	// dependencies maps an action ID to the IDs it waits for
	dependencies map[string][]string

	// inDegree tracks incoming edge counts per node
	inDegree map[string]int

	// levels holds action IDs per topological level
	levels [][]string
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		actions:      make(map[string]*SyncAction),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		inDegree:     make(map[string]int),
	}
}

// Build constructs the action graph. Level slices come out sorted by the
// target workload name so plan execution order is deterministic.
func (b *GraphBuilder) Build(actions []SyncAction) (*ActionGraph, error) {
	if len(actions) == 0 {
		return &ActionGraph{
			Nodes:  make(map[string]*GraphNode),
			Levels: make([][]string, 0),
			Roots:  make([]string, 0),
		}, nil
	}

	if err := b.index(actions); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}
	return b.assemble(), nil
}

// index loads actions and dependency edges into the builder.
func (b *GraphBuilder) index(actions []SyncAction) error {
	for i := range actions {
		action := &actions[i]
		if action.ID == "" {
			return NewValidationError("sync action has empty ID", nil).WithCode(ErrCodeValidation)
		}
		if _, exists := b.actions[action.ID]; exists {
			return NewValidationError(fmt.Sprintf("duplicate sync action ID: %s", action.ID), nil).
				WithCode(ErrCodeValidation)
		}
		b.actions[action.ID] = action
		b.dependents[action.ID] = make([]string, 0)
		b.dependencies[action.ID] = make([]string, 0)
		b.inDegree[action.ID] = 0
	}

	for _, action := range b.actions {
		for _, dep := range action.DependsOn {
			if _, exists := b.actions[dep.ActionID]; !exists {
				return NewValidationError(
					fmt.Sprintf("action %s depends on unknown action %s", action.ID, dep.ActionID), nil).
					WithCode(ErrCodeValidation).WithWorkload(action.Workload)
			}
			b.dependents[dep.ActionID] = append(b.dependents[dep.ActionID], action.ID)
			b.dependencies[action.ID] = append(b.dependencies[action.ID], dep.ActionID)
			b.inDegree[action.ID]++
		}
	}
	return nil
}

// detectCycles runs a DFS over the dependency edges looking for cycles.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, next := range b.dependents[id] {
			if !visited[next] {
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			} else if onStack[next] {
				for i, p := range path {
					if p == next {
						return append(path[i:], next)
					}
				}
				return append(path, next)
			}
		}
		onStack[id] = false
		return nil
	}

	for _, id := range b.sortedActionIDs() {
		if !visited[id] {
			if cycle := visit(id, nil); cycle != nil {
				names := make([]string, 0, len(cycle))
				for _, actionID := range cycle {
					names = append(names, b.actions[actionID].Workload)
				}
				return NewValidationError(
					fmt.Sprintf("dependency cycle: %s", strings.Join(names, " -> ")), nil).
					WithCode(ErrCodeValidation)
			}
		}
	}
	return nil
}

// computeLevels assigns topological levels with Kahn's algorithm.
// Actions at the same level have no ordering constraints between them.
func (b *GraphBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	current := make([]string, 0)
	for _, id := range b.sortedActionIDs() {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}
	if len(current) == 0 && len(b.actions) > 0 {
		return NewValidationError("no root actions: every action has dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processed := 0
	for len(current) > 0 {
		b.sortByWorkload(current)
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dep := range b.dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	// Cycle detection already ran, so this indicates builder corruption.
	if processed != len(b.actions) {
		return NewPermanentError("failed to level all actions", nil).WithCode(ErrCodeInternal)
	}
	return nil
}

// assemble produces the final ActionGraph and stamps each node's level.
func (b *GraphBuilder) assemble() *ActionGraph {
	graph := &ActionGraph{
		Nodes:  make(map[string]*GraphNode, len(b.actions)),
		Levels: b.levels,
		Roots:  make([]string, 0),
		Depth:  len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Dependencies: b.dependencies[id],
				Dependents:   b.dependents[id],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}
	return graph
}

// sortedActionIDs returns all action IDs ordered by workload name, then ID.
func (b *GraphBuilder) sortedActionIDs() []string {
	ids := make([]string, 0, len(b.actions))
	for id := range b.actions {
		ids = append(ids, id)
	}
	b.sortByWorkload(ids)
	return ids
}

// sortByWorkload orders action IDs by workload name, then ID, in place.
func (b *GraphBuilder) sortByWorkload(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		wi, wj := b.actions[ids[i]].Workload, b.actions[ids[j]].Workload
		if wi != wj {
			return wi < wj
		}
		return ids[i] < ids[j]
	})
}

// ToDOT renders the plan graph in Graphviz DOT format.
func (p *SyncPlan) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph SyncPlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	byID := make(map[string]*SyncAction, len(p.Actions))
	for i := range p.Actions {
		byID[p.Actions[i].ID] = &p.Actions[i]
	}

	if p.Graph != nil {
		for level, ids := range p.Graph.Levels {
			fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
			fmt.Fprintf(&sb, "    label=\"level %d\";\n", level)
			sb.WriteString("    style=dashed;\n")
			for _, id := range ids {
				a := byID[id]
				fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\"];\n", id, a.Workload, a.Type)
			}
			sb.WriteString("  }\n\n")
		}
	}

	for i := range p.Actions {
		for _, dep := range p.Actions[i].DependsOn {
			style := "style=solid"
			if dep.Kind == DependencyOrder {
				style = "style=dotted"
			}
			fmt.Fprintf(&sb, "  %q -> %q [%s];\n", dep.ActionID, p.Actions[i].ID, style)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
