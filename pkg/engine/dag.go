package engine

import (
	"fmt"
	"strings"
)

// validateGraph checks the step dependency graph: ids must be unique and
// non-empty, every dependency must resolve to a step in the same plan, and
// the graph must be acyclic.
func validateGraph(steps []*Step) error {
	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return NewPermanentError("step has empty ID", nil).
				WithCode(ErrCodeConfigValidation)
		}
		if _, exists := byID[s.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate step ID: %s", s.ID), nil).
				WithCode(ErrCodeConfigValidation)
		}
		byID[s.ID] = s
	}

	adjacency := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, exists := byID[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("step %s depends on non-existent step %s", s.ID, dep), nil).
					WithCode(ErrCodeConfigValidation).WithResource(s.ID)
			}
			if dep == s.ID {
				return NewPermanentError(
					fmt.Sprintf("step %s depends on itself", s.ID), nil).
					WithCode(ErrCodeConfigValidation).WithResource(s.ID)
			}
			adjacency[dep] = append(adjacency[dep], s.ID)
		}
	}

	if cycle := findCycle(byID, adjacency); len(cycle) > 0 {
		return NewPermanentError(
			fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")), nil).
			WithCode(ErrCodeConfigValidation)
	}
	return nil
}

// findCycle runs depth-first search over the dependency graph and returns
// the cycle path when one exists.
func findCycle(byID map[string]*Step, adjacency map[string][]string) []string {
	visited := make(map[string]bool, len(byID))
	recStack := make(map[string]bool, len(byID))

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, next := range adjacency[id] {
			if !visited[next] {
				if cycle := visit(next, path); len(cycle) > 0 {
					return cycle
				}
			} else if recStack[next] {
				for i, node := range path {
					if node == next {
						return append(path[i:], next)
					}
				}
				return []string{next, next}
			}
		}

		recStack[id] = false
		return nil
	}

	for id := range byID {
		if !visited[id] {
			if cycle := visit(id, nil); len(cycle) > 0 {
				return cycle
			}
		}
	}
	return nil
}

// executionLevels computes topological levels with Kahn's algorithm. Steps
// at the same level have no dependency relation and may run in parallel.
// The graph must already be validated.
func executionLevels(steps []*Step) [][]string {
	inDegree := make(map[string]int, len(steps))
	adjacency := make(map[string][]string, len(steps))
	for _, s := range steps {
		inDegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			adjacency[dep] = append(adjacency[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	var current []string
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			current = append(current, s.ID)
		}
	}

	var levels [][]string
	for len(current) > 0 {
		levels = append(levels, current)
		var next []string
		for _, id := range current {
			for _, dependent := range adjacency[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}
	return levels
}

// ToDOT renders the plan's dependency graph in Graphviz DOT format, grouped
// by execution level.
func ToDOT(plan *Plan) string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range executionLevels(plan.Steps) {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			step := plan.StepByID(id)
			if step == nil {
				continue
			}
			label := fmt.Sprintf("%s\\n%s", step.ID, step.ToolName)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, riskColor(step.RiskLevel)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, step.ID))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// riskColor returns a fill color for visualizing risk levels.
func riskColor(risk RiskLevel) string {
	switch risk {
	case RiskLow:
		return "lightgreen"
	case RiskMedium:
		return "lightblue"
	case RiskHigh:
		return "orange"
	case RiskCritical:
		return "lightcoral"
	default:
		return "white"
	}
}
