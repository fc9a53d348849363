package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// StepGenerator turns a user objective into an ordered step list. The plan
// manager accepts any generator; production deployments substitute an
// LLM-backed implementation for the rule-based default.
type StepGenerator func(objective string, context map[string]interface{}) ([]*Step, error)

// quotedToken extracts the first single- or double-quoted token from an
// objective, used as a path or command argument.
var quotedToken = regexp.MustCompile(`["']([^"']+)["']`)

// defaultStepTimeout is the timeout assigned to generated steps.
const defaultStepTimeout = 30.0

// RuleBasedGenerator is the default generator: a heuristic keyword mapping
// from objective text to canonical tool invocations, so the orchestrator is
// functional without a language model.
func RuleBasedGenerator(objective string, context map[string]interface{}) ([]*Step, error) {
	if strings.TrimSpace(objective) == "" {
		return nil, NewPermanentError("objective is empty", nil).
			WithCode(ErrCodeConfigValidation)
	}

	lower := strings.ToLower(objective)
	var steps []*Step

	addStep := func(tool string, params map[string]interface{}, description string, risk RiskLevel, approval bool) {
		step := &Step{
			ID:               fmt.Sprintf("step_%03d", len(steps)+1),
			ToolName:         tool,
			Params:           params,
			Description:      description,
			RiskLevel:        risk,
			TimeoutSeconds:   defaultStepTimeout,
			RequiresApproval: approval,
			Status:           StepStatusPending,
			MaxRetries:       1,
		}
		// Generated steps run sequentially.
		if len(steps) > 0 {
			step.DependsOn = []string{steps[len(steps)-1].ID}
		}
		steps = append(steps, step)
	}

	path := stringValue(context, "path")
	if path == "" {
		if m := quotedToken.FindStringSubmatch(objective); m != nil {
			path = m[1]
		}
	}

	if containsAny(lower, "list", "show files", "enumerate", "directory contents") {
		target := path
		if target == "" {
			target = "."
		}
		addStep("list_files", map[string]interface{}{"path": target},
			"List directory contents", RiskLow, false)
	}

	if containsAny(lower, "read", "inspect", "examine", "view") && path != "" {
		addStep("read_file", map[string]interface{}{"path": path},
			fmt.Sprintf("Read %s", path), RiskLow, false)
	}

	if containsAny(lower, "write", "create file", "save") {
		target := path
		if target == "" {
			target = "output.txt"
		}
		content := stringValue(context, "content")
		addStep("write_file", map[string]interface{}{"path": target, "content": content},
			fmt.Sprintf("Write %s", target), RiskMedium, false)
	}

	if containsAny(lower, "run", "execute", "command", "shell") {
		command := stringValue(context, "command")
		if command == "" {
			if m := quotedToken.FindStringSubmatch(objective); m != nil {
				command = m[1]
			}
		}
		if command != "" {
			addStep("bash_execute", map[string]interface{}{"command": command},
				fmt.Sprintf("Run %q", command), RiskHigh, true)
		}
	}

	// An objective that matched nothing starts with an inspection step.
	if len(steps) == 0 {
		addStep("list_files", map[string]interface{}{"path": "."},
			"Inspect the workspace", RiskLow, false)
	}

	return steps, nil
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func stringValue(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
