package permissions

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ruleFile is the wire format of a permissions.yaml file.
type ruleFile struct {
	// PermissionRules is the flat list of rule records.
	PermissionRules []Rule `yaml:"permission_rules"`

	// DefaultPermission optionally overrides the default level.
	DefaultPermission Level `yaml:"default_permission,omitempty"`
}

// LoadFile reads rules from a permissions.yaml file and registers them.
// File rules replace built-ins with the same id and otherwise coexist with
// them under normal priority ordering. Returns the number of rules loaded.
func (e *Engine) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read permission rules file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse permission rules file %s: %w", path, err)
	}

	for i := range file.PermissionRules {
		if err := e.AddRule(file.PermissionRules[i]); err != nil {
			return 0, fmt.Errorf("rule %d in %s: %w", i, path, err)
		}
	}

	if file.DefaultPermission != "" {
		if err := e.SetDefaultLevel(file.DefaultPermission); err != nil {
			return 0, fmt.Errorf("invalid default_permission in %s: %w", path, err)
		}
	}

	e.logger.Info().
		Str("path", path).
		Int("rules", len(file.PermissionRules)).
		Msg("permission rules loaded")

	return len(file.PermissionRules), nil
}
