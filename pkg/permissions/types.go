package permissions

import (
	"fmt"
)

// Level represents a permission level on the hierarchy
// none < read < write < execute < admin.
type Level string

const (
	// LevelNone grants nothing.
	LevelNone Level = "none"

	// LevelRead grants read-only access.
	LevelRead Level = "read"

	// LevelWrite grants read and write access.
	LevelWrite Level = "write"

	// LevelExecute grants read, write, and execute access.
	LevelExecute Level = "execute"

	// LevelAdmin grants unrestricted access.
	LevelAdmin Level = "admin"
)

// levelRank orders permission levels from weakest to strongest.
var levelRank = map[Level]int{
	LevelNone:    0,
	LevelRead:    1,
	LevelWrite:   2,
	LevelExecute: 3,
	LevelAdmin:   4,
}

// Validate checks if the permission level is valid.
func (l Level) Validate() error {
	if _, ok := levelRank[l]; !ok {
		return fmt.Errorf("invalid permission level: %s", l)
	}
	return nil
}

// Covers reports whether l is at least as strong as required.
func (l Level) Covers(required Level) bool {
	return levelRank[l] >= levelRank[required]
}

// ResourceType classifies the kind of resource a rule protects.
type ResourceType string

const (
	// ResourceFile matches individual files.
	ResourceFile ResourceType = "file"

	// ResourceDirectory matches directory trees.
	ResourceDirectory ResourceType = "directory"

	// ResourceCommand matches shell command lines.
	ResourceCommand ResourceType = "command"

	// ResourceNetwork matches network destinations.
	ResourceNetwork ResourceType = "network"

	// ResourceSystem matches system-level resources.
	ResourceSystem ResourceType = "system"
)

// Validate checks if the resource type is valid.
func (r ResourceType) Validate() error {
	switch r {
	case ResourceFile, ResourceDirectory, ResourceCommand, ResourceNetwork, ResourceSystem:
		return nil
	default:
		return fmt.Errorf("invalid resource type: %s", r)
	}
}

// Rule is a single permission rule. Lower Priority numbers take precedence.
type Rule struct {
	// ID uniquely identifies the rule.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Name is the human-readable rule name.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Description explains what the rule protects.
	Description string `yaml:"description" json:"description"`

	// ResourceType classifies the protected resource.
	ResourceType ResourceType `yaml:"resource_type" json:"resource_type" validate:"required,oneof=file directory command network system"`

	// ResourcePattern is a regular expression matched against the resource.
	ResourcePattern string `yaml:"resource_pattern" json:"resource_pattern" validate:"required"`

	// ToolNames lists the tools the rule applies to; "*" matches any tool.
	ToolNames []string `yaml:"tool_names" json:"tool_names" validate:"required,min=1"`

	// PermissionLevel is the level the rule grants on a match.
	PermissionLevel Level `yaml:"permission_level" json:"permission_level" validate:"required,oneof=none read write execute admin"`

	// Conditions carries optional rule-specific conditions.
	Conditions map[string]interface{} `yaml:"conditions,omitempty" json:"conditions,omitempty"`

	// Priority orders rules; lower numbers win.
	Priority int `yaml:"priority" json:"priority" validate:"gte=0"`

	// Enabled toggles the rule without removing it.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// AppliesTo reports whether the rule covers the given tool name.
func (r *Rule) AppliesTo(toolName string) bool {
	for _, name := range r.ToolNames {
		if name == "*" || name == toolName {
			return true
		}
	}
	return false
}

// RequiredLevel maps an action to the minimum level it needs. Unknown
// actions require read.
func RequiredLevel(action string) Level {
	switch action {
	case "read":
		return LevelRead
	case "write", "create", "modify", "delete":
		return LevelWrite
	case "execute":
		return LevelExecute
	case "admin":
		return LevelAdmin
	default:
		return LevelRead
	}
}

// Decision is the outcome of a single permission check.
type Decision struct {
	// Allowed is the check result.
	Allowed bool

	// RuleID is the id of the deciding rule, empty when the default applied.
	RuleID string

	// Level is the granted level that was compared.
	Level Level

	// Required is the level the action demanded.
	Required Level
}
