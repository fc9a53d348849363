// Package permissions implements the policy-driven permission engine that
// gates every side-effecting tool invocation. Rules are priority-ordered
// regular expressions over (tool, resource, action).
package permissions

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/helmsman-dev/helmsman/pkg/audit"
)

// DefaultLevel is the permission applied when no rule matches.
const DefaultLevel = LevelRead

// compiledRule pairs a rule with its compiled pattern and insertion order.
type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
	seq  int
}

// Engine evaluates permission rules. It is read-mostly; rule mutation takes
// the writer lock. Checks return booleans and never raise so that denial
// handling stays with the caller.
type Engine struct {
	mu           sync.RWMutex
	rules        []compiledRule
	nextSeq      int
	defaultLevel Level
	validate     *validator.Validate
	audit        *audit.Logger
	logger       zerolog.Logger
}

// NewEngine creates a permission engine with the built-in default rules.
func NewEngine(auditLog *audit.Logger, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		defaultLevel: DefaultLevel,
		validate:     validator.New(),
		audit:        auditLog,
		logger:       logger.With().Str("component", "permissions").Logger(),
	}

	for _, rule := range BuiltinRules() {
		if err := e.AddRule(rule); err != nil {
			return nil, fmt.Errorf("failed to add built-in rule %s: %w", rule.ID, err)
		}
	}

	return e, nil
}

// SetDefaultLevel overrides the level applied when no rule matches.
func (e *Engine) SetDefaultLevel(level Level) error {
	if err := level.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.defaultLevel = level
	e.mu.Unlock()
	return nil
}

// AddRule validates, compiles, and registers a rule. A rule with an id
// already present replaces the previous rule.
func (e *Engine) AddRule(rule Rule) error {
	if err := e.validate.Struct(rule); err != nil {
		return fmt.Errorf("invalid permission rule %s: %w", rule.ID, err)
	}

	re, err := regexp.Compile(rule.ResourcePattern)
	if err != nil {
		return fmt.Errorf("invalid resource pattern in rule %s: %w", rule.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.rules {
		if e.rules[i].rule.ID == rule.ID {
			e.rules[i].rule = rule
			e.rules[i].re = re
			return nil
		}
	}

	e.rules = append(e.rules, compiledRule{rule: rule, re: re, seq: e.nextSeq})
	e.nextSeq++
	return nil
}

// Check evaluates (toolName, resource, action) against the rule set and
// returns whether the operation is allowed. Every check is audited; denials
// additionally produce a permission_denied event at warning severity.
func (e *Engine) Check(toolName, resource, action string, corr audit.Correlation) bool {
	decision := e.Decide(toolName, resource, action)

	if e.audit != nil {
		corr.ToolName = toolName
		e.audit.LogPermissionCheck(toolName, resource, action, decision.Allowed, decision.RuleID, corr)
	}

	if !decision.Allowed {
		e.logger.Warn().
			Str("tool", toolName).
			Str("resource", resource).
			Str("action", action).
			Str("rule_id", decision.RuleID).
			Msg("permission denied")
	}

	return decision.Allowed
}

// Decide evaluates a check without auditing and returns the full decision.
func (e *Engine) Decide(toolName, resource, action string) Decision {
	required := RequiredLevel(action)

	e.mu.RLock()
	defer e.mu.RUnlock()

	var matches []compiledRule
	for _, cr := range e.rules {
		if !cr.rule.Enabled {
			continue
		}
		if !cr.rule.AppliesTo(toolName) {
			continue
		}
		if !cr.re.MatchString(resource) {
			continue
		}
		matches = append(matches, cr)
	}

	if len(matches) == 0 {
		return Decision{
			Allowed:  e.defaultLevel.Covers(required),
			Level:    e.defaultLevel,
			Required: required,
		}
	}

	// Lowest priority number wins; ties break by insertion order.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].rule.Priority != matches[j].rule.Priority {
			return matches[i].rule.Priority < matches[j].rule.Priority
		}
		return matches[i].seq < matches[j].seq
	})

	head := matches[0].rule
	return Decision{
		Allowed:  head.PermissionLevel.Covers(required),
		RuleID:   head.ID,
		Level:    head.PermissionLevel,
		Required: required,
	}
}

// Rules returns a copy of all registered rules ordered by priority.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		rules = append(rules, cr.rule)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
	return rules
}

// GetRule returns a rule by id.
func (e *Engine) GetRule(id string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, cr := range e.rules {
		if cr.rule.ID == id {
			return cr.rule, true
		}
	}
	return Rule{}, false
}

// EnableRule enables a rule by id.
func (e *Engine) EnableRule(id string) error {
	return e.setEnabled(id, true)
}

// DisableRule disables a rule by id without removing it.
func (e *Engine) DisableRule(id string) error {
	return e.setEnabled(id, false)
}

func (e *Engine) setEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.rules {
		if e.rules[i].rule.ID == id {
			e.rules[i].rule.Enabled = enabled
			e.logger.Info().Str("rule_id", id).Bool("enabled", enabled).Msg("rule toggled")
			return nil
		}
	}
	return fmt.Errorf("permission rule not found: %s", id)
}
