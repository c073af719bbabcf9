package security

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/types"
)

// Operator names a condition comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpMatches     Operator = "matches"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

var validOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpContains: true, OpNotContains: true,
	OpStartsWith: true, OpEndsWith: true,
	OpMatches:     true,
	OpGreaterThan: true, OpLessThan: true,
	OpIn: true, OpNotIn: true,
}

// Action names a response to a matched rule.
type Action string

const (
	ActionBlock      Action = "block"
	ActionQuarantine Action = "quarantine"
	ActionAlert      Action = "alert"
	ActionLog        Action = "log"
	ActionScan       Action = "scan"
	ActionIsolate    Action = "isolate"
	ActionTerminate  Action = "terminate"
	ActionPatch      Action = "patch"
)

var validActions = map[Action]bool{
	ActionBlock: true, ActionQuarantine: true, ActionAlert: true,
	ActionLog: true, ActionScan: true, ActionIsolate: true,
	ActionTerminate: true, ActionPatch: true,
}

// Condition is one field comparison within a rule. All of a rule's
// conditions must hold for the rule to match.
type Condition struct {
	Field    string      `yaml:"field"`
	Operator Operator    `yaml:"operator"`
	Value    interface{} `yaml:"value"`

	// compiled regex for the matches operator, set during validation.
	re *regexp.Regexp
}

// TargetContainer is the only rule target currently evaluated; rules
// declaring another target are loaded but never run.
const TargetContainer = "container"

var validModes = map[string]bool{
	"permissive": true, "detection": true, "enforcement": true, "blocking": true,
}

// Rule pairs conditions with the actions taken when they all hold. Mode,
// when set, overrides the evaluator's enforcement level for this rule;
// Priority orders rules across policies, lowest first.
type Rule struct {
	ID          string         `yaml:"id"`
	Type        string         `yaml:"type"`
	Category    string         `yaml:"category"`
	Description string         `yaml:"description"`
	Severity    types.Severity `yaml:"severity"`
	Target      string         `yaml:"target"`
	Mode        string         `yaml:"mode"`
	Enabled     *bool          `yaml:"enabled"`
	Priority    int            `yaml:"priority"`
	Conditions  []Condition    `yaml:"conditions"`
	Actions     []Action       `yaml:"actions"`
}

// IsEnabled reports whether the rule participates in evaluation. Rules are
// enabled unless explicitly disabled.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Policy is a named, ordered list of rules loaded from YAML.
type Policy struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Rules       []Rule `yaml:"rules"`
}

// LoadPolicies reads every .yaml/.yml file under dir and returns the
// policies sorted by id, so evaluation order is stable regardless of
// filesystem ordering.
func LoadPolicies(dir string) ([]*Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindValidation, "policy_dir_unreadable", "reading policy dir %s", dir)
	}

	var policies []*Policy
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindValidation, "policy_unreadable", "reading policy %s", entry.Name())
		}
		policy, err := ParsePolicy(data)
		if err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindValidation, "policy_invalid", "policy %s", entry.Name())
		}
		policies = append(policies, policy)
	}

	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return policies, nil
}

// ParsePolicy unmarshals and validates a single YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Validate checks structure, operators, and actions, and compiles regex
// conditions.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("policy %s has no rules", p.ID)
	}
	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		rule := &p.Rules[i]
		if rule.ID == "" {
			return fmt.Errorf("policy %s: rule %d has no id", p.ID, i)
		}
		if seen[rule.ID] {
			return fmt.Errorf("policy %s: duplicate rule id %s", p.ID, rule.ID)
		}
		seen[rule.ID] = true
		if rule.Severity == "" {
			rule.Severity = types.SeverityMedium
		}
		if rule.Target == "" {
			rule.Target = TargetContainer
		}
		if rule.Mode != "" && !validModes[rule.Mode] {
			return fmt.Errorf("policy %s: rule %s has unknown mode %q", p.ID, rule.ID, rule.Mode)
		}
		if len(rule.Conditions) == 0 {
			return fmt.Errorf("policy %s: rule %s has no conditions", p.ID, rule.ID)
		}
		for j := range rule.Conditions {
			cond := &rule.Conditions[j]
			if cond.Field == "" {
				return fmt.Errorf("policy %s: rule %s condition %d has no field", p.ID, rule.ID, j)
			}
			if !validOperators[cond.Operator] {
				return fmt.Errorf("policy %s: rule %s has unknown operator %q", p.ID, rule.ID, cond.Operator)
			}
			if cond.Operator == OpMatches {
				pattern, ok := cond.Value.(string)
				if !ok {
					return fmt.Errorf("policy %s: rule %s matches value must be a string", p.ID, rule.ID)
				}
				re, err := regexp.Compile(pattern)
				if err != nil {
					return fmt.Errorf("policy %s: rule %s has invalid pattern: %w", p.ID, rule.ID, err)
				}
				cond.re = re
			}
		}
		if len(rule.Actions) == 0 {
			return fmt.Errorf("policy %s: rule %s has no actions", p.ID, rule.ID)
		}
		for _, action := range rule.Actions {
			if !validActions[action] {
				return fmt.Errorf("policy %s: rule %s has unknown action %q", p.ID, rule.ID, action)
			}
		}
	}
	return nil
}
