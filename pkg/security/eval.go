package security

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/metrics"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

// Target is the attribute view of a container an evaluation runs against.
// Fields address attributes by name; values are strings, numbers, bools, or
// string lists.
type Target struct {
	ContainerID string
	Attributes  map[string]interface{}
}

// Responder carries out the non-recording actions a matched rule requests.
// The pool manager implements it; tests use a recording fake.
type Responder interface {
	Quarantine(ctx context.Context, containerID, reason string) error
	Isolate(ctx context.Context, containerID string) error
	Terminate(ctx context.Context, containerID string) error
	RequestScan(ctx context.Context, containerID string, scanType types.ScanType) error
	RaiseAlert(ctx context.Context, severity types.Severity, source, message string) error
	Patch(ctx context.Context, containerID, ruleID string) error
}

// Outcome summarizes one evaluation pass.
type Outcome struct {
	Matched []string
	Blocked bool
	// NewViolations counts violations recorded this pass; re-detections of
	// still-open violations are deduplicated by the store.
	NewViolations int
}

// Evaluator applies loaded policies to container targets, records
// violations, and dispatches response actions gated by the configured
// enforcement level.
type Evaluator struct {
	cfg       config.SecurityConfig
	policies  []*Policy
	rules     []boundRule
	store     storage.Store
	responder Responder
	logger    zerolog.Logger
}

// boundRule pairs a rule with its owning policy for the flattened
// evaluation order.
type boundRule struct {
	policy *Policy
	rule   *Rule
}

// NewEvaluator builds an evaluator over the given policies.
func NewEvaluator(cfg config.SecurityConfig, policies []*Policy, store storage.Store, responder Responder) *Evaluator {
	return &Evaluator{
		cfg:       cfg,
		policies:  policies,
		rules:     orderRules(policies),
		store:     store,
		responder: responder,
		logger:    log.WithComponent("security"),
	}
}

// orderRules flattens the policies into one evaluation order: ascending
// rule priority, ties broken by policy id then declaration order. Disabled
// rules and rules targeting anything but containers are left out.
func orderRules(policies []*Policy) []boundRule {
	var rules []boundRule
	for _, policy := range policies {
		for i := range policy.Rules {
			rule := &policy.Rules[i]
			if !rule.IsEnabled() || (rule.Target != "" && rule.Target != TargetContainer) {
				continue
			}
			rules = append(rules, boundRule{policy: policy, rule: rule})
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].rule.Priority < rules[j].rule.Priority
	})
	return rules
}

// levelAllows gates actions by enforcement level: permissive only logs,
// detection records and alerts, enforcement adds containment, blocking adds
// admission blocks.
func levelAllows(level string, action Action) bool {
	switch level {
	case "permissive":
		return action == ActionLog
	case "detection":
		return action == ActionLog || action == ActionAlert || action == ActionScan
	case "enforcement":
		return action != ActionBlock
	default: // blocking
		return true
	}
}

// Evaluate runs the flattened rule order against the target. Identical
// inputs always produce identical outcomes.
func (e *Evaluator) Evaluate(ctx context.Context, target Target) (*Outcome, error) {
	outcome := &Outcome{}
	for _, bound := range e.rules {
		if !ruleMatches(bound.rule, target.Attributes) {
			continue
		}
		outcome.Matched = append(outcome.Matched, bound.rule.ID)
		if err := e.applyRule(ctx, bound.policy, bound.rule, target, outcome); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func (e *Evaluator) applyRule(ctx context.Context, policy *Policy, rule *Rule, target Target, outcome *Outcome) error {
	inserted, err := e.store.InsertViolation(ctx, &types.Violation{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		ContainerID: target.ContainerID,
		Severity:    rule.Severity,
		Message:     rule.Description,
		DetectedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if inserted {
		outcome.NewViolations++
		metrics.SecurityViolations.WithLabelValues(string(rule.Severity)).Inc()
	}

	level := rule.Mode
	if level == "" {
		level = e.cfg.Level
	}
	for _, action := range rule.Actions {
		if !levelAllows(level, action) {
			continue
		}
		if err := e.runAction(ctx, action, rule, target); err != nil {
			log.Err(e.logger.Error(), err).
				Str("rule_id", rule.ID).
				Str("action", string(action)).
				Str("container_id", target.ContainerID).
				Msg("Security action failed")
			continue
		}
		if action == ActionBlock {
			outcome.Blocked = true
			// A block ends the rule's action list.
			break
		}
	}
	return nil
}

func (e *Evaluator) runAction(ctx context.Context, action Action, rule *Rule, target Target) error {
	switch action {
	case ActionLog, ActionBlock:
		e.logger.Warn().
			Str("rule_id", rule.ID).
			Str("container_id", target.ContainerID).
			Str("severity", string(rule.Severity)).
			Str("action", string(action)).
			Msg(rule.Description)
		return nil
	case ActionQuarantine:
		return e.responder.Quarantine(ctx, target.ContainerID, rule.Description)
	case ActionIsolate:
		return e.responder.Isolate(ctx, target.ContainerID)
	case ActionTerminate:
		return e.responder.Terminate(ctx, target.ContainerID)
	case ActionScan:
		return e.responder.RequestScan(ctx, target.ContainerID, types.ScanVulnerability)
	case ActionAlert:
		msg := fmt.Sprintf("security rule %s matched container %s: %s", rule.ID, target.ContainerID, rule.Description)
		return e.responder.RaiseAlert(ctx, rule.Severity, "security", msg)
	case ActionPatch:
		return e.responder.Patch(ctx, target.ContainerID, rule.ID)
	}
	return nil
}

// RecomputeProfile rebuilds a container's risk profile from its open
// violations, recent scans, and runtime posture, persisting the result.
func (e *Evaluator) RecomputeProfile(ctx context.Context, containerID string, posture Posture) (*types.SecurityProfile, error) {
	violations, err := e.store.ListOpenViolations(ctx, containerID)
	if err != nil {
		return nil, err
	}
	scans, err := e.store.ListScanResults(ctx, containerID)
	if err != nil {
		return nil, err
	}

	score := RiskScore(violations, scans, posture)
	status := StatusFor(score, violations)

	policyIDs := make([]string, 0, len(e.policies))
	for _, p := range e.policies {
		policyIDs = append(policyIDs, p.ID)
	}

	profile := &types.SecurityProfile{
		ContainerID: containerID,
		PolicyIDs:   policyIDs,
		RiskScore:   score,
		Status:      status,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := e.store.UpsertSecurityProfile(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

func ruleMatches(rule *Rule, attrs map[string]interface{}) bool {
	for i := range rule.Conditions {
		if !conditionHolds(&rule.Conditions[i], attrs) {
			return false
		}
	}
	return true
}

// conditionHolds evaluates one comparison. Missing attributes never match.
func conditionHolds(cond *Condition, attrs map[string]interface{}) bool {
	raw, ok := attrs[cond.Field]
	if !ok {
		return false
	}

	switch cond.Operator {
	case OpEquals:
		return equalValues(raw, cond.Value)
	case OpNotEquals:
		return !equalValues(raw, cond.Value)
	case OpContains:
		return containsValue(raw, cond.Value)
	case OpNotContains:
		return !containsValue(raw, cond.Value)
	case OpStartsWith:
		return strings.HasPrefix(asString(raw), asString(cond.Value))
	case OpEndsWith:
		return strings.HasSuffix(asString(raw), asString(cond.Value))
	case OpMatches:
		if cond.re == nil {
			return false
		}
		return cond.re.MatchString(asString(raw))
	case OpGreaterThan:
		a, aok := asNumber(raw)
		b, bok := asNumber(cond.Value)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := asNumber(raw)
		b, bok := asNumber(cond.Value)
		return aok && bok && a < b
	case OpIn:
		return valueInList(raw, cond.Value)
	case OpNotIn:
		return !valueInList(raw, cond.Value)
	}
	return false
}

func equalValues(a, b interface{}) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	return asString(a) == asString(b)
}

// containsValue handles both substring checks and list membership.
func containsValue(raw, want interface{}) bool {
	switch v := raw.(type) {
	case []string:
		for _, item := range v {
			if item == asString(want) {
				return true
			}
		}
		return false
	case []interface{}:
		for _, item := range v {
			if equalValues(item, want) {
				return true
			}
		}
		return false
	default:
		return strings.Contains(asString(raw), asString(want))
	}
}

func valueInList(raw, list interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if equalValues(raw, item) {
			return true
		}
	}
	return false
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
