package domain

import (
	"fmt"
	"slices"
)

// RuleKind tags a rule descriptor. New rules are new descriptors, not new types.
type RuleKind string

const (
	// RuleSanctions triggers when any input or output address is listed.
	RuleSanctions RuleKind = "sanctions"

	// RuleThreshold compares one feature against a constant.
	RuleThreshold RuleKind = "threshold"

	// RuleStructuring triggers when several outputs sit just below a reporting limit.
	RuleStructuring RuleKind = "structuring"

	// RuleVelocity triggers when a counterparty's recent activity reaches a limit.
	RuleVelocity RuleKind = "velocity"

	// RuleCounterparty triggers when a counterparty's known risk reaches a level.
	RuleCounterparty RuleKind = "counterparty"

	// RuleExpression evaluates a CEL boolean expression over features and tx.
	RuleExpression RuleKind = "expression"
)

// Comparison operators for threshold rules.
const (
	OpGreater      = "gt"
	OpGreaterEqual = "gte"
	OpLess         = "lt"
	OpLessEqual    = "lte"
	OpEqual        = "eq"
)

// RuleDescriptor is one rule in a policy. Only the fields relevant to Kind are read.
type RuleDescriptor struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        RuleKind `json:"kind" yaml:"kind"`
	Disabled    bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// sanctions
	Addresses []string `json:"addresses,omitempty" yaml:"addresses,omitempty"`

	// threshold, counterparty
	Feature  string  `json:"feature,omitempty" yaml:"feature,omitempty"`
	Operator string  `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    float64 `json:"value,omitempty" yaml:"value,omitempty"`

	// structuring, velocity
	Limit    float64 `json:"limit,omitempty" yaml:"limit,omitempty"`
	Band     float64 `json:"band,omitempty" yaml:"band,omitempty"`
	MinCount int     `json:"minCount,omitempty" yaml:"minCount,omitempty"`

	// expression
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

var knownOperators = []string{OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual}

// Validate checks the parameters the rule's kind needs.
// CEL expressions are compiled separately by the rule engine.
func (d *RuleDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	switch d.Kind {
	case RuleSanctions:
		if len(d.Addresses) == 0 {
			return fmt.Errorf("rule %s: sanctions rule needs at least one address", d.ID)
		}
	case RuleThreshold:
		if d.Feature == "" {
			return fmt.Errorf("rule %s: threshold rule needs a feature", d.ID)
		}
		if !slices.Contains(knownOperators, d.Operator) {
			return fmt.Errorf("rule %s: unknown operator %q", d.ID, d.Operator)
		}
	case RuleStructuring:
		if d.Limit <= 0 {
			return fmt.Errorf("rule %s: structuring rule needs a positive limit", d.ID)
		}
		if d.Band <= 0 || d.Band >= 1 {
			return fmt.Errorf("rule %s: structuring band must be in (0,1)", d.ID)
		}
	case RuleVelocity:
		if d.Limit <= 0 {
			return fmt.Errorf("rule %s: velocity rule needs a positive limit", d.ID)
		}
	case RuleCounterparty:
		if d.Value < 0 || d.Value > 1 {
			return fmt.Errorf("rule %s: counterparty risk level must be in [0,1]", d.ID)
		}
	case RuleExpression:
		if d.Expression == "" {
			return fmt.Errorf("rule %s: expression rule needs an expression", d.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown kind %q", d.ID, d.Kind)
	}
	return nil
}

// RuleHit records one triggered rule and the weight it carried at evaluation time.
type RuleHit struct {
	RuleID string   `json:"ruleId"`
	Kind   RuleKind `json:"kind"`
	Weight float64  `json:"weight"`
	Detail string   `json:"detail,omitempty"`
}

// RuleResult is the complete outcome of evaluating every loaded rule.
// Evaluated lists every rule id that ran, so audit entries show the full set.
type RuleResult struct {
	Evaluated []string  `json:"evaluated"`
	Triggered []RuleHit `json:"triggered"`
}

// Has reports whether the rule triggered.
func (r RuleResult) Has(ruleID string) bool {
	for _, h := range r.Triggered {
		if h.RuleID == ruleID {
			return true
		}
	}
	return false
}

// TotalWeight sums the weights of triggered rules.
func (r RuleResult) TotalWeight() float64 {
	var total float64
	for _, h := range r.Triggered {
		total += h.Weight
	}
	return total
}

// TriggeredIDs returns the ids of triggered rules.
func (r RuleResult) TriggeredIDs() []string {
	ids := make([]string, len(r.Triggered))
	for i, h := range r.Triggered {
		ids[i] = h.RuleID
	}
	return ids
}
