package domain

import (
	"fmt"
	"maps"
	"time"
)

// Policy is a versioned configuration snapshot: rule descriptors, the weight
// table, the threshold pair and the active model version. It is passed
// explicitly into evaluation, scoring and decision.
type Policy struct {
	Version      string             `json:"version" yaml:"version"`
	ModelVersion string             `json:"modelVersion" yaml:"modelVersion"`
	Thresholds   Thresholds         `json:"thresholds" yaml:"thresholds"`
	Weights      map[string]float64 `json:"weights" yaml:"weights"`
	Rules        []RuleDescriptor   `json:"rules" yaml:"rules"`
	CreatedAt    time.Time          `json:"createdAt,omitempty" yaml:"-"`
}

// Weight returns the configured weight for a rule. Unlisted rules weigh 0.
func (p *Policy) Weight(ruleID string) float64 {
	return p.Weights[ruleID]
}

// Validate checks structure and ranges. It does not compile expressions.
func (p *Policy) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: policy is nil", ErrInvalidPolicy)
	}
	if p.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidPolicy)
	}
	if p.ModelVersion == "" {
		return fmt.Errorf("%w: modelVersion is required", ErrInvalidPolicy)
	}
	if err := p.Thresholds.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	for id, w := range p.Weights {
		if !finite(w) || w < 0 || w > 1 {
			return fmt.Errorf("%w: weight for %s must be in [0,1], got %v", ErrInvalidPolicy, id, w)
		}
	}
	ids := make(map[string]struct{}, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		if _, dup := ids[r.ID]; dup {
			return fmt.Errorf("%w: duplicate rule id %s", ErrInvalidPolicy, r.ID)
		}
		ids[r.ID] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy so a live snapshot can't be mutated through a caller.
func (p *Policy) Clone() *Policy {
	c := *p
	c.Weights = maps.Clone(p.Weights)
	c.Rules = make([]RuleDescriptor, len(p.Rules))
	for i, r := range p.Rules {
		r.Addresses = append([]string(nil), r.Addresses...)
		c.Rules[i] = r
	}
	return &c
}
