// Package rules provides the rule evaluation engine: declarative rule
// descriptors dispatched by kind, with CEL-Go for expression rules.
package rules

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles rule descriptors and evaluates them against feature vectors.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	current    *RuleSet
	maxWorkers int
}

// CompiledRule is a descriptor ready for evaluation.
type CompiledRule struct {
	Descriptor domain.RuleDescriptor
	Program    cel.Program

	listed map[string]struct{}
}

// RuleSet is an immutable, id-ordered set of compiled rules.
// A policy snapshot carries its own RuleSet, so a reload never changes the
// rules a running evaluation sees.
type RuleSet struct {
	rules []*CompiledRule
}

// Len returns the number of rules in the set.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// IDs returns the rule ids in evaluation order.
func (s *RuleSet) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, len(s.rules))
	for i, r := range s.rules {
		ids[i] = r.Descriptor.ID
	}
	return ids
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		current:    &RuleSet{},
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule checks and compiles a rule without changing loaded rules.
func (e *Engine) ValidateRule(desc domain.RuleDescriptor) error {
	_, err := e.compileRule(desc)
	return err
}

// Compile validates and compiles descriptors into a RuleSet. Disabled rules
// are validated but left out of the set.
func (e *Engine) Compile(descs []domain.RuleDescriptor) (*RuleSet, error) {
	set := &RuleSet{rules: make([]*CompiledRule, 0, len(descs))}
	seen := make(map[string]struct{}, len(descs))

	for _, desc := range descs {
		if _, dup := seen[desc.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rule id %s", domain.ErrInvalidPolicy, desc.ID)
		}
		seen[desc.ID] = struct{}{}

		compiled, err := e.compileRule(desc)
		if err != nil {
			return nil, err
		}
		if desc.Disabled {
			continue
		}
		set.rules = append(set.rules, compiled)
	}

	slices.SortFunc(set.rules, func(a, b *CompiledRule) int {
		return cmp.Compare(a.Descriptor.ID, b.Descriptor.ID)
	})
	return set, nil
}

// LoadRules compiles descriptors and swaps them in as the engine's current set.
// On error the previous set stays loaded.
func (e *Engine) LoadRules(descs []domain.RuleDescriptor) error {
	set, err := e.Compile(descs)
	if err != nil {
		return err
	}

	e.ReloadRules(set)
	return nil
}

// ReloadRules swaps in an already compiled set. A nil set unloads every rule.
func (e *Engine) ReloadRules(set *RuleSet) {
	if set == nil {
		set = &RuleSet{}
	}
	e.mu.Lock()
	e.current = set
	e.mu.Unlock()
}

// Rules returns the currently loaded set.
func (e *Engine) Rules() *RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return e.Rules().Len()
}

// Evaluate runs the currently loaded rules.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction, fv domain.FeatureVector, weights map[string]float64) (domain.RuleResult, error) {
	return e.EvaluateSet(ctx, e.Rules(), tx, fv, weights)
}

// EvaluateSet runs every rule in set, in parallel, and returns the hits in
// rule id order. Evaluation never short-circuits. A rule's weight comes from
// weights; unlisted rules weigh 0.
func (e *Engine) EvaluateSet(ctx context.Context, set *RuleSet, tx *domain.Transaction, fv domain.FeatureVector, weights map[string]float64) (domain.RuleResult, error) {
	if tx == nil {
		return domain.RuleResult{}, fmt.Errorf("%w: transaction is nil", domain.ErrRuleEvaluation)
	}
	if fv == nil {
		return domain.RuleResult{}, fmt.Errorf("%w: feature vector is nil", domain.ErrRuleEvaluation)
	}

	result := domain.RuleResult{
		Evaluated: set.IDs(),
		Triggered: []domain.RuleHit{},
	}
	if set.Len() == 0 {
		return result, nil
	}

	activation := map[string]any{
		"features": featureMap(fv),
		"tx":       txMap(tx),
	}

	type outcome struct {
		hit    bool
		detail string
		err    error
	}
	outcomes := make([]outcome, len(set.rules))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range set.rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			hit, detail, err := evaluateRule(r, tx, fv, activation)
			outcomes[idx] = outcome{hit: hit, detail: detail, err: err}
		}(i, rule)
	}

	wg.Wait()

	for i, o := range outcomes {
		rule := set.rules[i]
		if o.err != nil {
			return domain.RuleResult{}, fmt.Errorf("%w: rule %s: %v", domain.ErrRuleEvaluation, rule.Descriptor.ID, o.err)
		}
		if !o.hit {
			continue
		}
		result.Triggered = append(result.Triggered, domain.RuleHit{
			RuleID: rule.Descriptor.ID,
			Kind:   rule.Descriptor.Kind,
			Weight: weights[rule.Descriptor.ID],
			Detail: o.detail,
		})
	}

	return result, nil
}

func (e *Engine) compileRule(desc domain.RuleDescriptor) (*CompiledRule, error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPolicy, err)
	}

	compiled := &CompiledRule{Descriptor: desc}
	compiled.Descriptor.Addresses = append([]string(nil), desc.Addresses...)

	switch desc.Kind {
	case domain.RuleSanctions:
		compiled.listed = make(map[string]struct{}, len(desc.Addresses))
		for _, a := range desc.Addresses {
			compiled.listed[a] = struct{}{}
		}

	case domain.RuleExpression:
		ast, issues := e.env.Compile(desc.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidPolicy, desc.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s", domain.ErrInvalidPolicy, desc.ID, ast.OutputType())
		}
		program, err := e.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create program for rule %s: %v", domain.ErrInvalidPolicy, desc.ID, err)
		}
		compiled.Program = program
	}

	return compiled, nil
}

// evaluateRule dispatches on the rule kind. "No match" is (false, "", nil).
func evaluateRule(r *CompiledRule, tx *domain.Transaction, fv domain.FeatureVector, activation map[string]any) (bool, string, error) {
	d := &r.Descriptor

	switch d.Kind {
	case domain.RuleSanctions:
		for _, addr := range tx.Addresses() {
			if _, ok := r.listed[addr]; ok {
				return true, "sanctioned address " + addr, nil
			}
		}
		return false, "", nil

	case domain.RuleThreshold:
		v, ok := fv.Get(d.Feature)
		if !ok {
			return false, "", fmt.Errorf("feature %s missing", d.Feature)
		}
		if compare(v, d.Operator, d.Value) {
			return true, fmt.Sprintf("%s=%g %s %g", d.Feature, v, d.Operator, d.Value), nil
		}
		return false, "", nil

	case domain.RuleStructuring:
		return structuring(d, tx)

	case domain.RuleVelocity:
		v, ok := fv.Get(domain.FeatureVelocityMax)
		if !ok {
			return false, "", fmt.Errorf("feature %s missing", domain.FeatureVelocityMax)
		}
		if v >= d.Limit {
			return true, fmt.Sprintf("velocity %g >= %g", v, d.Limit), nil
		}
		return false, "", nil

	case domain.RuleCounterparty:
		v, ok := fv.Get(domain.FeatureCounterpartyRiskMax)
		if !ok {
			return false, "", fmt.Errorf("feature %s missing", domain.FeatureCounterpartyRiskMax)
		}
		if v >= d.Value {
			return true, fmt.Sprintf("counterparty risk %g >= %g", v, d.Value), nil
		}
		return false, "", nil

	case domain.RuleExpression:
		out, _, err := r.Program.Eval(activation)
		if err != nil {
			return false, "", err
		}
		b, ok := out.(types.Bool)
		if !ok {
			return false, "", fmt.Errorf("expression returned %s, want bool", out.Type())
		}
		if b {
			return true, d.Expression, nil
		}
		return false, "", nil
	}

	return false, "", fmt.Errorf("unknown rule kind %q", d.Kind)
}

// structuring counts outputs in [limit*(1-band), limit).
func structuring(d *domain.RuleDescriptor, tx *domain.Transaction) (bool, string, error) {
	minCount := d.MinCount
	if minCount <= 0 {
		minCount = 2
	}
	floor := d.Limit * (1 - d.Band)

	var n int
	for _, out := range tx.Outputs {
		v := float64(out.Value)
		if v >= floor && v < d.Limit {
			n++
		}
	}
	if n >= minCount {
		return true, fmt.Sprintf("%d outputs just below %g", n, d.Limit), nil
	}
	return false, "", nil
}

func compare(v float64, op string, ref float64) bool {
	switch op {
	case domain.OpGreater:
		return v > ref
	case domain.OpGreaterEqual:
		return v >= ref
	case domain.OpLess:
		return v < ref
	case domain.OpLessEqual:
		return v <= ref
	case domain.OpEqual:
		return v == ref
	}
	return false
}

func featureMap(fv domain.FeatureVector) map[string]any {
	m := make(map[string]any, len(fv))
	for k, v := range fv {
		m[k] = v
	}
	return m
}

func txMap(tx *domain.Transaction) map[string]any {
	inputs := make([]any, len(tx.Inputs))
	for i, in := range tx.Inputs {
		inputs[i] = map[string]any{"address": in.Address, "value": in.Value}
	}
	outputs := make([]any, len(tx.Outputs))
	for i, out := range tx.Outputs {
		outputs[i] = map[string]any{"address": out.Address, "value": out.Value}
	}
	return map[string]any{
		"id":        tx.ID,
		"chain_id":  tx.ChainID,
		"inputs":    inputs,
		"outputs":   outputs,
		"fee":       tx.Fee,
		"timestamp": tx.Timestamp.Unix(),
	}
}
