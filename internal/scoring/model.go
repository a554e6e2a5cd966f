// Package scoring turns rule results and features into a risk score through
// versioned, swappable models.
package scoring

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Input is everything a model may read. Models are pure functions of Input
// and their own parameters.
type Input struct {
	Features domain.FeatureVector `json:"features"`
	Rules    domain.RuleResult    `json:"rules"`
}

// Model is one scoring function. Score may return a raw value outside [0,1];
// the Scorer clamps it.
type Model interface {
	Version() string
	Score(ctx context.Context, in Input) (float64, []domain.RuleContribution, error)
}

// Registry is the lookup table of models keyed by version string.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewRegistry creates a registry holding models.
func NewRegistry(models ...Model) (*Registry, error) {
	r := &Registry{models: make(map[string]Model)}
	for _, m := range models {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a model. Versions are unique.
func (r *Registry) Register(m Model) error {
	if m == nil || m.Version() == "" {
		return fmt.Errorf("model version is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[m.Version()]; exists {
		return fmt.Errorf("model %s already registered", m.Version())
	}
	r.models[m.Version()] = m
	return nil
}

// Lookup resolves a version to its model.
func (r *Registry) Lookup(version string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[version]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownModelVersion, version)
	}
	return m, nil
}

// Has reports whether version is registered.
func (r *Registry) Has(version string) bool {
	_, err := r.Lookup(version)
	return err == nil
}

// Versions lists registered versions in sorted order.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := make([]string, 0, len(r.models))
	for v := range r.models {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions
}

// DefaultRegistry registers the built-in v1 and v2 models.
func DefaultRegistry() *Registry {
	r, _ := NewRegistry(NewWeightedSum(), NewLogistic())
	return r
}
