// Package policy holds the live, versioned policy snapshot and swaps it
// atomically on reload.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Snapshot is an immutable policy paired with its compiled rules.
// A scoring run reads one snapshot from start to finish.
type Snapshot struct {
	Policy *domain.Policy
	Rules  *rules.RuleSet
}

// ModelRegistry reports which model versions can serve a policy.
type ModelRegistry interface {
	Has(version string) bool
}

// Store owns the live snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]

	// mu serializes Apply so persisted order matches swap order.
	mu     sync.Mutex
	engine *rules.Engine
	models ModelRegistry
	store  domain.PolicyStore
	path   string
	now    func() time.Time
}

// NewStore creates a store. store may be nil, in which case applied
// policies are kept in memory only.
func NewStore(engine *rules.Engine, models ModelRegistry, store domain.PolicyStore, path string) *Store {
	return &Store{
		engine: engine,
		models: models,
		store:  store,
		path:   path,
		now:    time.Now,
	}
}

// Current returns the live snapshot, nil before the first Apply.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Apply validates p, compiles its rules, persists it and makes it live.
// On any error the previous snapshot stays live.
func (s *Store) Apply(ctx context.Context, p *domain.Policy) (*Snapshot, error) {
	snap, err := s.apply(ctx, p)
	if err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.PolicyReloadsTotal.WithLabelValues("applied").Inc()
	metrics.ActiveRules.Set(float64(snap.Rules.Len()))
	return snap, nil
}

func (s *Store) apply(ctx context.Context, p *domain.Policy) (*Snapshot, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !s.models.Has(p.ModelVersion) {
		return nil, fmt.Errorf("%w: %w: %s", domain.ErrInvalidPolicy, domain.ErrUnknownModelVersion, p.ModelVersion)
	}

	p = p.Clone()
	set, err := s.engine.Compile(p.Rules)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p.CreatedAt = s.now().UTC()
	if s.store != nil {
		if err := s.store.SavePolicy(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to persist policy %s: %w", p.Version, err)
		}
	}

	snap := &Snapshot{Policy: p, Rules: set}
	prev := s.current.Swap(snap)
	s.engine.ReloadRules(set)

	attrs := []any{
		"version", p.Version,
		"model_version", p.ModelVersion,
		"rules_count", set.Len(),
		"low", p.Thresholds.Low,
		"high", p.Thresholds.High,
	}
	if prev != nil {
		attrs = append(attrs, "previous_version", prev.Policy.Version)
	}
	slog.Info("policy applied", attrs...)

	return snap, nil
}

// Reload re-reads the policy file and applies it.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	if s.path == "" {
		return nil, fmt.Errorf("%w: no policy file configured", domain.ErrInvalidPolicy)
	}
	p, err := LoadFile(s.path)
	if err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	return s.Apply(ctx, p)
}

// Restore brings up the first snapshot: the most recently persisted policy,
// else the policy file, else the built-in default.
func (s *Store) Restore(ctx context.Context) (*Snapshot, error) {
	if s.store != nil {
		p, err := s.store.LatestPolicy(ctx)
		switch {
		case err == nil:
			slog.Info("restoring persisted policy", "version", p.Version)
			return s.Apply(ctx, p)
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("failed to load persisted policy: %w", err)
		}
	}

	if s.path != "" {
		p, err := LoadFile(s.path)
		if err == nil {
			return s.Apply(ctx, p)
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		slog.Warn("policy file not found, using default policy", "path", s.path)
	}

	return s.Apply(ctx, Default())
}

// LoadFile parses a YAML policy file. It does not validate.
func LoadFile(path string) (*domain.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML policy document.
func Parse(data []byte) (*domain.Policy, error) {
	var p domain.Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: failed to parse policy: %v", domain.ErrInvalidPolicy, err)
	}
	return &p, nil
}
