package policy

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

type memPolicies struct {
	mu       sync.Mutex
	saved    []*domain.Policy
	failSave bool
}

func (m *memPolicies) SavePolicy(ctx context.Context, p *domain.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.New("disk full")
	}
	m.saved = append(m.saved, p.Clone())
	return nil
}

func (m *memPolicies) LatestPolicy(ctx context.Context) (*domain.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return nil, domain.ErrNotFound
	}
	return m.saved[len(m.saved)-1].Clone(), nil
}

func newStore(t *testing.T, store domain.PolicyStore, path string) *Store {
	t.Helper()
	engine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return NewStore(engine, scoring.DefaultRegistry(), store, path)
}

const policyYAML = `
version: "2024-06-01"
modelVersion: v2
thresholds:
  low: 0.3
  high: 0.8
weights:
  sanctioned: 1.0
  big: 0.4
rules:
  - id: sanctioned
    kind: sanctions
    addresses: [bc1qsanctioned]
  - id: big
    kind: threshold
    feature: total_value
    operator: gte
    value: 500000000
  - id: legacy
    kind: velocity
    limit: 5
    disabled: true
`

func TestDefaultPolicyIsValid(t *testing.T) {
	s := newStore(t, nil, "")
	snap, err := s.Apply(context.Background(), Default())
	if err != nil {
		t.Fatalf("default policy rejected: %v", err)
	}
	if snap.Rules.Len() != len(Default().Rules) {
		t.Errorf("expected %d rules, got %d", len(Default().Rules), snap.Rules.Len())
	}
}

func TestShippedPolicyFile(t *testing.T) {
	s := newStore(t, nil, filepath.Join("..", "..", "policy.yaml"))
	snap, err := s.Reload(context.Background())
	if err != nil {
		t.Fatalf("shipped policy rejected: %v", err)
	}

	// The sanctions placeholder ships disabled.
	ids := snap.Rules.IDs()
	if len(ids) != len(Default().Rules) {
		t.Errorf("expected %d active rules, got %v", len(Default().Rules), ids)
	}
	for _, id := range ids {
		if id == "sanctions" {
			t.Error("sanctions placeholder must not be active")
		}
	}
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	mem := &memPolicies{}
	s := newStore(t, mem, "")

	if s.Current() != nil {
		t.Fatal("expected no snapshot before first apply")
	}

	p, err := Parse([]byte(policyYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	snap, err := s.Apply(ctx, p)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if s.Current() != snap {
		t.Error("expected applied snapshot to be live")
	}
	if got := snap.Rules.IDs(); len(got) != 2 || got[0] != "big" || got[1] != "sanctioned" {
		t.Errorf("expected enabled rules [big sanctioned], got %v", got)
	}
	if snap.Policy.CreatedAt.IsZero() {
		t.Error("expected createdAt to be stamped")
	}
	if s.engine.Rules() != snap.Rules {
		t.Error("expected engine to hold the applied rule set")
	}
	if len(mem.saved) != 1 || mem.saved[0].Version != "2024-06-01" {
		t.Errorf("expected policy to be persisted, got %d saved", len(mem.saved))
	}

	t.Run("SnapshotIsolatedFromCaller", func(t *testing.T) {
		p.Weights["big"] = 0.9
		if snap.Policy.Weight("big") != 0.4 {
			t.Errorf("live snapshot changed through caller's policy: %v", snap.Policy.Weight("big"))
		}
	})
}

func TestApplyRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	mem := &memPolicies{}
	s := newStore(t, mem, "")

	good, err := s.Apply(ctx, Default())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	mutate := func(f func(p *domain.Policy)) *domain.Policy {
		p := Default()
		p.Version = "broken"
		f(p)
		return p
	}

	tests := []struct {
		name   string
		policy *domain.Policy
		target error
	}{
		{"InvertedThresholds", mutate(func(p *domain.Policy) { p.Thresholds = domain.Thresholds{Low: 0.9, High: 0.2} }), domain.ErrInvalidPolicy},
		{"WeightOutOfRange", mutate(func(p *domain.Policy) { p.Weights["velocity"] = 1.5 }), domain.ErrInvalidPolicy},
		{"NaNThresholds", mutate(func(p *domain.Policy) { p.Thresholds = domain.Thresholds{Low: math.NaN(), High: math.NaN()} }), domain.ErrInvalidPolicy},
		{"NaNHighThreshold", mutate(func(p *domain.Policy) { p.Thresholds.High = math.NaN() }), domain.ErrInvalidPolicy},
		{"InfiniteThreshold", mutate(func(p *domain.Policy) { p.Thresholds.High = math.Inf(1) }), domain.ErrInvalidPolicy},
		{"NaNWeight", mutate(func(p *domain.Policy) { p.Weights["velocity"] = math.NaN() }), domain.ErrInvalidPolicy},
		{"InfiniteWeight", mutate(func(p *domain.Policy) { p.Weights["velocity"] = math.Inf(1) }), domain.ErrInvalidPolicy},
		{"UnknownModel", mutate(func(p *domain.Policy) { p.ModelVersion = "v9" }), domain.ErrUnknownModelVersion},
		{"BadExpression", mutate(func(p *domain.Policy) {
			p.Rules = append(p.Rules, domain.RuleDescriptor{ID: "bad", Kind: domain.RuleExpression, Expression: "features[ >"})
		}), domain.ErrInvalidPolicy},
		{"NonBoolExpression", mutate(func(p *domain.Policy) {
			p.Rules = append(p.Rules, domain.RuleDescriptor{ID: "num", Kind: domain.RuleExpression, Expression: `features["fee"] + 1.0`})
		}), domain.ErrInvalidPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Apply(ctx, tt.policy)
			if !errors.Is(err, tt.target) {
				t.Errorf("expected %v, got %v", tt.target, err)
			}
			if s.Current() != good {
				t.Error("rejected policy must leave the previous snapshot live")
			}
		})
	}

	if len(mem.saved) != 1 {
		t.Errorf("rejected policies must not be persisted, got %d saved", len(mem.saved))
	}

	t.Run("NaNThresholdsFromYAML", func(t *testing.T) {
		p, err := Parse([]byte("version: nan\nmodelVersion: v1\nthresholds: {low: .nan, high: .nan}\n"))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if _, err := s.Apply(ctx, p); !errors.Is(err, domain.ErrInvalidPolicy) {
			t.Errorf("expected ErrInvalidPolicy, got %v", err)
		}
		if s.Current() != good {
			t.Error("rejected policy must leave the previous snapshot live")
		}
	})

	t.Run("PersistFailure", func(t *testing.T) {
		mem.failSave = true
		defer func() { mem.failSave = false }()

		p := Default()
		p.Version = "unsaved"
		if _, err := s.Apply(ctx, p); err == nil {
			t.Fatal("expected persist error")
		}
		if s.Current() != good {
			t.Error("unpersisted policy must not go live")
		}
	})
}

func TestReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(policyYAML), 0644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	s := newStore(t, nil, path)
	if _, err := s.Apply(ctx, Default()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	snap, err := s.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if snap.Policy.Version != "2024-06-01" || snap.Policy.ModelVersion != "v2" {
		t.Errorf("unexpected reloaded policy: %s/%s", snap.Policy.Version, snap.Policy.ModelVersion)
	}

	t.Run("BrokenFileKeepsSnapshot", func(t *testing.T) {
		if err := os.WriteFile(path, []byte("rules: [\n"), 0644); err != nil {
			t.Fatalf("failed to write policy: %v", err)
		}
		if _, err := s.Reload(ctx); !errors.Is(err, domain.ErrInvalidPolicy) {
			t.Errorf("expected ErrInvalidPolicy, got %v", err)
		}
		if s.Current() != snap {
			t.Error("broken file must leave the previous snapshot live")
		}
	})

	t.Run("NoPath", func(t *testing.T) {
		if _, err := newStore(t, nil, "").Reload(ctx); err == nil {
			t.Error("expected error without a policy path")
		}
	})
}

func TestRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("PrefersPersisted", func(t *testing.T) {
		mem := &memPolicies{}
		p, _ := Parse([]byte(policyYAML))
		mem.saved = append(mem.saved, p)

		snap, err := newStore(t, mem, "").Restore(ctx)
		if err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if snap.Policy.Version != "2024-06-01" {
			t.Errorf("expected persisted policy, got %s", snap.Policy.Version)
		}
	})

	t.Run("FallsBackToFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		if err := os.WriteFile(path, []byte(policyYAML), 0644); err != nil {
			t.Fatalf("failed to write policy: %v", err)
		}
		snap, err := newStore(t, &memPolicies{}, path).Restore(ctx)
		if err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if snap.Policy.Version != "2024-06-01" {
			t.Errorf("expected file policy, got %s", snap.Policy.Version)
		}
	})

	t.Run("FallsBackToDefault", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing.yaml")
		snap, err := newStore(t, &memPolicies{}, path).Restore(ctx)
		if err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if snap.Policy.Version != "default" {
			t.Errorf("expected default policy, got %s", snap.Policy.Version)
		}
	})
}
