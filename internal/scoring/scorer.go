package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scorer resolves the model for a version and produces a clamped RiskScore.
type Scorer struct {
	registry *Registry
	timeout  time.Duration
}

// NewScorer creates a scorer. timeout bounds every model call; zero disables it.
func NewScorer(registry *Registry, timeout time.Duration) *Scorer {
	return &Scorer{registry: registry, timeout: timeout}
}

// Registry returns the model registry.
func (s *Scorer) Registry() *Registry {
	return s.registry
}

// Score runs the model registered for version. Models never see a different
// feature vector or rule result than the caller passed.
func (s *Scorer) Score(ctx context.Context, fv domain.FeatureVector, rules domain.RuleResult, version string) (domain.RiskScore, error) {
	model, err := s.registry.Lookup(version)
	if err != nil {
		return domain.RiskScore{}, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	raw, contributions, err := model.Score(ctx, Input{Features: fv, Rules: rules})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrScoringTimeout) {
			return domain.RiskScore{}, fmt.Errorf("%w: %v", domain.ErrScoringTimeout, err)
		}
		return domain.RiskScore{}, err
	}
	if math.IsNaN(raw) {
		return domain.RiskScore{}, fmt.Errorf("model %s produced NaN", version)
	}

	return domain.RiskScore{
		Value:         clamp(raw),
		ModelVersion:  version,
		Rules:         rules,
		Contributions: contributions,
	}, nil
}

// Replay re-scores an audit entry's stored features and rule result with the
// entry's model version and reports whether the score matches the recorded one.
func (s *Scorer) Replay(ctx context.Context, entry *domain.AuditEntry) (domain.RiskScore, bool, error) {
	if entry == nil {
		return domain.RiskScore{}, false, fmt.Errorf("%w: audit entry is nil", domain.ErrNotFound)
	}
	score, err := s.Score(ctx, entry.Features, entry.Rules, entry.Score.ModelVersion)
	if err != nil {
		return domain.RiskScore{}, false, err
	}
	return score, score.Value == entry.Score.Value, nil
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
