package scoring

import (
	"context"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Logistic is the v2 model:
//
//	sigmoid(Bias + Gain*sum(weights) + sum(Coefficients[f]*features[f]))
//
// Gain is positive so the score is monotone in every rule weight.
type Logistic struct {
	version      string
	Bias         float64
	Gain         float64
	Coefficients map[string]float64
}

// NewLogistic returns the v2 model with default parameters.
func NewLogistic() *Logistic {
	return &Logistic{
		version: "v2",
		Bias:    -4,
		Gain:    8,
		Coefficients: map[string]float64{
			domain.FeatureCounterpartyRiskMax:   3,
			domain.FeatureRoundValueRatio:       0.5,
			domain.FeatureNewCounterparties:     0.1,
			domain.FeatureUnknownCounterparties: 0.05,
		},
	}
}

// Version implements Model.
func (m *Logistic) Version() string { return m.version }

// Score implements Model.
func (m *Logistic) Score(ctx context.Context, in Input) (float64, []domain.RuleContribution, error) {
	z := m.Bias

	contributions := make([]domain.RuleContribution, 0, len(in.Rules.Triggered))
	for _, hit := range in.Rules.Triggered {
		c := m.Gain * hit.Weight
		z += c
		contributions = append(contributions, domain.RuleContribution{
			RuleID:       hit.RuleID,
			Weight:       hit.Weight,
			Multiplier:   m.Gain,
			Contribution: c,
		})
	}

	// Sorted iteration keeps the float sum reproducible on replay.
	for _, name := range in.Features.Names() {
		if coef, ok := m.Coefficients[name]; ok {
			z += coef * in.Features[name]
		}
	}

	return 1 / (1 + math.Exp(-z)), contributions, nil
}
