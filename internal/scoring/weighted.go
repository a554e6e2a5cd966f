package scoring

import (
	"context"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// WeightedSum is the v1 model: the sum of triggered rule weights, each
// scaled by a feature-derived multiplier
//
//	multiplier = 1 + CounterpartyBoost*counterparty_risk_max + ValueBoost*min(1, total_value/ValueReference)
//
// The multiplier is at least 1, so the score is monotone in every weight and
// all-zero weights score 0.
type WeightedSum struct {
	version           string
	CounterpartyBoost float64
	ValueBoost        float64
	ValueReference    float64 // satoshis
}

// NewWeightedSum returns the v1 model with default parameters.
func NewWeightedSum() *WeightedSum {
	return &WeightedSum{
		version:           "v1",
		CounterpartyBoost: 0.5,
		ValueBoost:        0.25,
		ValueReference:    10_000_000_000, // 100 BTC
	}
}

// Version implements Model.
func (m *WeightedSum) Version() string { return m.version }

// Score implements Model.
func (m *WeightedSum) Score(ctx context.Context, in Input) (float64, []domain.RuleContribution, error) {
	mult := m.multiplier(in.Features)

	var total float64
	contributions := make([]domain.RuleContribution, 0, len(in.Rules.Triggered))
	for _, hit := range in.Rules.Triggered {
		c := hit.Weight * mult
		total += c
		contributions = append(contributions, domain.RuleContribution{
			RuleID:       hit.RuleID,
			Weight:       hit.Weight,
			Multiplier:   mult,
			Contribution: c,
		})
	}
	return total, contributions, nil
}

func (m *WeightedSum) multiplier(fv domain.FeatureVector) float64 {
	mult := 1.0
	if risk := fv[domain.FeatureCounterpartyRiskMax]; risk > 0 {
		mult += m.CounterpartyBoost * risk
	}
	if m.ValueReference > 0 {
		if v := fv[domain.FeatureTotalValue]; v > 0 {
			mult += m.ValueBoost * math.Min(1, v/m.ValueReference)
		}
	}
	return mult
}
