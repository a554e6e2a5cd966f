package policy

import "github.com/opensource-finance/kestrel/internal/domain"

// Default returns the built-in policy used when nothing else is configured.
// Values are in satoshis.
func Default() *domain.Policy {
	return &domain.Policy{
		Version:      "default",
		ModelVersion: "v1",
		Thresholds:   domain.Thresholds{Low: 0.4, High: 0.7},
		Weights: map[string]float64{
			"large-value":        0.3,
			"structuring":        0.4,
			"velocity":           0.25,
			"high-risk-party":    0.5,
			"fan-out":            0.15,
			"unknown-new-payees": 0.1,
		},
		Rules: []domain.RuleDescriptor{
			{
				ID:       "large-value",
				Name:     "Large transfer",
				Kind:     domain.RuleThreshold,
				Feature:  domain.FeatureTotalValue,
				Operator: domain.OpGreaterEqual,
				Value:    1_000_000_000,
			},
			{
				ID:       "structuring",
				Name:     "Outputs just below reporting limit",
				Kind:     domain.RuleStructuring,
				Limit:    1_000_000_000,
				Band:     0.1,
				MinCount: 2,
			},
			{
				ID:    "velocity",
				Name:  "Counterparty activity burst",
				Kind:  domain.RuleVelocity,
				Limit: 20,
			},
			{
				ID:    "high-risk-party",
				Name:  "High-risk counterparty",
				Kind:  domain.RuleCounterparty,
				Value: 0.8,
			},
			{
				ID:       "fan-out",
				Name:     "Wide fan-out",
				Kind:     domain.RuleThreshold,
				Feature:  domain.FeatureFanOutCount,
				Operator: domain.OpGreaterEqual,
				Value:    20,
			},
			{
				ID:         "unknown-new-payees",
				Name:       "Several never-seen payees",
				Kind:       domain.RuleExpression,
				Expression: `features["new_counterparties"] >= 3.0 && features["unknown_counterparties"] >= 3.0`,
			},
		},
	}
}
