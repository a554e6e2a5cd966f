package domain

import (
	"maps"
	"slices"
)

// Named features produced by the extractor.
const (
	FeatureInputCount            = "input_count"
	FeatureOutputCount           = "output_count"
	FeatureFanInCount            = "fan_in_count"
	FeatureFanOutCount           = "fan_out_count"
	FeatureTotalInputValue       = "total_input_value"
	FeatureTotalValue            = "total_value"
	FeatureFee                   = "fee"
	FeatureFeeRate               = "fee_rate"
	FeatureMaxOutputValue        = "max_output_value"
	FeatureMinOutputValue        = "min_output_value"
	FeatureRoundValueRatio       = "round_value_ratio"
	FeatureSelfTransfer          = "self_transfer"
	FeatureCounterpartyRiskMax   = "counterparty_risk_max"
	FeatureCounterpartyRiskMean  = "counterparty_risk_mean"
	FeatureUnknownCounterparties = "unknown_counterparties"
	FeatureNewCounterparties     = "new_counterparties"
	FeatureVelocityMax           = "velocity_max"
)

// FeatureVector maps feature names to numeric values. A vector handed out by
// the extractor is never modified afterwards.
type FeatureVector map[string]float64

// Get returns a feature and whether it is present.
func (f FeatureVector) Get(name string) (float64, bool) {
	v, ok := f[name]
	return v, ok
}

// Names returns the feature names in sorted order.
func (f FeatureVector) Names() []string {
	return slices.Sorted(maps.Keys(f))
}

// Clone returns an independent copy.
func (f FeatureVector) Clone() FeatureVector {
	if f == nil {
		return nil
	}
	return maps.Clone(f)
}

// Equal reports whether both vectors hold the same features and values.
func (f FeatureVector) Equal(other FeatureVector) bool {
	return maps.Equal(f, other)
}
