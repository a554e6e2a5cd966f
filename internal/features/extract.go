// Package features turns a transaction and a history snapshot into a feature vector.
package features

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RoundUnit is the output granularity (in satoshis) treated as a "round" amount.
const RoundUnit = 100_000

// Extract computes the feature vector for tx against snap. It is deterministic
// and side-effect free: addresses are visited in transaction order, never map order.
// It fails with domain.ErrInsufficientData when the counterparty risk table
// behind snap was never loaded.
func Extract(tx *domain.Transaction, snap *domain.HistorySnapshot) (domain.FeatureVector, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: transaction is nil", domain.ErrInsufficientData)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: no history snapshot for tx %s", domain.ErrInsufficientData, tx.ID)
	}
	if snap.ChainID != tx.ChainID {
		return nil, fmt.Errorf("%w: snapshot is for chain %q, tx is on %q", domain.ErrInsufficientData, snap.ChainID, tx.ChainID)
	}
	if snap.TableVersion == 0 {
		return nil, fmt.Errorf("%w: counterparty risk table for %s not loaded", domain.ErrInsufficientData, tx.ChainID)
	}

	totalIn := tx.TotalInput()
	totalOut := tx.TotalOutput()

	fee := tx.Fee
	if fee == 0 && totalIn > totalOut {
		fee = totalIn - totalOut
	}

	fv := domain.FeatureVector{
		domain.FeatureInputCount:       float64(len(tx.Inputs)),
		domain.FeatureOutputCount:      float64(len(tx.Outputs)),
		domain.FeatureFanInCount:       float64(distinct(inputAddrs(tx))),
		domain.FeatureFanOutCount:      float64(distinct(outputAddrs(tx))),
		domain.FeatureTotalInputValue:  float64(totalIn),
		domain.FeatureTotalValue:       float64(totalOut),
		domain.FeatureFee:              float64(fee),
		domain.FeatureFeeRate:          ratio(float64(fee), float64(totalOut)),
		domain.FeatureRoundValueRatio:  roundRatio(tx.Outputs),
		domain.FeatureSelfTransfer:     boolFeature(selfTransfer(tx)),
	}

	maxOut, minOut := outputRange(tx.Outputs)
	fv[domain.FeatureMaxOutputValue] = float64(maxOut)
	fv[domain.FeatureMinOutputValue] = float64(minOut)

	var (
		riskMax, riskSum float64
		known, unknown   int
		velocityMax      int64
	)
	for _, addr := range tx.Addresses() {
		if risk, ok := snap.CounterpartyRisk[addr]; ok {
			known++
			riskSum += risk
			riskMax = math.Max(riskMax, risk)
		} else {
			unknown++
		}
		if n := snap.Activity[addr]; n > velocityMax {
			velocityMax = n
		}
	}
	fv[domain.FeatureCounterpartyRiskMax] = riskMax
	fv[domain.FeatureCounterpartyRiskMean] = ratio(riskSum, float64(known))
	fv[domain.FeatureUnknownCounterparties] = float64(unknown)
	fv[domain.FeatureVelocityMax] = float64(velocityMax)

	var fresh int
	seen := make(map[string]struct{}, len(tx.Outputs))
	for _, out := range tx.Outputs {
		if out.Address == "" {
			continue
		}
		if _, dup := seen[out.Address]; dup {
			continue
		}
		seen[out.Address] = struct{}{}
		if !snap.Seen[out.Address] {
			fresh++
		}
	}
	fv[domain.FeatureNewCounterparties] = float64(fresh)

	return fv, nil
}

func inputAddrs(tx *domain.Transaction) []string {
	addrs := make([]string, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		addrs = append(addrs, in.Address)
	}
	return addrs
}

func outputAddrs(tx *domain.Transaction) []string {
	addrs := make([]string, 0, len(tx.Outputs))
	for _, out := range tx.Outputs {
		addrs = append(addrs, out.Address)
	}
	return addrs
}

func distinct(addrs []string) int {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if a != "" {
			set[a] = struct{}{}
		}
	}
	return len(set)
}

func selfTransfer(tx *domain.Transaction) bool {
	funding := make(map[string]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if in.Address != "" {
			funding[in.Address] = struct{}{}
		}
	}
	for _, out := range tx.Outputs {
		if _, ok := funding[out.Address]; ok {
			return true
		}
	}
	return false
}

func roundRatio(outs []domain.TxOutput) float64 {
	if len(outs) == 0 {
		return 0
	}
	var round int
	for _, out := range outs {
		if out.Value > 0 && out.Value%RoundUnit == 0 {
			round++
		}
	}
	return float64(round) / float64(len(outs))
}

func outputRange(outs []domain.TxOutput) (maxV, minV int64) {
	for i, out := range outs {
		if i == 0 || out.Value > maxV {
			maxV = out.Value
		}
		if i == 0 || out.Value < minV {
			minV = out.Value
		}
	}
	return maxV, minV
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
