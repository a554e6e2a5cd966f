package domain

import (
	"fmt"
	"math"
	"time"
)

// RiskScore is the model output for one transaction.
type RiskScore struct {
	Value         float64            `json:"value"`
	ModelVersion  string             `json:"modelVersion"`
	Rules         RuleResult         `json:"rules"`
	Contributions []RuleContribution `json:"contributions,omitempty"`
}

// RuleContribution shows how a single triggered rule moved the score.
type RuleContribution struct {
	RuleID       string  `json:"ruleId"`
	Weight       float64 `json:"weight"`
	Multiplier   float64 `json:"multiplier"`
	Contribution float64 `json:"contribution"`
}

// Outcome is the terminal state of a scored transaction.
type Outcome string

const (
	OutcomeApprove  Outcome = "APPROVE"
	OutcomeHold     Outcome = "HOLD"
	OutcomeEscalate Outcome = "ESCALATE"
)

// Thresholds is the live (low, high) pair the decision layer compares against.
type Thresholds struct {
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`
}

// Validate requires 0 <= low <= high <= 1. NaN compares false against every
// score and would approve everything, so it is rejected.
func (t Thresholds) Validate() error {
	if !finite(t.Low) || !finite(t.High) {
		return fmt.Errorf("thresholds must be finite, got low=%v high=%v", t.Low, t.High)
	}
	if t.Low < 0 || t.High > 1 {
		return fmt.Errorf("thresholds must be within [0,1], got low=%v high=%v", t.Low, t.High)
	}
	if t.Low > t.High {
		return fmt.Errorf("low threshold %v exceeds high threshold %v", t.Low, t.High)
	}
	return nil
}

// Decision is the outcome for one (transaction, score) pair.
type Decision struct {
	ID            string     `json:"id"`
	TxID          string     `json:"txId"`
	ChainID       string     `json:"chainId"`
	Outcome       Outcome    `json:"outcome"`
	Score         float64    `json:"score"`
	ModelVersion  string     `json:"modelVersion"`
	Thresholds    Thresholds `json:"thresholds"`
	PolicyVersion string     `json:"policyVersion"`
	Reasons       []string   `json:"reasons,omitempty"`
	DecidedAt     time.Time  `json:"decidedAt"`
}

// AuditEntry is the immutable ledger record of one scoring decision.
type AuditEntry struct {
	Sequence   uint64        `json:"sequence"`
	ID         string        `json:"id"`
	TxID       string        `json:"txId"`
	ChainID    string        `json:"chainId"`
	Features   FeatureVector `json:"features"`
	Rules      RuleResult    `json:"rules"`
	Score      RiskScore     `json:"score"`
	Decision   Decision      `json:"decision"`
	RecordedAt time.Time     `json:"recordedAt"`
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
