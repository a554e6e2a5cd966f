// Package decision implements the decision layer: it thresholds a risk score
// into Approve, Hold or Escalate.
package decision

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Processor turns scores into decisions.
type Processor struct {
	now func() time.Time
}

// NewProcessor creates a new decision processor.
func NewProcessor() *Processor {
	return &Processor{now: time.Now}
}

// Decide classifies score against the policy's live thresholds. The
// thresholds and policy version in effect are stored on the decision.
func (p *Processor) Decide(tx *domain.Transaction, score domain.RiskScore, policy *domain.Policy) *domain.Decision {
	return &domain.Decision{
		ID:            uuid.New().String(),
		TxID:          tx.ID,
		ChainID:       tx.ChainID,
		Outcome:       Classify(score.Value, policy.Thresholds),
		Score:         score.Value,
		ModelVersion:  score.ModelVersion,
		Thresholds:    policy.Thresholds,
		PolicyVersion: policy.Version,
		Reasons:       Reasons(score),
		DecidedAt:     p.now().UTC(),
	}
}

// Classify maps a score to an outcome. Ties resolve to the stricter outcome:
// score == High escalates and score == Low holds.
func Classify(score float64, th domain.Thresholds) domain.Outcome {
	switch {
	case score >= th.High:
		return domain.OutcomeEscalate
	case score >= th.Low:
		return domain.OutcomeHold
	default:
		return domain.OutcomeApprove
	}
}

// ShouldAlert returns true if the decision needs immediate attention.
func ShouldAlert(d *domain.Decision) bool {
	return d.Outcome == domain.OutcomeEscalate
}

// Reasons lists triggered rules with their detail, in rule id order.
func Reasons(score domain.RiskScore) []string {
	var reasons []string
	for _, hit := range score.Rules.Triggered {
		if hit.Detail != "" {
			reasons = append(reasons, fmt.Sprintf("%s: %s", hit.RuleID, hit.Detail))
		} else {
			reasons = append(reasons, hit.RuleID)
		}
	}
	return reasons
}
