package decision

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestClassify(t *testing.T) {
	th := domain.Thresholds{Low: 0.3, High: 0.75}

	tests := []struct {
		name  string
		score float64
		want  domain.Outcome
	}{
		{"Zero", 0, domain.OutcomeApprove},
		{"BelowLow", 0.29, domain.OutcomeApprove},
		{"AtLow", 0.3, domain.OutcomeHold},
		{"Between", 0.5, domain.OutcomeHold},
		{"JustBelowHigh", 0.7499, domain.OutcomeHold},
		{"AtHigh", 0.75, domain.OutcomeEscalate},
		{"One", 1, domain.OutcomeEscalate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.score, th); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.score, got, tt.want)
			}
		})
	}

	t.Run("CollapsedThresholds", func(t *testing.T) {
		same := domain.Thresholds{Low: 0.5, High: 0.5}
		if got := Classify(0.5, same); got != domain.OutcomeEscalate {
			t.Errorf("expected stricter outcome on shared boundary, got %s", got)
		}
	})
}

func TestDecide(t *testing.T) {
	proc := NewProcessor()
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	proc.now = func() time.Time { return fixed }

	tx := &domain.Transaction{ChainID: "bitcoin", ID: "tx-001"}
	policy := &domain.Policy{
		Version:      "2025-06-01",
		ModelVersion: "v1",
		Thresholds:   domain.Thresholds{Low: 0.3, High: 0.75},
	}
	score := domain.RiskScore{
		Value:        1,
		ModelVersion: "v1",
		Rules: domain.RuleResult{
			Evaluated: []string{"ofac"},
			Triggered: []domain.RuleHit{{RuleID: "ofac", Kind: domain.RuleSanctions, Weight: 1, Detail: "sanctioned address bc1-x"}},
		},
	}

	d := proc.Decide(tx, score, policy)

	if d.ID == "" {
		t.Error("expected decision id")
	}
	if d.Outcome != domain.OutcomeEscalate {
		t.Errorf("expected ESCALATE, got %s", d.Outcome)
	}
	if d.TxID != "tx-001" || d.ChainID != "bitcoin" {
		t.Errorf("unexpected tx identity %s/%s", d.ChainID, d.TxID)
	}
	if d.Thresholds != policy.Thresholds {
		t.Errorf("expected thresholds to be recorded, got %+v", d.Thresholds)
	}
	if d.PolicyVersion != "2025-06-01" {
		t.Errorf("expected policy version to be recorded, got %s", d.PolicyVersion)
	}
	if !d.DecidedAt.Equal(fixed) {
		t.Errorf("expected decided_at %v, got %v", fixed, d.DecidedAt)
	}
	if !ShouldAlert(d) {
		t.Error("escalation should alert")
	}
	if len(d.Reasons) != 1 || d.Reasons[0] != "ofac: sanctioned address bc1-x" {
		t.Errorf("unexpected reasons %v", d.Reasons)
	}

	again := proc.Decide(tx, score, policy)
	if again.ID == d.ID {
		t.Error("each decision must get its own id")
	}
}
