package features

import (
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testTx() *domain.Transaction {
	return &domain.Transaction{
		ChainID: "bitcoin",
		ID:      "tx-001",
		Inputs: []domain.TxInput{
			{Address: "bc1-alice", Value: 60_000_000},
			{Address: "bc1-bob", Value: 40_500_000},
		},
		Outputs: []domain.TxOutput{
			{Address: "bc1-mallory", Value: 50_000_000},
			{Address: "bc1-carol", Value: 49_990_000},
			{Address: "bc1-alice", Value: 500_000},
		},
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testSnapshot() *domain.HistorySnapshot {
	return &domain.HistorySnapshot{
		ChainID:      "bitcoin",
		TableVersion: 3,
		CounterpartyRisk: map[string]float64{
			"bc1-mallory": 0.9,
			"bc1-carol":   0.1,
		},
		Activity: map[string]int64{
			"bc1-alice":   4,
			"bc1-mallory": 12,
		},
		Seen: map[string]bool{
			"bc1-alice": true,
		},
	}
}

func TestExtract(t *testing.T) {
	fv, err := Extract(testTx(), testSnapshot())
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	tests := []struct {
		name string
		want float64
	}{
		{domain.FeatureInputCount, 2},
		{domain.FeatureOutputCount, 3},
		{domain.FeatureFanInCount, 2},
		{domain.FeatureFanOutCount, 3},
		{domain.FeatureTotalInputValue, 100_500_000},
		{domain.FeatureTotalValue, 100_490_000},
		{domain.FeatureFee, 10_000},
		{domain.FeatureMaxOutputValue, 50_000_000},
		{domain.FeatureMinOutputValue, 500_000},
		{domain.FeatureSelfTransfer, 1},
		{domain.FeatureCounterpartyRiskMax, 0.9},
		{domain.FeatureCounterpartyRiskMean, 0.5},
		{domain.FeatureUnknownCounterparties, 2},
		{domain.FeatureNewCounterparties, 2},
		{domain.FeatureVelocityMax, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := fv.Get(tt.name)
			if !ok {
				t.Fatalf("feature %s missing", tt.name)
			}
			if got != tt.want {
				t.Errorf("expected %s=%v, got %v", tt.name, tt.want, got)
			}
		})
	}

	t.Run("RoundValueRatio", func(t *testing.T) {
		// 50_000_000 and 500_000 are multiples of the round unit; 49_990_000 is not.
		got := fv[domain.FeatureRoundValueRatio]
		if got < 0.66 || got > 0.67 {
			t.Errorf("expected round ratio 2/3, got %v", got)
		}
	})
}

func TestExtractDeterministic(t *testing.T) {
	tx := testTx()
	snap := testSnapshot()

	first, err := Extract(tx, snap)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Extract(tx, snap)
		if err != nil {
			t.Fatalf("extract failed: %v", err)
		}
		if !first.Equal(again) {
			t.Fatalf("run %d produced a different vector", i)
		}
	}
}

func TestExtractExplicitFee(t *testing.T) {
	tx := testTx()
	tx.Fee = 2_500

	fv, err := Extract(tx, testSnapshot())
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if fv[domain.FeatureFee] != 2_500 {
		t.Errorf("expected explicit fee to win, got %v", fv[domain.FeatureFee])
	}
}

func TestExtractInsufficientData(t *testing.T) {
	tests := []struct {
		name string
		tx   *domain.Transaction
		snap func() *domain.HistorySnapshot
	}{
		{"NilTransaction", nil, testSnapshot},
		{"NilSnapshot", testTx(), func() *domain.HistorySnapshot { return nil }},
		{"WrongChain", testTx(), func() *domain.HistorySnapshot {
			s := testSnapshot()
			s.ChainID = "litecoin"
			return s
		}},
		{"TableNeverLoaded", testTx(), func() *domain.HistorySnapshot {
			s := testSnapshot()
			s.TableVersion = 0
			return s
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(tt.tx, tt.snap())
			if !errors.Is(err, domain.ErrInsufficientData) {
				t.Errorf("expected ErrInsufficientData, got %v", err)
			}
		})
	}
}

func TestExtractEmptyHistory(t *testing.T) {
	snap := &domain.HistorySnapshot{ChainID: "bitcoin", TableVersion: 1}

	fv, err := Extract(testTx(), snap)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if fv[domain.FeatureCounterpartyRiskMax] != 0 {
		t.Errorf("expected zero risk with empty table, got %v", fv[domain.FeatureCounterpartyRiskMax])
	}
	if fv[domain.FeatureCounterpartyRiskMean] != 0 {
		t.Errorf("expected zero mean with no known counterparties, got %v", fv[domain.FeatureCounterpartyRiskMean])
	}
	if fv[domain.FeatureUnknownCounterparties] != 4 {
		t.Errorf("expected 4 unknown counterparties, got %v", fv[domain.FeatureUnknownCounterparties])
	}
}
