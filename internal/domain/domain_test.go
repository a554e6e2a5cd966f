package domain

import (
	"errors"
	"math"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
)

func validTx() *Transaction {
	return &Transaction{
		ChainID: "bitcoin",
		ID:      "tx-1",
		Inputs:  []TxInput{{Address: "bc1-alice", Value: 200_000}},
		Outputs: []TxOutput{{Address: "bc1-bob", Value: 150_000}},
		Fee:     1_000,
	}
}

func TestTransactionValidate(t *testing.T) {
	const maxSat = int64(btcutil.MaxSatoshi)

	tests := []struct {
		name    string
		mutate  func(tx *Transaction)
		wantErr bool
	}{
		{"Valid", func(tx *Transaction) {}, false},
		{"MissingID", func(tx *Transaction) { tx.ID = "" }, true},
		{"MissingChain", func(tx *Transaction) { tx.ChainID = "" }, true},
		{"NoOutputs", func(tx *Transaction) { tx.Outputs = nil }, true},
		{"NegativeInput", func(tx *Transaction) { tx.Inputs[0].Value = -1 }, true},
		{"NegativeOutput", func(tx *Transaction) { tx.Outputs[0].Value = -1 }, true},
		{"NegativeFee", func(tx *Transaction) { tx.Fee = -1 }, true},
		{"OutputAtSupply", func(tx *Transaction) { tx.Outputs[0].Value = maxSat }, false},
		{"OutputAboveSupply", func(tx *Transaction) { tx.Outputs[0].Value = maxSat + 1 }, true},
		{"InputAboveSupply", func(tx *Transaction) { tx.Inputs[0].Value = maxSat + 1 }, true},
		{"FeeAboveSupply", func(tx *Transaction) { tx.Fee = maxSat + 1 }, true},
		{"OutputSumWouldWrap", func(tx *Transaction) {
			tx.Outputs = []TxOutput{{Address: "a", Value: 1 << 62}, {Address: "b", Value: 1 << 62}}
		}, true},
		{"OutputSumAboveSupply", func(tx *Transaction) {
			tx.Outputs = []TxOutput{{Address: "a", Value: maxSat}, {Address: "b", Value: 1}}
		}, true},
		{"InputSumAboveSupply", func(tx *Transaction) {
			tx.Inputs = []TxInput{{Address: "a", Value: maxSat}, {Address: "b", Value: maxSat}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := validTx()
			tt.mutate(tx)
			err := tx.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransaction) {
					t.Errorf("expected ErrInvalidTransaction, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("expected valid transaction, got %v", err)
			}
		})
	}

	t.Run("TotalsStayPositive", func(t *testing.T) {
		tx := validTx()
		tx.Outputs = []TxOutput{{Address: "a", Value: maxSat / 2}, {Address: "b", Value: maxSat / 2}}
		if err := tx.Validate(); err != nil {
			t.Fatalf("expected valid transaction, got %v", err)
		}
		if got := tx.TotalOutput(); got <= 0 || got > maxSat {
			t.Errorf("expected total within supply, got %d", got)
		}
	})
}

func TestThresholdsValidate(t *testing.T) {
	tests := []struct {
		name    string
		th      Thresholds
		wantErr bool
	}{
		{"Valid", Thresholds{Low: 0.4, High: 0.7}, false},
		{"Collapsed", Thresholds{Low: 0.5, High: 0.5}, false},
		{"Inverted", Thresholds{Low: 0.8, High: 0.2}, true},
		{"BelowZero", Thresholds{Low: -0.1, High: 0.5}, true},
		{"AboveOne", Thresholds{Low: 0.1, High: 1.5}, true},
		{"NaNBoth", Thresholds{Low: math.NaN(), High: math.NaN()}, true},
		{"NaNLow", Thresholds{Low: math.NaN(), High: 0.7}, true},
		{"NaNHigh", Thresholds{Low: 0.4, High: math.NaN()}, true},
		{"PositiveInf", Thresholds{Low: 0.4, High: math.Inf(1)}, true},
		{"NegativeInf", Thresholds{Low: math.Inf(-1), High: 0.7}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.th.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPolicyValidateWeights(t *testing.T) {
	for _, w := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), -0.1, 1.1} {
		p := &Policy{
			Version:      "test",
			ModelVersion: "v1",
			Thresholds:   Thresholds{Low: 0.4, High: 0.7},
			Weights:      map[string]float64{"velocity": w},
		}
		if err := p.Validate(); !errors.Is(err, ErrInvalidPolicy) {
			t.Errorf("weight %v: expected ErrInvalidPolicy, got %v", w, err)
		}
	}
}
