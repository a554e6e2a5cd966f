// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// Transaction is an immutable Bitcoin-adjacent transaction record as supplied
// by a ledger reader or mempool watcher. Values are integer base units (satoshis).
type Transaction struct {
	ChainID   string     `json:"chainId"`
	ID        string     `json:"id"`
	Inputs    []TxInput  `json:"inputs"`
	Outputs   []TxOutput `json:"outputs"`
	Timestamp time.Time  `json:"timestamp"`
	Fee       int64      `json:"fee"`
}

// TxInput is a spent output: the address that funded the transaction and its value.
type TxInput struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
}

// TxOutput is a created output.
type TxOutput struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
}

// Validate reports structural problems with the record.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: transaction is nil", ErrInvalidTransaction)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTransaction)
	}
	if t.ChainID == "" {
		return fmt.Errorf("%w: chainId is required", ErrInvalidTransaction)
	}
	if len(t.Outputs) == 0 {
		return fmt.Errorf("%w: at least one output is required", ErrInvalidTransaction)
	}
	var inTotal, outTotal int64
	for i, in := range t.Inputs {
		if err := checkValue(in.Value); err != nil {
			return fmt.Errorf("%w: input %d %v", ErrInvalidTransaction, i, err)
		}
		if inTotal += in.Value; inTotal > btcutil.MaxSatoshi {
			return fmt.Errorf("%w: total input exceeds %d sat", ErrInvalidTransaction, int64(btcutil.MaxSatoshi))
		}
	}
	for i, out := range t.Outputs {
		if err := checkValue(out.Value); err != nil {
			return fmt.Errorf("%w: output %d %v", ErrInvalidTransaction, i, err)
		}
		if outTotal += out.Value; outTotal > btcutil.MaxSatoshi {
			return fmt.Errorf("%w: total output exceeds %d sat", ErrInvalidTransaction, int64(btcutil.MaxSatoshi))
		}
	}
	if err := checkValue(t.Fee); err != nil {
		return fmt.Errorf("%w: fee %v", ErrInvalidTransaction, err)
	}
	return nil
}

// checkValue bounds a single amount to the Bitcoin supply. Keeping every
// value and running total under MaxSatoshi means the sums below never wrap.
func checkValue(v int64) error {
	if v < 0 {
		return fmt.Errorf("has negative value %d", v)
	}
	if v > btcutil.MaxSatoshi {
		return fmt.Errorf("value %d exceeds %d sat", v, int64(btcutil.MaxSatoshi))
	}
	return nil
}

// Key identifies the transaction across chains.
func (t *Transaction) Key() string {
	return t.ChainID + ":" + t.ID
}

// TotalInput sums input values. Validate bounds the result.
func (t *Transaction) TotalInput() int64 {
	var total int64
	for _, in := range t.Inputs {
		total += in.Value
	}
	return total
}

// TotalOutput sums output values. Validate bounds the result.
func (t *Transaction) TotalOutput() int64 {
	var total int64
	for _, out := range t.Outputs {
		total += out.Value
	}
	return total
}

// Addresses returns the distinct non-empty addresses involved in the
// transaction, inputs first, in first-seen order.
func (t *Transaction) Addresses() []string {
	seen := make(map[string]struct{}, len(t.Inputs)+len(t.Outputs))
	addrs := make([]string, 0, len(t.Inputs)+len(t.Outputs))
	add := func(a string) {
		if a == "" {
			return
		}
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		addrs = append(addrs, a)
	}
	for _, in := range t.Inputs {
		add(in.Address)
	}
	for _, out := range t.Outputs {
		add(out.Address)
	}
	return addrs
}

// TransactionRequest is the API payload for scoring a transaction record.
type TransactionRequest struct {
	ChainID   string     `json:"chainId"`
	TxID      string     `json:"txId"`
	Inputs    []TxInput  `json:"inputs"`
	Outputs   []TxOutput `json:"outputs"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Fee       int64      `json:"fee"`
}

// ToTransaction converts a request to a Transaction domain object.
// A missing timestamp defaults to now.
func (r *TransactionRequest) ToTransaction() *Transaction {
	ts := time.Now().UTC()
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return &Transaction{
		ChainID:   r.ChainID,
		ID:        r.TxID,
		Inputs:    append([]TxInput(nil), r.Inputs...),
		Outputs:   append([]TxOutput(nil), r.Outputs...),
		Timestamp: ts,
		Fee:       r.Fee,
	}
}
