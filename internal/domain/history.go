package domain

import "time"

// HistorySnapshot is the immutable view of rolling counterparty state taken at
// extraction start. Only addresses involved in the transaction are present.
type HistorySnapshot struct {
	ChainID string `json:"chainId"`

	// TableVersion is the counterparty risk table version; 0 means never loaded.
	TableVersion uint64 `json:"tableVersion"`

	// CounterpartyRisk holds known risk levels in [0,1].
	CounterpartyRisk map[string]float64 `json:"counterpartyRisk"`

	// Activity counts recent transactions per address within the velocity window.
	Activity map[string]int64 `json:"activity"`

	// Seen marks addresses observed in earlier scored transactions.
	Seen map[string]bool `json:"seen"`

	TakenAt time.Time `json:"takenAt"`
}

// CounterpartyTable is one chain's persisted risk table.
type CounterpartyTable struct {
	ChainID   string             `json:"chainId"`
	Version   uint64             `json:"version"`
	Risk      map[string]float64 `json:"risk"`
	UpdatedAt time.Time          `json:"updatedAt"`
}
