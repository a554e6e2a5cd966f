package chain

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// PrevOut describes one spent output supplied alongside a raw transaction.
// Either Address or PkScript (hex) identifies the owner.
type PrevOut struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Value    int64  `json:"value"`
	Address  string `json:"address,omitempty"`
	PkScript string `json:"pkScript,omitempty"`
}

// Fetcher builds a prevout fetcher from caller-supplied spent outputs.
func (d *Decoder) Fetcher(prevOuts []PrevOut) (txscript.PrevOutputFetcher, error) {
	m := make(map[wire.OutPoint]*wire.TxOut, len(prevOuts))
	for i, p := range prevOuts {
		hash, err := chainhash.NewHashFromStr(p.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: prevout %d txid: %v", domain.ErrInvalidTransaction, i, err)
		}

		script, err := d.prevOutScript(p)
		if err != nil {
			return nil, fmt.Errorf("%w: prevout %d: %v", domain.ErrInvalidTransaction, i, err)
		}

		m[wire.OutPoint{Hash: *hash, Index: p.Vout}] = wire.NewTxOut(p.Value, script)
	}
	return txscript.NewMultiPrevOutFetcher(m), nil
}

func (d *Decoder) prevOutScript(p PrevOut) ([]byte, error) {
	if p.PkScript != "" {
		return hex.DecodeString(p.PkScript)
	}
	if p.Address == "" {
		return nil, fmt.Errorf("address or pkScript is required")
	}
	addr, err := btcutil.DecodeAddress(p.Address, d.params)
	if err != nil {
		return nil, err
	}
	if !addr.IsForNet(d.params) {
		return nil, fmt.Errorf("address %s is not for %s", p.Address, d.params.Name)
	}
	return txscript.PayToAddrScript(addr)
}
