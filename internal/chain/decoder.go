// Package chain turns raw Bitcoin transactions into domain records.
package chain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RawScriptPrefix marks outputs whose script has no standard address.
const RawScriptPrefix = "raw:"

// Decoder parses serialized transactions for one chain.
type Decoder struct {
	chainID string
	params  *chaincfg.Params
}

// NewDecoder creates a decoder for the configured network.
func NewDecoder(cfg domain.ChainConfig) (*Decoder, error) {
	params, err := Params(cfg.Network)
	if err != nil {
		return nil, err
	}
	chainID := cfg.ID
	if chainID == "" {
		chainID = "bitcoin"
	}
	return &Decoder{chainID: chainID, params: params}, nil
}

// Params resolves a network name to btcd chain parameters.
func Params(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "mainnet", "main", "":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported bitcoin network: %s", network)
	}
}

// ChainID returns the chain id stamped on decoded transactions.
func (d *Decoder) ChainID() string { return d.chainID }

// Decode parses rawHex, resolves every spent output through prevOuts and
// returns the transaction with its fee. A prevout the fetcher cannot resolve
// fails with domain.ErrInsufficientData. Coinbase inputs carry no address
// and are skipped.
func (d *Decoder) Decode(rawHex string, prevOuts txscript.PrevOutputFetcher, ts time.Time) (*domain.Transaction, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if err != nil {
		return nil, fmt.Errorf("%w: raw transaction is not hex: %v", domain.ErrInvalidTransaction, err)
	}

	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: failed to deserialize: %v", domain.ErrInvalidTransaction, err)
	}

	tx := &domain.Transaction{
		ChainID:   d.chainID,
		ID:        msg.TxHash().String(),
		Timestamp: ts.UTC(),
	}

	coinbase := isCoinbase(&msg)
	if !coinbase {
		for i, in := range msg.TxIn {
			prev := prevOuts.FetchPrevOutput(in.PreviousOutPoint)
			if prev == nil {
				return nil, fmt.Errorf("%w: prevout %s for input %d not found",
					domain.ErrInsufficientData, in.PreviousOutPoint, i)
			}
			if err := checkAmount(prev.Value); err != nil {
				return nil, fmt.Errorf("%w: input %d: %v", domain.ErrInvalidTransaction, i, err)
			}
			tx.Inputs = append(tx.Inputs, domain.TxInput{
				Address: d.scriptAddress(prev.PkScript),
				Value:   prev.Value,
			})
		}
	}

	for i, out := range msg.TxOut {
		if err := checkAmount(out.Value); err != nil {
			return nil, fmt.Errorf("%w: output %d: %v", domain.ErrInvalidTransaction, i, err)
		}
		if txscript.GetScriptClass(out.PkScript) == txscript.NullDataTy {
			continue
		}
		tx.Outputs = append(tx.Outputs, domain.TxOutput{
			Address: d.scriptAddress(out.PkScript),
			Value:   out.Value,
		})
	}

	if !coinbase {
		fee := tx.TotalInput() - tx.TotalOutput()
		if fee < 0 {
			return nil, fmt.Errorf("%w: outputs exceed inputs by %s",
				domain.ErrInvalidTransaction, btcutil.Amount(-fee))
		}
		tx.Fee = fee
	}

	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// scriptAddress returns the first address a script pays to. Multisig and
// other multi-address scripts are attributed to their first key.
func (d *Decoder) scriptAddress(pkScript []byte) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, d.params)
	if err != nil || len(addrs) == 0 {
		return RawScriptPrefix + hex.EncodeToString(pkScript)
	}
	return addrs[0].EncodeAddress()
}

func isCoinbase(msg *wire.MsgTx) bool {
	if len(msg.TxIn) != 1 {
		return false
	}
	prev := msg.TxIn[0].PreviousOutPoint
	return prev.Index == wire.MaxPrevOutIndex && prev.Hash == (chainhash.Hash{})
}

func checkAmount(v int64) error {
	if v < 0 || v > btcutil.MaxSatoshi {
		return fmt.Errorf("amount %d out of range", v)
	}
	return nil
}
