package miner

import (
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// UTXOAdapter bridges utxo.Set to tx.UTXOProvider so mempool selection can
// validate candidate transactions against the live UTXO set.
type UTXOAdapter struct {
	set utxo.Set
}

// NewUTXOAdapter creates a UTXOProvider from a utxo.Set.
func NewUTXOAdapter(set utxo.Set) *UTXOAdapter {
	return &UTXOAdapter{set: set}
}

// GetUTXO returns the entry for outpoint, if it exists.
func (a *UTXOAdapter) GetUTXO(outpoint types.Outpoint) (tx.UTXOEntry, bool) {
	u, err := a.set.Get(outpoint)
	if err != nil {
		return tx.UTXOEntry{}, false
	}
	return tx.UTXOEntry{
		Value:      u.Value,
		Script:     u.Script,
		Height:     u.Height,
		IsCoinbase: u.Coinbase,
	}, true
}
