package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// UTXO-aware validation errors.
var (
	ErrInputNotFound   = errors.New("input UTXO not found")
	ErrImmatureCoinbase = errors.New("coinbase not yet mature")
	ErrInsufficientFee = errors.New("insufficient fee")
	ErrInputOverflow   = errors.New("input values overflow")
	ErrScriptMismatch  = errors.New("pubkey does not match UTXO pubkey hash")
)

// UTXOEntry is the subset of UTXO set fields needed for validation.
type UTXOEntry struct {
	Value      uint64
	Script     types.Script
	Height     uint64
	IsCoinbase bool
}

// UTXOProvider provides read-only access to the UTXO set for validation.
type UTXOProvider interface {
	GetUTXO(outpoint types.Outpoint) (UTXOEntry, bool)
}

// ValidateWithUTXOs performs full consensus validation of a transaction
// against the UTXO set at currentHeight: outpoint existence, coinbase
// maturity, pubkey-hash match, signature verification, and that inputs
// cover outputs. Returns the fee (inputs - outputs). Pure: never mutates
// the UTXO set.
func (tx *Transaction) ValidateWithUTXOs(provider UTXOProvider, currentHeight uint64) (uint64, error) {
	if err := tx.ValidateStructure(); err != nil {
		return 0, err
	}

	// Rule 1: empty inputs is the coinbase, accepted here (block rules
	// handle coinbase structure and reward).
	if tx.IsCoinbase() {
		return 0, nil
	}

	sighash := tx.Hash()

	var totalInput uint64
	for i, in := range tx.Inputs {
		entry, ok := provider.GetUTXO(in.PrevOut)
		if !ok {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}

		if entry.IsCoinbase && entry.Height+config.CoinbaseMaturity > currentHeight {
			return 0, fmt.Errorf("input %d (%s): %w: created at %d, need %d confirmations, current height %d",
				i, in.PrevOut, ErrImmatureCoinbase, entry.Height, config.CoinbaseMaturity, currentHeight)
		}

		if crypto.PubKeyHash(in.PubKey) != entry.Script.PubKeyHash() {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrScriptMismatch)
		}

		if !crypto.VerifySignature(sighash[:], in.Signature, in.PubKey) {
			return 0, fmt.Errorf("input %d: %w", i, ErrInvalidSig)
		}

		if totalInput > math.MaxUint64-entry.Value {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += entry.Value
	}

	totalOutput, ovfErr := tx.TotalOutputValue()
	if ovfErr != nil {
		return 0, fmt.Errorf("output overflow: %w", ovfErr)
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrInsufficientFee, totalInput, totalOutput)
	}

	return totalInput - totalOutput, nil
}

// ValidateStructure checks transaction structure without requiring UTXO
// access. Same as Validate(), named for clarity alongside ValidateWithUTXOs.
func (tx *Transaction) ValidateStructure() error {
	return tx.Validate()
}
