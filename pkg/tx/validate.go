package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Validation errors.
var (
	ErrNoInputs           = errors.New("transaction has no inputs")
	ErrNoOutputs          = errors.New("transaction has no outputs")
	ErrDuplicateInput     = errors.New("duplicate input")
	ErrOutputOverflow     = errors.New("output values overflow")
	ErrZeroOutput         = errors.New("output value is zero")
	ErrInvalidScript      = errors.New("invalid script type")
	ErrMissingPubKey      = errors.New("input missing public key")
	ErrMissingSig         = errors.New("input missing signature")
	ErrInvalidSig         = errors.New("invalid signature")
	ErrTooManyInputs      = errors.New("too many inputs")
	ErrTooManyOutputs     = errors.New("too many outputs")
	ErrScriptDataTooLarge = errors.New("script data too large")
)

// IsCoinbase reports whether tx has no inputs: it mints value rather than
// spending a prior output.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}

// Validate checks transaction structure and basic rules.
// This does NOT check UTXO existence or signature validity against the
// UTXO set's recorded pubkey hash (see utxo_validate.go for that).
func (tx *Transaction) Validate() error {
	if len(tx.Outputs) == 0 {
		return ErrNoOutputs
	}
	if len(tx.Outputs) > config.MaxTxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(tx.Outputs), config.MaxTxOutputs)
	}

	if !tx.IsCoinbase() {
		if len(tx.Inputs) > config.MaxTxInputs {
			return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(tx.Inputs), config.MaxTxInputs)
		}

		seen := make(map[types.Outpoint]bool, len(tx.Inputs))
		for i, in := range tx.Inputs {
			if seen[in.PrevOut] {
				return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
			}
			seen[in.PrevOut] = true
		}

		for i, in := range tx.Inputs {
			if len(in.PubKey) == 0 {
				return fmt.Errorf("input %d: %w", i, ErrMissingPubKey)
			}
			if len(in.Signature) == 0 {
				return fmt.Errorf("input %d: %w", i, ErrMissingSig)
			}
		}
	}

	var totalOutput uint64
	for i, out := range tx.Outputs {
		if out.Value == 0 {
			return fmt.Errorf("output %d: %w", i, ErrZeroOutput)
		}
		if len(out.Script.Data) > config.MaxScriptData {
			return fmt.Errorf("output %d: %w: %d bytes, max %d", i, ErrScriptDataTooLarge, len(out.Script.Data), config.MaxScriptData)
		}
		if totalOutput > math.MaxUint64-out.Value {
			return fmt.Errorf("output %d: %w", i, ErrOutputOverflow)
		}
		totalOutput += out.Value
	}

	return nil
}

// VerifySignatures checks that all input signatures are valid for this
// transaction. A coinbase has no inputs, so it vacuously passes.
func (tx *Transaction) VerifySignatures() error {
	hash := tx.Hash()
	for i, in := range tx.Inputs {
		if !crypto.VerifySignature(hash[:], in.Signature, in.PubKey) {
			return fmt.Errorf("input %d: %w", i, ErrInvalidSig)
		}
	}
	return nil
}
