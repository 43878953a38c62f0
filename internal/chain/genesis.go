package chain

import (
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// CreateGenesisBlock builds the genesis block from the genesis configuration.
// The genesis block has height 0, a zero PrevHash, target == MAX_TARGET, and
// a single coinbase transaction that distributes the initial allocations.
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}

	coinbase, err := buildCoinbaseTx(gen.Alloc, 0)
	if err != nil {
		return nil, fmt.Errorf("build coinbase: %w", err)
	}

	txs := []*tx.Transaction{coinbase}
	txHashes := []types.Hash{coinbase.Hash()}
	merkle := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Height:     0,
		Timestamp:  gen.Timestamp,
		PrevHash:   types.Hash{},
		Target:     config.MaxTarget,
		MerkleRoot: merkle,
	}

	blk := block.NewBlock(header, txs)

	pow := consensus.NewPoW(0)
	if err := pow.Seal(blk); err != nil {
		return nil, fmt.Errorf("seal genesis: %w", err)
	}

	return blk, nil
}

// buildCoinbaseTx creates the coinbase transaction for a block at the given
// height. A coinbase has zero inputs; its LockTime is set to the block
// height so that two coinbases with identical reward and pubkey hash
// (e.g. the same miner winning two different heights) still hash
// differently.
func buildCoinbaseTx(alloc map[string]uint64, height uint64) (*tx.Transaction, error) {
	// Sort pubkey hashes for deterministic output ordering.
	keys := make([]string, 0, len(alloc))
	for k := range alloc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var outputs []tx.Output
	for _, k := range keys {
		pkHash, err := config.ParsePubKeyHash(k)
		if err != nil {
			return nil, fmt.Errorf("invalid alloc pubkey hash %q: %w", k, err)
		}
		outputs = append(outputs, tx.Output{
			Value:  alloc[k],
			Script: types.P2PKHScript(pkHash),
		})
	}

	// If no allocations, create a single zero-value output so the block has a valid tx.
	if len(outputs) == 0 {
		outputs = []tx.Output{{
			Value:  0,
			Script: types.P2PKHScript(types.Hash{}),
		}}
	}

	return &tx.Transaction{
		Version:  1,
		Outputs:  outputs,
		LockTime: height,
	}, nil
}
