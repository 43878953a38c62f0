package chain

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// chainOfUnsealedBlocks builds a linear chain of n blocks above genesis,
// linked purely by PrevHash, without running proof-of-work. collectBranch
// only walks header links, so this is enough to exercise it without the
// cost of mining every block.
func chainOfUnsealedBlocks(genesisHash types.Hash, n int) []*block.Block {
	blocks := make([]*block.Block, n)
	prevHash := genesisHash
	for i := 0; i < n; i++ {
		height := uint64(i + 1)
		coinbase := &tx.Transaction{
			Version: 1,
			Outputs: []tx.Output{
				{Value: 1, Script: types.P2PKHScript(types.Hash{byte(height)})},
			},
			LockTime: height,
		}
		header := &block.Header{
			Height:     height,
			Timestamp:  int64(height),
			PrevHash:   prevHash,
			MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		}
		blk := block.NewBlock(header, []*tx.Transaction{coinbase})
		blocks[i] = blk
		prevHash = blk.Hash()
	}
	return blocks
}

func TestCollectBranch_RejectsGenesisReplacement(t *testing.T) {
	miner := newTestKey(t)
	gen := testGenesis(miner, 5000)
	ch := testChain(t, gen)

	// A block claiming height 0 but not equal to the chain's real genesis.
	rogue := chainOfUnsealedBlocks(types.Hash{}, 1)[0]
	rogue.Header.Height = 0

	if err := ch.blocks.StoreBlock(rogue); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}

	if err := ch.Reorg(rogue.Hash()); !errors.Is(err, ErrGenesisReorg) {
		t.Fatalf("err = %v, want ErrGenesisReorg", err)
	}
}

func TestCollectBranch_RejectsExcessiveDepth(t *testing.T) {
	miner := newTestKey(t)
	gen := testGenesis(miner, 5000)
	ch := testChain(t, gen)

	genBlk, _ := ch.GetBlockByHeight(0)
	blocks := chainOfUnsealedBlocks(genBlk.Hash(), MaxReorgDepth+5)
	for _, blk := range blocks {
		if err := ch.blocks.StoreBlock(blk); err != nil {
			t.Fatalf("StoreBlock at height %d: %v", blk.Header.Height, err)
		}
	}

	tip := blocks[len(blocks)-1]
	if err := ch.Reorg(tip.Hash()); !errors.Is(err, ErrReorgTooDeep) {
		t.Fatalf("err = %v, want ErrReorgTooDeep", err)
	}
}
