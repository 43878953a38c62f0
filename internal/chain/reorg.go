package chain

import (
	"fmt"
	"math/big"

	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ErrForkDetected indicates a valid block whose parent is known but is not the
// current tip. The caller should decide whether to reorg.
var ErrForkDetected = fmt.Errorf("fork detected")

// ErrReorgTooDeep is returned when a reorg exceeds MaxReorgDepth.
var ErrReorgTooDeep = fmt.Errorf("reorg too deep")

// ErrGenesisReorg is returned when a reorg would replace the genesis block.
var ErrGenesisReorg = fmt.Errorf("reorg would replace genesis block")

// MaxReorgDepth is the maximum number of blocks that can be reverted in a reorg.
const MaxReorgDepth = 1000

// blockStoreView is a consensus.ChainView over a prefix of a block store,
// used during reorg replay so target verification sees only the blocks
// already re-applied rather than the store's eventual (post-reorg) height.
type blockStoreView struct {
	blocks *BlockStore
	height uint64
}

func (v *blockStoreView) Height() uint64 { return v.height }

func (v *blockStoreView) HeaderAt(height uint64) (*block.Header, error) {
	if height >= v.height {
		return nil, fmt.Errorf("height %d out of range (view height %d)", height, v.height)
	}
	blk, err := v.blocks.GetBlockByHeight(height)
	if err != nil {
		return nil, err
	}
	return blk.Header, nil
}

// Reorg switches the chain to a candidate tip if, and only if, the candidate
// branch carries strictly more cumulative proof-of-work than the current
// chain above their common ancestor. Unlike an incremental undo/redo, a
// winning candidate is adopted by clearing the UTXO set and replaying every
// block from genesis through the new tip — simpler to reason about at the
// cost of redoing work already done once, which is acceptable since reorgs
// are rare events.
func (c *Chain) Reorg(newTipHash types.Hash) error {
	newBranch, err := c.collectBranch(newTipHash)
	if err != nil {
		return fmt.Errorf("collect new branch: %w", err)
	}
	if len(newBranch) == 0 {
		return fmt.Errorf("empty new branch")
	}

	forkHeight := newBranch[0].Header.Height - 1
	oldHeight := c.state.Height

	// Compare cumulative work strictly above the fork point; the shared
	// prefix below it contributes equally to both branches and cancels out.
	newBranchWork := big.NewInt(0)
	for _, blk := range newBranch {
		newBranchWork.Add(newBranchWork, consensus.BlockWork(blk.Header.Target))
	}
	oldBranchWork := big.NewInt(0)
	for h := forkHeight + 1; h <= oldHeight; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load old block for work comparison at height %d: %w", h, err)
		}
		oldBranchWork.Add(oldBranchWork, consensus.BlockWork(blk.Header.Target))
	}
	if newBranchWork.Cmp(oldBranchWork) <= 0 {
		return nil // Candidate does not strictly exceed current work — keep incumbent.
	}

	// Collect the blocks the candidate disconnects, newest first, before
	// anything on disk is overwritten, so they can be returned to the
	// mempool once the swap completes.
	var orphans []*block.Block
	for h := oldHeight; h > forkHeight; h-- {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load old block at height %d: %w", h, err)
		}
		orphans = append(orphans, blk)
	}

	if err := c.blocks.PutReorgCheckpoint(forkHeight); err != nil {
		return fmt.Errorf("write reorg checkpoint: %w", err)
	}

	// Index the candidate branch by height, overwriting the old branch's
	// height entries so the replay below (and the chain after it) sees the
	// new branch as canonical.
	for _, blk := range newBranch {
		if err := c.blocks.PutBlock(blk); err != nil {
			return fmt.Errorf("index candidate block at height %d: %w", blk.Header.Height, err)
		}
	}

	newTip := newBranch[len(newBranch)-1]

	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return fmt.Errorf("reorg: UTXO set does not support ClearAll (not *utxo.Store)")
	}
	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("reorg: clear utxo set: %w", err)
	}

	// Replay every block from genesis through the new tip. Blocks at or
	// below the fork height were already validated when first accepted and
	// are only replayed to rebuild UTXO state; candidate blocks above the
	// fork height are fully re-validated end to end.
	var supply uint64
	cumWork := big.NewInt(0)
	view := &blockStoreView{blocks: c.blocks}
	for h := uint64(0); h <= newTip.Header.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("reorg: load block at height %d: %w", h, err)
		}

		if h > forkHeight {
			if err := c.validator.ValidateBlock(blk); err != nil {
				return fmt.Errorf("reorg: validate block at height %d: %w", h, err)
			}
			view.height = h
			if err := consensus.VerifyTarget(blk.Header, view); err != nil {
				return fmt.Errorf("reorg: target check at height %d: %w", h, err)
			}
			if err := c.checkTimestamp(blk); err != nil {
				return fmt.Errorf("reorg: timestamp check at height %d: %w", h, err)
			}
			if err := c.validateBlockState(blk); err != nil {
				return fmt.Errorf("reorg: state validation at height %d: %w", h, err)
			}
		}

		reward := c.computeBlockReward(blk)
		if err := c.applyBlock(blk); err != nil {
			return fmt.Errorf("reorg: apply block at height %d: %w", h, err)
		}

		if c.rules.MaxSupply > 0 && supply+reward > c.rules.MaxSupply {
			reward = c.rules.MaxSupply - supply
		}
		supply += reward
		cumWork.Add(cumWork, consensus.BlockWork(blk.Header.Target))
	}

	c.state.TipHash = newTip.Hash()
	c.state.Height = newTip.Header.Height
	c.state.TipTimestamp = newTip.Header.Timestamp
	c.state.Supply = supply
	c.state.CumulativeWork = cumWork

	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, supply); err != nil {
		return fmt.Errorf("reorg: set tip: %w", err)
	}
	if err := c.blocks.SetCumulativeWork(cumWork); err != nil {
		return fmt.Errorf("reorg: set cumulative work: %w", err)
	}
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("reorg: delete checkpoint: %w", err)
	}

	// Return orphaned non-coinbase transactions to the mempool, excluding
	// any that made it into the new branch.
	if c.revertedTxHandler != nil && len(orphans) > 0 {
		newBranchTxs := make(map[types.Hash]bool)
		for _, blk := range newBranch {
			for _, t := range blk.Transactions {
				newBranchTxs[t.Hash()] = true
			}
		}
		var toReturn []*tx.Transaction
		for _, blk := range orphans { // Newest first.
			for _, t := range blk.Transactions[1:] { // Skip coinbase.
				if !newBranchTxs[t.Hash()] {
					toReturn = append(toReturn, t)
				}
			}
		}
		if len(toReturn) > 0 {
			c.revertedTxHandler(toReturn)
		}
	}

	return nil
}

// collectBranch collects blocks from the given hash back to the fork point
// (common ancestor with the current main chain).
// Returns blocks in ascending height order (fork+1 ... newTip).
func (c *Chain) collectBranch(tipHash types.Hash) ([]*block.Block, error) {
	var branch []*block.Block
	hash := tipHash

	for {
		blk, err := c.blocks.GetBlock(hash)
		if err != nil {
			return nil, fmt.Errorf("load block %s: %w", hash, err)
		}
		branch = append(branch, blk)

		if len(branch) > MaxReorgDepth {
			return nil, fmt.Errorf("%w: branch exceeds %d blocks", ErrReorgTooDeep, MaxReorgDepth)
		}

		// If this block's parent is on the main chain at (height-1), we found the fork.
		if blk.Header.Height == 0 {
			// Reject reorgs that would replace the genesis block.
			if !c.genesisHash.IsZero() && blk.Hash() != c.genesisHash {
				return nil, ErrGenesisReorg
			}
			break
		}
		parentHeight := blk.Header.Height - 1
		mainBlock, err := c.blocks.GetBlockByHeight(parentHeight)
		if err == nil && mainBlock.Hash() == blk.Header.PrevHash {
			break // Common ancestor found.
		}
		hash = blk.Header.PrevHash
	}

	// Reverse to ascending order.
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}

	return branch, nil
}
