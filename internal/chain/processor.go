package chain

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown             = errors.New("block already known")
	ErrPrevNotFound           = errors.New("previous block not found")
	ErrBadHeight              = errors.New("block height does not follow parent")
	ErrBadPrevHash            = errors.New("prev_hash does not match current tip")
	ErrApplyUTXO              = errors.New("failed to apply UTXO changes")
	ErrTimestampTooFuture     = errors.New("block timestamp too far in the future")
	ErrTimestampNotAfterMTP   = errors.New("block timestamp not strictly after median time past")
	ErrBadCoinbaseTx          = errors.New("invalid coinbase transaction")
	ErrCoinbaseRewardExceeded = errors.New("coinbase reward exceeds consensus limit")
)

// ProcessBlock validates a block and applies it to the chain.
// It checks structural validity, consensus rules, UTXO state, then
// updates the UTXO set, block store, and chain tip.
// If the block extends a fork rather than the current tip, Reorg decides
// — end to end, by cumulative work — whether it should become the new tip.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}

	hash := blk.Hash()

	// Reject duplicates.
	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if known {
		return ErrBlockKnown
	}

	// Check parent linkage first — determines whether this is a tip
	// extension or a fork, and supplies the expected height.
	parentErr := c.checkParentLink(blk)
	if parentErr != nil && !errors.Is(parentErr, ErrForkDetected) {
		return parentErr
	}

	// Structural validation: header shape, merkle root, block size, single
	// coinbase in canonical position, canonical tx ordering, per-tx shape.
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	if errors.Is(parentErr, ErrForkDetected) {
		// Store the block and hand off to Reorg, which re-verifies target,
		// proof-of-work, and UTXO-dependent state end to end before
		// deciding (by cumulative work) whether to adopt it.
		if err := c.blocks.StoreBlock(blk); err != nil {
			return fmt.Errorf("store fork block: %w", err)
		}
		if err := c.Reorg(hash); err != nil {
			return fmt.Errorf("reorg: %w", err)
		}
		return nil
	}

	// Fast path: block extends the current tip directly.

	if err := c.verifyTarget(blk); err != nil {
		return err
	}
	if err := c.engine.VerifyHeader(blk.Header); err != nil {
		return fmt.Errorf("verify header: %w", err)
	}
	if err := c.checkTimestamp(blk); err != nil {
		return err
	}
	if err := c.validateBlockState(blk); err != nil {
		return err
	}

	// Compute block reward (new coins) before applying, while inputs are
	// still in the UTXO set. reward = coinbase_value - total_fees.
	blockReward := c.computeBlockReward(blk)

	if err := c.applyBlock(blk); err != nil {
		return fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}

	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store block: %w", err)
	}

	// Cap block reward to respect max supply.
	if c.rules.MaxSupply > 0 && c.state.Supply+blockReward > c.rules.MaxSupply {
		blockReward = c.rules.MaxSupply - c.state.Supply
	}

	c.state.Supply += blockReward
	c.state.CumulativeWork = new(big.Int).Add(c.state.work(), consensus.BlockWork(blk.Header.Target))

	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp
	if err := c.blocks.SetTip(hash, blk.Header.Height, c.state.Supply); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}
	if err := c.blocks.SetCumulativeWork(c.state.CumulativeWork); err != nil {
		return fmt.Errorf("set cumulative work: %w", err)
	}

	return nil
}

// validateBlockState checks UTXO-dependent rules: the coinbase shape,
// per-transaction signature/ownership/maturity validation, and that the
// coinbase sum stays within block_reward(H) plus collected fees.
// Used by both the fast path and reorg replay to ensure consistent validation.
func (c *Chain) validateBlockState(blk *block.Block) error {
	coinbaseTx := blk.Transactions[0]
	if len(coinbaseTx.Inputs) != 0 {
		return ErrBadCoinbaseTx
	}

	utxoProvider := &chainUTXOProvider{set: c.utxos}
	var totalFees uint64
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue // Coinbase.
		}
		fee, err := transaction.ValidateWithUTXOs(utxoProvider, blk.Header.Height)
		if err != nil {
			return fmt.Errorf("tx %d validation: %w", i, err)
		}
		if totalFees > math.MaxUint64-fee {
			return fmt.Errorf("tx %d fee overflow", i)
		}
		totalFees += fee
	}

	coinbaseTotal, err := coinbaseTx.TotalOutputValue()
	if err != nil {
		return fmt.Errorf("coinbase output overflow: %w", err)
	}

	allowedReward := c.rules.BlockRewardAt(blk.Header.Height)
	if c.rules.MaxSupply > 0 {
		if c.state.Supply >= c.rules.MaxSupply {
			allowedReward = 0
		} else if remaining := c.rules.MaxSupply - c.state.Supply; allowedReward > remaining {
			allowedReward = remaining
		}
	}
	allowedCoinbase := allowedReward
	if allowedCoinbase > math.MaxUint64-totalFees {
		allowedCoinbase = math.MaxUint64
	} else {
		allowedCoinbase += totalFees
	}
	if coinbaseTotal > allowedCoinbase {
		return fmt.Errorf("%w: coinbase=%d allowed=%d (reward=%d fees=%d)",
			ErrCoinbaseRewardExceeded, coinbaseTotal, allowedCoinbase, allowedReward, totalFees)
	}

	return nil
}

// checkParentLink verifies that the block's PrevHash and Height are consistent
// with the current chain tip.
func (c *Chain) checkParentLink(blk *block.Block) error {
	// Genesis block: PrevHash must be zero, height must be 0.
	if c.state.IsGenesis() {
		if blk.Header.Height != 0 {
			return fmt.Errorf("%w: genesis must be height 0, got %d", ErrBadHeight, blk.Header.Height)
		}
		if !blk.Header.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis must have zero prev_hash", ErrBadPrevHash)
		}
		return nil
	}

	// Non-genesis: check if block extends current tip.
	if blk.Header.PrevHash == c.state.TipHash {
		expectedHeight := c.state.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, expectedHeight, blk.Header.Height)
		}
		return nil
	}

	// PrevHash != tip. Check if the parent exists (fork) or is truly unknown.
	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("check parent: %w", err)
	}
	if parentKnown {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load parent block: %w", err)
		}
		expectedHeight := parentBlk.Header.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: parent height %d implies %d, got %d",
				ErrBadHeight, parentBlk.Header.Height, expectedHeight, blk.Header.Height)
		}
		return fmt.Errorf("%w: block %d forks from %s", ErrForkDetected, blk.Header.Height, blk.Header.PrevHash)
	}
	return ErrPrevNotFound
}

// checkTimestamp enforces the §4.3 timestamp bounds: a block's timestamp
// must be strictly after the median of the preceding MTPWindow blocks'
// timestamps, and not further than MaxFutureDrift ahead of wall-clock.
// Genesis has no predecessor and is exempt.
func (c *Chain) checkTimestamp(blk *block.Block) error {
	if blk.Header.Height == 0 {
		return nil
	}

	mtp, err := c.medianTimePast(blk.Header.Height)
	if err != nil {
		return err
	}
	if blk.Header.Timestamp <= mtp {
		return fmt.Errorf("%w: timestamp %d <= median time past %d", ErrTimestampNotAfterMTP, blk.Header.Timestamp, mtp)
	}

	maxTime := time.Now().Unix() + config.MaxFutureDrift
	if blk.Header.Timestamp > maxTime {
		return fmt.Errorf("%w: timestamp %d exceeds max %d", ErrTimestampTooFuture, blk.Header.Timestamp, maxTime)
	}
	return nil
}

// medianTimePast returns the median timestamp of the up-to-MTPWindow blocks
// immediately preceding beforeHeight.
func (c *Chain) medianTimePast(beforeHeight uint64) (int64, error) {
	n := beforeHeight
	if n > config.MTPWindow {
		n = config.MTPWindow
	}
	if n == 0 {
		return 0, nil
	}

	times := make([]int64, 0, n)
	for h := beforeHeight - n; h < beforeHeight; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return 0, fmt.Errorf("median time past: load block at height %d: %w", h, err)
		}
		times = append(times, blk.Header.Timestamp)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2], nil
}

// computeBlockReward calculates the new coins minted in this block.
// Block reward = coinbase output value - total fees from non-coinbase txs.
// Must be called BEFORE applyBlock (needs UTXO set for input values).
func (c *Chain) computeBlockReward(blk *block.Block) uint64 {
	if len(blk.Transactions) == 0 || len(blk.Transactions[0].Outputs) == 0 {
		return 0
	}

	coinbaseValue, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return 0
	}

	// Sum fees from non-coinbase transactions.
	var totalFees uint64
	for _, transaction := range blk.Transactions[1:] {
		var inputSum, outputSum uint64
		for _, in := range transaction.Inputs {
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				continue // Input not found (shouldn't happen after validation).
			}
			if inputSum > math.MaxUint64-u.Value {
				continue // Overflow guard.
			}
			inputSum += u.Value
		}
		for _, out := range transaction.Outputs {
			if outputSum > math.MaxUint64-out.Value {
				continue // Overflow guard.
			}
			outputSum += out.Value
		}
		if inputSum > outputSum {
			fee := inputSum - outputSum
			if totalFees > math.MaxUint64-fee {
				continue // Overflow guard.
			}
			totalFees += fee
		}
	}

	// Reward = coinbase value minus recycled fees.
	if coinbaseValue > totalFees {
		return coinbaseValue - totalFees
	}
	return 0
}

type chainUTXOProvider struct {
	set utxo.Set
}

func (p *chainUTXOProvider) GetUTXO(outpoint types.Outpoint) (tx.UTXOEntry, bool) {
	u, err := p.set.Get(outpoint)
	if err != nil {
		return tx.UTXOEntry{}, false
	}
	return tx.UTXOEntry{Value: u.Value, Script: u.Script, Height: u.Height, IsCoinbase: u.Coinbase}, true
}

// applyBlock updates the UTXO set: spends inputs and creates outputs.
// The coinbase transaction has no inputs, so the spend loop is a no-op for it.
func (c *Chain) applyBlock(blk *block.Block) error {
	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		isCoinbase := txIdx == 0 && blk.Header.Height > 0

		for _, in := range transaction.Inputs {
			if err := c.utxos.Delete(in.PrevOut); err != nil {
				return fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
		}

		for i, out := range transaction.Outputs {
			u := &utxo.UTXO{
				Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
				Value:    out.Value,
				Script:   out.Script,
				Height:   blk.Header.Height,
				Coinbase: isCoinbase,
			}
			if err := c.utxos.Put(u); err != nil {
				return fmt.Errorf("create output %s:%d: %w", txHash, i, err)
			}
		}
	}
	return nil
}
