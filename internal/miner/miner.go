// Package miner implements block production: selecting mempool
// transactions, assembling a coinbase, and sealing the result under
// proof-of-work.
package miner

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ChainState provides read-only access to the current chain tip, the
// minimum a miner needs to assemble the next block header.
type ChainState interface {
	Height() uint64
	TipHash() types.Hash
	HeaderAt(height uint64) (*block.Header, error)
	Supply() uint64
}

// MempoolSelector selects transactions for block inclusion.
type MempoolSelector interface {
	SelectForBlock(limit int, maxBytes uint64) []*tx.Transaction
	GetFee(txHash types.Hash) uint64
}

// Miner produces new candidate blocks. It never applies a block to the
// chain — ProcessBlock does that — so a produced block can be discarded
// or rejected without side effects.
type Miner struct {
	chain       ChainState
	engine      *consensus.PoW
	pool        MempoolSelector
	pkHash      types.Hash
	rules       config.ConsensusRules
	maxBlockTxs int
}

// New creates a block producer that pays rewards to pkHash, the 32-byte
// pubkey hash of the miner's address.
func New(chain ChainState, engine *consensus.PoW, pool MempoolSelector, pkHash types.Hash, rules config.ConsensusRules) *Miner {
	return &Miner{
		chain:       chain,
		engine:      engine,
		pool:        pool,
		pkHash:      pkHash,
		rules:       rules,
		maxBlockTxs: config.MaxBlockTxs,
	}
}

// ProduceBlock builds, seals, and returns a new block using the current
// time as its timestamp. The block is not applied to the chain; callers
// pass the result to Chain.ProcessBlock.
func (m *Miner) ProduceBlock() (*block.Block, error) {
	return m.ProduceBlockCtx(context.Background())
}

// ProduceBlockCtx builds and seals a block with cancellation support. When
// ctx is cancelled, proof-of-work sealing stops and the context error is
// returned.
func (m *Miner) ProduceBlockCtx(ctx context.Context) (*block.Block, error) {
	height := m.chain.Height()

	target, err := consensus.ExpectedTarget(m.chain)
	if err != nil {
		return nil, fmt.Errorf("compute target: %w", err)
	}

	var parentTimestamp int64
	if height > 0 {
		parent, err := m.chain.HeaderAt(height - 1)
		if err != nil {
			return nil, fmt.Errorf("load parent header: %w", err)
		}
		parentTimestamp = parent.Timestamp
	}
	timestamp := time.Now().Unix()
	if timestamp <= parentTimestamp {
		timestamp = parentTimestamp + 1
	}

	// Select mempool transactions first so total fees are known before the
	// coinbase output value is fixed.
	var selected []*tx.Transaction
	var totalFees uint64
	if m.pool != nil {
		// Reserve a slot (and implicitly some bytes) for the coinbase; the
		// pool greedy-packs the rest against both limits, re-validating each
		// candidate against a provisional UTXO view of everything selected
		// ahead of it.
		selected = m.pool.SelectForBlock(m.maxBlockTxs-1, config.MaxBlockTxBytes)
		for _, t := range selected {
			fee := m.pool.GetFee(t.Hash())
			if totalFees > ^uint64(0)-fee {
				return nil, fmt.Errorf("total fees overflow")
			}
			totalFees += fee
		}
	}

	// Canonical order: coinbase first, remainder sorted by hash ascending.
	sort.Slice(selected, func(i, j int) bool {
		hi, hj := selected[i].Hash(), selected[j].Hash()
		return lessHash(hi, hj)
	})

	// Cap the reward against the remaining mintable supply, mirroring the
	// clamp Chain.ProcessBlock applies, so sealing never wastes work on a
	// block that would be rejected on submission.
	reward := m.rules.BlockRewardAt(height)
	if m.rules.MaxSupply > 0 {
		supply := m.chain.Supply()
		if supply >= m.rules.MaxSupply {
			reward = 0
		} else if remaining := m.rules.MaxSupply - supply; reward > remaining {
			reward = remaining
		}
	}
	coinbaseValue := reward
	if coinbaseValue > ^uint64(0)-totalFees {
		return nil, fmt.Errorf("coinbase value overflow")
	}
	coinbaseValue += totalFees

	coinbase := BuildCoinbase(m.pkHash, coinbaseValue, height)
	txs := make([]*tx.Transaction, 0, 1+len(selected))
	txs = append(txs, coinbase)
	txs = append(txs, selected...)

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}
	merkle := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Height:     height,
		Timestamp:  timestamp,
		PrevHash:   m.chain.TipHash(),
		Target:     target,
		MerkleRoot: merkle,
	}

	blk := block.NewBlock(header, txs)

	if err := m.engine.SealWithCancel(ctx, blk); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}

	return blk, nil
}

// BuildCoinbase creates a coinbase transaction paying value to pkHash. Its
// LockTime is set to the block height so that two coinbases paying the
// same reward to the same address at different heights never collide.
func BuildCoinbase(pkHash types.Hash, value, height uint64) *tx.Transaction {
	return &tx.Transaction{
		Version:  1,
		Outputs:  []tx.Output{{Value: value, Script: types.P2PKHScript(pkHash)}},
		LockTime: height,
	}
}

func lessHash(a, b types.Hash) bool {
	return new(big.Int).SetBytes(a[:]).Cmp(new(big.Int).SetBytes(b[:])) < 0
}
