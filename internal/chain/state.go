package chain

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// State holds the current chain tip state.
type State struct {
	Height         uint64
	TipHash        types.Hash
	Supply         uint64   // Total coins in circulation (genesis alloc + cumulative rewards).
	CumulativeWork *big.Int // Sum of 2^256/(target+1) over every block (fork-choice weight).
	TipTimestamp   int64    // Timestamp of the current tip block.
}

// IsGenesis returns true if no blocks have been processed yet.
func (s *State) IsGenesis() bool {
	return s.Height == 0 && s.TipHash.IsZero()
}

// work returns the cumulative work, treating a nil value as zero.
func (s *State) work() *big.Int {
	if s.CumulativeWork == nil {
		return big.NewInt(0)
	}
	return s.CumulativeWork
}
