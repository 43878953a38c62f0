// Package consensus implements proof-of-work validation, mining, and
// difficulty retargeting.
package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet target")
	ErrBadTarget        = errors.New("block target does not match expected target")
)

// ChainView is the minimal view of chain history the retargeting algorithm
// needs: total header count and random access to any header by height.
type ChainView interface {
	Height() uint64 // number of blocks already in the chain (0 = empty)
	HeaderAt(height uint64) (*block.Header, error)
}

// PoW implements proof-of-work consensus. All target state is derived from
// the chain and encoded in each block header; the engine itself holds no
// mutable consensus state.
type PoW struct {
	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded (default). Each goroutine searches a
	// strided partition of the nonce space.
	Threads int
}

// NewPoW creates a new PoW engine.
func NewPoW(threads int) *PoW {
	return &PoW{Threads: threads}
}

// ValidPoW reports whether hash, interpreted as a big-endian 256-bit
// integer, is ≤ target.
func ValidPoW(hash, target types.Hash) bool {
	return new(big.Int).SetBytes(hash[:]).Cmp(new(big.Int).SetBytes(target[:])) <= 0
}

// VerifyHeader checks that the header's hash satisfies its own stated
// target. It does not check that the target itself is the expected one for
// the chain — see ExpectedTarget/VerifyTarget for that.
func (p *PoW) VerifyHeader(header *block.Header) error {
	hash := header.Hash()
	if !ValidPoW(hash, header.Target) {
		return ErrInsufficientWork
	}
	return nil
}

// ExpectedTarget implements §4.6 retargeting against the given chain view.
func ExpectedTarget(chain ChainView) (types.Hash, error) {
	h := chain.Height()
	if h == 0 {
		return config.MaxTarget, nil
	}

	if h < config.DifficultyAdjustmentInterval+1 || h%config.DifficultyAdjustmentInterval != 0 {
		last, err := chain.HeaderAt(h - 1)
		if err != nil {
			return types.Hash{}, err
		}
		return last.Target, nil
	}

	first, err := chain.HeaderAt(h - config.DifficultyAdjustmentInterval - 1)
	if err != nil {
		return types.Hash{}, err
	}
	last, err := chain.HeaderAt(h - 1)
	if err != nil {
		return types.Hash{}, err
	}

	actual := last.Timestamp - first.Timestamp
	expected := int64(config.TargetBlockTime) * int64(config.DifficultyAdjustmentInterval)

	return ScaleTarget(last.Target, actual, expected), nil
}

// ScaleTarget scales target by actual/expected using 256-bit integer
// arithmetic (multiply then divide), clamped to [MIN_TARGET, MAX_TARGET].
func ScaleTarget(target types.Hash, actual, expected int64) types.Hash {
	if actual <= 0 {
		actual = 1
	}
	if expected <= 0 {
		expected = 1
	}

	t := new(big.Int).SetBytes(target[:])
	a := big.NewInt(actual)
	e := big.NewInt(expected)

	t.Mul(t, a)
	t.Div(t, e)

	minT := new(big.Int).SetBytes(config.MinTarget[:])
	maxT := new(big.Int).SetBytes(config.MaxTarget[:])
	if t.Cmp(minT) < 0 {
		t = minT
	}
	if t.Cmp(maxT) > 0 {
		t = maxT
	}

	return bigIntToHash(t)
}

// VerifyTarget checks that a block header's stated target matches the
// expected target computed from chain history.
func VerifyTarget(header *block.Header, chain ChainView) error {
	expected, err := ExpectedTarget(chain)
	if err != nil {
		return err
	}
	if header.Target != expected {
		return fmt.Errorf("%w: height %d has target %s, want %s",
			ErrBadTarget, header.Height, header.Target, expected)
	}
	return nil
}

// maxWorkDividend is 2^256, the numerator of the work formula.
var maxWorkDividend = new(big.Int).Lsh(big.NewInt(1), 256)

// BlockWork returns the proof-of-work contributed by a single block with the
// given target: 2^256 / (target + 1). A zero target contributes zero work
// (defensive: a genuine zero target should never occur, and treating it as
// infinite work would let a malformed header dominate fork choice).
func BlockWork(target types.Hash) *big.Int {
	if target.IsZero() {
		return big.NewInt(0)
	}
	denom := new(big.Int).SetBytes(target[:])
	denom.Add(denom, big.NewInt(1))
	return new(big.Int).Div(maxWorkDividend, denom)
}

func bigIntToHash(v *big.Int) types.Hash {
	var h types.Hash
	b := v.Bytes()
	if len(b) > types.HashSize {
		b = b[len(b)-types.HashSize:]
	}
	copy(h[types.HashSize-len(b):], b)
	return h
}

// Seal mines the block by iterating the nonce until valid_pow holds against
// the target already set in the header. If Threads > 1, mining runs in
// parallel goroutines with strided nonce partitioning.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support. When the
// context is cancelled, mining stops and ctx.Err() is returned.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, threads)
}

// nonceOffset is the byte offset of Nonce within Header.SigningBytes():
// height(8) | timestamp(8) | prev_hash(32) | nonce(8) | target(32) | merkle_root(32).
// Nonce sits between prev_hash and target, so the mining loop keeps a
// mutable buffer and only overwrites these 8 bytes per iteration instead of
// re-serializing the whole header.
const nonceOffset = 8 + 8 + types.HashSize

// sealSingle mines with a single goroutine.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	h := blk.Header
	buf := h.SigningBytes()

	for nonce := uint64(0); ; nonce++ {
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(buf[nonceOffset:], nonce)
		hash := crypto.DoubleHash(buf)
		if ValidPoW(hash, h.Target) {
			h.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	h := blk.Header
	prefix := h.SigningBytes()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix))
			copy(buf, prefix)

			for nonce := startNonce; ; nonce += stride {
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.LittleEndian.PutUint64(buf[nonceOffset:], nonce)
				hash := crypto.DoubleHash(buf)
				if ValidPoW(hash, h.Target) {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		h.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
