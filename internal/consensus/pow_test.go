package consensus

import (
	"math/big"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// fakeChain is a minimal in-memory ChainView for retargeting tests.
type fakeChain struct {
	headers []*block.Header
}

func (f *fakeChain) Height() uint64 { return uint64(len(f.headers)) }

func (f *fakeChain) HeaderAt(height uint64) (*block.Header, error) {
	if height >= uint64(len(f.headers)) {
		return nil, errOutOfRange
	}
	return f.headers[height], nil
}

var errOutOfRange = &rangeError{}

type rangeError struct{}

func (*rangeError) Error() string { return "height out of range" }

func TestValidPoW_EqualToTarget(t *testing.T) {
	target := types.Hash{0x00, 0xFF}
	hash := types.Hash{0x00, 0xFF}
	if !ValidPoW(hash, target) {
		t.Error("hash == target should be valid")
	}
}

func TestValidPoW_AboveTarget(t *testing.T) {
	target := types.Hash{0x00, 0x01}
	hash := types.Hash{0x00, 0x02}
	if ValidPoW(hash, target) {
		t.Error("hash > target should be invalid")
	}
}

func TestValidPoW_BelowTarget(t *testing.T) {
	target := types.Hash{0x00, 0x02}
	hash := types.Hash{0x00, 0x01}
	if !ValidPoW(hash, target) {
		t.Error("hash < target should be valid")
	}
}

func TestPoW_SealAndVerify(t *testing.T) {
	pow := NewPoW(0)

	header := &block.Header{
		PrevHash:   types.Hash{},
		MerkleRoot: types.Hash{1, 2, 3},
		Timestamp:  1000,
		Height:     1,
		Target:     config.MaxTarget,
	}

	blk := block.NewBlock(header, nil)
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if err := pow.VerifyHeader(blk.Header); err != nil {
		t.Fatalf("VerifyHeader after Seal: %v", err)
	}
}

func TestPoW_SealParallel(t *testing.T) {
	pow := NewPoW(4)

	header := &block.Header{
		PrevHash:   types.Hash{0x01},
		MerkleRoot: types.Hash{0xDE, 0xAD},
		Timestamp:  12345,
		Height:     5,
		Target:     config.MaxTarget,
	}
	blk := block.NewBlock(header, nil)

	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := pow.VerifyHeader(blk.Header); err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}
}

func TestPoW_VerifyHeader_Rejects(t *testing.T) {
	pow := NewPoW(0)

	// A near-zero target is nearly impossible to satisfy with an arbitrary nonce.
	header := &block.Header{
		PrevHash:   types.Hash{},
		MerkleRoot: types.Hash{1, 2, 3},
		Timestamp:  1000,
		Height:     1,
		Target:     types.Hash{0x00, 0x00, 0x00, 0x01},
		Nonce:      42,
	}

	if err := pow.VerifyHeader(header); err != ErrInsufficientWork {
		t.Fatalf("VerifyHeader with tiny target = %v, want ErrInsufficientWork", err)
	}
}

func TestExpectedTarget_EmptyChain(t *testing.T) {
	chain := &fakeChain{}
	got, err := ExpectedTarget(chain)
	if err != nil {
		t.Fatalf("ExpectedTarget: %v", err)
	}
	if got != config.MaxTarget {
		t.Errorf("ExpectedTarget(empty) = %s, want MaxTarget", got)
	}
}

func TestExpectedTarget_BeforeFirstInterval(t *testing.T) {
	headers := make([]*block.Header, 5)
	for i := range headers {
		headers[i] = &block.Header{Height: uint64(i), Target: types.Hash{0xAA}}
	}
	chain := &fakeChain{headers: headers}

	got, err := ExpectedTarget(chain)
	if err != nil {
		t.Fatalf("ExpectedTarget: %v", err)
	}
	if got != (types.Hash{0xAA}) {
		t.Errorf("ExpectedTarget(before interval) = %s, want carried-forward target", got)
	}
}

func TestExpectedTarget_NotAtBoundary(t *testing.T) {
	n := config.DifficultyAdjustmentInterval + 5
	headers := make([]*block.Header, n)
	for i := range headers {
		headers[i] = &block.Header{Height: uint64(i), Target: types.Hash{0xBB}}
	}
	chain := &fakeChain{headers: headers}

	got, err := ExpectedTarget(chain)
	if err != nil {
		t.Fatalf("ExpectedTarget: %v", err)
	}
	if got != (types.Hash{0xBB}) {
		t.Errorf("ExpectedTarget(not at boundary) = %s, want carried-forward target", got)
	}
}

func TestExpectedTarget_Retarget_ExactTiming(t *testing.T) {
	n := config.DifficultyAdjustmentInterval + 1
	headers := make([]*block.Header, n)
	lastTarget := types.Hash{0x00, 0x00, 0xFF, 0xFF}
	for i := range headers {
		headers[i] = &block.Header{Height: uint64(i), Target: lastTarget}
	}
	headers[0].Timestamp = 0
	headers[n-1].Timestamp = int64(config.TargetBlockTime) * int64(config.DifficultyAdjustmentInterval)
	chain := &fakeChain{headers: headers}

	got, err := ExpectedTarget(chain)
	if err != nil {
		t.Fatalf("ExpectedTarget: %v", err)
	}
	if got != lastTarget {
		t.Errorf("ExpectedTarget(exact timing) = %s, want unchanged target %s", got, lastTarget)
	}
}

func TestScaleTarget_DoubleSpeed_HalvesTarget(t *testing.T) {
	// Blocks arriving 2x faster than expected should harden (halve) the target.
	target := types.Hash{0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}
	got := ScaleTarget(target, 300, 600)

	want := new(big.Int).SetBytes(target[:])
	want.Div(want, big.NewInt(2))

	gotInt := new(big.Int).SetBytes(got[:])
	if gotInt.Cmp(want) != 0 {
		t.Errorf("ScaleTarget(2x fast) = %s, want %s", gotInt, want)
	}
}

func TestScaleTarget_ClampToMax(t *testing.T) {
	got := ScaleTarget(config.MaxTarget, 100000, 1)
	if got != config.MaxTarget {
		t.Errorf("ScaleTarget should clamp to MaxTarget, got %s", got)
	}
}

func TestScaleTarget_ClampToMin(t *testing.T) {
	got := ScaleTarget(config.MinTarget, 1, 100000)
	if got != config.MinTarget {
		t.Errorf("ScaleTarget should clamp to MinTarget, got %s", got)
	}
}

func TestVerifyTarget_Matches(t *testing.T) {
	chain := &fakeChain{}
	header := &block.Header{Height: 0, Target: config.MaxTarget}
	if err := VerifyTarget(header, chain); err != nil {
		t.Errorf("VerifyTarget: %v", err)
	}
}

func TestBlockWork_ZeroTarget(t *testing.T) {
	if got := BlockWork(types.Hash{}); got.Sign() != 0 {
		t.Errorf("BlockWork(zero target) = %s, want 0", got)
	}
}

func TestBlockWork_MaxTargetIsSmallest(t *testing.T) {
	easy := BlockWork(config.MaxTarget)
	hard := BlockWork(config.MinTarget)
	if easy.Cmp(hard) >= 0 {
		t.Errorf("BlockWork(MaxTarget)=%s should be < BlockWork(MinTarget)=%s", easy, hard)
	}
}

func TestBlockWork_HalvedTargetDoublesWork(t *testing.T) {
	target := types.Hash{0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	halved := ScaleTarget(target, 1, 2)

	w1 := BlockWork(target)
	w2 := BlockWork(halved)

	// w2 should be roughly double w1 (exact 2x only in the limit; bound loosely).
	ratio := new(big.Int).Div(w2, w1)
	if ratio.Int64() < 1 {
		t.Errorf("halving target should not decrease work: w1=%s w2=%s", w1, w2)
	}
}

func TestVerifyTarget_Mismatch(t *testing.T) {
	chain := &fakeChain{}
	header := &block.Header{Height: 0, Target: types.Hash{0x01}}
	if err := VerifyTarget(header, chain); err == nil {
		t.Error("expected ErrBadTarget")
	}
}
