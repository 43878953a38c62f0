// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in mempool")
	ErrConflict          = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull          = errors.New("mempool is full")
	ErrValidation        = errors.New("transaction failed validation")
	ErrFeeTooLow         = errors.New("transaction fee below minimum")
	ErrCoinbaseNotMature = errors.New("coinbase output not mature")
)

// entry wraps a transaction with its fee and the size it was measured
// against. Fee-rate comparisons between two entries cross multiply fee*size
// rather than dividing, so ranking never depends on floating-point rounding.
type entry struct {
	tx     *tx.Transaction
	txHash types.Hash
	fee    uint64
	size   uint64
}

// feeRateLess reports whether a's fee rate (fee/size) is strictly less
// than b's, via cross multiplication: a.fee/a.size < b.fee/b.size
// iff a.fee*b.size < b.fee*a.size.
func feeRateLess(a, b *entry) bool {
	ahi, alo := mul64(a.fee, b.size)
	bhi, blo := mul64(b.fee, a.size)
	if ahi != bhi {
		return ahi < bhi
	}
	return alo < blo
}

// Pool holds unconfirmed transactions.
type Pool struct {
	mu         sync.RWMutex
	txs        map[types.Hash]*entry         // txHash -> entry
	spends     map[types.Outpoint]types.Hash // outpoint -> txHash (conflict index)
	maxSize    int
	minFeeRate uint64 // Minimum fee rate in base units per byte (0 = no minimum).
	utxos      tx.UTXOProvider

	heightFn func() uint64 // Current chain height, used for coinbase maturity.
}

// DefaultMaxSize is used when New is called with maxSize <= 0.
const DefaultMaxSize = 5000

// New creates a new mempool with the given UTXO provider and max size.
func New(utxos tx.UTXOProvider, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Pool{
		txs:     make(map[types.Hash]*entry),
		spends:  make(map[types.Outpoint]types.Hash),
		maxSize: maxSize,
		utxos:   utxos,
	}
}

// SetMinFeeRate sets the minimum fee rate (base units per byte) for transaction acceptance.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate (base units per byte).
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// SetHeightFunc wires the pool to a source of the current chain height.
// Transaction validation (coinbase maturity) uses height 0 until this is
// called.
func (p *Pool) SetHeightFunc(heightFn func() uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heightFn = heightFn
}

// Add validates and adds a transaction to the mempool.
// Returns the computed fee. Rejects duplicates and double-spend conflicts.
func (p *Pool) Add(transaction *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()

	// Reject duplicates.
	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	// Check for double-spend conflicts against the rest of the pool.
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			return 0, fmt.Errorf("%w: input %s already spent by %s", ErrConflict, in.PrevOut, conflictHash)
		}
	}

	var currentHeight uint64
	if p.heightFn != nil {
		currentHeight = p.heightFn()
	}

	// UTXO-aware validation: outpoint existence, coinbase maturity,
	// signature, and fee, all in one pass against the live UTXO set.
	fee, err := transaction.ValidateWithUTXOs(p.utxos, currentHeight)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	sigBytes := uint64(len(transaction.SigningBytes()))

	// Enforce minimum fee rate (fee per byte of SigningBytes), comparing
	// fee against rate*size without risking uint64 overflow.
	if p.minFeeRate > 0 {
		hi, lo := mul64(p.minFeeRate, sigBytes)
		if hi != 0 || lo > fee {
			return 0, fmt.Errorf("%w: got %d, need %d (%d bytes x %d rate)", ErrFeeTooLow, fee, lo, sigBytes, p.minFeeRate)
		}
	}

	// Check pool capacity — evict lowest fee-rate if new tx pays more.
	candidate := &entry{tx: transaction, txHash: txHash, fee: fee, size: sigBytes}
	if len(p.txs) >= p.maxSize {
		lowestHash, lowest, ok := p.lowestFeeRateLocked()
		if !ok || !feeRateLess(lowest, candidate) {
			return 0, ErrPoolFull
		}
		p.removeLocked(lowestHash)
	}

	// Add to pool and conflict index.
	p.txs[txHash] = candidate
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}

	return fee, nil
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	// Clean up spend index.
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() && p.spends[in.PrevOut] == txHash {
			delete(p.spends, in.PrevOut)
		}
	}
	delete(p.txs, txHash)
}

// RemoveConfirmed removes all transactions that were included in a block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash())
	}
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a transaction in the mempool (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// lowestFeeRateLocked returns the entry (and its hash) with the lowest fee
// rate in the pool. Must be called with p.mu held.
func (p *Pool) lowestFeeRateLocked() (types.Hash, *entry, bool) {
	var lowestHash types.Hash
	var lowest *entry
	for h, e := range p.txs {
		if lowest == nil || feeRateLess(e, lowest) {
			lowest = e
			lowestHash = h
		}
	}
	return lowestHash, lowest, lowest != nil
}

// SelectForBlock greedily packs transactions for block inclusion, highest
// fee-rate first, subject to a transaction-count limit and a total
// serialized-size budget (maxBytes; 0 means unbounded). Each candidate is
// re-validated against a provisional UTXO view reflecting every earlier
// inclusion's spends and new outputs, so a chain of dependent mempool
// transactions (B spending an output A created) is packed in dependency
// order instead of silently dropping B for "input not found". A candidate
// that no longer validates, or would overflow maxBytes, is skipped rather
// than stopping the pack early.
func (p *Pool) SelectForBlock(limit int, maxBytes uint64) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}

	// Sort by fee rate descending.
	sort.Slice(entries, func(i, j int) bool {
		return feeRateLess(entries[j], entries[i])
	})

	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}

	var currentHeight uint64
	if p.heightFn != nil {
		currentHeight = p.heightFn()
	}

	overlay := newProvisionalUTXO(p.utxos)
	var totalBytes uint64
	result := make([]*tx.Transaction, 0, limit)
	for _, e := range entries {
		if len(result) >= limit {
			break
		}
		if maxBytes > 0 && totalBytes+e.size > maxBytes {
			continue
		}
		if _, err := e.tx.ValidateWithUTXOs(overlay, currentHeight); err != nil {
			continue
		}
		overlay.apply(e.tx)
		totalBytes += e.size
		result = append(result, e.tx)
	}
	return result
}

// provisionalUTXO layers the effect of already-selected mempool
// transactions on top of a base UTXO provider. It lets block assembly
// "virtually apply" each earlier inclusion before validating the next
// candidate, per base.
type provisionalUTXO struct {
	base    tx.UTXOProvider
	spent   map[types.Outpoint]struct{}
	created map[types.Outpoint]tx.UTXOEntry
}

func newProvisionalUTXO(base tx.UTXOProvider) *provisionalUTXO {
	return &provisionalUTXO{
		base:    base,
		spent:   make(map[types.Outpoint]struct{}),
		created: make(map[types.Outpoint]tx.UTXOEntry),
	}
}

// GetUTXO satisfies tx.UTXOProvider: an outpoint already spent by an
// earlier inclusion is gone, an outpoint an earlier inclusion created is
// visible even though it isn't in base yet, and anything else falls
// through to base.
func (o *provisionalUTXO) GetUTXO(outpoint types.Outpoint) (tx.UTXOEntry, bool) {
	if _, spent := o.spent[outpoint]; spent {
		return tx.UTXOEntry{}, false
	}
	if e, ok := o.created[outpoint]; ok {
		return e, true
	}
	return o.base.GetUTXO(outpoint)
}

// apply records t's effect on the overlay after it's been selected: its
// inputs become spent and its outputs become available to later
// candidates in the same pack.
func (o *provisionalUTXO) apply(t *tx.Transaction) {
	for _, in := range t.Inputs {
		if !in.PrevOut.IsZero() {
			o.spent[in.PrevOut] = struct{}{}
		}
	}
	txHash := t.Hash()
	for i, out := range t.Outputs {
		o.created[types.Outpoint{TxID: txHash, Index: uint32(i)}] = tx.UTXOEntry{
			Value:  out.Value,
			Script: out.Script,
		}
	}
}

// mul64 computes the full 128-bit product of x and y as (hi, lo), used to
// cross multiply fee-rate terms without uint64 overflow.
func mul64(x, y uint64) (hi, lo uint64) {
	const mask = 0xFFFFFFFF
	x0, x1 := x&mask, x>>32
	y0, y1 := y&mask, y>>32

	t := x0 * y0
	w0 := t & mask
	k := t >> 32

	t = x1*y0 + k
	w1 := t & mask
	w2 := t >> 32

	t = x0*y1 + w1
	w1 = t & mask
	k = t >> 32

	hi = x1*y1 + w2 + k
	lo = w1<<32 | w0
	return hi, lo
}
