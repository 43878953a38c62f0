package netmsg

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// maxPendingBlocks bounds the side-branch buffer so a peer feeding blocks
// with missing ancestors can't grow it without limit.
const maxPendingBlocks = 256

// MessageSender is how a Dispatcher talks back to the peer it's handling
// a message from: reply to a Hello with a SyncRequest, stream Blocks for
// a SyncRequest, reply to a Ping with a Pong. A transport implements this
// once per connection and hands it to the Dispatcher at construction.
type MessageSender interface {
	SendMessage(Message) error
}

// MessageDeliverer is what a transport calls when a framed Message arrives
// from a peer. A Dispatcher is a MessageDeliverer; transports don't need to
// know anything about chains, blocks, or mempools beyond this one method.
type MessageDeliverer interface {
	DeliverMessage(Message) error
}

// ChainView is the subset of *chain.Chain a Dispatcher needs. Declared here
// rather than importing the concrete type's whole surface, so tests can
// supply a fake.
type ChainView interface {
	Height() uint64
	HeaderAt(height uint64) (*block.Header, error)
	GetBlockByHeight(height uint64) (*block.Block, error)
	ProcessBlock(blk *block.Block) error
}

// MempoolView is the subset of *mempool.Pool a Dispatcher needs.
type MempoolView interface {
	Add(transaction *tx.Transaction) (uint64, error)
}

// Dispatcher implements the six-message handling table: Hello, SyncRequest,
// Block, Transaction, Ping, Pong. One Dispatcher is bound to one peer
// connection via its MessageSender; the Chain and Pool it wraps are shared
// across every peer.
type Dispatcher struct {
	chain ChainView
	pool  MempoolView
	peer  MessageSender

	mu      sync.Mutex
	pending map[types.Hash][]*block.Block // keyed by the missing parent hash
}

// NewDispatcher builds a Dispatcher for a single peer connection. peer is
// used to send replies (SyncRequest on a height gap, Pong on a Ping) back
// to that same connection. peer may be nil at construction time and wired
// in afterward with SetSender, for transports where the sender and
// deliverer reference each other (see Loopback).
func NewDispatcher(chainView ChainView, pool MempoolView, peer MessageSender) *Dispatcher {
	return &Dispatcher{
		chain:   chainView,
		pool:    pool,
		peer:    peer,
		pending: make(map[types.Hash][]*block.Block),
	}
}

// SetSender binds (or rebinds) the MessageSender this Dispatcher replies
// through.
func (d *Dispatcher) SetSender(peer MessageSender) {
	d.peer = peer
}

// DeliverMessage routes a single inbound Message to its handler.
func (d *Dispatcher) DeliverMessage(msg Message) error {
	if len(msg.Payload) > MaxMessageSize {
		return fmt.Errorf("netmsg: payload %d bytes exceeds MaxMessageSize %d", len(msg.Payload), MaxMessageSize)
	}
	switch msg.Kind {
	case KindHello:
		return d.handleHello(msg.Payload)
	case KindSyncRequest:
		return d.handleSyncRequest(msg.Payload)
	case KindBlock:
		return d.handleBlock(msg.Payload)
	case KindTransaction:
		return d.handleTransaction(msg.Payload)
	case KindPing:
		return d.handlePing()
	case KindPong:
		return nil
	default:
		return fmt.Errorf("netmsg: unknown message kind %d", msg.Kind)
	}
}

// handleHello requests a sync when the peer is ahead of the local chain.
// A Hello whose version differs from ProtocolVersion is logged and ignored:
// no reply is sent and the peer's connection is left open.
func (d *Dispatcher) handleHello(payload []byte) error {
	var h Hello
	if err := json.Unmarshal(payload, &h); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}
	if h.Version != ProtocolVersion {
		log.Netmsg.Debug().Uint32("peer_version", h.Version).Msg("ignoring hello: protocol version mismatch")
		return nil
	}

	localHeight := d.chain.Height()
	if h.Height <= localHeight {
		return nil
	}

	req, err := EncodeSyncRequest(SyncRequest{FromHeight: localHeight})
	if err != nil {
		return fmt.Errorf("encode sync request: %w", err)
	}
	return d.peer.SendMessage(req)
}

// handleSyncRequest streams every block at or above FromHeight back to
// the requesting peer.
func (d *Dispatcher) handleSyncRequest(payload []byte) error {
	var req SyncRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode sync request: %w", err)
	}

	count := d.chain.Height() // number of blocks, so the tip is count-1
	for height := req.FromHeight; height < count; height++ {
		blk, err := d.chain.GetBlockByHeight(height)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", height, err)
		}
		msg, err := EncodeBlock(blk)
		if err != nil {
			return fmt.Errorf("encode block at height %d: %w", height, err)
		}
		if err := d.peer.SendMessage(msg); err != nil {
			return fmt.Errorf("send block at height %d: %w", height, err)
		}
	}
	return nil
}

// handleBlock validates and adds the block to the chain. A block rejected
// for lacking a known parent is buffered; once its parent lands, buffered
// children are retried in order. Chain already folds a known-parent fork
// into Reorg internally, so only the missing-ancestor case needs buffering
// here.
func (d *Dispatcher) handleBlock(payload []byte) error {
	var blk block.Block
	if err := json.Unmarshal(payload, &blk); err != nil {
		return fmt.Errorf("decode block: %w", err)
	}
	return d.acceptBlock(&blk)
}

func (d *Dispatcher) acceptBlock(blk *block.Block) error {
	err := d.chain.ProcessBlock(blk)
	switch {
	case err == nil:
		d.promotePending(blk.Hash())
		return nil
	case errors.Is(err, chain.ErrBlockKnown):
		return nil
	case errors.Is(err, chain.ErrPrevNotFound):
		d.bufferPending(blk)
		return nil
	default:
		log.Netmsg.Debug().Err(err).Msg("rejected block")
		return nil
	}
}

// bufferPending holds a block whose parent hasn't arrived yet, keyed by
// that parent's hash. Once the buffer fills, the blocks buffered under one
// parent (whichever the map iteration yields first, not necessarily the
// oldest) are dropped, since an unbounded buffer is a memory-exhaustion vector
// for a peer that never supplies the missing ancestors.
func (d *Dispatcher) bufferPending(blk *block.Block) {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for _, blocks := range d.pending {
		total += len(blocks)
	}
	if total >= maxPendingBlocks {
		for parent := range d.pending {
			delete(d.pending, parent)
			break
		}
	}

	parent := blk.Header.PrevHash
	d.pending[parent] = append(d.pending[parent], blk)
}

// promotePending retries every block buffered against parentHash now that
// it has just been accepted, recursively chaining through any children of
// those as well.
func (d *Dispatcher) promotePending(parentHash types.Hash) {
	d.mu.Lock()
	children := d.pending[parentHash]
	delete(d.pending, parentHash)
	d.mu.Unlock()

	for _, child := range children {
		if err := d.acceptBlock(child); err != nil {
			log.Netmsg.Debug().Err(err).Msg("buffered block rejected on retry")
		}
	}
}

// handleTransaction attempts mempool admission and ignores failure — a
// rejected transaction just never enters this node's mempool, it's not a
// protocol violation by the peer that relayed it.
func (d *Dispatcher) handleTransaction(payload []byte) error {
	var transaction tx.Transaction
	if err := json.Unmarshal(payload, &transaction); err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	if _, err := d.pool.Add(&transaction); err != nil {
		log.Netmsg.Debug().Err(err).Str("tx", transaction.Hash().String()).Msg("mempool rejected relayed transaction")
	}
	return nil
}

func (d *Dispatcher) handlePing() error {
	pong, err := EncodePong()
	if err != nil {
		return fmt.Errorf("encode pong: %w", err)
	}
	return d.peer.SendMessage(pong)
}
