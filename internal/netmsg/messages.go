// Package netmsg defines the node-to-node message protocol and a
// transport-agnostic dispatcher for it. A transport only needs to move
// opaque framed bytes between peers; everything protocol-specific (what
// a Hello means, when to reply with a SyncRequest) lives here.
package netmsg

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
)

// ProtocolVersion is the version advertised in Hello. A Hello advertising
// any other version is ignored by the Dispatcher.
const ProtocolVersion uint32 = 1

// MaxMessageSize is the largest framed message a transport may deliver to
// DeliverMessage. A Block message's JSON encoding runs larger than the raw
// block it carries (byte slices base64-encode at 4/3, plus struct/field
// overhead), so the budget is set well above config.MaxBlockSize rather
// than equal to it.
const MaxMessageSize = 4 * config.MaxBlockSize

// Kind identifies the type of a Message's payload.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindSyncRequest
	KindBlock
	KindTransaction
	KindPing
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindSyncRequest:
		return "SyncRequest"
	case KindBlock:
		return "Block"
	case KindTransaction:
		return "Transaction"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Message is the framed envelope a transport moves between peers. Payload
// is the JSON encoding of the type named by Kind.
type Message struct {
	Kind    Kind   `json:"kind"`
	Payload []byte `json:"payload"`
}

// Hello announces a peer's protocol version and chain height. Sent once
// when a connection is established.
type Hello struct {
	Version uint32 `json:"version"`
	Height  uint64 `json:"height"`
}

// SyncRequest asks the peer to stream Block messages for every height at
// or above FromHeight.
type SyncRequest struct {
	FromHeight uint64 `json:"from_height"`
}

// Ping/Pong are empty liveness messages; Pong carries no payload of its own.
type Ping struct{}
type Pong struct{}

// encode wraps a typed payload into a Message.
func encode(kind Kind, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Message{Kind: kind, Payload: data}, nil
}

// EncodeHello builds a Hello message.
func EncodeHello(h Hello) (Message, error) { return encode(KindHello, h) }

// EncodeSyncRequest builds a SyncRequest message.
func EncodeSyncRequest(s SyncRequest) (Message, error) { return encode(KindSyncRequest, s) }

// EncodeBlock builds a Block message.
func EncodeBlock(blk *block.Block) (Message, error) { return encode(KindBlock, blk) }

// EncodeTransaction builds a Transaction message.
func EncodeTransaction(t *tx.Transaction) (Message, error) { return encode(KindTransaction, t) }

// EncodePing builds a Ping message.
func EncodePing() (Message, error) { return encode(KindPing, Ping{}) }

// EncodePong builds a Pong message.
func EncodePong() (Message, error) { return encode(KindPong, Pong{}) }
