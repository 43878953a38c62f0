package block

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Header contains block metadata committed by the header hash.
type Header struct {
	Height     uint64     `json:"height"`
	Timestamp  int64      `json:"timestamp"` // Seconds since epoch.
	PrevHash   types.Hash `json:"prev_hash"`
	Nonce      uint64     `json:"nonce"`
	Target     types.Hash `json:"target"` // 32-byte big-endian PoW threshold.
	MerkleRoot types.Hash `json:"merkle_root"`
}

// Hash computes the block header hash: double-SHA256 of the canonical
// serialization of the header.
func (h *Header) Hash() types.Hash {
	return crypto.DoubleHash(h.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for hashing.
// Format: height(8) | timestamp(8) | prev_hash(32) | nonce(8) | target(32) | merkle_root(32)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 120)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Timestamp))
	buf = append(buf, h.PrevHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	buf = append(buf, h.Target[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	return buf
}
