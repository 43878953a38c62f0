// Package crypto provides cryptographic primitives for Klingnet.
package crypto

import (
	"crypto/sha256"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Hash computes a single SHA-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// DoubleHash computes sha256(sha256(data)). Block header hashes and
// transaction ids are double-SHA256 of their canonical serialization.
func DoubleHash(data []byte) types.Hash {
	first := Hash(data)
	return Hash(first[:])
}

// PubKeyHash derives the consensus pubkey-hash used to lock P2PKH outputs.
// pubkey_hash(pubkey_bytes) = sha256(pubkey_bytes).
func PubKeyHash(pubKey []byte) types.Hash {
	return Hash(pubKey)
}

// AddressFromPubKey derives a presentation-layer address from a compressed
// public key, used only by CLI/wallet-facing code. Address = PubKeyHash(pubkey)[:20].
// This is distinct from the consensus pubkey_hash, which is the full 32-byte
// digest stored in a UTXO's locking script.
func AddressFromPubKey(pubKey []byte) types.Address {
	h := PubKeyHash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}

// HashConcat hashes the concatenation of two hashes. Used for building
// merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}
