package utxo

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Key prefixes for the UTXO store.
var (
	prefixUTXO = []byte("u/") // u/<txid><index> -> UTXO JSON
	prefixHash = []byte("h/") // h/<pubkey_hash><txid><index> -> empty (index)
)

// Store implements Set backed by a storage.DB.
type Store struct {
	db storage.DB
}

// NewStore creates a new UTXO store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// utxoKey builds a storage key for an outpoint: "u/" + txid(32) + index(4).
func utxoKey(op types.Outpoint) []byte {
	key := make([]byte, len(prefixUTXO)+types.HashSize+4)
	copy(key, prefixUTXO)
	copy(key[len(prefixUTXO):], op.TxID[:])
	binary.BigEndian.PutUint32(key[len(prefixUTXO)+types.HashSize:], op.Index)
	return key
}

// pubKeyHashKey builds a pubkey-hash index key: "h/" + pubkey_hash(32) + txid(32) + index(4).
func pubKeyHashKey(h types.Hash, op types.Outpoint) []byte {
	key := make([]byte, len(prefixHash)+types.HashSize+types.HashSize+4)
	copy(key, prefixHash)
	off := len(prefixHash)
	copy(key[off:], h[:])
	off += types.HashSize
	copy(key[off:], op.TxID[:])
	binary.BigEndian.PutUint32(key[off+types.HashSize:], op.Index)
	return key
}

// Get retrieves a UTXO by its outpoint.
func (s *Store) Get(outpoint types.Outpoint) (*UTXO, error) {
	data, err := s.db.Get(utxoKey(outpoint))
	if err != nil {
		return nil, fmt.Errorf("utxo get: %w", err)
	}
	var u UTXO
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("utxo unmarshal: %w", err)
	}
	return &u, nil
}

// Put stores a UTXO and updates the pubkey-hash index.
func (s *Store) Put(u *UTXO) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("utxo marshal: %w", err)
	}
	if err := s.db.Put(utxoKey(u.Outpoint), data); err != nil {
		return fmt.Errorf("utxo put: %w", err)
	}

	if u.Script.Type == types.ScriptTypeP2PKH && len(u.Script.Data) == types.HashSize {
		if err := s.db.Put(pubKeyHashKey(u.Script.PubKeyHash(), u.Outpoint), []byte{}); err != nil {
			return fmt.Errorf("utxo index put: %w", err)
		}
	}

	return nil
}

// Delete removes a UTXO and its pubkey-hash index entry.
func (s *Store) Delete(outpoint types.Outpoint) error {
	// Read first to clean up the secondary index.
	u, err := s.Get(outpoint)
	if err == nil && u.Script.Type == types.ScriptTypeP2PKH && len(u.Script.Data) == types.HashSize {
		s.db.Delete(pubKeyHashKey(u.Script.PubKeyHash(), u.Outpoint))
	}

	if err := s.db.Delete(utxoKey(outpoint)); err != nil {
		return fmt.Errorf("utxo delete: %w", err)
	}
	return nil
}

// Has checks if a UTXO exists for the given outpoint.
func (s *Store) Has(outpoint types.Outpoint) (bool, error) {
	return s.db.Has(utxoKey(outpoint))
}

// ForEach iterates over all UTXOs in the store.
func (s *Store) ForEach(fn func(*UTXO) error) error {
	return s.db.ForEach(prefixUTXO, func(key, value []byte) error {
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return fmt.Errorf("utxo unmarshal: %w", err)
		}
		return fn(&u)
	})
}

// GetByPubKeyHash returns all UTXOs locked to the given pubkey hash.
// It scans the pubkey-hash index and loads each referenced UTXO.
func (s *Store) GetByPubKeyHash(h types.Hash) ([]*UTXO, error) {
	prefix := make([]byte, len(prefixHash)+types.HashSize)
	copy(prefix, prefixHash)
	copy(prefix[len(prefixHash):], h[:])

	var utxos []*UTXO
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		// Key layout: "h/" + pubkey_hash(32) + txid(32) + index(4).
		off := len(prefixHash) + types.HashSize
		if len(key) < off+types.HashSize+4 {
			return nil // Malformed key, skip.
		}
		var op types.Outpoint
		copy(op.TxID[:], key[off:off+types.HashSize])
		op.Index = binary.BigEndian.Uint32(key[off+types.HashSize:])

		u, err := s.Get(op)
		if err != nil {
			return nil // UTXO may have been spent, skip.
		}
		utxos = append(utxos, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan pubkey-hash index: %w", err)
	}
	return utxos, nil
}

// ClearAll removes all UTXOs and the pubkey-hash index. Used to rebuild the
// UTXO set from scratch by replaying the chain.
func (s *Store) ClearAll() error {
	var keys [][]byte
	for _, prefix := range [][]byte{prefixUTXO, prefixHash} {
		if err := s.db.ForEach(prefix, func(key, _ []byte) error {
			// A block store sharing this DB keys its height index under "h/"
			// as well; only keys of the pubkey-hash index length are ours.
			if string(prefix) == string(prefixHash) && len(key) != len(prefixHash)+2*types.HashSize+4 {
				return nil
			}
			k := make([]byte, len(key))
			copy(k, key)
			keys = append(keys, k)
			return nil
		}); err != nil {
			return fmt.Errorf("scan prefix %s: %w", prefix, err)
		}
	}
	for _, key := range keys {
		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("delete utxo key: %w", err)
		}
	}
	return nil
}
