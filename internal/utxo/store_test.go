package utxo

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewMemory())
}

func makeOutpoint(data string, index uint32) types.Outpoint {
	return types.Outpoint{
		TxID:  crypto.Hash([]byte(data)),
		Index: index,
	}
}

func makePubKeyHash(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}

func makeUTXO(data string, index uint32, value uint64) *UTXO {
	pkHash := makePubKeyHash(0x01)
	return &UTXO{
		Outpoint: makeOutpoint(data, index),
		Value:    value,
		Script:   types.P2PKHScript(pkHash),
		Height:   1,
	}
}

func TestStore_PutAndGet(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 5000)

	err := s.Put(u)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := s.Get(u.Outpoint)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	if got.Value != u.Value {
		t.Errorf("Value = %d, want %d", got.Value, u.Value)
	}
	if got.Outpoint != u.Outpoint {
		t.Error("Outpoint mismatch")
	}
	if got.Height != u.Height {
		t.Errorf("Height = %d, want %d", got.Height, u.Height)
	}
}

func TestStore_GetNonexistent(t *testing.T) {
	s := testStore(t)

	_, err := s.Get(makeOutpoint("missing", 0))
	if err == nil {
		t.Error("Get() for nonexistent UTXO should return error")
	}
}

func TestStore_Has(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 1000)

	ok, _ := s.Has(u.Outpoint)
	if ok {
		t.Error("Has() should be false before Put()")
	}

	s.Put(u)

	ok, err := s.Has(u.Outpoint)
	if err != nil {
		t.Fatalf("Has() error: %v", err)
	}
	if !ok {
		t.Error("Has() should be true after Put()")
	}
}

func TestStore_Delete(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 1000)

	s.Put(u)

	err := s.Delete(u.Outpoint)
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	ok, _ := s.Has(u.Outpoint)
	if ok {
		t.Error("UTXO should be gone after Delete()")
	}
}

func TestStore_MultipleOutputs(t *testing.T) {
	s := testStore(t)

	// Same tx, different output indices.
	u0 := makeUTXO("tx1", 0, 1000)
	u1 := makeUTXO("tx1", 1, 2000)
	u2 := makeUTXO("tx1", 2, 3000)

	s.Put(u0)
	s.Put(u1)
	s.Put(u2)

	got0, _ := s.Get(u0.Outpoint)
	got1, _ := s.Get(u1.Outpoint)
	got2, _ := s.Get(u2.Outpoint)

	if got0.Value != 1000 || got1.Value != 2000 || got2.Value != 3000 {
		t.Error("values mismatch for multi-output tx")
	}

	// Delete middle one.
	s.Delete(u1.Outpoint)

	ok, _ := s.Has(u1.Outpoint)
	if ok {
		t.Error("deleted output should be gone")
	}

	// Others should remain.
	ok0, _ := s.Has(u0.Outpoint)
	ok2, _ := s.Has(u2.Outpoint)
	if !ok0 || !ok2 {
		t.Error("non-deleted outputs should remain")
	}
}

func TestStore_ImplementsSet(t *testing.T) {
	// Compile-time check that Store satisfies Set.
	var _ Set = (*Store)(nil)
}

func TestStore_PubKeyHashIndex_PutAndGet(t *testing.T) {
	s := testStore(t)
	pkHash := makePubKeyHash(0x02)

	u := &UTXO{Outpoint: makeOutpoint("tx1", 0), Value: 1000, Script: types.P2PKHScript(pkHash), Height: 1}
	if err := s.Put(u); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := s.GetByPubKeyHash(pkHash)
	if err != nil {
		t.Fatalf("GetByPubKeyHash() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("GetByPubKeyHash() returned %d, want 1", len(got))
	}
	if got[0].Value != u.Value {
		t.Errorf("Value = %d, want %d", got[0].Value, u.Value)
	}
}

func TestStore_PubKeyHashIndex_MultipleOutputs(t *testing.T) {
	s := testStore(t)
	pkHash := makePubKeyHash(0x03)

	s.Put(&UTXO{Outpoint: makeOutpoint("tx1", 0), Value: 500, Script: types.P2PKHScript(pkHash), Height: 1})
	s.Put(&UTXO{Outpoint: makeOutpoint("tx2", 0), Value: 600, Script: types.P2PKHScript(pkHash), Height: 2})

	got, err := s.GetByPubKeyHash(pkHash)
	if err != nil {
		t.Fatalf("GetByPubKeyHash() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetByPubKeyHash() returned %d, want 2", len(got))
	}

	var total uint64
	for _, u := range got {
		total += u.Value
	}
	if total != 1100 {
		t.Errorf("total = %d, want 1100", total)
	}
}

func TestStore_PubKeyHashIndex_DeleteRemovesIndex(t *testing.T) {
	s := testStore(t)
	pkHash := makePubKeyHash(0x04)

	u := &UTXO{Outpoint: makeOutpoint("tx1", 0), Value: 1000, Script: types.P2PKHScript(pkHash), Height: 1}
	s.Put(u)

	got, _ := s.GetByPubKeyHash(pkHash)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry before delete, got %d", len(got))
	}

	if err := s.Delete(u.Outpoint); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	got, err := s.GetByPubKeyHash(pkHash)
	if err != nil {
		t.Fatalf("GetByPubKeyHash() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("GetByPubKeyHash() returned %d after delete, want 0", len(got))
	}
}

func TestStore_PubKeyHashIndex_DistinctHashes(t *testing.T) {
	s := testStore(t)
	h1 := makePubKeyHash(0x05)
	h2 := makePubKeyHash(0x06)

	s.Put(&UTXO{Outpoint: makeOutpoint("s1", 0), Value: 1000, Script: types.P2PKHScript(h1), Height: 1})
	s.Put(&UTXO{Outpoint: makeOutpoint("s2", 0), Value: 2000, Script: types.P2PKHScript(h2), Height: 1})

	got1, _ := s.GetByPubKeyHash(h1)
	got2, _ := s.GetByPubKeyHash(h2)

	if len(got1) != 1 || got1[0].Value != 1000 {
		t.Errorf("h1 lookup incorrect: %+v", got1)
	}
	if len(got2) != 1 || got2[0].Value != 2000 {
		t.Errorf("h2 lookup incorrect: %+v", got2)
	}
}

func TestStore_ClearAll(t *testing.T) {
	s := testStore(t)
	pkHash := makePubKeyHash(0x07)

	s.Put(&UTXO{Outpoint: makeOutpoint("tx1", 0), Value: 1000, Script: types.P2PKHScript(pkHash), Height: 1})
	s.Put(&UTXO{Outpoint: makeOutpoint("tx2", 0), Value: 2000, Script: types.P2PKHScript(pkHash), Height: 1})

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll() error: %v", err)
	}

	var count int
	s.ForEach(func(u *UTXO) error { count++; return nil })
	if count != 0 {
		t.Errorf("expected 0 UTXOs after ClearAll, got %d", count)
	}

	got, _ := s.GetByPubKeyHash(pkHash)
	if len(got) != 0 {
		t.Errorf("expected pubkey-hash index cleared, got %d entries", len(got))
	}
}
