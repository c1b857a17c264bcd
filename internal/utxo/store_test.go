package utxo

import (
	"errors"
	"testing"

	"github.com/klingonchain/coreutxo/internal/storage"
	"github.com/klingonchain/coreutxo/pkg/crypto"
	"github.com/klingonchain/coreutxo/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewMemory())
}

func makeOutpoint(data string, index uint32) types.Outpoint {
	return types.Outpoint{
		TxID:  crypto.DoubleHash([]byte(data)),
		Index: index,
	}
}

func testAddress() types.Address {
	return types.Address{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
		0x11, 0x12, 0x13, 0x14}
}

func makeUTXO(data string, index uint32, value uint64) *UTXO {
	addr := testAddress()
	return &UTXO{
		Outpoint: makeOutpoint(data, index),
		Value:    value,
		Script: types.Script{
			Type: types.ScriptTypeP2PKH,
			Data: addr[:],
		},
		Height: 1,
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

func TestStore_GetByAddress(t *testing.T) {
	s := testStore(t)
	addr := testAddress()

	s.Put(makeUTXO("a1", 0, 1000))
	s.Put(makeUTXO("a2", 0, 2000))

	utxos, err := s.GetByAddress(addr)
	if err != nil {
		t.Fatalf("GetByAddress() error: %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("GetByAddress() returned %d, want 2", len(utxos))
	}
}

func TestStore_GetUTXOsForAddress_ExcludesImmatureCoinbase(t *testing.T) {
	s := testStore(t)
	addr := testAddress()

	mature := makeUTXO("coinbase-old", 0, 5000)
	mature.Coinbase = true
	mature.Height = 1
	s.Put(mature)

	immature := makeUTXO("coinbase-new", 0, 6000)
	immature.Coinbase = true
	immature.Height = 99
	s.Put(immature)

	spendable, err := s.GetUTXOsForAddress(addr, 101, 100)
	if err != nil {
		t.Fatalf("GetUTXOsForAddress() error: %v", err)
	}
	if len(spendable) != 1 {
		t.Fatalf("GetUTXOsForAddress() returned %d, want 1 (immature excluded)", len(spendable))
	}
	if spendable[0].Value != 5000 {
		t.Errorf("unexpected spendable UTXO value %d", spendable[0].Value)
	}
}

func TestStore_GetBalance(t *testing.T) {
	s := testStore(t)
	addr := testAddress()

	s.Put(makeUTXO("b1", 0, 1000))
	s.Put(makeUTXO("b2", 0, 2500))

	balance, err := s.GetBalance(addr, 10, 100)
	if err != nil {
		t.Fatalf("GetBalance() error: %v", err)
	}
	if balance != 3500 {
		t.Errorf("GetBalance() = %d, want 3500", balance)
	}
}

func TestStore_SelectForAmount_GreedyLargestFirst(t *testing.T) {
	s := testStore(t)
	addr := testAddress()

	s.Put(makeUTXO("s1", 0, 500))
	s.Put(makeUTXO("s2", 0, 3000))
	s.Put(makeUTXO("s3", 0, 1000))

	selected, err := s.SelectForAmount(addr, 1200, 10, 100)
	if err != nil {
		t.Fatalf("SelectForAmount() error: %v", err)
	}
	if len(selected) != 1 || selected[0].Value != 3000 {
		t.Errorf("expected the single largest UTXO (3000) to cover 1200, got %+v", selected)
	}
}

func TestStore_SelectForAmount_InsufficientFunds(t *testing.T) {
	s := testStore(t)
	addr := testAddress()

	s.Put(makeUTXO("s1", 0, 500))

	_, err := s.SelectForAmount(addr, 10_000, 10, 100)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestStore_SnapshotRestore(t *testing.T) {
	s := testStore(t)

	s.Put(makeUTXO("t1", 0, 1000))
	s.Put(makeUTXO("t2", 0, 2000))

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	// Mutate the store after the snapshot.
	s.Delete(makeOutpoint("t1", 0))
	s.Put(makeUTXO("t3", 0, 9000))

	if err := s.Restore(snap); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	if ok, _ := s.Has(makeOutpoint("t1", 0)); !ok {
		t.Error("t1 should be restored")
	}
	if ok, _ := s.Has(makeOutpoint("t3", 0)); ok {
		t.Error("t3 should not exist after restore")
	}
}
