package types

import (
	"math"
	"strings"
	"testing"
)

func TestOutpoint_IsZero(t *testing.T) {
	var zeroValue Outpoint
	if zeroValue.IsZero() {
		t.Error("the Go zero-value Outpoint (index 0) is NOT the null outpoint")
	}

	null := NullOutpoint()
	if !null.IsZero() {
		t.Error("NullOutpoint() should be the null (coinbase) outpoint")
	}

	// Non-zero TxID with max index is still not null.
	nonZero := Outpoint{TxID: Hash{0x01}, Index: math.MaxUint32}
	if nonZero.IsZero() {
		t.Error("Outpoint with non-zero TxID should not be the null outpoint")
	}

	// Zero TxID but non-max index is not null.
	nonZero2 := Outpoint{TxID: Hash{}, Index: 1}
	if nonZero2.IsZero() {
		t.Error("Outpoint with index != MaxUint32 should not be the null outpoint")
	}
}

func TestOutpoint_String(t *testing.T) {
	o := Outpoint{
		TxID:  Hash{0xab},
		Index: 3,
	}
	s := o.String()

	// Should contain the txid hex and :index
	if !strings.HasPrefix(s, "ab") {
		t.Errorf("String() should start with txid hex, got %s", s)
	}
	if !strings.HasSuffix(s, ":3") {
		t.Errorf("String() should end with ':3', got %s", s)
	}

	// Null outpoint.
	null := NullOutpoint()
	ns := null.String()
	if !strings.HasSuffix(ns, ":4294967295") {
		t.Errorf("null Outpoint String() should end with max uint32 index, got %s", ns)
	}
}
