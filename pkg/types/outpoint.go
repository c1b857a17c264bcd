package types

import (
	"fmt"
	"math"
)

// Outpoint references a specific output in a transaction.
type Outpoint struct {
	TxID  Hash   `json:"txid"`
	Index uint32 `json:"index"`
}

// NullOutpoint is the coinbase marker: a zero TxID with vout = math.MaxUint32.
func NullOutpoint() Outpoint {
	return Outpoint{TxID: Hash{}, Index: math.MaxUint32}
}

// IsZero returns true if the outpoint is the null (coinbase) outpoint:
// zero TxID and index == math.MaxUint32.
func (o Outpoint) IsZero() bool {
	return o.TxID.IsZero() && o.Index == math.MaxUint32
}

// String returns "txid:index" in hex.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.String(), o.Index)
}
