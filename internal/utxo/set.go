// Package utxo manages the UTXO set.
package utxo

import "github.com/klingonchain/coreutxo/pkg/types"

// UTXO represents an unspent transaction output: outpoint, output data,
// the height of the block that created it, whether it came from a
// coinbase transaction, and the time it was created (unix seconds).
type UTXO struct {
	Outpoint  types.Outpoint `json:"outpoint"`
	Value     uint64         `json:"value"`
	Script    types.Script   `json:"script"`
	Height    uint64         `json:"height"`
	Coinbase  bool           `json:"coinbase"`
	CreatedAt uint64         `json:"created_at"`
}

// IsMature reports whether a coinbase UTXO can be spent at currentHeight,
// i.e. at least CoinbaseMaturity further blocks have extended the chain
// since it was created. Non-coinbase UTXOs are always mature.
func (u *UTXO) IsMature(currentHeight, coinbaseMaturity uint64) bool {
	if !u.Coinbase {
		return true
	}
	return currentHeight >= u.Height+coinbaseMaturity
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}
