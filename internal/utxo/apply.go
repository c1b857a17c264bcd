package utxo

import (
	"errors"
	"fmt"
	"sort"

	"github.com/klingonchain/coreutxo/pkg/tx"
	"github.com/klingonchain/coreutxo/pkg/types"
)

// ErrInsufficientFunds is returned by SelectForAmount when an address's
// spendable UTXOs don't cover the requested amount.
var ErrInsufficientFunds = errors.New("insufficient funds")

// GetUTXO implements tx.UTXOProvider.
func (s *Store) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, error) {
	u, err := s.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

// HasUTXO implements tx.UTXOProvider.
func (s *Store) HasUTXO(outpoint types.Outpoint) bool {
	ok, _ := s.Has(outpoint)
	return ok
}

// ValidateTransaction checks that tx's inputs exist, are mature, and are
// not double-spent within the transaction, and that it pays a non-negative
// fee. Coinbase transactions always pass (they spend nothing).
func (s *Store) ValidateTransaction(t *tx.Transaction, currentHeight, coinbaseMaturity uint64) error {
	if t.IsCoinbase() {
		return nil
	}

	seen := make(map[types.Outpoint]struct{}, len(t.Inputs))
	for _, in := range t.Inputs {
		if _, dup := seen[in.PrevOut]; dup {
			return fmt.Errorf("transaction double-spends %s within itself", in.PrevOut)
		}
		seen[in.PrevOut] = struct{}{}

		u, err := s.Get(in.PrevOut)
		if err != nil {
			return fmt.Errorf("input %s: %w", in.PrevOut, ErrInputNotFoundStore)
		}
		if !u.IsMature(currentHeight, coinbaseMaturity) {
			return fmt.Errorf("input %s: %w", in.PrevOut, ErrImmatureCoinbase)
		}
	}

	_, err := t.ValidateWithUTXOs(s)
	return err
}

var (
	// ErrInputNotFoundStore mirrors tx.ErrInputNotFound for store-level callers.
	ErrInputNotFoundStore = errors.New("referenced UTXO does not exist")
	// ErrImmatureCoinbase is returned when spending a coinbase output before maturity.
	ErrImmatureCoinbase = errors.New("attempted to spend immature coinbase UTXO")
)

// ApplyTransaction removes t's spent inputs and inserts its outputs as new
// UTXOs at blockHeight. Coinbase transactions only insert outputs.
func (s *Store) ApplyTransaction(t *tx.Transaction, blockHeight, blockTimestamp uint64) error {
	isCoinbase := t.IsCoinbase()

	if !isCoinbase {
		for _, in := range t.Inputs {
			if err := s.Delete(in.PrevOut); err != nil {
				return fmt.Errorf("removing spent utxo %s: %w", in.PrevOut, err)
			}
		}
	}

	txHash := t.Hash()
	for i, out := range t.Outputs {
		u := &UTXO{
			Outpoint:  types.Outpoint{TxID: txHash, Index: uint32(i)},
			Value:     out.Value,
			Script:    out.Script,
			Height:    blockHeight,
			Coinbase:  isCoinbase,
			CreatedAt: blockTimestamp,
		}
		if err := s.Put(u); err != nil {
			return fmt.Errorf("inserting utxo %s: %w", u.Outpoint, err)
		}
	}

	return nil
}

// SelectForAmount performs greedy largest-first coin selection over addr's
// spendable UTXOs at currentHeight, returning enough to cover amount or
// ErrInsufficientFunds if the address doesn't hold enough.
func (s *Store) SelectForAmount(addr types.Address, amount, currentHeight, coinbaseMaturity uint64) ([]*UTXO, error) {
	available, err := s.GetUTXOsForAddress(addr, currentHeight, coinbaseMaturity)
	if err != nil {
		return nil, err
	}

	sort.Slice(available, func(i, j int) bool { return available[i].Value > available[j].Value })

	var selected []*UTXO
	var total uint64
	for _, u := range available {
		selected = append(selected, u)
		total += u.Value
		if total >= amount {
			return selected, nil
		}
	}

	return nil, fmt.Errorf("%w: need %d, have %d available", ErrInsufficientFunds, amount, total)
}
