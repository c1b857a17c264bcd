// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/klingonchain/coreutxo/internal/utxo"
	"github.com/klingonchain/coreutxo/pkg/tx"
	"github.com/klingonchain/coreutxo/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in mempool")
	ErrConflict          = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull          = errors.New("mempool is full")
	ErrValidation        = errors.New("transaction failed validation")
	ErrFeeTooLow         = errors.New("transaction fee below minimum")
	ErrCoinbaseNotMature = errors.New("coinbase output not mature")
	ErrReplacementFee    = errors.New("replacement transaction does not pay enough to replace the original")
)

// entry wraps a transaction with its fee and metadata.
type entry struct {
	tx       *tx.Transaction
	txHash   types.Hash
	fee      uint64
	feeRate  float64 // fee per byte of SigningBytes.
	addedAt  uint64  // unix seconds, for max-age eviction.
	sequence uint32  // lowest input sequence, for RBF signaling.
}

// Pool holds unconfirmed transactions.
type Pool struct {
	mu         sync.RWMutex
	txs        map[types.Hash]*entry         // txHash -> entry
	spends     map[types.Outpoint]types.Hash // outpoint -> txHash (conflict index)
	maxSize    int
	minFeeRate uint64 // Minimum fee rate in base units per byte (0 = no minimum).
	utxos      tx.UTXOProvider
	nowFn      func() uint64
	events     *broadcaster
	maxAge     uint64 // seconds; 0 = no age-based eviction.

	// Coinbase maturity checking.
	utxoSet          utxo.Set      // For maturity checks (nil = disabled).
	heightFn         func() uint64 // Current chain height.
	coinbaseMaturity uint64        // Required confirmations (0 = disabled).
}

// New creates a new mempool with the given UTXO provider and max size.
func New(utxos tx.UTXOProvider, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Pool{
		txs:     make(map[types.Hash]*entry),
		spends:  make(map[types.Outpoint]types.Hash),
		maxSize: maxSize,
		utxos:   utxos,
		nowFn:   defaultNow,
		events:  newBroadcaster(),
	}
}

// SetMinFeeRate sets the minimum fee rate (base units per byte) for transaction acceptance.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate (base units per byte).
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// SetCoinbaseMaturity enables coinbase maturity checking.
func (p *Pool) SetCoinbaseMaturity(maturity uint64, heightFn func() uint64, set utxo.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coinbaseMaturity = maturity
	p.heightFn = heightFn
	p.utxoSet = set
}

// SetMaxAge enables eviction of transactions older than maxAge seconds
// during maintenance (0 disables age-based eviction).
func (p *Pool) SetMaxAge(maxAge uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxAge = maxAge
}

// SetClock overrides the pool's source of the current time, for tests that
// exercise max-age eviction deterministically.
func (p *Pool) SetClock(nowFn func() uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nowFn = nowFn
}

// Subscribe registers a new listener for Added/Removed events. Call the
// returned function to unsubscribe.
func (p *Pool) Subscribe(buf int) (<-chan Event, func()) {
	return p.events.subscribe(buf)
}

// Add validates and adds a transaction to the mempool.
// Returns the computed fee. Rejects duplicates and double-spend conflicts
// unless the new transaction replaces a conflicting one by fee (RBF).
func (p *Pool) Add(transaction *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()

	// Reject duplicates.
	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	// UTXO-aware validation.
	fee, err := transaction.ValidateWithUTXOs(p.utxos)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Coinbase maturity check.
	if p.coinbaseMaturity > 0 && p.utxoSet != nil {
		currentHeight := p.heightFn()
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, uErr := p.utxoSet.Get(in.PrevOut)
			if uErr == nil && !u.IsMature(currentHeight, p.coinbaseMaturity) {
				return 0, fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, p.coinbaseMaturity, currentHeight-u.Height)
			}
		}
	}

	sigBytes := len(transaction.SigningBytes())
	var feeRate float64
	if sigBytes > 0 {
		feeRate = float64(fee) / float64(sigBytes)
	}

	// Enforce minimum fee rate (fee per byte of SigningBytes).
	if p.minFeeRate > 0 {
		requiredFee := p.minFeeRate * uint64(sigBytes)
		if fee < requiredFee {
			return 0, fmt.Errorf("%w: got %d, need %d (%d bytes x %d rate)", ErrFeeTooLow, fee, requiredFee, sigBytes, p.minFeeRate)
		}
	}

	// Check for double-spend conflicts. A conflict is allowed to replace the
	// existing entry (RBF) only when each conflicting entry opted in via a
	// non-final sequence number on at least one of its inputs and the new
	// transaction pays strictly more,
	// both in absolute fee and fee rate.
	conflicts := map[types.Hash]struct{}{}
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			conflicts[conflictHash] = struct{}{}
		}
	}
	if len(conflicts) > 0 {
		if err := p.checkReplacement(conflicts, transaction, fee, feeRate); err != nil {
			return 0, err
		}
		for h := range conflicts {
			p.removeLocked(h, ReasonReplaced)
		}
	}

	// Check pool capacity — evict lowest fee-rate if new tx pays more.
	if len(p.txs) >= p.maxSize {
		lowestHash, lowestRate := p.findLowestFeeRate()
		if feeRate <= lowestRate {
			return 0, ErrPoolFull
		}
		p.removeLocked(lowestHash, ReasonEvicted)
	}

	e := &entry{
		tx:       transaction,
		txHash:   txHash,
		fee:      fee,
		feeRate:  feeRate,
		addedAt:  p.nowFn(),
		sequence: lowestSequence(transaction),
	}

	p.txs[txHash] = e
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}

	p.events.publish(Event{Type: EventAdded, TxHash: txHash})
	return fee, nil
}

// checkReplacement enforces BIP-125-style replace-by-fee: every entry being
// replaced must have signaled it via a non-final sequence number, and the
// replacement must strictly improve both absolute fee and fee rate. Must be
// called with p.mu held.
func (p *Pool) checkReplacement(conflicts map[types.Hash]struct{}, candidate *tx.Transaction, fee uint64, feeRate float64) error {
	for h := range conflicts {
		existing, ok := p.txs[h]
		if !ok {
			continue
		}
		if existing.sequence == tx.SequenceFinal {
			return fmt.Errorf("%w: input already spent by %s (not replaceable)", ErrConflict, h)
		}
		if fee <= existing.fee || feeRate <= existing.feeRate {
			return fmt.Errorf("%w: replacement pays fee %d (rate %.4f), original pays %d (rate %.4f)",
				ErrReplacementFee, fee, feeRate, existing.fee, existing.feeRate)
		}
	}
	_ = candidate
	return nil
}

// lowestSequence returns the smallest input sequence number in the
// transaction (tx.SequenceFinal if it has no inputs), used to decide whether
// it opted into replacement.
func lowestSequence(transaction *tx.Transaction) uint32 {
	seq := uint32(tx.SequenceFinal)
	for _, in := range transaction.Inputs {
		if in.Sequence < seq {
			seq = in.Sequence
		}
	}
	return seq
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash, ReasonRemoved)
}

func (p *Pool) removeLocked(txHash types.Hash, reason RemovalReason) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	// Clean up spend index.
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	delete(p.txs, txHash)
	p.events.publish(Event{Type: EventRemoved, TxHash: txHash, Reason: reason})
}

// RemoveConfirmed removes all transactions that were included in a block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash(), ReasonConfirmed)
	}
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a transaction in the mempool (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// findLowestFeeRate returns the hash and fee rate of the lowest fee-rate entry.
// Must be called with p.mu held.
func (p *Pool) findLowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	for h, e := range p.txs {
		if e.feeRate < lowestRate {
			lowestRate = e.feeRate
			lowestHash = h
		}
	}
	return lowestHash, lowestRate
}

// SelectForBlock returns transactions ordered by fee rate (highest first),
// up to the given limit. Kept for callers that only care about a transaction
// count rather than a byte budget; GetTransactionsForBlock is preferred for
// mining, which must respect config.MaxBlockSize.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := p.sortedByFeeRateLocked()

	if limit > len(entries) {
		limit = len(entries)
	}

	result := make([]*tx.Transaction, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].tx
	}
	return result
}

// GetTransactionsForBlock returns transactions ordered by fee rate (highest
// first), greedily packed so their combined SigningBytes size stays within
// sizeBudget. A transaction spending an output of another selected
// transaction is always placed after its parent, regardless of fee-rate
// order, so the block candidate never references an unselected ancestor.
func (p *Pool) GetTransactionsForBlock(sizeBudget int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := p.sortedByFeeRateLocked()

	selected := make([]*tx.Transaction, 0, len(entries))
	selectedHash := make(map[types.Hash]bool, len(entries))
	usedBytes := 0

	remaining := entries
	for len(remaining) > 0 {
		progressed := false
		var next []*entry
		for _, e := range remaining {
			if !p.dependenciesSatisfiedLocked(e.tx, selectedHash) {
				next = append(next, e)
				continue
			}
			size := len(e.tx.SigningBytes())
			if usedBytes+size > sizeBudget {
				continue
			}
			selected = append(selected, e.tx)
			selectedHash[e.txHash] = true
			usedBytes += size
			progressed = true
		}
		if !progressed {
			break
		}
		remaining = next
	}

	return selected
}

// dependenciesSatisfiedLocked reports whether every in-mempool parent of
// transaction has already been selected. An input spending an outpoint that
// isn't itself a mempool transaction's output is assumed to reference a
// confirmed UTXO and is always satisfied. Must be called with p.mu held.
func (p *Pool) dependenciesSatisfiedLocked(transaction *tx.Transaction, selectedHash map[types.Hash]bool) bool {
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if _, parentInPool := p.txs[in.PrevOut.TxID]; parentInPool && !selectedHash[in.PrevOut.TxID] {
			return false
		}
	}
	return true
}

func (p *Pool) sortedByFeeRateLocked() []*entry {
	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate > entries[j].feeRate
		}
		return entries[i].addedAt < entries[j].addedAt
	})
	return entries
}

func defaultNow() uint64 {
	return uint64(nowUnix())
}
