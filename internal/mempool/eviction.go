package mempool

import (
	"sort"

	"github.com/klingonchain/coreutxo/pkg/types"
)

// Evict removes the lowest fee-rate transactions until the pool is at or below maxSize.
func (p *Pool) Evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.txs) <= p.maxSize {
		return 0
	}

	// Collect entries and sort by fee rate ascending (lowest first).
	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].feeRate < entries[j].feeRate
	})

	evicted := 0
	for len(p.txs) > p.maxSize && evicted < len(entries) {
		p.removeLocked(entries[evicted].txHash, ReasonEvicted)
		evicted++
	}
	return evicted
}

// EvictExpired removes every transaction older than maxAge (set via
// SetMaxAge). Returns the number of transactions removed. A no-op when
// max-age eviction is disabled.
func (p *Pool) EvictExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxAge == 0 {
		return 0
	}

	now := p.nowFn()
	var expired []types.Hash
	for h, e := range p.txs {
		if now >= e.addedAt+p.maxAge {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		p.removeLocked(h, ReasonExpired)
	}
	return len(expired)
}

// Maintain runs the periodic housekeeping pass: age-based expiry followed by
// a size-bound eviction sweep. Intended to be called on a timer by the node.
func (p *Pool) Maintain() (expired, evicted int) {
	expired = p.EvictExpired()
	evicted = p.Evict()
	return expired, evicted
}
