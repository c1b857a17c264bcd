// Package miner implements block production for Coreutxo.
package miner

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/klingonchain/coreutxo/config"
	"github.com/klingonchain/coreutxo/internal/consensus"
	"github.com/klingonchain/coreutxo/pkg/block"
	"github.com/klingonchain/coreutxo/pkg/tx"
	"github.com/klingonchain/coreutxo/pkg/types"
)

// ChainState provides read-only access to the current chain state.
type ChainState interface {
	Height() uint64
	TipHash() types.Hash
	TipTimestamp() uint64
	MedianTimePast() (uint64, error)
}

// MempoolSelector selects transactions for block inclusion.
type MempoolSelector interface {
	GetTransactionsForBlock(sizeBudget int) []*tx.Transaction
	GetFee(txHash types.Hash) uint64
}

// SupplyFunc returns the current total coin supply.
type SupplyFunc func() uint64

// SubsidyFunc returns the block subsidy for a given height (e.g. the
// halving-aware Chain.BlockSubsidy).
type SubsidyFunc func(height uint64) uint64

// Miner produces new blocks.
type Miner struct {
	chain        ChainState
	engine       consensus.Engine
	pool         MempoolSelector
	coinbaseAddr types.Address
	subsidyFn    SubsidyFunc
	maxSupply    uint64     // 0 = unlimited
	supplyFn     SupplyFunc // nil = no cap check
	maxBlockSize int        // Max combined SigningBytes for the block's transactions.
}

// New creates a new block producer.
func New(chain ChainState, engine consensus.Engine, pool MempoolSelector,
	coinbaseAddr types.Address, subsidyFn SubsidyFunc, maxSupply uint64, supplyFn SupplyFunc) *Miner {
	return &Miner{
		chain:        chain,
		engine:       engine,
		pool:         pool,
		coinbaseAddr: coinbaseAddr,
		subsidyFn:    subsidyFn,
		maxSupply:    maxSupply,
		supplyFn:     supplyFn,
		maxBlockSize: config.MaxBlockSize,
	}
}

// ProduceBlock builds, seals, and returns a new block using the current time.
// The coinbase output value = block subsidy + sum of all tx fees.
// The block is NOT applied to the chain — the caller must call ProcessBlock.
func (m *Miner) ProduceBlock() (*block.Block, error) {
	return m.produceBlock(context.Background(), uint64(time.Now().Unix()))
}

// ProduceBlockAt builds, seals, and returns a new block with the given timestamp.
// Use this instead of ProduceBlock when the caller needs the block timestamp to
// match a previously computed value. The timestamp is bumped to at least
// medianTimePast+1 to satisfy consensus.
func (m *Miner) ProduceBlockAt(timestamp uint64) (*block.Block, error) {
	return m.produceBlock(context.Background(), timestamp)
}

// ProduceBlockCtx builds and seals a block with cancellation support.
// When the context is cancelled, PoW sealing stops immediately.
func (m *Miner) ProduceBlockCtx(ctx context.Context) (*block.Block, error) {
	return m.produceBlock(ctx, uint64(time.Now().Unix()))
}

func (m *Miner) produceBlock(ctx context.Context, timestamp uint64) (*block.Block, error) {
	// A block's timestamp must strictly exceed the median of the previous
	// 11 blocks (see internal/chain.Chain.checkBlockTimestamp).
	if mtp, err := m.chain.MedianTimePast(); err == nil && timestamp <= mtp {
		timestamp = mtp + 1
	}

	// Select mempool transactions first to compute total fees. Reserve
	// headroom for the coinbase transaction itself.
	var selected []*tx.Transaction
	var totalFees uint64
	if m.pool != nil {
		selected = m.pool.GetTransactionsForBlock(m.maxBlockSize - coinbaseReserveBytes)
		for _, t := range selected {
			totalFees += m.pool.GetFee(t.Hash())
		}
	}

	height := m.chain.Height() + 1
	subsidy := uint64(0)
	if m.subsidyFn != nil {
		subsidy = m.subsidyFn(height)
	}

	// Cap block reward to not exceed max supply.
	reward := subsidy
	if m.maxSupply > 0 && m.supplyFn != nil {
		currentSupply := m.supplyFn()
		if currentSupply >= m.maxSupply {
			reward = 0
		} else if currentSupply+reward > m.maxSupply {
			reward = m.maxSupply - currentSupply
		}
	}

	// GetTransactionsForBlock already returns transactions in a
	// dependency-respecting order (parents before children); re-sorting by
	// hash here would break that invariant, so the selection order is kept.
	coinbase := BuildCoinbase(m.coinbaseAddr, reward+totalFees, height)
	txs := make([]*tx.Transaction, 0, 1+len(selected))
	txs = append(txs, coinbase)
	txs = append(txs, selected...)

	// Compute merkle root.
	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}
	merkle := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   m.chain.TipHash(),
		MerkleRoot: merkle,
		Timestamp:  timestamp,
		Height:     height,
	}

	if err := m.engine.Prepare(header); err != nil {
		return nil, fmt.Errorf("prepare header: %w", err)
	}

	blk := block.NewBlock(header, txs)

	// Use cancellable sealing if the engine supports it (PoW).
	if pow, ok := m.engine.(*consensus.PoW); ok {
		if err := pow.SealWithCancel(ctx, blk); err != nil {
			return nil, fmt.Errorf("seal block: %w", err)
		}
	} else {
		if err := m.engine.Seal(blk); err != nil {
			return nil, fmt.Errorf("seal block: %w", err)
		}
	}

	return blk, nil
}

// coinbaseReserveBytes is a conservative upper bound on a coinbase
// transaction's SigningBytes size, reserved out of maxBlockSize before
// packing mempool transactions.
const coinbaseReserveBytes = 256

// BuildCoinbase creates a coinbase transaction with the given reward.
// The block height is encoded in the coinbase input's signature field
// to ensure each coinbase tx has a unique hash (similar to Bitcoin's BIP34).
func BuildCoinbase(addr types.Address, reward, height uint64) *tx.Transaction {
	// Encode height as little-endian uint64 in the coinbase "signature".
	heightBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(heightBytes, height)

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.NullOutpoint(), // Null outpoint marks coinbase.
			Signature: heightBytes,
		}},
		Outputs: []tx.Output{{
			Value: reward,
			Script: types.Script{
				Type: types.ScriptTypeP2PKH,
				Data: addr[:],
			},
		}},
	}
}
