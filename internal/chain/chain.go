// Package chain implements the blockchain state machine: validating and
// applying blocks, tracking the UTXO-backed chain tip, and handling reorgs
// between competing proof-of-work branches.
package chain

import (
	"fmt"
	"sync"

	"github.com/klingonchain/coreutxo/config"
	"github.com/klingonchain/coreutxo/internal/blockstore"
	"github.com/klingonchain/coreutxo/internal/consensus"
	"github.com/klingonchain/coreutxo/internal/storage"
	"github.com/klingonchain/coreutxo/internal/utxo"
	"github.com/klingonchain/coreutxo/pkg/block"
	"github.com/klingonchain/coreutxo/pkg/tx"
	"github.com/klingonchain/coreutxo/pkg/types"
)

// RevertedTxHandler is called after a reorg with transactions from reverted
// blocks that are not present in the new branch (for mempool re-insertion).
type RevertedTxHandler func(txs []*tx.Transaction)

// Chain represents a blockchain instance with state, storage, and consensus.
type Chain struct {
	mu        sync.Mutex // Protects all state mutations (ProcessBlock, Reorg).
	ID        types.ChainID
	state     *State
	blocks    *BlockStore
	utxos     utxo.Set
	engine    *consensus.PoW
	validator *consensus.Validator

	maxSupply       uint64     // Max coin supply (0 = unlimited).
	initialSubsidy  uint64     // Block subsidy before any halving.
	halvingInterval uint64     // Blocks between subsidy halvings (0 = no halving).
	genesisHash     types.Hash // Hash of the genesis block (immutable).

	revertedTxHandler RevertedTxHandler
}

// New creates a new chain with the given components. blocksDir is the root
// directory of the segmented flat-file block store; Badger (db) holds only
// the UTXO set and small chain metadata.
func New(id types.ChainID, db storage.DB, blocksDir string, utxoSet utxo.Set, engine *consensus.PoW) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if utxoSet == nil {
		return nil, fmt.Errorf("utxo set is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("consensus engine is nil")
	}

	blockFiles, err := blockstore.Open(blocksDir)
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}

	blocks := NewBlockStore(db, blockFiles)

	tipHash, height, supply, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	cumWork := blocks.GetCumulativeWork()

	var genesisHash types.Hash
	genBlk, err := blocks.GetBlockByHeight(0)
	if err == nil {
		genesisHash = genBlk.Hash()
	}

	ch := &Chain{
		ID:          id,
		state:       &State{TipHash: tipHash, Height: height, Supply: supply, CumulativeWork: cumWork},
		blocks:      blocks,
		utxos:       utxoSet,
		engine:      engine,
		validator:   consensus.NewValidator(engine),
		genesisHash: genesisHash,
	}

	// Check for incomplete reorg — if the node crashed mid-reorg, the UTXO
	// set may be inconsistent. Rebuild from blocks.
	if _, found := blocks.GetReorgCheckpoint(); found {
		if err := ch.RebuildUTXOs(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return ch, nil
}

// InitFromGenesis initializes a fresh chain from genesis configuration.
// Returns an error if the chain already has blocks.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	// Genesis block bypasses PoW validation: apply directly.
	if err := c.applyBlock(blk); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}

	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}

	var supply uint64
	for _, v := range gen.Alloc {
		supply += v
	}

	hash := blk.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.genesisHash = hash

	c.SetConsensusRules(gen.Protocol.Consensus)

	if err := c.blocks.SetTip(hash, 0, supply); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}

	return nil
}

// SetConsensusRules configures consensus economic limits for runtime
// validation. Call this on startup for both fresh and resumed chains.
func (c *Chain) SetConsensusRules(r config.ConsensusRules) {
	c.maxSupply = r.MaxSupply
	c.initialSubsidy = r.InitialSubsidy
	c.halvingInterval = r.HalvingInterval
}

// BlockSubsidy returns the base block subsidy (before fees) for a block at
// the given height, halving every HalvingInterval blocks — mirroring
// Bitcoin's issuance curve. Returns 0 once the subsidy has halved past the
// point of representable precision.
func (c *Chain) BlockSubsidy(height uint64) uint64 {
	if c.halvingInterval == 0 {
		return c.initialSubsidy
	}
	halvings := height / c.halvingInterval
	if halvings >= 64 {
		return 0
	}
	return c.initialSubsidy >> halvings
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	return *c.state
}

// Close closes the underlying block store's open segment file. The Badger
// handle passed into New is owned by the caller and is not closed here.
func (c *Chain) Close() error {
	return c.blocks.blocks.Close()
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	return c.state.TipHash
}

// TipTimestamp returns the timestamp of the current chain tip.
func (c *Chain) TipTimestamp() uint64 {
	return c.state.TipTimestamp
}

// Supply returns the total coins in circulation.
func (c *Chain) Supply() uint64 {
	return c.state.Supply
}

// MedianTimePast returns the median timestamp of up to the last 11 blocks
// ending at the current tip, the floor new block timestamps must exceed.
func (c *Chain) MedianTimePast() (uint64, error) {
	return c.medianTimePast(c.state.Height)
}

// NextBits returns the PoW target (compact bits) a block extending the
// current tip must satisfy.
func (c *Chain) NextBits() (uint32, error) {
	var prevBits uint32
	if c.state.Height > 0 {
		tip, err := c.blocks.GetBlockByHeight(c.state.Height)
		if err != nil {
			return 0, fmt.Errorf("get tip for next bits: %w", err)
		}
		prevBits = tip.Header.Bits
	}
	return c.engine.ExpectedBits(c.state.Height+1, prevBits, c.getBlockTimestamp), nil
}

// SetRevertedTxHandler sets the callback for transactions reverted during a
// reorg. These transactions should be re-added to the mempool if still valid.
func (c *Chain) SetRevertedTxHandler(fn RevertedTxHandler) {
	c.revertedTxHandler = fn
}

// getBlockTimestamp returns the timestamp of a block at the given height.
// Used for PoW difficulty verification.
func (c *Chain) getBlockTimestamp(height uint64) (uint64, error) {
	blk, err := c.blocks.GetBlockByHeight(height)
	if err != nil {
		return 0, err
	}
	return blk.Header.Timestamp, nil
}

// medianTimePast returns the median timestamp of up to the last 11 blocks
// ending at height (inclusive), used to bound new block timestamps.
func (c *Chain) medianTimePast(height uint64) (uint64, error) {
	const window = 11
	var timestamps []uint64
	start := uint64(0)
	if height+1 > window {
		start = height + 1 - window
	}
	for h := start; h <= height; h++ {
		ts, err := c.getBlockTimestamp(h)
		if err != nil {
			return 0, err
		}
		timestamps = append(timestamps, ts)
	}
	sortUint64(timestamps)
	return timestamps[len(timestamps)/2], nil
}

func sortUint64(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// verifyDifficulty checks that a PoW block's stated bits match the expected
// value computed from chain history.
func (c *Chain) verifyDifficulty(blk *block.Block) error {
	var prevBits uint32
	if blk.Header.Height > 1 {
		prevBlk, err := c.blocks.GetBlockByHeight(blk.Header.Height - 1)
		if err != nil {
			return fmt.Errorf("get prev block for difficulty: %w", err)
		}
		prevBits = prevBlk.Header.Bits
	}
	return c.engine.VerifyDifficulty(blk.Header, prevBits, c.getBlockTimestamp)
}

// RebuildUTXOs clears the UTXO set and replays all blocks from genesis to the
// current tip, reconstructing the UTXO state. Used to recover from a crash
// during reorg where the UTXO set may be inconsistent.
func (c *Chain) RebuildUTXOs() error {
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return fmt.Errorf("UTXO set does not support ClearAll (not *utxo.Store)")
	}

	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	var supply uint64
	var cumWork uint64
	for h := uint64(0); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}

		supply += c.computeBlockReward(blk)

		if err := c.applyBlock(blk); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}

		if h > 0 {
			cumWork += block.Work(blk.Header.Bits)
		}
	}

	c.state.Supply = supply
	c.state.CumulativeWork = cumWork

	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, supply); err != nil {
		return fmt.Errorf("set tip after rebuild: %w", err)
	}
	if err := c.blocks.SetCumulativeWork(cumWork); err != nil {
		return fmt.Errorf("set cumulative work after rebuild: %w", err)
	}

	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}

	return nil
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	_, blockHash, err := c.blocks.GetTxLocation(hash)
	if err != nil {
		return nil, err
	}
	blk, err := c.blocks.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}
