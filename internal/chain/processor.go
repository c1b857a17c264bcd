package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/klingonchain/coreutxo/config"
	"github.com/klingonchain/coreutxo/internal/utxo"
	"github.com/klingonchain/coreutxo/pkg/block"
	"github.com/klingonchain/coreutxo/pkg/tx"
	"github.com/klingonchain/coreutxo/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown             = errors.New("block already known")
	ErrPrevNotFound           = errors.New("previous block not found")
	ErrBadHeight              = errors.New("block height does not follow parent")
	ErrBadPrevHash            = errors.New("prev_hash does not match current tip")
	ErrApplyUTXO              = errors.New("failed to apply UTXO changes")
	ErrCoinbaseNotMature      = errors.New("coinbase output not mature")
	ErrTimestampTooFuture     = errors.New("block timestamp too far in the future")
	ErrTimestampBeforeMedian  = errors.New("block timestamp at or before median of past 11 blocks")
	ErrBadCoinbaseTx          = errors.New("invalid coinbase transaction")
	ErrCoinbaseRewardExceeded = errors.New("coinbase reward exceeds consensus limit")
)

// BlockVerdict classifies the outcome of validating a candidate block.
type BlockVerdict int

const (
	// BlockValid means the block passed validation and was stored: either it
	// extended the active tip and was applied, or it was stored on a fork
	// (which becomes active only if it now has more cumulative work).
	BlockValid BlockVerdict = iota
	// BlockOrphan means the block's parent is unknown; it was not stored.
	BlockOrphan
	// BlockInvalid means the block failed structural or consensus rules.
	BlockInvalid
)

// maxFutureDriftSeconds bounds how far a block's timestamp may sit ahead of the
// node's own clock, matching common PoW-network drift tolerances.
const maxFutureDriftSeconds = 2 * 60 * 60

// ProcessBlock validates a block and applies it to the chain.
// It checks structural validity, consensus rules, UTXO state, then
// updates the UTXO set, block store, and chain tip.
// If the block extends a fork with more cumulative work than the current
// chain, a reorg is triggered automatically.
func (c *Chain) ProcessBlock(blk *block.Block) (BlockVerdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return BlockInvalid, fmt.Errorf("nil block or header")
	}

	hash := blk.Hash()

	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return BlockInvalid, fmt.Errorf("check block: %w", err)
	}
	if known {
		return BlockInvalid, ErrBlockKnown
	}

	parentErr := c.checkParentLink(blk)
	if parentErr != nil && !errors.Is(parentErr, ErrForkDetected) {
		if errors.Is(parentErr, ErrPrevNotFound) {
			return BlockOrphan, parentErr
		}
		return BlockInvalid, parentErr
	}

	// Verify PoW difficulty matches expected (from chain history). Fork
	// blocks are verified during reorg replay instead.
	if !errors.Is(parentErr, ErrForkDetected) {
		if err := c.verifyDifficulty(blk); err != nil {
			return BlockInvalid, err
		}
	}

	// Structural + consensus validation (VerifyHeader checks hash vs header.Bits).
	if err := c.validator.ValidateBlock(blk); err != nil {
		return BlockInvalid, fmt.Errorf("validate: %w", err)
	}

	if err := c.checkBlockTimestamp(blk); err != nil {
		return BlockInvalid, err
	}

	// Fork detected: store the block and decide whether to reorg.
	if errors.Is(parentErr, ErrForkDetected) {
		if err := c.blocks.StoreBlock(blk); err != nil {
			return BlockInvalid, fmt.Errorf("store fork block: %w", err)
		}
		if err := c.Reorg(hash); err != nil {
			return BlockInvalid, fmt.Errorf("reorg: %w", err)
		}
		return BlockValid, nil
	}

	// Fast path: block extends current tip.
	if err := c.validateBlockState(blk); err != nil {
		return BlockInvalid, err
	}

	// Compute block reward (new coins) before applying, while inputs are
	// still in the UTXO set. reward = coinbase_value - total_fees.
	blockReward := c.computeBlockReward(blk)

	undo, err := c.applyBlockWithUndo(blk)
	if err != nil {
		return BlockInvalid, fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}
	undo.BlockReward = blockReward

	undoBytes, err := json.Marshal(undo)
	if err != nil {
		return BlockInvalid, fmt.Errorf("marshal undo: %w", err)
	}

	if c.maxSupply > 0 && c.state.Supply+blockReward > c.maxSupply {
		blockReward = c.maxSupply - c.state.Supply
	}

	newSupply := c.state.Supply + blockReward
	newCumWork := c.state.CumulativeWork + block.Work(blk.Header.Bits)

	if err := c.blocks.CommitBlock(blk, undoBytes, newSupply, newCumWork); err != nil {
		return BlockInvalid, fmt.Errorf("commit block: %w", err)
	}

	c.state.Supply = newSupply
	c.state.CumulativeWork = newCumWork
	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp

	return BlockValid, nil
}

// checkBlockTimestamp enforces the two timestamp rules: not too far in the
// node's future, and strictly after the median of the previous 11 blocks.
func (c *Chain) checkBlockTimestamp(blk *block.Block) error {
	if blk.Header.Height == 0 {
		return nil
	}

	maxTime := uint64(time.Now().Unix()) + maxFutureDriftSeconds
	if blk.Header.Timestamp > maxTime {
		return fmt.Errorf("%w: block timestamp %d exceeds max %d", ErrTimestampTooFuture, blk.Header.Timestamp, maxTime)
	}

	mtp, err := c.medianTimePast(blk.Header.Height - 1)
	if err != nil {
		return fmt.Errorf("compute median time past: %w", err)
	}
	if blk.Header.Timestamp <= mtp {
		return fmt.Errorf("%w: timestamp %d, median %d", ErrTimestampBeforeMedian, blk.Header.Timestamp, mtp)
	}
	return nil
}

// validateBlockState checks UTXO-dependent rules: transaction signatures,
// coinbase maturity, and coinbase reward limits. Used by both the fast path
// and reorg replay to ensure consistent validation.
func (c *Chain) validateBlockState(blk *block.Block) error {
	coinbaseTx := blk.Transactions[0]

	// Coinbase must be a dedicated transaction: exactly one input and that
	// input must be the zero outpoint marker.
	if len(coinbaseTx.Inputs) != 1 || !coinbaseTx.Inputs[0].PrevOut.IsZero() {
		return ErrBadCoinbaseTx
	}

	// Full UTXO-aware transaction validation (skip coinbase): ownership
	// checks, input existence/unspent checks, signatures, fee sanity.
	utxoProvider := &chainUTXOProvider{set: c.utxos}
	var totalFees uint64
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue // Coinbase.
		}
		fee, err := transaction.ValidateWithUTXOs(utxoProvider)
		if err != nil {
			return fmt.Errorf("tx %d validation: %w", i, err)
		}
		if totalFees > math.MaxUint64-fee {
			return fmt.Errorf("tx %d fee overflow", i)
		}
		totalFees += fee
	}

	// Enforce coinbase mint limit: minted = coinbase_total - total_fees
	// (fees are recycled, not newly minted).
	coinbaseTotal, err := coinbaseTx.TotalOutputValue()
	if err != nil {
		return fmt.Errorf("coinbase output overflow: %w", err)
	}
	var minted uint64
	if coinbaseTotal > totalFees {
		minted = coinbaseTotal - totalFees
	}
	allowedMint := c.BlockSubsidy(blk.Header.Height)
	if c.maxSupply > 0 {
		if c.state.Supply >= c.maxSupply {
			allowedMint = 0
		} else if remaining := c.maxSupply - c.state.Supply; allowedMint > remaining {
			allowedMint = remaining
		}
	}
	if minted > allowedMint {
		return fmt.Errorf("%w: minted=%d allowed=%d", ErrCoinbaseRewardExceeded, minted, allowedMint)
	}

	// Defensive rule: only transaction 0 may carry a coinbase marker input.
	for i, transaction := range blk.Transactions[1:] {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				return fmt.Errorf("%w: tx %d contains coinbase input", ErrBadCoinbaseTx, i+1)
			}
		}
	}

	return c.checkCoinbaseMaturity(blk)
}

// checkParentLink verifies that the block's PrevHash and Height are consistent
// with the current chain tip.
func (c *Chain) checkParentLink(blk *block.Block) error {
	if c.state.IsGenesis() {
		if blk.Header.Height != 0 {
			return fmt.Errorf("%w: genesis must be height 0, got %d", ErrBadHeight, blk.Header.Height)
		}
		if !blk.Header.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis must have zero prev_hash", ErrBadPrevHash)
		}
		return nil
	}

	if blk.Header.PrevHash == c.state.TipHash {
		expectedHeight := c.state.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, expectedHeight, blk.Header.Height)
		}
		return nil
	}

	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("check parent: %w", err)
	}
	if parentKnown {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load parent block: %w", err)
		}
		expectedHeight := parentBlk.Header.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: parent height %d implies %d, got %d",
				ErrBadHeight, parentBlk.Header.Height, expectedHeight, blk.Header.Height)
		}
		return fmt.Errorf("%w: block %d forks from %s", ErrForkDetected, blk.Header.Height, blk.Header.PrevHash)
	}
	return ErrPrevNotFound
}

// computeBlockReward calculates the new coins minted in this block.
// Block reward = coinbase output value - total fees from non-coinbase txs.
// Must be called BEFORE applyBlock (needs UTXO set for input values).
func (c *Chain) computeBlockReward(blk *block.Block) uint64 {
	if len(blk.Transactions) == 0 || len(blk.Transactions[0].Outputs) == 0 {
		return 0
	}

	coinbaseValue, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return 0
	}

	var totalFees uint64
	for _, transaction := range blk.Transactions[1:] {
		totalFees += c.computeTxFee(transaction)
	}

	if coinbaseValue > totalFees {
		return coinbaseValue - totalFees
	}
	return 0
}

// computeTxFee calculates the fee for a single transaction.
// fee = sum(input values) - sum(output values).
// Must be called BEFORE applyBlock (needs UTXO set for input values).
func (c *Chain) computeTxFee(transaction *tx.Transaction) uint64 {
	var inputSum, outputSum uint64
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		u, err := c.utxos.Get(in.PrevOut)
		if err != nil {
			continue
		}
		if inputSum > math.MaxUint64-u.Value {
			continue
		}
		inputSum += u.Value
	}
	for _, out := range transaction.Outputs {
		if outputSum > math.MaxUint64-out.Value {
			continue
		}
		outputSum += out.Value
	}
	if inputSum > outputSum {
		return inputSum - outputSum
	}
	return 0
}

type chainUTXOProvider struct {
	set utxo.Set
}

func (p *chainUTXOProvider) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, error) {
	u, err := p.set.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

func (p *chainUTXOProvider) HasUTXO(outpoint types.Outpoint) bool {
	has, err := p.set.Has(outpoint)
	return err == nil && has
}

// applyBlock updates the UTXO set: spends inputs and creates outputs.
// Coinbase inputs (zero outpoint) are skipped during spending.
func (c *Chain) applyBlock(blk *block.Block) error {
	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		isCoinbase := txIdx == 0 && blk.Header.Height > 0

		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			if err := c.utxos.Delete(in.PrevOut); err != nil {
				return fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
		}

		for i, out := range transaction.Outputs {
			u := &utxo.UTXO{
				Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
				Value:    out.Value,
				Script:   out.Script,
				Height:   blk.Header.Height,
				Coinbase: isCoinbase,
			}
			if err := c.utxos.Put(u); err != nil {
				return fmt.Errorf("create output %s:%d: %w", txHash, i, err)
			}
		}
	}
	return nil
}

// checkCoinbaseMaturity verifies that no transaction in the block spends
// an immature coinbase output.
func (c *Chain) checkCoinbaseMaturity(blk *block.Block) error {
	for _, transaction := range blk.Transactions {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				continue // Will be caught by UTXO validation.
			}
			if u.Coinbase && blk.Header.Height-u.Height < config.CoinbaseMaturity {
				return fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, config.CoinbaseMaturity, blk.Header.Height-u.Height)
			}
		}
	}
	return nil
}
