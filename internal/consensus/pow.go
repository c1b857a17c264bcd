package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/klingonchain/coreutxo/pkg/block"
	"github.com/klingonchain/coreutxo/pkg/crypto"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroBits         = errors.New("bits must be nonzero")
	ErrBadDifficulty    = errors.New("block bits does not match expected")
)

// PoW implements proof-of-work consensus. The target is stored in the
// block header as compact bits (see pkg/block.ExpandTarget) — consensus
// enforced, not engine state. The engine itself holds no mutable
// difficulty state; it is entirely derived from the chain and encoded
// in each block.
type PoW struct {
	InitialBits     uint32 // Starting compact target (from genesis)
	AdjustInterval  int    // Blocks between difficulty adjustments (0 = no adjustment)
	TargetBlockTime int    // Target seconds between blocks

	// BitsFn is called by Prepare to compute the expected bits for a new
	// block. Set by the node operator (coreutxod). If nil, Prepare uses
	// InitialBits.
	BitsFn func(height uint64) uint32

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded (default). Each goroutine searches a
	// strided partition of the nonce space.
	Threads int
}

// NewPoW creates a new PoW engine.
func NewPoW(initialBits uint32, adjustInterval, targetBlockTime int) (*PoW, error) {
	if initialBits == 0 {
		return nil, ErrZeroBits
	}
	return &PoW{
		InitialBits:     initialBits,
		AdjustInterval:  adjustInterval,
		TargetBlockTime: targetBlockTime,
	}, nil
}

// ShouldAdjust returns true if difficulty should be recalculated at this height.
func (p *PoW) ShouldAdjust(height uint64) bool {
	return height > 0 && p.AdjustInterval > 0 && height%uint64(p.AdjustInterval) == 0
}

// VerifyHeader checks that the block header hash meets the target encoded in Bits.
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.Bits == 0 {
		return ErrZeroBits
	}
	t := block.ExpandTarget(header.Bits)
	hash := header.Hash()
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(t) > 0 {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the block header's bits for mining.
// If BitsFn is set, it computes the expected bits from chain state.
// Otherwise, uses InitialBits.
func (p *PoW) Prepare(header *block.Header) error {
	if p.BitsFn != nil {
		header.Bits = p.BitsFn(header.Height)
	} else {
		header.Bits = p.InitialBits
	}
	return nil
}

// Seal mines the block by iterating the nonce until the header hash meets the target.
// Uses the bits already set in the block header.
// If Threads > 1, mining runs in parallel goroutines.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support.
// When the context is cancelled, mining stops and ctx.Err() is returned.
// If Threads > 1, mining runs in parallel goroutines with strided nonce partitioning.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.Bits == 0 {
		return ErrZeroBits
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, threads)
}

// signingPrefix returns the header's signing bytes WITHOUT the trailing nonce.
// This lets each mining goroutine pre-compute the 88-byte prefix once and only
// append+hash the 8-byte nonce per iteration.
func signingPrefix(h *block.Header) []byte {
	buf := make([]byte, 0, 88)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	return buf
}

// yieldEvery is the nonce-search cadence at which a goroutine checks for
// cancellation. Matches the reference miner's cadence.
const yieldEvery = 10_000

// sealSingle mines with a single goroutine.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	t := block.ExpandTarget(blk.Header.Bits)
	prefix := signingPrefix(blk.Header)
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	hashInt := new(big.Int)

	for nonce := uint64(0); ; nonce++ {
		if nonce%yieldEvery == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
		hash := crypto.DoubleHash(buf)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(t) <= 0 {
			blk.Header.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	t := block.ExpandTarget(blk.Header.Bits)
	prefix := signingPrefix(blk.Header)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+8)
			copy(buf, prefix)
			hashInt := new(big.Int)

			for nonce := startNonce; ; nonce += stride {
				if (nonce/stride)%yieldEvery == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
				hash := crypto.DoubleHash(buf)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(t) <= 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				// Overflow: would wrap around past max uint64.
				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	// Wait in background so goroutines are cleaned up.
	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		blk.Header.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExpectedBits computes the correct compact target for a block at the given height.
// prevBits is the bits from the block at height-1 (0 for height <= 1).
// getTimestamp retrieves a block's timestamp by height (for adjustment calculation).
func (p *PoW) ExpectedBits(height uint64, prevBits uint32, getTimestamp func(uint64) (uint64, error)) uint32 {
	// First PoW block or no previous bits: use initial.
	if height <= 1 || prevBits == 0 {
		return p.InitialBits
	}

	// Not at an adjustment boundary: carry forward previous bits.
	if !p.ShouldAdjust(height) {
		return prevBits
	}

	// At adjustment boundary: compute from timestamps.
	interval := uint64(p.AdjustInterval)
	startTS, err := getTimestamp(height - interval)
	if err != nil {
		return prevBits
	}
	endTS, err := getTimestamp(height - 1)
	if err != nil {
		return prevBits
	}

	actual := int64(endTS - startTS)
	expected := int64(p.AdjustInterval) * int64(p.TargetBlockTime)
	return CalcNextBits(prevBits, actual, expected)
}

// VerifyDifficulty checks that a block header's stated bits match
// the expected bits computed from chain history.
func (p *PoW) VerifyDifficulty(header *block.Header, prevBits uint32, getTimestamp func(uint64) (uint64, error)) error {
	expected := p.ExpectedBits(header.Height, prevBits, getTimestamp)
	if header.Bits != expected {
		return fmt.Errorf("%w: height %d has bits %#x, want %#x",
			ErrBadDifficulty, header.Height, header.Bits, expected)
	}
	return nil
}

// CalcNextBits computes the new compact target after a retarget period.
// actualTimeSpan is the elapsed seconds for the last interval.
// expectedTimeSpan is interval * targetBlockTime.
// The new target is clamped to [oldTarget/4, oldTarget*4] and never
// exceeds block.MaxTarget (i.e. difficulty never drops below 1).
func CalcNextBits(currentBits uint32, actualTimeSpan, expectedTimeSpan int64) uint32 {
	if actualTimeSpan <= 0 {
		actualTimeSpan = 1
	}
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}

	// Clamp actual to [expected/4, expected*4] to limit adjustment per period.
	minSpan := expectedTimeSpan / 4
	maxSpan := expectedTimeSpan * 4
	if minSpan == 0 {
		minSpan = 1
	}
	if actualTimeSpan < minSpan {
		actualTimeSpan = minSpan
	}
	if actualTimeSpan > maxSpan {
		actualTimeSpan = maxSpan
	}

	// newTarget = oldTarget * actual / expected (larger target = easier).
	oldTarget := block.ExpandTarget(currentBits)
	exp := big.NewInt(expectedTimeSpan)
	act := big.NewInt(actualTimeSpan)

	newTarget := new(big.Int).Mul(oldTarget, act)
	newTarget.Div(newTarget, exp)

	if newTarget.Sign() <= 0 {
		newTarget.SetInt64(1)
	}
	if newTarget.Cmp(block.MaxTarget) > 0 {
		newTarget = block.MaxTarget
	}

	return block.CompactBits(newTarget)
}
