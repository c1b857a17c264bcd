package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/klingonchain/coreutxo/internal/blockstore"
	"github.com/klingonchain/coreutxo/internal/storage"
	"github.com/klingonchain/coreutxo/pkg/block"
	"github.com/klingonchain/coreutxo/pkg/types"
)

// Key prefixes and state keys for chain metadata kept in Badger. Block
// bodies themselves live in the segmented flat-file store (see
// internal/blockstore); Badger holds only the UTXO set and the small pieces
// of metadata below.
var (
	prefixTx   = []byte("x/") // x/<txhash(32)> -> height(8) + blockHash(32)
	prefixUndo = []byte("d/") // d/<hash(32)> -> undo data JSON

	keyTipHash         = []byte("s/tip")
	keyHeight          = []byte("s/height")
	keySupply          = []byte("s/supply")
	keyCumWork         = []byte("s/cumwork")
	keyReorgCheckpoint = []byte("s/reorg")
)

// BlockStore persists block bodies to a segmented flat-file store and
// chain metadata (UTXO set is handled elsewhere, tx index, undo data, tip)
// to a storage.DB.
type BlockStore struct {
	db     storage.DB
	blocks *blockstore.Store
}

// NewBlockStore creates a block store that keeps block bodies in blocks
// (a segmented flat-file store) and chain metadata in db.
func NewBlockStore(db storage.DB, blocks *blockstore.Store) *BlockStore {
	return &BlockStore{db: db, blocks: blocks}
}

// StoreBlock stores a block by its hash only, without updating the tx
// index. Use this for blocks that are not (yet) on the active chain.
func (bs *BlockStore) StoreBlock(blk *block.Block) error {
	if _, err := bs.blocks.Append(blk); err != nil {
		return fmt.Errorf("block append: %w", err)
	}
	return nil
}

// PutBlock stores a block and indexes its transactions by hash.
func (bs *BlockStore) PutBlock(blk *block.Block) error {
	if _, err := bs.blocks.Append(blk); err != nil {
		return fmt.Errorf("block append: %w", err)
	}

	hash := blk.Hash()
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		val := make([]byte, 8+types.HashSize)
		binary.BigEndian.PutUint64(val[:8], blk.Header.Height)
		copy(val[8:], hash[:])
		if err := bs.db.Put(txKey(txHash), val); err != nil {
			return fmt.Errorf("tx index put %s: %w", txHash, err)
		}
	}

	return nil
}

// CommitBlock stores a block along with its undo data and the resulting
// chain tip/supply/work. The writes are separate operations made one after
// another, not one atomic batch; a crash between them can leave the
// metadata behind the block data.
func (bs *BlockStore) CommitBlock(blk *block.Block, undoData []byte, supply, cumWork uint64) error {
	if err := bs.PutBlock(blk); err != nil {
		return err
	}
	hash := blk.Hash()
	if err := bs.PutUndo(hash, undoData); err != nil {
		return err
	}
	if err := bs.SetTip(hash, blk.Header.Height, supply); err != nil {
		return err
	}
	return bs.SetCumulativeWork(cumWork)
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	blk, err := bs.blocks.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	return blk, nil
}

// GetBlockByHeight retrieves a block by its height.
func (bs *BlockStore) GetBlockByHeight(height uint64) (*block.Block, error) {
	blk, err := bs.blocks.GetByHeight(height)
	if err != nil {
		return nil, fmt.Errorf("block get by height: %w", err)
	}
	return blk, nil
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.blocks.Has(hash), nil
}

// SetTip stores the current chain tip hash, height, and supply.
func (bs *BlockStore) SetTip(hash types.Hash, height, supply uint64) error {
	if err := bs.db.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	var heightBuf, supplyBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	if err := bs.db.Put(keyHeight, heightBuf[:]); err != nil {
		return fmt.Errorf("set tip height: %w", err)
	}
	binary.BigEndian.PutUint64(supplyBuf[:], supply)
	if err := bs.db.Put(keySupply, supplyBuf[:]); err != nil {
		return fmt.Errorf("set supply: %w", err)
	}
	return nil
}

// GetTip returns the current chain tip hash, height, and supply.
// Returns zero values if no tip is set (fresh chain).
func (bs *BlockStore) GetTip() (types.Hash, uint64, uint64, error) {
	hashBytes, err := bs.db.Get(keyTipHash)
	if err != nil {
		return types.Hash{}, 0, 0, nil // No tip yet.
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, 0, 0, fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
	}

	heightBytes, err := bs.db.Get(keyHeight)
	if err != nil {
		return types.Hash{}, 0, 0, fmt.Errorf("tip height missing: %w", err)
	}
	if len(heightBytes) != 8 {
		return types.Hash{}, 0, 0, fmt.Errorf("corrupt tip height: got %d bytes", len(heightBytes))
	}

	var supply uint64
	supplyBytes, err := bs.db.Get(keySupply)
	if err == nil && len(supplyBytes) == 8 {
		supply = binary.BigEndian.Uint64(supplyBytes)
	}
	// Missing supply key is OK for backwards compat with old DBs.

	var hash types.Hash
	copy(hash[:], hashBytes)
	height := binary.BigEndian.Uint64(heightBytes)
	return hash, height, supply, nil
}

// GetTxLocation returns the block height and hash that contain the given transaction.
func (bs *BlockStore) GetTxLocation(txHash types.Hash) (uint64, types.Hash, error) {
	data, err := bs.db.Get(txKey(txHash))
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("tx index get: %w", err)
	}
	if len(data) != 8+types.HashSize {
		return 0, types.Hash{}, fmt.Errorf("corrupt tx index: got %d bytes, want %d", len(data), 8+types.HashSize)
	}
	height := binary.BigEndian.Uint64(data[:8])
	var blockHash types.Hash
	copy(blockHash[:], data[8:])
	return height, blockHash, nil
}

// DeleteTxIndex removes the transaction index entry for the given hash.
func (bs *BlockStore) DeleteTxIndex(txHash types.Hash) error {
	return bs.db.Delete(txKey(txHash))
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}

func undoKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixUndo)+types.HashSize)
	copy(key, prefixUndo)
	copy(key[len(prefixUndo):], hash[:])
	return key
}

// PutUndo stores undo data for a block (used for reorgs).
func (bs *BlockStore) PutUndo(hash types.Hash, data []byte) error {
	if err := bs.db.Put(undoKey(hash), data); err != nil {
		return fmt.Errorf("put undo: %w", err)
	}
	return nil
}

// GetUndo retrieves undo data for a block.
func (bs *BlockStore) GetUndo(hash types.Hash) ([]byte, error) {
	data, err := bs.db.Get(undoKey(hash))
	if err != nil {
		return nil, fmt.Errorf("get undo: %w", err)
	}
	return data, nil
}

// DeleteUndo removes undo data for a block.
func (bs *BlockStore) DeleteUndo(hash types.Hash) error {
	return bs.db.Delete(undoKey(hash))
}

// SetCumulativeWork persists the chain's cumulative proof-of-work.
func (bs *BlockStore) SetCumulativeWork(cumWork uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], cumWork)
	return bs.db.Put(keyCumWork, buf[:])
}

// GetCumulativeWork retrieves the cumulative work (0 if unset).
func (bs *BlockStore) GetCumulativeWork() uint64 {
	data, err := bs.db.Get(keyCumWork)
	if err != nil || len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

// PutReorgCheckpoint writes a marker indicating a reorg is in progress.
// If the node crashes during reorg, this marker triggers UTXO recovery on restart.
func (bs *BlockStore) PutReorgCheckpoint(forkHeight uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], forkHeight)
	return bs.db.Put(keyReorgCheckpoint, buf[:])
}

// GetReorgCheckpoint returns the fork height and true if a reorg checkpoint exists.
func (bs *BlockStore) GetReorgCheckpoint() (uint64, bool) {
	data, err := bs.db.Get(keyReorgCheckpoint)
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// DeleteReorgCheckpoint removes the reorg-in-progress marker.
func (bs *BlockStore) DeleteReorgCheckpoint() error {
	return bs.db.Delete(keyReorgCheckpoint)
}
