// Package blockstore persists block bodies to segmented flat files on
// disk, rather than as individual records inside the key-value store used
// for the UTXO set and chain metadata. Blocks are appended to numbered
// segment files (blk00000.dat, blk00001.dat, ...) capped at maxFileSize;
// a new segment is started once the current one would exceed the cap.
//
// The hash/height index mapping a block to its on-disk location is kept
// in memory only and rebuilt by a sequential scan of the segments on
// Open, verifying that each block's declared prev_hash matches the
// previous block's hash before trusting it.
package blockstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klingonchain/coreutxo/pkg/block"
	"github.com/klingonchain/coreutxo/pkg/types"
	"lukechampine.com/blake3"
)

// maxFileSize caps each segment file; once appending a block would exceed
// it, a new segment is started.
const maxFileSize = 2 * 1024 * 1024 * 1024 // 2 GB

// checksumSize is the length of the BLAKE3-128 checksum stored with each
// record.
const checksumSize = 16

// recordHeaderSize is the per-record on-disk framing: a 4-byte
// big-endian payload length followed by a checksumSize-byte checksum.
const recordHeaderSize = 4 + checksumSize

// Location identifies where a block's serialized bytes live on disk: the
// segment file number and the byte range of the payload within it (the
// framing header is not included in Offset/Size).
type Location struct {
	FileNum uint32
	Offset  uint32
	Size    uint32
}

// Store is a segmented flat-file block store.
type Store struct {
	mu  sync.Mutex
	dir string

	curFileNum uint32
	curFile    *os.File
	curOffset  uint32

	index       map[types.Hash]Location
	heightIndex map[uint64]types.Hash
}

// Open opens (creating if necessary) a segmented block store rooted at
// dir, rebuilding its in-memory index by scanning existing segments.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("blockstore: create dir: %w", err)
	}

	s := &Store{
		dir:         dir,
		index:       make(map[types.Hash]Location),
		heightIndex: make(map[uint64]types.Hash),
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, fmt.Errorf("blockstore: rebuild index: %w", err)
	}

	f, err := os.OpenFile(s.segmentPath(s.curFileNum), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open segment: %w", err)
	}
	s.curFile = f

	return s, nil
}

// Close closes the currently open segment file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curFile.Close()
}

func (s *Store) segmentPath(fileNum uint32) string {
	return filepath.Join(s.dir, segmentName(fileNum))
}

func segmentName(fileNum uint32) string {
	return fmt.Sprintf("blk%05d.dat", fileNum)
}

// Append writes a block to the current segment (rotating to a new one if
// it would exceed maxFileSize) and indexes it by hash and height.
func (s *Store) Append(blk *block.Block) (Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(blk)
	if err != nil {
		return Location{}, fmt.Errorf("blockstore: marshal block: %w", err)
	}
	if uint64(recordHeaderSize)+uint64(len(payload)) > maxFileSize {
		return Location{}, fmt.Errorf("blockstore: block of %d bytes exceeds segment capacity", len(payload))
	}

	if uint64(s.curOffset)+uint64(recordHeaderSize)+uint64(len(payload)) > maxFileSize {
		if err := s.rotate(); err != nil {
			return Location{}, err
		}
	}

	header := make([]byte, recordHeaderSize)
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)))
	copy(header[4:], checksum(payload))

	if _, err := s.curFile.Write(header); err != nil {
		return Location{}, fmt.Errorf("blockstore: write record header: %w", err)
	}
	if _, err := s.curFile.Write(payload); err != nil {
		return Location{}, fmt.Errorf("blockstore: write record payload: %w", err)
	}
	if err := s.curFile.Sync(); err != nil {
		return Location{}, fmt.Errorf("blockstore: sync segment: %w", err)
	}

	loc := Location{
		FileNum: s.curFileNum,
		Offset:  s.curOffset + recordHeaderSize,
		Size:    uint32(len(payload)),
	}
	s.curOffset += recordHeaderSize + uint32(len(payload))

	hash := blk.Hash()
	s.index[hash] = loc
	s.heightIndex[blk.Header.Height] = hash

	return loc, nil
}

func (s *Store) rotate() error {
	if err := s.curFile.Close(); err != nil {
		return fmt.Errorf("blockstore: close segment %d: %w", s.curFileNum, err)
	}
	s.curFileNum++
	s.curOffset = 0

	f, err := os.OpenFile(s.segmentPath(s.curFileNum), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("blockstore: open segment %d: %w", s.curFileNum, err)
	}
	s.curFile = f
	return nil
}

// Get retrieves a block by hash.
func (s *Store) Get(hash types.Hash) (*block.Block, error) {
	s.mu.Lock()
	loc, ok := s.index[hash]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("blockstore: block %s not found", hash)
	}
	return s.readAt(loc)
}

// GetByHeight retrieves a block by height.
func (s *Store) GetByHeight(height uint64) (*block.Block, error) {
	s.mu.Lock()
	hash, ok := s.heightIndex[height]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("blockstore: no block at height %d", height)
	}
	return s.Get(hash)
}

// Has reports whether a block with the given hash is indexed.
func (s *Store) Has(hash types.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[hash]
	return ok
}

func (s *Store) readAt(loc Location) (*block.Block, error) {
	f, err := os.Open(s.segmentPath(loc.FileNum))
	if err != nil {
		return nil, fmt.Errorf("blockstore: open segment %d: %w", loc.FileNum, err)
	}
	defer f.Close()

	want := make([]byte, checksumSize)
	if _, err := f.ReadAt(want, int64(loc.Offset)-checksumSize); err != nil {
		return nil, fmt.Errorf("blockstore: read checksum: %w", err)
	}
	payload := make([]byte, loc.Size)
	if _, err := f.ReadAt(payload, int64(loc.Offset)); err != nil {
		return nil, fmt.Errorf("blockstore: read payload: %w", err)
	}
	if !bytes.Equal(checksum(payload), want) {
		return nil, fmt.Errorf("blockstore: checksum mismatch for block at file %d offset %d", loc.FileNum, loc.Offset)
	}

	var blk block.Block
	if err := json.Unmarshal(payload, &blk); err != nil {
		return nil, fmt.Errorf("blockstore: decode block: %w", err)
	}
	return &blk, nil
}

// checksum computes the BLAKE3-128 checksum of a record's payload.
func checksum(payload []byte) []byte {
	h, err := blake3.New(checksumSize, nil)
	if err != nil {
		panic(fmt.Sprintf("blockstore: blake3.New(%d): %v", checksumSize, err))
	}
	h.Write(payload)
	return h.Sum(nil)
}

// rebuildIndex scans every existing segment in order, verifying that each
// block's declared PrevHash matches the previous block's hash, and
// populates the in-memory hash/height index from what it finds. It also
// leaves curFileNum/curOffset positioned at the end of the last segment so
// Append continues from the right place.
func (s *Store) rebuildIndex() error {
	segments, err := s.listSegments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		s.curFileNum = 0
		s.curOffset = 0
		return nil
	}

	var prevHash types.Hash
	haveParent := false

	for _, fileNum := range segments {
		path := s.segmentPath(fileNum)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read segment %s: %w", path, err)
		}

		var offset uint32
		for offset < uint32(len(data)) {
			if offset+recordHeaderSize > uint32(len(data)) {
				return fmt.Errorf("segment %s: truncated record header at offset %d", path, offset)
			}
			size := binary.BigEndian.Uint32(data[offset : offset+4])
			recordChecksum := data[offset+4 : offset+recordHeaderSize]
			payloadStart := offset + recordHeaderSize
			payloadEnd := payloadStart + size
			if payloadEnd > uint32(len(data)) {
				return fmt.Errorf("segment %s: truncated record payload at offset %d", path, offset)
			}
			payload := data[payloadStart:payloadEnd]

			if !bytes.Equal(checksum(payload), recordChecksum) {
				return fmt.Errorf("segment %s: checksum mismatch at offset %d", path, offset)
			}

			var blk block.Block
			if err := json.Unmarshal(payload, &blk); err != nil {
				return fmt.Errorf("segment %s: decode block at offset %d: %w", path, offset, err)
			}

			if haveParent && blk.Header.PrevHash != prevHash {
				return fmt.Errorf("segment %s: block at height %d declares prev_hash %s, expected %s",
					path, blk.Header.Height, blk.Header.PrevHash, prevHash)
			}

			hash := blk.Hash()
			loc := Location{FileNum: fileNum, Offset: payloadStart, Size: size}
			s.index[hash] = loc
			s.heightIndex[blk.Header.Height] = hash

			prevHash = hash
			haveParent = true
			offset = payloadEnd
		}

		s.curFileNum = fileNum
		s.curOffset = offset
	}

	return nil
}

func (s *Store) listSegments() ([]uint32, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var nums []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var n uint32
		if _, err := fmt.Sscanf(e.Name(), "blk%05d.dat", &n); err == nil {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}
