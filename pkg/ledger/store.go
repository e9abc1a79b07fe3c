package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
)

// maxBlockRange caps how many blocks a single Range call returns.
const maxBlockRange = 1000

// BlockStorage is the append-only block sequence, indexed by height
// and backed by a key-value database. The genesis block is injected at
// construction and never changes.
type BlockStorage struct {
	db ethdb.Database

	mu  sync.RWMutex
	tip *Block
}

type tipRecord struct {
	Height uint64
	Hash   Hash
}

var (
	// ErrStorageFailure wraps canonical-store errors; the node
	// treats them as fatal.
	ErrStorageFailure = errors.New("storage failure")
)

func blockKey(height uint64) []byte {
	key := make([]byte, 1+8)
	key[0] = 'b'
	binary.LittleEndian.PutUint64(key[1:], height)
	return key
}

var tipKey = []byte("tip")

// NewBlockStorage opens the store, injecting the genesis block on
// first use. Reopening with a different genesis fails.
func NewBlockStorage(db ethdb.Database, genesis *Block) (*BlockStorage, error) {
	s := &BlockStorage{db: db}

	has, err := db.Has(tipKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	if !has {
		if err := s.write(genesis); err != nil {
			return nil, err
		}
		if err := s.writeTip(genesis); err != nil {
			return nil, err
		}
		s.tip = genesis
		return s, nil
	}

	raw, err := db.Get(tipKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	var rec tipRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode tip: %v", ErrStorageFailure, err)
	}

	stored, err := s.read(0)
	if err != nil {
		return nil, err
	}
	if stored.Hash() != genesis.Hash() {
		return nil, fmt.Errorf("%w: stored genesis does not match", ErrStorageFailure)
	}

	tip, err := s.read(rec.Height)
	if err != nil {
		return nil, err
	}
	if tip.Hash() != rec.Hash {
		return nil, fmt.Errorf("%w: tip record does not match block %d", ErrStorageFailure, rec.Height)
	}

	s.tip = tip
	return s, nil
}

func (s *BlockStorage) write(b *Block) error {
	if err := s.db.Put(blockKey(b.Header.Height), b.Encode()); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

func (s *BlockStorage) writeTip(b *Block) error {
	raw, err := rlp.EncodeToBytes(tipRecord{Height: b.Header.Height, Hash: b.Hash()})
	if err != nil {
		// should not happen
		panic(err)
	}

	if err := s.db.Put(tipKey, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

func (s *BlockStorage) read(height uint64) (*Block, error) {
	raw, err := s.db.Get(blockKey(height))
	if err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrStorageFailure, height, err)
	}

	b, err := DecodeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode block %d: %v", ErrStorageFailure, height, err)
	}
	return b, nil
}

// Append adds a block on top of the current tip. The caller validates
// the block; the store re-checks the chain linkage.
func (s *BlockStorage) Append(b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Header.Height != s.tip.Header.Height+1 {
		return fmt.Errorf("%w: appending height %d on tip %d", ErrInvalidBlock, b.Header.Height, s.tip.Header.Height)
	}

	if b.Header.PrevBlock != s.tip.Hash() {
		return fmt.Errorf("%w: prev hash does not chain to tip", ErrInvalidBlock)
	}

	if err := s.write(b); err != nil {
		return err
	}
	if err := s.writeTip(b); err != nil {
		return err
	}
	s.tip = b
	return nil
}

// Get returns the block at the given height.
func (s *BlockStorage) Get(height uint64) (*Block, error) {
	s.mu.RLock()
	tip := s.tip.Header.Height
	s.mu.RUnlock()

	if height > tip {
		return nil, fmt.Errorf("height %d past tip %d", height, tip)
	}
	return s.read(height)
}

// Range returns up to limit blocks starting at from; limit is capped
// at 1000 per call.
func (s *BlockStorage) Range(from uint64, limit int) ([]*Block, error) {
	if limit <= 0 || limit > maxBlockRange {
		limit = maxBlockRange
	}

	s.mu.RLock()
	tip := s.tip.Header.Height
	s.mu.RUnlock()

	if from > tip {
		return nil, nil
	}

	n := tip - from + 1
	if uint64(limit) < n {
		n = uint64(limit)
	}

	out := make([]*Block, 0, n)
	for h := from; h < from+n; h++ {
		b, err := s.read(h)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Tip returns the latest block.
func (s *BlockStorage) Tip() *Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tip
}

// Height returns the tip height.
func (s *BlockStorage) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tip.Header.Height
}

// Genesis returns the height-0 block.
func (s *BlockStorage) Genesis() *Block {
	b, err := s.Get(0)
	if err != nil {
		// the constructor guarantees genesis is present
		panic(err)
	}

	return b
}
