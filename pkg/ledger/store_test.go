package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChain(t *testing.T, n int) (*BlockStorage, []*Block, ethdb.Database) {
	sk := testSK(1)
	cfg := DefaultConfig()
	cfg.ValidatorCycle = 20
	genesis, _, _ := testGenesis(cfg, []SK{sk}, 100_000, 1000, 2)

	db := ethdb.NewMemDatabase()
	s, err := NewBlockStorage(db, genesis)
	require.NoError(t, err)

	blocks := []*Block{genesis}
	for i := 1; i <= n; i++ {
		b := NewBlock(blocks[i-1], nil, nil, nil, uint64(i))
		require.NoError(t, s.Append(b))
		blocks = append(blocks, b)
	}
	return s, blocks, db
}

func TestStoreAppendGet(t *testing.T) {
	s, blocks, _ := testChain(t, 5)

	assert.Equal(t, uint64(5), s.Height())
	for i, want := range blocks {
		got, err := s.Get(uint64(i))
		require.NoError(t, err)
		assert.Equal(t, want.Hash(), got.Hash())
	}

	_, err := s.Get(6)
	assert.Error(t, err)
}

func TestStoreAppendRejectsGaps(t *testing.T) {
	s, blocks, _ := testChain(t, 2)

	// wrong height
	b := NewBlock(blocks[2], nil, nil, nil, 9)
	b.Header.Height = 5
	assert.ErrorIs(t, s.Append(b), ErrInvalidBlock)

	// wrong parent
	fork := NewBlock(blocks[1], nil, nil, nil, 9)
	fork.Header.Height = 3
	assert.ErrorIs(t, s.Append(fork), ErrInvalidBlock)
}

func TestStoreRange(t *testing.T) {
	s, _, _ := testChain(t, 10)

	got, err := s.Range(3, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(3), got[0].Header.Height)
	assert.Equal(t, uint64(6), got[3].Header.Height)

	// past the tip
	got, err = s.Range(11, 4)
	require.NoError(t, err)
	assert.Empty(t, got)

	// limit capped, not erroring
	got, err = s.Range(0, 100000)
	require.NoError(t, err)
	assert.Len(t, got, 11)
}

func TestStoreReopen(t *testing.T) {
	s, blocks, db := testChain(t, 3)
	tip := s.Tip().Hash()

	reopened, err := NewBlockStorage(db, blocks[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(3), reopened.Height())
	assert.Equal(t, tip, reopened.Tip().Hash())

	// a different genesis does not open the same store
	sk := testSK(2)
	cfg := DefaultConfig()
	cfg.ValidatorCycle = 20
	other, _, _ := testGenesis(cfg, []SK{sk}, 100_000, 1000, 2)
	_, err = NewBlockStorage(db, other)
	assert.ErrorIs(t, err, ErrStorageFailure)
}

func TestBlockEncodeDecode(t *testing.T) {
	_, blocks, _ := testChain(t, 1)
	b := blocks[1]
	b.Header.Validators = NewBitfield(3)
	b.Header.Validators.Set(1)
	b.Header.Signature = testSK(1).Sign([]byte("x"))

	decoded, err := DecodeBlock(b.Encode())
	require.NoError(t, err)
	assert.Equal(t, b.Hash(), decoded.Hash())
	assert.Equal(t, b.Header.Signature, decoded.Header.Signature)
	assert.True(t, decoded.Header.Validators.Get(1))
	assert.False(t, decoded.Header.Validators.Get(0))
}
