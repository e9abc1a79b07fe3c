package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupUTXO(t *testing.T) (*UTXOSet, *Block, SK) {
	sk := testSK(1)
	cfg := DefaultConfig()
	cfg.ValidatorCycle = 20
	genesis, _, _ := testGenesis(cfg, []SK{sk}, 100_000, 1000, 4)

	s := NewUTXOSet()
	require.NoError(t, s.Apply(genesis))
	return s, genesis, sk
}

func paymentOutput(genesis *Block) (Hash, uint32) {
	for i := range genesis.Txs {
		if genesis.Txs[i].Type == TxPayment {
			return genesis.Txs[i].Hash(), 0
		}
	}
	panic("no payment in genesis")
}

func TestUTXOApplyAndSpend(t *testing.T) {
	s, genesis, sk := setupUTXO(t)
	before := s.Count()

	prevTx, idx := paymentOutput(genesis)
	tx := paymentTx(sk, prevTx, idx, 1000, 10)
	b := NewBlock(genesis, []Transaction{*tx}, nil, nil, 1)

	require.NoError(t, s.Apply(b))
	assert.Equal(t, before, s.Count())

	_, ok := s.Peek(UTXOKey(prevTx, idx))
	assert.False(t, ok)

	out, ok := s.Peek(UTXOKey(tx.Hash(), 0))
	require.True(t, ok)
	assert.Equal(t, uint64(990), out.Amount)
	assert.Equal(t, uint64(1), out.UnlockHeight)
}

func TestUTXOApplyAtomicity(t *testing.T) {
	s, genesis, sk := setupUTXO(t)
	snapshot := s.Snapshot()

	prevTx, idx := paymentOutput(genesis)
	good := paymentTx(sk, prevTx, idx, 1000, 10)
	// second spend of the same output inside the same block
	conflict := paymentTx(sk, prevTx, idx, 1000, 20)

	b := NewBlock(genesis, []Transaction{*good, *conflict}, nil, nil, 1)
	err := s.Apply(b)
	require.Error(t, err)

	// the set is byte-identical to its pre-application state
	assert.Equal(t, snapshot, s.Snapshot())
}

func TestUTXOApplyMissingInput(t *testing.T) {
	s, genesis, sk := setupUTXO(t)
	snapshot := s.Snapshot()

	tx := paymentTx(sk, SHA3([]byte("no such tx")), 0, 1000, 10)
	b := NewBlock(genesis, []Transaction{*tx}, nil, nil, 1)

	assert.ErrorIs(t, s.Apply(b), ErrUTXONotFound)
	assert.Equal(t, snapshot, s.Snapshot())
}

func TestUTXOUnlockHeight(t *testing.T) {
	s, genesis, _ := setupUTXO(t)

	var freezeKey Hash
	for i := range genesis.Txs {
		if genesis.Txs[i].Type == TxFreeze {
			freezeKey = UTXOKey(genesis.Txs[i].Hash(), 0)
		}
	}

	require.NoError(t, s.Freeze(freezeKey, 40))

	_, err := s.FindSpendable(freezeKey, 39)
	assert.ErrorIs(t, err, ErrUTXOLocked)

	_, err = s.FindSpendable(freezeKey, 40)
	assert.NoError(t, err)
}

func TestUTXOSlash(t *testing.T) {
	s, genesis, _ := setupUTXO(t)

	var freezeKey Hash
	for i := range genesis.Txs {
		if genesis.Txs[i].Type == TxFreeze {
			freezeKey = UTXOKey(genesis.Txs[i].Hash(), 0)
		}
	}

	require.NoError(t, s.Slash(freezeKey, 30_000))
	u, ok := s.Peek(freezeKey)
	require.True(t, ok)
	assert.Equal(t, uint64(70_000), u.Amount)

	// slashing beyond the stake floors at zero
	require.NoError(t, s.Slash(freezeKey, 1_000_000))
	u, _ = s.Peek(freezeKey)
	assert.Equal(t, uint64(0), u.Amount)

	assert.ErrorIs(t, s.Slash(SHA3([]byte("nope")), 1), ErrUTXONotFound)
}
