package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPool(t *testing.T) (*TransactionPool, *UTXOSet, *Block, SK) {
	sk := testSK(1)
	cfg := DefaultConfig()
	cfg.ValidatorCycle = 20
	genesis, _, _ := testGenesis(cfg, []SK{sk}, 100_000, 1000, 8)

	utxo := NewUTXOSet()
	require.NoError(t, utxo.Apply(genesis))
	pool := NewTransactionPool(utxo, testEngine(), 1, 128)
	return pool, utxo, genesis, sk
}

func paymentHashes(genesis *Block) []Hash {
	var out []Hash
	for i := range genesis.Txs {
		if genesis.Txs[i].Type == TxPayment {
			out = append(out, genesis.Txs[i].Hash())
		}
	}
	return out
}

func TestPoolAddAndOrder(t *testing.T) {
	pool, _, genesis, sk := setupPool(t)
	prev := paymentHashes(genesis)[0]

	var added []Hash
	for i := uint32(0); i < 4; i++ {
		tx := paymentTx(sk, prev, i, 1000, 10)
		require.NoError(t, pool.Add(tx, 0))
		added = append(added, tx.Hash())
	}

	assert.Equal(t, 4, pool.Size())

	// Take preserves insertion order
	got := pool.Take(0)
	require.Len(t, got, 4)
	for i, tx := range got {
		assert.Equal(t, added[i], tx.Hash())
	}

	// Take with a cap returns the oldest entries
	got = pool.Take(2)
	require.Len(t, got, 2)
	assert.Equal(t, added[0], got[0].Hash())
	assert.Equal(t, added[1], got[1].Hash())
}

func TestPoolRejectsDoubleSpend(t *testing.T) {
	pool, _, genesis, sk := setupPool(t)
	prev := paymentHashes(genesis)[0]

	a := paymentTx(sk, prev, 0, 1000, 10)
	b := paymentTx(sk, prev, 0, 1000, 20)

	require.NoError(t, pool.Add(a, 0))
	assert.ErrorIs(t, pool.Add(b, 0), ErrInvalidTx)
	assert.ErrorIs(t, pool.Add(a, 0), ErrTxKnown)
}

func TestPoolRejectsInvalid(t *testing.T) {
	pool, _, genesis, sk := setupPool(t)
	prev := paymentHashes(genesis)[0]

	// unknown input
	unknown := paymentTx(sk, SHA3([]byte("nope")), 0, 1000, 10)
	assert.ErrorIs(t, pool.Add(unknown, 0), ErrInvalidTx)

	// fee below minimum
	free := paymentTx(sk, prev, 0, 1000, 0)
	assert.ErrorIs(t, pool.Add(free, 0), ErrInvalidTx)

	// outputs exceed inputs
	inflate := &Transaction{
		Type:    TxPayment,
		Inputs:  []Input{{PrevTx: prev, Index: 1}},
		Outputs: []Output{{Amount: 2000, Lock: KeyLock(sk.MustPK())}},
	}
	inflate.Inputs[0].Unlock = KeyUnlock(sk, inflate)
	assert.ErrorIs(t, pool.Add(inflate, 0), ErrInvalidTx)

	// wrong signer
	stolen := paymentTx(testSK(9), prev, 2, 1000, 10)
	assert.ErrorIs(t, pool.Add(stolen, 0), ErrInvalidTx)
}

func TestPoolRemoveAndSeen(t *testing.T) {
	pool, _, genesis, sk := setupPool(t)
	prev := paymentHashes(genesis)[0]

	tx := paymentTx(sk, prev, 0, 1000, 10)
	require.NoError(t, pool.Add(tx, 0))
	h := tx.Hash()

	assert.True(t, pool.Has(h))
	pool.Remove(h)
	assert.False(t, pool.Has(h))

	// the ever-accepted record survives removal, suppressing gossip
	assert.True(t, pool.HasEverSeen(h))

	// freed input is spendable again
	again := paymentTx(sk, prev, 0, 1000, 20)
	assert.NoError(t, pool.Add(again, 0))
}
