package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enrollSetup(t *testing.T, n int) (Config, []SK, *Block, []*EnrollmentManager, []Hash, *UTXOSet, *ValidatorSet) {
	cfg := DefaultConfig()
	cfg.ValidatorCycle = 20
	cfg.MinFreezeAmount = 50_000

	sks := make([]SK, n)
	for i := range sks {
		sks[i] = testSK(byte(i + 1))
	}

	genesis, managers, stakeKeys := testGenesis(cfg, sks, 100_000, 1000, 2)
	utxo := NewUTXOSet()
	require.NoError(t, utxo.Apply(genesis))
	return cfg, sks, genesis, managers, stakeKeys, utxo, NewValidatorSet()
}

func TestAddEnrollmentRules(t *testing.T) {
	cfg, sks, genesis, managers, stakeKeys, utxo, vset := enrollSetup(t, 2)
	find := func(k Hash) (UTXO, bool) { return utxo.Peek(k) }

	e := managers[0].CreateEnrollment(stakeKeys[0])
	require.NoError(t, managers[0].AddEnrollment(0, e, find, vset))

	// unknown staking utxo
	bad := *e
	bad.UTXOKey = SHA3([]byte("nope"))
	bad.Sig = sks[0].Sign(bad.Encode(false))
	assert.ErrorIs(t, managers[0].AddEnrollment(0, &bad, find, vset), ErrInvalidEnrollment)

	// non-freeze output as stake
	var payKey Hash
	for i := range genesis.Txs {
		if genesis.Txs[i].Type == TxPayment {
			payKey = UTXOKey(genesis.Txs[i].Hash(), 0)
		}
	}
	bad = *e
	bad.UTXOKey = payKey
	bad.Sig = sks[0].Sign(bad.Encode(false))
	assert.ErrorIs(t, managers[0].AddEnrollment(0, &bad, find, vset), ErrInvalidEnrollment)

	// wrong cycle length
	bad = *e
	bad.CycleLength = cfg.ValidatorCycle + 1
	bad.Sig = sks[0].Sign(bad.Encode(false))
	assert.ErrorIs(t, managers[0].AddEnrollment(0, &bad, find, vset), ErrInvalidEnrollment)

	// signature by the wrong key
	bad = *e
	bad.Sig = sks[1].Sign(bad.Encode(false))
	assert.ErrorIs(t, managers[0].AddEnrollment(0, &bad, find, vset), ErrInvalidEnrollment)

	// already-active staker
	pk := sks[0].MustPK()
	require.NoError(t, vset.Add(*e, pk, 0))
	reveal, err := managers[0].PreImageAt(stakeKeys[0], 19)
	require.NoError(t, err)
	require.NoError(t, vset.AddPreImage(reveal))
	again := managers[0].CreateEnrollment(stakeKeys[0])
	assert.ErrorIs(t, managers[0].AddEnrollment(5, again, find, vset), ErrInvalidEnrollment)

	// except in the cycle's terminal block
	assert.NoError(t, managers[0].AddEnrollment(19, again, find, vset))

	// a terminal re-enrollment replaying the old commitment is
	// invalid even though its reveals would verify
	replay := *e
	replay.Sig = sks[0].Sign(replay.Encode(false))
	assert.ErrorIs(t, managers[0].AddEnrollment(19, &replay, find, vset), ErrInvalidEnrollment)
}

func TestMinStake(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ValidatorCycle = 20
	cfg.MinFreezeAmount = 1_000_000

	sk := testSK(7)
	genesis, _, stakeKeys := testGenesis(cfg, []SK{sk}, 100_000, 1000, 2)
	utxo := NewUTXOSet()
	require.NoError(t, utxo.Apply(genesis))

	mgr := NewEnrollmentManager(cfg, sk)
	e := mgr.CreateEnrollment(stakeKeys[0])
	err := mgr.AddEnrollment(0, e, func(k Hash) (UTXO, bool) { return utxo.Peek(k) }, NewValidatorSet())
	assert.ErrorIs(t, err, ErrInvalidEnrollment)
}

func TestUnregisteredEnrollmentsOrdered(t *testing.T) {
	_, _, _, managers, stakeKeys, utxo, vset := enrollSetup(t, 4)
	find := func(k Hash) (UTXO, bool) { return utxo.Peek(k) }

	// admit in reverse order; retrieval is utxo-key ascending anyway
	for i := len(managers) - 1; i >= 0; i-- {
		e := managers[i].CreateEnrollment(stakeKeys[i])
		require.NoError(t, managers[0].AddEnrollment(0, e, find, vset))
	}

	got := managers[0].UnregisteredEnrollments(0)
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].UTXOKey.Less(got[i].UTXOKey))
	}

	// the cap keeps the smallest keys, spreading the rest over the
	// following blocks
	capped := managers[0].UnregisteredEnrollments(3)
	require.Len(t, capped, 3)
	assert.Equal(t, got[0].UTXOKey, capped[0].UTXOKey)
	assert.Equal(t, got[2].UTXOKey, capped[2].UTXOKey)
}

func TestEnrollDataRestore(t *testing.T) {
	cfg, sks, _, managers, stakeKeys, _, _ := enrollSetup(t, 1)

	data := managers[0].Export()
	require.NotEmpty(t, data.Seeds)

	restored := NewEnrollmentManager(cfg, sks[0])
	restored.Restore(data)

	// the restored chain reveals the same pre-images
	a, err := managers[0].PreImageAt(stakeKeys[0], 5)
	require.NoError(t, err)
	b, err := restored.PreImageAt(stakeKeys[0], 5)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEnrollmentEncodeDecode(t *testing.T) {
	_, _, _, managers, stakeKeys, _, _ := enrollSetup(t, 1)
	e := managers[0].CreateEnrollment(stakeKeys[0])

	r := &reader{buf: e.Encode(true)}
	decoded, err := decodeEnrollment(r)
	require.NoError(t, err)
	require.NoError(t, r.done())
	assert.Equal(t, *e, decoded)
	assert.Equal(t, e.Hash(), decoded.Hash())
}
