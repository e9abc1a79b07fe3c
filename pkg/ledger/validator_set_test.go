package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vsetSetup(t *testing.T) (*ValidatorSet, *EnrollmentManager, Hash, SK) {
	cfg := DefaultConfig()
	cfg.ValidatorCycle = 20

	sk := testSK(1)
	genesis, managers, stakeKeys := testGenesis(cfg, []SK{sk}, 100_000, 1000, 2)

	vset := NewValidatorSet()
	e := genesis.Header.Enrollments[0]
	require.NoError(t, vset.Add(e, sk.MustPK(), 0))
	return vset, managers[0], stakeKeys[0], sk
}

func TestActivityRule(t *testing.T) {
	vset, mgr, key, _ := vsetSetup(t)

	// enrolled at 0: not active at its own height, active right
	// after with the commitment counting as distance 0
	assert.False(t, vset.IsActive(key, 0))
	assert.True(t, vset.IsActive(key, 1))

	// height 2 needs a reveal at distance >= 1
	assert.False(t, vset.IsActive(key, 2))

	info, err := mgr.PreImageAt(key, 1)
	require.NoError(t, err)
	require.NoError(t, vset.AddPreImage(info))
	assert.True(t, vset.IsActive(key, 2))

	// never active past the cycle end
	info, err = mgr.PreImageAt(key, 19)
	require.NoError(t, err)
	require.NoError(t, vset.AddPreImage(info))
	assert.True(t, vset.IsActive(key, 20))
	assert.False(t, vset.IsActive(key, 21))
}

func TestAddPreImageRules(t *testing.T) {
	vset, mgr, key, _ := vsetSetup(t)

	info, err := mgr.PreImageAt(key, 5)
	require.NoError(t, err)
	require.NoError(t, vset.AddPreImage(info))

	// stale reveals are benign
	old, err := mgr.PreImageAt(key, 3)
	require.NoError(t, err)
	assert.NoError(t, vset.AddPreImage(old))
	got, ok := vset.PreImageOf(key)
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.Distance)

	// wrong image at a claimed distance
	bad := PreImageInfo{UTXOKey: key, Hash: SHA3([]byte("junk")), Distance: 7}
	assert.ErrorIs(t, vset.AddPreImage(bad), ErrPreImageMismatch)

	// unknown staker
	bad.UTXOKey = SHA3([]byte("who"))
	assert.ErrorIs(t, vset.AddPreImage(bad), ErrPreImageMismatch)
}

func TestMarkMissedAndEject(t *testing.T) {
	vset, _, key, _ := vsetSetup(t)

	// distance 0, height 5 requires 4: far past the grace window
	slashed := vset.MarkMissed(5, 1)
	require.Len(t, slashed, 1)
	assert.Equal(t, key, slashed[0])
	assert.False(t, vset.IsActive(key, 5))

	// marking twice does not slash twice
	assert.Empty(t, vset.MarkMissed(6, 1))

	vset.RecordSlash(key, 10_000)
	v, ok := vset.Get(key)
	require.True(t, ok)
	assert.Equal(t, uint64(10_000), v.Slashed)

	assert.Empty(t, vset.EjectExpired(20))
	ejected := vset.EjectExpired(21)
	require.Len(t, ejected, 1)
	assert.Equal(t, 0, vset.Count())
}

func TestMarkMissedGrace(t *testing.T) {
	vset, mgr, key, _ := vsetSetup(t)

	info, err := mgr.PreImageAt(key, 3)
	require.NoError(t, err)
	require.NoError(t, vset.AddPreImage(info))

	// required 4 at height 5, revealed 3, grace 1: still fine
	assert.Empty(t, vset.MarkMissed(5, 1))

	// required 5 at height 6, revealed 3, grace 1: slashed
	assert.Len(t, vset.MarkMissed(6, 1), 1)
}

func TestActiveValidatorsOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ValidatorCycle = 20

	sks := []SK{testSK(1), testSK(2), testSK(3)}
	genesis, _, stakeKeys := testGenesis(cfg, sks, 100_000, 1000, 2)

	vset := NewValidatorSet()
	for i := range sks {
		for _, e := range genesis.Header.Enrollments {
			if e.UTXOKey == stakeKeys[i] {
				require.NoError(t, vset.Add(e, sks[i].MustPK(), 0))
			}
		}
	}

	active := vset.ActiveValidators(1)
	require.Len(t, active, 3)
	for i := 1; i < len(active); i++ {
		assert.True(t, active[i-1].Less(active[i]))
	}
	assert.Equal(t, 3, vset.ActiveCount(1))
}
