package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPKs(n int) []PK {
	out := make([]PK, n)
	for i := range out {
		out[i] = testSK(byte(i + 1)).MustPK()
	}
	return out
}

func TestQuorumDeterministic(t *testing.T) {
	pks := testPKs(6)
	seed := Rand(SHA3([]byte("shuffle")))

	a, err := BuildQuorumSets(pks, seed, 7, 80)
	require.NoError(t, err)
	b, err := BuildQuorumSets(pks, seed, 7, 80)
	require.NoError(t, err)

	require.Len(t, a, 6)
	for id, q := range a {
		other, ok := b[id]
		require.True(t, ok)
		assert.Equal(t, q.Encode(), other.Encode())
	}

	// input order must not matter: the constructor sorts first
	reversed := make([]PK, len(pks))
	for i := range pks {
		reversed[i] = pks[len(pks)-1-i]
	}
	c, err := BuildQuorumSets(reversed, seed, 7, 80)
	require.NoError(t, err)
	for id, q := range a {
		cq := c[id]
		assert.Equal(t, q.Encode(), cq.Encode())
	}

	// a different seed shuffles differently once partitioning kicks in
	wide := testPKs(12)
	d, err := BuildQuorumSets(wide, seed.Derive([]byte("x")), 3, 80)
	require.NoError(t, err)
	e, err := BuildQuorumSets(wide, seed, 3, 80)
	require.NoError(t, err)
	same := true
	for id := range d {
		dq, eq := d[id], e[id]
		if string(dq.Encode()) != string(eq.Encode()) {
			same = false
		}
	}
	assert.False(t, same)
}

func TestQuorumSanityClosure(t *testing.T) {
	seed := Rand(SHA3([]byte("shuffle")))
	for _, n := range []int{1, 2, 3, 6, 10, 23} {
		for _, maxNodes := range []int{2, 3, 7} {
			qs, err := BuildQuorumSets(testPKs(n), seed, maxNodes, 80)
			require.NoError(t, err, "n=%d max=%d", n, maxNodes)
			for _, q := range qs {
				ok, reason := q.IsSane(false)
				assert.True(t, ok, "n=%d max=%d: %s", n, maxNodes, reason)

				// normalising again must keep it sane and stable
				q.Normalize(nil)
				ok, _ = q.IsSane(false)
				assert.True(t, ok)
			}
		}
	}
}

func TestQuorumThresholds(t *testing.T) {
	seed := Rand(SHA3([]byte("shuffle")))

	qs, err := BuildQuorumSets(testPKs(6), seed, 7, 80)
	require.NoError(t, err)
	for _, q := range qs {
		// ceil(80 * 6 / 100) == 5
		assert.Equal(t, uint32(5), q.Threshold)
		assert.Len(t, q.Validators, 6)
		assert.Empty(t, q.Inner)
	}

	qs, err = BuildQuorumSets(testPKs(6), seed, 3, 100)
	require.NoError(t, err)
	for _, q := range qs {
		// two groups of three under a top-level threshold
		assert.Equal(t, uint32(2), q.Threshold)
		assert.Len(t, q.Inner, 2)
		for _, in := range q.Inner {
			assert.Equal(t, uint32(3), in.Threshold)
			assert.Len(t, in.Validators, 3)
		}
	}

	_, err = BuildQuorumSets(nil, seed, 7, 80)
	assert.Error(t, err)
	_, err = BuildQuorumSets(testPKs(2), seed, 0, 80)
	assert.Error(t, err)
	_, err = BuildQuorumSets(testPKs(2), seed, 7, 0)
	assert.Error(t, err)
}
