package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveRand(t *testing.T) {
	msg := []byte("hello")
	r := Rand(SHA3(msg))
	r1 := r.Derive(msg)
	assert.NotEqual(t, r, r1)
	assert.Equal(t, r1, Rand(SHA3(msg)).Derive(msg))
	assert.NotEqual(t, r1, r1.Derive(msg))
}

func TestMod(t *testing.T) {
	r := Rand(SHA3([]byte{1}))
	assert.Equal(t, r.Mod(7), r.Mod(7))
	for n := 1; n < 20; n++ {
		m := r.Mod(n)
		assert.True(t, m >= 0 && m < n)
	}
}

func TestPerm(t *testing.T) {
	r := Rand(SHA3([]byte{1}))
	assert.Equal(t, r.Perm(7, 7), r.Perm(7, 7))

	perm := r.Perm(7, 7)
	seen := make(map[int]bool)
	for _, v := range perm {
		assert.True(t, v >= 0 && v < 7)
		assert.False(t, seen[v])
		seen[v] = true
	}

	prefix := r.Perm(3, 51)
	assert.Len(t, prefix, 3)

	other := Rand(SHA3([]byte{2})).Perm(7, 7)
	assert.NotEqual(t, perm, other)
}
