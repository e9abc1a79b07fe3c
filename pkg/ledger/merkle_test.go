package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMerkleRoot(t *testing.T) {
	a, b, c := SHA3([]byte{1}), SHA3([]byte{2}), SHA3([]byte{3})

	// lone leaves are duplicated at each level
	assert.Equal(t, MerkleRoot([]Hash{a, b, c}), MerkleRoot([]Hash{a, b, c, c}))
	assert.NotEqual(t, MerkleRoot([]Hash{a, b}), MerkleRoot([]Hash{b, a}))
	assert.NotEqual(t, MerkleRoot([]Hash{a}), MerkleRoot([]Hash{b}))
	assert.Equal(t, MerkleRoot(nil), MerkleRoot([]Hash{}))

	// a single leaf is already the root
	assert.Equal(t, SHA512(a[:]), MerkleRoot([]Hash{a}))
}

func TestMerkleRootDeterministic(t *testing.T) {
	hashes := make([]Hash, 9)
	for i := range hashes {
		hashes[i] = SHA3([]byte{byte(i)})
	}

	assert.Equal(t, MerkleRoot(hashes), MerkleRoot(hashes))
}
