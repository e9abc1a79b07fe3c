package ledger

import (
	"errors"
	"fmt"
)

// A validator proves liveness by walking a hash chain backwards. At
// enrollment it commits to h[N-1] where h[0] = H(seed, utxo) and
// h[i] = H(h[i-1]); at block offset k it must have revealed h[N-1-k].
// Binding h[0] to the staking UTXO key makes reusing a seed under a
// different staker fail commitment verification.

// PreImageCycle holds one enrollment's full hash chain.
type PreImageCycle struct {
	Seed    Hash
	UTXOKey Hash
	N       uint64

	images []Hash
}

// NewPreImageCycle generates the chain for a seed and staking UTXO.
func NewPreImageCycle(seed, utxoKey Hash, n uint64) *PreImageCycle {
	if n == 0 {
		panic("cycle length must be positive")
	}

	images := make([]Hash, n)
	images[0] = hashDomain(domainPreImage, seed[:], utxoKey[:])
	for i := uint64(1); i < n; i++ {
		images[i] = SHA3(images[i-1][:])
	}
	return &PreImageCycle{Seed: seed, UTXOKey: utxoKey, N: n, images: images}
}

// Commitment returns the final pre-image h[N-1], the value submitted
// at enrollment.
func (c *PreImageCycle) Commitment() Hash {
	return c.images[c.N-1]
}

// PreImageAt returns the pre-image to reveal at block offset k.
func (c *PreImageCycle) PreImageAt(k uint64) (Hash, error) {
	if k >= c.N {
		return Hash{}, fmt.Errorf("offset %d outside cycle of length %d", k, c.N)
	}

	return c.images[c.N-1-k], nil
}

// VerifyPreImage checks hash^k(revealed) == commitment.
func VerifyPreImage(commitment, revealed Hash, k uint64) bool {
	h := revealed
	for i := uint64(0); i < k; i++ {
		h = SHA3(h[:])
	}
	return h == commitment
}

// PreImageInfo is a revealed pre-image announced to the network and
// recorded in the block it took effect at.
type PreImageInfo struct {
	UTXOKey  Hash
	Hash     Hash
	Distance uint64
}

// Encode returns the canonical binary form.
func (p *PreImageInfo) Encode() []byte {
	var w writer
	w.hash(p.UTXOKey)
	w.hash(p.Hash)
	w.u64(p.Distance)
	return w.buf
}

func decodePreImageInfo(r *reader) (PreImageInfo, error) {
	var p PreImageInfo
	var err error
	if p.UTXOKey, err = r.hash(); err != nil {
		return p, err
	}
	if p.Hash, err = r.hash(); err != nil {
		return p, err
	}
	if p.Distance, err = r.u64(); err != nil {
		return p, err
	}
	return p, nil
}

var errNoPreImages = errors.New("no pre-images to fold")

// FoldPreImages XOR-folds the block's revealed pre-images into the
// shuffle seed for the next quorum derivation.
func FoldPreImages(infos []PreImageInfo) (Rand, error) {
	if len(infos) == 0 {
		return Rand{}, errNoPreImages
	}

	var out Hash
	for i := range infos {
		for j := range out {
			out[j] ^= infos[i].Hash[j]
		}
	}
	return Rand(out), nil
}
