package ledger

// Rand is a deterministic random stream seeded by a hash. Two nodes
// holding the same seed derive identical values, which the quorum
// shuffle depends on.
type Rand Hash

// Derive derives a new Rand from the current one and the given data.
func (r Rand) Derive(b []byte) Rand {
	return Rand(SHA3(r[:], b))
}

// Mod returns a deterministic value in [0, n).
func (r Rand) Mod(n int) int {
	return hashMod(Hash(r), n)
}

// Perm returns the first k elements of a deterministic permutation of
// [0, n). It is a Fisher-Yates shuffle keyed by the stream.
func (r Rand) Perm(k, n int) []int {
	cur := r
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	for i := 0; i < k; i++ {
		j := i + cur.Mod(n-i)
		idx[i], idx[j] = idx[j], idx[i]
		cur = cur.Derive(cur[:])
	}

	return idx[:k]
}
