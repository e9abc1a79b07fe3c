package ledger

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"golang.org/x/crypto/sha3"
)

const (
	hashBytes     = 32
	longHashBytes = 64
)

// Hash is the 32-byte fingerprint of a piece of data.
type Hash [hashBytes]byte

// Hash64 is a full SHA-512 digest. It is used where the wire format
// calls for 64-byte hashes: key-hash locks, redeem hashes and the
// merkle tree.
type Hash64 [longHashBytes]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:8])
}

func (h Hash64) String() string {
	return fmt.Sprintf("%x", h[:8])
}

// Less reports whether h sorts before o in byte order.
func (h Hash) Less(o Hash) bool {
	return bytes.Compare(h[:], o[:]) < 0
}

// SHA3 returns the SHA3-256 hash of the concatenated inputs.
func SHA3(b ...[]byte) Hash {
	d := sha3.New256()
	for _, e := range b {
		_, err := d.Write(e)
		if err != nil {
			// should not happen
			panic(err)
		}
	}
	h := d.Sum(nil)
	var hash Hash
	copy(hash[:], h)
	return hash
}

// SHA512 returns the full SHA-512 hash of the concatenated inputs.
func SHA512(b ...[]byte) Hash64 {
	d := sha512.New()
	for _, e := range b {
		_, err := d.Write(e)
		if err != nil {
			// should not happen
			panic(err)
		}
	}
	h := d.Sum(nil)
	var hash Hash64
	copy(hash[:], h)
	return hash
}

// domain tags keep hashes of different record kinds from colliding.
var (
	domainTx        = []byte("tx")
	domainBlock     = []byte("block")
	domainUTXO      = []byte("utxo")
	domainEnroll    = []byte("enroll")
	domainSigNonce  = []byte("signonce")
	domainPreImage  = []byte("preimage")
	domainChallenge = []byte("sigchallenge")
)

func hashDomain(domain []byte, b ...[]byte) Hash {
	parts := make([][]byte, 0, len(b)+1)
	parts = append(parts, domain)
	parts = append(parts, b...)
	return SHA3(parts...)
}

// UTXOKey identifies an unspent output by the hash of its
// (tx hash, output index) pair.
func UTXOKey(txHash Hash, index uint32) Hash {
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], index)
	return hashDomain(domainUTXO, txHash[:], idx[:])
}

// SortHashes sorts hashes into ascending byte order.
func SortHashes(hashes []Hash) {
	sort.Slice(hashes, func(i, j int) bool {
		return hashes[i].Less(hashes[j])
	})
}

func hashMod(h Hash, n int) int {
	var b big.Int
	b.SetBytes(h[:])
	b.Mod(&b, big.NewInt(int64(n)))
	return int(b.Int64())
}
