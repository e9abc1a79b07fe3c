package ledger

import (
	"errors"
	"fmt"
	"sort"
)

// Bitfield flags one bit per validator active at the block's height,
// in the validator set's canonical (utxo-key ascending) order, marking
// whose signature share is folded into the header signature.
type Bitfield []byte

// NewBitfield creates a bitfield able to hold n flags.
func NewBitfield(n int) Bitfield {
	return make(Bitfield, (n+7)/8)
}

func (b Bitfield) Set(i int) {
	b[i/8] |= 1 << uint(i%8)
}

func (b Bitfield) Get(i int) bool {
	if i/8 >= len(b) {
		return false
	}

	return b[i/8]&(1<<uint(i%8)) != 0
}

// Count returns the number of set bits.
func (b Bitfield) Count() int {
	n := 0
	for _, by := range b {
		for by != 0 {
			n += int(by & 1)
			by >>= 1
		}
	}
	return n
}

// BlockHeader binds the block's contents to the chain and to the
// validator set that signed it.
type BlockHeader struct {
	PrevBlock  Hash
	Height     uint64
	MerkleRoot Hash64
	Timestamp  uint64
	// Validators and Signature are excluded from the header hash:
	// the signed message must be stable while shares are collected.
	Validators  Bitfield
	Signature   Sig
	Enrollments []Enrollment
	Reveals     []PreImageInfo
}

// Block is a header plus its ordered transaction list.
type Block struct {
	Header BlockHeader
	Txs    []Transaction
}

// Encode returns the canonical binary form of the header. withSig
// false omits the bitfield and aggregate signature; that form is what
// validators sign and what the block hash covers.
func (h *BlockHeader) Encode(withSig bool) []byte {
	var w writer
	w.hash(h.PrevBlock)
	w.u64(h.Height)
	w.hash64(h.MerkleRoot)
	w.u64(h.Timestamp)
	if withSig {
		w.bytes(h.Validators)
		w.bytes(h.Signature)
	}
	w.u32(uint32(len(h.Enrollments)))
	for i := range h.Enrollments {
		w.buf = append(w.buf, h.Enrollments[i].Encode(true)...)
	}
	w.u32(uint32(len(h.Reveals)))
	for i := range h.Reveals {
		w.buf = append(w.buf, h.Reveals[i].Encode()...)
	}
	return w.buf
}

// Hash returns the canonical fingerprint of the block.
func (h *BlockHeader) Hash() Hash {
	return hashDomain(domainBlock, h.Encode(false))
}

// Hash returns the block's header hash.
func (b *Block) Hash() Hash {
	return b.Header.Hash()
}

// Encode returns the canonical binary form of the whole block.
func (b *Block) Encode() []byte {
	var w writer
	w.bytes(b.Header.Encode(true))
	w.u32(uint32(len(b.Txs)))
	for i := range b.Txs {
		w.bytes(b.Txs[i].Encode(true))
	}
	return w.buf
}

func decodeHeader(b []byte) (BlockHeader, error) {
	r := &reader{buf: b}
	var h BlockHeader
	var err error
	if h.PrevBlock, err = r.hash(); err != nil {
		return h, err
	}
	if h.Height, err = r.u64(); err != nil {
		return h, err
	}
	if h.MerkleRoot, err = r.hash64(); err != nil {
		return h, err
	}
	if h.Timestamp, err = r.u64(); err != nil {
		return h, err
	}
	var bf []byte
	if bf, err = r.bytes(); err != nil {
		return h, err
	}
	h.Validators = Bitfield(bf)
	var sig []byte
	if sig, err = r.bytes(); err != nil {
		return h, err
	}
	h.Signature = Sig(sig)

	nen, err := r.u32()
	if err != nil {
		return h, err
	}
	h.Enrollments = make([]Enrollment, nen)
	for i := range h.Enrollments {
		if h.Enrollments[i], err = decodeEnrollment(r); err != nil {
			return h, err
		}
	}

	nrev, err := r.u32()
	if err != nil {
		return h, err
	}
	h.Reveals = make([]PreImageInfo, nrev)
	for i := range h.Reveals {
		if h.Reveals[i], err = decodePreImageInfo(r); err != nil {
			return h, err
		}
	}

	if err := r.done(); err != nil {
		return h, err
	}
	return h, nil
}

// DecodeBlock decodes the canonical block form.
func DecodeBlock(b []byte) (*Block, error) {
	r := &reader{buf: b}
	hb, err := r.bytes()
	if err != nil {
		return nil, err
	}

	header, err := decodeHeader(hb)
	if err != nil {
		return nil, err
	}

	ntx, err := r.u32()
	if err != nil {
		return nil, err
	}

	blk := &Block{Header: header, Txs: make([]Transaction, ntx)}
	for i := range blk.Txs {
		tb, err := r.bytes()
		if err != nil {
			return nil, err
		}
		tx, err := DecodeTransaction(tb)
		if err != nil {
			return nil, err
		}
		blk.Txs[i] = *tx
	}

	if err := r.done(); err != nil {
		return nil, err
	}
	return blk, nil
}

// SortTxsByHash puts transactions into the canonical in-block order.
func SortTxsByHash(txs []Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		a, b := txs[i].Hash(), txs[j].Hash()
		return a.Less(b)
	})
}

// NewBlock assembles an unsigned block on top of the given parent.
func NewBlock(prev *Block, txs []Transaction, enrollments []Enrollment, reveals []PreImageInfo, timestamp uint64) *Block {
	SortTxsByHash(txs)
	hashes := make([]Hash, len(txs))
	for i := range txs {
		hashes[i] = txs[i].Hash()
	}

	return &Block{
		Header: BlockHeader{
			PrevBlock:   prev.Hash(),
			Height:      prev.Header.Height + 1,
			MerkleRoot:  MerkleRoot(hashes),
			Timestamp:   timestamp,
			Enrollments: enrollments,
			Reveals:     reveals,
		},
		Txs: txs,
	}
}

var (
	ErrInvalidBlock = errors.New("invalid block")
)

// BasicValidate checks the block's internal consistency against its
// parent: height, parent hash, canonical tx order and merkle binding.
func (b *Block) BasicValidate(prev *Block) error {
	if b.Header.Height != prev.Header.Height+1 {
		return fmt.Errorf("%w: height %d does not follow %d", ErrInvalidBlock, b.Header.Height, prev.Header.Height)
	}

	if b.Header.PrevBlock != prev.Hash() {
		return fmt.Errorf("%w: prev hash does not chain to parent", ErrInvalidBlock)
	}

	hashes := make([]Hash, len(b.Txs))
	for i := range b.Txs {
		hashes[i] = b.Txs[i].Hash()
		if i > 0 && !hashes[i-1].Less(hashes[i]) {
			return fmt.Errorf("%w: transactions out of canonical order", ErrInvalidBlock)
		}
	}

	if b.Header.MerkleRoot != MerkleRoot(hashes) {
		return fmt.Errorf("%w: merkle root mismatch", ErrInvalidBlock)
	}

	coinbase := 0
	for i := range b.Txs {
		if err := b.Txs[i].BasicValidate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
		}
		if b.Txs[i].Type == TxCoinbase {
			coinbase++
		}
	}
	if coinbase > 1 {
		return fmt.Errorf("%w: more than one coinbase", ErrInvalidBlock)
	}
	return nil
}

// GenesisBlock builds the height-0 block from its initial transactions
// and enrollments. Genesis is a construction parameter of the ledger,
// not a process-wide global.
func GenesisBlock(txs []Transaction, enrollments []Enrollment) *Block {
	SortTxsByHash(txs)
	hashes := make([]Hash, len(txs))
	for i := range txs {
		hashes[i] = txs[i].Hash()
	}

	sort.Slice(enrollments, func(i, j int) bool {
		return enrollments[i].UTXOKey.Less(enrollments[j].UTXOKey)
	})

	return &Block{
		Header: BlockHeader{
			Height:      0,
			MerkleRoot:  MerkleRoot(hashes),
			Enrollments: enrollments,
		},
		Txs: txs,
	}
}
