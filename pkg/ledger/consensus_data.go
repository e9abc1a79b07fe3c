package ledger

import (
	"fmt"
)

// ConsensusData is the value nominated for a slot: the transaction
// set plus the enrollments and pre-image reveals the block will carry.
// Keeping reveals in the agreed value means every node assembles a
// byte-identical block from it.
type ConsensusData struct {
	TimeOffset  uint64
	Txs         []Transaction
	Enrollments []Enrollment
	Reveals     []PreImageInfo
}

// Encode returns the canonical binary form, the bytes handed to the
// agreement protocol.
func (d *ConsensusData) Encode() []byte {
	var w writer
	w.u64(d.TimeOffset)
	w.u32(uint32(len(d.Txs)))
	for i := range d.Txs {
		w.bytes(d.Txs[i].Encode(true))
	}
	w.u32(uint32(len(d.Enrollments)))
	for i := range d.Enrollments {
		w.buf = append(w.buf, d.Enrollments[i].Encode(true)...)
	}
	w.u32(uint32(len(d.Reveals)))
	for i := range d.Reveals {
		w.buf = append(w.buf, d.Reveals[i].Encode()...)
	}
	return w.buf
}

// Hash fingerprints the consensus data; the combine policy uses it as
// its last tie-break, after the tx-set fingerprint and the enrollment
// and reveal counts.
func (d *ConsensusData) Hash() Hash {
	return SHA3(d.Encode())
}

// DecodeConsensusData decodes a nominated value.
func DecodeConsensusData(b []byte) (*ConsensusData, error) {
	r := &reader{buf: b}
	var d ConsensusData
	var err error
	if d.TimeOffset, err = r.u64(); err != nil {
		return nil, err
	}

	ntx, err := r.u32()
	if err != nil {
		return nil, err
	}
	d.Txs = make([]Transaction, ntx)
	for i := range d.Txs {
		tb, err := r.bytes()
		if err != nil {
			return nil, err
		}
		tx, err := DecodeTransaction(tb)
		if err != nil {
			return nil, fmt.Errorf("tx %d: %w", i, err)
		}
		d.Txs[i] = *tx
	}

	nen, err := r.u32()
	if err != nil {
		return nil, err
	}
	d.Enrollments = make([]Enrollment, nen)
	for i := range d.Enrollments {
		if d.Enrollments[i], err = decodeEnrollment(r); err != nil {
			return nil, fmt.Errorf("enrollment %d: %w", i, err)
		}
	}

	nrev, err := r.u32()
	if err != nil {
		return nil, err
	}
	d.Reveals = make([]PreImageInfo, nrev)
	for i := range d.Reveals {
		if d.Reveals[i], err = decodePreImageInfo(r); err != nil {
			return nil, fmt.Errorf("reveal %d: %w", i, err)
		}
	}

	if err := r.done(); err != nil {
		return nil, err
	}
	return &d, nil
}
