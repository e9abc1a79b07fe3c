package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// The canonical binary form is what gets hashed and signed, so it must
// be identical on every node: little-endian integers, u32
// length-prefixed variable fields, fields in declaration order.

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) hash(h Hash) {
	w.buf = append(w.buf, h[:]...)
}

func (w *writer) hash64(h Hash64) {
	w.buf = append(w.buf, h[:]...)
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

var errTruncated = errors.New("truncated input")

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, errTruncated
	}

	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}

	return b[0], nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) hash() (Hash, error) {
	var h Hash
	b, err := r.take(hashBytes)
	if err != nil {
		return h, err
	}

	copy(h[:], b)
	return h, nil
}

func (r *reader) hash64() (Hash64, error) {
	var h Hash64
	b, err := r.take(longHashBytes)
	if err != nil {
		return h, err
	}

	copy(h[:], b)
	return h, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}

	if int(n) > len(r.buf)-r.off {
		return nil, fmt.Errorf("field length %d exceeds remaining input", n)
	}

	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}

	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *reader) done() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("%d trailing bytes", len(r.buf)-r.off)
	}

	return nil
}
