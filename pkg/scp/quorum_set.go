// Package scp is a compact federated byzantine agreement engine. The
// ledger drives it through the Driver callback contract; the engine
// owns slot state and quorum evaluation.
package scp

import (
	"bytes"
	"fmt"
	"sort"

	"golang.org/x/crypto/sha3"
)

// NodeID identifies a consensus participant.
type NodeID [32]byte

func (n NodeID) String() string {
	return fmt.Sprintf("%x", n[:8])
}

// Hash is the fingerprint of a quorum set or envelope.
type Hash [32]byte

func hashBytes(b ...[]byte) Hash {
	d := sha3.New256()
	for _, e := range b {
		_, err := d.Write(e)
		if err != nil {
			// should not happen
			panic(err)
		}
	}
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}

// QuorumSet is a node's trust structure: agreement requires Threshold
// of the entries (validators plus inner sets). Nesting is limited to
// two levels.
type QuorumSet struct {
	Threshold  uint32
	Validators []NodeID
	Inner      []QuorumSet
}

// Encode returns the canonical binary form used for hashing.
func (q *QuorumSet) Encode() []byte {
	var buf bytes.Buffer
	q.encode(&buf)
	return buf.Bytes()
}

func (q *QuorumSet) encode(buf *bytes.Buffer) {
	var tmp [4]byte
	put32 := func(v uint32) {
		tmp[0] = byte(v)
		tmp[1] = byte(v >> 8)
		tmp[2] = byte(v >> 16)
		tmp[3] = byte(v >> 24)
		buf.Write(tmp[:])
	}

	put32(q.Threshold)
	put32(uint32(len(q.Validators)))
	for i := range q.Validators {
		buf.Write(q.Validators[i][:])
	}
	put32(uint32(len(q.Inner)))
	for i := range q.Inner {
		q.Inner[i].encode(buf)
	}
}

// Hash returns the fingerprint of the quorum set.
func (q *QuorumSet) Hash() Hash {
	return hashBytes(q.Encode())
}

const maxQuorumLeaves = 1000

// IsSane checks the structural rules: depth at most 2, thresholds
// within [1, entries], no duplicate validator anywhere, at most 1000
// leaves. With extraChecks the threshold must also reach the
// blocking-set bound (entries - threshold + 1).
func (q *QuorumSet) IsSane(extraChecks bool) (bool, string) {
	known := make(map[NodeID]bool)
	count := 0
	if ok, reason := q.checkSanity(extraChecks, 0, known, &count); !ok {
		return false, reason
	}

	if count < 1 {
		return false, "number of validator nodes is zero"
	}

	if count > maxQuorumLeaves {
		return false, fmt.Sprintf("number of validator nodes exceeds the limit of %d", maxQuorumLeaves)
	}
	return true, ""
}

func (q *QuorumSet) checkSanity(extraChecks bool, depth int, known map[NodeID]bool, count *int) (bool, string) {
	if depth > 2 {
		return false, "cannot have sub-quorums with depth exceeding 2 levels"
	}

	if q.Threshold < 1 {
		return false, "the threshold for a quorum must equal at least 1"
	}

	entries := uint32(len(q.Validators) + len(q.Inner))
	if q.Threshold > entries {
		return false, "the threshold for a quorum exceeds total number of entries"
	}

	vBlocking := entries - q.Threshold + 1
	if extraChecks && q.Threshold < vBlocking {
		return false, "extra check: the threshold for a quorum is too low"
	}

	*count += len(q.Validators)
	for i := range q.Validators {
		if known[q.Validators[i]] {
			return false, "a duplicate node was configured within another quorum"
		}
		known[q.Validators[i]] = true
	}

	for i := range q.Inner {
		if ok, reason := q.Inner[i].checkSanity(extraChecks, depth+1, known, count); !ok {
			return false, reason
		}
	}
	return true, ""
}

// Normalize removes the given node if present, collapses singleton
// inner sets and reorders entries into the canonical order. Every node
// normalising the same structure ends with byte-identical results.
func (q *QuorumSet) Normalize(remove *NodeID) {
	q.simplify(remove)
	q.reorder()
}

func (q *QuorumSet) simplify(remove *NodeID) {
	if remove != nil {
		kept := q.Validators[:0]
		for _, v := range q.Validators {
			if v == *remove {
				if q.Threshold > 0 {
					q.Threshold--
				}
				continue
			}
			kept = append(kept, v)
		}
		q.Validators = kept
	}

	inner := q.Inner[:0]
	for i := range q.Inner {
		in := &q.Inner[i]
		in.simplify(remove)
		// merge singleton inner sets into the validator list
		if in.Threshold == 1 && len(in.Validators) == 1 && len(in.Inner) == 0 {
			q.Validators = append(q.Validators, in.Validators[0])
			continue
		}
		inner = append(inner, *in)
	}
	q.Inner = inner

	if q.Threshold == 1 && len(q.Validators) == 0 && len(q.Inner) == 1 {
		*q = q.Inner[0]
	}
}

func (q *QuorumSet) reorder() {
	for i := range q.Inner {
		q.Inner[i].reorder()
	}

	sort.Slice(q.Validators, func(i, j int) bool {
		return bytes.Compare(q.Validators[i][:], q.Validators[j][:]) < 0
	})
	sort.Slice(q.Inner, func(i, j int) bool {
		return compareQSet(&q.Inner[i], &q.Inner[j]) < 0
	})
}

// compareQSet orders quorum sets by validators, then inner sets, then
// threshold.
func compareQSet(l, r *QuorumSet) int {
	n := len(l.Validators)
	if len(r.Validators) < n {
		n = len(r.Validators)
	}
	for i := 0; i < n; i++ {
		if c := bytes.Compare(l.Validators[i][:], r.Validators[i][:]); c != 0 {
			return c
		}
	}
	if len(l.Validators) != len(r.Validators) {
		if len(l.Validators) < len(r.Validators) {
			return -1
		}
		return 1
	}

	n = len(l.Inner)
	if len(r.Inner) < n {
		n = len(r.Inner)
	}
	for i := 0; i < n; i++ {
		if c := compareQSet(&l.Inner[i], &r.Inner[i]); c != 0 {
			return c
		}
	}
	if len(l.Inner) != len(r.Inner) {
		if len(l.Inner) < len(r.Inner) {
			return -1
		}
		return 1
	}

	switch {
	case l.Threshold < r.Threshold:
		return -1
	case l.Threshold > r.Threshold:
		return 1
	default:
		return 0
	}
}

// IsQuorumSlice reports whether the given node set satisfies the
// quorum set: at least Threshold entries are covered.
func (q *QuorumSet) IsQuorumSlice(nodes map[NodeID]bool) bool {
	covered := uint32(0)
	for i := range q.Validators {
		if nodes[q.Validators[i]] {
			covered++
		}
	}
	for i := range q.Inner {
		if q.Inner[i].IsQuorumSlice(nodes) {
			covered++
		}
	}
	return covered >= q.Threshold
}

// IsVBlocking reports whether the given node set blocks the quorum
// set: it intersects every slice, which holds once more than
// entries - threshold entries are blocked.
func (q *QuorumSet) IsVBlocking(nodes map[NodeID]bool) bool {
	if q.Threshold == 0 {
		return false
	}

	needed := len(q.Validators) + len(q.Inner) - int(q.Threshold) + 1
	blocked := 0
	for i := range q.Validators {
		if nodes[q.Validators[i]] {
			blocked++
		}
	}
	for i := range q.Inner {
		if q.Inner[i].IsVBlocking(nodes) {
			blocked++
		}
	}
	return blocked >= needed
}

// AllValidators returns every leaf validator in the set.
func (q *QuorumSet) AllValidators() []NodeID {
	out := make([]NodeID, 0, len(q.Validators))
	out = append(out, q.Validators...)
	for i := range q.Inner {
		out = append(out, q.Inner[i].AllValidators()...)
	}
	return out
}
