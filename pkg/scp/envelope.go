package scp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Value is an opaque candidate the ledger proposes for a slot.
type Value []byte

// ValueHash fingerprints a value for comparison and tie-breaks.
func ValueHash(v Value) Hash {
	return hashBytes([]byte("scpvalue"), v)
}

// StatementType tags a statement.
type StatementType uint8

const (
	StatementNominate StatementType = iota
	StatementPrepare
	StatementConfirm
	StatementExternalize
)

func (t StatementType) String() string {
	switch t {
	case StatementNominate:
		return "Nominate"
	case StatementPrepare:
		return "Prepare"
	case StatementConfirm:
		return "Confirm"
	case StatementExternalize:
		return "Externalize"
	default:
		return fmt.Sprintf("StatementType(%d)", uint8(t))
	}
}

// Ballot is a (counter, value) pair in the agreement phase.
type Ballot struct {
	Counter uint32
	Value   Value
}

// Less orders ballots by counter, then value hash.
func (b Ballot) Less(o Ballot) bool {
	if b.Counter != o.Counter {
		return b.Counter < o.Counter
	}

	lh, rh := ValueHash(b.Value), ValueHash(o.Value)
	return bytes.Compare(lh[:], rh[:]) < 0
}

// Nomination carries the values a node votes for and has accepted.
type Nomination struct {
	Votes    []Value
	Accepted []Value
}

// Prepare is the first ballot phase: the node votes to prepare the
// ballot and reports the highest ballot it has accepted as prepared.
type Prepare struct {
	Ballot   Ballot
	Prepared *Ballot
}

// Confirm means the node has accepted commit for the ballot.
type Confirm struct {
	Ballot Ballot
}

// Externalize declares the slot decided on the commit value.
type Externalize struct {
	Commit Ballot
}

// Statement is one node's assertion about a slot.
type Statement struct {
	NodeID     NodeID
	SlotIndex  uint64
	QuorumHash Hash

	Type        StatementType
	Nominate    *Nomination
	Prepare     *Prepare
	Confirm     *Confirm
	Externalize *Externalize
}

// Envelope is a signed statement.
type Envelope struct {
	Statement Statement
	Signature []byte
}

// Encode returns the canonical form of the statement, the message the
// node signs.
func (s *Statement) Encode() []byte {
	var buf bytes.Buffer
	var tmp [8]byte

	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(tmp[:4], v)
		buf.Write(tmp[:4])
	}
	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf.Write(tmp[:])
	}
	putValue := func(v Value) {
		put32(uint32(len(v)))
		buf.Write(v)
	}
	putBallot := func(b Ballot) {
		put32(b.Counter)
		putValue(b.Value)
	}

	buf.Write(s.NodeID[:])
	put64(s.SlotIndex)
	buf.Write(s.QuorumHash[:])
	buf.WriteByte(byte(s.Type))

	switch s.Type {
	case StatementNominate:
		put32(uint32(len(s.Nominate.Votes)))
		for _, v := range s.Nominate.Votes {
			putValue(v)
		}
		put32(uint32(len(s.Nominate.Accepted)))
		for _, v := range s.Nominate.Accepted {
			putValue(v)
		}
	case StatementPrepare:
		putBallot(s.Prepare.Ballot)
		if s.Prepare.Prepared != nil {
			buf.WriteByte(1)
			putBallot(*s.Prepare.Prepared)
		} else {
			buf.WriteByte(0)
		}
	case StatementConfirm:
		putBallot(s.Confirm.Ballot)
	case StatementExternalize:
		putBallot(s.Externalize.Commit)
	default:
		panic("unknown statement type")
	}
	return buf.Bytes()
}

// Hash fingerprints the envelope including its signature.
func (e *Envelope) Hash() Hash {
	return hashBytes(e.Statement.Encode(), e.Signature)
}
