package scp

import (
	"fmt"
	"sync"
)

// SCP is the engine entry point: one instance per node, one slot per
// ledger height.
type SCP struct {
	driver   Driver
	id       NodeID
	qset     QuorumSet
	qsetHash Hash

	mu    sync.Mutex
	slots map[uint64]*Slot
}

// New creates an engine for the node with the given quorum set. The
// node's own quorum set must be sane; that is a configuration error,
// not a protocol outcome.
func New(id NodeID, qset QuorumSet, driver Driver) (*SCP, error) {
	if ok, reason := qset.IsSane(true); !ok {
		return nil, fmt.Errorf("own quorum set insane: %s", reason)
	}

	return &SCP{
		driver:   driver,
		id:       id,
		qset:     qset,
		qsetHash: qset.Hash(),
		slots:    make(map[uint64]*Slot),
	}, nil
}

// ID returns this node's identity.
func (s *SCP) ID() NodeID {
	return s.id
}

// QuorumSet returns this node's own quorum set.
func (s *SCP) QuorumSet() QuorumSet {
	return s.qset
}

// QuorumSetHash returns the hash other nodes use to look up our
// quorum set.
func (s *SCP) QuorumSetHash() Hash {
	return s.qsetHash
}

// UpdateQuorumSet installs the quorum set derived for the next height.
func (s *SCP) UpdateQuorumSet(qset QuorumSet) error {
	if ok, reason := qset.IsSane(true); !ok {
		return fmt.Errorf("own quorum set insane: %s", reason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.qset = qset
	s.qsetHash = qset.Hash()
	return nil
}

func (s *SCP) slot(index uint64) *Slot {
	sl, ok := s.slots[index]
	if !ok {
		sl = newSlot(index, s)
		s.slots[index] = sl
	}
	return sl
}

// Nominate proposes a value for the slot.
func (s *SCP) Nominate(index uint64, value Value) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slot(index).nominate(value)
}

// ReceiveEnvelope feeds a peer's envelope into the slot machine. The
// caller verifies the envelope signature; the engine checks protocol
// state only. Envelopes for externalized slots are accepted without
// effect so lagging peers can still be answered.
func (s *SCP) ReceiveEnvelope(env *Envelope) error {
	st := &env.Statement
	switch st.Type {
	case StatementNominate:
		if st.Nominate == nil {
			return fmt.Errorf("nominate statement without nomination")
		}
	case StatementPrepare:
		if st.Prepare == nil {
			return fmt.Errorf("prepare statement without ballot")
		}
	case StatementConfirm:
		if st.Confirm == nil {
			return fmt.Errorf("confirm statement without ballot")
		}
	case StatementExternalize:
		if st.Externalize == nil {
			return fmt.Errorf("externalize statement without ballot")
		}
	default:
		return fmt.Errorf("unknown statement type %d", st.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slot(st.SlotIndex)
	if sl.externalized {
		return nil
	}

	sl.processEnvelope(env)
	return nil
}

// Externalized returns the decided value of a slot, if any.
func (s *SCP) Externalized(index uint64) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[index]
	if !ok {
		return nil, false
	}
	return sl.Externalized()
}

// PruneBelow drops slot state for decided heights below the given
// index; their outcome lives in the block store.
func (s *SCP) PruneBelow(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sl := range s.slots {
		if i < index && sl.externalized {
			delete(s.slots, i)
		}
	}
}
