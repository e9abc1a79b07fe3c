package scp

import (
	"bytes"
	"sort"

	log "github.com/helinwang/log15"
)

// Slot runs nomination and balloting for one ledger height. All state
// is guarded by the owning SCP's mutex.
type Slot struct {
	index uint64
	scp   *SCP

	// latest nomination per node; nomination statements accumulate,
	// later ones carry supersets
	nominations map[NodeID]*Nomination
	// latest ballot-phase statement per node
	ballots map[NodeID]*Statement
	// last quorum-set hash heard from each node
	quorumHashes map[NodeID]Hash

	round      uint32
	nominating bool
	votes      map[Hash]Value
	accepted   map[Hash]Value
	candidates map[Hash]Value
	composite  Value

	phase        StatementType
	ballot       Ballot
	prepared     *Ballot
	externalized bool
	decided      Value
}

func newSlot(index uint64, s *SCP) *Slot {
	return &Slot{
		index:        index,
		scp:          s,
		nominations:  make(map[NodeID]*Nomination),
		ballots:      make(map[NodeID]*Statement),
		quorumHashes: make(map[NodeID]Hash),
		votes:        make(map[Hash]Value),
		accepted:     make(map[Hash]Value),
		candidates:   make(map[Hash]Value),
		phase:        StatementNominate,
	}
}

// Externalized returns the decided value, if any.
func (s *Slot) Externalized() (Value, bool) {
	return s.decided, s.externalized
}

// nominate starts or re-starts nomination with the given value.
func (s *Slot) nominate(value Value) {
	if s.externalized {
		return
	}

	s.round++
	h := ValueHash(value)
	if _, ok := s.votes[h]; !ok {
		s.votes[h] = value
	}
	s.nominating = true
	s.scp.driver.NominatingValue(s.index, value)
	s.emitNomination()
	s.advanceNomination()

	round := s.round
	s.scp.driver.SetupTimer(s.index, NominationTimer, ComputeTimeout(round), func() {
		s.scp.mu.Lock()
		defer s.scp.mu.Unlock()

		if s.externalized || !s.nominating {
			return
		}
		log.Debug("nomination round timeout", "slot", s.index, "round", round)
		s.nominate(value)
	})
}

func (s *Slot) processEnvelope(env *Envelope) {
	st := &env.Statement
	s.quorumHashes[st.NodeID] = st.QuorumHash

	switch st.Type {
	case StatementNominate:
		s.addNomination(st.NodeID, st.Nominate)
		s.advanceNomination()
	case StatementPrepare, StatementConfirm, StatementExternalize:
		if old, ok := s.ballots[st.NodeID]; ok && !supersedes(st, old) {
			return
		}
		s.ballots[st.NodeID] = st
		s.advanceBallot()
	}
}

func (s *Slot) addNomination(id NodeID, n *Nomination) {
	cur, ok := s.nominations[id]
	if !ok {
		cp := *n
		s.nominations[id] = &cp
		return
	}

	cur.Votes = unionValues(cur.Votes, n.Votes)
	cur.Accepted = unionValues(cur.Accepted, n.Accepted)
}

func unionValues(a, b []Value) []Value {
	seen := make(map[Hash]bool, len(a))
	for _, v := range a {
		seen[ValueHash(v)] = true
	}
	for _, v := range b {
		if !seen[ValueHash(v)] {
			a = append(a, v)
			seen[ValueHash(v)] = true
		}
	}
	return a
}

func supersedes(st, old *Statement) bool {
	if st.Type != old.Type {
		return st.Type > old.Type
	}

	switch st.Type {
	case StatementPrepare:
		if st.Prepare.Ballot.Counter != old.Prepare.Ballot.Counter {
			return st.Prepare.Ballot.Counter > old.Prepare.Ballot.Counter
		}
		return old.Prepare.Prepared == nil && st.Prepare.Prepared != nil
	case StatementConfirm:
		return st.Confirm.Ballot.Counter > old.Confirm.Ballot.Counter
	default:
		return false
	}
}

// advanceNomination applies federated voting to every value heard of:
// vote -> accepted once a quorum votes for it or a v-blocking set
// accepted it, accepted -> candidate once a quorum accepted it.
func (s *Slot) advanceNomination() {
	// a node that has not proposed its own value still votes along:
	// agreement must not wait for every validator's proposal
	if s.externalized {
		return
	}

	heard := make(map[Hash]Value)
	for _, n := range s.nominations {
		for _, v := range n.Votes {
			heard[ValueHash(v)] = v
		}
		for _, v := range n.Accepted {
			heard[ValueHash(v)] = v
		}
	}

	changed := false

	// echo every valid value heard: with everyone a nomination
	// leader, competing proposals only converge if nodes vote for
	// each other's values too. Echoing stops once candidates exist.
	if len(s.candidates) == 0 {
		for h, v := range heard {
			if _, ok := s.votes[h]; ok {
				continue
			}
			if s.scp.driver.ValidateValue(s.index, v, true) != FullyValid {
				continue
			}
			s.votes[h] = v
			changed = true
		}
	}
	for h, v := range heard {
		if _, ok := s.accepted[h]; !ok {
			votedOrAccepted := func(n *Nomination) bool {
				return containsValue(n.Votes, h) || containsValue(n.Accepted, h)
			}
			acceptedPred := func(n *Nomination) bool {
				return containsValue(n.Accepted, h)
			}

			if s.isNomVBlocking(acceptedPred) || s.isNomQuorum(votedOrAccepted) {
				if s.scp.driver.ValidateValue(s.index, v, true) != FullyValid {
					log.Debug("rejecting invalid nominated value", "slot", s.index)
					continue
				}
				s.accepted[h] = v
				s.votes[h] = v
				changed = true
			}
		}

		if _, ok := s.candidates[h]; !ok {
			if _, isAccepted := s.accepted[h]; isAccepted {
				acceptedPred := func(n *Nomination) bool {
					return containsValue(n.Accepted, h)
				}
				if s.isNomQuorum(acceptedPred) {
					s.candidates[h] = v
					changed = true
				}
			}
		}
	}

	if changed {
		s.emitNomination()
	}

	if len(s.candidates) > 0 {
		s.updateComposite()
	}
}

func containsValue(vs []Value, h Hash) bool {
	for _, v := range vs {
		if ValueHash(v) == h {
			return true
		}
	}
	return false
}

func (s *Slot) updateComposite() {
	cands := make([]Value, 0, len(s.candidates))
	for _, v := range s.candidates {
		cands = append(cands, v)
	}
	sort.Slice(cands, func(i, j int) bool {
		lh, rh := ValueHash(cands[i]), ValueHash(cands[j])
		return bytes.Compare(lh[:], rh[:]) < 0
	})

	composite, err := s.scp.driver.CombineCandidates(s.index, cands)
	if err != nil {
		log.Error("combine candidates failed", "slot", s.index, "err", err)
		return
	}

	if bytes.Equal(composite, s.composite) && s.phase != StatementNominate {
		return
	}

	s.composite = composite
	switch s.phase {
	case StatementNominate:
		s.startBallot(composite)
	case StatementPrepare:
		// the candidate set grew while we were preparing an older
		// composite; move to the new one so split nodes converge
		s.ballot.Value = composite
		s.emitPrepare()
		s.advanceBallot()
	}
}

func (s *Slot) startBallot(value Value) {
	s.phase = StatementPrepare
	s.ballot = Ballot{Counter: 1, Value: value}
	s.emitPrepare()
	s.armBallotTimer()
	s.advanceBallot()
}

func (s *Slot) armBallotTimer() {
	counter := s.ballot.Counter
	s.scp.driver.SetupTimer(s.index, BallotTimer, ComputeTimeout(counter), func() {
		s.scp.mu.Lock()
		defer s.scp.mu.Unlock()

		if s.externalized || s.phase != StatementPrepare || s.ballot.Counter != counter {
			return
		}
		s.ballot.Counter++
		if s.composite != nil {
			s.ballot.Value = s.composite
		}
		log.Debug("ballot timeout, bumping counter", "slot", s.index, "counter", s.ballot.Counter)
		s.emitPrepare()
		s.armBallotTimer()
		s.advanceBallot()
	})
}

// advanceBallot runs federated voting over the ballot statements,
// comparing by value: prepare votes confirm the value is safe to
// commit, confirmations externalise it.
func (s *Slot) advanceBallot() {
	if s.externalized || s.phase == StatementNominate {
		return
	}

	h := ValueHash(s.ballot.Value)
	preparesValue := func(st *Statement) bool {
		switch st.Type {
		case StatementPrepare:
			return ValueHash(st.Prepare.Ballot.Value) == h
		case StatementConfirm:
			return ValueHash(st.Confirm.Ballot.Value) == h
		case StatementExternalize:
			return ValueHash(st.Externalize.Commit.Value) == h
		}
		return false
	}
	confirmsValue := func(st *Statement) bool {
		switch st.Type {
		case StatementConfirm:
			return ValueHash(st.Confirm.Ballot.Value) == h
		case StatementExternalize:
			return ValueHash(st.Externalize.Commit.Value) == h
		}
		return false
	}

	// a v-blocking set moved past us on a different value: adopt it
	if s.phase == StatementPrepare {
		if other, ok := s.vBlockingValue(); ok && ValueHash(other) != h {
			log.Debug("adopting v-blocking ballot value", "slot", s.index)
			s.ballot.Value = other
			s.emitPrepare()
			s.advanceBallot()
			return
		}
	}

	if s.phase == StatementPrepare {
		if s.isBallotVBlocking(confirmsValue) || s.isBallotQuorum(preparesValue) {
			s.prepared = &Ballot{Counter: s.ballot.Counter, Value: s.ballot.Value}
			s.phase = StatementConfirm
			s.emitConfirm()
		}
	}

	if s.phase == StatementConfirm {
		extPred := func(st *Statement) bool {
			return st.Type == StatementExternalize && ValueHash(st.Externalize.Commit.Value) == h
		}
		if s.isBallotVBlocking(extPred) || s.isBallotQuorum(confirmsValue) {
			s.externalize(s.ballot.Value)
		}
	}
}

// vBlockingValue looks for a value a v-blocking set has confirmed or
// externalized.
func (s *Slot) vBlockingValue() (Value, bool) {
	byValue := make(map[Hash]Value)
	for _, st := range s.ballots {
		switch st.Type {
		case StatementConfirm:
			byValue[ValueHash(st.Confirm.Ballot.Value)] = st.Confirm.Ballot.Value
		case StatementExternalize:
			byValue[ValueHash(st.Externalize.Commit.Value)] = st.Externalize.Commit.Value
		}
	}

	for h, v := range byValue {
		pred := func(st *Statement) bool {
			switch st.Type {
			case StatementConfirm:
				return ValueHash(st.Confirm.Ballot.Value) == h
			case StatementExternalize:
				return ValueHash(st.Externalize.Commit.Value) == h
			}
			return false
		}
		if s.isBallotVBlocking(pred) {
			return v, true
		}
	}
	return nil, false
}

func (s *Slot) externalize(value Value) {
	if s.externalized {
		return
	}

	s.externalized = true
	s.decided = value
	s.nominating = false
	s.phase = StatementExternalize
	s.emitExternalize()
	s.scp.driver.SetupTimer(s.index, NominationTimer, 0, nil)
	s.scp.driver.SetupTimer(s.index, BallotTimer, 0, nil)
	log.Debug("slot externalized", "slot", s.index)
	s.scp.driver.ValueExternalized(s.index, value)
}

// quorum evaluation

func (s *Slot) quorumSetOf(id NodeID) *QuorumSet {
	if id == s.scp.id {
		return &s.scp.qset
	}

	h, ok := s.quorumHashes[id]
	if !ok {
		return nil
	}

	q, ok := s.scp.driver.GetQuorumSet(h)
	if !ok {
		return nil
	}
	return q
}

func (s *Slot) isNomQuorum(pred func(*Nomination) bool) bool {
	nodes := make(map[NodeID]bool)
	for id, n := range s.nominations {
		if pred(n) {
			nodes[id] = true
		}
	}
	return s.isQuorum(nodes)
}

func (s *Slot) isNomVBlocking(pred func(*Nomination) bool) bool {
	nodes := make(map[NodeID]bool)
	for id, n := range s.nominations {
		if id == s.scp.id {
			continue
		}
		if pred(n) {
			nodes[id] = true
		}
	}
	return s.scp.qset.IsVBlocking(nodes)
}

func (s *Slot) isBallotQuorum(pred func(*Statement) bool) bool {
	nodes := make(map[NodeID]bool)
	for id, st := range s.ballots {
		if pred(st) {
			nodes[id] = true
		}
	}
	return s.isQuorum(nodes)
}

func (s *Slot) isBallotVBlocking(pred func(*Statement) bool) bool {
	nodes := make(map[NodeID]bool)
	for id, st := range s.ballots {
		if id == s.scp.id {
			continue
		}
		if pred(st) {
			nodes[id] = true
		}
	}
	return s.scp.qset.IsVBlocking(nodes)
}

// isQuorum prunes the node set to a fixpoint where every remaining
// node's quorum set is satisfied, then checks our own.
func (s *Slot) isQuorum(nodes map[NodeID]bool) bool {
	for {
		changed := false
		for id := range nodes {
			q := s.quorumSetOf(id)
			if q == nil || !q.IsQuorumSlice(nodes) {
				delete(nodes, id)
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return s.scp.qset.IsQuorumSlice(nodes)
}

// emits

func (s *Slot) emitNomination() {
	votes := sortedValues(s.votes)
	accepted := sortedValues(s.accepted)
	st := Statement{
		Type: StatementNominate,
		Nominate: &Nomination{
			Votes:    votes,
			Accepted: accepted,
		},
	}
	s.emit(&st)
	s.addNomination(s.scp.id, st.Nominate)
}

func sortedValues(m map[Hash]Value) []Value {
	out := make([]Value, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		lh, rh := ValueHash(out[i]), ValueHash(out[j])
		return bytes.Compare(lh[:], rh[:]) < 0
	})
	return out
}

func (s *Slot) emitPrepare() {
	st := Statement{
		Type:    StatementPrepare,
		Prepare: &Prepare{Ballot: s.ballot, Prepared: s.prepared},
	}
	s.emit(&st)
	s.ballots[s.scp.id] = &st
}

func (s *Slot) emitConfirm() {
	st := Statement{
		Type:    StatementConfirm,
		Confirm: &Confirm{Ballot: s.ballot},
	}
	s.emit(&st)
	s.ballots[s.scp.id] = &st
}

func (s *Slot) emitExternalize() {
	st := Statement{
		Type:        StatementExternalize,
		Externalize: &Externalize{Commit: s.ballot},
	}
	s.emit(&st)
	s.ballots[s.scp.id] = &st
}

func (s *Slot) emit(st *Statement) {
	st.NodeID = s.scp.id
	st.SlotIndex = s.index
	st.QuorumHash = s.scp.qsetHash
	s.quorumHashes[s.scp.id] = s.scp.qsetHash

	env := &Envelope{Statement: *st}
	if err := s.scp.driver.SignEnvelope(env); err != nil {
		// a node that cannot sign its own statements is misconfigured
		panic(err)
	}
	s.scp.driver.EmitEnvelope(env)
}
