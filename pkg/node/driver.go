package node

import (
	"bytes"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/helinwang/log15"

	"github.com/AndrejMitrovic/constrictor/pkg/ledger"
	"github.com/AndrejMitrovic/constrictor/pkg/scp"
)

// driver bridges the agreement engine to the ledger: value semantics,
// signing, broadcast, quorum lookup and timers.
type driver struct {
	n      *Node
	timers *timerSet
	// quorum sets heard of, keyed by hash; the engine resolves peer
	// statements through this cache
	quorums *lru.Cache
}

func newDriver(n *Node) *driver {
	cache, err := lru.New(1024)
	if err != nil {
		// should not happen
		panic(err)
	}

	return &driver{n: n, timers: newTimerSet(), quorums: cache}
}

// registerQuorum makes a quorum set resolvable by its hash.
func (d *driver) registerQuorum(q scp.QuorumSet) {
	d.quorums.Add(q.Hash(), &q)
}

func (d *driver) ValidateValue(slot uint64, value scp.Value, nomination bool) scp.ValidationLevel {
	data, err := ledger.DecodeConsensusData(value)
	if err != nil {
		log.Debug("nominated value does not decode", "slot", slot, "err", err)
		return scp.Invalid
	}

	if err := d.n.ledger.ValidateData(slot, data); err != nil {
		log.Debug("nominated value rejected", "slot", slot, "err", err)
		return scp.Invalid
	}
	return scp.FullyValid
}

// txSetFingerprint hashes the sorted transaction hashes of a
// candidate; the combine policy compares candidates by it.
func txSetFingerprint(d *ledger.ConsensusData) ledger.Hash {
	hashes := make([]ledger.Hash, len(d.Txs))
	for i := range d.Txs {
		hashes[i] = d.Txs[i].Hash()
	}
	ledger.SortHashes(hashes)

	parts := make([][]byte, len(hashes))
	for i := range hashes {
		parts[i] = hashes[i][:]
	}
	return ledger.SHA3(parts...)
}

func (d *driver) CombineCandidates(slot uint64, candidates []scp.Value) (scp.Value, error) {
	var best scp.Value
	var bestData *ledger.ConsensusData
	var bestFp ledger.Hash

	// smallest tx-set fingerprint wins; among equal tx sets the
	// candidate carrying more enrollments and reveals, then the
	// smallest fingerprint of the whole value
	better := func(data *ledger.ConsensusData, fp ledger.Hash) bool {
		if best == nil {
			return true
		}
		if c := bytes.Compare(fp[:], bestFp[:]); c != 0 {
			return c < 0
		}
		if len(data.Enrollments) != len(bestData.Enrollments) {
			return len(data.Enrollments) > len(bestData.Enrollments)
		}
		if len(data.Reveals) != len(bestData.Reveals) {
			return len(data.Reveals) > len(bestData.Reveals)
		}
		h, bh := data.Hash(), bestData.Hash()
		return bytes.Compare(h[:], bh[:]) < 0
	}

	for _, c := range candidates {
		data, err := ledger.DecodeConsensusData(c)
		if err != nil {
			continue
		}
		if err := d.n.ledger.ValidateData(slot, data); err != nil {
			continue
		}

		fp := txSetFingerprint(data)
		if better(data, fp) {
			best = c
			bestData = data
			bestFp = fp
		}
	}

	if best == nil {
		return nil, errors.New("no valid candidate to combine")
	}
	return best, nil
}

func (d *driver) ValueExternalized(slot uint64, value scp.Value) {
	data, err := ledger.DecodeConsensusData(value)
	if err != nil {
		// the value was validated before it could externalize
		panic(err)
	}

	// the engine calls this with its slot lock held; applying the
	// block re-enters the engine (quorum refresh, pruning), so it
	// runs on its own goroutine
	go func() {
		if err := d.n.ledger.OnTxSetExternalized(slot, data); err != nil {
			log.Error("externalized value failed to apply", "slot", slot, "err", err)
			return
		}

		d.n.onExternalized(slot)
	}()
}

func (d *driver) NominatingValue(slot uint64, value scp.Value) {
	log.Debug("nominating", "slot", slot, "bytes", len(value))
}

func (d *driver) EmitEnvelope(env *scp.Envelope) {
	// the quorum the envelope concerns: our own slices plus whatever
	// quorum set the statement references
	members := make(map[scp.NodeID]bool)
	own := d.n.engine.QuorumSet()
	for _, id := range own.AllValidators() {
		members[id] = true
	}
	if q, ok := d.GetQuorumSet(env.Statement.QuorumHash); ok {
		for _, id := range q.AllValidators() {
			members[id] = true
		}
	}

	d.n.gateway.BroadcastEnvelope(env, members)
}

func (d *driver) SignEnvelope(env *scp.Envelope) error {
	env.Signature = []byte(d.n.key.Sign(env.Statement.Encode()))
	return nil
}

func (d *driver) GetQuorumSet(hash scp.Hash) (*scp.QuorumSet, bool) {
	if v, ok := d.quorums.Get(hash); ok {
		return v.(*scp.QuorumSet), true
	}

	// fall back to the sets derived for the next height
	for _, q := range d.n.ledger.Quorums() {
		if q.Hash() == hash {
			d.registerQuorum(q)
			q := q
			return &q, true
		}
	}
	return nil, false
}

func (d *driver) SetupTimer(slot uint64, kind scp.TimerKind, timeout time.Duration, cb func()) {
	d.timers.Setup(slot, kind, timeout, cb)
}
