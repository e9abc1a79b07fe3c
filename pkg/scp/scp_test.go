package scp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDriver wires an engine into an in-memory network of engines.
// Envelopes are delivered asynchronously, like the real gateway does.
type testDriver struct {
	id  NodeID
	net *testNet

	mu           sync.Mutex
	externalized map[uint64]Value
	timerMarks   map[timerKey]uint64
}

type timerKey struct {
	slot uint64
	kind TimerKind
}

type testNet struct {
	mu      sync.Mutex
	engines map[NodeID]*SCP
	quorums map[Hash]*QuorumSet
}

func (d *testDriver) ValidateValue(slot uint64, value Value, nomination bool) ValidationLevel {
	return FullyValid
}

func (d *testDriver) CombineCandidates(slot uint64, candidates []Value) (Value, error) {
	best := candidates[0]
	bestHash := ValueHash(best)
	for _, c := range candidates[1:] {
		h := ValueHash(c)
		for i := range h {
			if h[i] != bestHash[i] {
				if h[i] < bestHash[i] {
					best, bestHash = c, h
				}
				break
			}
		}
	}
	return best, nil
}

func (d *testDriver) ValueExternalized(slot uint64, value Value) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.externalized[slot]; !ok {
		d.externalized[slot] = value
	}
}

func (d *testDriver) NominatingValue(slot uint64, value Value) {}

func (d *testDriver) EmitEnvelope(env *Envelope) {
	d.net.mu.Lock()
	targets := make([]*SCP, 0, len(d.net.engines))
	for id, e := range d.net.engines {
		if id != d.id {
			targets = append(targets, e)
		}
	}
	d.net.mu.Unlock()

	for _, e := range targets {
		e := e
		go func() {
			_ = e.ReceiveEnvelope(env)
		}()
	}
}

func (d *testDriver) SignEnvelope(env *Envelope) error {
	env.Signature = []byte("sig")
	return nil
}

func (d *testDriver) GetQuorumSet(hash Hash) (*QuorumSet, bool) {
	d.net.mu.Lock()
	defer d.net.mu.Unlock()

	q, ok := d.net.quorums[hash]
	return q, ok
}

func (d *testDriver) SetupTimer(slot uint64, kind TimerKind, timeout time.Duration, cb func()) {
	key := timerKey{slot: slot, kind: kind}
	d.mu.Lock()
	d.timerMarks[key]++
	id := d.timerMarks[key]
	d.mu.Unlock()

	if timeout == 0 || cb == nil {
		return
	}

	go func() {
		time.Sleep(timeout)
		d.mu.Lock()
		current := d.timerMarks[key]
		d.mu.Unlock()
		if id == current {
			cb()
		}
	}()
}

func (d *testDriver) value(slot uint64) (Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.externalized[slot]
	return v, ok
}

func setupEngines(t *testing.T, n int, threshold uint32) ([]*SCP, []*testDriver) {
	net := &testNet{
		engines: make(map[NodeID]*SCP),
		quorums: make(map[Hash]*QuorumSet),
	}

	ids := make([]NodeID, n)
	for i := range ids {
		ids[i] = nid(byte(i + 1))
	}

	qset := QuorumSet{Threshold: threshold, Validators: ids}
	net.quorums[qset.Hash()] = &qset

	engines := make([]*SCP, n)
	drivers := make([]*testDriver, n)
	for i := range ids {
		d := &testDriver{
			id:           ids[i],
			net:          net,
			externalized: make(map[uint64]Value),
			timerMarks:   make(map[timerKey]uint64),
		}
		e, err := New(ids[i], qset, d)
		require.NoError(t, err)
		net.engines[ids[i]] = e
		engines[i] = e
		drivers[i] = d
	}
	return engines, drivers
}

func waitExternalized(t *testing.T, drivers []*testDriver, slot uint64) []Value {
	deadline := time.Now().Add(10 * time.Second)
	out := make([]Value, len(drivers))
	for {
		done := true
		for i, d := range drivers {
			v, ok := d.value(slot)
			if !ok {
				done = false
				break
			}
			out[i] = v
		}
		if done {
			return out
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot %d did not externalize on all nodes", slot)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAgreementSameValue(t *testing.T) {
	engines, drivers := setupEngines(t, 4, 3)

	v := Value("the value")
	for _, e := range engines {
		e.Nominate(1, v)
	}

	got := waitExternalized(t, drivers, 1)
	for _, g := range got {
		assert.Equal(t, v, g)
	}
}

func TestAgreementCompetingValues(t *testing.T) {
	engines, drivers := setupEngines(t, 4, 3)

	for i, e := range engines {
		e.Nominate(1, Value{byte(i + 1)})
	}

	got := waitExternalized(t, drivers, 1)
	for _, g := range got[1:] {
		assert.Equal(t, got[0], g)
	}
}

func TestExternalizeIdempotent(t *testing.T) {
	engines, drivers := setupEngines(t, 4, 3)

	v := Value("v")
	for _, e := range engines {
		e.Nominate(1, v)
	}
	waitExternalized(t, drivers, 1)

	// replaying old envelopes must not change the outcome
	env := &Envelope{Statement: Statement{
		NodeID:     nid(1),
		SlotIndex:  1,
		QuorumHash: engines[0].QuorumSetHash(),
		Type:       StatementExternalize,
		Externalize: &Externalize{
			Commit: Ballot{Counter: 1, Value: Value("other")},
		},
	}}
	require.NoError(t, engines[1].ReceiveEnvelope(env))

	got, ok := engines[1].Externalized(1)
	require.True(t, ok)
	assert.Equal(t, v, got)
}

func TestOwnQuorumMustBeSane(t *testing.T) {
	bad := QuorumSet{Threshold: 0}
	_, err := New(nid(1), bad, &testDriver{})
	assert.Error(t, err)
}

func TestComputeTimeout(t *testing.T) {
	assert.Equal(t, time.Second, ComputeTimeout(1))
	assert.Equal(t, 5*time.Second, ComputeTimeout(5))
	assert.Equal(t, 1800*time.Second, ComputeTimeout(1800))
	assert.Equal(t, 1800*time.Second, ComputeTimeout(100000))
}

func TestPruneBelow(t *testing.T) {
	engines, drivers := setupEngines(t, 4, 3)
	for _, e := range engines {
		e.Nominate(1, Value("v"))
	}
	waitExternalized(t, drivers, 1)

	engines[0].PruneBelow(2)
	_, ok := engines[0].Externalized(1)
	assert.False(t, ok)
}
