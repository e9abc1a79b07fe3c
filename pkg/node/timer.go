package node

import (
	"sync"
	"time"

	"github.com/AndrejMitrovic/constrictor/pkg/scp"
)

type timerKey struct {
	slot uint64
	kind scp.TimerKind
}

// timerSet implements the engine's timer contract with the watermark
// pattern: every scheduled task captures an id; a newer SetupTimer for
// the same (slot, kind) bumps the watermark, and a fired task whose id
// is older returns silently.
type timerSet struct {
	mu     sync.Mutex
	marks  map[timerKey]uint64
	closed bool
}

func newTimerSet() *timerSet {
	return &timerSet{marks: make(map[timerKey]uint64)}
}

// Setup schedules cb after timeout, superseding earlier timers of the
// same key. A zero timeout or nil cb cancels outstanding timers.
func (t *timerSet) Setup(slot uint64, kind scp.TimerKind, timeout time.Duration, cb func()) {
	key := timerKey{slot: slot, kind: kind}

	t.mu.Lock()
	t.marks[key]++
	id := t.marks[key]
	closed := t.closed
	t.mu.Unlock()

	if closed || timeout == 0 || cb == nil {
		return
	}

	go func() {
		time.Sleep(timeout)

		t.mu.Lock()
		current := t.marks[key]
		closed := t.closed
		t.mu.Unlock()

		if closed || id != current {
			return
		}
		cb()
	}()
}

// Close cancels every outstanding timer; shutdown is cooperative.
func (t *timerSet) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}
