package scp

import "time"

// ValidationLevel is the driver's verdict on a proposed value.
type ValidationLevel int

const (
	Invalid ValidationLevel = iota
	FullyValid
)

// TimerKind distinguishes the engine's outstanding timers.
type TimerKind int

const (
	NominationTimer TimerKind = iota
	BallotTimer
)

// Driver is the capability object the ledger hands to the engine. The
// engine calls back into it for everything outside pure protocol
// state: value semantics, signing, broadcast, quorum lookup and
// scheduling.
type Driver interface {
	// ValidateValue decodes and checks a proposed value.
	ValidateValue(slot uint64, value Value, nomination bool) ValidationLevel

	// CombineCandidates merges the candidate values of a slot into
	// the composite the ballot protocol runs on.
	CombineCandidates(slot uint64, candidates []Value) (Value, error)

	// ValueExternalized reports an agreed value. It must be
	// idempotent per slot.
	ValueExternalized(slot uint64, value Value)

	// NominatingValue reports the value this node started
	// nominating for a slot.
	NominatingValue(slot uint64, value Value)

	// EmitEnvelope broadcasts an envelope. Send failures are the
	// driver's problem; gossip is optimistic.
	EmitEnvelope(env *Envelope)

	// SignEnvelope signs the statement's canonical encoding.
	SignEnvelope(env *Envelope) error

	// GetQuorumSet resolves a quorum-set hash heard on the wire.
	GetQuorumSet(hash Hash) (*QuorumSet, bool)

	// SetupTimer schedules cb after timeout, superseding any
	// earlier timer of the same (slot, kind). A zero timeout or nil
	// cb cancels outstanding timers of that kind.
	SetupTimer(slot uint64, kind TimerKind, timeout time.Duration, cb func())
}

const maxTimeoutSeconds = 1800

// ComputeTimeout is the round timeout: linear in the round number,
// capped at 30 minutes.
func ComputeTimeout(round uint32) time.Duration {
	if round > maxTimeoutSeconds {
		round = maxTimeoutSeconds
	}

	return time.Duration(round) * time.Second
}
