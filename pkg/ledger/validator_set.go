package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/helinwang/log15"
)

// Validator is one enrolled staker's live state.
type Validator struct {
	Enrollment     Enrollment
	PK             PK
	EnrolledHeight uint64
	// latest revealed pre-image and its distance from enrollment
	PreImage Hash
	Distance uint64
	// set when a reveal was missed past the grace window; the
	// validator is excluded from the active set from the next block
	// until its cycle ends
	Missed  bool
	Slashed uint64
}

// cycle covers heights (EnrolledHeight, EnrolledHeight+N].
func (v *Validator) cycleEnd() uint64 {
	return v.EnrolledHeight + v.Enrollment.CycleLength
}

// ValidatorSet tracks every enrolled validator and decides who is
// active at each height.
type ValidatorSet struct {
	mu         sync.RWMutex
	validators map[Hash]*Validator
	// every commitment a staker ever enrolled with, surviving
	// ejection; a re-enrollment replaying one is invalid
	used map[Hash]map[Hash]bool
}

// NewValidatorSet creates an empty validator set.
func NewValidatorSet() *ValidatorSet {
	return &ValidatorSet{
		validators: make(map[Hash]*Validator),
		used:       make(map[Hash]map[Hash]bool),
	}
}

var (
	ErrPreImageMismatch = errors.New("pre-image mismatch")
	ErrDuplicateStaker  = errors.New("staker already enrolled")
)

// Add registers an enrollment that externalised at the given height.
func (s *ValidatorSet) Add(e Enrollment, pk PK, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.validators[e.UTXOKey]; ok && v.cycleEnd() > height {
		return fmt.Errorf("%w: %v active until %d", ErrDuplicateStaker, e.UTXOKey, v.cycleEnd())
	}

	s.validators[e.UTXOKey] = &Validator{
		Enrollment:     e,
		PK:             pk,
		EnrolledHeight: height,
		PreImage:       e.Commitment,
		Distance:       0,
	}
	if s.used[e.UTXOKey] == nil {
		s.used[e.UTXOKey] = make(map[Hash]bool)
	}
	s.used[e.UTXOKey][e.Commitment] = true
	return nil
}

// CommitmentUsed reports whether the staker already enrolled with the
// commitment in this or an earlier cycle.
func (s *ValidatorSet) CommitmentUsed(key, commitment Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.used[key][commitment]
}

// Get returns a copy of the validator's state.
func (s *ValidatorSet) Get(key Hash) (Validator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.validators[key]
	if !ok {
		return Validator{}, false
	}

	return *v, true
}

// IsActive reports whether the staker is active at the given height.
func (s *ValidatorSet) IsActive(key Hash, height uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.validators[key]
	if !ok {
		return false
	}

	return s.isActive(v, height)
}

func (s *ValidatorSet) isActive(v *Validator, height uint64) bool {
	if v.Missed {
		return false
	}

	if height <= v.EnrolledHeight || height > v.cycleEnd() {
		return false
	}

	// must have revealed up to the previous block's offset
	required := height - v.EnrolledHeight - 1
	return v.Distance >= required
}

// CycleEndsAt reports whether the staker's cycle terminal block is the
// given height; a re-enrollment in that block is admissible even
// though the staker is still active.
func (s *ValidatorSet) CycleEndsAt(key Hash, height uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.validators[key]
	if !ok {
		return false
	}

	return v.cycleEnd() == height
}

// AddPreImage records a revealed pre-image after checking it against
// the enrollment commitment.
func (s *ValidatorSet) AddPreImage(info PreImageInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.validators[info.UTXOKey]
	if !ok {
		return fmt.Errorf("%w: unknown staker %v", ErrPreImageMismatch, info.UTXOKey)
	}

	if info.Distance <= v.Distance {
		// stale reveal, benign
		return nil
	}

	if info.Distance >= v.Enrollment.CycleLength {
		return fmt.Errorf("%w: distance %d outside cycle", ErrPreImageMismatch, info.Distance)
	}

	if !VerifyPreImage(v.Enrollment.Commitment, info.Hash, info.Distance) {
		return fmt.Errorf("%w: hash chain does not reach commitment", ErrPreImageMismatch)
	}

	v.PreImage = info.Hash
	v.Distance = info.Distance
	return nil
}

// PreImageOf returns the latest revealed pre-image of the staker.
func (s *ValidatorSet) PreImageOf(key Hash) (PreImageInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.validators[key]
	if !ok {
		return PreImageInfo{}, false
	}

	return PreImageInfo{UTXOKey: key, Hash: v.PreImage, Distance: v.Distance}, true
}

// ActiveValidators returns the active stakers at the given height in
// canonical (utxo-key ascending) order. The order fixes each
// validator's position in the header bitfield.
func (s *ValidatorSet) ActiveValidators(height uint64) []Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]Hash, 0, len(s.validators))
	for k, v := range s.validators {
		if s.isActive(v, height) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// ActiveCount returns the number of active validators at the height.
func (s *ValidatorSet) ActiveCount(height uint64) int {
	return len(s.ActiveValidators(height))
}

// MarkMissed flags validators that failed to reveal in time for the
// given height, returning the slashed stakers. grace is the number of
// blocks a reveal may lag before the validator is excluded.
func (s *ValidatorSet) MarkMissed(height uint64, grace uint64) []Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	var slashed []Hash
	for k, v := range s.validators {
		if v.Missed || height <= v.EnrolledHeight || height > v.cycleEnd() {
			continue
		}

		required := height - v.EnrolledHeight - 1
		if required > grace && v.Distance < required-grace {
			v.Missed = true
			slashed = append(slashed, k)
			log.Warn("validator missed reveal", "utxo", k, "required", required, "revealed", v.Distance)
		}
	}
	sort.Slice(slashed, func(i, j int) bool { return slashed[i].Less(slashed[j]) })
	return slashed
}

// RecordSlash accumulates the penalty applied to a staker.
func (s *ValidatorSet) RecordSlash(key Hash, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.validators[key]; ok {
		v.Slashed += amount
	}
}

// EjectExpired drops validators whose cycles ended before the given
// height and returns their staking keys.
func (s *ValidatorSet) EjectExpired(height uint64) []Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Hash
	for k, v := range s.validators {
		if v.cycleEnd() < height {
			delete(s.validators, k)
			out = append(out, k)
		}
	}
	return out
}

// Count returns the number of enrolled validators, active or not.
func (s *ValidatorSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.validators)
}
