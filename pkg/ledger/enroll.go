package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/helinwang/log15"
)

// Enrollment stakes a frozen UTXO to join the validator set for one
// cycle. The signature binds the enrollment to the staker's key; its
// nonce point doubles as the staker's one-time signature nonce.
type Enrollment struct {
	UTXOKey     Hash
	Commitment  Hash
	CycleLength uint64
	Sig         Sig
}

// Encode returns the canonical binary form. The form without the
// signature is the message the staker signs.
func (e *Enrollment) Encode(withSig bool) []byte {
	var w writer
	w.hash(e.UTXOKey)
	w.hash(e.Commitment)
	w.u64(e.CycleLength)
	if withSig {
		w.bytes(e.Sig)
	}
	return w.buf
}

// Hash returns the canonical fingerprint of the enrollment.
func (e *Enrollment) Hash() Hash {
	return hashDomain(domainEnroll, e.Encode(true))
}

func decodeEnrollment(r *reader) (Enrollment, error) {
	var e Enrollment
	var err error
	if e.UTXOKey, err = r.hash(); err != nil {
		return e, err
	}
	if e.Commitment, err = r.hash(); err != nil {
		return e, err
	}
	if e.CycleLength, err = r.u64(); err != nil {
		return e, err
	}
	var sig []byte
	if sig, err = r.bytes(); err != nil {
		return e, err
	}
	e.Sig = Sig(sig)
	return e, nil
}

var (
	ErrInvalidEnrollment = errors.New("invalid enrollment")
)

// UTXOFinder looks up an unspent output during enrollment validation.
type UTXOFinder func(key Hash) (UTXO, bool)

// EnrollmentManager owns this node's pre-image chains and the pending
// enrollment pool shared with the rest of the network.
type EnrollmentManager struct {
	cfg Config
	key SK

	mu sync.Mutex
	// pending enrollments, keyed by staking UTXO
	pool map[Hash]*Enrollment
	// this node's chains by staking UTXO; kept across re-enrollments
	// so a crash cannot force chain reuse
	cycles map[Hash]*PreImageCycle
	seeds  map[Hash]Hash
}

// NewEnrollmentManager creates an enrollment manager for a validator
// key. Nodes that never enroll pass their key anyway; the manager is
// inert until CreateEnrollment is called.
func NewEnrollmentManager(cfg Config, key SK) *EnrollmentManager {
	return &EnrollmentManager{
		cfg:    cfg,
		key:    key,
		pool:   make(map[Hash]*Enrollment),
		cycles: make(map[Hash]*PreImageCycle),
		seeds:  make(map[Hash]Hash),
	}
}

// CreateEnrollment produces a fresh enrollment for the given staking
// UTXO using a new random seed.
func (m *EnrollmentManager) CreateEnrollment(utxoKey Hash) *Enrollment {
	seed := Hash(Rand(SHA3(GenerateSK())).Derive(utxoKey[:]))
	return m.createEnrollment(utxoKey, seed)
}

func (m *EnrollmentManager) createEnrollment(utxoKey, seed Hash) *Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()

	cycle := NewPreImageCycle(seed, utxoKey, m.cfg.ValidatorCycle)
	m.cycles[utxoKey] = cycle
	m.seeds[utxoKey] = seed

	e := &Enrollment{
		UTXOKey:     utxoKey,
		Commitment:  cycle.Commitment(),
		CycleLength: m.cfg.ValidatorCycle,
	}
	e.Sig = m.key.Sign(e.Encode(false))
	return e
}

// EnrollData is the node's persisted enrollment state: losing it would
// force a chain regeneration, so it is written out when a chain is
// created and restored at startup.
type EnrollData struct {
	Seeds map[Hash]Hash
}

// Export returns the state to persist.
func (m *EnrollmentManager) Export() EnrollData {
	m.mu.Lock()
	defer m.mu.Unlock()

	seeds := make(map[Hash]Hash, len(m.seeds))
	for k, v := range m.seeds {
		seeds[k] = v
	}
	return EnrollData{Seeds: seeds}
}

// Restore rebuilds the node's chains from persisted state.
func (m *EnrollmentManager) Restore(d EnrollData) {
	for utxoKey, seed := range d.Seeds {
		m.mu.Lock()
		m.cycles[utxoKey] = NewPreImageCycle(seed, utxoKey, m.cfg.ValidatorCycle)
		m.seeds[utxoKey] = seed
		m.mu.Unlock()
	}
}

// PreImageAt returns this node's reveal for a staking UTXO at the
// given block offset.
func (m *EnrollmentManager) PreImageAt(utxoKey Hash, distance uint64) (PreImageInfo, error) {
	m.mu.Lock()
	cycle, ok := m.cycles[utxoKey]
	m.mu.Unlock()
	if !ok {
		return PreImageInfo{}, fmt.Errorf("no pre-image chain for %v", utxoKey)
	}

	h, err := cycle.PreImageAt(distance)
	if err != nil {
		return PreImageInfo{}, err
	}

	return PreImageInfo{UTXOKey: utxoKey, Hash: h, Distance: distance}, nil
}

// ValidateEnrollment checks an enrollment against the admission
// rules without touching the pending pool.
func (m *EnrollmentManager) ValidateEnrollment(tip uint64, e *Enrollment, find UTXOFinder, vset *ValidatorSet) error {
	if e.CycleLength != m.cfg.ValidatorCycle {
		return fmt.Errorf("%w: cycle length %d, protocol wants %d", ErrInvalidEnrollment, e.CycleLength, m.cfg.ValidatorCycle)
	}

	utxo, ok := find(e.UTXOKey)
	if !ok {
		return fmt.Errorf("%w: staking utxo not found", ErrInvalidEnrollment)
	}

	if utxo.Type != TxFreeze {
		return fmt.Errorf("%w: staking utxo is not a freeze output", ErrInvalidEnrollment)
	}

	if utxo.Amount < m.cfg.MinFreezeAmount {
		return fmt.Errorf("%w: stake %d below minimum %d", ErrInvalidEnrollment, utxo.Amount, m.cfg.MinFreezeAmount)
	}

	pk, err := LockPK(utxo.Lock)
	if err != nil {
		return fmt.Errorf("%w: staking utxo lock does not expose a key", ErrInvalidEnrollment)
	}

	if !e.Sig.Verify(pk, e.Encode(false)) {
		return fmt.Errorf("%w: signature verification failed", ErrInvalidEnrollment)
	}

	if vset != nil {
		if vset.IsActive(e.UTXOKey, tip+1) {
			// re-enrollment of the terminal block is the one exception
			if !vset.CycleEndsAt(e.UTXOKey, tip+1) {
				return fmt.Errorf("%w: staker already active", ErrInvalidEnrollment)
			}
		}

		// a hash chain is one-time: replaying an earlier cycle's
		// commitment would let old reveals pass verification again
		if vset.CommitmentUsed(e.UTXOKey, e.Commitment) {
			return fmt.Errorf("%w: commitment already used by a previous enrollment", ErrInvalidEnrollment)
		}
	}
	return nil
}

// AddEnrollment admits an enrollment into the pending pool.
func (m *EnrollmentManager) AddEnrollment(tip uint64, e *Enrollment, find UTXOFinder, vset *ValidatorSet) error {
	if err := m.ValidateEnrollment(tip, e, find, vset); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.pool[e.UTXOKey]; ok && old.Hash() != e.Hash() {
		log.Debug("replacing pending enrollment", "utxo", e.UTXOKey)
	}
	m.pool[e.UTXOKey] = e
	return nil
}

// HasPending reports whether the pool holds an enrollment for the key.
func (m *EnrollmentManager) HasPending(utxoKey Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.pool[utxoKey]
	return ok
}

// GetPending returns the pending enrollment for a staking UTXO.
func (m *EnrollmentManager) GetPending(utxoKey Hash) *Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pool[utxoKey]
}

// UnregisteredEnrollments returns pending enrollments not yet in the
// validator set, in ascending utxo-key order, capped at max entries.
// The cap spreads a large cycle turnover across consecutive blocks.
func (m *EnrollmentManager) UnregisteredEnrollments(max int) []Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]Hash, 0, len(m.pool))
	for k := range m.pool {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	if max > 0 && len(keys) > max {
		keys = keys[:max]
	}

	out := make([]Enrollment, len(keys))
	for i, k := range keys {
		out[i] = *m.pool[k]
	}
	return out
}

// RemoveEnrollment drops a pending enrollment, called once it has
// externalised in a block.
func (m *EnrollmentManager) RemoveEnrollment(utxoKey Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pool, utxoKey)
}

// PendingCount returns the number of pending enrollments.
func (m *EnrollmentManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pool)
}
