package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/ethdb"
	log "github.com/helinwang/log15"

	"github.com/AndrejMitrovic/constrictor/pkg/scp"
)

// Ledger orchestrates the block pipeline: it admits transactions,
// proposes and validates consensus values, turns externalised values
// into blocks and keeps the UTXO set, validator set and quorum
// derivation in lockstep with the chain.
type Ledger struct {
	cfg    Config
	key    SK
	pk     PK
	engine *Engine

	utxo    *UTXOSet
	pool    *TransactionPool
	store   *BlockStorage
	vset    *ValidatorSet
	enrolls *EnrollmentManager

	// applyMu serialises the whole externalise-and-append path so a
	// racing consensus result and catchup round cannot both apply
	applyMu sync.Mutex

	mu           sync.Mutex
	externalized map[uint64]Hash
	// reveals heard from gossip, not yet externalised in a block
	pendingReveals map[Hash]PreImageInfo
	// signature shares buffered for heights not yet externalised
	shareBuf map[uint64]map[Hash]Sig
	// staking UTXOs this node operates
	ownStakes   []Hash
	shuffleSeed Rand
	quorums     map[scp.NodeID]scp.QuorumSet
	feeAccrued  uint64
	helpWanted  bool

	// node-layer hooks
	OnBlockAppended func(b *Block)
	OnEnrollReady   func(e *Enrollment)
	OnHelpWanted    func()
}

// NewLedger builds a ledger on the genesis block. Genesis is an
// explicit parameter: tests construct their own instead of mutating a
// process-wide default.
func NewLedger(cfg Config, key SK, genesis *Block, db ethdb.Database) (*Ledger, error) {
	engine := NewEngine(cfg.MaxTotalStack, cfg.MaxItemSize)
	utxo := NewUTXOSet()
	store, err := NewBlockStorage(db, genesis)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		cfg:            cfg,
		key:            key,
		pk:             key.MustPK(),
		engine:         engine,
		utxo:           utxo,
		pool:           NewTransactionPool(utxo, engine, cfg.MinFee, cfg.RelayTxCacheExp),
		store:          store,
		vset:           NewValidatorSet(),
		enrolls:        NewEnrollmentManager(cfg, key),
		externalized:   make(map[uint64]Hash),
		pendingReveals: make(map[Hash]PreImageInfo),
		shareBuf:       make(map[uint64]map[Hash]Sig),
	}

	if err := l.utxo.Apply(genesis); err != nil {
		return nil, fmt.Errorf("apply genesis: %w", err)
	}

	for _, e := range genesis.Header.Enrollments {
		utxo, ok := l.utxo.Peek(e.UTXOKey)
		if !ok {
			return nil, fmt.Errorf("genesis enrollment stakes unknown utxo %v", e.UTXOKey)
		}
		pk, err := LockPK(utxo.Lock)
		if err != nil {
			return nil, fmt.Errorf("genesis enrollment lock: %w", err)
		}
		if err := l.vset.Add(e, pk, 0); err != nil {
			return nil, err
		}
		if err := l.utxo.Freeze(e.UTXOKey, 2*e.CycleLength); err != nil {
			return nil, err
		}
	}

	gh := genesis.Hash()
	l.externalized[0] = gh
	l.shuffleSeed = Rand(SHA3(gh[:]))

	// a persisted database may already hold history past genesis
	if err := l.replayStored(); err != nil {
		return nil, err
	}

	if err := l.deriveQuorums(l.store.Height() + 1); err != nil {
		return nil, err
	}
	return l, nil
}

// Accessors used by the node layer and tests.

func (l *Ledger) Config() Config               { return l.cfg }
func (l *Ledger) PK() PK                       { return l.pk }
func (l *Ledger) NodeID() scp.NodeID           { return NodeID(l.pk) }
func (l *Ledger) Pool() *TransactionPool       { return l.pool }
func (l *Ledger) UTXOSet() *UTXOSet            { return l.utxo }
func (l *Ledger) Store() *BlockStorage         { return l.store }
func (l *Ledger) Validators() *ValidatorSet    { return l.vset }
func (l *Ledger) Enrolls() *EnrollmentManager  { return l.enrolls }
func (l *Ledger) Tip() *Block                  { return l.store.Tip() }
func (l *Ledger) Height() uint64               { return l.store.Height() }

// SetOwnStake registers a staking UTXO this node operates, enabling
// reveal generation and re-enrollment for it.
func (l *Ledger) SetOwnStake(utxoKey Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, k := range l.ownStakes {
		if k == utxoKey {
			return
		}
	}
	l.ownStakes = append(l.ownStakes, utxoKey)
}

// Quorums returns the quorum sets derived for the next height.
func (l *Ledger) Quorums() map[scp.NodeID]scp.QuorumSet {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[scp.NodeID]scp.QuorumSet, len(l.quorums))
	for k, v := range l.quorums {
		out[k] = v
	}
	return out
}

// OwnQuorum returns this node's derived quorum set.
func (l *Ledger) OwnQuorum() (scp.QuorumSet, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.quorums[NodeID(l.pk)]
	return q, ok
}

// AcceptTransaction validates and admits a transaction from a peer or
// the RPC surface.
func (l *Ledger) AcceptTransaction(tx *Transaction) error {
	err := l.pool.Add(tx, l.store.Height())
	if err != nil {
		return err
	}

	log.Debug("admitted transaction", "hash", tx.Hash(), "pool", l.pool.Size())
	return nil
}

// AddPendingReveal records a gossiped pre-image after verifying it
// against the staker's commitment. A mismatching pre-image is the
// sender's offence, not ours; the error surfaces for slashing.
func (l *Ledger) AddPendingReveal(info PreImageInfo) error {
	v, ok := l.vset.Get(info.UTXOKey)
	if !ok {
		return fmt.Errorf("%w: unknown staker %v", ErrPreImageMismatch, info.UTXOKey)
	}

	if info.Distance >= v.Enrollment.CycleLength {
		return fmt.Errorf("%w: distance %d outside cycle", ErrPreImageMismatch, info.Distance)
	}

	if !VerifyPreImage(v.Enrollment.Commitment, info.Hash, info.Distance) {
		return fmt.Errorf("%w: hash chain does not reach commitment", ErrPreImageMismatch)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.pendingReveals[info.UTXOKey]; !ok || cur.Distance < info.Distance {
		l.pendingReveals[info.UTXOKey] = info
	}
	return nil
}

// PendingReveal returns the freshest gossiped reveal for a staker.
func (l *Ledger) PendingReveal(utxoKey Hash) (PreImageInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.pendingReveals[utxoKey]
	return info, ok
}

// OwnReveals produces this node's reveals for the given height and
// stages them for the next proposal. The caller gossips them.
func (l *Ledger) OwnReveals(height uint64) []PreImageInfo {
	l.mu.Lock()
	stakes := append([]Hash(nil), l.ownStakes...)
	l.mu.Unlock()

	var out []PreImageInfo
	for _, key := range stakes {
		v, ok := l.vset.Get(key)
		if !ok {
			continue
		}

		if height <= v.EnrolledHeight || height > v.EnrolledHeight+v.Enrollment.CycleLength {
			continue
		}

		distance := height - v.EnrolledHeight
		if distance >= v.Enrollment.CycleLength {
			distance = v.Enrollment.CycleLength - 1
		}
		if distance <= v.Distance {
			// already revealed; at cycle end the chain may have
			// been replaced by the re-enrollment's fresh seed
			continue
		}

		info, err := l.enrolls.PreImageAt(key, distance)
		if err != nil {
			log.Error("cannot produce own reveal", "utxo", key, "err", err)
			continue
		}

		if err := l.AddPendingReveal(info); err != nil {
			log.Error("own reveal rejected", "utxo", key, "err", err)
			continue
		}
		out = append(out, info)
	}
	return out
}

// ProposeData assembles the consensus value for the next slot. It
// returns false when nomination should be deferred: a configured
// tx-set size that the pool cannot fill yet.
func (l *Ledger) ProposeData(height uint64) (*ConsensusData, bool) {
	tip := l.store.Tip()
	if height != tip.Header.Height+1 {
		return nil, false
	}

	txs := l.pool.Take(l.cfg.TxsToNominate)
	if l.cfg.TxsToNominate > 0 && len(txs) < l.cfg.TxsToNominate {
		return nil, false
	}

	d := &ConsensusData{TimeOffset: uint64(l.cfg.BlockInterval.Seconds())}
	if d.TimeOffset == 0 {
		d.TimeOffset = 1
	}

	for _, tx := range txs {
		d.Txs = append(d.Txs, *tx)
	}

	for _, e := range l.enrolls.UnregisteredEnrollments(l.cfg.MaxEnrollPerBlock) {
		if err := l.enrolls.ValidateEnrollment(tip.Header.Height, &e, l.utxoFinder(), l.vset); err != nil {
			continue
		}
		d.Enrollments = append(d.Enrollments, e)
	}

	l.mu.Lock()
	for _, info := range l.pendingReveals {
		if v, ok := l.vset.Get(info.UTXOKey); ok && info.Distance > v.Distance {
			d.Reveals = append(d.Reveals, info)
		}
	}
	l.mu.Unlock()
	sort.Slice(d.Reveals, func(i, j int) bool {
		return d.Reveals[i].UTXOKey.Less(d.Reveals[j].UTXOKey)
	})
	return d, true
}

func (l *Ledger) utxoFinder() UTXOFinder {
	return func(key Hash) (UTXO, bool) {
		return l.utxo.Peek(key)
	}
}

// ValidateData checks a proposed consensus value against the current
// chain state: UTXO consistency, fees, enrollment admission and
// reveal correctness.
func (l *Ledger) ValidateData(height uint64, d *ConsensusData) error {
	tip := l.store.Tip()
	if height != tip.Header.Height+1 {
		return fmt.Errorf("%w: proposal for height %d on tip %d", ErrInvalidBlock, height, tip.Header.Height)
	}

	if d.TimeOffset == 0 {
		return fmt.Errorf("%w: zero time offset", ErrInvalidBlock)
	}

	spent := make(map[Hash]bool)
	for i := range d.Txs {
		tx := &d.Txs[i]
		if err := l.pool.ValidateTx(tx, tip.Header.Height); err != nil {
			return err
		}
		for j := range tx.Inputs {
			k := tx.Inputs[j].Key()
			if spent[k] {
				return fmt.Errorf("%w: double spend across proposed set", ErrInvalidTx)
			}
			spent[k] = true
		}
	}

	seenEnroll := make(map[Hash]bool)
	for i := range d.Enrollments {
		e := &d.Enrollments[i]
		if seenEnroll[e.UTXOKey] {
			return fmt.Errorf("%w: duplicate enrollment", ErrInvalidEnrollment)
		}
		seenEnroll[e.UTXOKey] = true
		if err := l.enrolls.ValidateEnrollment(tip.Header.Height, e, l.utxoFinder(), l.vset); err != nil {
			return err
		}
	}

	if l.cfg.MaxEnrollPerBlock > 0 && len(d.Enrollments) > l.cfg.MaxEnrollPerBlock {
		return fmt.Errorf("%w: %d enrollments exceed per-block cap %d", ErrInvalidEnrollment, len(d.Enrollments), l.cfg.MaxEnrollPerBlock)
	}

	for i := range d.Reveals {
		info := d.Reveals[i]
		v, ok := l.vset.Get(info.UTXOKey)
		if !ok {
			return fmt.Errorf("%w: reveal for unknown staker", ErrPreImageMismatch)
		}
		if info.Distance <= v.Distance {
			return fmt.Errorf("%w: stale reveal", ErrPreImageMismatch)
		}
		if info.Distance >= v.Enrollment.CycleLength {
			return fmt.Errorf("%w: distance outside cycle", ErrPreImageMismatch)
		}
		if !VerifyPreImage(v.Enrollment.Commitment, info.Hash, info.Distance) {
			return fmt.Errorf("%w: hash chain does not reach commitment", ErrPreImageMismatch)
		}
	}
	return nil
}

var ErrSlotExternalized = errors.New("slot already externalized")

// OnTxSetExternalized turns an agreed value into the next block. It is
// idempotent: a second call for the same slot is a benign duplicate.
func (l *Ledger) OnTxSetExternalized(slot uint64, d *ConsensusData) error {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()

	l.mu.Lock()
	if h, ok := l.externalized[slot]; ok {
		l.mu.Unlock()
		log.Debug("slot already externalized", "slot", slot, "block", h)
		return nil
	}
	l.mu.Unlock()

	if err := l.ValidateData(slot, d); err != nil {
		return err
	}

	tip := l.store.Tip()
	b := NewBlock(tip, append([]Transaction(nil), d.Txs...), d.Enrollments, d.Reveals, tip.Header.Timestamp+d.TimeOffset)
	l.signBlock(b)
	return l.applyBlock(slot, b, false)
}

// signBlock adds this node's signature share and any buffered peer
// shares that verify, then aggregates. The bit of every contributing
// validator is flagged; signature collection closes when the block is
// appended, late shares are dropped.
func (l *Ledger) signBlock(b *Block) {
	height := b.Header.Height
	active := l.vset.ActiveValidators(height)
	bitfield := NewBitfield(len(active))
	msg := b.Header.Encode(false)

	shares := make([]Sig, 0, len(active))
	l.mu.Lock()
	buffered := l.shareBuf[height]
	delete(l.shareBuf, height)
	l.mu.Unlock()

	for i, key := range active {
		v, ok := l.vset.Get(key)
		if !ok {
			continue
		}

		if string(v.PK) == string(l.pk) {
			bitfield.Set(i)
			shares = append(shares, l.key.Sign(msg))
			continue
		}

		if share, ok := buffered[key]; ok && share.Verify(v.PK, msg) {
			bitfield.Set(i)
			shares = append(shares, share)
		}
	}

	if len(shares) == 0 {
		// not an active validator; the block arrives via catchup
		return
	}

	agg, err := AggregateSigs(shares)
	if err != nil {
		// shares were individually verified
		panic(err)
	}

	b.Header.Validators = bitfield
	b.Header.Signature = agg
}

// ReceiveBlockSig buffers a peer validator's signature share for a
// height not yet externalised locally.
func (l *Ledger) ReceiveBlockSig(height uint64, utxoKey Hash, share Sig) {
	if height <= l.store.Height() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shareBuf[height] == nil {
		l.shareBuf[height] = make(map[Hash]Sig)
	}
	l.shareBuf[height][utxoKey] = share
}

// verifyHeaderSig checks the aggregated header signature against the
// flagged active validators at the block's height.
func (l *Ledger) verifyHeaderSig(b *Block) error {
	active := l.vset.ActiveValidators(b.Header.Height)
	if len(active) == 0 {
		return fmt.Errorf("%w: no active validators at height %d", ErrInvalidBlock, b.Header.Height)
	}

	var pks []PK
	for i, key := range active {
		if !b.Header.Validators.Get(i) {
			continue
		}
		v, ok := l.vset.Get(key)
		if !ok {
			return fmt.Errorf("%w: flagged validator unknown", ErrInvalidBlock)
		}
		pks = append(pks, v.PK)
	}

	if len(pks) == 0 {
		return fmt.Errorf("%w: empty validator bitfield", ErrInvalidBlock)
	}

	agg, err := AggregatePKs(pks)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}

	if !b.Header.Signature.Verify(agg, b.Header.Encode(false)) {
		return fmt.Errorf("%w: header signature verification failed", ErrInvalidBlock)
	}
	return nil
}

// ApplyExternalBlock verifies and appends a block fetched during
// catchup.
func (l *Ledger) ApplyExternalBlock(b *Block) error {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()

	l.mu.Lock()
	if h, ok := l.externalized[b.Header.Height]; ok {
		l.mu.Unlock()
		if h != b.Hash() {
			return fmt.Errorf("%w: conflicting block for externalized height %d", ErrInvalidBlock, b.Header.Height)
		}
		return nil
	}
	l.mu.Unlock()

	return l.applyBlock(b.Header.Height, b, true)
}

// applyBlock is the single append path. All validation happens before
// any state is touched, so a failure leaves the UTXO set, validator
// set and pool exactly as they were.
func (l *Ledger) applyBlock(slot uint64, b *Block, external bool) error {
	tip := l.store.Tip()
	if err := b.BasicValidate(tip); err != nil {
		return err
	}

	// the chain halts rather than append a block no active validator
	// stands behind
	if l.vset.ActiveCount(b.Header.Height) == 0 {
		return fmt.Errorf("%w: no active validators at height %d, chain halts", ErrInvalidBlock, b.Header.Height)
	}

	if external {
		// consensus-path blocks were validated as proposals
		for i := range b.Header.Enrollments {
			e := &b.Header.Enrollments[i]
			if err := l.enrolls.ValidateEnrollment(tip.Header.Height, e, l.utxoFinder(), l.vset); err != nil {
				return err
			}
		}
		for i := range b.Header.Reveals {
			info := b.Header.Reveals[i]
			v, ok := l.vset.Get(info.UTXOKey)
			if !ok {
				return fmt.Errorf("%w: reveal for unknown staker", ErrPreImageMismatch)
			}
			if !VerifyPreImage(v.Enrollment.Commitment, info.Hash, info.Distance) {
				return fmt.Errorf("%w: hash chain does not reach commitment", ErrPreImageMismatch)
			}
		}
		if err := l.verifyHeaderSig(b); err != nil {
			return err
		}
	}

	if err := l.commitBlock(tip, b, slot); err != nil {
		return err
	}

	// from here on nothing fails: the block is committed
	if err := l.store.Append(b); err != nil {
		// canonical store failure is fatal to the node
		panic(err)
	}

	height := b.Header.Height
	for i := range b.Header.Enrollments {
		l.enrolls.RemoveEnrollment(b.Header.Enrollments[i].UTXOKey)
	}
	for i := range b.Txs {
		l.pool.Remove(b.Txs[i].Hash())
	}

	l.mu.Lock()
	for i := range b.Header.Reveals {
		info := b.Header.Reveals[i]
		if cur, ok := l.pendingReveals[info.UTXOKey]; ok && cur.Distance <= info.Distance {
			delete(l.pendingReveals, info.UTXOKey)
		}
	}
	delete(l.shareBuf, height)
	l.mu.Unlock()

	if err := l.deriveQuorums(height + 1); err != nil {
		log.Error("quorum derivation failed", "height", height+1, "err", err)
	}

	l.checkValidatorLiveness(height + 1)
	l.CheckAndEnroll(height)

	log.Info("block appended", "height", height, "hash", b.Hash(), "txs", len(b.Txs),
		"enrolls", len(b.Header.Enrollments), "reveals", len(b.Header.Reveals))

	if l.OnBlockAppended != nil {
		l.OnBlockAppended(b)
	}
	return nil
}

func (h Hash) bytes() []byte {
	return h[:]
}

// commitBlock advances the UTXO set, validator set, fee pool and
// shuffle seed for a block on top of prev. Every failure mode runs
// before the first mutation, so an error leaves all state untouched.
// It is shared by the live append path and the startup replay of
// blocks already in the store.
func (l *Ledger) commitBlock(prev, b *Block, slot uint64) error {
	// enrollment keys must resolve before the UTXO set mutates
	enrollPKs := make([]PK, len(b.Header.Enrollments))
	for i := range b.Header.Enrollments {
		utxo, ok := l.utxo.Peek(b.Header.Enrollments[i].UTXOKey)
		if !ok {
			return fmt.Errorf("%w: enrollment stakes unknown utxo", ErrInvalidEnrollment)
		}
		pk, err := LockPK(utxo.Lock)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEnrollment, err)
		}
		enrollPKs[i] = pk
	}

	// fees must be summed while the spent inputs still exist
	var fees uint64
	for i := range b.Txs {
		if b.Txs[i].Type == TxCoinbase {
			continue
		}
		fee, err := l.pool.Fee(&b.Txs[i], prev.Header.Height)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
		}
		fees += fee
	}

	if err := l.utxo.Apply(b); err != nil {
		return err
	}

	height := b.Header.Height
	for i := range b.Header.Enrollments {
		e := b.Header.Enrollments[i]
		if err := l.vset.Add(e, enrollPKs[i], height); err != nil {
			// validated by the caller
			panic(err)
		}
		if err := l.utxo.Freeze(e.UTXOKey, height+2*e.CycleLength); err != nil {
			panic(err)
		}
	}

	for i := range b.Header.Reveals {
		if err := l.vset.AddPreImage(b.Header.Reveals[i]); err != nil {
			// validated by the caller
			panic(err)
		}
	}

	missed := l.vset.MarkMissed(height+1, l.cfg.PreImageRevealGrace)
	for _, key := range missed {
		l.vset.RecordSlash(key, l.cfg.SlashPenaltyAmount)
		if err := l.utxo.Slash(key, l.cfg.SlashPenaltyAmount); err != nil {
			log.Error("cannot slash stake", "utxo", key, "err", err)
		}
	}

	l.vset.EjectExpired(height + 1)

	l.mu.Lock()
	l.externalized[slot] = b.Hash()
	l.feeAccrued += fees * uint64(l.cfg.ValidatorFeeCut) / 100
	if len(b.Header.Reveals) > 0 {
		folded, err := FoldPreImages(b.Header.Reveals)
		if err == nil {
			interval := l.cfg.QuorumShuffleInterval
			if interval == 0 || height%interval == 0 {
				l.shuffleSeed = folded.Derive(b.Hash().bytes())
			}
		}
	}
	l.mu.Unlock()
	return nil
}

// replayStored rebuilds the in-memory state from blocks already in
// the store, after a restart on a persisted database.
func (l *Ledger) replayStored() error {
	tip := l.store.Height()
	prev := l.store.Genesis()
	for h := uint64(1); h <= tip; h++ {
		b, err := l.store.Get(h)
		if err != nil {
			return err
		}

		if err := b.BasicValidate(prev); err != nil {
			return fmt.Errorf("%w: stored block %d: %v", ErrStorageFailure, h, err)
		}
		if err := l.commitBlock(prev, b, h); err != nil {
			return fmt.Errorf("%w: stored block %d: %v", ErrStorageFailure, h, err)
		}
		prev = b
	}
	return nil
}

// deriveQuorums recomputes every validator's quorum set for a height.
func (l *Ledger) deriveQuorums(height uint64) error {
	active := l.vset.ActiveValidators(height)
	if len(active) == 0 {
		return fmt.Errorf("no active validators at height %d, chain halts", height)
	}

	pks := make([]PK, len(active))
	for i, key := range active {
		v, _ := l.vset.Get(key)
		pks[i] = v.PK
	}

	l.mu.Lock()
	seed := l.shuffleSeed
	l.mu.Unlock()

	quorums, err := BuildQuorumSets(pks, seed, l.cfg.MaxQuorumNodes, l.cfg.QuorumThreshold)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.quorums = quorums
	l.mu.Unlock()
	return nil
}

// checkValidatorLiveness raises the NotEnoughValidators signal when
// the active set at the next height, or the one after it, cannot
// satisfy the quorum threshold. Looking one block further gives
// non-recurring validators time to answer the cry for help inside
// their cycle's terminal block.
func (l *Ledger) checkValidatorLiveness(height uint64) {
	enrolled := l.vset.Count()
	need := (l.cfg.QuorumThreshold*enrolled + 99) / 100
	if need < 1 {
		need = 1
	}

	active := l.vset.ActiveCount(height)
	upcoming := 0
	for _, key := range l.vset.ActiveValidators(height) {
		if v, ok := l.vset.Get(key); ok && v.cycleEnd() > height {
			upcoming++
		}
	}
	for range l.enrolls.UnregisteredEnrollments(l.cfg.MaxEnrollPerBlock) {
		upcoming++
	}

	l.mu.Lock()
	l.helpWanted = active < need || upcoming < need
	wanted := l.helpWanted
	l.mu.Unlock()

	if wanted {
		log.Warn("not enough validators", "height", height, "active", active, "upcoming", upcoming, "need", need)
		if l.OnHelpWanted != nil {
			l.OnHelpWanted()
		}
	}
}

// HelpWanted reports whether the NotEnoughValidators signal is up.
func (l *Ledger) HelpWanted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.helpWanted
}

// CheckAndEnroll re-enrolls this node's stakes whose cycles end at the
// next block. Non-recurring validators still answer the cry for help.
func (l *Ledger) CheckAndEnroll(tipHeight uint64) {
	l.mu.Lock()
	stakes := append([]Hash(nil), l.ownStakes...)
	wanted := l.helpWanted
	l.mu.Unlock()

	if !l.cfg.RecurringEnrollment && !wanted {
		return
	}

	for _, key := range stakes {
		if !l.vset.CycleEndsAt(key, tipHeight+1) {
			continue
		}
		if l.enrolls.HasPending(key) {
			continue
		}

		e := l.enrolls.CreateEnrollment(key)
		if err := l.enrolls.AddEnrollment(tipHeight, e, l.utxoFinder(), l.vset); err != nil {
			log.Error("own re-enrollment rejected", "utxo", key, "err", err)
			continue
		}

		log.Info("re-enrolling", "utxo", key, "tip", tipHeight)
		if l.OnEnrollReady != nil {
			l.OnEnrollReady(e)
		}
	}
}

// FeesAccrued returns the validator fee pool accumulated so far.
func (l *Ledger) FeesAccrued() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.feeAccrued
}

// ExternalizedBlock returns the block hash recorded for a slot.
func (l *Ledger) ExternalizedBlock(slot uint64) (Hash, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.externalized[slot]
	return h, ok
}
