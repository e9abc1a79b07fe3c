package ledger

import (
	"errors"
	"fmt"
	"sync"
)

// UTXO is an unspent output together with the rules for spending it.
type UTXO struct {
	Amount uint64
	Lock   Lock
	// UnlockHeight is the first height the output may be spent at.
	// Regular outputs are spendable at the height they appear in;
	// enrolling a freeze output pushes it to enroll height + 2N.
	UnlockHeight uint64
	Type         TxType
}

// UTXOSet is the authoritative map of unspent outputs.
type UTXOSet struct {
	mu    sync.RWMutex
	utxos map[Hash]UTXO
}

// NewUTXOSet creates an empty UTXO set.
func NewUTXOSet() *UTXOSet {
	return &UTXOSet{utxos: make(map[Hash]UTXO)}
}

var (
	ErrUTXONotFound = errors.New("utxo not found")
	ErrUTXOLocked   = errors.New("utxo not spendable at this height")
)

// Peek returns the UTXO of the given key if present.
func (s *UTXOSet) Peek(key Hash) (UTXO, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.utxos[key]
	return u, ok
}

// FindSpendable returns the UTXO if it exists and its unlock height
// has been reached.
func (s *UTXOSet) FindSpendable(key Hash, atHeight uint64) (UTXO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return findSpendable(s.utxos, key, atHeight)
}

func findSpendable(utxos map[Hash]UTXO, key Hash, atHeight uint64) (UTXO, error) {
	u, ok := utxos[key]
	if !ok {
		return UTXO{}, ErrUTXONotFound
	}

	if u.UnlockHeight > atHeight {
		return UTXO{}, fmt.Errorf("%w: unlocks at %d, spend attempted at %d", ErrUTXOLocked, u.UnlockHeight, atHeight)
	}

	return u, nil
}

// Count returns the number of unspent outputs.
func (s *UTXOSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.utxos)
}

// Apply removes every input spent by the block's transactions and
// inserts every created output. The update is atomic: any missing
// UTXO, unlock-height violation or double spend inside the block
// leaves the set untouched.
func (s *UTXOSet) Apply(b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	height := b.Header.Height
	staged := make(map[Hash]UTXO)
	spent := make(map[Hash]bool)

	find := func(key Hash) (UTXO, error) {
		if spent[key] {
			return UTXO{}, fmt.Errorf("double spend inside block: %v", key)
		}
		if u, ok := staged[key]; ok {
			return u, nil
		}
		return findSpendable(s.utxos, key, height)
	}

	for i := range b.Txs {
		tx := &b.Txs[i]
		for j := range tx.Inputs {
			key := tx.Inputs[j].Key()
			if _, err := find(key); err != nil {
				return err
			}
			delete(staged, key)
			spent[key] = true
		}

		txHash := tx.Hash()
		for j := range tx.Outputs {
			key := UTXOKey(txHash, uint32(j))
			staged[key] = UTXO{
				Amount:       tx.Outputs[j].Amount,
				Lock:         tx.Outputs[j].Lock,
				UnlockHeight: height,
				Type:         tx.Type,
			}
		}
	}

	for key := range spent {
		delete(s.utxos, key)
	}
	for key, u := range staged {
		s.utxos[key] = u
	}
	return nil
}

// Freeze locks a staking output until the given height. Called when
// the output's enrollment externalises.
func (s *UTXOSet) Freeze(key Hash, unlockHeight uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.utxos[key]
	if !ok {
		return ErrUTXONotFound
	}

	if u.Type != TxFreeze {
		return fmt.Errorf("utxo %v is not a freeze output", key)
	}

	u.UnlockHeight = unlockHeight
	s.utxos[key] = u
	return nil
}

// Slash deducts a penalty from a frozen stake output. The output's
// amount is reduced at once; the deduction is not deferred to the end
// of the validator's cycle.
func (s *UTXOSet) Slash(key Hash, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.utxos[key]
	if !ok {
		return ErrUTXONotFound
	}

	if amount > u.Amount {
		amount = u.Amount
	}
	u.Amount -= amount
	s.utxos[key] = u
	return nil
}

// Snapshot returns a copy of the set's contents, used by tests and by
// pool validation against a stable view.
func (s *UTXOSet) Snapshot() map[Hash]UTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[Hash]UTXO, len(s.utxos))
	for k, v := range s.utxos {
		out[k] = v
	}
	return out
}
