package ledger

import (
	"bytes"
	"errors"
	"fmt"
)

// Engine verifies that an unlock witness satisfies an output lock. It
// is a pure function of its inputs: the same (lock, unlock, tx) triple
// verifies identically on every node.
type Engine struct {
	// MaxTotalStack bounds the total number of witness items
	// consumed, including items revealed by a redeem condition.
	MaxTotalStack int
	// MaxItemSize bounds each witness item.
	MaxItemSize int
}

// NewEngine creates an engine with the protocol's execution budget.
func NewEngine(maxTotalStack, maxItemSize int) *Engine {
	return &Engine{MaxTotalStack: maxTotalStack, MaxItemSize: maxItemSize}
}

var (
	ErrScriptFailed  = errors.New("script failed")
	errStackExceeded = errors.New("witness stack budget exceeded")
)

func scriptErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrScriptFailed, fmt.Sprintf(format, args...))
}

// Execute verifies the witness against the lock for the given spending
// transaction. A nil return means the input is spendable; otherwise
// the error carries the reason.
func (e *Engine) Execute(lock Lock, unlock Unlock, tx *Transaction) error {
	budget := e.MaxTotalStack
	return e.execute(lock, unlock.Items, tx, &budget, false)
}

func (e *Engine) execute(lock Lock, items [][]byte, tx *Transaction, budget *int, inRedeem bool) error {
	if err := e.charge(items, budget); err != nil {
		return err
	}

	msg := tx.Hash()
	switch lock.Type {
	case LockKey:
		if len(lock.Data) != 32 {
			return scriptErr("key lock wants 32-byte key, got %d", len(lock.Data))
		}
		if len(items) != 1 {
			return scriptErr("key unlock wants 1 item, got %d", len(items))
		}
		if !Sig(items[0]).Verify(PK(lock.Data), msg[:]) {
			return scriptErr("signature verification failed")
		}
		return nil

	case LockKeyHash:
		if len(lock.Data) != longHashBytes {
			return scriptErr("key-hash lock wants 64-byte hash, got %d", len(lock.Data))
		}
		if len(items) != 2 {
			return scriptErr("key-hash unlock wants [sig, key], got %d items", len(items))
		}
		sig, pk := items[0], items[1]
		h := SHA512(pk)
		if !bytes.Equal(h[:], lock.Data) {
			return scriptErr("key does not match key hash")
		}
		if !Sig(sig).Verify(PK(pk), msg[:]) {
			return scriptErr("signature verification failed")
		}
		return nil

	case LockScript:
		// The condition is inlined in the lock: a lock tag byte
		// followed by its data, evaluated against the remaining
		// witness items.
		inner, rest, err := parseCondition(lock.Data)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return scriptErr("trailing bytes after script condition")
		}
		return e.execute(inner, items, tx, budget, inRedeem)

	case LockRedeem:
		if inRedeem {
			return scriptErr("redeem condition may not nest another redeem")
		}
		if len(lock.Data) != longHashBytes {
			return scriptErr("redeem lock wants 64-byte hash, got %d", len(lock.Data))
		}
		if len(items) < 1 {
			return scriptErr("redeem unlock wants the condition as its last item")
		}
		condition := items[len(items)-1]
		h := SHA512(condition)
		if !bytes.Equal(h[:], lock.Data) {
			return scriptErr("condition does not match redeem hash")
		}
		inner, rest, err := parseCondition(condition)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return scriptErr("trailing bytes after redeem condition")
		}
		return e.execute(inner, items[:len(items)-1], tx, budget, true)

	default:
		return scriptErr("unknown lock type %d", lock.Type)
	}
}

func (e *Engine) charge(items [][]byte, budget *int) error {
	for _, item := range items {
		if e.MaxItemSize > 0 && len(item) > e.MaxItemSize {
			return scriptErr("witness item of %d bytes exceeds limit %d", len(item), e.MaxItemSize)
		}
	}

	*budget -= len(items)
	if *budget < 0 {
		return fmt.Errorf("%w: %v", ErrScriptFailed, errStackExceeded)
	}
	return nil
}

func parseCondition(b []byte) (Lock, []byte, error) {
	if len(b) == 0 {
		return Lock{}, nil, scriptErr("empty condition")
	}

	t := LockType(b[0])
	var n int
	switch t {
	case LockKey:
		n = 32
	case LockKeyHash, LockRedeem:
		n = longHashBytes
	case LockScript:
		return Lock{}, nil, scriptErr("script condition may not nest another script")
	default:
		return Lock{}, nil, scriptErr("unknown condition type %d", b[0])
	}

	if len(b) < 1+n {
		return Lock{}, nil, scriptErr("condition truncated")
	}
	return Lock{Type: t, Data: b[1 : 1+n]}, b[1+n:], nil
}

// KeyLock is the common case: an output spendable by the key holder.
func KeyLock(pk PK) Lock {
	return Lock{Type: LockKey, Data: pk}
}

// KeyUnlock signs the spending transaction for a key lock.
func KeyUnlock(sk SK, tx *Transaction) Unlock {
	msg := tx.Hash()
	return Unlock{Items: [][]byte{sk.Sign(msg[:])}}
}

// LockPK extracts the public key a key lock pays to.
func LockPK(lock Lock) (PK, error) {
	if lock.Type != LockKey || len(lock.Data) != 32 {
		return nil, errors.New("not a key lock")
	}

	return PK(lock.Data), nil
}
