package ledger

import (
	"errors"
	"fmt"
)

// TxType tags a transaction.
type TxType uint8

const (
	TxPayment TxType = iota
	TxFreeze
	TxCoinbase
)

func (t TxType) String() string {
	switch t {
	case TxPayment:
		return "Payment"
	case TxFreeze:
		return "Freeze"
	case TxCoinbase:
		return "Coinbase"
	default:
		return fmt.Sprintf("TxType(%d)", uint8(t))
	}
}

// LockType tags an output lock.
type LockType uint8

const (
	// LockKey: Data is a 32-byte public key, unlocked by a signature
	// of the spending tx hash.
	LockKey LockType = iota
	// LockKeyHash: Data is the 64-byte hash of a public key, unlocked
	// by a signature plus the matching key.
	LockKeyHash
	// LockScript: Data is an inline condition evaluated directly.
	LockScript
	// LockRedeem: Data is the 64-byte hash of a condition the spender
	// reveals at unlock time.
	LockRedeem
)

func (t LockType) String() string {
	switch t {
	case LockKey:
		return "Key"
	case LockKeyHash:
		return "KeyHash"
	case LockScript:
		return "Script"
	case LockRedeem:
		return "Redeem"
	default:
		return fmt.Sprintf("LockType(%d)", uint8(t))
	}
}

// Lock is the condition guarding an output.
type Lock struct {
	Type LockType
	Data []byte
}

// Unlock is the witness satisfying a lock, matched by the lock's tag.
type Unlock struct {
	Items [][]byte
}

// Input references a previous output and carries its unlock witness.
type Input struct {
	PrevTx Hash
	Index  uint32
	Unlock Unlock
}

// Key returns the UTXO key of the referenced output.
func (in *Input) Key() Hash {
	return UTXOKey(in.PrevTx, in.Index)
}

// Output creates a new spendable amount under a lock.
type Output struct {
	Amount uint64
	Lock   Lock
}

// Transaction is a tagged record of inputs and outputs.
type Transaction struct {
	Type    TxType
	Inputs  []Input
	Outputs []Output
}

// Encode returns the canonical binary form. Unlock witnesses are
// excluded when withUnlock is false; the fingerprint and the data
// signed by spenders both use that form.
func (tx *Transaction) Encode(withUnlock bool) []byte {
	var w writer
	w.u8(uint8(tx.Type))
	w.u32(uint32(len(tx.Inputs)))
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		w.hash(in.PrevTx)
		w.u32(in.Index)
		if withUnlock {
			w.u32(uint32(len(in.Unlock.Items)))
			for _, item := range in.Unlock.Items {
				w.bytes(item)
			}
		}
	}
	w.u32(uint32(len(tx.Outputs)))
	for i := range tx.Outputs {
		out := &tx.Outputs[i]
		w.u64(out.Amount)
		w.u8(uint8(out.Lock.Type))
		w.bytes(out.Lock.Data)
	}
	return w.buf
}

// Hash returns the canonical fingerprint of the transaction.
func (tx *Transaction) Hash() Hash {
	return hashDomain(domainTx, tx.Encode(false))
}

func decodeTx(r *reader) (*Transaction, error) {
	var tx Transaction
	t, err := r.u8()
	if err != nil {
		return nil, err
	}
	if t > uint8(TxCoinbase) {
		return nil, fmt.Errorf("unknown tx type %d", t)
	}
	tx.Type = TxType(t)

	nin, err := r.u32()
	if err != nil {
		return nil, err
	}
	tx.Inputs = make([]Input, nin)
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if in.PrevTx, err = r.hash(); err != nil {
			return nil, err
		}
		if in.Index, err = r.u32(); err != nil {
			return nil, err
		}
		nitems, err := r.u32()
		if err != nil {
			return nil, err
		}
		in.Unlock.Items = make([][]byte, nitems)
		for j := range in.Unlock.Items {
			if in.Unlock.Items[j], err = r.bytes(); err != nil {
				return nil, err
			}
		}
	}

	nout, err := r.u32()
	if err != nil {
		return nil, err
	}
	tx.Outputs = make([]Output, nout)
	for i := range tx.Outputs {
		out := &tx.Outputs[i]
		if out.Amount, err = r.u64(); err != nil {
			return nil, err
		}
		lt, err := r.u8()
		if err != nil {
			return nil, err
		}
		if lt > uint8(LockRedeem) {
			return nil, fmt.Errorf("unknown lock type %d", lt)
		}
		out.Lock.Type = LockType(lt)
		if out.Lock.Data, err = r.bytes(); err != nil {
			return nil, err
		}
	}
	return &tx, nil
}

// DecodeTransaction decodes the canonical form including witnesses.
func DecodeTransaction(b []byte) (*Transaction, error) {
	r := &reader{buf: b}
	tx, err := decodeTx(r)
	if err != nil {
		return nil, err
	}

	if err := r.done(); err != nil {
		return nil, err
	}

	return tx, nil
}

// EncodeFull is Encode(true): the form exchanged between peers.
func (tx *Transaction) EncodeFull() []byte {
	return tx.Encode(true)
}

var errNoOutputs = errors.New("transaction has no outputs")

// BasicValidate checks the structural rules that hold regardless of
// the UTXO set.
func (tx *Transaction) BasicValidate() error {
	if len(tx.Outputs) == 0 {
		return errNoOutputs
	}

	switch tx.Type {
	case TxCoinbase:
		if len(tx.Inputs) != 0 {
			return errors.New("coinbase must not have inputs")
		}
	case TxPayment, TxFreeze:
		if len(tx.Inputs) == 0 {
			return errors.New("transaction has no inputs")
		}
	default:
		return fmt.Errorf("unknown tx type %d", tx.Type)
	}

	for i := range tx.Outputs {
		if tx.Outputs[i].Amount == 0 {
			return errors.New("zero-amount output")
		}
	}

	seen := make(map[Hash]bool, len(tx.Inputs))
	for i := range tx.Inputs {
		k := tx.Inputs[i].Key()
		if seen[k] {
			return errors.New("duplicate input")
		}
		seen[k] = true
	}
	return nil
}
