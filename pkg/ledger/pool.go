package ledger

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// TransactionPool holds accepted, not yet externalised transactions.
// Insertion order is preserved so nomination is fair to earlier
// submitters.
type TransactionPool struct {
	utxo   *UTXOSet
	engine *Engine
	minFee uint64

	mu    sync.Mutex
	order []Hash
	txs   map[Hash]*Transaction
	// inputs consumed by pooled txs, to reject double spends that
	// are individually valid against the UTXO set
	spent map[Hash]Hash
	// hashes ever admitted, for gossip suppression
	seen *lru.Cache
}

// NewTransactionPool creates a pool validating against the given UTXO
// set.
func NewTransactionPool(utxo *UTXOSet, engine *Engine, minFee uint64, seenCacheSize int) *TransactionPool {
	seen, err := lru.New(seenCacheSize)
	if err != nil {
		// should not happen
		panic(err)
	}

	return &TransactionPool{
		utxo:   utxo,
		engine: engine,
		minFee: minFee,
		txs:    make(map[Hash]*Transaction),
		spent:  make(map[Hash]Hash),
		seen:   seen,
	}
}

var (
	ErrInvalidTx = errors.New("invalid transaction")
	ErrTxKnown   = errors.New("transaction already in pool")
)

// ValidateTx checks a transaction against the current UTXO snapshot:
// input existence, unlock heights, witness execution, amount
// conservation and the minimum fee.
func (p *TransactionPool) ValidateTx(tx *Transaction, tipHeight uint64) error {
	if err := tx.BasicValidate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}

	if tx.Type == TxCoinbase {
		return fmt.Errorf("%w: coinbase cannot enter the pool", ErrInvalidTx)
	}

	var sumIn, sumOut uint64
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		utxo, err := p.utxo.FindSpendable(in.Key(), tipHeight+1)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTx, err)
		}

		if err := p.engine.Execute(utxo.Lock, in.Unlock, tx); err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrInvalidTx, i, err)
		}
		sumIn += utxo.Amount
	}

	for i := range tx.Outputs {
		sumOut += tx.Outputs[i].Amount
	}

	if sumOut > sumIn {
		return fmt.Errorf("%w: outputs %d exceed inputs %d", ErrInvalidTx, sumOut, sumIn)
	}

	if sumIn-sumOut < p.minFee {
		return fmt.Errorf("%w: fee %d below minimum %d", ErrInvalidTx, sumIn-sumOut, p.minFee)
	}
	return nil
}

// Fee returns the fee of a pooled or candidate transaction against the
// current UTXO set.
func (p *TransactionPool) Fee(tx *Transaction, tipHeight uint64) (uint64, error) {
	var sumIn, sumOut uint64
	for i := range tx.Inputs {
		utxo, err := p.utxo.FindSpendable(tx.Inputs[i].Key(), tipHeight+1)
		if err != nil {
			return 0, err
		}
		sumIn += utxo.Amount
	}
	for i := range tx.Outputs {
		sumOut += tx.Outputs[i].Amount
	}
	if sumOut > sumIn {
		return 0, fmt.Errorf("%w: outputs exceed inputs", ErrInvalidTx)
	}
	return sumIn - sumOut, nil
}

// Add validates and admits a transaction. It rejects transactions
// whose inputs are already consumed by another pooled transaction.
func (p *TransactionPool) Add(tx *Transaction, tipHeight uint64) error {
	h := tx.Hash()

	p.mu.Lock()
	if _, ok := p.txs[h]; ok {
		p.mu.Unlock()
		return ErrTxKnown
	}

	for i := range tx.Inputs {
		if other, ok := p.spent[tx.Inputs[i].Key()]; ok {
			p.mu.Unlock()
			return fmt.Errorf("%w: input already spent by pooled tx %v", ErrInvalidTx, other)
		}
	}
	p.mu.Unlock()

	if err := p.ValidateTx(tx, tipHeight); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// re-check under the lock; Add may race with itself
	if _, ok := p.txs[h]; ok {
		return ErrTxKnown
	}
	for i := range tx.Inputs {
		if other, ok := p.spent[tx.Inputs[i].Key()]; ok {
			return fmt.Errorf("%w: input already spent by pooled tx %v", ErrInvalidTx, other)
		}
	}

	p.txs[h] = tx
	p.order = append(p.order, h)
	for i := range tx.Inputs {
		p.spent[tx.Inputs[i].Key()] = h
	}
	p.seen.Add(h, true)
	return nil
}

// Get returns the pooled transaction of the given hash.
func (p *TransactionPool) Get(h Hash) *Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.txs[h]
}

// Has reports whether the pool currently holds the hash.
func (p *TransactionPool) Has(h Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.txs[h]
	return ok
}

// HasEverSeen reports whether the hash was ever admitted; used to
// suppress gossip echo.
func (p *TransactionPool) HasEverSeen(h Hash) bool {
	if p.seen.Contains(h) {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.txs[h]
	return ok
}

// Take returns up to n transactions in insertion order; n <= 0 means
// all of them.
func (p *TransactionPool) Take(n int) []*Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n <= 0 || n > len(p.order) {
		n = len(p.order)
	}

	out := make([]*Transaction, 0, n)
	for _, h := range p.order {
		if len(out) == n {
			break
		}
		out = append(out, p.txs[h])
	}
	return out
}

// Remove drops a transaction, called once it has externalised.
func (p *TransactionPool) Remove(h Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, ok := p.txs[h]
	if !ok {
		return
	}

	delete(p.txs, h)
	for i := range tx.Inputs {
		delete(p.spent, tx.Inputs[i].Key())
	}
	for i, o := range p.order {
		if o == h {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Size returns the number of pooled transactions.
func (p *TransactionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.txs)
}
