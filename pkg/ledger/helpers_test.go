package ledger

import (
	log "github.com/helinwang/log15"
)

func init() {
	log.Root().SetHandler(log.LvlFilterHandler(log.LvlError, log.StdoutHandler))
}

func testSK(i byte) SK {
	return Rand(SHA3([]byte{i})).SK()
}

// testGenesis builds a genesis block paying count outputs of amount to
// each key, plus a frozen stake per key, enrolled with the returned
// managers.
func testGenesis(cfg Config, sks []SK, stake, amount uint64, count int) (*Block, []*EnrollmentManager, []Hash) {
	var txs []Transaction
	var enrollments []Enrollment
	managers := make([]*EnrollmentManager, len(sks))
	stakeKeys := make([]Hash, len(sks))

	for i, sk := range sks {
		pk := sk.MustPK()

		freeze := Transaction{
			Type:    TxFreeze,
			Outputs: []Output{{Amount: stake, Lock: KeyLock(pk)}},
		}
		txs = append(txs, freeze)

		payment := Transaction{Type: TxPayment}
		for j := 0; j < count; j++ {
			payment.Outputs = append(payment.Outputs, Output{Amount: amount, Lock: KeyLock(pk)})
		}
		txs = append(txs, payment)

		stakeKeys[i] = UTXOKey(freeze.Hash(), 0)
		managers[i] = NewEnrollmentManager(cfg, sk)
		e := managers[i].CreateEnrollment(stakeKeys[i])
		enrollments = append(enrollments, *e)
	}

	return GenesisBlock(txs, enrollments), managers, stakeKeys
}

// paymentTx spends the given UTXO back to the same key minus fee.
func paymentTx(sk SK, prevTx Hash, index uint32, amount, fee uint64) *Transaction {
	tx := &Transaction{
		Type:    TxPayment,
		Inputs:  []Input{{PrevTx: prevTx, Index: index}},
		Outputs: []Output{{Amount: amount - fee, Lock: KeyLock(sk.MustPK())}},
	}
	tx.Inputs[0].Unlock = KeyUnlock(sk, tx)
	return tx
}
