package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sort"

	"github.com/AndrejMitrovic/constrictor/pkg/ledger"
)

// NodeCredentials mirrors cmd/gen_credentials.
type NodeCredentials struct {
	SK ledger.SK
}

func loadCredentials(dir string, n int) []NodeCredentials {
	out := make([]NodeCredentials, n)
	for i := 0; i < n; i++ {
		b, err := ioutil.ReadFile(filepath.Join(dir, fmt.Sprintf("node-%d.cred", i)))
		if err != nil {
			panic(err)
		}
		err = ledger.StableGobDecode(b, &out[i])
		if err != nil {
			panic(err)
		}
	}
	return out
}

func main() {
	n := flag.Int("N", 6, "number of validators")
	dir := flag.String("creds", ".", "credentials directory")
	out := flag.String("o", "genesis.blk", "output genesis block file")
	stake := flag.Uint64("stake", 2_000_000, "frozen stake per validator")
	cycle := flag.Uint64("cycle", 1008, "validator cycle length")
	spendable := flag.Uint64("spendable", 100_000_000, "spendable amount per validator")
	outputs := flag.Int("outputs", 8, "spendable outputs per validator")
	flag.Parse()

	cfg := ledger.DefaultConfig()
	cfg.ValidatorCycle = *cycle

	creds := loadCredentials(*dir, *n)
	var txs []ledger.Transaction
	var enrollments []ledger.Enrollment

	for i, c := range creds {
		pk := c.SK.MustPK()

		freeze := ledger.Transaction{
			Type: ledger.TxFreeze,
			Outputs: []ledger.Output{
				{Amount: *stake, Lock: ledger.KeyLock(pk)},
			},
		}
		txs = append(txs, freeze)

		payment := ledger.Transaction{Type: ledger.TxPayment}
		per := *spendable / uint64(*outputs)
		for j := 0; j < *outputs; j++ {
			payment.Outputs = append(payment.Outputs, ledger.Output{
				Amount: per, Lock: ledger.KeyLock(pk),
			})
		}
		txs = append(txs, payment)

		utxoKey := ledger.UTXOKey(freeze.Hash(), 0)
		mgr := ledger.NewEnrollmentManager(cfg, c.SK)
		e := mgr.CreateEnrollment(utxoKey)
		enrollments = append(enrollments, *e)

		enrollPath := filepath.Join(*dir, fmt.Sprintf("node-%d.enroll", i))
		err := ioutil.WriteFile(enrollPath, ledger.StableGobEncode(mgr.Export()), 0600)
		if err != nil {
			panic(err)
		}
	}

	sort.Slice(enrollments, func(i, j int) bool {
		return enrollments[i].UTXOKey.Less(enrollments[j].UTXOKey)
	})

	genesis := ledger.GenesisBlock(txs, enrollments)
	err := ioutil.WriteFile(*out, genesis.Encode(), 0644)
	if err != nil {
		panic(err)
	}

	fmt.Printf("%s\t%v\n", *out, genesis.Hash())
}
