package main

import (
	"flag"
	"io/ioutil"
	"time"

	"github.com/ethereum/go-ethereum/ethdb"
	log "github.com/helinwang/log15"

	"github.com/AndrejMitrovic/constrictor/pkg/ledger"
	"github.com/AndrejMitrovic/constrictor/pkg/network"
	"github.com/AndrejMitrovic/constrictor/pkg/node"
)

// NodeCredentials mirrors cmd/gen_credentials.
type NodeCredentials struct {
	SK ledger.SK
}

func main() {
	c := flag.String("c", "", "path to the node credential file")
	enrollPath := flag.String("enroll", "", "path to the node enroll data file")
	g := flag.String("genesis", "", "path to the genesis block file")
	addr := flag.String("addr", ":8008", "node address to listen connections on")
	seedNode := flag.String("seed", "", "seed node address")
	dataDir := flag.String("datadir", "", "block database directory; empty runs in memory")
	interval := flag.Duration("block-interval", 10*time.Second, "target block interval")
	nominate := flag.Int("txs-to-nominate", 0, "tx-set size cap; 0 is unlimited")
	cycle := flag.Uint64("cycle", 1008, "validator cycle length")
	recurring := flag.Bool("recurring-enrollment", true, "re-enroll at cycle end")
	maxQuorum := flag.Int("max-quorum-nodes", 7, "max validators per quorum group")
	threshold := flag.Int("quorum-threshold", 80, "quorum threshold percent")
	minFee := flag.Uint64("min-fee", 0, "minimum fee per transaction")
	slash := flag.Uint64("slash-penalty", 10_000, "missed-reveal slash amount")
	flag.Parse()

	cfg := ledger.DefaultConfig()
	cfg.BlockInterval = *interval
	cfg.TxsToNominate = *nominate
	cfg.ValidatorCycle = *cycle
	cfg.RecurringEnrollment = *recurring
	cfg.MaxQuorumNodes = *maxQuorum
	cfg.QuorumThreshold = *threshold
	cfg.MinFee = *minFee
	cfg.SlashPenaltyAmount = *slash

	cb, err := ioutil.ReadFile(*c)
	if err != nil {
		panic(err)
	}

	var credentials NodeCredentials
	err = ledger.StableGobDecode(cb, &credentials)
	if err != nil {
		panic(err)
	}

	gb, err := ioutil.ReadFile(*g)
	if err != nil {
		panic(err)
	}

	genesis, err := ledger.DecodeBlock(gb)
	if err != nil {
		panic(err)
	}

	var db ethdb.Database
	if *dataDir == "" {
		db = ethdb.NewMemDatabase()
	} else {
		ldb, err := ethdb.NewLDBDatabase(*dataDir, 16, 16)
		if err != nil {
			panic(err)
		}
		db = ldb
	}

	// storage handles are released on every exit path, panics
	// included
	defer func() {
		if r := recover(); r != nil {
			db.Close()
			panic(r)
		}
		db.Close()
	}()

	n, err := node.NewNode(cfg, credentials.SK, genesis, db, &network.Network{})
	if err != nil {
		panic(err)
	}

	if *enrollPath != "" {
		eb, err := ioutil.ReadFile(*enrollPath)
		if err != nil {
			panic(err)
		}
		var data ledger.EnrollData
		err = ledger.StableGobDecode(eb, &data)
		if err != nil {
			panic(err)
		}
		n.Ledger().Enrolls().Restore(data)
		for utxoKey := range data.Seeds {
			n.Ledger().SetOwnStake(utxoKey)
		}
	}

	err = n.Start(*addr, *seedNode)
	if err != nil {
		panic(err)
	}

	log.Info("node started", "addr", *addr, "height", n.Ledger().Height())
	select {}
}
