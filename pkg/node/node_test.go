package node_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethdb"
	log "github.com/helinwang/log15"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndrejMitrovic/constrictor/pkg/ledger"
	"github.com/AndrejMitrovic/constrictor/pkg/net/local"
	"github.com/AndrejMitrovic/constrictor/pkg/node"
)

func init() {
	log.Root().SetHandler(log.LvlFilterHandler(log.LvlError, log.StdoutHandler))
}

type testCluster struct {
	nodes     []*node.Node
	sks       []ledger.SK
	stakeKeys []ledger.Hash
	genesis   *ledger.Block
	net       *local.Network
}

func startCluster(t *testing.T, n int, cfg ledger.Config) *testCluster {
	sks := make([]ledger.SK, n)
	for i := range sks {
		sks[i] = ledger.GenerateSK()
	}

	var txs []ledger.Transaction
	var enrollments []ledger.Enrollment
	managers := make([]*ledger.EnrollmentManager, n)
	stakeKeys := make([]ledger.Hash, n)

	for i, sk := range sks {
		pk := sk.MustPK()
		freeze := ledger.Transaction{
			Type:    ledger.TxFreeze,
			Outputs: []ledger.Output{{Amount: 2_000_000, Lock: ledger.KeyLock(pk)}},
		}
		txs = append(txs, freeze)

		payment := ledger.Transaction{Type: ledger.TxPayment}
		for j := 0; j < 8; j++ {
			payment.Outputs = append(payment.Outputs, ledger.Output{
				Amount: 10_000, Lock: ledger.KeyLock(pk),
			})
		}
		txs = append(txs, payment)

		stakeKeys[i] = ledger.UTXOKey(freeze.Hash(), 0)
		managers[i] = ledger.NewEnrollmentManager(cfg, sk)
		enrollments = append(enrollments, *managers[i].CreateEnrollment(stakeKeys[i]))
	}

	genesis := ledger.GenesisBlock(txs, enrollments)

	c := &testCluster{
		sks:       sks,
		stakeKeys: stakeKeys,
		genesis:   genesis,
		net:       &local.Network{},
	}

	for i := range sks {
		nd, err := node.NewNode(cfg, sks[i], genesis, ethdb.NewMemDatabase(), c.net)
		require.NoError(t, err)
		nd.Ledger().Enrolls().Restore(managers[i].Export())
		nd.Ledger().SetOwnStake(stakeKeys[i])
		c.nodes = append(c.nodes, nd)

		seed := ""
		if i > 0 {
			seed = addr(0)
		}
		require.NoError(t, nd.Start(addr(i), seed))
	}

	// full mesh
	for i, nd := range c.nodes {
		for j := range c.nodes {
			if i != j {
				require.NoError(t, nd.ConnectPeer(addr(j)))
			}
		}
	}

	t.Cleanup(func() {
		for _, nd := range c.nodes {
			nd.Stop()
		}
	})
	return c
}

func addr(i int) string {
	return fmt.Sprintf("node-%d", i)
}

func (c *testCluster) waitHeight(t *testing.T, h uint64, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		done := true
		for _, nd := range c.nodes {
			if nd.Ledger().Height() < h {
				done = false
				break
			}
		}
		if done {
			return
		}
		if time.Now().After(deadline) {
			heights := make([]uint64, len(c.nodes))
			for i, nd := range c.nodes {
				heights[i] = nd.Ledger().Height()
			}
			t.Fatalf("cluster did not reach height %d in %v, heights: %v", h, timeout, heights)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func clusterConfig() ledger.Config {
	cfg := ledger.DefaultConfig()
	cfg.BlockInterval = 100 * time.Millisecond
	cfg.ValidatorCycle = 20
	cfg.MinFreezeAmount = 1_000_000
	cfg.MinFee = 1
	cfg.QuorumThreshold = 80
	cfg.BlockCatchupInterval = 300 * time.Millisecond
	return cfg
}

func TestSixValidatorBaseline(t *testing.T) {
	cfg := clusterConfig()
	cfg.TxsToNominate = 8
	c := startCluster(t, 6, cfg)

	// submit 8 valid payments referring to genesis outputs to
	// validator #0
	var payment *ledger.Transaction
	for i := range c.genesis.Txs {
		tx := &c.genesis.Txs[i]
		if tx.Type != ledger.TxPayment {
			continue
		}
		pk, err := ledger.LockPK(tx.Outputs[0].Lock)
		require.NoError(t, err)
		if string(pk) == string(c.sks[0].MustPK()) {
			payment = tx
		}
	}
	require.NotNil(t, payment)

	p0, err := c.net.Connect(addr(0), nil)
	require.NoError(t, err)

	var want []ledger.Hash
	for i := uint32(0); i < 8; i++ {
		tx := &ledger.Transaction{
			Type:   ledger.TxPayment,
			Inputs: []ledger.Input{{PrevTx: payment.Hash(), Index: i}},
			Outputs: []ledger.Output{{
				Amount: 9_000, Lock: ledger.KeyLock(c.sks[0].MustPK()),
			}},
		}
		tx.Inputs[0].Unlock = ledger.KeyUnlock(c.sks[0], tx)
		want = append(want, tx.Hash())
		require.NoError(t, p0.PutTransaction(context.Background(), tx))
	}

	c.waitHeight(t, 1, 15*time.Second)

	ledger.SortHashes(want)
	first := c.nodes[0].Ledger().Tip()
	require.Len(t, first.Txs, 8)
	for i := range first.Txs {
		assert.Equal(t, want[i], first.Txs[i].Hash())
	}

	// every validator's local chain agrees
	for _, nd := range c.nodes[1:] {
		b, err := nd.Ledger().Store().Get(1)
		require.NoError(t, err)
		assert.Equal(t, first.Hash(), b.Hash())
	}
}

func TestRecurringEnrollmentCycle(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a full validator cycle")
	}

	cfg := clusterConfig()
	cfg.ValidatorCycle = 8
	c := startCluster(t, 4, cfg)

	c.waitHeight(t, 8, 90*time.Second)

	b, err := c.nodes[0].Ledger().Store().Get(8)
	require.NoError(t, err)
	assert.Len(t, b.Header.Enrollments, 4)

	// the chain continues under the new cycle
	c.waitHeight(t, 9, 30*time.Second)

	for _, key := range c.stakeKeys {
		v, ok := c.nodes[0].Ledger().Validators().Get(key)
		require.True(t, ok)
		assert.Equal(t, uint64(8), v.EnrolledHeight)
	}
}

func TestCatchupAfterSleep(t *testing.T) {
	if testing.Short() {
		t.Skip("runs several consensus rounds")
	}

	cfg := clusterConfig()
	c := startCluster(t, 4, cfg)

	c.waitHeight(t, 2, 30*time.Second)

	// a node that stops consuming consensus still converges through
	// the block syncer
	straggler, err := node.NewNode(cfg, ledger.GenerateSK(), c.genesis, ethdb.NewMemDatabase(), c.net)
	require.NoError(t, err)
	require.NoError(t, straggler.Start(addr(99), addr(0)))
	defer straggler.Stop()

	deadline := time.Now().Add(30 * time.Second)
	for straggler.Ledger().Height() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("straggler stuck at height %d", straggler.Ledger().Height())
		}
		time.Sleep(50 * time.Millisecond)
	}

	h := straggler.Ledger().Height()
	want, err := c.nodes[0].Ledger().Store().Get(h)
	require.NoError(t, err)
	assert.Equal(t, want.Hash(), straggler.Ledger().Store().Tip().Hash())
}
