package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethdb"
	log "github.com/helinwang/log15"

	"github.com/AndrejMitrovic/constrictor/pkg/ledger"
	"github.com/AndrejMitrovic/constrictor/pkg/scp"
)

// Node ties the ledger, the agreement engine and the network together.
type Node struct {
	cfg    ledger.Config
	key    ledger.SK
	pk     ledger.PK
	ledger *ledger.Ledger
	engine *scp.SCP
	driver *driver
	gateway *gateway
	syncer  *syncer
	net     Network
	addr    string

	mu      sync.Mutex
	state   NodeState
	stopped bool
	stop    chan struct{}
}

// NewNode builds a node over the given genesis block and backing
// database.
func NewNode(cfg ledger.Config, key ledger.SK, genesis *ledger.Block, db ethdb.Database, net Network) (*Node, error) {
	l, err := ledger.NewLedger(cfg, key, genesis, db)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:    cfg,
		key:    key,
		pk:     key.MustPK(),
		ledger: l,
		net:    net,
		stop:   make(chan struct{}),
	}
	n.driver = newDriver(n)
	n.gateway = newGateway(n, cfg)
	n.syncer = newSyncer(n)

	qset, ok := l.OwnQuorum()
	if !ok {
		// a non-validator node trusts the whole derived structure of
		// any validator; use the first derived set
		for _, q := range l.Quorums() {
			qset = q
			ok = true
			break
		}
	}
	if !ok {
		return nil, errors.New("no quorum set derivable from genesis")
	}

	engine, err := scp.New(ledger.NodeID(n.pk), qset, n.driver)
	if err != nil {
		// own-quorum insanity is a configuration error
		return nil, err
	}
	n.engine = engine
	n.registerQuorums()

	l.OnEnrollReady = func(e *ledger.Enrollment) {
		n.gateway.BroadcastEnrollment(e)
	}
	l.OnBlockAppended = func(b *ledger.Block) {
		n.afterBlock(b)
	}
	return n, nil
}

// Ledger exposes the node's ledger, mainly to tests and the RPC
// surface.
func (n *Node) Ledger() *ledger.Ledger {
	return n.ledger
}

// Addr returns the node's network address.
func (n *Node) Addr() string {
	return n.addr
}

// Start registers the node on the network and connects to the seed
// node's peers.
func (n *Node) Start(addr, seedAddr string) error {
	n.addr = addr
	err := n.net.Start(addr, func(p Peer) {
		n.gateway.AddPeer(fmt.Sprintf("conn-%p", p), p)
	}, &remote{n: n})
	if err != nil {
		return err
	}

	if seedAddr != "" {
		if err := n.ConnectPeer(seedAddr); err != nil {
			return err
		}
	}

	n.mu.Lock()
	n.state = Complete
	n.mu.Unlock()

	go n.syncer.run()
	go n.blockLoop()
	return nil
}

// ConnectPeer dials a peer and learns its peers in turn.
func (n *Node) ConnectPeer(addr string) error {
	myself := &remote{n: n}
	p, err := n.net.Connect(addr, myself)
	if err != nil {
		return err
	}

	n.gateway.AddPeer(addr, p)

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	info, err := p.GetNodeInfo(ctx)
	cancel()
	if err != nil {
		return nil
	}

	for _, peerAddr := range info.Peers {
		if peerAddr == n.addr || peerAddr == addr {
			continue
		}
		if p2, err := n.net.Connect(peerAddr, myself); err == nil {
			n.gateway.AddPeer(peerAddr, p2)
		}
	}
	return nil
}

// Stop shuts the node down cooperatively: timers are cancelled and
// in-flight peer calls abandoned.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.mu.Unlock()

	close(n.stop)
	close(n.syncer.stop)
	n.driver.timers.Close()
}

// blockLoop drives nomination at the configured block interval.
func (n *Node) blockLoop() {
	interval := n.cfg.BlockInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.TryNominate()
		}
	}
}

// TryNominate proposes the next slot's value if the pool allows it.
func (n *Node) TryNominate() {
	height := n.ledger.Height() + 1

	// reveal first so our own proposal stays active
	for _, info := range n.ledger.OwnReveals(height) {
		n.gateway.BroadcastPreimage(info)
	}

	data, ok := n.ledger.ProposeData(height)
	if !ok {
		return
	}

	n.engine.Nominate(height, data.Encode())
}

// onExternalized is called by the driver after a slot's block was
// appended.
func (n *Node) onExternalized(slot uint64) {
	b := n.ledger.Tip()
	if b.Header.Height == slot {
		// gossip our signature share for peers that have not
		// finished this slot yet
		n.broadcastOwnShare(b)
	}

	n.engine.PruneBelow(slot)
}

func (n *Node) broadcastOwnShare(b *ledger.Block) {
	vset := n.ledger.Validators()
	msg := b.Header.Encode(false)
	for _, key := range vset.ActiveValidators(b.Header.Height) {
		v, ok := vset.Get(key)
		if !ok || string(v.PK) != string(n.pk) {
			continue
		}
		n.gateway.BroadcastBlockSig(b.Header.Height, key, n.key.Sign(msg))
	}
}

// afterBlock refreshes the engine's quorum configuration from the
// ledger's new derivation.
func (n *Node) afterBlock(b *ledger.Block) {
	n.registerQuorums()

	if q, ok := n.ledger.OwnQuorum(); ok {
		if err := n.engine.UpdateQuorumSet(q); err != nil {
			// our own derived quorum failing sanity is fatal
			panic(err)
		}
	}
}

func (n *Node) afterCatchup() {
	n.afterBlock(n.ledger.Tip())
}

func (n *Node) registerQuorums() {
	for _, q := range n.ledger.Quorums() {
		n.driver.registerQuorum(q)
	}
}

// withRetries runs a peer call with the configured retry budget.
func (n *Node) withRetries(f func(ctx context.Context) error) error {
	var err error
	tries := n.cfg.MaxRetries
	if tries < 1 {
		tries = 1
	}

	for i := 0; i < tries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
		err = f(ctx)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(n.cfg.RetryDelay)
	}
	return fmt.Errorf("peer unreachable: %w", err)
}

// remote is the Peer implementation backing this node's RPC surface.
type remote struct {
	n *Node
}

func (r *remote) GetPublicKey(ctx context.Context) (Identity, error) {
	pk := r.n.pk
	return Identity{PK: pk, Proof: r.n.key.Sign(pk)}, nil
}

func (r *remote) GetNodeInfo(ctx context.Context) (NodeInfo, error) {
	r.n.mu.Lock()
	state := r.n.state
	r.n.mu.Unlock()

	return NodeInfo{State: state, Peers: r.n.gateway.PeerAddrs()}, nil
}

func (r *remote) PutTransaction(ctx context.Context, tx *ledger.Transaction) error {
	if tx == nil {
		return errors.New("nil transaction")
	}

	fee, feeErr := r.n.ledger.Pool().Fee(tx, r.n.ledger.Height())
	err := r.n.ledger.AcceptTransaction(tx)
	if errors.Is(err, ledger.ErrTxKnown) {
		return nil
	}
	if err != nil {
		// invalid transactions are dropped without a reply
		log.Debug("dropping invalid transaction", "hash", tx.Hash(), "err", err)
		return nil
	}

	if feeErr == nil {
		r.n.gateway.RelayTx(tx, fee)
	}
	go r.n.TryNominate()
	return nil
}

func (r *remote) ReceiveEnvelope(ctx context.Context, env *scp.Envelope) error {
	if env == nil {
		return errors.New("nil envelope")
	}

	pk := ledger.PK(env.Statement.NodeID[:])
	if !ledger.Sig(env.Signature).Verify(pk, env.Statement.Encode()) {
		log.Debug("dropping envelope with bad signature", "node", env.Statement.NodeID)
		return nil
	}

	if err := r.n.engine.ReceiveEnvelope(env); err != nil {
		log.Debug("dropping invalid envelope", "err", err)
	}
	return nil
}

func (r *remote) SendEnrollment(ctx context.Context, e *ledger.Enrollment) error {
	if e == nil {
		return errors.New("nil enrollment")
	}

	l := r.n.ledger
	if l.Enrolls().HasPending(e.UTXOKey) {
		return nil
	}

	err := l.Enrolls().AddEnrollment(l.Height(), e, func(key ledger.Hash) (ledger.UTXO, bool) {
		return l.UTXOSet().Peek(key)
	}, l.Validators())
	if err != nil {
		log.Debug("dropping invalid enrollment", "utxo", e.UTXOKey, "err", err)
		return nil
	}

	r.n.gateway.BroadcastEnrollment(e)
	return nil
}

func (r *remote) SendPreimage(ctx context.Context, info ledger.PreImageInfo) error {
	if err := r.n.ledger.AddPendingReveal(info); err != nil {
		log.Debug("dropping pre-image", "utxo", info.UTXOKey, "err", err)
		return nil
	}

	r.n.gateway.BroadcastPreimage(info)
	return nil
}

func (r *remote) SendBlockSig(ctx context.Context, height uint64, utxoKey ledger.Hash, share ledger.Sig) error {
	r.n.ledger.ReceiveBlockSig(height, utxoKey, share)
	return nil
}

func (r *remote) GetBlockHeight(ctx context.Context) (uint64, error) {
	return r.n.ledger.Height(), nil
}

func (r *remote) GetBlocksFrom(ctx context.Context, height uint64, max int) ([]*ledger.Block, error) {
	return r.n.ledger.Store().Range(height, max)
}

func (r *remote) GetPreimage(ctx context.Context, utxoKey ledger.Hash) (ledger.PreImageInfo, error) {
	if info, ok := r.n.ledger.PendingReveal(utxoKey); ok {
		return info, nil
	}

	if info, ok := r.n.ledger.Validators().PreImageOf(utxoKey); ok {
		return info, nil
	}
	return ledger.PreImageInfo{}, fmt.Errorf("no pre-image for %v", utxoKey)
}

func (r *remote) GetEnrollment(ctx context.Context, utxoKey ledger.Hash) (*ledger.Enrollment, error) {
	if e := r.n.ledger.Enrolls().GetPending(utxoKey); e != nil {
		return e, nil
	}
	return nil, nil
}

func (r *remote) HasTransactionHash(ctx context.Context, h ledger.Hash) (bool, error) {
	return r.n.ledger.Pool().HasEverSeen(h), nil
}
