package node

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/helinwang/log15"

	"github.com/AndrejMitrovic/constrictor/pkg/ledger"
	"github.com/AndrejMitrovic/constrictor/pkg/scp"
)

// gateway is the node's mouth and ears: it keeps the peer table,
// broadcasts consensus envelopes, paces transaction relay and tracks
// misbehaving peers.
type gateway struct {
	n   *Node
	cfg ledger.Config

	mu       sync.Mutex
	peers    map[string]Peer
	failures map[string]int
	banned   map[string]time.Time
	// consensus identity per peer, learned from its key handshake;
	// envelopes only go to peers inside the quorum
	ids map[string]scp.NodeID
	// window accounting for relay pacing
	windowStart time.Time
	windowCount int

	// suppression of already-relayed items
	relayed *lru.Cache
}

func newGateway(n *Node, cfg ledger.Config) *gateway {
	relayed, err := lru.New(cfg.RelayTxCacheExp)
	if err != nil {
		// should not happen
		panic(err)
	}

	return &gateway{
		n:        n,
		cfg:      cfg,
		peers:    make(map[string]Peer),
		failures: make(map[string]int),
		banned:   make(map[string]time.Time),
		ids:      make(map[string]scp.NodeID),
		relayed:  relayed,
	}
}

// AddPeer registers a connected peer and resolves its identity in the
// background.
func (g *gateway) AddPeer(addr string, p Peer) {
	g.mu.Lock()
	g.peers[addr] = p
	g.mu.Unlock()

	if p == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
		defer cancel()

		id, err := p.GetPublicKey(ctx)
		if err != nil || !id.Verify() {
			return
		}

		g.mu.Lock()
		g.ids[addr] = ledger.NodeID(id.PK)
		g.mu.Unlock()
	}()
}

// Peers returns the usable (non-banned) peers.
func (g *gateway) Peers() map[string]Peer {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	out := make(map[string]Peer, len(g.peers))
	for addr, p := range g.peers {
		if until, ok := g.banned[addr]; ok {
			if now.Before(until) {
				continue
			}
			delete(g.banned, addr)
			g.failures[addr] = 0
		}
		out[addr] = p
	}
	return out
}

// PeerAddrs returns the known peer addresses.
func (g *gateway) PeerAddrs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.peers))
	for addr := range g.peers {
		out = append(out, addr)
	}
	return out
}

// recordFailure bumps a peer's failure count and bans it past the
// configured limit.
func (g *gateway) recordFailure(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures[addr]++
	if g.cfg.MaxFailedRequests > 0 && g.failures[addr] > g.cfg.MaxFailedRequests {
		g.banned[addr] = time.Now().Add(g.cfg.BanDuration)
		log.Warn("peer banned", "addr", addr, "failures", g.failures[addr])
	}
}

func (g *gateway) recordSuccess(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures[addr] = 0
}

// each runs f against every usable peer, one goroutine per peer, with
// the per-call timeout applied; gossip is fire-and-forget.
func (g *gateway) each(f func(ctx context.Context, addr string, p Peer) error) {
	for addr, p := range g.Peers() {
		addr, p := addr, p
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
			defer cancel()

			if err := f(ctx, addr, p); err != nil {
				g.recordFailure(addr)
				log.Debug("peer send failed", "addr", addr, "err", err)
				return
			}
			g.recordSuccess(addr)
		}()
	}
}

// BroadcastEnvelope sends a consensus envelope to every peer whose
// client is in the quorum. A peer whose identity has not resolved yet
// still receives it; skipping it could stall a slot during startup.
func (g *gateway) BroadcastEnvelope(env *scp.Envelope, members map[scp.NodeID]bool) {
	g.mu.Lock()
	ids := make(map[string]scp.NodeID, len(g.ids))
	for addr, id := range g.ids {
		ids[addr] = id
	}
	g.mu.Unlock()

	g.each(func(ctx context.Context, addr string, p Peer) error {
		if members != nil {
			if id, ok := ids[addr]; ok && !members[id] {
				return nil
			}
		}
		return p.ReceiveEnvelope(ctx, env)
	})
}

// RelayTx gossips an accepted transaction, subject to the relay
// pacing: a minimum relay fee, a per-interval cap and an ever-relayed
// cache.
func (g *gateway) RelayTx(tx *ledger.Transaction, fee uint64) {
	if fee < g.cfg.RelayTxMinFee {
		return
	}

	h := tx.Hash()
	if ok, _ := g.relayed.ContainsOrAdd(h, true); ok {
		return
	}

	g.mu.Lock()
	now := time.Now()
	if g.cfg.RelayTxInterval > 0 && now.Sub(g.windowStart) > g.cfg.RelayTxInterval {
		g.windowStart = now
		g.windowCount = 0
	}
	if g.cfg.RelayTxMaxNum > 0 && g.windowCount >= g.cfg.RelayTxMaxNum {
		g.mu.Unlock()
		return
	}
	g.windowCount++
	g.mu.Unlock()

	g.each(func(ctx context.Context, addr string, p Peer) error {
		has, err := p.HasTransactionHash(ctx, h)
		if err == nil && has {
			return nil
		}
		return p.PutTransaction(ctx, tx)
	})
}

// BroadcastEnrollment gossips an enrollment.
func (g *gateway) BroadcastEnrollment(e *ledger.Enrollment) {
	if ok, _ := g.relayed.ContainsOrAdd(e.Hash(), true); ok {
		return
	}

	g.each(func(ctx context.Context, addr string, p Peer) error {
		return p.SendEnrollment(ctx, e)
	})
}

// BroadcastPreimage gossips a pre-image reveal.
func (g *gateway) BroadcastPreimage(info ledger.PreImageInfo) {
	key := ledger.SHA3(info.UTXOKey[:], info.Hash[:])
	if ok, _ := g.relayed.ContainsOrAdd(key, true); ok {
		return
	}

	g.each(func(ctx context.Context, addr string, p Peer) error {
		return p.SendPreimage(ctx, info)
	})
}

// BroadcastBlockSig gossips this node's header signature share.
func (g *gateway) BroadcastBlockSig(height uint64, utxoKey ledger.Hash, share ledger.Sig) {
	g.each(func(ctx context.Context, addr string, p Peer) error {
		return p.SendBlockSig(ctx, height, utxoKey, share)
	})
}
