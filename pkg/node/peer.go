package node

import (
	"context"

	"github.com/AndrejMitrovic/constrictor/pkg/ledger"
	"github.com/AndrejMitrovic/constrictor/pkg/scp"
)

// NodeState reports how far a peer has come in its setup.
type NodeState int

const (
	Incomplete NodeState = iota
	Complete
)

func (s NodeState) String() string {
	switch s {
	case Incomplete:
		return "Incomplete"
	case Complete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Identity is a peer's public key with a proof of possession: a
// signature of the key by itself.
type Identity struct {
	PK    ledger.PK
	Proof ledger.Sig
}

// Verify checks the proof of possession.
func (id Identity) Verify() bool {
	return id.Proof.Verify(id.PK, id.PK)
}

// NodeInfo is the peer discovery handshake payload.
type NodeInfo struct {
	State NodeState
	Peers []string
}

// Peer is the RPC surface a node exposes to the network. Every method
// either returns its result or an error; the in-process registry and a
// wire transport both satisfy it.
type Peer interface {
	GetPublicKey(ctx context.Context) (Identity, error)
	GetNodeInfo(ctx context.Context) (NodeInfo, error)
	PutTransaction(ctx context.Context, tx *ledger.Transaction) error
	ReceiveEnvelope(ctx context.Context, env *scp.Envelope) error
	SendEnrollment(ctx context.Context, e *ledger.Enrollment) error
	SendPreimage(ctx context.Context, info ledger.PreImageInfo) error
	SendBlockSig(ctx context.Context, height uint64, utxoKey ledger.Hash, share ledger.Sig) error
	GetBlockHeight(ctx context.Context) (uint64, error)
	GetBlocksFrom(ctx context.Context, height uint64, max int) ([]*ledger.Block, error)
	GetPreimage(ctx context.Context, utxoKey ledger.Hash) (ledger.PreImageInfo, error)
	GetEnrollment(ctx context.Context, utxoKey ledger.Hash) (*ledger.Enrollment, error)
	HasTransactionHash(ctx context.Context, h ledger.Hash) (bool, error)
}

// Network connects nodes: the local in-process registry in tests, a
// wire transport in production. Start announces the node and invokes
// onPeerConnect for every peer that dials in.
type Network interface {
	Start(addr string, onPeerConnect func(p Peer), myself Peer) error
	Connect(addr string, myself Peer) (Peer, error)
}
