// Package local is an in-process network: peers register in a shared
// table and calls dispatch directly. The multi-node tests run entire
// networks inside one process with it.
package local

import (
	"fmt"
	"sync"

	"github.com/AndrejMitrovic/constrictor/pkg/node"
)

type entry struct {
	peer          node.Peer
	onPeerConnect func(p node.Peer)
}

// Network is a local network implementation.
type Network struct {
	mu    sync.Mutex
	peers map[string]entry
}

// Start registers the peer under the given address.
func (n *Network) Start(addr string, onPeerConnect func(p node.Peer), myself node.Peer) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.peers == nil {
		n.peers = make(map[string]entry)
	}

	n.peers[addr] = entry{peer: myself, onPeerConnect: onPeerConnect}
	return nil
}

// Connect returns the peer registered under the address and announces
// the caller to it.
func (n *Network) Connect(addr string, myself node.Peer) (node.Peer, error) {
	n.mu.Lock()
	e, ok := n.peers[addr]
	n.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("peer not found: %s", addr)
	}

	if e.onPeerConnect != nil && myself != nil {
		e.onPeerConnect(myself)
	}
	return e.peer, nil
}
