package network

import (
	"net"

	"github.com/AndrejMitrovic/constrictor/pkg/node"
)

// Network is a node.Network implementation over TCP.
type Network struct {
}

// Start listens on the address and serves incoming peers.
func (n *Network) Start(addr string, onPeerConnect func(p node.Peer), myself node.Peer) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go func() {
				p := NewPeer(conn, myself)
				if onPeerConnect != nil {
					onPeerConnect(p)
				}
			}()
		}
	}()

	return nil
}

// Connect dials a peer.
func (n *Network) Connect(addr string, myself node.Peer) (node.Peer, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	return NewPeer(conn, myself), nil
}
