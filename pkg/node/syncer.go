package node

import (
	"context"
	"time"

	log "github.com/helinwang/log15"
)

// syncer periodically asks peers for blocks past the local tip and
// applies them. A node that slept through a few heights converges back
// to the network tip in one or two rounds.
type syncer struct {
	n    *Node
	stop chan struct{}
}

func newSyncer(n *Node) *syncer {
	return &syncer{n: n, stop: make(chan struct{})}
}

func (s *syncer) run() {
	interval := s.n.cfg.BlockCatchupInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.catchup()
		}
	}
}

// catchup fetches and applies blocks from each usable peer whose
// height is past the local tip, one peer after another. Every block
// is verified before appending; a peer serving bad blocks counts
// toward its ban score.
func (s *syncer) catchup() {
	tip := s.n.ledger.Height()

	for addr, p := range s.n.gateway.Peers() {
		var height uint64
		err := s.n.withRetries(func(ctx context.Context) error {
			var err error
			height, err = p.GetBlockHeight(ctx)
			return err
		})
		if err != nil {
			s.n.gateway.recordFailure(addr)
			continue
		}

		for height > s.n.ledger.Height() {
			from := s.n.ledger.Height() + 1
			ctx, cancel := context.WithTimeout(context.Background(), s.n.cfg.Timeout)
			blocks, err := p.GetBlocksFrom(ctx, from, 1000)
			cancel()
			if err != nil {
				s.n.gateway.recordFailure(addr)
				break
			}

			if len(blocks) == 0 {
				break
			}

			bad := false
			for _, b := range blocks {
				if err := s.n.ledger.ApplyExternalBlock(b); err != nil {
					log.Warn("catchup block rejected", "addr", addr, "height", b.Header.Height, "err", err)
					s.n.gateway.recordFailure(addr)
					bad = true
					break
				}
			}
			if bad {
				break
			}
		}
	}

	if s.n.ledger.Height() > tip {
		log.Info("catchup advanced tip", "from", tip, "to", s.n.ledger.Height())
		s.n.afterCatchup()
	}
}
