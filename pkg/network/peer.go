package network

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net"
	"sync"

	log "github.com/helinwang/log15"

	"github.com/AndrejMitrovic/constrictor/pkg/ledger"
	"github.com/AndrejMitrovic/constrictor/pkg/node"
	"github.com/AndrejMitrovic/constrictor/pkg/scp"
)

type packetType int

const (
	putTransactionArg packetType = iota
	receiveEnvelopeArg
	sendEnrollmentArg
	sendPreimageArg
	sendBlockSigArg
	getPublicKeyArg
	getPublicKeyRet
	getNodeInfoArg
	getNodeInfoRet
	getBlockHeightArg
	getBlockHeightRet
	getBlocksFromArg
	getBlocksFromRet
	getPreimageArg
	getPreimageRet
	getEnrollmentArg
	getEnrollmentRet
	hasTransactionArg
	hasTransactionRet
)

type packet struct {
	T    packetType
	Data []byte
}

type blockSigArg struct {
	Height  uint64
	UTXOKey ledger.Hash
	Share   ledger.Sig
}

type blocksFromArg struct {
	Height uint64
	Max    int
}

type blocksFromRet struct {
	Blocks [][]byte
	Err    string
}

type preimageRet struct {
	Info ledger.PreImageInfo
	Err  string
}

type enrollmentRet struct {
	Enrollment *ledger.Enrollment
}

// Peer is a rudimentary RPC client/server pair over one TCP
// connection: incoming calls forward to myself, outgoing calls encode
// a packet and wait on the matching return channel. Concurrent calls
// of the same returning method are not supported, matching how the
// node uses them.
type Peer struct {
	myself node.Peer
	conn   net.Conn

	writeMu sync.Mutex
	enc     *gob.Encoder

	pkRetCh     chan node.Identity
	infoRetCh   chan node.NodeInfo
	heightRetCh chan uint64
	blocksRetCh chan blocksFromRet
	preimgRetCh chan preimageRet
	enrollRetCh chan enrollmentRet
	hasTxRetCh  chan bool

	mu  sync.Mutex
	err error
}

// NewPeer creates a peer over an established connection.
func NewPeer(conn net.Conn, myself node.Peer) *Peer {
	p := &Peer{
		myself:      myself,
		conn:        conn,
		enc:         gob.NewEncoder(conn),
		pkRetCh:     make(chan node.Identity, 10),
		infoRetCh:   make(chan node.NodeInfo, 10),
		heightRetCh: make(chan uint64, 10),
		blocksRetCh: make(chan blocksFromRet, 10),
		preimgRetCh: make(chan preimageRet, 10),
		enrollRetCh: make(chan enrollmentRet, 10),
		hasTxRetCh:  make(chan bool, 10),
	}

	go p.read()
	return p
}

func (p *Peer) onErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()

	if cerr := p.conn.Close(); cerr != nil {
		log.Debug("close TCP conn error", "err", cerr)
	}
}

func gobEncode(v interface{}) []byte {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(v)
	if err != nil {
		// all encoded types are gob-safe
		panic(err)
	}
	return buf.Bytes()
}

func (p *Peer) send(t packetType, v interface{}) error {
	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	err := p.enc.Encode(packet{T: t, Data: gobEncode(v)})
	if err != nil {
		p.onErr(err)
	}
	return err
}

// nolint: gocyclo
func (p *Peer) read() {
	background := context.Background()
	dec := gob.NewDecoder(p.conn)
	for {
		var pac packet
		err := dec.Decode(&pac)
		if err != nil {
			p.onErr(err)
			return
		}

		dataDec := gob.NewDecoder(bytes.NewReader(pac.Data))
		switch pac.T {
		case putTransactionArg:
			var raw []byte
			if err := dataDec.Decode(&raw); err != nil {
				p.onErr(err)
				return
			}
			tx, err := ledger.DecodeTransaction(raw)
			if err != nil {
				log.Debug("dropping undecodable transaction", "err", err)
				continue
			}
			_ = p.myself.PutTransaction(background, tx)
		case receiveEnvelopeArg:
			var env scp.Envelope
			if err := dataDec.Decode(&env); err != nil {
				p.onErr(err)
				return
			}
			_ = p.myself.ReceiveEnvelope(background, &env)
		case sendEnrollmentArg:
			var e ledger.Enrollment
			if err := dataDec.Decode(&e); err != nil {
				p.onErr(err)
				return
			}
			_ = p.myself.SendEnrollment(background, &e)
		case sendPreimageArg:
			var info ledger.PreImageInfo
			if err := dataDec.Decode(&info); err != nil {
				p.onErr(err)
				return
			}
			_ = p.myself.SendPreimage(background, info)
		case sendBlockSigArg:
			var arg blockSigArg
			if err := dataDec.Decode(&arg); err != nil {
				p.onErr(err)
				return
			}
			_ = p.myself.SendBlockSig(background, arg.Height, arg.UTXOKey, arg.Share)
		case getPublicKeyArg:
			id, _ := p.myself.GetPublicKey(background)
			if err := p.send(getPublicKeyRet, id); err != nil {
				return
			}
		case getPublicKeyRet:
			var id node.Identity
			if err := dataDec.Decode(&id); err != nil {
				p.onErr(err)
				return
			}
			p.pkRetCh <- id
		case getNodeInfoArg:
			info, _ := p.myself.GetNodeInfo(background)
			if err := p.send(getNodeInfoRet, info); err != nil {
				return
			}
		case getNodeInfoRet:
			var info node.NodeInfo
			if err := dataDec.Decode(&info); err != nil {
				p.onErr(err)
				return
			}
			p.infoRetCh <- info
		case getBlockHeightArg:
			h, _ := p.myself.GetBlockHeight(background)
			if err := p.send(getBlockHeightRet, h); err != nil {
				return
			}
		case getBlockHeightRet:
			var h uint64
			if err := dataDec.Decode(&h); err != nil {
				p.onErr(err)
				return
			}
			p.heightRetCh <- h
		case getBlocksFromArg:
			var arg blocksFromArg
			if err := dataDec.Decode(&arg); err != nil {
				p.onErr(err)
				return
			}
			blocks, err := p.myself.GetBlocksFrom(background, arg.Height, arg.Max)
			var ret blocksFromRet
			if err != nil {
				ret.Err = err.Error()
			} else {
				for _, b := range blocks {
					ret.Blocks = append(ret.Blocks, b.Encode())
				}
			}
			if err := p.send(getBlocksFromRet, ret); err != nil {
				return
			}
		case getBlocksFromRet:
			var ret blocksFromRet
			if err := dataDec.Decode(&ret); err != nil {
				p.onErr(err)
				return
			}
			p.blocksRetCh <- ret
		case getPreimageArg:
			var key ledger.Hash
			if err := dataDec.Decode(&key); err != nil {
				p.onErr(err)
				return
			}
			info, err := p.myself.GetPreimage(background, key)
			ret := preimageRet{Info: info}
			if err != nil {
				ret.Err = err.Error()
			}
			if err := p.send(getPreimageRet, ret); err != nil {
				return
			}
		case getPreimageRet:
			var ret preimageRet
			if err := dataDec.Decode(&ret); err != nil {
				p.onErr(err)
				return
			}
			p.preimgRetCh <- ret
		case getEnrollmentArg:
			var key ledger.Hash
			if err := dataDec.Decode(&key); err != nil {
				p.onErr(err)
				return
			}
			e, _ := p.myself.GetEnrollment(background, key)
			if err := p.send(getEnrollmentRet, enrollmentRet{Enrollment: e}); err != nil {
				return
			}
		case getEnrollmentRet:
			var ret enrollmentRet
			if err := dataDec.Decode(&ret); err != nil {
				p.onErr(err)
				return
			}
			p.enrollRetCh <- ret
		case hasTransactionArg:
			var h ledger.Hash
			if err := dataDec.Decode(&h); err != nil {
				p.onErr(err)
				return
			}
			has, _ := p.myself.HasTransactionHash(background, h)
			if err := p.send(hasTransactionRet, has); err != nil {
				return
			}
		case hasTransactionRet:
			var has bool
			if err := dataDec.Decode(&has); err != nil {
				p.onErr(err)
				return
			}
			p.hasTxRetCh <- has
		default:
			p.onErr(errors.New("unknown packet type"))
			return
		}
	}
}

func wait[T any](ctx context.Context, ch chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Peer interface implementation (outgoing calls).

func (p *Peer) GetPublicKey(ctx context.Context) (node.Identity, error) {
	if err := p.send(getPublicKeyArg, true); err != nil {
		return node.Identity{}, err
	}
	return wait(ctx, p.pkRetCh)
}

func (p *Peer) GetNodeInfo(ctx context.Context) (node.NodeInfo, error) {
	if err := p.send(getNodeInfoArg, true); err != nil {
		return node.NodeInfo{}, err
	}
	return wait(ctx, p.infoRetCh)
}

func (p *Peer) PutTransaction(ctx context.Context, tx *ledger.Transaction) error {
	return p.send(putTransactionArg, tx.EncodeFull())
}

func (p *Peer) ReceiveEnvelope(ctx context.Context, env *scp.Envelope) error {
	return p.send(receiveEnvelopeArg, env)
}

func (p *Peer) SendEnrollment(ctx context.Context, e *ledger.Enrollment) error {
	return p.send(sendEnrollmentArg, e)
}

func (p *Peer) SendPreimage(ctx context.Context, info ledger.PreImageInfo) error {
	return p.send(sendPreimageArg, info)
}

func (p *Peer) SendBlockSig(ctx context.Context, height uint64, utxoKey ledger.Hash, share ledger.Sig) error {
	return p.send(sendBlockSigArg, blockSigArg{Height: height, UTXOKey: utxoKey, Share: share})
}

func (p *Peer) GetBlockHeight(ctx context.Context) (uint64, error) {
	if err := p.send(getBlockHeightArg, true); err != nil {
		return 0, err
	}
	return wait(ctx, p.heightRetCh)
}

func (p *Peer) GetBlocksFrom(ctx context.Context, height uint64, max int) ([]*ledger.Block, error) {
	if err := p.send(getBlocksFromArg, blocksFromArg{Height: height, Max: max}); err != nil {
		return nil, err
	}

	ret, err := wait(ctx, p.blocksRetCh)
	if err != nil {
		return nil, err
	}
	if ret.Err != "" {
		return nil, errors.New(ret.Err)
	}

	out := make([]*ledger.Block, 0, len(ret.Blocks))
	for _, raw := range ret.Blocks {
		b, err := ledger.DecodeBlock(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (p *Peer) GetPreimage(ctx context.Context, utxoKey ledger.Hash) (ledger.PreImageInfo, error) {
	if err := p.send(getPreimageArg, utxoKey); err != nil {
		return ledger.PreImageInfo{}, err
	}

	ret, err := wait(ctx, p.preimgRetCh)
	if err != nil {
		return ledger.PreImageInfo{}, err
	}
	if ret.Err != "" {
		return ledger.PreImageInfo{}, errors.New(ret.Err)
	}
	return ret.Info, nil
}

func (p *Peer) GetEnrollment(ctx context.Context, utxoKey ledger.Hash) (*ledger.Enrollment, error) {
	if err := p.send(getEnrollmentArg, utxoKey); err != nil {
		return nil, err
	}

	ret, err := wait(ctx, p.enrollRetCh)
	if err != nil {
		return nil, err
	}
	return ret.Enrollment, nil
}

func (p *Peer) HasTransactionHash(ctx context.Context, h ledger.Hash) (bool, error) {
	if err := p.send(hasTransactionArg, h); err != nil {
		return false, err
	}
	return wait(ctx, p.hasTxRetCh)
}
