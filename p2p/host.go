package p2p

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/canopy-network/ethy/lib"
	"github.com/cenkalti/backoff/v4"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	manet "github.com/multiformats/go-multiaddr/net"
)

const sendRetries = 3

var _ Network = new(P2P)

// P2P is the libp2p implementation of Network: one framed stream per message over a static peer set
type P2P struct {
	config     lib.P2PConfig
	host       host.Host
	protocolId protocol.ID
	handlers
	PeerSet
	metrics *lib.Metrics
	log     lib.LoggerI
}

// New() creates the libp2p host and registers the configured peers
func New(config lib.P2PConfig, metrics *lib.Metrics, log lib.LoggerI) (*P2P, lib.ErrorI) {
	priv, err := loadIdentity(config.PrivateKeyBase64)
	if err != nil {
		return nil, ErrNewHost(err)
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(config.ListenAddrs...),
	)
	if err != nil {
		return nil, ErrNewHost(err)
	}
	p := &P2P{
		config:     config,
		host:       h,
		protocolId: protocol.ID(config.ProtocolId),
		PeerSet:    NewPeerSet(),
		metrics:    metrics,
		log:        log,
	}
	for _, pc := range config.Peers {
		if _, e := p.AddPeer(pc.PeerId, pc.Addrs); e != nil {
			log.Errorf("skipping peer %s: %s", pc.PeerId, e.Error())
		}
	}
	h.SetStreamHandler(p.protocolId, p.handleStream)
	log.Infof("P2P host %s listening on %v", p.ID(), p.ListenAddrs())
	return p, nil
}

// ID() implements Network
func (p *P2P) ID() string { return p.host.ID().String() }

// Peers() implements Network
func (p *P2P) Peers() int { return p.PeerSet.Len() }

// Subscribe() implements Network
func (p *P2P) Subscribe(topic string, handler Handler) lib.ErrorI {
	return p.handlers.subscribe(topic, handler)
}

// AddPeer() registers a gossip peer
func (p *P2P) AddPeer(peerId string, addrs []string) (peer.AddrInfo, lib.ErrorI) {
	info, err := p.PeerSet.Add(peerId, addrs)
	if err != nil {
		return info, err
	}
	p.metrics.UpdatePeerMetrics(p.PeerSet.Len())
	return info, nil
}

// Start() dials every peer with backoff, then waits for the context to close the host
func (p *P2P) Start(ctx context.Context) error {
	for _, info := range p.PeerSet.List() {
		go p.DialWithBackoff(ctx, info)
	}
	<-ctx.Done()
	return p.Close()
}

// DialWithBackoff() connects to a peer, retrying until connected or the context is done
func (p *P2P) DialWithBackoff(ctx context.Context, info peer.AddrInfo) {
	_ = backoff.Retry(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout())
		defer cancel()
		return p.host.Connect(dialCtx, info)
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}

// Publish() implements Network, each peer is sent to in its own goroutine with bounded retries
func (p *P2P) Publish(ctx context.Context, topic string, payload []byte) lib.ErrorI {
	bz, err := encodeEnvelope(topic, payload)
	if err != nil {
		return err
	}
	for _, info := range p.PeerSet.List() {
		go func(info peer.AddrInfo) {
			policy := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), sendRetries)
			if e := backoff.Retry(func() error { return p.send(ctx, info, bz) }, policy); e != nil {
				p.log.Debugf("dropping %s message to %s: %s", topic, info.ID, e.Error())
			}
		}(info)
	}
	return nil
}

// ListenAddrs() returns the dialable addresses of the host
func (p *P2P) ListenAddrs() []string {
	var out, unspecified []string
	for _, addr := range p.host.Addrs() {
		full := addr.String() + "/p2p/" + p.ID()
		if ip, err := manet.ToIP(addr); err == nil && ip.IsUnspecified() {
			unspecified = append(unspecified, full)
			continue
		}
		out = append(out, full)
	}
	if len(out) == 0 {
		return unspecified
	}
	return out
}

// Close() implements Network
func (p *P2P) Close() error { return p.host.Close() }

// send() writes one framed message on a new stream
func (p *P2P) send(ctx context.Context, info peer.AddrInfo, bz []byte) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout())
	defer cancel()
	if err := p.host.Connect(dialCtx, info); err != nil {
		return ErrPeerSend(info.ID.String(), err)
	}
	stream, err := p.host.NewStream(dialCtx, info.ID, p.protocolId)
	if err != nil {
		return ErrPeerSend(info.ID.String(), err)
	}
	defer stream.Close()
	if err = stream.SetWriteDeadline(time.Now().Add(p.ioTimeout())); err != nil {
		return ErrPeerSend(info.ID.String(), err)
	}
	if err = writeFramed(stream, bz); err != nil {
		return ErrPeerSend(info.ID.String(), err)
	}
	return nil
}

// handleStream() reads one framed message and dispatches it
func (p *P2P) handleStream(stream network.Stream) {
	defer stream.Close()
	_ = stream.SetReadDeadline(time.Now().Add(p.ioTimeout()))
	from := stream.Conn().RemotePeer().String()
	bz, err := readFramed(stream, p.config.MaxMessageBytes)
	if err != nil {
		p.log.Warnf("read from %s failed: %s", from, err.Error())
		return
	}
	e, er := decodeEnvelope(bz)
	if er != nil {
		p.log.Warnf("bad envelope from %s: %s", from, er.Error())
		return
	}
	p.handlers.dispatch(from, e, p.log)
}

func (p *P2P) dialTimeout() time.Duration { return time.Duration(p.config.DialTimeoutMS) * time.Millisecond }
func (p *P2P) ioTimeout() time.Duration   { return time.Duration(p.config.IOTimeoutMS) * time.Millisecond }

// loadIdentity() decodes the base64 libp2p key, generating an ed25519 identity when empty
func loadIdentity(base64Key string) (crypto.PrivKey, error) {
	if base64Key == "" {
		priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
		return priv, err
	}
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, err
	}
	return crypto.UnmarshalPrivateKey(raw)
}

// NewIdentity() generates a base64 libp2p identity for the config
func NewIdentity() (string, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return "", err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func writeFramed(w io.Writer, data []byte) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	if _, err := bw.Write(data); err != nil {
		return err
	}
	return bw.Flush()
}

// readFramed() reads a length prefixed frame no larger than max bytes, 0 is unbounded
func readFramed(r io.Reader, max uint64) ([]byte, error) {
	br := bufio.NewReader(r)
	var length uint32
	if err := binary.Read(br, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if max != 0 && uint64(length) > max {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", length, max)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
