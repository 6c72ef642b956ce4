package core

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"
)

// ParticleProtocol is the libp2p stream protocol particles travel on.
const ParticleProtocol protocol.ID = "/fluence/particle/2.0.0"

// RelayPresenceTopic is an ambient liveness-gossip topic a client
// publishes a heartbeat on so the relay's peer table stays accurate; it is
// additive to the request/response SendParticle contract, not part of it.
const RelayPresenceTopic = "fluence/relay-presence/1.0.0"

const maxFrameBytes = 16 << 20 // 16MiB, generous for an AIR script + data

// particleEnvelope is the wire format for a particle: a length-prefixed
// UTF-8 JSON object on ParticleProtocol.
type particleEnvelope struct {
	Action      string `json:"action"`
	ID          string `json:"id"`
	InitPeerID  string `json:"init_peer_id"`
	Timestamp   uint64 `json:"timestamp"`
	TTL         uint32 `json:"ttl"`
	Script      string `json:"script"`
	Signature   []byte `json:"signature"`
	Data        []byte `json:"data"`
}

func toEnvelope(p Particle) particleEnvelope {
	return particleEnvelope{
		Action:     "Particle",
		ID:         p.ID,
		InitPeerID: string(p.InitPeerID),
		Timestamp:  p.Timestamp,
		TTL:        p.TTL,
		Script:     p.Script,
		Signature:  p.Signature,
		Data:       p.Data,
	}
}

func (e particleEnvelope) toParticle() Particle {
	return Particle{
		ID:         e.ID,
		InitPeerID: PeerID(e.InitPeerID),
		Timestamp:  e.Timestamp,
		TTL:        e.TTL,
		Script:     e.Script,
		Signature:  e.Signature,
		Data:       e.Data,
	}
}

// Connection is the particle source/sink over the relay transport.
type Connection interface {
	Start(ctx context.Context) error
	Stop() error
	SupportsRelay() bool
	GetRelayPeerID() PeerID
	SendParticle(nextPeerIDs []PeerID, p Particle) error
	ParticleSource() <-chan Particle
}

// LibP2PConnection dials a single relay over libp2p and exchanges
// particles as length-prefixed JSON frames on ParticleProtocol, the way
// core/peer_management.go opens a fresh stream per outbound message and
// core/network.go wires a GossipSub instance for ambient broadcast.
type LibP2PConnection struct {
	host         host.Host
	pubsub       *pubsub.PubSub
	relayPeerID  PeerID
	relayAddr    string
	dialTimeout  time.Duration
	log          *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	source chan Particle
}

// ConnectionConfig carries the relay dial parameters: relay address, dial
// timeout, and (advisory) connection-check settings.
type ConnectionConfig struct {
	ListenAddr             string
	RelayMultiaddr         string
	DialTimeout            time.Duration
	SkipConnectionCheck    bool
	CheckConnectionTimeout time.Duration
}

// NewLibP2PConnection builds a Connection bound to a single relay peer.
func NewLibP2PConnection(cfg ConnectionConfig, log *logrus.Entry) (*LibP2PConnection, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.RelayMultiaddr == "" {
		return nil, fmt.Errorf("connection: relay multiaddr is required")
	}

	relayInfo, err := peer.AddrInfoFromString(cfg.RelayMultiaddr)
	if err != nil {
		return nil, fmt.Errorf("connection: invalid relay address: %w", err)
	}

	listenAddr := cfg.ListenAddr
	if listenAddr == "" {
		listenAddr = "/ip4/0.0.0.0/tcp/0"
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("connection: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(context.Background(), h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("connection: create pubsub: %w", err)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	return &LibP2PConnection{
		host:        h,
		pubsub:      ps,
		relayPeerID: PeerID(relayInfo.ID.String()),
		relayAddr:   cfg.RelayMultiaddr,
		dialTimeout: dialTimeout,
		log:         log.WithField("component", "connection"),
		source:      make(chan Particle, 64),
	}, nil
}

// Start dials the relay, installs the inbound stream handler, and joins the
// presence-gossip topic.
func (c *LibP2PConnection) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	relayInfo, err := peer.AddrInfoFromString(c.relayAddr)
	if err != nil {
		return fmt.Errorf("connection: invalid relay address: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
	defer cancel()
	if err := c.host.Connect(dialCtx, *relayInfo); err != nil {
		return fmt.Errorf("connection: dial relay: %w", err)
	}

	c.host.SetStreamHandler(ParticleProtocol, c.handleIncomingStream)

	if topic, err := c.pubsub.Join(RelayPresenceTopic); err == nil {
		go c.publishPresence(topic)
	} else {
		c.log.Warnf("relay-presence topic join failed: %v", err)
	}

	c.log.WithField("relay", c.relayPeerID).Info("connection started")
	return nil
}

func (c *LibP2PConnection) publishPresence(topic *pubsub.Topic) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = topic.Publish(c.ctx, []byte(c.host.ID().String()))
		}
	}
}

// Stop closes the libp2p host, which tears down any open streams.
func (c *LibP2PConnection) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.source != nil {
		close(c.source)
		c.source = nil
	}
	c.mu.Unlock()
	return c.host.Close()
}

// SupportsRelay always returns true: this Connection only ever talks to one
// relay.
func (c *LibP2PConnection) SupportsRelay() bool { return true }

// GetRelayPeerID returns the configured relay's peer id.
func (c *LibP2PConnection) GetRelayPeerID() PeerID { return c.relayPeerID }

// ParticleSource exposes the channel of inbound particles.
func (c *LibP2PConnection) ParticleSource() <-chan Particle { return c.source }

// SendParticle forwards p to nextPeerIDs, which per the relay policy must be
// exactly [relayPeerID].
func (c *LibP2PConnection) SendParticle(nextPeerIDs []PeerID, p Particle) error {
	if len(nextPeerIDs) != 1 || nextPeerIDs[0] != c.relayPeerID {
		return &UnsupportedRoute{Requested: nextPeerIDs, Relay: c.relayPeerID}
	}

	relayInfo, err := peer.AddrInfoFromString(c.relayAddr)
	if err != nil {
		return &SendError{ParticleID: p.ID, Err: err}
	}

	streamCtx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
	defer cancel()
	s, err := c.host.NewStream(streamCtx, relayInfo.ID, ParticleProtocol)
	if err != nil {
		return &SendError{ParticleID: p.ID, Err: err}
	}
	defer s.Close()

	if err := writeFrame(s, toEnvelope(p)); err != nil {
		return &SendError{ParticleID: p.ID, Err: err}
	}
	return nil
}

func (c *LibP2PConnection) handleIncomingStream(s network.Stream) {
	defer s.Close()
	env, err := readFrame(bufio.NewReader(s))
	if err != nil {
		c.log.Warnf("incoming particle frame: %v", err)
		return
	}
	if env.Action != "Particle" {
		c.log.Warnf("incoming frame: unexpected action %q", env.Action)
		return
	}
	c.mu.Lock()
	src := c.source
	c.mu.Unlock()
	if src == nil {
		return
	}
	select {
	case src <- env.toParticle():
	case <-c.ctx.Done():
	}
}

func writeFrame(w interface{ Write([]byte) (int, error) }, env particleEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) (particleEnvelope, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return particleEnvelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return particleEnvelope{}, fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := readFull(r, payload); err != nil {
		return particleEnvelope{}, err
	}
	var env particleEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return particleEnvelope{}, fmt.Errorf("decode particle frame: %w", err)
	}
	return env, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
