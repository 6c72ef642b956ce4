package core

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Peer ties together a local identity, the Marine and JS service hosts, the
// relay Connection, and the Execution Engine into the single object an
// application (or the CLI) drives.
type Peer struct {
	KeyPair    *KeyPair
	Marine     *MarineHost
	Services   *ServiceHost
	Connection Connection
	Engine     *Engine
	Config     PeerConfig
	log        *logrus.Entry
	tracing    *tracingBuffer
}

// NewPeer wires a Peer around an already-configured Connection and an AVM
// WASM module. kp may be nil to generate a fresh random identity.
func NewPeer(conn Connection, avmWasm []byte, kp *KeyPair, cfg PeerConfig, log *logrus.Entry) (*Peer, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if kp == nil {
		var err error
		kp, err = NewKeyPair()
		if err != nil {
			return nil, fmt.Errorf("peer: generate keypair: %w", err)
		}
	}
	if cfg.DefaultTTLMs == 0 {
		cfg = DefaultPeerConfig()
	}

	marine := NewMarineHost(log)
	if err := marine.Start(); err != nil {
		return nil, fmt.Errorf("peer: start marine: %w", err)
	}
	if err := marine.CreateService(avmWasm, AVMServiceID); err != nil {
		return nil, fmt.Errorf("peer: register avm service: %w", err)
	}

	services := NewServiceHost()
	engine := NewEngine(marine, services, conn, kp, cfg, log)

	p := &Peer{
		KeyPair:    kp,
		Marine:     marine,
		Services:   services,
		Connection: conn,
		Engine:     engine,
		Config:     cfg,
		log:        log.WithField("component", "peer"),
	}
	registerBuiltinServices(p)
	return p, nil
}

// Start starts the underlying engine (which in turn starts Marine and the
// Connection).
func (p *Peer) Start(ctx context.Context) error {
	return p.Engine.Start(ctx)
}

// Stop tears the peer down.
func (p *Peer) Stop() error {
	return p.Engine.Stop()
}

// CreateNewParticle mints a fresh particle signed by this peer's identity.
func (p *Peer) CreateNewParticle(script string, ttl uint32) (Particle, error) {
	if ttl == 0 {
		ttl = p.Config.DefaultTTLMs
	}
	return CreateNewParticle(script, p.KeyPair.GetPeerID(), ttl, p.KeyPair)
}
