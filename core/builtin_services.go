package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// registerBuiltinServices installs the always-available global services a
// fresh Peer exposes to every particle: sig (identity/signing), srv
// (runtime Marine service management), and tracing (bounded span capture),
// the same way core/system_health_logging.go wires a handful of fixed
// diagnostic entry points onto a node at construction time.
func registerBuiltinServices(p *Peer) {
	registerSigService(p)
	registerSrvService(p)
	registerTracingService(p)
}

// --- sig ---------------------------------------------------------------

func registerSigService(p *Peer) {
	p.Services.RegisterGlobalHandler("sig", "get_peer_id", func(req CallServiceData) (json.RawMessage, error) {
		return json.Marshal(string(p.KeyPair.GetPeerID()))
	})

	localPeerID := p.KeyPair.GetPeerID()
	p.Services.RegisterGlobalHandler("sig", "sign", func(req CallServiceData) (json.RawMessage, error) {
		if !sigSecurityGuard(req, localPeerID) {
			return nil, &ServiceError{ServiceID: "sig", FnName: "sign", Message: "sig.sign: caller is not the particle's init peer"}
		}
		var payload []byte
		var arr []json.RawMessage
		if err := json.Unmarshal(req.Args, &arr); err != nil || len(arr) == 0 {
			return nil, &ServiceError{ServiceID: "sig", FnName: "sign", Message: "sig.sign: expected one byte-array argument"}
		}
		if err := json.Unmarshal(arr[0], &payload); err != nil {
			return nil, &ServiceError{ServiceID: "sig", FnName: "sign", Message: "sig.sign: argument is not a byte array"}
		}
		sig := p.KeyPair.SignBytes(payload)
		return json.Marshal(sig)
	})

	p.Services.RegisterGlobalHandler("sig", "verify", func(req CallServiceData) (json.RawMessage, error) {
		var arr []json.RawMessage
		if err := json.Unmarshal(req.Args, &arr); err != nil || len(arr) < 3 {
			return nil, &ServiceError{ServiceID: "sig", FnName: "verify", Message: "sig.verify: expected (pubkey, signature, data) arguments"}
		}
		var pub, sig, data []byte
		if err := json.Unmarshal(arr[0], &pub); err != nil {
			return nil, &ServiceError{ServiceID: "sig", FnName: "verify", Message: "sig.verify: bad pubkey argument"}
		}
		if err := json.Unmarshal(arr[1], &sig); err != nil {
			return nil, &ServiceError{ServiceID: "sig", FnName: "verify", Message: "sig.verify: bad signature argument"}
		}
		if err := json.Unmarshal(arr[2], &data); err != nil {
			return nil, &ServiceError{ServiceID: "sig", FnName: "verify", Message: "sig.verify: bad data argument"}
		}
		ok := VerifyEd25519(pub, data, sig)
		return json.Marshal(ok)
	})
}

// sigSecurityGuard restricts sig.sign to particles this peer itself
// initiated, whose tetraplets also show the request originated from that
// same init peer, mirroring the reference implementation's refusal to let a
// forwarded or foreign particle sign on another peer's behalf.
func sigSecurityGuard(req CallServiceData, localPeerID PeerID) bool {
	if req.ParticleContext.InitPeerID != localPeerID {
		return false
	}
	initPeerID := string(req.ParticleContext.InitPeerID)
	for _, group := range req.Tetraplets {
		for _, t := range group {
			if t.PeerPk != "" && t.PeerPk != initPeerID {
				return false
			}
		}
	}
	return true
}

// --- srv -----------------------------------------------------------------

func registerSrvService(p *Peer) {
	p.Services.RegisterGlobalHandler("srv", "create", func(req CallServiceData) (json.RawMessage, error) {
		var arr []json.RawMessage
		if err := json.Unmarshal(req.Args, &arr); err != nil || len(arr) == 0 {
			return nil, &ServiceError{ServiceID: "srv", FnName: "create", Message: "srv.create: expected a wasm-bytes argument"}
		}
		var wasmBytes []byte
		if err := json.Unmarshal(arr[0], &wasmBytes); err != nil {
			return nil, &ServiceError{ServiceID: "srv", FnName: "create", Message: "srv.create: argument is not a byte array"}
		}
		serviceID := fmt.Sprintf("service_%s_%d", req.ParticleContext.ParticleID, time.Now().UnixNano())
		if err := p.Marine.CreateService(wasmBytes, serviceID); err != nil {
			return nil, &ServiceError{ServiceID: "srv", FnName: "create", Message: err.Error()}
		}
		return json.Marshal(serviceID)
	})

	p.Services.RegisterGlobalHandler("srv", "remove", func(req CallServiceData) (json.RawMessage, error) {
		var arr []json.RawMessage
		if err := json.Unmarshal(req.Args, &arr); err != nil || len(arr) == 0 {
			return nil, &ServiceError{ServiceID: "srv", FnName: "remove", Message: "srv.remove: expected a serviceId argument"}
		}
		var serviceID string
		if err := json.Unmarshal(arr[0], &serviceID); err != nil {
			return nil, &ServiceError{ServiceID: "srv", FnName: "remove", Message: "srv.remove: argument is not a string"}
		}
		p.Marine.RemoveService(serviceID)
		return json.Marshal(true)
	})
}

// --- tracing ---------------------------------------------------------------

const maxTracingSpans = 512

// tracingSpan is one recorded event; fields loosely follow the shape the
// reference runtime's trace exporter emits (name, particle, timestamp).
type tracingSpan struct {
	ParticleID string          `json:"particleId"`
	Name       string          `json:"name"`
	Timestamp  int64           `json:"timestamp"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// tracingBuffer is a bounded ring of the most recent spans, kept purely for
// local introspection (e.g. the CLI's `peer trace dump`); it is not shipped
// to any external exporter.
type tracingBuffer struct {
	mu    sync.Mutex
	spans []tracingSpan
}

func (b *tracingBuffer) push(s tracingSpan) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spans = append(b.spans, s)
	if len(b.spans) > maxTracingSpans {
		b.spans = b.spans[len(b.spans)-maxTracingSpans:]
	}
}

func (b *tracingBuffer) snapshot() []tracingSpan {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]tracingSpan, len(b.spans))
	copy(out, b.spans)
	return out
}

func registerTracingService(p *Peer) {
	buf := &tracingBuffer{}
	p.tracing = buf

	p.Services.RegisterGlobalHandler("tracing", "add_span", func(req CallServiceData) (json.RawMessage, error) {
		var arr []json.RawMessage
		if err := json.Unmarshal(req.Args, &arr); err != nil || len(arr) == 0 {
			return nil, &ServiceError{ServiceID: "tracing", FnName: "add_span", Message: "tracing.add_span: expected a name argument"}
		}
		var name string
		_ = json.Unmarshal(arr[0], &name)
		var attrs json.RawMessage
		if len(arr) > 1 {
			attrs = arr[1]
		}
		buf.push(tracingSpan{
			ParticleID: req.ParticleContext.ParticleID,
			Name:       name,
			Timestamp:  req.ParticleContext.Timestamp,
			Attributes: attrs,
		})
		p.log.WithFields(logrus.Fields{
			"particle_id": req.ParticleContext.ParticleID,
			"span":        name,
		}).Info("tracing span")
		return json.Marshal(true)
	})
}

// TracingSnapshot returns the currently buffered spans, newest last.
func (p *Peer) TracingSnapshot() []tracingSpan {
	if p.tracing == nil {
		return nil
	}
	return p.tracing.snapshot()
}
