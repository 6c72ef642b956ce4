package core

import (
	"encoding/json"
	"sync"
)

// Tetraplet is the per-argument provenance lattice attached to a call
// request by the AVM; the peer never reconstructs or re-signs it.
type Tetraplet struct {
	PeerPk    string `json:"peer_pk"`
	ServiceID string `json:"service_id"`
	FnName    string `json:"fn_name"`
	JSONPath  string `json:"json_path"`
}

// ParticleContext is the provenance envelope AVM attaches to every call
// request so a handler can see which particle and lineage it serves.
type ParticleContext struct {
	ParticleID string        `json:"particleId"`
	InitPeerID PeerID        `json:"initPeerId"`
	Timestamp  uint64        `json:"timestamp"`
	TTL        uint32        `json:"ttl"`
	Signature  []byte        `json:"signature"`
	Tetraplets [][]Tetraplet `json:"tetraplets"`
}

// CallServiceData is the call request AVM emits for a single outbound
// service call.
type CallServiceData struct {
	ServiceID       string          `json:"serviceId"`
	FnName          string          `json:"fnName"`
	Args            json.RawMessage `json:"args"`
	Tetraplets      [][]Tetraplet   `json:"tetraplets"`
	ParticleContext ParticleContext `json:"particleContext"`
}

// RetCode mirrors the AVM call result status: 0 is success, anything else is
// an application-level error.
type RetCode uint32

const (
	RetCodeSuccess RetCode = 0
	RetCodeError   RetCode = 1
)

// CallServiceResult is the outcome of dispatching a CallServiceData, either
// to Marine or to a local JS-style handler.
type CallServiceResult struct {
	RetCode RetCode         `json:"retCode"`
	Result  json.RawMessage `json:"result"`
}

// ServiceHandler implements a single (serviceId, fnName) function. Handlers
// may block; the engine invokes them off the signature-group's serial path
// so a slow handler only stalls its own lineage.
type ServiceHandler func(req CallServiceData) (json.RawMessage, error)

type serviceKey struct {
	serviceID string
	fnName    string
}

// ServiceHost is the in-process registry of local service handlers: a
// global table shared by every particle, and a per-particle table that is
// torn down when that particle expires or completes.
type ServiceHost struct {
	mu sync.RWMutex

	global      map[serviceKey]ServiceHandler
	perParticle map[string]map[serviceKey]ServiceHandler
}

// NewServiceHost constructs an empty registry.
func NewServiceHost() *ServiceHost {
	return &ServiceHost{
		global:      make(map[serviceKey]ServiceHandler),
		perParticle: make(map[string]map[serviceKey]ServiceHandler),
	}
}

// RegisterGlobalHandler installs a handler visible to every particle.
func (h *ServiceHost) RegisterGlobalHandler(serviceID, fnName string, fn ServiceHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.global[serviceKey{serviceID, fnName}] = fn
}

// RegisterParticleScopeHandler installs a handler visible only to calls
// carrying particleID in their ParticleContext.
func (h *ServiceHost) RegisterParticleScopeHandler(particleID, serviceID, fnName string, fn ServiceHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	scope, ok := h.perParticle[particleID]
	if !ok {
		scope = make(map[serviceKey]ServiceHandler)
		h.perParticle[particleID] = scope
	}
	scope[serviceKey{serviceID, fnName}] = fn
}

// RemoveParticleScopeHandlers drops every handler registered for particleID.
// Called on expiration or terminal completion so closures are not retained
// past the particle's lifetime.
func (h *ServiceHost) RemoveParticleScopeHandlers(particleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.perParticle, particleID)
}

// HasService reports whether any function is registered under serviceID,
// globally or for the given particle.
func (h *ServiceHost) HasService(particleID, serviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k := range h.global {
		if k.serviceID == serviceID {
			return true
		}
	}
	if scope, ok := h.perParticle[particleID]; ok {
		for k := range scope {
			if k.serviceID == serviceID {
				return true
			}
		}
	}
	return false
}

// CallService resolves and invokes a handler for req, preferring a
// particle-scope handler over a global one with the same (serviceId,
// fnName). It returns (nil, nil) when no handler matches, so the engine can
// fabricate a "no service found" error; a handler error is surfaced as a
// retCode=error result carrying its message (a ServiceError's Message, or
// the error text otherwise), never returned here as a Go error.
func (h *ServiceHost) CallService(req CallServiceData) (*CallServiceResult, error) {
	key := serviceKey{req.ServiceID, req.FnName}

	h.mu.RLock()
	fn, ok := h.perParticle[req.ParticleContext.ParticleID][key]
	if !ok {
		fn, ok = h.global[key]
	}
	h.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	result, err := fn(req)
	if err != nil {
		msg := err.Error()
		if svcErr, isSvcErr := err.(*ServiceError); isSvcErr {
			msg = svcErr.Message
		}
		encoded, _ := json.Marshal(msg)
		return &CallServiceResult{RetCode: RetCodeError, Result: encoded}, nil
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	return &CallServiceResult{RetCode: RetCodeSuccess, Result: result}, nil
}
