package core

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// AVMServiceID and its two mandatory functions are reserved: every Marine
// Host must have a service registered under this id before the engine can
// invoke the interpreter.
const (
	AVMServiceID  = "avm"
	AVMInvokeFn   = "invoke"
	AVMValidateFn = "ast"
)

// marineService wraps a single compiled wasmer module. The engine's
// contract requires calls on one module to be serialized, so every
// invocation holds mu for its whole duration.
type marineService struct {
	mu       sync.Mutex
	store    *wasmer.Store
	instance *wasmer.Instance
	memory   *wasmer.Memory
	alloc    wasmer.NativeFunction
}

// call invokes fnName with a JSON-encoded args blob and returns the
// JSON-encoded result the module wrote back.
//
// ABI: the module exports `alloc(size i32) -> i32` for the host to place the
// input bytes, and exports the function itself as
// `fnName(argsPtr i32, argsLen i32) -> i64`, where the high 32 bits of the
// packed i64 result are the output pointer and the low 32 bits are its
// length, both within the module's own linear memory. This mirrors the
// pointer/length host-function convention used elsewhere for WASM host
// bridging, generalized from a fixed key/value pair to a single
// variable-length blob.
func (s *marineService) call(fnName string, args []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, err := s.instance.Exports.GetFunction(fnName)
	if err != nil {
		return nil, fmt.Errorf("marine: no export %q: %w", fnName, err)
	}

	argsPtrRaw, err := s.alloc(int32(len(args)))
	if err != nil {
		return nil, fmt.Errorf("marine: alloc: %w", err)
	}
	argsPtr := argsPtrRaw.(int32)
	copy(s.memory.Data()[argsPtr:], args)

	res, err := fn(argsPtr, int32(len(args)))
	if err != nil {
		return nil, fmt.Errorf("marine: call %q: %w", fnName, err)
	}

	packed := uint64(res.(int64))
	outPtr := int32(packed >> 32)
	outLen := int32(packed & 0xffffffff)
	if outLen == 0 {
		return nil, nil
	}
	out := make([]byte, outLen)
	copy(out, s.memory.Data()[outPtr:outPtr+outLen])
	return out, nil
}

// MarineHost is a thin facade over the wasmer-based WASM runtime: it hosts
// both the mandatory AVM interpreter module and any number of user services,
// all addressed by a string serviceId.
type MarineHost struct {
	engine *wasmer.Engine
	log    *logrus.Entry

	mu       sync.RWMutex
	services map[string]*marineService
	started  bool
}

// NewMarineHost constructs a Marine Host around a fresh wasmer engine.
func NewMarineHost(log *logrus.Entry) *MarineHost {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MarineHost{
		engine:   wasmer.NewEngine(),
		log:      log.WithField("component", "marine"),
		services: make(map[string]*marineService),
	}
}

// Start marks the host ready to accept CreateService calls. It performs no
// I/O of its own; wasmer's engine is created eagerly in NewMarineHost.
func (m *MarineHost) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.log.Info("marine host started")
	return nil
}

// Stop tears down every hosted service.
func (m *MarineHost) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.services {
		delete(m.services, id)
	}
	m.started = false
	m.log.Info("marine host stopped")
	return nil
}

// CreateService compiles wasmBytes and registers it under serviceId,
// overwriting any previous service with the same id.
func (m *MarineHost) CreateService(wasmBytes []byte, serviceID string) error {
	store := wasmer.NewStore(m.engine)
	mod, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return fmt.Errorf("marine: compile %s: %w", serviceID, err)
	}

	importObject := wasmer.NewImportObject()
	instance, err := wasmer.NewInstance(mod, importObject)
	if err != nil {
		return fmt.Errorf("marine: instantiate %s: %w", serviceID, err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		instance.Close()
		return fmt.Errorf("marine: %s missing memory export: %w", serviceID, err)
	}

	alloc, err := instance.Exports.GetFunction("alloc")
	if err != nil {
		instance.Close()
		return fmt.Errorf("marine: %s missing alloc export: %w", serviceID, err)
	}

	svc := &marineService{
		store:    store,
		instance: instance,
		memory:   mem,
		alloc:    alloc,
	}

	m.mu.Lock()
	if old, ok := m.services[serviceID]; ok {
		old.instance.Close()
	}
	m.services[serviceID] = svc
	m.mu.Unlock()

	m.log.WithField("service_id", serviceID).Info("service created")
	return nil
}

// RemoveService unregisters and releases a previously created service.
func (m *MarineHost) RemoveService(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc, ok := m.services[serviceID]; ok {
		svc.instance.Close()
		delete(m.services, serviceID)
	}
}

// HasService reports whether serviceID is currently hosted.
func (m *MarineHost) HasService(serviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.services[serviceID]
	return ok
}

// CallService invokes fnName on serviceID with JSON-encoded args, returning the
// decoded JSON result. Per-service calls are serialized by marineService.mu;
// distinct services may be called concurrently.
func (m *MarineHost) CallService(serviceID, fnName string, args json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	svc, ok := m.services[serviceID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("marine: unknown service %q", serviceID)
	}

	out, err := svc.call(fnName, args)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(out), nil
}

// ValidateScript runs the mandatory AVM module's `ast` export over an AIR
// script, returning either the parsed JSON AST or an error if the module
// reports one (a result starting with "error" per the AVM ABI).
func (m *MarineHost) ValidateScript(script string) (json.RawMessage, error) {
	encoded, err := json.Marshal(script)
	if err != nil {
		return nil, err
	}
	out, err := m.CallService(AVMServiceID, AVMValidateFn, encoded)
	if err != nil {
		return nil, err
	}
	var s string
	if json.Unmarshal(out, &s) == nil && len(s) >= 5 && s[:5] == "error" {
		return nil, fmt.Errorf("marine: script validation: %s", s)
	}
	return out, nil
}
