package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// PeerConfig is the process-wide configuration of one engine.
type PeerConfig struct {
	DefaultTTLMs uint32
	Debug        struct {
		PrintParticleID bool
	}
}

// DefaultPeerConfig returns the spec-mandated defaults.
func DefaultPeerConfig() PeerConfig {
	var cfg PeerConfig
	cfg.DefaultTTLMs = 7000
	cfg.Debug.PrintParticleID = false
	return cfg
}

// completion guarantees a particle's onSuccess/onError pair fires at most
// once, regardless of which pipeline path (normal dispatch, TTL timer,
// engine shutdown) triggers it.
type completion struct {
	once      sync.Once
	onSuccess func(json.RawMessage)
	onError   func(error)
}

func (c *completion) succeed(v json.RawMessage) {
	c.once.Do(func() {
		if c.onSuccess != nil {
			c.onSuccess(v)
		}
	})
}

func (c *completion) fail(err error) {
	c.once.Do(func() {
		if c.onError != nil {
			c.onError(err)
		}
	})
}

// CallResultEntry is a (key, result) pair fed back into the next AVM
// invocation for a particle lineage.
type CallResultEntry struct {
	Key    uint32
	Result CallServiceResult
}

// ParticleQueueItem is a single unit of pipeline work: a particle plus any
// call results to merge in on its next AVM invocation, and the completion
// shared by every item in its lineage.
type ParticleQueueItem struct {
	Particle    Particle
	CallResults []CallResultEntry
	comp        *completion
}

// avmInvokeArgs is marshaled as the JSON args blob for the avm/invoke call.
type avmInvokeArgs struct {
	InitPeerID     PeerID            `json:"init_peer_id"`
	CurrentPeerID  PeerID            `json:"current_peer_id"`
	Timestamp      uint64            `json:"timestamp"`
	TTL            uint32            `json:"ttl"`
	KeyFormat      string            `json:"key_format"`
	ParticleID     string            `json:"particle_id"`
	SecretKeyBytes []byte            `json:"secret_key_bytes"`
	Script         string            `json:"script"`
	PrevData       []byte            `json:"prev_data"`
	CurrentData    []byte            `json:"current_data"`
	CallResults    []CallResultEntry `json:"call_results"`
}

// CallRequestEntry is one outbound service call AVM asked the host to make.
type CallRequestEntry struct {
	Key        uint32          `json:"key"`
	ServiceID  string          `json:"serviceId"`
	FnName     string          `json:"fnName"`
	Arguments  json.RawMessage `json:"arguments"`
	Tetraplets [][]Tetraplet   `json:"tetraplets"`
}

// InterpreterResult is the decoded outcome of one avm/invoke call.
type InterpreterResult struct {
	RetCode      RetCode            `json:"retCode"`
	Data         []byte             `json:"data"`
	ErrorMessage string             `json:"errorMessage"`
	NextPeerPks  []PeerID           `json:"nextPeerPks"`
	CallRequests []CallRequestEntry `json:"callRequests"`
}

// signatureGroup owns the serial AVM state for one particle lineage. Only
// the goroutine running (*Engine).runGroup ever touches prevData; this is
// what gives the "prevData read and written only between two successive
// invocations of the same group" invariant without any lock.
type signatureGroup struct {
	ch       chan ParticleQueueItem
	prevData []byte
	comp     *completion
	timer    *time.Timer
	done     atomic.Bool

	// closed is closed by halt to wake up a pending trySend or runGroup
	// without ever closing ch itself, so a send can never race a close of
	// the channel it sends on.
	closed chan struct{}
}

func newSignatureGroup(comp *completion) *signatureGroup {
	return &signatureGroup{ch: make(chan ParticleQueueItem, 64), comp: comp, closed: make(chan struct{})}
}

// halt stops g's timer and marks it done exactly once. It reports whether
// this call performed the halt, so callers that also need to fire a
// completion callback or bump a counter only do so the first time.
func (g *signatureGroup) halt() bool {
	if !g.done.CompareAndSwap(false, true) {
		return false
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	close(g.closed)
	return true
}

// trySend delivers item to g unless g has already been halted.
func (g *signatureGroup) trySend(ctx context.Context, item ParticleQueueItem) {
	if g.done.Load() {
		return
	}
	select {
	case g.ch <- item:
	case <-g.closed:
	case <-ctx.Done():
	}
}

// Engine is the particle execution pipeline: queueing, signature-grouping,
// serial AVM invocation, call-request dispatch, forwarding and TTL
// enforcement.
type Engine struct {
	marine   *MarineHost
	services *ServiceHost
	conn     Connection
	keyPair  *KeyPair
	cfg      PeerConfig
	log      *logrus.Entry
	metrics  *engineMetrics

	mu          sync.Mutex
	groups      map[string]*signatureGroup
	initialized bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewEngine wires an Engine around its collaborators.
func NewEngine(marine *MarineHost, services *ServiceHost, conn Connection, kp *KeyPair, cfg PeerConfig, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		marine:   marine,
		services: services,
		conn:     conn,
		keyPair:  kp,
		cfg:      cfg,
		log:      log.WithField("component", "engine"),
		metrics:  newEngineMetrics(),
		groups:   make(map[string]*signatureGroup),
	}
}

// Start starts Marine, subscribes to the connection's particle source,
// starts the Connection, and flips isInitialized.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if err := e.marine.Start(); err != nil {
		return fmt.Errorf("engine: start marine: %w", err)
	}
	if !e.marine.HasService(AVMServiceID) {
		return fmt.Errorf("engine: %q service must be registered before Start", AVMServiceID)
	}
	if err := e.conn.Start(e.ctx); err != nil {
		return fmt.Errorf("engine: start connection: %w", err)
	}

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.consumeNetworkParticles()

	e.log.Info("engine started")
	return nil
}

func (e *Engine) consumeNetworkParticles() {
	defer e.wg.Done()
	for {
		select {
		case p, ok := <-e.conn.ParticleSource():
			if !ok {
				return
			}
			e.route(ParticleQueueItem{Particle: p, comp: &completion{}})
		case <-e.ctx.Done():
			return
		}
	}
}

// Stop unsubscribes from the network source, drains in-flight work, clears
// all TTL timers, and stops Marine and the Connection.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.initialized = false
	groups := e.groups
	e.groups = make(map[string]*signatureGroup)
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	for _, g := range groups {
		if g.halt() {
			g.comp.fail(&NotInitialized{})
		}
	}

	if err := e.conn.Stop(); err != nil {
		e.log.Warnf("stop connection: %v", err)
	}
	if err := e.marine.Stop(); err != nil {
		e.log.Warnf("stop marine: %v", err)
	}
	e.log.Info("engine stopped")
	return nil
}

// InitiateParticle enqueues p for processing. Exactly one of onSuccess or
// onError fires, at most once, before p's TTL timer triggers expiration.
func (e *Engine) InitiateParticle(p Particle, onSuccess func(json.RawMessage), onError func(error)) error {
	e.mu.Lock()
	initialized := e.initialized
	e.mu.Unlock()
	if !initialized {
		return &NotInitialized{}
	}
	e.route(ParticleQueueItem{
		Particle: p,
		comp:     &completion{onSuccess: onSuccess, onError: onError},
	})
	return nil
}

// MetricsHandler exposes this engine's Prometheus registry over HTTP.
func (e *Engine) MetricsHandler() http.Handler { return e.metrics.Handler() }

func sigKey(sig []byte) string { return base64.StdEncoding.EncodeToString(sig) }

// route assigns item to its signature group, creating the group's worker
// goroutine on first sight of that signature. It is the single choke point
// that enforces the "!isInitialized short-circuits" shutdown rule.
func (e *Engine) route(item ParticleQueueItem) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	key := sigKey(item.Particle.Signature)
	g, ok := e.groups[key]
	if !ok {
		g = newSignatureGroup(item.comp)
		ttl := GetActualTTL(item.Particle, time.Now())
		particle := item.Particle
		g.timer = time.AfterFunc(ttl, func() { e.expireGroup(g, particle) })
		e.groups[key] = g
		e.wg.Add(1)
		go e.runGroup(g)
	}
	e.mu.Unlock()

	g.trySend(e.ctx, item)
}

func (e *Engine) runGroup(g *signatureGroup) {
	defer e.wg.Done()
	for {
		select {
		case item := <-g.ch:
			e.processItem(g, item)
			if g.done.Load() {
				return
			}
		case <-g.closed:
			return
		case <-e.ctx.Done():
			return
		}
	}
}

// terminateGroup tears down g once its particle has reached a terminal
// state: the TTL timer is stopped, the group is dropped from the registry,
// and its closed signal channel is closed so runGroup's goroutine exits. It reports
// whether this call performed the teardown; a false result means some other
// path (a concurrent TTL expiry, or another terminal call-request result)
// already terminated the group, so the caller must not fire its completion
// callback or counter a second time.
func (e *Engine) terminateGroup(g *signatureGroup, signature []byte) bool {
	if !g.halt() {
		return false
	}
	e.mu.Lock()
	key := sigKey(signature)
	if e.groups[key] == g {
		delete(e.groups, key)
	}
	e.mu.Unlock()
	return true
}

func (e *Engine) expireGroup(g *signatureGroup, p Particle) {
	if !e.terminateGroup(g, p.Signature) {
		return
	}
	g.comp.fail(&ExpirationError{ParticleID: p.ID})
	e.services.RemoveParticleScopeHandlers(p.ID)
	e.metrics.expired.Inc()
}

// processItem implements pipeline stages 1-6 of the execution engine for a
// single queue item.
func (e *Engine) processItem(g *signatureGroup, item ParticleQueueItem) {
	p := item.Particle
	e.log.WithFields(logrus.Fields{
		"particle_id": p.ID,
		"script_head": headOf(p.Script, 64),
	}).Debug("processing particle")

	if HasExpired(p, time.Now()) {
		e.expireGroup(g, p)
		return
	}

	e.mu.Lock()
	initialized := e.initialized
	e.mu.Unlock()
	if !initialized {
		return
	}

	args := avmInvokeArgs{
		InitPeerID:     p.InitPeerID,
		CurrentPeerID:  e.keyPair.GetPeerID(),
		Timestamp:      p.Timestamp,
		TTL:            p.TTL,
		KeyFormat:      "Ed25519",
		ParticleID:     p.ID,
		SecretKeyBytes: e.keyPair.ToEd25519PrivateKey(),
		Script:         p.Script,
		PrevData:       g.prevData,
		CurrentData:    p.Data,
		CallResults:    item.CallResults,
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		if e.terminateGroup(g, p.Signature) {
			g.comp.fail(&InterpreterError{ParticleID: p.ID, Message: err.Error()})
			e.metrics.errored.Inc()
		}
		return
	}

	start := time.Now()
	out, invokeErr := e.marine.CallService(AVMServiceID, AVMInvokeFn, argsJSON)
	e.metrics.invokeLatency.Observe(time.Since(start).Seconds())

	var interp InterpreterResult
	if invokeErr == nil {
		invokeErr = json.Unmarshal(out, &interp)
	}

	// Critical section: prevData advances only on a successful invocation.
	if invokeErr == nil && interp.RetCode == RetCodeSuccess {
		g.prevData = interp.Data
	}

	if HasExpired(p, time.Now()) {
		e.expireGroup(g, p)
		return
	}

	if invokeErr != nil {
		if e.terminateGroup(g, p.Signature) {
			g.comp.fail(&InterpreterError{ParticleID: p.ID, Message: invokeErr.Error()})
			e.metrics.errored.Inc()
		}
		return
	}
	if interp.RetCode != RetCodeSuccess {
		if e.terminateGroup(g, p.Signature) {
			g.comp.fail(&InterpreterError{ParticleID: p.ID, Message: interp.ErrorMessage})
			e.metrics.errored.Inc()
		}
		return
	}

	e.dispatch(g, p, interp)
}

func (e *Engine) dispatch(g *signatureGroup, p Particle, interp InterpreterResult) {
	if len(interp.NextPeerPks) > 0 {
		forwarded := CloneWithNewData(p, interp.Data)
		if err := e.conn.SendParticle(interp.NextPeerPks, forwarded); err != nil {
			if e.terminateGroup(g, p.Signature) {
				g.comp.fail(err)
			}
			return
		}
		e.metrics.forwarded.Inc()
	}

	for _, cr := range interp.CallRequests {
		cr := cr
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dispatchCallRequest(g, p, cr)
		}()
	}

	if len(interp.NextPeerPks) == 0 && len(interp.CallRequests) == 0 {
		if e.terminateGroup(g, p.Signature) {
			g.comp.succeed(nil)
			e.services.RemoveParticleScopeHandlers(p.ID)
			e.metrics.completed.Inc()
		}
	}
}

func (e *Engine) dispatchCallRequest(g *signatureGroup, p Particle, cr CallRequestEntry) {
	req := CallServiceData{
		ServiceID:  cr.ServiceID,
		FnName:     cr.FnName,
		Args:       cr.Arguments,
		Tetraplets: cr.Tetraplets,
		ParticleContext: ParticleContext{
			ParticleID: p.ID,
			InitPeerID: p.InitPeerID,
			Timestamp:  p.Timestamp,
			TTL:        p.TTL,
			Signature:  p.Signature,
			Tetraplets: cr.Tetraplets,
		},
	}
	// errorHandlingSrv/error is reserved to deliver an AIR-reported failure
	// straight to the particle's awaiter: terminal, like callbackSrv/response,
	// but through onError instead of onSuccess.
	if cr.ServiceID == "errorHandlingSrv" && cr.FnName == "error" {
		if e.terminateGroup(g, p.Signature) {
			g.comp.fail(&InterpreterError{ParticleID: p.ID, Message: decodeErrorArg(req.Args)})
			e.services.RemoveParticleScopeHandlers(p.ID)
			e.metrics.errored.Inc()
		}
		return
	}

	result := e.execSingleCallRequest(req)

	if cr.ServiceID == "callbackSrv" && cr.FnName == "response" {
		if e.terminateGroup(g, p.Signature) {
			g.comp.succeed(firstElement(req.Args))
			e.services.RemoveParticleScopeHandlers(p.ID)
			e.metrics.completed.Inc()
		}
		return
	}

	e.route(ParticleQueueItem{
		Particle:    CloneWithNewData(p, nil),
		CallResults: []CallResultEntry{{Key: cr.Key, Result: result}},
		comp:        g.comp,
	})
}

// execSingleCallRequest resolves a call request against Marine first, then
// the local JS-style service host, synthesizing a "no service found" error
// if neither answers it.
func (e *Engine) execSingleCallRequest(req CallServiceData) CallServiceResult {
	if e.marine.HasService(req.ServiceID) {
		out, err := e.marine.CallService(req.ServiceID, req.FnName, req.Args)
		if err != nil {
			return serviceCallFailure(req, err)
		}
		return CallServiceResult{RetCode: RetCodeSuccess, Result: out}
	}

	res, err := e.services.CallService(req)
	if err != nil {
		return serviceCallFailure(req, err)
	}
	if res == nil {
		msg, _ := json.Marshal(fmt.Sprintf(
			"No service found for serviceId='%s', fnName='%s' args='%s'",
			req.ServiceID, req.FnName, string(req.Args)))
		return CallServiceResult{RetCode: RetCodeError, Result: msg}
	}
	return *res
}

func serviceCallFailure(req CallServiceData, err error) CallServiceResult {
	var msg string
	if svcErr, ok := err.(*ServiceError); ok {
		msg = svcErr.Message
	} else {
		msg = fmt.Sprintf("Service call failed. fnName=%s serviceId=%s error: %v", req.FnName, req.ServiceID, err)
	}
	encoded, _ := json.Marshal(msg)
	return CallServiceResult{RetCode: RetCodeError, Result: encoded}
}

func firstElement(args json.RawMessage) json.RawMessage {
	var arr []json.RawMessage
	if err := json.Unmarshal(args, &arr); err != nil || len(arr) == 0 {
		return json.RawMessage("null")
	}
	return arr[0]
}

func headOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
