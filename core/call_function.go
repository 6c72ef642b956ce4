package core

import (
	"encoding/json"
	"fmt"
)

// CallbackFunc is an argument supplied to CallAquaFunction that AIR invokes
// as `call %init_peer_id% ("callbackSrv" "<name>") [...]` rather than
// resolving to a literal value.
type CallbackFunc func(args json.RawMessage) (json.RawMessage, error)

// CallAquaFunctionOptions mirrors the reference callAquaFunction call shape:
// a script, an optional ttl override, the args bound to getDataSrv/
// callbackSrv, and whether the caller needs a response value back at all.
type CallAquaFunctionOptions struct {
	Script        string
	TTL           uint32 // 0 means use the peer's configured default
	Args          map[string]interface{}
	FireAndForget bool
}

// CallAquaFunction creates a particle for Script, registers the ephemeral
// getDataSrv/callbackSrv/errorHandlingSrv services around it, hands it to
// the engine, and blocks until the engine resolves it.
func (p *Peer) CallAquaFunction(opts CallAquaFunctionOptions) (json.RawMessage, error) {
	particle, err := p.CreateNewParticle(opts.Script, opts.TTL)
	if err != nil {
		return nil, err
	}
	particleID := particle.ID

	for name, value := range opts.Args {
		name, value := name, value
		if cb, ok := value.(CallbackFunc); ok {
			p.Services.RegisterParticleScopeHandler(particleID, "callbackSrv", name, func(req CallServiceData) (json.RawMessage, error) {
				return cb(req.Args)
			})
			continue
		}
		literal, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("call-function: marshal arg %q: %w", name, err)
		}
		p.Services.RegisterParticleScopeHandler(particleID, "getDataSrv", name, func(req CallServiceData) (json.RawMessage, error) {
			return literal, nil
		})
	}

	p.Services.RegisterParticleScopeHandler(particleID, "getDataSrv", "-relay-", func(req CallServiceData) (json.RawMessage, error) {
		relay := p.Connection.GetRelayPeerID()
		return json.Marshal(string(relay))
	})

	result := make(chan json.RawMessage, 1)
	errs := make(chan error, 1)

	if !opts.FireAndForget {
		p.Services.RegisterParticleScopeHandler(particleID, "callbackSrv", "response", func(req CallServiceData) (json.RawMessage, error) {
			return firstElement(req.Args), nil
		})
	}
	p.Services.RegisterParticleScopeHandler(particleID, "errorHandlingSrv", "error", func(req CallServiceData) (json.RawMessage, error) {
		return nil, &ServiceError{ServiceID: "errorHandlingSrv", FnName: "error", Message: decodeErrorArg(req.Args)}
	})

	onSuccess := func(v json.RawMessage) { result <- v }
	onError := func(err error) { errs <- err }

	if err := p.Engine.InitiateParticle(particle, onSuccess, onError); err != nil {
		p.Services.RemoveParticleScopeHandlers(particleID)
		return nil, err
	}

	select {
	case v := <-result:
		return v, nil
	case err := <-errs:
		return nil, err
	}
}

func decodeErrorArg(args json.RawMessage) string {
	var arr []json.RawMessage
	if err := json.Unmarshal(args, &arr); err != nil || len(arr) == 0 {
		return "AIR error"
	}
	var s string
	if json.Unmarshal(arr[0], &s) == nil {
		return s
	}
	return string(arr[0])
}
