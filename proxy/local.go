package proxy

import (
	"context"
	"fmt"

	"github.com/cosim-go/cosim/graph"
)

// Simulator is what an in-process simulator implements to be wrapped by a
// LocalProxy: the same operations a remote simulator exposes over the
// wire (§4.1), called directly as Go method calls instead of RPC.
type Simulator interface {
	Init(ctx context.Context, sid graph.SimID, timeResolution float64, extraParams map[string]any) (*Metadata, error)
	Create(ctx context.Context, num int, model string, params map[string]any) ([]EntityDescriptor, error)
	SetupDone(ctx context.Context) error
	Step(ctx context.Context, time int64, inputs map[string]map[string]map[string]any, maxAdvance int64) (*int64, error)
	GetData(ctx context.Context, request map[string][]string) (map[string]map[string]any, error)
	Stop(ctx context.Context) error
}

// Callback is one request a generator-style step makes back into the
// orchestrator mid-step (§4.1 "generator methods that yield futures").
type Callback struct {
	Method string
	Args   []any
	Kwargs map[string]any
}

// CallbackFunc resolves one yielded Callback and returns its result,
// exactly as a remote proxy's inbound RPC loop would.
type CallbackFunc func(ctx context.Context, cb Callback) (any, error)

// GeneratorSimulator is implemented by local simulators whose Step needs
// to call back into the orchestrator mid-step (e.g. to read another
// simulator's progress before deciding what to compute). Go has no
// Python-style generator/yield; StepWithCallbacks takes the continuation
// as a plain function instead — the proxy passes a CallbackFunc that
// resolves each callback synchronously and threads the result straight
// back into the call, which is observationally identical to resolving a
// yielded future and sending the result back into a generator (§9
// "uniform mosaik remote trait ... the local path becomes direct method
// calls").
type GeneratorSimulator interface {
	Simulator
	StepWithCallbacks(ctx context.Context, time int64, inputs map[string]map[string]map[string]any, maxAdvance int64, yield CallbackFunc) (*int64, error)
}

// LocalProxy adapts an in-process Simulator (or GeneratorSimulator) to the
// Proxy interface with no framing overhead.
type LocalProxy struct {
	sim       Simulator
	callbacks Callbacks
	self      graph.SimID
}

// NewLocalProxy wraps sim. callbacks services any generator callbacks the
// simulator makes back into the orchestrator during Step; it may be nil
// for simulators with no callback needs.
func NewLocalProxy(sim Simulator, callbacks Callbacks, self graph.SimID) *LocalProxy {
	return &LocalProxy{sim: sim, callbacks: callbacks, self: self}
}

func (p *LocalProxy) Init(ctx context.Context, sid graph.SimID, timeResolution float64, extraParams map[string]any) (*Metadata, error) {
	return p.sim.Init(ctx, sid, timeResolution, extraParams)
}

func (p *LocalProxy) Create(ctx context.Context, num int, model string, params map[string]any) ([]EntityDescriptor, error) {
	return p.sim.Create(ctx, num, model, params)
}

func (p *LocalProxy) SetupDone(ctx context.Context) error { return p.sim.SetupDone(ctx) }

func (p *LocalProxy) Step(ctx context.Context, time int64, inputs map[string]map[string]map[string]any, maxAdvance int64) (*int64, error) {
	if gen, ok := p.sim.(GeneratorSimulator); ok {
		return gen.StepWithCallbacks(ctx, time, inputs, maxAdvance, p.resolveCallback)
	}
	return p.sim.Step(ctx, time, inputs, maxAdvance)
}

func (p *LocalProxy) GetData(ctx context.Context, request map[string][]string) (map[string]map[string]any, error) {
	return p.sim.GetData(ctx, request)
}

func (p *LocalProxy) Stop(ctx context.Context) error { return p.sim.Stop(ctx) }

func (p *LocalProxy) CallExtra(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	return nil, fmt.Errorf("proxy: local simulator %s does not support extra method %q via the generic call path", p.self, method)
}

func (p *LocalProxy) resolveCallback(ctx context.Context, cb Callback) (any, error) {
	if p.callbacks == nil {
		return nil, fmt.Errorf("proxy: simulator %s yielded callback %q but has no orchestrator callback handler configured", p.self, cb.Method)
	}
	switch cb.Method {
	case "get_progress":
		target, _ := cb.Args[0].(graph.SimID)
		return p.callbacks.GetProgress(ctx, target)
	case "get_related_entities":
		target, _ := cb.Args[0].(graph.SimID)
		entities, _ := cb.Args[1].([]graph.FullID)
		return p.callbacks.GetRelatedEntities(ctx, target, entities)
	case "get_data":
		req, _ := cb.Args[0].(map[string][]string)
		return p.callbacks.GetData(ctx, p.self, req)
	case "set_data":
		data, _ := cb.Args[0].(map[string]map[string]map[string]any)
		return nil, p.callbacks.SetData(ctx, p.self, data)
	case "set_event":
		t, _ := cb.Args[0].(int64)
		payload, _ := cb.Args[1].(map[string]map[string]any)
		return nil, p.callbacks.SetEvent(ctx, p.self, t, payload)
	default:
		return nil, fmt.Errorf("proxy: unknown callback method %q from simulator %s", cb.Method, p.self)
	}
}
