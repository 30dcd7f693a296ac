// Package world assembles a World/Run (§3): the frozen dependency graph,
// one Task per simulator wired to its proxy, and the scheduler that drives
// them. Scenario construction itself (the user-level API for declaring
// simulators, entities, and connections) is out of core scope per §1; this
// package is the thin orchestrator entrypoint that core scope assumes
// already exists upstream of it.
package world

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cosim-go/cosim/graph"
	"github.com/cosim-go/cosim/proxy"
	"github.com/cosim-go/cosim/scheduler"
	"github.com/cosim-go/cosim/tieredtime"
)

// CurrentAPIVersion is the orchestrator's own protocol version ceiling
// (§4.1 init contract).
var CurrentAPIVersion = proxy.APIVersion{Major: 3, Minor: 0}

// Options configures a World's scheduler run (§1 ADDED configuration).
type Options struct {
	Until             tieredtime.TieredTime
	MaxLoopIterations int
	RTFactor          float64
	RTStrict          bool
	TimeResolution    float64
	ShutdownTimeout   time.Duration
	Metrics           scheduler.MetricsSink
}

// simRecord is what World remembers about a declared simulator between
// AddSimulator and Build.
type simRecord struct {
	sid         graph.SimID
	proxy       proxy.Proxy
	extraParams map[string]any
	meta        *proxy.Metadata
}

// World holds the simulators, entities, and connections declared before
// Build freezes them into a graph.Graph and hands it to a scheduler.Scheduler
// (§3 World/Run state).
type World struct {
	opts Options
	g    *graph.Graph

	sims     map[graph.SimID]*simRecord
	entities map[graph.FullID]*graph.Entity

	order []graph.SimID // declaration order; recorded only, setup and shutdown do not consult it

	sched *scheduler.Scheduler
	built bool
}

// New creates an empty World.
func New(opts Options) *World {
	return &World{
		opts:     opts,
		g:        graph.New(),
		sims:     make(map[graph.SimID]*simRecord),
		entities: make(map[graph.FullID]*graph.Entity),
	}
}

// AddSimulator declares sid backed by p, calling init() immediately so
// Build can validate metadata and compute attribute partitions before any
// connection references it (§4.1, §6).
func (w *World) AddSimulator(ctx context.Context, sid graph.SimID, p proxy.Proxy, declaredVersion string, extraParams map[string]any) error {
	if w.built {
		return fmt.Errorf("world: cannot add simulator %q after Build", sid)
	}
	if _, exists := w.sims[sid]; exists {
		return fmt.Errorf("world: duplicate simulator id %q", sid)
	}

	meta, err := p.Init(ctx, sid, w.opts.TimeResolution, extraParams)
	if err != nil {
		return fmt.Errorf("world: simulator %s init: %w", sid, err)
	}
	if err := proxy.ValidateMetadata(meta, declaredVersion, CurrentAPIVersion); err != nil {
		return fmt.Errorf("world: simulator %s: %w", sid, err)
	}
	for name, spec := range meta.Models {
		proxy.ApplyTypeDefaults(meta.Type, &spec)
		meta.Models[name] = spec
	}

	w.sims[sid] = &simRecord{sid: sid, proxy: p, extraParams: extraParams, meta: meta}
	w.order = append(w.order, sid)

	if err := w.g.AddNode(&graph.Node{Sid: sid, Type: meta.Type, Models: meta.Models, Group: -1}); err != nil {
		return fmt.Errorf("world: %w", err)
	}
	logrus.WithFields(logrus.Fields{"sid": sid, "type": meta.Type, "api_version": meta.APIVersion}).Info("world: simulator initialized")
	return nil
}

// CreateEntities calls create() on sid and registers the returned
// descriptors as graph.Entity values, flattening any declared children
// (§4.1 create contract).
func (w *World) CreateEntities(ctx context.Context, sid graph.SimID, num int, model string, params map[string]any) ([]graph.Entity, error) {
	rec, ok := w.sims[sid]
	if !ok {
		return nil, fmt.Errorf("world: create: unknown simulator %q", sid)
	}
	descs, err := rec.proxy.Create(ctx, num, model, params)
	if err != nil {
		return nil, fmt.Errorf("world: simulator %s create(%d,%s): %w", sid, num, model, err)
	}
	if err := proxy.ValidateCreateResult(string(sid), num, model, descs); err != nil {
		return nil, err
	}

	var out []graph.Entity
	var flatten func(d proxy.EntityDescriptor, parent graph.EntityID)
	flatten = func(d proxy.EntityDescriptor, parent graph.EntityID) {
		e := graph.Entity{Sid: sid, Eid: graph.EntityID(d.Eid), Model: d.Type, Parent: parent}
		for _, r := range d.Rel {
			e.Rels = append(e.Rels, parseFullID(r))
		}
		w.entities[e.Full()] = &e
		out = append(out, e)
		for _, child := range d.Children {
			flatten(child, e.Eid)
		}
	}
	for _, d := range descs {
		flatten(d, "")
	}
	return out, nil
}

func parseFullID(s string) graph.FullID {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return graph.FullID{Sid: graph.SimID(s[:i]), Eid: graph.EntityID(s[i+1:])}
		}
	}
	return graph.FullID{Eid: graph.EntityID(s)}
}

// ModelSpec returns sid's declared attribute partition for model, as
// returned from its init() metadata, for callers (the scenario-assembly
// layer) computing a connection's trigger set before calling Connect.
func (w *World) ModelSpec(sid graph.SimID, model string) (graph.ModelSpec, bool) {
	rec, ok := w.sims[sid]
	if !ok {
		return graph.ModelSpec{}, false
	}
	spec, ok := rec.meta.Models[model]
	return spec, ok
}

// EntityModel returns the model name full was created as, for callers
// resolving a connection's trigger set.
func (w *World) EntityModel(full graph.FullID) (string, bool) {
	e, ok := w.entities[full]
	if !ok {
		return "", false
	}
	return e.Model, true
}

// Connect declares a dependency edge between two simulators' entities
// (§3 Connection). Any Delay the caller sets is not kept: Build calls
// Graph.Freeze, which recomputes every connection's Delay once groups are
// formed.
func (w *World) Connect(c *graph.Connection) error {
	if w.built {
		return fmt.Errorf("world: cannot connect after Build")
	}
	return w.g.AddConnection(c)
}

// Build freezes the graph, constructs one Task per simulator via the
// scheduler, and registers every created entity and output request. Call
// exactly once, after every simulator/entity/connection has been declared.
func (w *World) Build() error {
	if w.built {
		return fmt.Errorf("world: Build called twice")
	}
	if err := w.g.Freeze(); err != nil {
		return fmt.Errorf("world: %w", err)
	}

	sims := make(map[graph.SimID]proxy.Proxy, len(w.sims))
	for sid, rec := range w.sims {
		sims[sid] = rec.proxy
	}

	sched, err := scheduler.New(w.g, sims, scheduler.Config{
		Until:             w.opts.Until,
		MaxLoopIterations: w.opts.MaxLoopIterations,
		RTFactor:          w.opts.RTFactor,
		RTStrict:          w.opts.RTStrict,
		Metrics:           w.opts.Metrics,
	})
	if err != nil {
		return fmt.Errorf("world: %w", err)
	}
	w.sched = sched

	for full, e := range w.entities {
		if t := sched.Task(full.Sid); t != nil {
			t.RegisterEntity(e)
		}
	}
	w.computeOutputRequests()

	for sid, rec := range w.sims {
		if err := rec.proxy.SetupDone(context.Background()); err != nil {
			return fmt.Errorf("world: simulator %s setup_done: %w", sid, err)
		}
	}

	w.built = true
	return nil
}

// computeOutputRequests installs, per simulator, the union of attributes
// any outgoing connection reads — the get_data request each task issues
// during PUBLISHING (§4.4).
func (w *World) computeOutputRequests() {
	for sid := range w.sims {
		request := make(map[string][]string)
		seen := make(map[string]map[string]struct{})
		for _, c := range append(append([]*graph.Connection(nil), w.g.ImmediateSuccessors(sid)...), w.g.ShiftedSuccessors(sid)...) {
			for _, link := range c.Links {
				eid := string(link.SrcEntity)
				byAttr, ok := seen[eid]
				if !ok {
					byAttr = make(map[string]struct{})
					seen[eid] = byAttr
				}
				for _, m := range link.Attrs {
					if _, dup := byAttr[m.SrcAttr]; dup {
						continue
					}
					byAttr[m.SrcAttr] = struct{}{}
					request[eid] = append(request[eid], m.SrcAttr)
				}
			}
		}
		if t := w.sched.Task(sid); t != nil {
			t.SetOutputRequest(request)
		}
	}
}

// Callbacks returns the scheduler's proxy.Callbacks implementation once
// Build has run, or nil beforehand. Proxies that need to service inbound
// simulator requests (get_progress, get_data, set_data, set_event) are
// constructed before Build, so they hold a LazyCallbacks wrapping the
// World itself rather than this return value directly.
func (w *World) Callbacks() proxy.Callbacks {
	if w.sched == nil {
		return nil
	}
	return w.sched
}

// LazyCallbacks defers to w.Callbacks(), resolving to the real scheduler
// once Build has completed. Proxies are constructed (and may start
// servicing inbound requests) before the scheduler exists, so they are
// handed a LazyCallbacks instead of a direct proxy.Callbacks reference.
type LazyCallbacks struct{ W *World }

func (l LazyCallbacks) GetProgress(ctx context.Context, sid graph.SimID) (float64, error) {
	return l.W.Callbacks().GetProgress(ctx, sid)
}

func (l LazyCallbacks) GetRelatedEntities(ctx context.Context, sid graph.SimID, entities []graph.FullID) (map[graph.FullID][]graph.FullID, error) {
	return l.W.Callbacks().GetRelatedEntities(ctx, sid, entities)
}

func (l LazyCallbacks) GetData(ctx context.Context, requester graph.SimID, request map[string][]string) (map[string]map[string]any, error) {
	return l.W.Callbacks().GetData(ctx, requester, request)
}

func (l LazyCallbacks) SetData(ctx context.Context, requester graph.SimID, data map[string]map[string]map[string]any) error {
	return l.W.Callbacks().SetData(ctx, requester, data)
}

func (l LazyCallbacks) SetEvent(ctx context.Context, requester graph.SimID, time int64, payload map[string]map[string]any) error {
	return l.W.Callbacks().SetEvent(ctx, requester, time, payload)
}

// Run drives every simulator to completion (§4.4) or until ctx ends.
func (w *World) Run(ctx context.Context) error {
	if !w.built {
		return fmt.Errorf("world: Run called before Build")
	}
	return w.sched.Run(ctx)
}

// Shutdown stops every simulator's proxy with a bounded per-proxy timeout.
// The scheduler is given no dependency order, so proxies are stopped in
// reverse lexicographic sid order, not in reverse dependency order.
func (w *World) Shutdown() {
	if w.sched == nil {
		return
	}
	timeout := w.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w.sched.Shutdown(timeout)
}

// debugDump is the JSON shape of DebugDump, grounded on mosaik's
// _debug.py world inspector: entities and connections, for post-mortem
// reading rather than programmatic use.
type debugDump struct {
	Simulators []debugSim  `json:"simulators"`
	Entities   []debugEnt  `json:"entities"`
	Edges      []debugEdge `json:"edges"`
}

type debugSim struct {
	Sid  string `json:"sid"`
	Type string `json:"type"`
}

type debugEnt struct {
	Sid    string `json:"sid"`
	Eid    string `json:"eid"`
	Model  string `json:"model"`
	Parent string `json:"parent,omitempty"`
}

type debugEdge struct {
	Src         string `json:"src"`
	Dst         string `json:"dst"`
	Weak        bool   `json:"weak"`
	TimeShifted int    `json:"time_shifted"`
	AsyncReqs   bool   `json:"async_requests"`
}

// DebugDump renders the current graph and entity set as indented JSON for
// post-mortem inspection (§3 ADDED, grounded on mosaik's _debug.py).
func (w *World) DebugDump() string {
	dump := debugDump{}
	for sid, rec := range w.sims {
		dump.Simulators = append(dump.Simulators, debugSim{Sid: string(sid), Type: string(rec.meta.Type)})
	}
	for full, e := range w.entities {
		dump.Entities = append(dump.Entities, debugEnt{
			Sid: string(full.Sid), Eid: string(full.Eid), Model: e.Model, Parent: string(e.Parent),
		})
	}
	for sid := range w.sims {
		for _, c := range w.g.ImmediateSuccessors(sid) {
			dump.Edges = append(dump.Edges, debugEdge{Src: string(c.Src), Dst: string(c.Dst), Weak: c.Weak, AsyncReqs: c.AsyncReqs})
		}
		for _, c := range w.g.ShiftedSuccessors(sid) {
			dump.Edges = append(dump.Edges, debugEdge{Src: string(c.Src), Dst: string(c.Dst), TimeShifted: c.TimeShifted})
		}
	}
	b, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(b)
}
