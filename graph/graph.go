package graph

import (
	"fmt"
	"sort"

	"github.com/cosim-go/cosim/tieredtime"
)

// Group identifies a set of simulators sharing an additional microstep
// tier, used to resolve intra-cycle ordering inside a same-time loop
// (§4.3, §9 "model groups as arenas indexed by integer ids").
type Group struct {
	ID     int
	Depth  int // tier index this group's microstep counter occupies
	Parent int // -1 for a top-level group
	Members map[SimID]struct{}
}

// Node is a simulator as known to the dependency graph: its behavior type,
// model metadata, and current group membership. It does not hold runtime
// scheduler state (buffers, progress) — see package buffer/scheduler for
// that; Node is the static, frozen-at-setup shape of the graph (§3 World).
type Node struct {
	Sid    SimID
	Type   SimType
	Models map[string]ModelSpec
	Group  int // index into Graph.Groups, or -1 if not in any group
}

// Graph is the frozen dependency graph fed to the scheduler: simulators as
// nodes, two edge overlays (immediate, time-shifted), and group structure
// for nested same-time loops (§3 World/Run state).
type Graph struct {
	Nodes  map[SimID]*Node
	Groups []*Group

	// immediate holds every Connection with TimeShifted == 0 (both weak
	// and non-weak); shifted holds every Connection with TimeShifted > 0.
	immediate map[SimID][]*Connection
	shifted   map[SimID][]*Connection

	// reverse indices: predecessors of a sim, for WAIT_DEPS.
	immediatePred map[SimID][]*Connection
	shiftedPred   map[SimID][]*Connection

	frozen bool
}

// New creates an empty, mutable Graph. Call Freeze once all AddNode/
// AddConnection calls are done; scheduling only operates on a frozen
// Graph.
func New() *Graph {
	return &Graph{
		Nodes:         make(map[SimID]*Node),
		immediate:     make(map[SimID][]*Connection),
		shifted:       make(map[SimID][]*Connection),
		immediatePred: make(map[SimID][]*Connection),
		shiftedPred:   make(map[SimID][]*Connection),
	}
}

// AddNode registers a simulator node. Returns an error if sid is already
// present (ConfigurationError territory — duplicate sid).
func (g *Graph) AddNode(n *Node) error {
	if g.frozen {
		return fmt.Errorf("graph: cannot add node %q to a frozen graph", n.Sid)
	}
	if _, exists := g.Nodes[n.Sid]; exists {
		return fmt.Errorf("graph: duplicate simulator id %q", n.Sid)
	}
	if n.Group == 0 {
		n.Group = -1
	}
	g.Nodes[n.Sid] = n
	return nil
}

// AddConnection registers an edge. Both endpoints must already be nodes.
func (g *Graph) AddConnection(c *Connection) error {
	if g.frozen {
		return fmt.Errorf("graph: cannot add connection to a frozen graph")
	}
	if _, ok := g.Nodes[c.Src]; !ok {
		return fmt.Errorf("graph: connection references unknown source simulator %q", c.Src)
	}
	if _, ok := g.Nodes[c.Dst]; !ok {
		return fmt.Errorf("graph: connection references unknown destination simulator %q", c.Dst)
	}
	if c.AsyncReqs && (c.TimeShifted > 0 || c.Weak) {
		return fmt.Errorf("graph: connection %s->%s mixes async_requests with a shifted/weak edge", c.Src, c.Dst)
	}

	if c.TimeShifted > 0 {
		g.shifted[c.Src] = append(g.shifted[c.Src], c)
		g.shiftedPred[c.Dst] = append(g.shiftedPred[c.Dst], c)
	} else {
		g.immediate[c.Src] = append(g.immediate[c.Src], c)
		g.immediatePred[c.Dst] = append(g.immediatePred[c.Dst], c)
	}
	return nil
}

// Freeze locks the graph against further mutation, checks strict
// acyclicity (§4.3 Cycle rule), forms same-time-loop groups out of any
// cycle that survived the strict check (necessarily relying on at least
// one weak edge), and computes every connection's tiered-time Delay now
// that group membership — and therefore tier depth — is final. Call
// exactly once, at run() time.
func (g *Graph) Freeze() error {
	if g.frozen {
		return nil
	}
	if cycle := g.findStrictCycle(); cycle != nil {
		return &CyclicGraphError{Cycle: cycle}
	}
	g.formGroups()
	g.assignDelays()
	g.frozen = true
	return nil
}

// formGroups finds strongly-connected components of the immediate
// (TimeShifted == 0) subgraph, including weak edges, via Tarjan's
// algorithm, and assigns a single-level Group (Depth 1, no parent) to
// every component of size > 1 or with a self-loop. findStrictCycle has
// already rejected any cycle that closes purely through non-weak edges,
// so every component found here relies on at least one weak edge —
// exactly the same-time loops §4.3/§9 describe as "arenas indexed by
// integer ids". Nested/multi-level groups (a group inside a group) are
// not built; no scenario in scope nests same-time loops.
func (g *Graph) formGroups() {
	var (
		index   int
		indices = make(map[SimID]int, len(g.Nodes))
		low     = make(map[SimID]int, len(g.Nodes))
		onStack = make(map[SimID]bool, len(g.Nodes))
		stack   []SimID
		sccs    [][]SimID
	)

	sids := make([]SimID, 0, len(g.Nodes))
	for sid := range g.Nodes {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })

	var strongconnect func(v SimID)
	strongconnect = func(v SimID) {
		indices[v] = index
		low[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, c := range sortedByDst(g.immediate[v]) {
			w := c.Dst
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] {
				if indices[w] < low[v] {
					low[v] = indices[w]
				}
			}
		}

		if low[v] == indices[v] {
			var scc []SimID
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, sid := range sids {
		if _, seen := indices[sid]; !seen {
			strongconnect(sid)
		}
	}

	for _, scc := range sccs {
		selfLoop := len(scc) == 1 && g.hasImmediateEdge(scc[0], scc[0])
		if len(scc) <= 1 && !selfLoop {
			continue
		}
		members := make(map[SimID]struct{}, len(scc))
		for _, s := range scc {
			members[s] = struct{}{}
		}
		grp := &Group{ID: len(g.Groups), Depth: 1, Parent: -1, Members: members}
		g.Groups = append(g.Groups, grp)
		for _, s := range scc {
			g.Nodes[s].Group = grp.ID
		}
	}
}

func (g *Graph) hasImmediateEdge(src, dst SimID) bool {
	for _, c := range g.immediate[src] {
		if c.Dst == dst {
			return true
		}
	}
	return false
}

// sameGroup reports whether a and b belong to the same formed group.
func (g *Graph) sameGroup(a, b SimID) bool {
	na, ok := g.Nodes[a]
	if !ok || na.Group < 0 {
		return false
	}
	nb, ok := g.Nodes[b]
	if !ok {
		return false
	}
	return na.Group == nb.Group
}

// assignDelays computes every connection's Delay now that group
// membership is final: non-weak edges carry the identity interval, a
// weak edge between members of the same formed group carries the
// group's microstep bump, and every other weak edge (no group formed —
// it isn't part of a genuine same-time loop) also carries identity,
// since there is no microstep tier for it to advance.
func (g *Graph) assignDelays() {
	for _, conns := range g.immediate {
		for _, c := range conns {
			g.setDelay(c)
		}
	}
	for _, conns := range g.shifted {
		for _, c := range conns {
			g.setDelay(c)
		}
	}
}

func (g *Graph) setDelay(c *Connection) {
	preLength := g.TieredTimeDepth(c.Src)
	switch {
	case c.TimeShifted > 0:
		c.Delay = tieredtime.Shifted(int64(c.TimeShifted), preLength)
	case c.Weak && g.sameGroup(c.Src, c.Dst):
		c.Delay = tieredtime.Weak(g.GroupDepth(c.Src), preLength)
	default:
		c.Delay = tieredtime.Zero(preLength)
	}
}

// HasAsyncEdge reports whether src declared an async_requests edge to
// dst, the constraint a set_data push must satisfy (§6/§7).
func (g *Graph) HasAsyncEdge(src, dst SimID) bool {
	for _, c := range g.immediate[src] {
		if c.Dst == dst && c.AsyncReqs {
			return true
		}
	}
	return false
}

// IsAsyncRequester reports whether sid declared any outgoing
// async_requests edge at all. set_event carries no explicit destination
// (it schedules into the requester's own future), so it is gated on the
// requester having been wired into the scenario as an async participant
// rather than on an edge to a specific destination.
func (g *Graph) IsAsyncRequester(sid SimID) bool {
	for _, c := range g.immediate[sid] {
		if c.AsyncReqs {
			return true
		}
	}
	return false
}

// ImmediateSuccessors returns the immediate (possibly weak) outgoing edges
// of sid, in a deterministic order (by destination sid, then declaration
// order) so PUBLISHING fan-out is reproducible.
func (g *Graph) ImmediateSuccessors(sid SimID) []*Connection {
	return sortedByDst(g.immediate[sid])
}

// ShiftedSuccessors returns the time-shifted outgoing edges of sid.
func (g *Graph) ShiftedSuccessors(sid SimID) []*Connection {
	return sortedByDst(g.shifted[sid])
}

// ImmediatePredecessors returns the immediate (possibly weak) incoming
// edges of sid.
func (g *Graph) ImmediatePredecessors(sid SimID) []*Connection {
	return sortedBySrc(g.immediatePred[sid])
}

// ShiftedPredecessors returns the time-shifted incoming edges of sid.
func (g *Graph) ShiftedPredecessors(sid SimID) []*Connection {
	return sortedBySrc(g.shiftedPred[sid])
}

func sortedByDst(cs []*Connection) []*Connection {
	out := append([]*Connection(nil), cs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Dst < out[j].Dst })
	return out
}

func sortedBySrc(cs []*Connection) []*Connection {
	out := append([]*Connection(nil), cs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Src < out[j].Src })
	return out
}

// GroupDepth returns the tier depth of sid's group, or 0 if it belongs to
// no group (top-level time only, no microstep tier).
func (g *Graph) GroupDepth(sid SimID) int {
	n, ok := g.Nodes[sid]
	if !ok || n.Group < 0 {
		return 0
	}
	return g.Groups[n.Group].Depth
}

// CyclicGraphError names one witnessing cycle in the strict subgraph
// (§4.3, §7 ConfigurationError: cyclic strict dependency).
type CyclicGraphError struct {
	Cycle []SimID
}

func (e *CyclicGraphError) Error() string {
	s := "graph: cyclic strict dependency:"
	for i, sid := range e.Cycle {
		if i > 0 {
			s += " ->"
		}
		s += " " + string(sid)
	}
	return s + fmt.Sprintf(" -> %s", e.Cycle[0])
}

// findStrictCycle runs DFS with white/gray/black coloring over the strict
// (non-weak, non-shifted) subgraph and returns one witnessing cycle, or
// nil if the subgraph is acyclic.
func (g *Graph) findStrictCycle() []SimID {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[SimID]int, len(g.Nodes))
	stack := make([]SimID, 0, len(g.Nodes))

	sids := make([]SimID, 0, len(g.Nodes))
	for sid := range g.Nodes {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })

	var dfs func(sid SimID) []SimID
	dfs = func(sid SimID) []SimID {
		color[sid] = gray
		stack = append(stack, sid)

		for _, c := range sortedByDst(g.immediate[sid]) {
			if !c.IsStrict() {
				continue
			}
			switch color[c.Dst] {
			case white:
				if cyc := dfs(c.Dst); cyc != nil {
					return cyc
				}
			case gray:
				// Found the back edge; extract the cycle from the stack.
				start := 0
				for i, s := range stack {
					if s == c.Dst {
						start = i
						break
					}
				}
				return append([]SimID(nil), stack[start:]...)
			}
		}

		stack = stack[:len(stack)-1]
		color[sid] = black
		return nil
	}

	for _, sid := range sids {
		if color[sid] == white {
			if cyc := dfs(sid); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// TieredTimeDepth returns the tier depth a time produced "at" sid should
// have: 1 (just the logical time) plus the Depth of sid's own group.
// Parent links are not walked.
func (g *Graph) TieredTimeDepth(sid SimID) int {
	n, ok := g.Nodes[sid]
	if !ok || n.Group < 0 {
		return 1
	}
	depth := g.Groups[n.Group].Depth + 1
	return depth
}

// ZeroTime returns the all-zero TieredTime of the depth appropriate for
// sid, the starting point for a fresh Progress value.
func (g *Graph) ZeroTime(sid SimID) tieredtime.TieredTime {
	return make(tieredtime.TieredTime, g.TieredTimeDepth(sid))
}
