// Package graph holds the dependency graph of simulators: immediate,
// time-shifted, and weak edges, the tiered-time delay each edge carries,
// strict-subgraph cycle detection, and max-advance computation (§4.3).
package graph

import "github.com/cosim-go/cosim/tieredtime"

// SimID identifies a simulator within a Graph. Stable for the run.
type SimID string

// EntityID identifies an entity instance within a simulator.
type EntityID string

// FullID addresses an entity globally as (sid, eid).
type FullID struct {
	Sid SimID
	Eid EntityID
}

// SimType is the declared behavior class of a simulator (§3, §6).
type SimType string

const (
	TimeBased  SimType = "time-based"
	EventBased SimType = "event-based"
	Hybrid     SimType = "hybrid"
)

// AttrSet represents an attribute partition that may be given as an
// explicit list or as "all attrs" (the wire metadata's `true` shorthand,
// §6), grounded on mosaik's in_or_out_set.py which the distilled spec
// dropped but the metadata grammar still requires.
type AttrSet struct {
	All      bool
	Explicit map[string]struct{}
}

// NewExplicitAttrSet builds an AttrSet from a literal attribute list.
func NewExplicitAttrSet(attrs []string) AttrSet {
	m := make(map[string]struct{}, len(attrs))
	for _, a := range attrs {
		m[a] = struct{}{}
	}
	return AttrSet{Explicit: m}
}

// AllAttrSet returns the set matching every attribute (the `true` form).
func AllAttrSet() AttrSet { return AttrSet{All: true} }

// Contains reports whether attr is a member, resolving the "all" form
// against the model's full attribute list when needed.
func (s AttrSet) Contains(attr string, allAttrs []string) bool {
	if s.All {
		return true
	}
	if s.Explicit == nil {
		return false
	}
	_, ok := s.Explicit[attr]
	return ok
}

// Entity is a model instance created inside a simulator (§3). Identity is
// immutable for the lifetime of the run; Parent is "" for roots of the
// per-simulator entity forest.
type Entity struct {
	Sid    SimID
	Eid    EntityID
	Model  string
	Parent EntityID
	Rels   []FullID // related entities across simulators, for get_related_entities
}

// Full returns the entity's global (sid, eid) address.
func (e *Entity) Full() FullID { return FullID{Sid: e.Sid, Eid: e.Eid} }

// ModelSpec is the per-model attribute partition declared in a simulator's
// init metadata (§6).
type ModelSpec struct {
	Public        bool
	Params        []string
	Attrs         []string
	Trigger       AttrSet
	NonTrigger    AttrSet
	Persistent    AttrSet
	NonPersistent AttrSet
	AnyInputs     bool
}

// AttrMapping is one (src_attr, dst_attr) pair within a Connection triple.
type AttrMapping struct {
	SrcAttr string
	DstAttr string
}

// EntityLink is one (src_entity, dst_entity, [(src_attr,dst_attr)...])
// triple carried by a Connection (§3).
type EntityLink struct {
	SrcEntity EntityID
	DstEntity EntityID
	Attrs     []AttrMapping
}

// Connection is a dependency-graph edge between two simulators (§3).
type Connection struct {
	Src, Dst SimID
	Links    []EntityLink

	TimeShifted int  // >=0 shift amount; 0 means not shifted
	Weak        bool
	AsyncReqs   bool

	// Trigger is the precomputed set of destination attributes (across all
	// Links) that, when delivered, cause Dst to step (§4.4 PUBLISHING).
	Trigger map[string]struct{}

	// Delay is the precomputed TieredInterval added to a source time to
	// get the time at which the destination should see the data (§4.3).
	Delay tieredtime.TieredInterval
}

// IsStrict reports whether this edge counts toward the acyclicity
// requirement: non-weak and not time-shifted (§4.3 Cycle rule).
func (c *Connection) IsStrict() bool {
	return !c.Weak && c.TimeShifted == 0
}
