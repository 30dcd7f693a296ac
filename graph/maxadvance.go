package graph

import "github.com/cosim-go/cosim/tieredtime"

// NextStepSource abstracts what MaxAdvance needs to know about a
// simulator's own schedule: its next queued self-step time in its own
// tier-0 time scale, and whether it has one at all. The scheduler package
// supplies the concrete implementation backed by each Task's priority
// queue; keeping this as a narrow interface avoids a circular import
// between graph and scheduler.
type NextStepSource interface {
	// NextStep returns the next self-scheduled step time for sid and true,
	// or (0, false) if sid has no step currently queued.
	NextStep(sid SimID) (int64, bool)
}

// MaxAdvance computes the max_advance bound passed to a simulator's step
// call (§4.3): the minimum, over all triggering ancestors, of the smaller
// of (their own next step + outgoing edge delay) and the global horizon
// `until`. Ancestors here means every direct immediate/shifted predecessor
// with a queued step, whether or not its edge carries a trigger
// attribute; predecessors of predecessors are not consulted.
// Self-triggering loops are bounded separately by the scheduler's
// loop-iteration counter (§4.3).
func (g *Graph) MaxAdvance(sid SimID, next NextStepSource, until int64) int64 {
	bound := until

	for _, c := range g.ImmediatePredecessors(sid) {
		if b, ok := g.predecessorBound(c, next, until); ok && b < bound {
			bound = b
		}
	}
	for _, c := range g.ShiftedPredecessors(sid) {
		if b, ok := g.predecessorBound(c, next, until); ok && b < bound {
			bound = b
		}
	}

	return bound
}

// predecessorBound returns the earliest tier-0 time at which c.Src could
// still push a new triggering output toward c.Dst: its own next queued
// step, plus the edge's tier-0 delay contribution, capped at until.
func (g *Graph) predecessorBound(c *Connection, next NextStepSource, until int64) (int64, bool) {
	t, ok := next.NextStep(c.Src)
	if !ok {
		// No queued step: this predecessor cannot push anything further
		// (pure self-steppers that have exhausted their schedule, or
		// event-driven sims waiting on their own predecessors) and so
		// does not constrain sid's max_advance.
		return 0, false
	}

	shiftTiers := tieredtime.TieredTime{t}
	shifted, err := shiftTiers.Add(c.Delay)
	if err != nil {
		return 0, false
	}
	bound := shifted[0]
	if bound > until {
		bound = until
	}
	return bound, true
}
