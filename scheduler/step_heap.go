package scheduler

import (
	"container/heap"

	"github.com/cosim-go/cosim/tieredtime"
)

// pendingStep is one self-step queued for a simulator, keyed on the
// tiered time it should fire -- tier 0 is real time, deeper tiers are
// microsteps within a same-time loop (§4.3).
type pendingStep struct {
	time tieredtime.TieredTime
	seq  uint64 // insertion order, deterministic tiebreak
}

// stepHeap is a priority queue of a single simulator's queued self-steps,
// ordered by tiered time then insertion sequence -- the same
// timestamp-then-tiebreak shape as the teacher's cluster event heap,
// narrowed to one field since a step carries no type/priority dimension.
type stepHeap []pendingStep

func (h stepHeap) Len() int { return len(h) }

func (h stepHeap) Less(i, j int) bool {
	if c := tieredtime.Compare(h[i].time, h[j].time); c != 0 {
		return c < 0
	}
	return h[i].seq < h[j].seq
}

func (h stepHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *stepHeap) Push(x any) {
	*h = append(*h, x.(pendingStep))
}

func (h *stepHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *stepHeap) schedule(p pendingStep) {
	for _, existing := range *h {
		if tieredtime.Compare(existing.time, p.time) == 0 {
			return // already have a candidate at this time, no need to queue a duplicate
		}
	}
	heap.Push(h, p)
}

func (h *stepHeap) popNext() (pendingStep, bool) {
	if h.Len() == 0 {
		return pendingStep{}, false
	}
	return heap.Pop(h).(pendingStep), true
}

func (h stepHeap) peek() (pendingStep, bool) {
	if len(h) == 0 {
		return pendingStep{}, false
	}
	return h[0], true
}
