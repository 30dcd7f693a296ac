package buffer

import (
	"container/heap"

	"github.com/cosim-go/cosim/tieredtime"
)

// Delivery is one pending value in a TimedInputBuffer.
type Delivery struct {
	Time     tieredtime.TieredTime
	SrcFull  string // "sid/eid" of the producing entity, used as src_full_id
	DstEid   string
	DstAttr  string
	Value    any
}

// timedHeap implements heap.Interface, ordered by (time, src, dst_eid,
// dst_attr) to give deterministic draining when several deliveries share a
// time.
type timedHeap []Delivery

func (h timedHeap) Len() int { return len(h) }
func (h timedHeap) Less(i, j int) bool {
	c := tieredtime.Compare(h[i].Time, h[j].Time)
	if c != 0 {
		return c < 0
	}
	if h[i].SrcFull != h[j].SrcFull {
		return h[i].SrcFull < h[j].SrcFull
	}
	if h[i].DstEid != h[j].DstEid {
		return h[i].DstEid < h[j].DstEid
	}
	return h[i].DstAttr < h[j].DstAttr
}
func (h timedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timedHeap) Push(x any)   { *h = append(*h, x.(Delivery)) }
func (h *timedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TimedInputBuffer is a min-heap of pending event/timed deliveries for one
// destination simulator (§3).
type TimedInputBuffer struct {
	h timedHeap
}

// NewTimedInputBuffer returns an empty buffer.
func NewTimedInputBuffer() *TimedInputBuffer {
	tb := &TimedInputBuffer{}
	heap.Init(&tb.h)
	return tb
}

// Push queues a delivery.
func (b *TimedInputBuffer) Push(d Delivery) {
	heap.Push(&b.h, d)
}

// Peek returns the earliest pending delivery's time without draining, and
// false if the buffer is empty.
func (b *TimedInputBuffer) Peek() (tieredtime.TieredTime, bool) {
	if b.h.Len() == 0 {
		return nil, false
	}
	return b.h[0].Time, true
}

// Drain removes and returns every delivery with Time <= t, composed into
// the nested map dst_eid -> dst_attr -> src_full_id -> value (§3).
func (b *TimedInputBuffer) Drain(t tieredtime.TieredTime) map[string]map[string]map[string]any {
	out := make(map[string]map[string]map[string]any)
	for b.h.Len() > 0 && !tieredtime.Less(t, b.h[0].Time) {
		d := heap.Pop(&b.h).(Delivery)
		byAttr, ok := out[d.DstEid]
		if !ok {
			byAttr = make(map[string]map[string]any)
			out[d.DstEid] = byAttr
		}
		bySrc, ok := byAttr[d.DstAttr]
		if !ok {
			bySrc = make(map[string]any)
			byAttr[d.DstAttr] = bySrc
		}
		bySrc[d.SrcFull] = d.Value
	}
	return out
}

// Len reports the number of pending deliveries.
func (b *TimedInputBuffer) Len() int { return b.h.Len() }
