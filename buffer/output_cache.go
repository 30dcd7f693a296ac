// Package buffer implements the per-simulator data structures the
// scheduler reads and writes between steps: OutputCache, TimedInputBuffer,
// PersistentInputBuffer, and Progress (§3).
package buffer

import (
	"fmt"
	"sort"

	"github.com/cosim-go/cosim/tieredtime"
)

// entry pairs a tiered time with the value recorded at it.
type entry struct {
	t tieredtime.TieredTime
	v any
}

// OutputCache is an ordered, bisectable map from TieredTime to value for
// one (simulator, attribute) output stream. It enforces monotonic reads:
// once a lookup has returned the entry stored at time t, no later Append
// may place a value at a time < t, and the entry at t itself may only be
// replaced when same-time overwrite is enabled (§3, §8 causal
// read-before-write).
type OutputCache struct {
	entries []entry // kept sorted ascending by t
	readAt  *tieredtime.TieredTime
}

// NewOutputCache returns an empty cache.
func NewOutputCache() *OutputCache {
	return &OutputCache{}
}

// Append records v at time t. allowSameTimeOverwrite permits replacing an
// existing entry at exactly t once t has been read (§9 Open Question:
// default false; the scheduler's only call site, Task.recordOutput,
// passes false).
func (c *OutputCache) Append(t tieredtime.TieredTime, v any, allowSameTimeOverwrite bool) error {
	if c.readAt != nil && tieredtime.Less(t, *c.readAt) {
		return fmt.Errorf("buffer: append at %s would invalidate a read already served at %s", t, *c.readAt)
	}

	idx := sort.Search(len(c.entries), func(i int) bool {
		return !tieredtime.Less(c.entries[i].t, t)
	})
	if idx < len(c.entries) && tieredtime.Compare(c.entries[idx].t, t) == 0 {
		if c.readAt != nil && tieredtime.Compare(t, *c.readAt) == 0 && !allowSameTimeOverwrite {
			return fmt.Errorf("buffer: same-time overwrite at %s not permitted for this write site", t)
		}
		c.entries[idx].v = v
		return nil
	}

	c.entries = append(c.entries, entry{})
	copy(c.entries[idx+1:], c.entries[idx:])
	c.entries[idx] = entry{t: t, v: v}
	return nil
}

// Lookup returns the newest entry with time <= t, and records the access
// so a later Append cannot invalidate it. ok is false if no such entry
// exists yet.
func (c *OutputCache) Lookup(t tieredtime.TieredTime) (v any, ok bool) {
	idx := sort.Search(len(c.entries), func(i int) bool {
		return tieredtime.Less(t, c.entries[i].t)
	})
	if idx == 0 {
		return nil, false
	}
	got := c.entries[idx-1]

	// The horizon is the returned entry's own time, not the query time:
	// a later Append at some t2 with got.t < t2 <= t is still filling a
	// gap no read has actually observed yet, and must stay legal.
	if c.readAt == nil || tieredtime.Less(*c.readAt, got.t) {
		tc := got.t.Clone()
		c.readAt = &tc
	}
	return got.v, true
}

// PruneTo drops entries superseded by a later entry that are strictly
// older than t, always retaining at least one entry at or before t if one
// exists (§3 invariant).
func (c *OutputCache) PruneTo(t tieredtime.TieredTime) {
	if len(c.entries) == 0 {
		return
	}
	idx := sort.Search(len(c.entries), func(i int) bool {
		return tieredtime.Less(t, c.entries[i].t)
	})
	// idx is the count of entries with time <= t. Keep entries[idx-1:] —
	// i.e. the newest entry at or before t, plus everything after t.
	if idx == 0 {
		return
	}
	keepFrom := idx - 1
	if keepFrom <= 0 {
		return
	}
	c.entries = append(c.entries[:0:0], c.entries[keepFrom:]...)
}

// Len reports the number of retained entries (test/debug use).
func (c *OutputCache) Len() int { return len(c.entries) }
