package buffer

import "github.com/cosim-go/cosim/tieredtime"

// persistentKey addresses one memory slot: a destination entity/attribute
// fed by one source.
type persistentKey struct {
	DstEid, DstAttr, SrcFull string
}

// PersistentInputBuffer retains the last delivered value per
// (dst_eid, dst_attr, src_full_id) for persistent attributes (§3): a read
// returns the memory snapshot updated with any queued deliveries at or
// before t, so a persistent attribute's last value stays readable even
// across steps that produce no new output for it.
type PersistentInputBuffer struct {
	memory map[persistentKey]any
	queue  *TimedInputBuffer
}

// NewPersistentInputBuffer returns an empty buffer.
func NewPersistentInputBuffer() *PersistentInputBuffer {
	return &PersistentInputBuffer{
		memory: make(map[persistentKey]any),
		queue:  NewTimedInputBuffer(),
	}
}

// Push queues a delivery to be merged into memory no later than its time.
func (p *PersistentInputBuffer) Push(d Delivery) {
	p.queue.Push(d)
}

// Snapshot drains every queued delivery with time <= t into memory, then
// returns the resulting memory view as dst_eid -> dst_attr -> src_full_id
// -> value, merging only the latest value per source (§3 GATHER_INPUT
// step 2: "Merge persistent-attribute memory").
func (p *PersistentInputBuffer) Snapshot(t tieredtime.TieredTime) map[string]map[string]map[string]any {
	drained := p.queue.Drain(t)
	for eid, byAttr := range drained {
		for attr, bySrc := range byAttr {
			for src, v := range bySrc {
				p.memory[persistentKey{DstEid: eid, DstAttr: attr, SrcFull: src}] = v
			}
		}
	}

	out := make(map[string]map[string]map[string]any)
	for k, v := range p.memory {
		byAttr, ok := out[k.DstEid]
		if !ok {
			byAttr = make(map[string]map[string]any)
			out[k.DstEid] = byAttr
		}
		bySrc, ok := byAttr[k.DstAttr]
		if !ok {
			bySrc = make(map[string]any)
			byAttr[k.DstAttr] = bySrc
		}
		bySrc[k.SrcFull] = v
	}
	return out
}
