// Package tieredtime implements the tiered logical clock used to give the
// scheduler a total, causal ordering even under same-time feedback loops.
//
// A TieredTime is a tuple (t0, t1, ..., tn-1): t0 is the real logical time,
// later tiers encode microsteps inside same-time loops (nested groups add
// further tiers). A TieredInterval is the delay an edge adds to a source
// time to produce a destination time; it carries a cutoff marking how many
// leading tiers add to the source versus extend its depth.
package tieredtime

import (
	"fmt"
	"strings"
)

// TieredTime is a point on the tiered clock. Tier 0 is the logical time;
// deeper tiers are microsteps within same-time groups.
type TieredTime []int64

// TieredInterval is the delay an edge contributes to the tiered clock.
//
// Cutoff is how many leading tiers of the interval are added pairwise to a
// source TieredTime's leading tiers; the remaining tiers of the interval
// are appended as-is, extending the result's tier depth. PreLength is the
// expected tier count of the source TieredTime this interval was computed
// against (Add returns an error if it disagrees, since the precomputed
// delay would otherwise silently misalign).
type TieredInterval struct {
	Tiers     []int64
	Cutoff    int
	PreLength int
}

// Zero returns the identity interval for a source of the given tier depth:
// all-zero tiers, Cutoff == n. Adding it to any TieredTime of that depth
// returns the time unchanged. This is the delay of a non-weak immediate
// edge (§4.3).
func Zero(n int) TieredInterval {
	return TieredInterval{Tiers: make([]int64, n), Cutoff: n, PreLength: n}
}

// Shifted returns the delay of a time-shifted edge with shift k: cutoff 1,
// tier 0 contributes +k, no deeper tiers (§4.3).
func Shifted(k int64, preLength int) TieredInterval {
	return TieredInterval{Tiers: []int64{k}, Cutoff: 1, PreLength: preLength}
}

// Weak returns the delay of a weak immediate edge whose nearest enclosing
// group has depth g: tier g contributes +1 (advances the microstep within
// the group). Cutoff is g+1, not g, so the group's own tier falls inside
// the pairwise-add region of Add and accumulates across repeated same-time
// deliveries instead of being reset to 1 on every hop — matching mosaik's
// DenseTime.__add__, which adds microsteps when the added interval's time
// component is 0 rather than replacing them (§4.3).
func Weak(groupDepth, preLength int) TieredInterval {
	tiers := make([]int64, groupDepth+1)
	tiers[groupDepth] = 1
	return TieredInterval{Tiers: tiers, Cutoff: groupDepth + 1, PreLength: preLength}
}

// Add computes tt + iv. Defined iff len(tt) == iv.PreLength. The result's
// first iv.Cutoff tiers are pairwise sums of tt's leading tiers and iv's
// leading tiers; the trailing tiers of iv (from Cutoff onward) are copied
// in, verbatim, extending the tier depth when iv is longer than its cutoff.
func (tt TieredTime) Add(iv TieredInterval) (TieredTime, error) {
	if len(tt) != iv.PreLength {
		return nil, fmt.Errorf("tieredtime: cannot add interval computed for tier depth %d to time of depth %d", iv.PreLength, len(tt))
	}
	if iv.Cutoff > len(iv.Tiers) {
		return nil, fmt.Errorf("tieredtime: interval cutoff %d exceeds tier count %d", iv.Cutoff, len(iv.Tiers))
	}
	out := make(TieredTime, 0, len(tt)+len(iv.Tiers)-iv.Cutoff)
	for i := 0; i < iv.Cutoff; i++ {
		out = append(out, tt[i]+iv.Tiers[i])
	}
	// Any tiers of tt beyond the cutoff that aren't covered by the interval
	// are dropped: the interval's cutoff declares how much of the source
	// time survives into the result.
	out = append(out, iv.Tiers[iv.Cutoff:]...)
	return out, nil
}

// AddInterval implements associative composition of two intervals sharing
// a source tier depth: (tt + i1) + i2 == tt + (i1 + i2) for every tt of the
// matching depth (the torsor law, §8). The composed interval's PreLength is
// i1.PreLength, since it is meant to be added to the same sources as i1.
//
// Derivation: Add(tt, iv)[j] is tt[j]+iv.Tiers[j] for j < iv.Cutoff and
// iv.Tiers[j] (independent of tt) for iv.Cutoff <= j < len(iv.Tiers).
// Substituting Add(Add(tt,i1),i2) and collecting terms shows the composed
// interval is just the tier-wise sum of i1 and i2 up to i2.Cutoff (both
// tiers are guaranteed defined there, since i2.Cutoff <= i2.PreLength ==
// len(i1.Tiers) is a required invariant), followed by i2's own append
// tail, with the combined cutoff min(i1.Cutoff, i2.Cutoff) since that's as
// far as tt's own tiers still reach through both hops.
func AddInterval(i1, i2 TieredInterval) (TieredInterval, error) {
	if len(i1.Tiers) != i2.PreLength {
		return TieredInterval{}, fmt.Errorf("tieredtime: interval composition depth mismatch: i1 produces depth %d, i2 expects %d", len(i1.Tiers), i2.PreLength)
	}
	if i2.Cutoff > len(i1.Tiers) {
		return TieredInterval{}, fmt.Errorf("tieredtime: i2 cutoff %d exceeds the depth %d produced by i1", i2.Cutoff, len(i1.Tiers))
	}

	cutoff := i2.Cutoff
	if i1.Cutoff < cutoff {
		cutoff = i1.Cutoff
	}

	tiers := make([]int64, 0, len(i2.Tiers))
	for j := 0; j < i2.Cutoff; j++ {
		tiers = append(tiers, i1.Tiers[j]+i2.Tiers[j])
	}
	tiers = append(tiers, i2.Tiers[i2.Cutoff:]...)

	return TieredInterval{Tiers: tiers, Cutoff: cutoff, PreLength: i1.PreLength}, nil
}

// Compare returns -1, 0 or 1 as lexicographic tier-by-tier comparison
// dictates. Shorter tuples compare as if padded with trailing zeros, so a
// time produced before a group was entered compares equal to the same time
// with an all-zero microstep tail.
func Compare(a, b TieredTime) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv int64
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether a sorts strictly before b.
func Less(a, b TieredTime) bool { return Compare(a, b) < 0 }

// LessOrEqual reports whether a sorts at or before b.
func LessOrEqual(a, b TieredTime) bool { return Compare(a, b) <= 0 }

func (tt TieredTime) String() string {
	parts := make([]string, len(tt))
	for i, v := range tt {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "(" + strings.Join(parts, ":") + ")"
}

// Clone returns an independent copy, since TieredTime is a slice and
// callers frequently hand these around as map keys or store them in
// Progress without intending aliasing.
func (tt TieredTime) Clone() TieredTime {
	out := make(TieredTime, len(tt))
	copy(out, tt)
	return out
}
