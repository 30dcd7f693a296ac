package tieredtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTieredTime_AddIdentity(t *testing.T) {
	tt := TieredTime{3, 0}
	got, err := tt.Add(Zero(2))
	require.NoError(t, err)
	assert.Equal(t, TieredTime{3, 0}, got)
}

func TestTieredTime_AddShifted(t *testing.T) {
	tt := TieredTime{3}
	got, err := tt.Add(Shifted(2, 1))
	require.NoError(t, err)
	assert.Equal(t, TieredTime{5}, got)
}

func TestTieredTime_AddWeakAdvancesMicrostep(t *testing.T) {
	// A weak edge inside a group at depth 1 adds one to the microstep tier.
	tt := TieredTime{7, 0}
	got, err := tt.Add(Weak(1, 2))
	require.NoError(t, err)
	assert.Equal(t, TieredTime{7, 1}, got)
}

func TestTieredTime_AddDepthMismatch(t *testing.T) {
	tt := TieredTime{1, 2, 3}
	_, err := tt.Add(Zero(2))
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b TieredTime
		want int
	}{
		{TieredTime{1, 0}, TieredTime{1, 0}, 0},
		{TieredTime{1, 0}, TieredTime{1, 1}, -1},
		{TieredTime{2}, TieredTime{1, 9}, 1},
		{TieredTime{1}, TieredTime{1, 0}, 0}, // shorter pads with zeros
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Compare(c.a, c.b), "Compare(%v,%v)", c.a, c.b)
	}
}

func TestAddInterval_Associativity(t *testing.T) {
	// p -> (depth 2) -> (depth 1, shifted) -> (depth 2, new tier 1 appended)
	i1 := Shifted(3, 2)                                                 // PreLength 2, produces depth 1
	i2 := TieredInterval{Tiers: []int64{0, 1}, Cutoff: 1, PreLength: 1} // PreLength 1, produces depth 2 (tiers [_,1])
	i3 := Shifted(4, 2)                                                 // PreLength 2, produces depth 1

	tt := TieredTime{10, 0}

	// (tt + i1) + i2
	step1, err := tt.Add(i1)
	require.NoError(t, err)
	step2, err := step1.Add(i2)
	require.NoError(t, err)

	composed, err := AddInterval(i1, i2)
	require.NoError(t, err)
	viaComposed, err := tt.Add(composed)
	require.NoError(t, err)

	assert.Equal(t, step2, viaComposed)

	// Re-run the same property one hop further: (tt + (i1+i2)) + i3 ==
	// tt + ((i1+i2) + i3). i3 expects PreLength == depth produced by the
	// composed interval (2), matching i3's own PreLength.
	require.Equal(t, len(composed.Tiers), i3.PreLength)

	step3, err := step2.Add(i3)
	require.NoError(t, err)

	composed2, err := AddInterval(composed, i3)
	require.NoError(t, err)
	viaComposed2, err := tt.Add(composed2)
	require.NoError(t, err)

	assert.Equal(t, step3, viaComposed2)
}

func TestAddInterval_LeftAndRightIdentity(t *testing.T) {
	w := Weak(2, 3) // produces depth 3

	left, err := AddInterval(Zero(3), w)
	require.NoError(t, err)
	assert.Equal(t, w, left)

	right, err := AddInterval(w, Zero(3))
	require.NoError(t, err)
	assert.Equal(t, w, right)
}

func TestAddInterval_TorsorLaw_PropertyBased(t *testing.T) {
	// (tt + i1) + i2 == tt + (i1 + i2), swept over a small deterministic
	// grid of starting times and interval shapes instead of a marshal
	// round-trip grid.
	starts := []TieredTime{{0, 0}, {5, 2}, {100, 0}, {3, 7}}
	edges := []struct{ i1, i2 TieredInterval }{
		{Zero(2), Shifted(1, 2)},
		{Shifted(5, 2), Weak(0, 1)},
		{Weak(1, 2), Shifted(2, 2)},
	}
	for _, tt := range starts {
		for _, e := range edges {
			lhs, err := tt.Add(e.i1)
			require.NoError(t, err)
			lhs, err = lhs.Add(e.i2)
			require.NoError(t, err)

			composed, err := AddInterval(e.i1, e.i2)
			require.NoError(t, err)
			rhs, err := tt.Add(composed)
			require.NoError(t, err)

			assert.Equal(t, lhs, rhs, "tt=%v i1=%+v i2=%+v", tt, e.i1, e.i2)
		}
	}
}
