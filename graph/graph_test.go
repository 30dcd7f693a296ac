package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosim-go/cosim/tieredtime"
)

func addNode(t *testing.T, g *Graph, sid SimID) {
	t.Helper()
	require.NoError(t, g.AddNode(&Node{Sid: sid, Type: TimeBased, Group: -1}))
}

func TestFreeze_AcceptsAcyclicStrictSubgraph(t *testing.T) {
	g := New()
	addNode(t, g, "A")
	addNode(t, g, "B")
	require.NoError(t, g.AddConnection(&Connection{Src: "A", Dst: "B", Delay: tieredtime.Zero(1)}))
	assert.NoError(t, g.Freeze())
}

func TestFreeze_RejectsStrictCycle(t *testing.T) {
	g := New()
	addNode(t, g, "A")
	addNode(t, g, "B")
	require.NoError(t, g.AddConnection(&Connection{Src: "A", Dst: "B", Delay: tieredtime.Zero(1)}))
	require.NoError(t, g.AddConnection(&Connection{Src: "B", Dst: "A", Delay: tieredtime.Zero(1)}))

	err := g.Freeze()
	require.Error(t, err)
	var cyc *CyclicGraphError
	require.ErrorAs(t, err, &cyc)
	assert.Len(t, cyc.Cycle, 2)
}

func TestFreeze_WeakEdgeDoesNotCountAsStrict(t *testing.T) {
	g := New()
	addNode(t, g, "A")
	addNode(t, g, "B")
	addNode(t, g, "C")
	require.NoError(t, g.AddConnection(&Connection{Src: "A", Dst: "B", Delay: tieredtime.Zero(1)}))
	require.NoError(t, g.AddConnection(&Connection{Src: "B", Dst: "C", Delay: tieredtime.Zero(1)}))
	require.NoError(t, g.AddConnection(&Connection{Src: "C", Dst: "A", Weak: true, Delay: tieredtime.Weak(0, 1)}))

	assert.NoError(t, g.Freeze())
}

func TestFreeze_ShiftedEdgeDoesNotCountAsStrict(t *testing.T) {
	g := New()
	addNode(t, g, "A")
	addNode(t, g, "B")
	require.NoError(t, g.AddConnection(&Connection{Src: "A", Dst: "B", Delay: tieredtime.Zero(1)}))
	require.NoError(t, g.AddConnection(&Connection{Src: "B", Dst: "A", TimeShifted: 1, Delay: tieredtime.Shifted(1, 1)}))

	assert.NoError(t, g.Freeze())
}

func TestAddConnection_RejectsAsyncWithShift(t *testing.T) {
	g := New()
	addNode(t, g, "A")
	addNode(t, g, "B")
	err := g.AddConnection(&Connection{Src: "A", Dst: "B", TimeShifted: 1, AsyncReqs: true})
	assert.Error(t, err)
}

type fakeNextStep map[SimID]int64

func (f fakeNextStep) NextStep(sid SimID) (int64, bool) {
	t, ok := f[sid]
	return t, ok
}

func TestMaxAdvance_BoundedByEarliestPredecessorOutput(t *testing.T) {
	g := New()
	addNode(t, g, "A")
	addNode(t, g, "B")
	require.NoError(t, g.AddConnection(&Connection{Src: "A", Dst: "B", Delay: tieredtime.Zero(1)}))
	require.NoError(t, g.Freeze())

	next := fakeNextStep{"A": 5}
	got := g.MaxAdvance("B", next, 100)
	assert.Equal(t, int64(5), got)
}

func TestMaxAdvance_CappedAtUntil(t *testing.T) {
	g := New()
	addNode(t, g, "A")
	addNode(t, g, "B")
	require.NoError(t, g.AddConnection(&Connection{Src: "A", Dst: "B", TimeShifted: 3, Delay: tieredtime.Shifted(3, 1)}))
	require.NoError(t, g.Freeze())

	next := fakeNextStep{"A": 50}
	got := g.MaxAdvance("B", next, 20)
	assert.Equal(t, int64(20), got)
}

func TestMaxAdvance_IgnoresExhaustedPredecessor(t *testing.T) {
	g := New()
	addNode(t, g, "A")
	addNode(t, g, "B")
	require.NoError(t, g.AddConnection(&Connection{Src: "A", Dst: "B", Delay: tieredtime.Zero(1)}))
	require.NoError(t, g.Freeze())

	next := fakeNextStep{} // A has no queued step
	got := g.MaxAdvance("B", next, 42)
	assert.Equal(t, int64(42), got)
}
