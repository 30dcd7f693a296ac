package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosim-go/cosim/graph"
	"github.com/cosim-go/cosim/proxy"
	"github.com/cosim-go/cosim/tieredtime"
)

// fakeSim is a minimal in-process proxy.Simulator driven entirely by a
// caller-supplied stepFunc, letting each scenario test express its
// simulator's behavior as a plain closure instead of a bespoke type.
type fakeSim struct {
	mu       sync.Mutex
	model    string
	steps    []int64 // every time value passed to Step, in call order
	inputs   []map[string]map[string]map[string]any
	stepFunc func(time int64, inputs map[string]map[string]map[string]any, maxAdvance int64) (*int64, map[string]map[string]any)
}

func (s *fakeSim) Init(ctx context.Context, sid graph.SimID, timeResolution float64, extraParams map[string]any) (*proxy.Metadata, error) {
	return &proxy.Metadata{
		APIVersion: proxy.APIVersion{Major: 3, Minor: 0},
		Type:       graph.TimeBased,
		Models: map[string]graph.ModelSpec{
			s.model: {
				Public: true, Attrs: []string{"val"},
				Trigger: graph.AllAttrSet(), Persistent: graph.NewExplicitAttrSet(nil),
			},
		},
	}, nil
}

func (s *fakeSim) Create(ctx context.Context, num int, model string, params map[string]any) ([]proxy.EntityDescriptor, error) {
	out := make([]proxy.EntityDescriptor, num)
	for i := range out {
		out[i] = proxy.EntityDescriptor{Eid: "e0", Type: model}
	}
	return out, nil
}

func (s *fakeSim) SetupDone(ctx context.Context) error { return nil }

func (s *fakeSim) Step(ctx context.Context, time int64, inputs map[string]map[string]map[string]any, maxAdvance int64) (*int64, error) {
	s.mu.Lock()
	s.steps = append(s.steps, time)
	s.inputs = append(s.inputs, inputs)
	s.mu.Unlock()
	next, _ := s.stepFunc(time, inputs, maxAdvance)
	return next, nil
}

func (s *fakeSim) GetData(ctx context.Context, request map[string][]string) (map[string]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, out := s.stepFunc(s.steps[len(s.steps)-1], s.inputs[len(s.inputs)-1], 0)
	return out, nil
}

func (s *fakeSim) Stop(ctx context.Context) error { return nil }

func (s *fakeSim) stepTimes() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.steps...)
}

// buildPair assembles a two-node graph A -> B over an immediate edge on
// attribute "val" -> "val", with each node's single entity already
// registered, ready for Scheduler.Run.
func buildPair(t *testing.T, a, b *fakeSim, weak, trigger bool) (*Scheduler, *graph.Graph) {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddNode(&graph.Node{Sid: "A", Type: graph.TimeBased, Group: -1, Models: map[string]graph.ModelSpec{
		"M": {Attrs: []string{"val"}, Trigger: graph.AllAttrSet(), Persistent: graph.NewExplicitAttrSet(nil)},
	}}))
	dstPersistent := graph.NewExplicitAttrSet(nil)
	if !trigger {
		dstPersistent = graph.AllAttrSet() // polled, not trigger-driven: retain last value
	}
	require.NoError(t, g.AddNode(&graph.Node{Sid: "B", Type: graph.TimeBased, Group: -1, Models: map[string]graph.ModelSpec{
		"M": {Attrs: []string{"val"}, Trigger: graph.AllAttrSet(), Persistent: dstPersistent},
	}}))

	delay := tieredtime.Zero(1)
	conn := &graph.Connection{
		Src: "A", Dst: "B", Delay: delay, Weak: weak,
		Links: []graph.EntityLink{{SrcEntity: "e0", DstEntity: "e0", Attrs: []graph.AttrMapping{{SrcAttr: "val", DstAttr: "val"}}}},
	}
	if trigger {
		conn.Trigger = map[string]struct{}{"val": {}}
	} else {
		conn.Trigger = map[string]struct{}{}
	}
	require.NoError(t, g.AddConnection(conn))
	require.NoError(t, g.Freeze())

	sims := map[graph.SimID]proxy.Proxy{
		"A": proxy.NewLocalProxy(a, nil, "A"),
		"B": proxy.NewLocalProxy(b, nil, "B"),
	}
	sched, err := New(g, sims, Config{Until: tieredtime.TieredTime{3}, MaxLoopIterations: 100})
	require.NoError(t, err)

	sched.Task("A").RegisterEntity(&graph.Entity{Sid: "A", Eid: "e0", Model: "M"})
	sched.Task("B").RegisterEntity(&graph.Entity{Sid: "B", Eid: "e0", Model: "M"})
	sched.Task("A").SetOutputRequest(map[string][]string{"e0": {"val"}})

	return sched, g
}

// TestScenario_TwoTimeBasedLockstep mirrors spec §8's two-time-based
// lockstep scenario: A and B both step every tick 0..until, A's output
// feeding B's input at the same tick.
func TestScenario_TwoTimeBasedLockstep(t *testing.T) {
	a := &fakeSim{model: "M", stepFunc: func(time int64, _ map[string]map[string]map[string]any, _ int64) (*int64, map[string]map[string]any) {
		next := time + 1
		if next > 3 {
			return nil, map[string]map[string]any{"e0": {"val": time}}
		}
		return &next, map[string]map[string]any{"e0": {"val": time}}
	}}
	b := &fakeSim{model: "M", stepFunc: func(time int64, inputs map[string]map[string]map[string]any, _ int64) (*int64, map[string]map[string]any) {
		return nil, nil
	}}

	sched, _ := buildPair(t, a, b, false, true)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sched.Run(ctx))

	assert.Equal(t, []int64{0, 1, 2, 3}, a.stepTimes())
	// B only steps when A's data arrives (A is an immediate non-weak
	// trigger edge), lockstep at the same tick as A.
	assert.Equal(t, []int64{0, 1, 2, 3}, b.stepTimes())
}

// TestScenario_FastToSlow has A stepping every tick and B stepping every
// third tick, B's max_advance bounded by A's own schedule.
func TestScenario_FastToSlow(t *testing.T) {
	a := &fakeSim{model: "M", stepFunc: func(time int64, _ map[string]map[string]map[string]any, _ int64) (*int64, map[string]map[string]any) {
		next := time + 1
		if next > 3 {
			return nil, map[string]map[string]any{"e0": {"val": time}}
		}
		return &next, map[string]map[string]any{"e0": {"val": time}}
	}}
	bStepped := 0
	b := &fakeSim{model: "M", stepFunc: func(time int64, _ map[string]map[string]map[string]any, _ int64) (*int64, map[string]map[string]any) {
		bStepped++
		next := time + 3
		if next > 3 {
			return nil, nil
		}
		return &next, nil
	}}

	sched, _ := buildPair(t, a, b, false, false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sched.Run(ctx))

	assert.Equal(t, []int64{0, 1, 2, 3}, a.stepTimes())
	assert.Equal(t, []int64{0, 3}, b.stepTimes())
	assert.Equal(t, 2, bStepped)
}

// TestScenario_WeakEdgeSameTick checks that a single weak edge A->B lets
// B step at the same tick as A without blocking A's own progress on B.
func TestScenario_WeakEdgeSameTick(t *testing.T) {
	a := &fakeSim{model: "M", stepFunc: func(time int64, _ map[string]map[string]map[string]any, _ int64) (*int64, map[string]map[string]any) {
		next := time + 1
		if next > 2 {
			return nil, map[string]map[string]any{"e0": {"val": time}}
		}
		return &next, map[string]map[string]any{"e0": {"val": time}}
	}}
	b := &fakeSim{model: "M", stepFunc: func(time int64, _ map[string]map[string]map[string]any, _ int64) (*int64, map[string]map[string]any) {
		return nil, nil
	}}

	sched, g := buildPair(t, a, b, true, true)
	require.NotNil(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sched.Run(ctx))

	assert.Equal(t, []int64{0, 1, 2}, a.stepTimes())
	assert.Equal(t, []int64{0, 1, 2}, b.stepTimes())
}

// TestScenario_Deadlock builds a cyclic pair of weak edges (A<->B, both
// weak so the strict-cycle check permits it) where neither side ever
// self-schedules a follow-up step. With no task holding a queued step, the
// global deadlock detector resolves the starvation and the run reaches
// DONE instead of hanging.
func TestScenario_Deadlock(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode(&graph.Node{Sid: "A", Type: graph.EventBased, Group: -1, Models: map[string]graph.ModelSpec{
		"M": {Attrs: []string{"val"}, Trigger: graph.AllAttrSet(), Persistent: graph.NewExplicitAttrSet(nil)},
	}}))
	require.NoError(t, g.AddNode(&graph.Node{Sid: "B", Type: graph.EventBased, Group: -1, Models: map[string]graph.ModelSpec{
		"M": {Attrs: []string{"val"}, Trigger: graph.AllAttrSet(), Persistent: graph.NewExplicitAttrSet(nil)},
	}}))
	link := []graph.EntityLink{{SrcEntity: "e0", DstEntity: "e0", Attrs: []graph.AttrMapping{{SrcAttr: "val", DstAttr: "val"}}}}
	require.NoError(t, g.AddConnection(&graph.Connection{Src: "A", Dst: "B", Weak: true, Delay: tieredtime.Weak(0, 1), Trigger: map[string]struct{}{"val": {}}, Links: link}))
	require.NoError(t, g.AddConnection(&graph.Connection{Src: "B", Dst: "A", Weak: true, Delay: tieredtime.Weak(0, 1), Trigger: map[string]struct{}{"val": {}}, Links: link}))
	require.NoError(t, g.Freeze())

	a := &fakeSim{model: "M", stepFunc: func(time int64, _ map[string]map[string]map[string]any, _ int64) (*int64, map[string]map[string]any) {
		return nil, map[string]map[string]any{"e0": {"val": time}}
	}}
	b := &fakeSim{model: "M", stepFunc: func(time int64, _ map[string]map[string]map[string]any, _ int64) (*int64, map[string]map[string]any) {
		return nil, nil
	}}

	sims := map[graph.SimID]proxy.Proxy{"A": proxy.NewLocalProxy(a, nil, "A"), "B": proxy.NewLocalProxy(b, nil, "B")}
	sched, err := New(g, sims, Config{Until: tieredtime.TieredTime{1}, MaxLoopIterations: 50})
	require.NoError(t, err)
	sched.Task("A").RegisterEntity(&graph.Entity{Sid: "A", Eid: "e0", Model: "M"})
	sched.Task("B").RegisterEntity(&graph.Entity{Sid: "B", Eid: "e0", Model: "M"})
	sched.Task("A").SetOutputRequest(map[string][]string{"e0": {"val"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sched.Run(ctx))

	assert.NotEmpty(t, a.stepTimes())
}
