package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cosim-go/cosim/buffer"
	"github.com/cosim-go/cosim/cosimerr"
	"github.com/cosim-go/cosim/graph"
	"github.com/cosim-go/cosim/proxy"
	"github.com/cosim-go/cosim/tieredtime"
)

// State is one node of the per-simulator cooperative state machine (§4.4).
type State int

const (
	IdleWaitStep State = iota
	WaitDeps
	GatherInput
	Stepping
	Publishing
	Notify
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case IdleWaitStep:
		return "IDLE_WAIT_STEP"
	case WaitDeps:
		return "WAIT_DEPS"
	case GatherInput:
		return "GATHER_INPUT"
	case Stepping:
		return "STEPPING"
	case Publishing:
		return "PUBLISHING"
	case Notify:
		return "NOTIFY"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// entityCache is the per-attribute output history of one entity.
type entityCache map[string]*buffer.OutputCache

// Task is the cooperative unit driving one simulator through the
// IDLE_WAIT_STEP -> WAIT_DEPS -> GATHER_INPUT -> STEPPING -> PUBLISHING ->
// NOTIFY loop (§4.4). One goroutine per Task, started by Scheduler.Run,
// mirroring the one-goroutine-per-worker shape of the teacher's task
// worker pool even though here each worker is permanently bound to a
// single simulator rather than pulled from a shared queue.
type Task struct {
	sid  graph.SimID
	proxy proxy.Proxy
	node  graph.Node
	model graph.SimType

	strictlySelfStepping bool
	outputRequest        map[string][]string
	groupDepth           int
	tierDepth            int

	entityModels map[graph.EntityID]string
	entities     map[graph.EntityID]*graph.Entity

	progress        *buffer.Progress
	outputs         map[graph.EntityID]entityCache
	timedInput      *buffer.TimedInputBuffer
	persistentInput *buffer.PersistentInputBuffer

	mu                sync.Mutex
	heap              stepHeap
	seq               uint64
	state             State
	forced            bool
	loopIterCount     int
	maxLoopIterations int

	lastStepTier0 int64
	haveLastStep  bool

	// inFlight is the candidate tiered time currently popped off heap and
	// being carried through WAIT_DEPS/GATHER_INPUT/STEPPING, or nil when
	// idle. scheduleStep consults it so a trigger arriving for the same
	// tiered time while that candidate is already in flight doesn't queue
	// a spurious second step once the original entry has left the heap.
	inFlight *tieredtime.TieredTime

	hasNextStep          chan struct{}
	earlierStepInterrupt chan struct{}

	rtFactor float64
	rtStrict bool
	started  time.Time

	sched *Scheduler
}

func newTask(sched *Scheduler, sid graph.SimID, p proxy.Proxy, node graph.Node, zero tieredtime.TieredTime) *Task {
	return &Task{
		sid:                  sid,
		proxy:                p,
		node:                 node,
		model:                node.Type,
		entityModels:         make(map[graph.EntityID]string),
		entities:             make(map[graph.EntityID]*graph.Entity),
		progress:             buffer.NewProgress(zero),
		outputs:              make(map[graph.EntityID]entityCache),
		timedInput:           buffer.NewTimedInputBuffer(),
		persistentInput:      buffer.NewPersistentInputBuffer(),
		maxLoopIterations:    1000,
		hasNextStep:          make(chan struct{}, 1),
		earlierStepInterrupt: make(chan struct{}, 1),
		sched:                sched,
	}
}

// RegisterEntity records eid's model and identity, called once by
// scenario setup right after create() returns its descriptors. GATHER_INPUT
// and PUBLISHING need the model to classify trigger/persistent attrs, and
// get_related_entities needs the entity's recorded relations.
func (t *Task) RegisterEntity(e *graph.Entity) {
	t.entityModels[e.Eid] = e.Model
	t.entities[e.Eid] = e
}

// SetOutputRequest installs the precomputed union of attributes any
// successor reads, used as the get_data request in PUBLISHING (§4.4).
func (t *Task) SetOutputRequest(request map[string][]string) {
	t.outputRequest = request
}

// relatedEntities returns the global ids eid is linked to, per the entity
// forest/cross-sim relations recorded at entity-creation time.
func (t *Task) relatedEntities(eid graph.EntityID) []graph.FullID {
	e, ok := t.entities[eid]
	if !ok {
		return nil
	}
	return e.Rels
}

// nextStep reports the real-time (tier-0) component of this task's
// current earliest queued self-step. Everything outside this package
// that consults a task's schedule (graph.MaxAdvance, the deadlock
// detector's tiebreak) only ever needs real time, never the microstep
// tiers, so the tiered heap entry is collapsed here at the boundary.
func (t *Task) nextStep() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.heap.peek()
	if !ok {
		return 0, false
	}
	return p.time[0], true
}

// selfTime builds a TieredTime of this task's own depth with tier 0 set
// to tier0 and every deeper tier zero, the shape a pure self-step (not
// triggered by an incoming delivery) always has.
func (t *Task) selfTime(tier0 int64) tieredtime.TieredTime {
	tt := make(tieredtime.TieredTime, t.tierDepth)
	tt[0] = tier0
	return tt
}

// padToDepth extends tt with zero tiers up to this task's own tier
// depth, if it is shorter (a delivery from an ungrouped predecessor into
// a grouped task produces a time shallower than the task's own depth).
func (t *Task) padToDepth(tt tieredtime.TieredTime) tieredtime.TieredTime {
	if len(tt) >= t.tierDepth {
		return tt
	}
	padded := make(tieredtime.TieredTime, t.tierDepth)
	copy(padded, tt)
	return padded
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	if t.sched != nil {
		t.sched.metrics.observeState(t.sid, s)
	}
}

func (t *Task) getState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// scheduleStep queues a self-step at the given tiered time, waking
// IDLE_WAIT_STEP or interrupting a WAIT_DEPS wait if it arrives earlier
// than what's queued.
func (t *Task) scheduleStep(at tieredtime.TieredTime) {
	t.mu.Lock()
	if t.inFlight != nil && tieredtime.Compare(*t.inFlight, at) == 0 {
		// Already popped this exact time and carrying it through the
		// state machine; nothing new to queue.
		t.mu.Unlock()
		return
	}
	earlier := false
	if cur, ok := t.heap.peek(); ok && tieredtime.Less(at, cur.time) {
		earlier = true
	}
	t.seq++
	t.heap.schedule(pendingStep{time: at.Clone(), seq: t.seq})
	state := t.state
	t.mu.Unlock()

	select {
	case t.hasNextStep <- struct{}{}:
	default:
	}
	if earlier && state == WaitDeps {
		select {
		case t.earlierStepInterrupt <- struct{}{}:
		default:
		}
	}
}

// run drives the state machine until the task reaches DONE/FAILED or ctx
// is canceled.
func (t *Task) run(ctx context.Context) {
	defer t.sched.wg.Done()
	t.started = time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		next, ok := t.waitForCandidateStep(ctx)
		if !ok {
			if ctx.Err() == nil {
				// Nothing left that could ever produce a future step for
				// this task (it is either strictly self-stepping and has
				// exhausted its own schedule, or every predecessor that
				// could still trigger it has itself terminated): §4.4
				// "no producers can feed it" holds regardless of whether
				// progress has reached `until`.
				t.setState(Done)
				t.sched.onTaskProgressed(t)
			}
			return
		}

		if !t.waitForDeps(ctx, next) {
			return
		}

		// Commit to this candidate: pop it off the heap so it isn't
		// re-peeked on the next loop iteration, and mark it in flight so
		// a trigger for this same time arriving mid-step doesn't queue a
		// spurious duplicate (scheduleStep consults inFlight).
		t.mu.Lock()
		if popped, ok := t.heap.popNext(); ok {
			next = popped.time
		}
		inFlight := next
		t.inFlight = &inFlight
		t.mu.Unlock()

		inputs := t.gatherInput(next)

		t.setState(Stepping)
		tier0 := next[0]
		if err := t.pace(ctx, tier0); err != nil {
			t.fail(err)
			return
		}
		maxAdvance := t.sched.graph.MaxAdvance(t.sid, t.sched, t.sched.until[0])
		nextSelf, err := t.proxy.Step(ctx, tier0, inputs, maxAdvance)
		if err != nil {
			t.fail(fmt.Errorf("simulator %s step at %s: %w", t.sid, next, err))
			return
		}
		if err := proxy.ValidateStepResult(string(t.sid), tier0, maxAdvance, t.strictlySelfStepping, nextSelf); err != nil {
			t.fail(err)
			return
		}

		if err := t.trackLoopIterations(tier0); err != nil {
			t.fail(err)
			return
		}

		t.setState(Publishing)
		if err := t.publish(ctx, next); err != nil {
			t.fail(err)
			return
		}

		if nextSelf != nil {
			t.scheduleStep(t.selfTime(*nextSelf))
		}

		t.setState(Notify)
		newProgress := t.padToDepth(next.Clone())
		if err := t.progress.Advance(newProgress); err != nil {
			t.fail(fmt.Errorf("simulator %s: %w", t.sid, err))
			return
		}
		t.pruneOutputs(newProgress)

		t.mu.Lock()
		t.inFlight = nil
		t.mu.Unlock()

		t.sched.onTaskProgressed(t)

		if t.isDone(newProgress) {
			t.setState(Done)
			return
		}
		t.setState(IdleWaitStep)
	}
}

func (t *Task) isDone(p tieredtime.TieredTime) bool {
	if tieredtime.Less(p, t.sched.until) {
		return false
	}
	return !t.sched.anyPendingProducer(t.sid)
}

// waitForCandidateStep blocks in IDLE_WAIT_STEP until a step is queued, a
// pure self-stepper exhausts its own schedule, or ctx ends.
func (t *Task) waitForCandidateStep(ctx context.Context) (tieredtime.TieredTime, bool) {
	t.setState(IdleWaitStep)
	for {
		t.mu.Lock()
		p, ok := t.heap.peek()
		t.mu.Unlock()
		if ok {
			return p.time, true
		}
		if t.strictlySelfStepping || !t.sched.anyPendingProducer(t.sid) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-t.hasNextStep:
			continue
		case <-t.sched.awaitWake(t.sid):
			continue
		}
	}
}

// waitForDeps blocks in WAIT_DEPS until every predecessor/lazy-successor
// predicate for candidate time `next` is satisfied, participating in
// deadlock detection meanwhile.
func (t *Task) waitForDeps(ctx context.Context, next tieredtime.TieredTime) bool {
	t.setState(WaitDeps)
	t.sched.markWaiting(t.sid)
	defer t.sched.clearWaiting(t.sid)

	for {
		ok, err := t.depsSatisfied(next)
		if err != nil {
			t.fail(err)
			return false
		}
		if ok {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-t.earlierStepInterrupt:
			t.mu.Lock()
			p, has := t.heap.peek()
			t.mu.Unlock()
			if has {
				next = p.time
			}
		case woken := <-t.sched.awaitWake(t.sid):
			_ = woken
		}
	}
}

// forceProceed is the deadlock detector's resolution mechanism (§4.4):
// wake the chosen task's WAIT_DEPS loop and let it through regardless of
// which predicate was still blocking, standing in for "breaking the
// weakest-link edge" without tracking which single edge was responsible.
func (t *Task) forceProceed() {
	t.mu.Lock()
	t.forced = true
	t.mu.Unlock()
	select {
	case t.earlierStepInterrupt <- struct{}{}:
	default:
	}
}

func (t *Task) consumeForced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.forced {
		t.forced = false
		return true
	}
	return false
}

// depsSatisfied checks §4.4 WAIT_DEPS's three predicate families for
// candidate step time next: immediate predecessors (strict for a
// non-weak edge, lenient for weak), time-shifted predecessors offset by
// their shift, and lazy/async successors bounding this task's lookahead.
func (t *Task) depsSatisfied(next tieredtime.TieredTime) (bool, error) {
	if t.consumeForced() {
		return true, nil
	}
	for _, c := range t.sched.graph.ImmediatePredecessors(t.sid) {
		ok, err := t.predecessorReached(c.Src, t.weakTarget(next, c.Weak), !c.Weak)
		if err != nil || !ok {
			return ok, err
		}
	}
	for _, c := range t.sched.graph.ShiftedPredecessors(t.sid) {
		shiftedTarget := tieredtime.TieredTime{next[0] - int64(c.TimeShifted)}
		ok, err := t.predecessorReached(c.Src, shiftedTarget, false)
		if err != nil || !ok {
			return ok, err
		}
	}
	for _, sid := range t.sched.lazySuccessors(t.sid) {
		ok, err := t.predecessorReached(sid, tieredtime.TieredTime{next[0]}, false)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

// weakTarget builds the comparison target used against a predecessor's
// progress. A non-weak edge never shares a same-time group with its
// successor (§4.3 Cycle rule keeps the strict subgraph acyclic), so it
// only ever needs the predecessor to have passed this candidate's real
// time: comparing at tier 0 alone, padded with zeros, is exactly that.
// A weak edge inside a formed group needs the predecessor to have
// reached the microstep that produced this very candidate — one less
// than `next` at the group's own tier, undoing the +1 the edge's own
// Delay contributed on delivery (§4.3, §9 WAIT_DEPS predicate).
func (t *Task) weakTarget(next tieredtime.TieredTime, weak bool) tieredtime.TieredTime {
	if !weak {
		return tieredtime.TieredTime{next[0]}
	}
	target := next.Clone()
	g := t.groupDepth
	if g > 0 && g < len(target) && target[g] > 0 {
		target[g]--
	}
	return target
}

// predecessorReached reports whether sid's progress has reached (or, if
// strict, strictly passed) target. A predecessor that has already
// reached a terminal state can never produce a later output to strictly
// pass target with, so it counts as satisfied regardless — otherwise
// every strict edge's final delivery would depend on the deadlock
// detector to force it through.
func (t *Task) predecessorReached(sid graph.SimID, target tieredtime.TieredTime, strict bool) (bool, error) {
	other := t.sched.taskFor(sid)
	if other == nil {
		return true, nil
	}
	if s := other.getState(); s == Done || s == Failed {
		return true, nil
	}
	cur := other.progress.Value()
	if strict {
		return tieredtime.Less(target, cur), nil
	}
	return tieredtime.LessOrEqual(target, cur), nil
}

// gatherInput composes the step input dict from what predecessors have
// already pushed into this task's own buffers during their PUBLISHING
// (§4.4): queued non-persistent deliveries are drained once, persistent
// ones are read from the retained-latest memory.
func (t *Task) gatherInput(at tieredtime.TieredTime) map[string]map[string]map[string]any {
	t.setState(GatherInput)
	result := make(map[string]map[string]map[string]any)

	for eid, attrs := range t.timedInput.Drain(at) {
		for attr, srcs := range attrs {
			for src, v := range srcs {
				mergeDelivery(result, eid, attr, src, v)
			}
		}
	}

	for eid, attrs := range t.persistentInput.Snapshot(at) {
		for attr, srcs := range attrs {
			for src, v := range srcs {
				mergeDelivery(result, eid, attr, src, v)
			}
		}
	}

	return result
}

func mergeDelivery(dst map[string]map[string]map[string]any, dstEid, dstAttr, srcFull string, v any) {
	byAttr, ok := dst[dstEid]
	if !ok {
		byAttr = make(map[string]map[string]any)
		dst[dstEid] = byAttr
	}
	bySrc, ok := byAttr[dstAttr]
	if !ok {
		bySrc = make(map[string]any)
		byAttr[dstAttr] = bySrc
	}
	bySrc[srcFull] = v
}

// publish reads this task's get_data output, rejects any value that
// can't cross the wire as JSON (§4.1), caches the rest, and fans them
// out to every successor's input buffers, computing each destination's
// tiered delivery time via the connection's precomputed Delay (§4.3).
func (t *Task) publish(ctx context.Context, at tieredtime.TieredTime) error {
	data, err := t.proxy.GetData(ctx, t.outputRequest)
	if err != nil {
		return fmt.Errorf("simulator %s get_data at %s: %w", t.sid, at, err)
	}

	bad := make(map[string]map[string]struct{})
	for eid, attrs := range data {
		for attr, v := range attrs {
			if _, err := json.Marshal(v); err != nil {
				if bad[eid] == nil {
					bad[eid] = make(map[string]struct{})
				}
				bad[eid][attr] = struct{}{}
				continue
			}
			t.recordOutput(graph.EntityID(eid), attr, at, v)
		}
	}

	var details []cosimerr.SimulationErrorDetail
	for _, conn := range t.sched.outgoing(t.sid) {
		dstTask := t.sched.taskFor(conn.Dst)
		if dstTask == nil {
			continue
		}
		deliverTT, err := at.Add(conn.Delay)
		if err != nil {
			return fmt.Errorf("simulator %s: computing delivery time to %s: %w", t.sid, conn.Dst, err)
		}
		triggered := false
		for _, link := range conn.Links {
			eAttrs, ok := data[string(link.SrcEntity)]
			if !ok {
				continue
			}
			for _, m := range link.Attrs {
				v, ok := eAttrs[m.SrcAttr]
				if !ok {
					continue
				}
				if byAttr, isBad := bad[string(link.SrcEntity)]; isBad {
					if _, isBad := byAttr[m.SrcAttr]; isBad {
						details = append(details, cosimerr.SimulationErrorDetail{
							DestSid: string(conn.Dst), DestEid: string(link.DstEntity),
							DestAttr: m.DstAttr, Src: string(t.sid),
						})
						continue
					}
				}
				dstTask.deliver(deliverTT, link.DstEntity, m.DstAttr, graph.FullID{Sid: t.sid, Eid: link.SrcEntity}, v)
				if _, isTrigger := conn.Trigger[m.DstAttr]; isTrigger {
					triggered = true
				}
			}
		}
		if triggered {
			dstTask.scheduleStep(deliverTT)
		}
	}

	if len(details) > 0 {
		return &cosimerr.SimulationError{
			Sid:     string(t.sid),
			Cause:   "get_data produced non-serializable value(s)",
			Details: details,
		}
	}
	return nil
}

func (t *Task) deliver(at tieredtime.TieredTime, eid graph.EntityID, attr string, src graph.FullID, v any) {
	d := buffer.Delivery{Time: at, SrcFull: string(src.Sid) + "/" + string(src.Eid), DstEid: string(eid), DstAttr: attr, Value: v}
	if t.isPersistentAttr(eid, attr) {
		t.persistentInput.Push(d)
	} else {
		t.timedInput.Push(d)
	}
}

// isPersistentAttr reports whether attr on eid's model is persistent
// (§6): its last delivered value is retained and re-merged into every
// later step rather than consumed once.
func (t *Task) isPersistentAttr(eid graph.EntityID, attr string) bool {
	model, ok := t.entityModels[eid]
	if !ok {
		return false
	}
	spec, ok := t.node.Models[model]
	if !ok {
		return false
	}
	return spec.Persistent.Contains(attr, spec.Attrs)
}

func (t *Task) recordOutput(eid graph.EntityID, attr string, at tieredtime.TieredTime, v any) {
	attrs, ok := t.outputs[eid]
	if !ok {
		attrs = make(entityCache)
		t.outputs[eid] = attrs
	}
	cache, ok := attrs[attr]
	if !ok {
		cache = buffer.NewOutputCache()
		attrs[attr] = cache
	}
	if err := cache.Append(at, v, false); err != nil {
		logrus.WithFields(logrus.Fields{"sid": t.sid, "eid": eid, "attr": attr}).WithError(err).Warn("scheduler: output append rejected")
	}
}

// readOutputCache answers an inbound get_data callback (§4.1, §6): the
// requester reads this task's own newest-at-or-before-now output values,
// the async-pull path alongside the push delivery in publish.
func (t *Task) readOutputCache(request map[string][]string) map[string]map[string]any {
	at := t.progress.Value()
	result := make(map[string]map[string]any)
	for eid, attrs := range request {
		cache, ok := t.outputs[graph.EntityID(eid)]
		if !ok {
			continue
		}
		vals := make(map[string]any)
		for _, attr := range attrs {
			c, ok := cache[attr]
			if !ok {
				continue
			}
			if v, ok := c.Lookup(at); ok {
				vals[attr] = v
			}
		}
		if len(vals) > 0 {
			result[eid] = vals
		}
	}
	return result
}

func (t *Task) pruneOutputs(at tieredtime.TieredTime) {
	for _, attrs := range t.outputs {
		for _, cache := range attrs {
			cache.PruneTo(at)
		}
	}
}

// pace implements §4.4's real-time sleep: before a step at logical time
// `at`, sleep out any wallclock slack implied by rt_factor.
func (t *Task) pace(ctx context.Context, at int64) error {
	if t.rtFactor <= 0 {
		return nil
	}
	target := time.Duration(float64(at) * t.rtFactor * float64(time.Second))
	elapsed := time.Since(t.started)
	slack := target - elapsed
	if slack <= 0 {
		if t.rtStrict && slack < 0 {
			return &cosimerr.RuntimeError{Sid: string(t.sid), Cause: fmt.Sprintf("real-time pacing overrun by %s in strict mode", -slack)}
		}
		if slack < 0 {
			logrus.WithField("sid", t.sid).Warnf("scheduler: real-time pacing overrun by %s", -slack)
		}
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(slack):
		return nil
	}
}

// trackLoopIterations implements the max_loop_iterations bookkeeping
// counter (§4.3): consecutive steps at the same tier-0 time (a same-time
// feedback loop advancing only in microstep tiers) increment a counter;
// a step that moves to a later tier-0 time resets it. Exceeding the
// configured bound is a fatal RuntimeError.
func (t *Task) trackLoopIterations(next int64) error {
	if t.haveLastStep && next == t.lastStepTier0 {
		t.loopIterCount++
	} else {
		t.loopIterCount = 0
	}
	t.lastStepTier0 = next
	t.haveLastStep = true

	if t.maxLoopIterations > 0 && t.loopIterCount > t.maxLoopIterations {
		return &cosimerr.RuntimeError{
			Sid:   string(t.sid),
			Cause: fmt.Sprintf("same-time loop exceeded max_loop_iterations (%d)", t.maxLoopIterations),
		}
	}
	return nil
}

func (t *Task) fail(err error) {
	t.setState(Failed)
	t.sched.abort(t.sid, err)
}
