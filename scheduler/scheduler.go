// Package scheduler drives the cooperative per-simulator task state
// machine of §4.4: one goroutine per simulator, a global deadlock
// detector, and the push-based delivery of step outputs into successor
// input buffers.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cosim-go/cosim/cosimerr"
	"github.com/cosim-go/cosim/graph"
	"github.com/cosim-go/cosim/proxy"
	"github.com/cosim-go/cosim/tieredtime"
)

// MetricsSink receives scheduler state transitions; nil-safe, so a
// Scheduler with no metrics wiring costs nothing. The concrete
// Prometheus-backed implementation lives in package metrics.
type MetricsSink interface {
	ObserveState(sid graph.SimID, state string)
	ObserveDeadlock(resolvedSid graph.SimID)
}

type noopMetrics struct{}

func (noopMetrics) ObserveState(graph.SimID, string) {}
func (noopMetrics) ObserveDeadlock(graph.SimID)      {}

// metricsAdapter lets task.go call a typed observeState(sid, State)
// without State (an internal enum) leaking into the MetricsSink contract.
type metricsAdapter struct{ sink MetricsSink }

func (m metricsAdapter) observeState(sid graph.SimID, s State) {
	m.sink.ObserveState(sid, s.String())
}

// Config configures one Scheduler run.
type Config struct {
	Until             tieredtime.TieredTime
	MaxLoopIterations int
	RTFactor          float64
	RTStrict          bool
	Metrics           MetricsSink
}

// Scheduler owns every simulator's Task and the bookkeeping needed for
// deadlock detection and coordinated shutdown.
type Scheduler struct {
	graph *graph.Graph
	until tieredtime.TieredTime

	tasks map[graph.SimID]*Task
	order []graph.SimID // stop order for Shutdown; nothing sets it, so Shutdown falls back to sid order

	metrics metricsAdapter

	mu      sync.Mutex
	waiting map[graph.SimID]struct{}
	wake    chan struct{} // closed and replaced on every progress advance

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	failOnce sync.Once
	failErr  error
	failedAt graph.SimID
}

// New builds a Scheduler over g with one Task per node, wired to proxies
// in sims (by sid). g must already be frozen.
func New(g *graph.Graph, sims map[graph.SimID]proxy.Proxy, cfg Config) (*Scheduler, error) {
	sink := cfg.Metrics
	if sink == nil {
		sink = noopMetrics{}
	}
	s := &Scheduler{
		graph:   g,
		until:   cfg.Until,
		tasks:   make(map[graph.SimID]*Task),
		metrics: metricsAdapter{sink: sink},
		waiting: make(map[graph.SimID]struct{}),
		wake:    make(chan struct{}),
	}

	for sid, node := range g.Nodes {
		p, ok := sims[sid]
		if !ok {
			return nil, &cosimerr.ConfigurationError{Sid: string(sid), Cause: "no proxy registered for simulator"}
		}
		t := newTask(s, sid, p, *node, g.ZeroTime(sid))
		t.strictlySelfStepping = len(g.ImmediatePredecessors(sid)) == 0 && len(g.ShiftedPredecessors(sid)) == 0
		t.tierDepth = g.TieredTimeDepth(sid)
		t.groupDepth = g.GroupDepth(sid)
		if cfg.MaxLoopIterations > 0 {
			t.maxLoopIterations = cfg.MaxLoopIterations
		}
		t.rtFactor = cfg.RTFactor
		t.rtStrict = cfg.RTStrict
		s.tasks[sid] = t
	}
	// Every simulator is stepped once at time 0 to begin the run (§4.4);
	// subsequent self-steps are driven by each step()'s returned next-step
	// time, or by incoming triggering data.
	for _, t := range s.tasks {
		t.scheduleStep(t.selfTime(0))
	}
	return s, nil
}

// Task returns sid's task, for scenario setup code (populating
// entityModels, outputRequest) before Run starts.
func (s *Scheduler) Task(sid graph.SimID) *Task { return s.tasks[sid] }

// Run starts every task's goroutine and blocks until all reach a
// terminal state, ctx is canceled, or one task fails (aborting the rest).
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	for sid, t := range s.tasks {
		s.wg.Add(1)
		go t.run(runCtx)
		logrus.WithField("sid", sid).Debug("scheduler: task started")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	detectorDone := make(chan struct{})
	go s.runDeadlockDetector(runCtx, detectorDone)

	select {
	case <-done:
	case <-runCtx.Done():
		s.wg.Wait()
	}
	cancel()
	<-detectorDone

	if s.failErr != nil {
		return fmt.Errorf("scheduler: simulator %s: %w", s.failedAt, s.failErr)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Shutdown stops every proxy with a bounded per-proxy timeout, in reverse
// of s.order when it is set and otherwise in reverse lexicographic sid
// order; no dependency order is derived here (§3, §5 "Cancellation").
func (s *Scheduler) Shutdown(timeout time.Duration) {
	order := s.order
	if len(order) == 0 {
		for sid := range s.tasks {
			order = append(order, sid)
		}
		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	}
	for i := len(order) - 1; i >= 0; i-- {
		t := s.tasks[order[i]]
		if t == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := t.proxy.Stop(ctx); err != nil {
			logrus.WithField("sid", t.sid).WithError(err).Warn("scheduler: proxy stop failed during shutdown")
		}
		cancel()
	}
}

func (s *Scheduler) taskFor(sid graph.SimID) *Task { return s.tasks[sid] }

// NextStep implements graph.NextStepSource, delegating to the named
// task's own queued-step lookup.
func (s *Scheduler) NextStep(sid graph.SimID) (int64, bool) {
	t := s.tasks[sid]
	if t == nil {
		return 0, false
	}
	return t.nextStep()
}

func (s *Scheduler) outgoing(sid graph.SimID) []*graph.Connection {
	out := append([]*graph.Connection(nil), s.graph.ImmediateSuccessors(sid)...)
	out = append(out, s.graph.ShiftedSuccessors(sid)...)
	return out
}

// lazySuccessors returns the successors of sid that pull data from it via
// async_requests, bounding how far sid may run ahead of them (§4.4).
func (s *Scheduler) lazySuccessors(sid graph.SimID) []graph.SimID {
	var out []graph.SimID
	for _, c := range s.outgoing(sid) {
		if c.AsyncReqs {
			out = append(out, c.Dst)
		}
	}
	return out
}

// anyPendingProducer reports whether any predecessor of sid could still
// publish an event before `until`, the condition gating DONE (§4.4).
func (s *Scheduler) anyPendingProducer(sid graph.SimID) bool {
	for _, c := range s.graph.ImmediatePredecessors(sid) {
		if t := s.taskFor(c.Src); t != nil && t.getState() != Done && t.getState() != Failed {
			return true
		}
	}
	for _, c := range s.graph.ShiftedPredecessors(sid) {
		if t := s.taskFor(c.Src); t != nil && t.getState() != Done && t.getState() != Failed {
			return true
		}
	}
	return false
}

// resolveStarvation handles the case where every remaining task is blocked
// idle with no queued step, each waiting on a predecessor that is itself
// stuck the same way: a cycle of weak edges where nobody has anything left
// to produce. pickDeadlockCandidate has nothing to force through, so the
// run is over — mark the stalled tasks DONE and wake everyone so each
// task's own waitForCandidateStep observes its predecessors are terminal
// and exits through its normal path.
func (s *Scheduler) resolveStarvation() {
	var stalled []*Task
	for _, t := range s.tasks {
		state := t.getState()
		if state != IdleWaitStep {
			continue
		}
		if _, has := t.nextStep(); has {
			continue
		}
		stalled = append(stalled, t)
	}
	if len(stalled) == 0 {
		return
	}
	logrus.Warn("scheduler: no task has a queued step and every remaining task is waiting on another with nothing left to produce; ending run")
	for _, t := range stalled {
		t.setState(Done)
	}
	s.onTaskProgressed(nil)
}

func (s *Scheduler) onTaskProgressed(_ *Task) {
	s.mu.Lock()
	old := s.wake
	s.wake = make(chan struct{})
	s.mu.Unlock()
	close(old)
}

func (s *Scheduler) awaitWake(graph.SimID) <-chan struct{} {
	s.mu.Lock()
	ch := s.wake
	s.mu.Unlock()
	return ch
}

func (s *Scheduler) markWaiting(sid graph.SimID) {
	s.mu.Lock()
	s.waiting[sid] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) clearWaiting(sid graph.SimID) {
	s.mu.Lock()
	delete(s.waiting, sid)
	s.mu.Unlock()
}

func (s *Scheduler) abort(sid graph.SimID, err error) {
	s.failOnce.Do(func() {
		s.failErr = err
		s.failedAt = sid
		logrus.WithField("sid", sid).WithError(err).Error("scheduler: task failed, aborting run")
		if s.cancel != nil {
			s.cancel()
		}
	})
}
