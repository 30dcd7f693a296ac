package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cosim-go/cosim/graph"
)

// pollInterval is how often the detector checks for a global stall. The
// detector is a correctness backstop, not a hot path, so a short sleep
// loop is simpler than wiring condition-variable fan-in across every task.
const pollInterval = 2 * time.Millisecond

// runDeadlockDetector implements §4.4's global deadlock check: when every
// task is blocked in WAIT_DEPS or idle with no queued step, resolve by
// waking the task with the lexicographically smallest (tier-rank,
// next_step, sid) among those that do have a queued step. If none has a
// queued step, the run is starved and the detector ends it through
// resolveStarvation.
func (s *Scheduler) runDeadlockDetector(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.allBlocked() {
			continue
		}
		candidate, ok := s.pickDeadlockCandidate()
		if !ok {
			// Every remaining task is circularly waiting on a predecessor
			// that is itself waiting with nothing queued: no further event
			// can ever occur. This is not a weakest-link cycle to break,
			// it is a genuine stall, so resolve it by ending the run
			// (§4.4 "the run has genuinely finished or is starved").
			s.resolveStarvation()
			continue
		}
		logrus.WithField("sid", candidate.sid).Warn("scheduler: deadlock detected, forcing candidate through")
		s.metrics.sink.ObserveDeadlock(candidate.sid)
		candidate.forceProceed()
	}
}

func (s *Scheduler) allBlocked() bool {
	s.mu.Lock()
	waitingCount := len(s.waiting)
	s.mu.Unlock()

	total := 0
	idleWithNoStep := 0
	for _, t := range s.tasks {
		state := t.getState()
		if state == Done || state == Failed {
			continue
		}
		total++
		if state == IdleWaitStep {
			if _, has := t.nextStep(); !has {
				idleWithNoStep++
			}
		}
	}
	if total == 0 {
		return false
	}
	return waitingCount+idleWithNoStep == total
}

// deadlockKey is the tiebreak tuple (tier-rank, next_step, sid) used to
// pick a deterministic resolution candidate (§4.4, §5 "deterministic
// given the graph, the current progress vector, and sid as tiebreaker").
type deadlockKey struct {
	tierRank int
	nextStep int64
	sid      graph.SimID
}

func (s *Scheduler) pickDeadlockCandidate() (*Task, bool) {
	var best *Task
	var bestKey deadlockKey
	found := false

	for sid, t := range s.tasks {
		next, ok := t.nextStep()
		if !ok {
			continue
		}
		key := deadlockKey{tierRank: t.groupDepth, nextStep: next, sid: sid}
		if !found || less(key, bestKey) {
			best, bestKey, found = t, key, true
		}
	}
	return best, found
}

func less(a, b deadlockKey) bool {
	if a.tierRank != b.tierRank {
		return a.tierRank < b.tierRank
	}
	if a.nextStep != b.nextStep {
		return a.nextStep < b.nextStep
	}
	return a.sid < b.sid
}
