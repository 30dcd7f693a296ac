package buffer

import (
	"context"
	"sync"

	"github.com/cosim-go/cosim/tieredtime"
)

// waiter is a one-shot signal fired once a Progress value satisfies a
// caller's predicate (§9 design note: "waiter sets on Progress are
// explicit lists of one-shot signals").
type waiter struct {
	threshold tieredtime.TieredTime
	passed    bool // true => has_passed (strict), false => has_reached (>=)
	ch        chan struct{}
}

// Progress is a simulator's guaranteed-published-up-to-here tiered time,
// with two wait primitives (§3): HasReached(t) (value >= t) and
// HasPassed(t) (value > t). Every Advance call wakes any waiter whose
// predicate newly holds.
type Progress struct {
	mu      sync.Mutex
	value   tieredtime.TieredTime
	waiters []*waiter
}

// NewProgress returns a Progress initialized to a copy of initial.
func NewProgress(initial tieredtime.TieredTime) *Progress {
	return &Progress{value: initial.Clone()}
}

// Value returns the current progress value.
func (p *Progress) Value() tieredtime.TieredTime {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value.Clone()
}

// Advance sets the progress to t, which must be >= the current value
// (§8 monotone progress), and wakes every waiter whose predicate now
// holds.
func (p *Progress) Advance(t tieredtime.TieredTime) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tieredtime.Less(t, p.value) {
		return &MonotonicityViolation{Was: p.value.Clone(), Attempted: t.Clone()}
	}
	p.value = t.Clone()

	remaining := p.waiters[:0]
	for _, w := range p.waiters {
		if p.satisfiesLocked(w) {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	p.waiters = remaining
	return nil
}

func (p *Progress) satisfiesLocked(w *waiter) bool {
	c := tieredtime.Compare(p.value, w.threshold)
	if w.passed {
		return c > 0
	}
	return c >= 0
}

// HasReached blocks until progress >= t, the context is done, or the
// condition already holds, whichever comes first.
func (p *Progress) HasReached(ctx context.Context, t tieredtime.TieredTime) error {
	return p.wait(ctx, t, false)
}

// HasPassed blocks until progress > t.
func (p *Progress) HasPassed(ctx context.Context, t tieredtime.TieredTime) error {
	return p.wait(ctx, t, true)
}

func (p *Progress) wait(ctx context.Context, t tieredtime.TieredTime, passed bool) error {
	p.mu.Lock()
	w := &waiter{threshold: t.Clone(), passed: passed, ch: make(chan struct{})}
	if p.satisfiesLocked(w) {
		p.mu.Unlock()
		return nil
	}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MonotonicityViolation reports an attempted non-monotone Progress
// advance — an invariant violation rather than expected user error, so
// callers treat it as fatal (§8 monotone progress).
type MonotonicityViolation struct {
	Was, Attempted tieredtime.TieredTime
}

func (e *MonotonicityViolation) Error() string {
	return "buffer: progress went backwards: " + e.Was.String() + " -> " + e.Attempted.String()
}
