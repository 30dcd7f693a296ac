package scheduler

import (
	"context"
	"fmt"

	"github.com/cosim-go/cosim/cosimerr"
	"github.com/cosim-go/cosim/graph"
)

// Scheduler implements proxy.Callbacks: the inbound simulator ->
// orchestrator calls a simulator's proxy services mid-step (§4.1, §6).

// GetProgress returns sid's progress as a percentage of until.
func (s *Scheduler) GetProgress(ctx context.Context, sid graph.SimID) (float64, error) {
	t := s.taskFor(sid)
	if t == nil {
		return 0, fmt.Errorf("scheduler: get_progress: unknown simulator %q", sid)
	}
	if len(s.until) == 0 || s.until[0] == 0 {
		return 0, nil
	}
	cur := t.progress.Value()
	if len(cur) == 0 {
		return 0, nil
	}
	return 100 * float64(cur[0]) / float64(s.until[0]), nil
}

// GetRelatedEntities returns, for each requested full id, the full ids of
// entities it is connected to across simulators (§6).
func (s *Scheduler) GetRelatedEntities(ctx context.Context, sid graph.SimID, entities []graph.FullID) (map[graph.FullID][]graph.FullID, error) {
	out := make(map[graph.FullID][]graph.FullID, len(entities))
	for _, full := range entities {
		t := s.taskFor(full.Sid)
		if t == nil {
			continue
		}
		out[full] = t.relatedEntities(full.Eid)
	}
	return out, nil
}

// GetData services an async-pull read of sid's own output cache, on
// behalf of requester, enforcing the same async_requests constraint a
// real mosaik-style implementation applies at the edge level: this call
// reads requester's own cache entry (requester == sid, the owner of the
// cache), so there is no destination to validate here — GetData never
// crosses simulators. SetData and SetEvent below are the calls that
// push across an edge, and they validate it.
func (s *Scheduler) GetData(ctx context.Context, requester graph.SimID, request map[string][]string) (map[string]map[string]any, error) {
	t := s.taskFor(requester)
	if t == nil {
		return nil, fmt.Errorf("scheduler: get_data: unknown simulator %q", requester)
	}
	return t.readOutputCache(request), nil
}

// SetData pushes requester's data directly into a destination simulator's
// input buffers (§6), used by async_requests edges' push-style writes.
// Each destination must have an async-enabled edge from requester (§7);
// pushing to any other destination is a RuntimeError.
func (s *Scheduler) SetData(ctx context.Context, requester graph.SimID, data map[string]map[string]map[string]any) error {
	for dstSid, byEid := range data {
		dst := graph.SimID(dstSid)
		t := s.taskFor(dst)
		if t == nil {
			return fmt.Errorf("scheduler: set_data: unknown destination simulator %q", dstSid)
		}
		if !s.graph.HasAsyncEdge(requester, dst) {
			return &cosimerr.RuntimeError{
				Sid:   string(requester),
				Cause: fmt.Sprintf("set_data to %q: no async-enabled edge to this destination", dstSid),
			}
		}
		at := t.progress.Value()
		for eid, attrs := range byEid {
			for attr, v := range attrs {
				t.deliver(at, graph.EntityID(eid), attr, graph.FullID{Sid: requester}, v)
			}
		}
		t.scheduleStep(at)
	}
	return nil
}

// SetEvent inserts an external event step into requester's own schedule
// at a future time (§6). requester must itself be wired as an
// async_requests participant (i.e. have at least one async-enabled
// outgoing edge) — set_event carries no explicit destination, so the
// constraint is gated on requester's overall async-participant status
// rather than on a specific edge (§7).
func (s *Scheduler) SetEvent(ctx context.Context, requester graph.SimID, time int64, payload map[string]map[string]any) error {
	t := s.taskFor(requester)
	if t == nil {
		return fmt.Errorf("scheduler: set_event: unknown simulator %q", requester)
	}
	if !s.graph.IsAsyncRequester(requester) {
		return &cosimerr.RuntimeError{
			Sid:   string(requester),
			Cause: "set_event: simulator has no async-enabled edge",
		}
	}
	at := t.selfTime(time)
	for eid, attrs := range payload {
		for attr, v := range attrs {
			t.deliver(at, graph.EntityID(eid), attr, graph.FullID{Sid: requester}, v)
		}
	}
	t.scheduleStep(at)
	return nil
}
