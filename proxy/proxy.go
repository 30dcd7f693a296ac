// Package proxy implements the uniform request/response channel to each
// simulator (§4.1): a Go interface any transport (in-process, TCP child
// process, already-running service) satisfies, plus the inbound request
// loop a simulator uses to call back into the orchestrator.
package proxy

import (
	"context"

	"github.com/cosim-go/cosim/graph"
)

// EntityDescriptor is one entity returned from Create (§4.1).
type EntityDescriptor struct {
	Eid      string
	Type     string
	Rel      []string // related entity full ids, for get_related_entities
	Children []EntityDescriptor
}

// StepResult is the optional next self-step time returned by Step. Nil
// means no further self-step is requested (§4.1).
type StepResult struct {
	NextStep *int64
}

// Proxy is the uniform channel to one simulator, satisfied identically by
// a local in-process adapter or a remote (TCP/container) transport
// (§4.1, §9 "uniform mosaik remote trait").
type Proxy interface {
	Init(ctx context.Context, sid graph.SimID, timeResolution float64, extraParams map[string]any) (*Metadata, error)
	Create(ctx context.Context, num int, model string, params map[string]any) ([]EntityDescriptor, error)
	SetupDone(ctx context.Context) error
	Step(ctx context.Context, time int64, inputs map[string]map[string]map[string]any, maxAdvance int64) (*int64, error)
	GetData(ctx context.Context, request map[string][]string) (map[string]map[string]any, error)
	Stop(ctx context.Context) error
	CallExtra(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)
}

// Callbacks is implemented by the orchestrator (world/scheduler) to
// service inbound simulator -> orchestrator requests (§4.1, §6): a
// simulator may ask for another simulator's progress or related entities,
// or push data/events into a destination it has an async-enabled edge to.
type Callbacks interface {
	GetProgress(ctx context.Context, sid graph.SimID) (float64, error)
	GetRelatedEntities(ctx context.Context, sid graph.SimID, entities []graph.FullID) (map[graph.FullID][]graph.FullID, error)
	GetData(ctx context.Context, requester graph.SimID, request map[string][]string) (map[string]map[string]any, error)
	SetData(ctx context.Context, requester graph.SimID, data map[string]map[string]map[string]any) error
	SetEvent(ctx context.Context, requester graph.SimID, time int64, payload map[string]map[string]any) error
}
