// Package prev3 adapts a v2-and-earlier simulator proxy up to the
// current protocol (§4.2): a "time_resolution" key is removed from the
// extra init params, while the timeResolution argument itself is still
// passed through to the wrapped proxy; step calls pass -1 in place of
// the max_advance value rather than omitting it. Importing this package
// registers the adapter; no package in this module imports it.
package prev3

import (
	"context"

	"github.com/cosim-go/cosim/adapter"
	"github.com/cosim-go/cosim/graph"
	"github.com/cosim-go/cosim/proxy"
)

func init() {
	adapter.Register(2, func(next proxy.Proxy) proxy.Proxy {
		return &Adapter{Proxy: next}
	})
}

// Adapter wraps a pre-v3 simulator proxy.
type Adapter struct {
	proxy.Proxy
}

func (a *Adapter) Init(ctx context.Context, sid graph.SimID, timeResolution float64, extraParams map[string]any) (*proxy.Metadata, error) {
	stripped := make(map[string]any, len(extraParams))
	for k, v := range extraParams {
		stripped[k] = v
	}
	delete(stripped, "time_resolution")
	return a.Proxy.Init(ctx, sid, timeResolution, stripped)
}

func (a *Adapter) Step(ctx context.Context, time int64, inputs map[string]map[string]map[string]any, maxAdvance int64) (*int64, error) {
	// max_advance is meaningless to a pre-v3 simulator; pass the
	// sentinel the old protocol used for "unbounded".
	return a.Proxy.Step(ctx, time, inputs, -1)
}
