// Package adapter implements the version-adapter decorator chain (§4.2):
// each adapter wraps a proxy.Proxy one protocol minor version older,
// stripping fields the wrapped simulator predates on the way down and
// injecting defaults the orchestrator expects on the way back up.
//
// Per-version behavior is registered by minor-version sub-packages at
// init() time into the package-level registry below, the same
// import-cycle-breaking trick the teacher's sim/latency and sim/kv
// sub-packages use to wire a constructor into their owning package
// without that package importing them back.
package adapter

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/cosim-go/cosim/graph"
	"github.com/cosim-go/cosim/proxy"
)

// Factory builds the adapter for one minor version, wrapping next (the
// adapter for the next-newer version, or the raw proxy for the newest).
type Factory func(next proxy.Proxy) proxy.Proxy

var registry = map[int]Factory{}

// Register installs the adapter factory for protocol minor version
// minor. Called from a version sub-package's init().
func Register(minor int, f Factory) {
	if _, exists := registry[minor]; exists {
		panic(fmt.Sprintf("adapter: minor version %d already registered", minor))
	}
	registry[minor] = f
}

// Chain builds the full decorator chain from raw (speaking the current
// protocol, minor version `current`) down to the simulator's declared
// minor version, applying every registered adapter strictly between the
// two versions in descending order so the oldest adapter is outermost.
func Chain(raw proxy.Proxy, simulatorMinor, current int) proxy.Proxy {
	if simulatorMinor >= current {
		return raw
	}

	var minors []int
	for m := range registry {
		if m > simulatorMinor && m <= current {
			minors = append(minors, m)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(minors)))

	p := raw
	for _, m := range minors {
		p = registry[m](p)
	}
	return p
}

// DefaultTypeAdapter wraps a proxy whose simulator omitted `type` in its
// init metadata, defaulting to time-based and logging the deprecation
// warning §4.2 requires exactly once per simulator.
type DefaultTypeAdapter struct {
	proxy.Proxy
	sid   graph.SimID
	warned bool
}

// NewDefaultTypeAdapter wraps next for sid.
func NewDefaultTypeAdapter(sid graph.SimID, next proxy.Proxy) *DefaultTypeAdapter {
	return &DefaultTypeAdapter{Proxy: next, sid: sid}
}

func (a *DefaultTypeAdapter) Init(ctx context.Context, sid graph.SimID, timeResolution float64, extraParams map[string]any) (*proxy.Metadata, error) {
	meta, err := a.Proxy.Init(ctx, sid, timeResolution, extraParams)
	if err != nil {
		return nil, err
	}
	if meta.Type == "" {
		meta.Type = graph.TimeBased
		if !a.warned {
			logrus.WithField("sid", a.sid).Warn("adapter: simulator omitted `type` in init metadata, defaulting to time-based (deprecated, will become an error)")
			a.warned = true
		}
	}
	return meta, nil
}
