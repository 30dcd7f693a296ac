// Package presetup adapts a pre-1.1 simulator proxy, where setup_done
// had not yet been introduced into the protocol (§4.2): calling it is a
// no-op rather than forwarded to the simulator.
package presetup

import (
	"context"

	"github.com/cosim-go/cosim/adapter"
	"github.com/cosim-go/cosim/proxy"
)

func init() {
	adapter.Register(0, func(next proxy.Proxy) proxy.Proxy {
		return &Adapter{Proxy: next}
	})
}

// Adapter wraps a pre-1.1 simulator proxy.
type Adapter struct {
	proxy.Proxy
}

func (a *Adapter) SetupDone(ctx context.Context) error {
	return nil
}
