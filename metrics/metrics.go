// Package metrics exposes the scheduler's state as Prometheus gauges and
// counters, served over HTTP via promhttp (§SPEC_FULL ambient stack).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cosim-go/cosim/graph"
)

// Collector implements scheduler.MetricsSink.
type Collector struct {
	registry   *prometheus.Registry
	progress   *prometheus.GaugeVec
	state      *prometheus.GaugeVec
	deadlocks  prometheus.Counter
	stateNames []string
}

// NewCollector builds a fresh registry with the cosim gauges/counters
// registered via promauto, the way the teacher's metrics_utils.go wires
// its own collectors at construction time rather than using the global
// default registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		progress: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cosim_sim_progress",
			Help: "Current tier-0 logical time progress of a simulator.",
		}, []string{"sid"}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cosim_sim_state",
			Help: "Current state machine state of a simulator (1 = active, 0 = inactive), one series per state label.",
		}, []string{"sid", "state"}),
		deadlocks: factory.NewCounter(prometheus.CounterOpts{
			Name: "cosim_scheduler_deadlocks_total",
			Help: "Number of times the global deadlock detector forced a candidate task through.",
		}),
		stateNames: []string{
			"IDLE_WAIT_STEP", "WAIT_DEPS", "GATHER_INPUT", "STEPPING",
			"PUBLISHING", "NOTIFY", "DONE", "FAILED",
		},
	}
}

// ObserveState implements scheduler.MetricsSink.
func (c *Collector) ObserveState(sid graph.SimID, state string) {
	for _, name := range c.stateNames {
		v := 0.0
		if name == state {
			v = 1.0
		}
		c.state.WithLabelValues(string(sid), name).Set(v)
	}
}

// ObserveProgress records sid's current tier-0 progress value.
func (c *Collector) ObserveProgress(sid graph.SimID, t int64) {
	c.progress.WithLabelValues(string(sid)).Set(float64(t))
}

// ObserveDeadlock implements scheduler.MetricsSink.
func (c *Collector) ObserveDeadlock(graph.SimID) {
	c.deadlocks.Inc()
}

// Handler returns the HTTP handler serving this collector's registry in
// the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
