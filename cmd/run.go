package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cosim-go/cosim/graph"
	"github.com/cosim-go/cosim/metrics"
	"github.com/cosim-go/cosim/proxy"
	"github.com/cosim-go/cosim/world"
)

var (
	metricsAddr  string
	debugDumpOut string
)

var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Run a co-simulation scenario to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScenario(args[0])
	},
}

func init() {
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables the exporter)")
	runCmd.Flags().StringVar(&debugDumpOut, "debug-dump", "", "path to write a JSON debug dump of the assembled world after setup (empty disables it)")
	rootCmd.AddCommand(runCmd)
}

func runScenario(path string) error {
	cfg, err := LoadScenarioConfig(path)
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	var sink scenarioMetricsSink
	if metricsAddr != "" {
		collector = metrics.NewCollector()
		sink = scenarioMetricsSink{collector}
		server := &http.Server{Addr: metricsAddr, Handler: collector.Handler()}
		go func() {
			logrus.WithField("addr", metricsAddr).Info("cmd: serving metrics")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).Error("cmd: metrics server stopped")
			}
		}()
	}

	w := world.New(world.Options{
		Until:             cfg.UntilTieredTime(),
		MaxLoopIterations: cfg.MaxLoopIterations,
		RTFactor:          cfg.RTFactor,
		RTStrict:          cfg.RTStrict,
		TimeResolution:    cfg.TimeResolution,
		ShutdownTimeout:   time.Duration(cfg.ShutdownSeconds) * time.Second,
		Metrics:           sink,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	entityModel := make(map[graph.FullID]string)

	for sid, spec := range cfg.Simulators {
		p, err := buildProxy(ctx, graph.SimID(sid), spec, world.LazyCallbacks{W: w})
		if err != nil {
			return fmt.Errorf("cmd: simulator %s: %w", sid, err)
		}
		if err := w.AddSimulator(ctx, graph.SimID(sid), p, spec.DeclaredVersion, spec.ExtraParams); err != nil {
			return err
		}
		for _, create := range spec.Create {
			entities, err := w.CreateEntities(ctx, graph.SimID(sid), create.Num, create.Model, create.Params)
			if err != nil {
				return err
			}
			for _, e := range entities {
				entityModel[e.Full()] = e.Model
			}
		}
	}

	for _, cs := range cfg.Connections {
		conn, err := buildConnection(w, cs)
		if err != nil {
			return err
		}
		if err := w.Connect(conn); err != nil {
			return fmt.Errorf("cmd: connection %s->%s: %w", cs.Src, cs.Dst, err)
		}
	}

	if err := w.Build(); err != nil {
		return err
	}

	if debugDumpOut != "" {
		if err := os.WriteFile(debugDumpOut, []byte(w.DebugDump()), 0o644); err != nil {
			logrus.WithError(err).Warn("cmd: failed to write debug dump")
		}
	}

	logrus.Info("cmd: starting run")
	runErr := w.Run(ctx)
	w.Shutdown()

	if runErr != nil {
		return fmt.Errorf("cmd: run failed: %w", runErr)
	}
	logrus.Info("cmd: run complete")
	return nil
}

// buildConnection resolves a ConnectionSpec's trigger set (but not its
// delay) from the already-initialized simulators' declared metadata — the
// scenario-assembly bookkeeping spec §1 marks out of core scope, kept here
// in the CLI layer rather than in package graph/world/scheduler.
func buildConnection(w *world.World, cs ConnectionSpec) (*graph.Connection, error) {
	conn := &graph.Connection{
		Src:         graph.SimID(cs.Src),
		Dst:         graph.SimID(cs.Dst),
		TimeShifted: cs.TimeShifted,
		Weak:        cs.Weak,
		AsyncReqs:   cs.AsyncReqs,
		Trigger:     make(map[string]struct{}),
	}

	for _, l := range cs.Links {
		link := graph.EntityLink{SrcEntity: graph.EntityID(l.SrcEntity), DstEntity: graph.EntityID(l.DstEntity)}
		dstModel, _ := w.EntityModel(graph.FullID{Sid: graph.SimID(cs.Dst), Eid: graph.EntityID(l.DstEntity)})
		dstSpec, _ := w.ModelSpec(graph.SimID(cs.Dst), dstModel)

		for _, pair := range l.Attrs {
			srcAttr, dstAttr := pair[0], pair[1]
			link.Attrs = append(link.Attrs, graph.AttrMapping{SrcAttr: srcAttr, DstAttr: dstAttr})
			if dstSpec.Trigger.Contains(dstAttr, dstSpec.Attrs) {
				conn.Trigger[dstAttr] = struct{}{}
			}
		}
		conn.Links = append(conn.Links, link)
	}

	// Delay is left unset here: it depends on group membership, which
	// isn't known until the whole graph is assembled, so Graph.Freeze
	// computes it for every connection once groups are formed.
	return conn, nil
}

func buildProxy(ctx context.Context, sid graph.SimID, spec SimulatorSpec, callbacks proxy.Callbacks) (proxy.Proxy, error) {
	switch spec.Kind {
	case "tcp":
		conn, err := net.DialTimeout("tcp", spec.Address, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", spec.Address, err)
		}
		return proxy.NewTCPProxy(sid, conn, callbacks), nil
	case "docker":
		cfg := proxy.DockerLaunchConfig{
			Image:       spec.Image,
			Cmd:         spec.Cmd,
			Env:         spec.Env,
			ExposedPort: spec.ExposedPort,
		}
		return proxy.LaunchDockerProxy(ctx, sid, cfg, callbacks)
	default:
		return nil, fmt.Errorf("unknown simulator kind %q (want \"tcp\" or \"docker\")", spec.Kind)
	}
}

// scenarioMetricsSink adapts a possibly-nil *metrics.Collector to
// scheduler.MetricsSink without every call site checking for nil.
type scenarioMetricsSink struct {
	c *metrics.Collector
}

func (s scenarioMetricsSink) ObserveState(sid graph.SimID, state string) {
	if s.c != nil {
		s.c.ObserveState(sid, state)
	}
}

func (s scenarioMetricsSink) ObserveDeadlock(sid graph.SimID) {
	if s.c != nil {
		s.c.ObserveDeadlock(sid)
	}
}
