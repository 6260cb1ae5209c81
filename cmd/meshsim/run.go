package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/internal/analysis"
	"github.com/signalsfoundry/mesh-simulator/internal/feed"
	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/observability"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/timectrl"
)

// healthService is the service name reported by the gRPC health server.
const healthService = "meshsim.Simulator"

type runOptions struct {
	scenario    string
	duration    time.Duration
	tick        time.Duration
	accelerated bool
	httpAddr    string
	grpcAddr    string
}

func newRunCmd() *cobra.Command {
	opts := runOptions{
		tick:     100 * time.Millisecond,
		httpAddr: ":9090",
		grpcAddr: ":50051",
	}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario on the live clock",
		Long: `Runs the scenario until interrupted or until --duration of simulation
time has passed. Prometheus metrics (/metrics) and the WebSocket event
feed (/ws) are served on --http-addr and the gRPC health service on
--grpc-addr; an empty address disables a server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := loadScenario(cmd)
			if err != nil {
				return err
			}
			opts.scenario, _ = cmd.Flags().GetString("scenario")
			return runScenario(cmd.Context(), sc, opts, logging.NewFromEnv(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "simulation time to run for (0 runs until interrupted)")
	cmd.Flags().DurationVar(&opts.tick, "tick", opts.tick, "clock tick")
	cmd.Flags().BoolVar(&opts.accelerated, "accelerated", false, "advance the clock without waiting for wall time")
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", opts.httpAddr, "HTTP address for /metrics and the /ws event feed")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc-addr", opts.grpcAddr, "TCP address of the gRPC health server")
	return cmd
}

// runScenario drives sc on a TimeController until ctx is done or the
// duration elapses, then writes a summary to out.
func runScenario(ctx context.Context, sc *core.Scenario, opts runOptions, log logging.Logger, out io.Writer) error {
	if log == nil {
		log = logging.Noop()
	}

	run := runInfo(sc, opts.scenario)
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), run, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
	ctx, span := observability.StartRunSpan(ctx, run)
	defer span.End()

	reg := prometheus.NewRegistry()
	collector, err := observability.NewMeshCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}
	clockMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return fmt.Errorf("scheduler metrics: %w", err)
	}

	mode := timectrl.RealTime
	if opts.accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(time.Now().UTC(), opts.tick, mode)
	scheduler := sched.NewEventScheduler(tc)
	tc.AddListener(func(now time.Time) {
		start := time.Now()
		scheduler.RunDue()
		clockMetrics.ObserveTick(now, time.Since(start))
	})

	engineOpts := append(sc.EngineOptions(),
		core.WithScheduler(scheduler),
		core.WithLogger(log),
		core.WithMetricsRecorder(collector),
	)
	engine, err := core.NewEngine(sc.Config(), engineOpts...)
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	if err := sc.Apply(engine); err != nil {
		return err
	}
	engine.OnSnapshot(func(s core.StateSnapshot) {
		log.Debug(ctx, "mesh telemetry",
			logging.Int("nodes", s.NodeCount),
			logging.Int("connections", s.ConnectionCount),
			logging.Int("messages", s.MessageCount),
			logging.Float("delivery_rate", s.Stats.DeliveryRate),
		)
	})
	scheduleTraffic(ctx, engine, sc.Traffic, log)

	hub := feed.NewHub(log)
	engine.OnSnapshot(hub.PublishSnapshot)
	events, unsubscribe := engine.Subscribe()
	defer unsubscribe()

	var httpLis, grpcLis net.Listener
	if opts.httpAddr != "" {
		if httpLis, err = net.Listen("tcp", opts.httpAddr); err != nil {
			return fmt.Errorf("listen for HTTP: %w", err)
		}
	}
	if opts.grpcAddr != "" {
		if grpcLis, err = net.Listen("tcp", opts.grpcAddr); err != nil {
			if httpLis != nil {
				_ = httpLis.Close()
			}
			return fmt.Errorf("listen for gRPC: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		log.Info(gctx, "simulation started",
			logging.String("topology", string(engine.Topology())),
			logging.Int("nodes", len(engine.AllNodes())),
			logging.String("mode", mode.String()),
		)
		tc.Run(gctx, opts.duration)
		return nil
	})

	g.Go(func() error {
		if err := hub.Run(gctx, events); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if httpLis != nil {
		srv := &http.Server{Handler: httpMux(collector, hub), ReadHeaderTimeout: 5 * time.Second}
		log.Info(gctx, "serving metrics and event feed", logging.String("addr", httpLis.Addr().String()))
		g.Go(func() error {
			if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if grpcLis != nil {
		server, healthSrv := newGRPCServer(collector, log)
		log.Info(gctx, "serving gRPC health", logging.String("addr", grpcLis.Addr().String()))
		g.Go(func() error {
			if err := server.Serve(grpcLis); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			healthSrv.Shutdown()
			server.GracefulStop()
			return nil
		})
	}

	var sources []analysis.Source
	for _, n := range engine.AllNodes() {
		sources = append(sources, n)
	}
	monitor := analysis.NewMonitor(analysis.NewKeywordAnalyzer(),
		analysis.WithLogger(log),
		analysis.WithVerdictRecorder(collector),
	)
	waitMonitor := monitor.Start(gctx, sources)
	g.Go(func() error {
		if err := waitMonitor(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	err = g.Wait()
	snap := engine.RefreshTelemetry()
	analysed, flagged := monitor.Stats()
	writeSummary(out, snap)
	fmt.Fprintf(out, "analysed %d messages, %d flagged\n", analysed, flagged)
	log.Info(context.Background(), "simulation stopped", logging.String("sim_time", snap.Time.Format(time.RFC3339)))
	return err
}

// runInfo names the run for tracing. Custom scenarios count their listed
// nodes.
func runInfo(sc *core.Scenario, path string) observability.RunInfo {
	nodes := sc.NodeCount
	if len(sc.Nodes) > 0 {
		nodes = len(sc.Nodes)
	}
	return observability.RunInfo{
		Scenario:  path,
		Topology:  sc.Topology,
		NodeCount: nodes,
		Seed:      sc.Seed,
	}
}

func httpMux(collector *observability.MeshCollector, hub *feed.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.Handle("/ws", hub)
	return mux
}

// newGRPCServer builds the control-plane server. It only carries the
// standard health service, reported SERVING for the life of the run.
func newGRPCServer(collector *observability.MeshCollector, log logging.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			observability.RequestIDUnaryServerInterceptor(log),
			observability.TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	)
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthSrv)
	return server, healthSrv
}

// scheduleTraffic sends one message per interval, cycling through the
// scenario's traffic pairs. Sends run on the engine's scheduler.
func scheduleTraffic(ctx context.Context, e *core.Engine, t core.TrafficSection, log logging.Logger) {
	if len(t.Pairs) == 0 {
		return
	}
	interval := t.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	payload := t.Payload
	if payload == "" {
		payload = "ping"
	}

	next := 0
	var send func()
	send = func() {
		pair := t.Pairs[next%len(t.Pairs)]
		next++
		if src, ok := e.GetNode(pair.From); !ok {
			log.Warn(ctx, "traffic source not found", logging.String("node", pair.From))
		} else if !src.SendMessage(ctx, pair.To, payload) {
			log.Debug(ctx, "traffic not sent", logging.String("from", pair.From), logging.String("to", pair.To))
		}
		if ctx.Err() == nil {
			sched.After(e.Scheduler(), interval, send)
		}
	}
	sched.After(e.Scheduler(), interval, send)
}
