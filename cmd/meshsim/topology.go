package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/mesh-simulator/core"
	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/internal/sched"
	"github.com/signalsfoundry/mesh-simulator/model"
)

func newTopologyCmd() *cobra.Command {
	var (
		duration time.Duration
		export   string
	)
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Build a scenario offline and print its topology",
		Long: `Lays the scenario out on a virtual clock, advances it by --duration
(running any scenario traffic) and prints the nodes, links and delivery
statistics. Nothing waits on wall time. With --export the laid-out nodes
are also written as a custom-topology scenario that can be edited and
loaded back with --scenario.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := loadScenario(cmd)
			if err != nil {
				return err
			}
			snap, err := inspectScenario(cmd, sc, duration, logging.NewFromEnv())
			if err != nil {
				return err
			}
			writeTopology(cmd.OutOrStdout(), snap)
			writeSummary(cmd.OutOrStdout(), snap)
			if export != "" {
				return exportScenario(export, snap)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "simulation time to advance before printing")
	cmd.Flags().StringVarP(&export, "export", "o", "", "write the nodes as a custom-topology scenario file")
	return cmd
}

// exportedScenario is the subset of a scenario written by --export.
type exportedScenario struct {
	Topology string           `yaml:"topology"`
	Nodes    []model.NodeSpec `yaml:"nodes"`
}

func exportScenario(path string, snap core.StateSnapshot) error {
	doc := exportedScenario{Topology: "custom"}
	for _, n := range snap.Topology.Nodes {
		doc.Nodes = append(doc.Nodes, model.NodeSpec{ID: n.ID, Name: n.Name, X: n.Position.X, Y: n.Position.Y})
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write scenario: %w", err)
	}
	return nil
}

func inspectScenario(cmd *cobra.Command, sc *core.Scenario, d time.Duration, log logging.Logger) (core.StateSnapshot, error) {
	vs := sched.NewVirtualScheduler(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	opts := append(sc.EngineOptions(), core.WithScheduler(vs), core.WithLogger(log))
	engine, err := core.NewEngine(sc.Config(), opts...)
	if err != nil {
		return core.StateSnapshot{}, err
	}
	defer engine.Shutdown()

	if err := sc.Apply(engine); err != nil {
		return core.StateSnapshot{}, err
	}
	scheduleTraffic(cmd.Context(), engine, sc.Traffic, log)
	vs.Advance(d)
	return engine.RefreshTelemetry(), nil
}

func writeTopology(out io.Writer, snap core.StateSnapshot) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tNAME\tX\tY\tLINKS\tROUTES")
	for _, n := range snap.Topology.Nodes {
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%.1f\t%d\t%d\n", n.ID, n.Name, n.Position.X, n.Position.Y, n.Connections, n.Routes)
	}
	_ = w.Flush()

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LINK\tRSSI\tQUALITY")
	for _, c := range snap.Topology.Connections {
		fmt.Fprintf(w, "%s <-> %s\t%d\t%s\n", c.A, c.B, c.SignalStrength, c.Quality)
	}
	_ = w.Flush()
}

func writeSummary(out io.Writer, snap core.StateSnapshot) {
	s := snap.Stats
	fmt.Fprintf(out, "\n%d nodes, %d links at %s\n", snap.NodeCount, snap.ConnectionCount, snap.Time.Format(time.RFC3339))
	fmt.Fprintf(out, "sent %d, delivered %d, dropped %d, buffered %d, discoveries %d\n",
		s.Sent, s.Delivered, s.Dropped, s.Buffered, s.RouteDiscoveries)
	fmt.Fprintf(out, "delivery rate %.2f, average hops %.2f, average latency %s\n",
		s.DeliveryRate, s.AverageHopCount, s.AverageLatency)

	reasons := make([]string, 0, len(s.DroppedByReason))
	for r := range s.DroppedByReason {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(out, "  dropped %s: %d\n", r, s.DroppedByReason[core.DropReason(r)])
	}
}
