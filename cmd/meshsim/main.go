package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/mesh-simulator/core"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshsim",
		Short: "Virtual mesh network simulator",
		Long: `meshsim simulates a wireless mesh of radio nodes on a 2-D plane.
Nodes discover neighbours by signal strength and route messages with an
on-demand distance-vector protocol.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("scenario", "s", "", "YAML scenario file (defaults to a 9-node mesh)")

	root.AddCommand(newRunCmd(), newTopologyCmd())
	return root
}

// loadScenario reads the --scenario flag, falling back to a 3x3 mesh.
func loadScenario(cmd *cobra.Command) (*core.Scenario, error) {
	path, _ := cmd.Flags().GetString("scenario")
	if path == "" {
		sc := &core.Scenario{Topology: "mesh", NodeCount: 9}
		return sc, sc.Validate()
	}
	return core.LoadScenarioFile(path)
}
