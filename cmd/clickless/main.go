// Command clickless runs the workflow engine. Each subcommand starts one
// role of the system; a deployment typically runs api, orchestrator,
// worker, relay and sweeper as separate processes against the same
// database and broker.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clickless",
		Short:         "Durable, event-driven workflow execution engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newAPICmd(),
		newOrchestratorCmd(),
		newWorkerCmd(),
		newRelayCmd(),
		newSweeperCmd(),
		newMigrateCmd(),
		newApplyCmd(),
	)
	return root
}
