package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "handoff",
	Short: "handoff: delivery pipeline orchestration",
	Long: `handoff takes a finished source tree from "build ready" to "customer signed off":
build, test, deploy, verify, configure, notify, and wait for acceptance.

State is kept in ~/.handoff/pipelines by default, or in PostgreSQL when
storage.backend is "postgres". Run "handoff serve" for the HTTP API and live
event stream, or drive a single delivery from the terminal with "handoff start".`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to handoff.yaml")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(acceptCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
