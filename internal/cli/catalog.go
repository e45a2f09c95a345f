package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Show the stage catalog with configured overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cat, err := loadCatalog(cfg)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd, cat.All())
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tEST\tTIMEOUT\tRETRIES\tSKIP\tNEXT\tON FAILURE\tNEEDS")
		for _, d := range cat.All() {
			retries := "-"
			if d.CanRetry {
				retries = fmt.Sprint(d.MaxRetries)
			}
			deps := make([]string, len(d.Dependencies))
			for i, dep := range d.Dependencies {
				deps[i] = string(dep)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
				d.ID, d.EstimatedDuration, d.Timeout, retries, d.CanSkip,
				orDash(string(d.NextStage)), orDash(string(d.FailureStage)), orDash(strings.Join(deps, ",")))
		}
		return w.Flush()
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	catalogCmd.Flags().String("format", "text", "Output format: text or json")
}
