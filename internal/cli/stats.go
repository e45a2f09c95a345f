package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/handoff/internal/analytics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stage durations, outcomes and weekly throughput",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		var since time.Time
		if d, _ := cmd.Flags().GetDuration("since"); d > 0 {
			since = time.Now().Add(-d)
		}
		report, err := analytics.Collect(cmd.Context(), a.store, since)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd, report)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Pipelines: %d\n\n", report.Pipelines)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tRUNS\tAVG(s)\tP50(s)\tP95(s)")
		for _, d := range report.StageDurations {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", d.Stage, d.Count, d.Avg, d.P50, d.P95)
		}
		w.Flush()
		fmt.Fprintln(out)

		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tSTARTED\tDONE\tFAILED\tRETRIED\tSKIPPED\tSUCCESS")
		for _, o := range report.StageOutcomes {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f%%\n", o.Stage, o.Started, o.Completed, o.Failed, o.Retried, o.Skipped, o.SuccessRate)
		}
		w.Flush()

		if len(report.FailureCodes) > 0 {
			fmt.Fprintln(out)
			w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FAILURE CODE\tCOUNT")
			for _, f := range report.FailureCodes {
				fmt.Fprintf(w, "%s\t%d\n", f.Code, f.Count)
			}
			w.Flush()
		}

		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WEEK\tCREATED\tCOMPLETED\tFAILED\tCANCELLED\tAVG(h)")
		for _, p := range report.Throughput {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f\n", p.Period, p.Created, p.Completed, p.Failed, p.Cancelled, p.AvgDuration)
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().Duration("since", 0, "only pipelines created within this window (e.g. 720h)")
	statsCmd.Flags().String("format", "text", "Output format: text or json")
}
