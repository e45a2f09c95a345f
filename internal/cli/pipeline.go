package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/handoff/internal/catalog"
	"github.com/lucasnoah/handoff/internal/orchestrator"
	"github.com/lucasnoah/handoff/internal/pipeline"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run a delivery pipeline for a source tree",
	Long: `Create a pipeline instance for --source and drive it in this process until it
completes, fails, is paused or is cancelled. Progress is printed to stderr.

Interrupting the command leaves the instance active; "handoff resume" or a
restarted "handoff serve" picks it up again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		source, _ := cmd.Flags().GetString("source")
		name, _ := cmd.Flags().GetString("name")
		project, _ := cmd.Flags().GetString("project-id")
		domain, _ := cmd.Flags().GetString("domain")
		recipient, _ := cmd.Flags().GetString("recipient")
		scenarios, _ := cmd.Flags().GetStringSlice("scenario")
		skip, _ := cmd.Flags().GetStringSlice("skip")
		env, _ := cmd.Flags().GetStringToString("env")
		strict, _ := cmd.Flags().GetBool("strict-gate")

		cfg := pipeline.RunConfig{
			ProjectID:   project,
			ProjectName: name,
			SourceDir:   source,
			Domain:      domain,
			Recipient:   recipient,
			EnvVars:     env,
			Scenarios:   scenarios,
			StrictGate:  strict,
		}
		for _, s := range skip {
			cfg.SkipStages = append(cfg.SkipStages, catalog.StageID(s))
		}

		a.orch.SetProgress(os.Stderr)
		a.engine.SetProgress(os.Stderr)
		res, err := a.orch.Run(cmd.Context(), cfg)
		if err != nil && res == nil {
			return err
		}
		if werr := printResult(cmd, res); werr != nil {
			return werr
		}
		if err != nil {
			return err
		}
		if res.Failed() {
			return fmt.Errorf("pipeline %s failed", res.ID)
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused or interrupted pipeline and drive it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		a.orch.SetProgress(os.Stderr)
		a.engine.SetProgress(os.Stderr)

		id := args[0]
		inst, err := a.store.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		var res *orchestrator.Result
		if inst.Status == pipeline.StatusActive {
			// Interrupted rather than paused: drive it from here.
			res, err = a.orch.Drive(cmd.Context(), id)
		} else {
			if _, err = a.orch.Resume(cmd.Context(), id); err != nil {
				return err
			}
			res, err = a.orch.Wait(cmd.Context(), id)
		}
		if res != nil {
			if werr := printResult(cmd, res); werr != nil {
				return werr
			}
		}
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one pipeline's stages and outputs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		inst, err := a.store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd, inst)
		}
		printInstance(cmd, a.cat, inst)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		status, _ := cmd.Flags().GetString("status")
		list, err := a.store.List(cmd.Context(), pipeline.Status(status))
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pipelines found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROJECT\tSTATUS\tSTAGE\tPROGRESS\tUPDATED")
		for _, inst := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\n",
				inst.ID, inst.Config.ProjectName, inst.Status, inst.CurrentStage,
				inst.Progress, inst.UpdatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Show a pipeline's event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		evs, err := a.store.Events(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd, evs)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tSTAGE\tSTATUS\tPROGRESS")
		for _, e := range evs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.1f%%\n",
				e.Seq, e.Timestamp.Local().Format(time.TimeOnly), e.Type,
				e.CurrentStage, e.CurrentStatus, e.Progress)
		}
		return w.Flush()
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Stop a pipeline from starting new stages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd, func(a *app) (*pipeline.Instance, error) {
			return a.orch.Pause(cmd.Context(), args[0])
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return control(cmd, func(a *app) (*pipeline.Instance, error) {
			return a.orch.Cancel(cmd.Context(), args[0], reason)
		})
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept <id>",
	Short: "Record customer acceptance of a delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		return control(cmd, func(a *app) (*pipeline.Instance, error) {
			return a.orch.Accept(cmd.Context(), args[0], by)
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <id>",
	Short: "Roll a delivered product back to an earlier deployment",
	Long: `Ask the deployment provider to serve an earlier deployment. Without --to the
deployment that was live before this pipeline deployed is restored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, _ := cmd.Flags().GetString("to")
		return control(cmd, func(a *app) (*pipeline.Instance, error) {
			return a.orch.Rollback(cmd.Context(), args[0], ref)
		})
	},
}

// control runs one control action and prints the resulting instance.
func control(cmd *cobra.Command, fn func(a *app) (*pipeline.Instance, error)) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	inst, err := fn(a)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return writeJSON(cmd, inst)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (stage %s, %.0f%%)\n", inst.ID, inst.Status, inst.CurrentStage, inst.Progress)
	return nil
}

func printResult(cmd *cobra.Command, res *orchestrator.Result) error {
	if jsonOutput(cmd) {
		return writeJSON(cmd, res)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pipeline %s: %s\n", res.ID, res.Status)
	fmt.Fprintf(out, "  stage:    %s\n", res.Stage)
	fmt.Fprintf(out, "  progress: %.0f%%\n", res.Progress)
	if url := pipeline.OutputString(res.Outputs, pipeline.OutProductURL); url != "" {
		fmt.Fprintf(out, "  url:      %s\n", url)
	}
	if res.LastError != nil {
		fmt.Fprintf(out, "  error:    [%s] %s\n", res.LastError.Code, res.LastError.Message)
	}
	return nil
}

func printInstance(cmd *cobra.Command, cat *catalog.Catalog, inst *pipeline.Instance) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pipeline %s (%s)\n", inst.ID, inst.Config.ProjectName)
	fmt.Fprintf(out, "  status:   %s\n", inst.Status)
	fmt.Fprintf(out, "  stage:    %s\n", inst.CurrentStage)
	fmt.Fprintf(out, "  progress: %.0f%%\n", inst.Progress)
	if inst.Summary != "" {
		fmt.Fprintf(out, "  summary:  %s\n", inst.Summary)
	}
	if inst.CancelReason != "" {
		fmt.Fprintf(out, "  reason:   %s\n", inst.CancelReason)
	}
	if inst.LastError != nil {
		fmt.Fprintf(out, "  error:    [%s] %s\n", inst.LastError.Code, inst.LastError.Message)
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tRETRIES\tDURATION")
	for _, id := range cat.IDs() {
		res := inst.Stage(id)
		if res == nil {
			continue
		}
		dur := ""
		if res.DurationMS > 0 {
			dur = (time.Duration(res.DurationMS) * time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", id, res.Status, res.RetryCount, dur)
	}
	w.Flush()

	if len(inst.Outputs) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Outputs:")
		keys := make([]string, 0, len(inst.Outputs))
		for k := range inst.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if k == pipeline.OutAdminToken {
				fmt.Fprintf(out, "  %s: ********\n", k)
				continue
			}
			fmt.Fprintf(out, "  %s: %v\n", k, inst.Outputs[k])
		}
	}
}

func init() {
	for _, c := range []*cobra.Command{startCmd, resumeCmd, statusCmd, listCmd, eventsCmd, pauseCmd, cancelCmd, acceptCmd, rollbackCmd} {
		c.Flags().String("format", "text", "Output format: text or json")
	}

	startCmd.Flags().String("source", "", "source tree to deliver (required)")
	startCmd.Flags().String("name", "", "project name (default: source directory name)")
	startCmd.Flags().String("project-id", "", "owning project or customer id")
	startCmd.Flags().String("domain", "", "custom domain to attach")
	startCmd.Flags().String("recipient", "", "customer address for delivery notifications")
	startCmd.Flags().StringSlice("scenario", nil, "end-to-end scenario to run (repeatable)")
	startCmd.Flags().StringSlice("skip", nil, "stage to skip (repeatable)")
	startCmd.Flags().StringToString("env", nil, "environment variable for the deployment (KEY=VALUE)")
	startCmd.Flags().Bool("strict-gate", false, "fail the pipeline when the quality gate is critical")
	startCmd.MarkFlagRequired("source")

	listCmd.Flags().String("status", "", "only list pipelines with this status")
	cancelCmd.Flags().String("reason", "", "why the pipeline is cancelled")
	acceptCmd.Flags().String("by", "", "who accepted (default: the project owner)")
	rollbackCmd.Flags().String("to", "", "deployment id to restore")
}
