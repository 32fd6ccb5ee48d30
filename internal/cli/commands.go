package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"scanqa/internal/app"
	"scanqa/internal/evaluation"
)

// ServeCmd runs the HTTP API until interrupted.
func ServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the evaluation worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, *configPath, func(a *app.App) error {
				return a.Serve(ctx)
			})
		},
	}
}

// ImportCmd imports the configured document for one project or globally.
func ImportCmd(configPath *string) *cobra.Command {
	var projectID string
	var wait bool
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace experiments with the contents of the import document",
		Long: `Import reads the project's import path, or the global import path when
--project is omitted, and replaces the experiments of every project it names.
Frames created by the import are queued for evaluation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), *configPath, func(a *app.App) error {
				report, err := a.Reconcile.Import(cmd.Context(), projectID)
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), cmd.ErrOrStderr(), "imported", report)
				if report.JobID == "" || !wait {
					return nil
				}
				job, err := a.WaitForJob(cmd.Context(), report.JobID)
				if err != nil {
					return err
				}
				printJob(cmd, job)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (default: global import path)")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the evaluation of imported frames")
	return cmd
}

// ExportCmd writes the export document for one project or globally.
func ExportCmd(configPath *string) *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write projects to the configured export document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), *configPath, func(a *app.App) error {
				report, err := a.Reconcile.Export(cmd.Context(), projectID)
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), cmd.ErrOrStderr(), "exported", report)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (default: every project to the global export path)")
	return cmd
}

// EvaluateCmd runs the configured model over one frame and prints the scores.
func EvaluateCmd(configPath *string) *cobra.Command {
	var frameID string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a single frame synchronously",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), *configPath, func(a *app.App) error {
				ev, err := a.Dispatcher.EvaluateFrame(cmd.Context(), frameID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "frame %s evaluated with %s\n", ev.FrameID, ev.Model)
				labels := make([]string, 0, len(ev.Results))
				for label := range ev.Results {
					labels = append(labels, label)
				}
				sort.Strings(labels)
				for _, label := range labels {
					fmt.Fprintf(out, "  %-24s %.4f\n", label, ev.Results[label])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&frameID, "frame", "", "frame id")
	_ = cmd.MarkFlagRequired("frame")
	return cmd
}

func printJob(cmd *cobra.Command, job evaluation.Job) {
	out := cmd.OutOrStdout()
	if job.Status == evaluation.JobFailed {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s evaluation job %s: %s\n", color.New(color.FgRed).Sprint("failed:"), job.ID, job.Error)
		return
	}
	if job.Outcome == nil {
		return
	}
	o := job.Outcome
	fmt.Fprintf(out, "evaluation job %s: %d evaluated, %d skipped, %d discarded, %d failed\n",
		job.ID, o.Evaluated, o.Skipped, o.Discarded, len(o.Failures))
	warn := color.New(color.FgYellow).SprintFunc()
	for _, f := range o.Failures {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s frame %s: %s\n", warn("evaluation failed:"), f.FrameID, f.Error)
	}
}
