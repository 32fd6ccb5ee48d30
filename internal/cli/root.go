// Package cli implements the scanqa command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"scanqa/internal/app"
	"scanqa/internal/conf"
	"scanqa/internal/logging"
	"scanqa/internal/reconcile"
)

const closeTimeout = 15 * time.Second

// RootCmd builds the scanqa command tree.
func RootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "scanqa",
		Short: "Quality review workflow for medical imaging scans",
		Long: `scanqa tracks projects, experiments, scans and frames, lets reviewers
record decisions under an exclusive experiment lock, reconciles the hierarchy
with CSV or JSON documents and runs quality models over imported frames.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(ServeCmd(&configPath))
	root.AddCommand(ImportCmd(&configPath))
	root.AddCommand(ExportCmd(&configPath))
	root.AddCommand(EvaluateCmd(&configPath))
	return root
}

// withApp loads configuration, initializes logging and runs fn against a
// fully wired App, closing it afterwards.
func withApp(ctx context.Context, configPath string, fn func(*app.App) error) (err error) {
	cfg, err := conf.Load(conf.NewViper(), configPath)
	if err != nil {
		return err
	}
	if err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File}); err != nil {
		return err
	}
	defer func() { _ = logging.Close() }()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

func printReport(out, errOut io.Writer, verb string, report reconcile.Report) {
	warn := color.New(color.FgYellow).SprintFunc()
	for _, w := range report.Warnings {
		fmt.Fprintf(errOut, "%s %s\n", warn("warning:"), w.String())
	}
	fmt.Fprintf(out, "%s %s: %d projects, %d experiments, %d scans, %d frames, %d decisions\n",
		verb, report.Path, report.Projects, report.Experiments, report.Scans, report.Frames, report.Decisions)
}
