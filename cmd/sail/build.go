package main

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/tylerbutler/sail/internal/depgraph"
	"github.com/tylerbutler/sail/internal/sail"
	"github.com/tylerbutler/sail/internal/sailerr"
	"github.com/tylerbutler/sail/internal/task"
)

type buildFlags struct {
	tasks       []string
	concurrency int64
	worker      bool
	force       bool
	verbose     bool
	quiet       bool
}

func newBuildCmd(logger hclog.Logger) *cobra.Command {
	flags := &buildFlags{}

	cmd := &cobra.Command{
		Use:   "build [pattern]",
		Short: "Run the requested tasks across matching packages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.verbose {
				logger.SetLevel(hclog.Debug)
			}
			if flags.quiet {
				logger.SetLevel(hclog.Error)
			}

			root, err := os.Getwd()
			if err != nil {
				return err
			}

			bc, err := sail.NewBuildContext(sail.Options{
				RootDir:          root,
				Concurrency:      flags.concurrency,
				EnableWorkerPool: flags.worker,
				Logger:           logger,
			})
			if err != nil {
				return err
			}
			defer bc.Shutdown()

			filter, err := patternToFilter(bc, args)
			if err != nil {
				return err
			}

			taskNames := flags.tasks
			if len(taskNames) == 0 {
				taskNames = []string{"build"}
			}

			if flags.force {
				// A forced build bypasses freshness without touching the
				// persisted file-hash memo: every leaf task still computes
				// its real cache key, but the shared store reports every
				// lookup as a miss, so every requested task re-runs.
				bc.Store.ForceMiss = true
			}

			result, err := bc.Build(context.Background(), taskNames, filter)
			if err != nil {
				return err
			}

			printSummary(cmd, result)
			if result.Summary.Failed {
				return sailerr.Execution("one or more tasks failed")
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&flags.tasks, "task", nil, "task name to run (repeatable); defaults to \"build\"")
	cmd.Flags().Int64Var(&flags.concurrency, "concurrency", 0, "maximum concurrent tasks (default: number of CPUs)")
	cmd.Flags().BoolVar(&flags.worker, "worker", false, "route task execution through a recyclable worker pool")
	cmd.Flags().BoolVar(&flags.force, "force", false, "ignore cache hits and re-run every requested task")
	cmd.Flags().BoolVar(&flags.verbose, "verbose", false, "enable debug-level logging")
	cmd.Flags().BoolVar(&flags.quiet, "quiet", false, "suppress all but error-level logging")

	return cmd
}

func patternToFilter(bc *sail.BuildContext, args []string) (depgraph.Filter, error) {
	if len(args) == 0 || args[0] == "" {
		return depgraph.Filter{}, nil
	}
	re, err := regexp.Compile(args[0])
	if err != nil {
		return depgraph.Filter{}, sailerr.Configuration("invalid package pattern %q: %v", args[0], err)
	}
	var names []string
	for name := range bc.Workspace.Packages {
		if re.MatchString(name) {
			names = append(names, name)
		}
	}
	return depgraph.Filter{Names: names}, nil
}

func printSummary(cmd *cobra.Command, result *sail.BuildResult) {
	out := cmd.OutOrStdout()
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	for _, id := range sortedKeys(result.Summary.Results) {
		r := result.Summary.Results[id]
		fmt.Fprintf(out, "%-10s %s\n", stateLabel(r.State), id)
	}
	fmt.Fprintf(out, "\n%d succeeded, %d up to date, %d skipped, failed=%v\n",
		result.Summary.LeafBuiltCount, result.Summary.LeafInitialUpToDateCount, len(result.Summary.Skipped), result.Summary.Failed)
}

func stateLabel(s task.State) string {
	switch s {
	case task.Succeeded, task.CacheRestored:
		return "DONE"
	case task.UpToDate:
		return "CACHED"
	case task.Failed:
		return "FAILED"
	case task.Skipped:
		return "SKIPPED"
	default:
		return s.String()
	}
}
