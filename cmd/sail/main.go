// Command sail is the CLI entry point: a thin cobra layer over
// internal/sail.BuildContext. It parses flags, builds a BuildContext, and
// calls into the façade; no orchestration logic lives here.
//
// Grounded on the teacher's cmd.RunWithArgs (a cobra root command built
// once per invocation, dispatching to subcommands that each hold a single
// cmdutil.Helper-style dependency bag), trimmed of the teacher's Rust-FFI
// turbostate bridge and profiling flags, which have no equivalent here.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/tylerbutler/sail/internal/sail"
)

func main() {
	logger := hclog.New(&hclog.LoggerOptions{Name: "sail", Level: hclog.Info})

	if sail.RunWorkerLoopIfRequested(context.Background(), os.Args, logger) {
		return
	}

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(logger hclog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "sail",
		Short:         "Content-addressed, priority-scheduled monorepo build orchestration",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newBuildCmd(logger))
	root.AddCommand(newScanCmd(logger))
	return root
}
