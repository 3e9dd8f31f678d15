package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/tylerbutler/sail/internal/config"
	"github.com/tylerbutler/sail/internal/sail"
)

func newScanCmd(logger hclog.Logger) *cobra.Command {
	var infer bool

	cmd := &cobra.Command{
		Use:   "scan [dir]",
		Short: "Print the discovered workspace, its packages, and their declared tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			abs, err := absDir(root)
			if err != nil {
				return err
			}

			bc, err := sail.NewBuildContext(sail.Options{RootDir: abs, Logger: logger})
			if err != nil {
				return err
			}
			defer bc.Shutdown()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workspace root: %s\n", abs)
			fmt.Fprintf(out, "packages (%d):\n", len(bc.Workspace.Packages))

			names := make([]string, 0, len(bc.Workspace.Packages))
			for name := range bc.Workspace.Packages {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				pkg := bc.Workspace.Packages[name]
				fmt.Fprintf(out, "  %s (%s)\n", name, pkg.Dir)
				taskNames := make([]string, 0, len(pkg.Scripts))
				for scriptName := range pkg.Scripts {
					taskNames = append(taskNames, scriptName)
				}
				sort.Strings(taskNames)
				for _, t := range taskNames {
					fmt.Fprintf(out, "    - %s\n", t)
				}
			}

			if !infer {
				printDeclaredTasks(out, bc.ConfigDoc)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&infer, "infer", false, "ignore sail.config.json and infer tasks from package scripts only")
	return cmd
}

func printDeclaredTasks(out io.Writer, doc *config.Document) {
	if doc == nil || len(doc.Tasks) == 0 {
		return
	}
	names := make([]string, 0, len(doc.Tasks))
	for name := range doc.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(out, "declared tasks:")
	for _, name := range names {
		def := doc.Tasks[name]
		fmt.Fprintf(out, "  %s: dependsOn=%v before=%v after=%v\n", name, def.DependsOn, def.Before, def.After)
	}
}

func absDir(dir string) (string, error) {
	return filepath.Abs(dir)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
