// Package main provides the lix CLI, which runs loop interchange over the
// functions of Go packages and reports what it did.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "lix",
		Short: "Loop interchange for Go loop nests",
		Long: `lix lowers the functions of Go packages to SSA, canonicalizes their loops
and runs the loop interchange pass on every perfectly nested loop nest.

Output:
  JSON to stdout. Debug traces go to stderr with --debug.`,
		SilenceUsage: true,
	}
	root.AddCommand(analyzeCommand(), reportCommand())
	return root
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
