// Command corecli drives the paged KV cache and layer window cores
// from the command line, for manual inspection and scripted demos —
// the teacher's patch-ollama guide-printer, generalized into a real
// cobra CLI over the two cores this module implements.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/databloom/pagedkv-layerwindow/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string
	var logFormat string

	root := &cobra.Command{
		Use:   "corecli",
		Short: "Inspect the paged KV cache allocator and layer window scheduler",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Default = logging.New(logLevel, logFormat)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console, json")

	root.AddCommand(newAllocCmd())
	root.AddCommand(newWindowCmd())
	root.AddCommand(newTierCmd())
	return root
}
