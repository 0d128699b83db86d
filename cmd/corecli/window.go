package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/databloom/pagedkv-layerwindow/layerwindow"
)

func newWindowCmd() *cobra.Command {
	var nLayer int
	var nWindow int32
	var currentLayer int

	cmd := &cobra.Command{
		Use:   "window-demo",
		Short: "Print the resident-layer window for a given current layer index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := layerwindow.DefaultConfig()
			cfg.NWindow = nWindow

			w := layerwindow.New(cfg)
			w.Init(nLayer)

			start, end := w.GetWindowRange(currentLayer)
			fmt.Printf("layer %d of %d: resident window [%d, %d)\n", currentLayer, nLayer, start, end)
			return nil
		},
	}
	cmd.Flags().IntVar(&nLayer, "layers", 32, "total model layers")
	cmd.Flags().Int32Var(&nWindow, "window", 8, "window size (>0 manual; 0 or -1 gives the full layer range, as this demo runs no auto-detection)")
	cmd.Flags().IntVar(&currentLayer, "current", 0, "current layer index")
	return cmd
}
