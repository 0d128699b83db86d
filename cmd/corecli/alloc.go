package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/databloom/pagedkv-layerwindow/blockpool"
	"github.com/databloom/pagedkv-layerwindow/blocktable"
)

func newAllocCmd() *cobra.Command {
	var totalCells, blockSize uint32
	var sequences int
	var tokensPerSeq int64

	cmd := &cobra.Command{
		Use:   "alloc-demo",
		Short: "Simulate block allocation and logical-to-physical translation for N sequences",
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc := blockpool.New(totalCells, blockSize)
			table := blocktable.New(blockSize)

			for seq := 0; seq < sequences; seq++ {
				s := blocktable.SeqID(seq)
				for pos := int64(0); pos < tokensPerSeq; pos++ {
					if table.NeedsNewBlock(s, pos+1) {
						b, err := alloc.Allocate()
						if err != nil {
							return fmt.Errorf("sequence %d: %w", seq, err)
						}
						table.AppendBlock(s, b)
					}
				}
				phys, err := table.LogicalToPhysical(s, tokensPerSeq-1)
				if err != nil {
					return err
				}
				fmt.Printf("seq %d: %d blocks, last token -> physical cell %d\n", seq, table.NumBlocksFor(s), phys)
			}

			fmt.Printf("free blocks remaining: %d / %d\n", alloc.NumFree(), alloc.Total())
			return nil
		},
	}
	cmd.Flags().Uint32Var(&totalCells, "total-cells", 4096, "total KV cache cells")
	cmd.Flags().Uint32Var(&blockSize, "block-size", 32, "cells per block")
	cmd.Flags().IntVar(&sequences, "sequences", 4, "number of concurrent sequences")
	cmd.Flags().Int64Var(&tokensPerSeq, "tokens", 100, "tokens to append per sequence")
	return cmd
}
