package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/busrisk/internal/logger"
)

func newLabelCommand(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "label",
		Short: "Fetch and label a dataset without training",
		Long:  `Fetch the configured object, append the high-risk label column and write the labeled CSV.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "-" {
				return a.label(cmd.Context(), cmd.OutOrStdout())
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			if err := a.label(cmd.Context(), f); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file, - for stdout")
	return cmd
}

func (a *app) label(ctx context.Context, w io.Writer) error {
	p, store, err := newPipeline(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close object store: %v", err)
		}
	}()

	labeled, err := p.Label(ctx, location(a.cfg))
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	if err := labeled.Table.WriteCSV(bw); err != nil {
		return fmt.Errorf("failed to write labeled CSV: %w", err)
	}
	return bw.Flush()
}
