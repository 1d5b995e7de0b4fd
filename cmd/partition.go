package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPartitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partition",
		Short: "Computes the regions and writes a checkpoint without fetching",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd, func(ctx context.Context, r Runner, _ *zap.Logger) error {
				cp, err := r.Driver().Partition(ctx)
				if err != nil {
					return fmt.Errorf("partition: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d regions, %d repositories expected, %d missed\n",
					len(cp.Regions), cp.Expected(), cp.Missed)
				return nil
			})
		},
	}
}
