package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-census/internal/checkpoint"
	"github.com/JakeFAU/repo-census/internal/driver"
)

// Driver is the pipeline surface the commands use.
type Driver interface {
	Partition(ctx context.Context) (*checkpoint.Checkpoint, error)
	Run(ctx context.Context, ro driver.RunOptions) (driver.Summary, error)
}

func newCrawlCmd() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Partitions the search space, fetches every region and merges the output",
		Long: `Runs the full census. With --resume the run continues from the checkpoint
left by an interrupted crawl or a prior "partition" command; without it any
previous checkpoint and output are replaced.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd, func(ctx context.Context, r Runner, logger *zap.Logger) error {
				sum, err := r.Driver().Run(ctx, driver.RunOptions{Resume: resume})
				if err != nil {
					if errors.Is(err, context.Canceled) {
						logger.Warn("crawl interrupted; rerun with --resume to continue")
					}
					return fmt.Errorf("crawl: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), sum.Output)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "continue from an existing checkpoint")
	return cmd
}
