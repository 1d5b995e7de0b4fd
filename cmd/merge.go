package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-census/internal/driver"
)

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge [file]",
		Short: "Flattens a JSON-lines output file into one JSON array",
		Long: `Merges the output of an interrupted or partial crawl in place. Without an
argument the output recorded in the checkpoint is used, falling back to the
path derived from the configuration. Merging an
already merged file is a no-op.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				f, err := e.cfg.Filter(nowFunc())
				if err != nil {
					return err
				}
				path = driver.OutputOf(e.cfg.CheckpointPath(), e.cfg.OutputPath(f))
			}
			stats, err := driver.Merge(path)
			if err != nil {
				return fmt.Errorf("merge %s: %w", path, err)
			}
			e.logger.Info("merge complete",
				zap.String("path", path),
				zap.Int("lines", stats.Lines),
				zap.Int("records", stats.Records),
				zap.Bool("already_merged", stats.AlreadyMerged),
			)
			_ = e.logger.Sync()
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
