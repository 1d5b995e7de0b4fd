// Package cmd defines the CLI commands of the repo-census executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-census/internal/config"
	"github.com/JakeFAU/repo-census/internal/logging"
	"github.com/JakeFAU/repo-census/internal/server"
)

type envKeyType struct{}

var envKey envKeyType

// env carries the loaded config and logger from the root hook to the
// subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// Runner is the part of the application the crawl and partition commands
// drive. It lets tests inject a fake.
type Runner interface {
	Driver() Driver
	StartServer(ctx context.Context)
	Close(ctx context.Context) error
}

// newRunner builds the application. It's a variable so tests can replace it.
var newRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	app, err := server.Build(ctx, cfg, logger, server.Overrides{})
	if err != nil {
		return nil, err
	}
	return appRunner{app}, nil
}

// nowFunc anchors an open-ended date_max; tests pin it.
var nowFunc = time.Now

type appRunner struct{ *server.App }

func (r appRunner) Driver() Driver { return r.App.Driver() }

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "repo-census",
		Short: "Enumerates every public GitHub repository in a star and date range.",
		Long: `repo-census splits a star-count by creation-date search space into regions
small enough for the GitHub search API to page through completely, fetches
every region, and writes the repositories to a single JSON array.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newPartitionCmd())
	cmd.AddCommand(newMergeCmd())
	return cmd
}

// Execute runs the root command with a context canceled on SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// withRunner builds the application, serves the status API while fn runs,
// and shuts everything down afterwards.
func withRunner(cmd *cobra.Command, fn func(ctx context.Context, r Runner, logger *zap.Logger) error) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	r, err := newRunner(ctx, e.cfg, e.logger)
	if err != nil {
		_ = e.logger.Sync()
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	r.StartServer(ctx)

	runErr := fn(ctx, r, e.logger)
	cancel()
	if cerr := r.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
		e.logger.Warn("shutdown reported errors", zap.Error(cerr))
	}
	return runErr
}
