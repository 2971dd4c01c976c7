package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-downloader/internal/api"
	"github.com/JakeFAU/sensor-archive-downloader/internal/app"
	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	"github.com/JakeFAU/sensor-archive-downloader/internal/config"
	"github.com/JakeFAU/sensor-archive-downloader/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what commands need from the service container. Tests inject a fake.
type App interface {
	Runner() api.Runner
	Clock() archive.Clock
	Logger() *zap.Logger
	Config() config.Config
	Ready(ctx context.Context) error
	Close() error
}

type services struct {
	*app.App
}

func (s services) Runner() api.Runner {
	return s.Job()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return services{a}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "sensorarchive",
		Short: "Download and merge daily sensor files from the public sensor archive.",
		Long: `sensorarchive mirrors the daily CSV files of configured stations from the
sensor archive into a local tree, then merges them into monthly and yearly files.
It runs once from the command line or as an HTTP service.`,
		SilenceUsage: true,

		// Config and services are built once the flags are parsed.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return
			}
			logger := appInstance.Logger()
			if err := appInstance.Close(); err != nil {
				logger.Warn("error closing services", zap.Error(err))
			}
			_ = logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the SENSORARCHIVE_ prefix")

	cmd.AddCommand(newDownloadCmd())
	cmd.AddCommand(newSummaryCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command with the process arguments. Cobra has already
// printed the error when one is returned.
func Execute(ctx context.Context) error {
	return run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	return nil
}
