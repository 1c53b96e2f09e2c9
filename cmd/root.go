// Package cmd defines and implements the CLI commands for the bandcamp-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bandcamp-crawler/internal/app"
	"github.com/JakeFAU/bandcamp-crawler/internal/config"
	"github.com/JakeFAU/bandcamp-crawler/internal/crawler"
	"github.com/JakeFAU/bandcamp-crawler/internal/logging"
	"github.com/JakeFAU/bandcamp-crawler/internal/progress"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of *app.App the commands use, so tests can inject a fake.
type App interface {
	Close(ctx context.Context) error
	Config() config.Config
	Logger() *zap.Logger
	SessionID() uuid.UUID
	Store() crawler.Store
	Clock() crawler.Clock
	Progress() *progress.Hub
	NewEngine() (*crawler.Engine, error)
}

// loadConfig and newApp are variables so tests can replace them.
var (
	loadConfig = config.Load

	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
		return app.New(ctx, cfg, logger, app.Options{})
	}
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bandcamp-crawler",
		Short: "A resumable crawler for Bandcamp artists, releases and fans.",
		Long: `bandcamp-crawler walks the Bandcamp graph starting from a seed URL,
following artists to their releases, releases to their supporters and
supporters to their collections. Progress is committed page by page so an
interrupted crawl resumes where it left off.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyFlagOverrides(cmd, &cfg); err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./bandcamp-crawler.yaml)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// applyFlagOverrides copies explicitly set subcommand flags onto cfg.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Lookup("seed") != nil && flags.Changed("seed") {
		seed, err := flags.GetString("seed")
		if err != nil {
			return fmt.Errorf("read --seed: %w", err)
		}
		cfg.Crawler.Seed = seed
	}
	if flags.Lookup("max-units") != nil && flags.Changed("max-units") {
		n, err := flags.GetInt("max-units")
		if err != nil {
			return fmt.Errorf("read --max-units: %w", err)
		}
		cfg.Crawler.MaxUnits = n
	}
	if flags.Lookup("concurrency") != nil && flags.Changed("concurrency") {
		n, err := flags.GetInt("concurrency")
		if err != nil {
			return fmt.Errorf("read --concurrency: %w", err)
		}
		cfg.Crawler.Concurrency = n
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// withApp resolves the injected App and closes it once the command returns,
// whether or not it failed.
func withApp(run func(cmd *cobra.Command, appInstance App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp(appInstance)
		return run(cmd, appInstance)
	}
}

func closeApp(appInstance App) {
	logger := appInstance.Logger()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := appInstance.Close(ctx); err != nil {
		logger.Warn("error closing application services", zap.Error(err))
	}
	_ = logger.Sync()
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
