package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bandcamp-crawler/internal/api"
	"github.com/JakeFAU/bandcamp-crawler/internal/crawler"
)

func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Starts or resumes a crawl",
		Long: `Starts a crawl from --seed, or resumes the crawl recorded in the
configured store. The first SIGINT/SIGTERM stops after in-flight pages are
committed; a second one aborts immediately.`,
		RunE: withApp(runCrawlCommand),
	}
	cmd.Flags().String("seed", "", "seed URL (ignored when resuming)")
	cmd.Flags().Int("max-units", 0, "stop after this many committed pages (0 = unbounded)")
	cmd.Flags().Int("concurrency", 0, "number of pages extracted in parallel")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, appInstance App) error {
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	engine, err := appInstance.NewEngine()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go handleSignals(ctx, cancel, engine, logger)

	serverDone := make(chan error, 1)
	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	if cfg.Metrics.Addr != "" {
		server := api.NewServer(engine, appInstance.Store(), appInstance.Clock(),
			api.Options{SessionID: appInstance.SessionID().String(), Progress: appInstance.Progress()}, logger.Named("api"))
		go func() { serverDone <- server.ListenAndServe(serverCtx, cfg.Metrics.Addr) }()
	} else {
		serverDone <- nil
	}

	runErr := engine.Run(ctx, cfg.Crawler.Seed)
	stopServer()
	if err := <-serverDone; err != nil {
		logger.Warn("monitoring server stopped with error", zap.Error(err))
	}

	stats := engine.Stats()
	logger.Info("crawl finished",
		zap.Int("units", stats.Units()),
		zap.Int("artists", stats.Processed[crawler.KindArtist]),
		zap.Int("releases", stats.Processed[crawler.KindRelease]),
		zap.Int("users", stats.Processed[crawler.KindUser]),
		zap.Int("skipped", stats.Skipped),
		zap.Int("unclassified", stats.Unclassified),
		zap.Int("retries", stats.Retries),
		zap.Int("aborted", stats.Aborted),
		zap.Int("queue_depth", stats.QueueDepth),
	)

	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, context.Canceled):
		logger.Warn("crawl aborted; progress up to the last commit is kept")
		return nil
	default:
		return fmt.Errorf("run crawler: %w", runErr)
	}
}

// handleSignals stops the engine on the first signal and cancels the crawl on the second.
func handleSignals(ctx context.Context, cancel context.CancelFunc, engine *crawler.Engine, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("stopping after in-flight pages; signal again to abort", zap.String("signal", sig.String()))
		engine.Stop()
	case <-ctx.Done():
		return
	}
	select {
	case <-sigCh:
		logger.Warn("aborting crawl")
		cancel()
	case <-ctx.Done():
	}
}
