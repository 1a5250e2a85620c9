package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// version is set at build time via -ldflags "-X main.version=X.Y.Z".
var version = "dev"

const shutdownTimeout = 15 * time.Second

var (
	flagConfig string
	flagListen string
	flagDebug  bool
	flagOutput string
)

// cfg and logger are loaded once per invocation (defaults < file < env < flags).
var (
	cfg    *Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "audiograb",
	Short: "Turn media URLs into MP3 downloads",
	Long: `audiograb resolves a media URL with yt-dlp, transcodes the best audio
stream to MP3 and hands the file back over HTTP (or to a local directory).`,
	SilenceUsage:      true,
	PersistentPreRunE: loadRuntimeConfig,
	RunE:              serveRun,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (default)",
	Args:  cobra.NoArgs,
	RunE:  serveRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "audiograb", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "x", false, "Debug logging with a console encoder")
	rootCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "Listen address (default :5000)")
	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "Listen address (default :5000)")
	fetchCmd.Flags().StringVarP(&flagOutput, "output", "o", ".", "Directory to move the MP3 into")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// loadRuntimeConfig loads config, applies CLI flags and builds the logger.
func loadRuntimeConfig(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	var err error
	cfg, err = loadConfig(flagConfig)
	if err != nil {
		return err
	}

	if flagListen != "" {
		cfg.ListenAddr = flagListen
	}
	if flagDebug {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err = newLogger(cfg.LogLevel, cfg.Debug)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	return nil
}

func serveRun(cmd *cobra.Command, _ []string) error {
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}

	var fetcher Fetcher = newToolFetcher(cfg, logger)
	probeCache := "disabled"
	if client := newRedisClient(ctx, cfg, logger); client != nil {
		defer client.Close()
		fetcher = newCachingFetcher(fetcher, newRedisProbeCache(client, cfg.ProbeCacheTTL.Duration, logger))
		probeCache = "redis"
	}

	srv := newServer(cfg, newPipeline(cfg, fetcher, logger), logger, probeCache)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("temp_dir", cfg.TempDir),
			zap.String("fetcher_mode", cfg.FetcherMode),
			zap.Int("max_concurrent", cfg.MaxConcurrentDownloads),
			zap.String("version", version))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.ReaperSchedule != "" {
		g.Go(func() error {
			return runReaper(gctx, cfg, logger)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
