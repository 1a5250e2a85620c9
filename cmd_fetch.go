package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Download one URL as MP3 into a local directory",
	Args:  cobra.ExactArgs(1),
	RunE:  fetchRun,
}

// fetchRun runs the same pipeline as POST /download and moves the result
// into --output instead of streaming it.
func fetchRun(cmd *cobra.Command, args []string) error {
	defer logger.Sync() //nolint:errcheck

	mediaURL := strings.TrimSpace(args[0])
	if mediaURL == "" {
		return fmt.Errorf("missing URL")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outDir, err := filepath.Abs(flagOutput)
	if err != nil {
		return fmt.Errorf("resolving output directory: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	p := newPipeline(cfg, newToolFetcher(cfg, logger), logger)
	art, err := p.Run(ctx, mediaURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := art.Release(); err != nil {
			logger.Warn("failed to remove request directory", zap.String("dir", art.Dir), zap.Error(err))
		}
	}()

	dest := filepath.Join(outDir, art.Name)
	if err := moveFile(art.Path, dest); err != nil {
		return fmt.Errorf("saving %s: %w", art.Name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", dest, humanize.Bytes(uint64(art.Size)))
	return nil
}
