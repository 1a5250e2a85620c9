package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// sweepTempDir removes per-request directories under dir whose modification
// time is older than maxAge. Only directories named by a request uuid are
// touched; anything else in dir is left alone. Handlers delete their own
// artifacts; this only catches what a crash or kill left behind.
func sweepTempDir(dir string, maxAge time.Duration, now time.Time, log *zap.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading temp dir: %w", err)
	}

	removed := 0
	cutoff := now.Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, err := uuid.Parse(e.Name()); err != nil || id.String() != e.Name() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warn("failed to remove stale artifact", zap.String("path", path), zap.Error(err))
			continue
		}
		log.Info("removed stale artifact",
			zap.String("path", path),
			zap.String("age", humanize.RelTime(info.ModTime(), now, "old", "from now")))
		removed++
	}
	return removed, nil
}

// runReaper sweeps once at startup and then on cfg.ReaperSchedule until ctx is done.
func runReaper(ctx context.Context, cfg *Config, log *zap.Logger) error {
	sweep := func() {
		n, err := sweepTempDir(cfg.TempDir, cfg.ArtifactMaxAge.Duration, time.Now(), log)
		if err != nil {
			log.Error("temp dir sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			log.Info("temp dir sweep finished", zap.Int("removed", n))
		}
	}

	sweep()

	c := cron.New()
	if _, err := c.AddFunc(cfg.ReaperSchedule, sweep); err != nil {
		return fmt.Errorf("scheduling reaper: %w", err)
	}
	c.Start()
	log.Info("reaper started", zap.String("schedule", cfg.ReaperSchedule), zap.Duration("max_age", cfg.ArtifactMaxAge.Duration))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
