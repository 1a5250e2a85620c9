package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pipeline drives probe, sanitize and transcode for one URL. Every run gets
// its own directory under tempDir so concurrent runs never share a path.
type pipeline struct {
	fetcher      Fetcher
	tempDir      string
	format       string
	quality      string
	defaultTitle string
	log          *zap.Logger
}

func newPipeline(cfg *Config, fetcher Fetcher, log *zap.Logger) *pipeline {
	return &pipeline{
		fetcher:      fetcher,
		tempDir:      cfg.TempDir,
		format:       cfg.AudioFormat,
		quality:      cfg.AudioQuality,
		defaultTitle: cfg.DefaultTitle,
		log:          log,
	}
}

// Run returns a ready artifact. The caller owns it and must Release it.
// On error nothing is left on disk.
func (p *pipeline) Run(ctx context.Context, mediaURL string) (*Artifact, error) {
	id := uuid.New().String()
	log := p.log.With(zap.String("request_id", id), zap.String("url", mediaURL))

	if err := checkMediaURL(mediaURL); err != nil {
		return nil, newFetchError(msgProbeFailed, err)
	}

	info, err := p.fetcher.Probe(ctx, mediaURL)
	if err != nil {
		return nil, newFetchError(msgProbeFailed, err)
	}

	safeTitle := sanitizeFilename(info.Title)
	if safeTitle == "" {
		log.Warn("title empty after sanitizing, using default",
			zap.String("title", info.Title), zap.String("default", p.defaultTitle))
		safeTitle = p.defaultTitle
	}

	art := &Artifact{
		ID:   id,
		Dir:  filepath.Join(p.tempDir, id),
		Name: safeTitle + "." + p.format,
		Info: info,
	}
	art.Path = filepath.Join(art.Dir, art.Name)

	if err := os.MkdirAll(art.Dir, 0o755); err != nil {
		return nil, newFetchError(msgDownloadFailed, fmt.Errorf("creating request directory: %w", err))
	}

	err = p.fetcher.FetchAndTranscode(ctx, FetchRequest{
		URL:        mediaURL,
		Info:       info,
		OutputPath: art.Path,
		Format:     p.format,
		Quality:    p.quality,
	})
	if err != nil {
		p.release(art, log)
		return nil, newFetchError(msgDownloadFailed, err)
	}

	st, err := os.Stat(art.Path)
	if err == nil && st.IsDir() {
		err = fmt.Errorf("%s is a directory", art.Name)
	}
	if err != nil {
		p.release(art, log)
		return nil, newArtifactMissingError(art.Path, err)
	}
	art.Size = st.Size()

	log.Info("artifact ready",
		zap.String("title", info.Title),
		zap.String("path", art.Path),
		zap.String("size", humanize.Bytes(uint64(art.Size))))
	return art, nil
}

func (p *pipeline) release(art *Artifact, log *zap.Logger) {
	if err := art.Release(); err != nil {
		log.Warn("failed to remove request directory", zap.String("dir", art.Dir), zap.Error(err))
	}
}
