package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Fetcher modes
const (
	// FetcherModeYTDLP lets yt-dlp download and run its ffmpeg postprocessor.
	FetcherModeYTDLP = "ytdlp"
	// FetcherModeFFmpeg transcodes the probed stream URL with ffmpeg directly.
	FetcherModeFFmpeg = "ffmpeg"

	bestAudioFormat = "bestaudio/best"
	toolWaitDelay   = 2 * time.Second
)

// Fetcher is the external media collaborator: metadata first, then the file.
type Fetcher interface {
	// Probe reports metadata without writing anything to disk.
	Probe(ctx context.Context, mediaURL string) (*MediaInfo, error)
	// FetchAndTranscode writes exactly one audio file at req.OutputPath.
	FetchAndTranscode(ctx context.Context, req FetchRequest) error
}

type ytdlpFormat struct {
	FormatID string  `json:"format_id"`
	ACodec   string  `json:"acodec"`
	VCodec   string  `json:"vcodec"`
	Ext      string  `json:"ext"`
	Protocol string  `json:"protocol"`
	URL      string  `json:"url"`
	ABR      float64 `json:"abr"`
	TBR      float64 `json:"tbr"`
}

type ytdlpInfo struct {
	Title    string        `json:"title"`
	Uploader string        `json:"uploader"`
	Duration float64       `json:"duration"`
	Formats  []ytdlpFormat `json:"formats"`
}

// toolFetcher shells out to yt-dlp and ffmpeg.
type toolFetcher struct {
	ytdlpPath        string
	ffmpegPath       string
	mode             string
	probeTimeout     time.Duration
	transcodeTimeout time.Duration
	log              *zap.Logger
}

func newToolFetcher(cfg *Config, log *zap.Logger) *toolFetcher {
	return &toolFetcher{
		ytdlpPath:        cfg.YTDLPPath,
		ffmpegPath:       cfg.FFmpegPath,
		mode:             cfg.FetcherMode,
		probeTimeout:     cfg.ProbeTimeout.Duration,
		transcodeTimeout: cfg.TranscodeTimeout.Duration,
		log:              log,
	}
}

func (f *toolFetcher) Probe(ctx context.Context, mediaURL string) (*MediaInfo, error) {
	stdout, err := runTool(ctx, f.probeTimeout, f.ytdlpPath,
		"-J", "--no-warnings", "--skip-download", "--no-playlist", "--", mediaURL)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp metadata error: %w", err)
	}

	var info ytdlpInfo
	if err := json.Unmarshal(stdout, &info); err != nil {
		return nil, fmt.Errorf("yt-dlp metadata parse error: %w", err)
	}

	meta := &MediaInfo{
		Title:    strings.TrimSpace(info.Title),
		Uploader: info.Uploader,
		Duration: info.Duration,
	}
	if best, ok := pickAudioFormat(info.Formats); ok {
		meta.StreamURL = best.URL
		meta.Ext = best.Ext
		meta.Abr = int(best.ABR)
	}
	return meta, nil
}

func (f *toolFetcher) FetchAndTranscode(ctx context.Context, req FetchRequest) error {
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	start := time.Now()
	switch f.mode {
	case FetcherModeFFmpeg:
		if req.Info == nil || req.Info.StreamURL == "" {
			return fmt.Errorf("no usable audio stream in probe result")
		}
		if _, err := runTool(ctx, f.transcodeTimeout, f.ffmpegPath, ffmpegArgs(req.Info.StreamURL, req.OutputPath, req.Quality)...); err != nil {
			return fmt.Errorf("ffmpeg error: %w", err)
		}
	default:
		if _, err := runTool(ctx, f.transcodeTimeout, f.ytdlpPath, ytdlpDownloadArgs(req, f.ffmpegPath)...); err != nil {
			return fmt.Errorf("yt-dlp download error: %w", err)
		}
	}

	f.log.Debug("transcode finished",
		zap.String("mode", f.mode),
		zap.String("path", req.OutputPath),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// ytdlpDownloadArgs pins the output name to req.OutputPath so yt-dlp never
// derives its own filename from the title.
func ytdlpDownloadArgs(req FetchRequest, ffmpegPath string) []string {
	stem := strings.TrimSuffix(req.OutputPath, filepath.Ext(req.OutputPath))
	template := escapeOutputTemplate(stem) + ".%(ext)s"

	args := []string{
		"-f", bestAudioFormat,
		"-x",
		"--audio-format", req.Format,
		"--audio-quality", req.Quality + "K",
		"--no-playlist",
		"--no-warnings",
		"--quiet",
		"--force-overwrites",
		"-o", template,
	}
	if ffmpegPath != "" && ffmpegPath != DefaultFFmpegPath {
		args = append(args, "--ffmpeg-location", ffmpegPath)
	}
	return append(args, "--", req.URL)
}

// escapeOutputTemplate keeps literal percent signs out of yt-dlp's template expansion.
func escapeOutputTemplate(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

func ffmpegArgs(input, output, quality string) []string {
	return []string{
		"-y",
		"-loglevel", "error",
		"-nostdin",
		"-i", input,
		"-vn",
		"-acodec", "libmp3lame",
		"-ar", "44100",
		"-b:a", quality + "k",
		output,
	}
}

// runTool runs an external binary under its own timeout and returns stdout.
// Stderr is folded into the error.
func runTool(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = toolWaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timed out after %s: %w", filepath.Base(name), timeout, ctx.Err())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w | %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// pickAudioFormat returns the best audio-only format, or the best format
// muxing audio with video when the extractor offers no audio-only one.
func pickAudioFormat(formats []ytdlpFormat) (ytdlpFormat, bool) {
	var audioOnly, muxed *ytdlpFormat
	for i := range formats {
		f := &formats[i]
		if f.URL == "" || f.ACodec == "none" {
			continue
		}
		if f.VCodec == "none" || f.VCodec == "" {
			if betterFormat(f, audioOnly) {
				audioOnly = f
			}
		} else if betterFormat(f, muxed) {
			muxed = f
		}
	}
	switch {
	case audioOnly != nil:
		return *audioOnly, true
	case muxed != nil:
		return *muxed, true
	}
	return ytdlpFormat{}, false
}

// betterFormat reports whether f outranks cur. Equal scores go to the higher
// audio bitrate, then to whichever came first.
func betterFormat(f, cur *ytdlpFormat) bool {
	if cur == nil {
		return true
	}
	sf, sc := scoreFormat(*f), scoreFormat(*cur)
	if sf != sc {
		return sf > sc
	}
	return f.ABR > cur.ABR
}

// scoreFormat ranks a format as container bonus (m4a 100 down to 60 for
// unknown) plus protocol bonus (https 30, http 25, HLS 20, DASH 15) plus the
// audio bitrate in kbps, or half the total bitrate when abr is missing.
// The container bonuses sit within 40 points of each other, so a clearly
// higher bitrate wins over a preferred container.
func scoreFormat(f ytdlpFormat) int {
	score := 0
	switch strings.ToLower(f.Ext) {
	case "m4a":
		score += 100
	case "webm":
		score += 90
	case "ogg", "opus":
		score += 85
	case "mp4":
		score += 70
	default:
		score += 60
	}
	p := strings.ToLower(f.Protocol)
	switch {
	case strings.HasPrefix(p, "https"):
		score += 30
	case strings.HasPrefix(p, "http"):
		score += 25
	case strings.Contains(p, "m3u8") || strings.Contains(p, "hls"):
		score += 20
	case strings.Contains(p, "dash"):
		score += 15
	}
	if f.ABR > 0 {
		score += int(f.ABR)
	} else if f.TBR > 0 {
		score += int(f.TBR / 2)
	}
	return score
}
