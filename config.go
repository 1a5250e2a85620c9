package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap/zapcore"
)

// Centralized configuration defaults
const (
	// Server
	DefaultListenAddr   = ":5000"
	MaxRequestBodyBytes = 1 << 20

	// Temporary artifacts
	DefaultTempDir        = "temp_downloads"
	DefaultTitle          = "song"
	DefaultArtifactAge    = time.Hour
	DefaultReaperSchedule = "@every 10m"

	// External tools
	DefaultYTDLPPath    = "yt-dlp"
	DefaultFFmpegPath   = "ffmpeg"
	DefaultAudioFormat  = "mp3"
	DefaultAudioQuality = "192"

	// Timeouts
	DefaultProbeTimeout     = 45 * time.Second
	DefaultTranscodeTimeout = 10 * time.Minute

	// Concurrency and rate limiting
	MaxConcurrentDownloads = 4
	RequestsPerSecond      = 10
	BurstSize              = 20

	// Redis probe cache
	RedisAddr     = "localhost:6379"
	RedisPassword = ""
	RedisDB       = 0
	ProbeCacheTTL = 30 * time.Minute

	envPrefix = "AUDIOGRAB_"
)

// duration lets TOML files spell timeouts as "45s" or "10m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds all service configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	TempDir    string `toml:"temp_dir"`

	YTDLPPath   string `toml:"ytdlp_path"`
	FFmpegPath  string `toml:"ffmpeg_path"`
	FetcherMode string `toml:"fetcher_mode"`

	AudioFormat  string `toml:"audio_format"`
	AudioQuality string `toml:"audio_quality"`
	DefaultTitle string `toml:"default_title"`

	ProbeTimeout     duration `toml:"probe_timeout"`
	TranscodeTimeout duration `toml:"transcode_timeout"`

	MaxConcurrentDownloads int     `toml:"max_concurrent_downloads"`
	RequestsPerSecond      float64 `toml:"requests_per_second"`
	BurstSize              int     `toml:"burst_size"`

	// ExposeErrors passes raw tool errors through to clients instead of
	// the generic per-kind messages.
	ExposeErrors bool `toml:"expose_errors"`

	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`
	ProbeCacheTTL duration `toml:"probe_cache_ttl"`

	// ReaperSchedule is a cron expression; empty disables the reaper.
	ReaperSchedule string   `toml:"reaper_schedule"`
	ArtifactMaxAge duration `toml:"artifact_max_age"`

	LogLevel string `toml:"log_level"`
	Debug    bool   `toml:"debug"`
}

// defaultConfig returns the built-in configuration.
func defaultConfig() *Config {
	return &Config{
		ListenAddr:             DefaultListenAddr,
		TempDir:                DefaultTempDir,
		YTDLPPath:              DefaultYTDLPPath,
		FFmpegPath:             DefaultFFmpegPath,
		FetcherMode:            FetcherModeYTDLP,
		AudioFormat:            DefaultAudioFormat,
		AudioQuality:           DefaultAudioQuality,
		DefaultTitle:           DefaultTitle,
		ProbeTimeout:           duration{DefaultProbeTimeout},
		TranscodeTimeout:       duration{DefaultTranscodeTimeout},
		MaxConcurrentDownloads: MaxConcurrentDownloads,
		RequestsPerSecond:      RequestsPerSecond,
		BurstSize:              BurstSize,
		RedisAddr:              RedisAddr,
		RedisPassword:          RedisPassword,
		RedisDB:                RedisDB,
		ProbeCacheTTL:          duration{ProbeCacheTTL},
		ReaperSchedule:         DefaultReaperSchedule,
		ArtifactMaxAge:         duration{DefaultArtifactAge},
		LogLevel:               "info",
	}
}

// loadConfig merges defaults < TOML file < .env/environment.
// An empty path skips the file layer; a missing .env is not an error.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strVars := map[string]*string{
		"LISTEN_ADDR":     &c.ListenAddr,
		"TEMP_DIR":        &c.TempDir,
		"YTDLP_PATH":      &c.YTDLPPath,
		"FFMPEG_PATH":     &c.FFmpegPath,
		"FETCHER_MODE":    &c.FetcherMode,
		"AUDIO_QUALITY":   &c.AudioQuality,
		"REDIS_ADDR":      &c.RedisAddr,
		"REDIS_PASSWORD":  &c.RedisPassword,
		"REAPER_SCHEDULE": &c.ReaperSchedule,
		"LOG_LEVEL":       &c.LogLevel,
	}
	for name, dst := range strVars {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	intVars := map[string]*int{
		"MAX_CONCURRENT_DOWNLOADS": &c.MaxConcurrentDownloads,
		"BURST_SIZE":               &c.BurstSize,
		"REDIS_DB":                 &c.RedisDB,
	}
	for name, dst := range intVars {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s must be an integer, got %q", envPrefix, name, v)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv(envPrefix + "REQUESTS_PER_SECOND"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%sREQUESTS_PER_SECOND must be a number, got %q", envPrefix, v)
		}
		c.RequestsPerSecond = f
	}

	boolVars := map[string]*bool{
		"EXPOSE_ERRORS": &c.ExposeErrors,
		"DEBUG":         &c.Debug,
	}
	for name, dst := range boolVars {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s must be a boolean, got %q", envPrefix, name, v)
		}
		*dst = b
	}

	durVars := map[string]*duration{
		"PROBE_TIMEOUT":     &c.ProbeTimeout,
		"TRANSCODE_TIMEOUT": &c.TranscodeTimeout,
		"PROBE_CACHE_TTL":   &c.ProbeCacheTTL,
		"ARTIFACT_MAX_AGE":  &c.ArtifactMaxAge,
	}
	for name, dst := range durVars {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		if err := dst.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
	}
	return nil
}

// Validate checks config values are within acceptable bounds.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.TempDir == "" {
		return fmt.Errorf("temp directory cannot be empty")
	}

	switch c.FetcherMode {
	case FetcherModeYTDLP, FetcherModeFFmpeg:
	default:
		return fmt.Errorf("unsupported fetcher mode %q (valid: %s, %s)", c.FetcherMode, FetcherModeYTDLP, FetcherModeFFmpeg)
	}
	if c.YTDLPPath == "" {
		return fmt.Errorf("yt-dlp path cannot be empty")
	}
	if c.FetcherMode == FetcherModeFFmpeg && c.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg path cannot be empty in %s mode", FetcherModeFFmpeg)
	}

	// Responses are always served as audio/mpeg.
	if c.AudioFormat != DefaultAudioFormat {
		return fmt.Errorf("unsupported audio format %q (valid: %s)", c.AudioFormat, DefaultAudioFormat)
	}
	kbps, err := strconv.Atoi(c.AudioQuality)
	if err != nil || kbps < 32 || kbps > 320 {
		return fmt.Errorf("audio quality must be a bitrate between 32 and 320 kbps, got %q", c.AudioQuality)
	}

	if c.DefaultTitle == "" || sanitizeFilename(c.DefaultTitle) != c.DefaultTitle {
		return fmt.Errorf("default title %q must be a non-empty safe filename", c.DefaultTitle)
	}

	if c.ProbeTimeout.Duration <= 0 || c.TranscodeTimeout.Duration <= 0 {
		return fmt.Errorf("probe and transcode timeouts must be positive")
	}
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1, got %d", c.MaxConcurrentDownloads)
	}
	if c.RequestsPerSecond <= 0 || c.BurstSize < 1 {
		return fmt.Errorf("rate limit must allow at least one request (rps=%v, burst=%d)", c.RequestsPerSecond, c.BurstSize)
	}
	if c.ProbeCacheTTL.Duration < 0 {
		return fmt.Errorf("probe cache TTL cannot be negative")
	}

	if c.ReaperSchedule != "" {
		if _, err := cron.ParseStandard(c.ReaperSchedule); err != nil {
			return fmt.Errorf("invalid reaper schedule %q: %w", c.ReaperSchedule, err)
		}
		// The reaper must never collect a directory a live request still owns.
		if c.ArtifactMaxAge.Duration <= c.ProbeTimeout.Duration+c.TranscodeTimeout.Duration {
			return fmt.Errorf("artifact max age %s must exceed probe+transcode timeouts (%s)",
				c.ArtifactMaxAge, c.ProbeTimeout.Duration+c.TranscodeTimeout.Duration)
		}
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return nil
}
