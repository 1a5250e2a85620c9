package main

import (
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// serverStats are updated atomically by the handlers.
type serverStats struct {
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// server holds everything the HTTP handlers share. Per-request state (ids,
// paths, artifacts) never lives here.
type server struct {
	cfg        *Config
	pipeline   *pipeline
	limiter    *rate.Limiter
	slots      *semaphore.Weighted
	probeCache string
	startedAt  time.Time
	stats      serverStats
	log        *zap.Logger
}

func newServer(cfg *Config, p *pipeline, log *zap.Logger, probeCache string) *server {
	return &server{
		cfg:        cfg,
		pipeline:   p,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentDownloads)),
		probeCache: probeCache,
		startedAt:  time.Now(),
		log:        log,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/download", s.rateLimitMiddleware(s.handleDownload))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/", s.handleNotFound)
	return s.logRequests(mux)
}
