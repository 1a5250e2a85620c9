package main

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
)

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	active := s.stats.active.Load()
	status := "healthy"
	if active >= int64(s.cfg.MaxConcurrentDownloads) {
		status = "busy"
	}
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:          status,
		ActiveDownloads: active,
		Completed:       s.stats.completed.Load(),
		Failed:          s.stats.failed.Load(),
		Rejected:        s.stats.rejected.Load(),
		MaxConcurrent:   s.cfg.MaxConcurrentDownloads,
		ProbeCache:      s.probeCache,
		Uptime:          time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	metrics := map[string]any{
		"active_downloads": s.stats.active.Load(),
		"completed":        s.stats.completed.Load(),
		"failed":           s.stats.failed.Load(),
		"rejected":         s.stats.rejected.Load(),
		"max_concurrent":   s.cfg.MaxConcurrentDownloads,
		"rate_limit":       s.cfg.RequestsPerSecond,
		"uptime_seconds":   time.Since(s.startedAt).Seconds(),
	}
	if size, err := dirSize(s.cfg.TempDir); err == nil {
		metrics["temp_dir_bytes"] = size
		metrics["temp_dir_usage"] = humanize.Bytes(uint64(size))
	}
	writeJSON(w, http.StatusOK, metrics)
}
