package main

import "os"

// DownloadRequest is the POST /download body.
type DownloadRequest struct {
	URL string `json:"url"`
}

// MediaInfo is what the probe phase learns about a URL. Only Title is needed
// to name the artifact; the stream fields feed the ffmpeg fetcher mode.
type MediaInfo struct {
	Title     string  `json:"title"`
	Uploader  string  `json:"uploader"`
	Duration  float64 `json:"duration"`
	StreamURL string  `json:"stream_url"`
	Ext       string  `json:"ext"`
	Abr       int     `json:"abr"`
}

// FetchRequest tells a Fetcher where to put the transcoded file.
type FetchRequest struct {
	URL        string
	Info       *MediaInfo
	OutputPath string
	Format     string
	Quality    string
}

// Artifact is a transcoded file living in its own per-request directory.
type Artifact struct {
	ID   string
	Dir  string
	Path string
	Name string
	Size int64
	Info *MediaInfo
}

// Release deletes the artifact together with its request directory.
func (a *Artifact) Release() error {
	if a == nil || a.Dir == "" {
		return nil
	}
	return os.RemoveAll(a.Dir)
}

type HealthStatus struct {
	Status          string `json:"status"`
	ActiveDownloads int64  `json:"active_downloads"`
	Completed       int64  `json:"completed"`
	Failed          int64  `json:"failed"`
	Rejected        int64  `json:"rejected"`
	MaxConcurrent   int    `json:"max_concurrent"`
	ProbeCache      string `json:"probe_cache"`
	Uptime          string `json:"uptime"`
}
