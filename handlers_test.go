package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFetcher records calls and delegates to the configured funcs.
type fakeFetcher struct {
	mu         sync.Mutex
	probeCalls int
	fetchCalls int
	requests   []FetchRequest

	probe func(ctx context.Context, mediaURL string) (*MediaInfo, error)
	fetch func(ctx context.Context, req FetchRequest) error
}

func (f *fakeFetcher) Probe(ctx context.Context, mediaURL string) (*MediaInfo, error) {
	f.mu.Lock()
	f.probeCalls++
	f.mu.Unlock()
	return f.probe(ctx, mediaURL)
}

func (f *fakeFetcher) FetchAndTranscode(ctx context.Context, req FetchRequest) error {
	f.mu.Lock()
	f.fetchCalls++
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.fetch(ctx, req)
}

func (f *fakeFetcher) calls() (probe, fetch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCalls, f.fetchCalls
}

func titleProbe(title string) func(context.Context, string) (*MediaInfo, error) {
	return func(context.Context, string) (*MediaInfo, error) {
		return &MediaInfo{Title: title}, nil
	}
}

func writeBytes(content []byte) func(context.Context, FetchRequest) error {
	return func(_ context.Context, req FetchRequest) error {
		return os.WriteFile(req.OutputPath, content, 0o644)
	}
}

func newTestServer(t *testing.T, f Fetcher, opts ...func(*Config)) (*server, *Config) {
	t.Helper()
	cfg := defaultConfig()
	cfg.TempDir = t.TempDir()
	for _, opt := range opts {
		opt(cfg)
	}
	require.NoError(t, cfg.Validate())
	return newServer(cfg, newPipeline(cfg, f, zap.NewNop()), zap.NewNop(), "disabled"), cfg
}

func postDownload(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/download", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body["error"]
}

func assertTempDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp dir should be empty after the request")
}

func TestHandleDownloadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"missing url field", `{}`, msgMissingURL},
		{"empty url", `{"url":""}`, msgMissingURL},
		{"whitespace url", `{"url":"   "}`, msgMissingURL},
		{"null body", `null`, msgMissingURL},
		{"empty body", ``, msgMissingURL},
		{"unparsable body", `{"url":`, msgInvalidJSON},
		{"wrong type", `{"url":42}`, msgInvalidJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{probe: titleProbe("x"), fetch: writeBytes([]byte("x"))}
			srv, _ := newTestServer(t, f)

			rec := postDownload(t, srv.routes(), tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantMsg, errorBody(t, rec))
			probes, fetches := f.calls()
			assert.Zero(t, probes)
			assert.Zero(t, fetches)
		})
	}
}

func TestHandleDownloadMissingURLBody(t *testing.T) {
	f := &fakeFetcher{probe: titleProbe("x"), fetch: writeBytes([]byte("x"))}
	srv, _ := newTestServer(t, f)

	rec := postDownload(t, srv.routes(), `{"link":"https://example.com"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing URL"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestHandleDownloadSuccess(t *testing.T) {
	content := []byte("ID3\x04\x00fake mp3 payload")
	f := &fakeFetcher{probe: titleProbe("Test Song"), fetch: writeBytes(content)}
	srv, cfg := newTestServer(t, f)

	rec := postDownload(t, srv.routes(), `{"url":"https://www.youtube.com/watch?v=abc"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `attachment; filename="Test Song.mp3"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, content, rec.Body.Bytes())

	require.Len(t, f.requests, 1)
	req := f.requests[0]
	assert.Equal(t, "https://www.youtube.com/watch?v=abc", req.URL)
	assert.Equal(t, "mp3", req.Format)
	assert.Equal(t, "192", req.Quality)
	assert.Equal(t, "Test Song.mp3", filepath.Base(req.OutputPath))
	assert.Equal(t, cfg.TempDir, filepath.Dir(filepath.Dir(req.OutputPath)))

	assertTempDirEmpty(t, cfg.TempDir)
	assert.EqualValues(t, 1, srv.stats.completed.Load())
}

func TestHandleDownloadSanitizesTitle(t *testing.T) {
	f := &fakeFetcher{probe: titleProbe(`AC/DC: "Live" <1991>`), fetch: writeBytes([]byte("x"))}
	srv, _ := newTestServer(t, f)

	rec := postDownload(t, srv.routes(), `{"url":"https://example.com/v"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="ACDC Live 1991.mp3"`, rec.Header().Get("Content-Disposition"))
}

func TestHandleDownloadEmptyTitleFallsBack(t *testing.T) {
	f := &fakeFetcher{probe: titleProbe(`???`), fetch: writeBytes([]byte("x"))}
	srv, _ := newTestServer(t, f)

	rec := postDownload(t, srv.routes(), `{"url":"https://example.com/v"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="song.mp3"`, rec.Header().Get("Content-Disposition"))
}

func TestHandleDownloadProbeFailure(t *testing.T) {
	probeErr := errors.New("ERROR: [generic] Unsupported URL: https://example.com/nope")

	tests := []struct {
		name    string
		expose  bool
		wantMsg string
	}{
		{"generic message", false, msgProbeFailed},
		{"raw message exposed", true, probeErr.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{
				probe: func(context.Context, string) (*MediaInfo, error) { return nil, probeErr },
				fetch: writeBytes([]byte("x")),
			}
			srv, cfg := newTestServer(t, f, func(c *Config) { c.ExposeErrors = tt.expose })

			rec := postDownload(t, srv.routes(), `{"url":"https://example.com/nope"}`)

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Equal(t, tt.wantMsg, errorBody(t, rec))
			_, fetches := f.calls()
			assert.Zero(t, fetches, "download phase must not run after a failed probe")
			assertTempDirEmpty(t, cfg.TempDir)
			assert.EqualValues(t, 1, srv.stats.failed.Load())
		})
	}
}

func TestHandleDownloadUnsupportedScheme(t *testing.T) {
	f := &fakeFetcher{probe: titleProbe("x"), fetch: writeBytes([]byte("x"))}
	srv, _ := newTestServer(t, f, func(c *Config) { c.ExposeErrors = true })

	rec := postDownload(t, srv.routes(), `{"url":"file:///etc/passwd"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, errorBody(t, rec), `unsupported URL scheme "file"`)
	probes, _ := f.calls()
	assert.Zero(t, probes)
}

func TestHandleDownloadFetchFailure(t *testing.T) {
	f := &fakeFetcher{
		probe: titleProbe("Test Song"),
		fetch: func(_ context.Context, req FetchRequest) error {
			// Leave a partial file behind; the handler must still clean up.
			_ = os.WriteFile(req.OutputPath+".part", []byte("partial"), 0o644)
			return errors.New("ffmpeg error: exit status 1 | Conversion failed!")
		},
	}
	srv, cfg := newTestServer(t, f)

	rec := postDownload(t, srv.routes(), `{"url":"https://example.com/v"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, msgDownloadFailed, errorBody(t, rec))
	assertTempDirEmpty(t, cfg.TempDir)
}

func TestHandleDownloadArtifactMissing(t *testing.T) {
	f := &fakeFetcher{
		probe: titleProbe("Test Song"),
		fetch: func(_ context.Context, req FetchRequest) error {
			// Simulates a fetcher that named the file differently.
			other := filepath.Join(filepath.Dir(req.OutputPath), "Test_Song.mp3")
			return os.WriteFile(other, []byte("x"), 0o644)
		},
	}
	srv, cfg := newTestServer(t, f)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- postDownload(t, srv.routes(), `{"url":"https://example.com/v"}`) }()

	select {
	case rec := <-done:
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, msgArtifactMissing, errorBody(t, rec))
	case <-time.After(5 * time.Second):
		t.Fatal("handler hung on a missing artifact")
	}
	assertTempDirEmpty(t, cfg.TempDir)
}

func TestHandleDownloadConcurrentSameTitle(t *testing.T) {
	var (
		arrived sync.WaitGroup
		ready   = make(chan struct{})
	)
	arrived.Add(2)
	go func() {
		arrived.Wait()
		close(ready)
	}()

	f := &fakeFetcher{
		probe: titleProbe("Same/Title"),
		fetch: func(ctx context.Context, req FetchRequest) error {
			// Hold both requests inside the fetch phase at the same time.
			arrived.Done()
			select {
			case <-ready:
			case <-time.After(5 * time.Second):
				return errors.New("requests did not overlap")
			}
			return os.WriteFile(req.OutputPath, []byte("content of "+req.URL), 0o644)
		},
	}
	srv, cfg := newTestServer(t, f)
	h := srv.routes()

	urls := []string{"https://example.com/a", "https://example.com/b"}
	recs := make([]*httptest.ResponseRecorder, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		i, u := i, u
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs[i] = postDownload(t, h, `{"url":"`+u+`"}`)
		}()
	}
	wg.Wait()

	for i, u := range urls {
		require.Equal(t, http.StatusOK, recs[i].Code, recs[i].Body.String())
		assert.Equal(t, `attachment; filename="SameTitle.mp3"`, recs[i].Header().Get("Content-Disposition"))
		assert.Equal(t, "content of "+u, recs[i].Body.String())
	}
	require.Len(t, f.requests, 2)
	assert.NotEqual(t, f.requests[0].OutputPath, f.requests[1].OutputPath)
	assertTempDirEmpty(t, cfg.TempDir)
}

func TestHandleDownloadBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := &fakeFetcher{
		probe: titleProbe("Slow"),
		fetch: func(_ context.Context, req FetchRequest) error {
			close(entered)
			<-release
			return os.WriteFile(req.OutputPath, []byte("x"), 0o644)
		},
	}
	srv, _ := newTestServer(t, f, func(c *Config) { c.MaxConcurrentDownloads = 1 })
	h := srv.routes()

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- postDownload(t, h, `{"url":"https://example.com/slow"}`) }()
	<-entered

	rec := postDownload(t, h, `{"url":"https://example.com/other"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.EqualValues(t, 1, srv.stats.rejected.Load())

	close(release)
	assert.Equal(t, http.StatusOK, (<-first).Code)
}

func TestHandleDownloadRateLimited(t *testing.T) {
	f := &fakeFetcher{probe: titleProbe("x"), fetch: writeBytes([]byte("x"))}
	srv, _ := newTestServer(t, f, func(c *Config) {
		c.RequestsPerSecond = 0.001
		c.BurstSize = 1
	})
	h := srv.routes()

	assert.Equal(t, http.StatusBadRequest, postDownload(t, h, `{}`).Code)

	rec := postDownload(t, h, `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Rate limit exceeded", errorBody(t, rec))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleDownloadMethods(t *testing.T) {
	f := &fakeFetcher{probe: titleProbe("x"), fetch: writeBytes([]byte("x"))}
	srv, _ := newTestServer(t, f)
	h := srv.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/download", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Allow"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleHealthAndMetrics(t *testing.T) {
	f := &fakeFetcher{probe: titleProbe("Test Song"), fetch: writeBytes([]byte("abc"))}
	srv, _ := newTestServer(t, f)
	h := srv.routes()

	require.Equal(t, http.StatusOK, postDownload(t, h, `{"url":"https://example.com/v"}`).Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.EqualValues(t, 1, health.Completed)
	assert.Zero(t, health.ActiveDownloads)
	assert.Equal(t, "disabled", health.ProbeCache)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var metrics map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.EqualValues(t, 1, metrics["completed"])
	assert.EqualValues(t, 0, metrics["temp_dir_bytes"])
}
