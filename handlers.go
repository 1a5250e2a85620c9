package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// handleDownload runs the whole pipeline for one URL and streams the MP3 back.
// The artifact is deleted before the handler returns, whatever happened.
func (s *server) handleDownload(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		writeJSONError(w, http.StatusMethodNotAllowed, "Invalid request method")
		return
	}

	mediaURL, err := decodeDownloadRequest(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !s.slots.TryAcquire(1) {
		s.stats.rejected.Add(1)
		s.log.Warn("download rejected, all slots busy", zap.String("url", mediaURL))
		writeJSONError(w, http.StatusServiceUnavailable, "Server busy, please try again later.")
		return
	}
	defer s.slots.Release(1)

	s.stats.active.Add(1)
	defer s.stats.active.Add(-1)

	art, err := s.pipeline.Run(r.Context(), mediaURL)
	if err != nil {
		s.stats.failed.Add(1)
		s.writeError(w, err)
		return
	}
	log := s.log.With(zap.String("request_id", art.ID))
	defer func() {
		if err := art.Release(); err != nil {
			log.Warn("failed to remove request directory", zap.String("dir", art.Dir), zap.Error(err))
		}
	}()

	file, err := os.Open(art.Path)
	if err != nil {
		s.stats.failed.Add(1)
		s.writeError(w, newArtifactMissingError(art.Path, err))
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", contentDisposition(art.Name))
	w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, file); err != nil {
		// Headers are already out; all that is left is to note it.
		s.stats.failed.Add(1)
		log.Warn("response interrupted", zap.String("file", art.Name), zap.Error(err))
		return
	}
	s.stats.completed.Add(1)
	log.Info("artifact delivered", zap.String("file", art.Name), zap.Int64("bytes", art.Size))
}

// decodeDownloadRequest returns the trimmed url from the body or a validation error.
func decodeDownloadRequest(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)

	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return "", newValidationError(msgMissingURL, err)
		}
		return "", newValidationError(msgInvalidJSON, err)
	}

	mediaURL := strings.TrimSpace(req.URL)
	if mediaURL == "" {
		return "", newValidationError(msgMissingURL, nil)
	}
	return mediaURL, nil
}

// writeError renders err as {"error": ...} and logs the full detail.
func (s *server) writeError(w http.ResponseWriter, err error) {
	re := asRequestError(err)
	if re.Kind == KindValidation {
		s.log.Debug("rejected request", zap.String("kind", re.Kind.String()), zap.Error(re))
	} else {
		s.log.Error("download failed", zap.String("kind", re.Kind.String()), zap.Error(re))
	}
	writeJSONError(w, re.StatusCode(), re.PublicMessage(s.cfg.ExposeErrors))
}

func (s *server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	enableCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSONError(w, http.StatusNotFound, "Not found")
}
