package main

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of failures a download request can end in.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindFetch
	KindArtifactMissing
)

// User-facing messages.
const (
	msgMissingURL      = "Missing URL"
	msgInvalidJSON     = "Invalid JSON"
	msgProbeFailed     = "failed to fetch media info"
	msgDownloadFailed  = "failed to download audio"
	msgArtifactMissing = "audio file missing after download"
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindFetch:
		return "fetch_error"
	case KindArtifactMissing:
		return "artifact_missing"
	default:
		return "unknown"
	}
}

// StatusCode maps a kind to its HTTP status.
func (k ErrorKind) StatusCode() int {
	if k == KindValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// RequestError is a classified failure. Message is safe to show to clients;
// Cause carries the full detail from the tools and only goes to the log
// unless errors are exposed.
type RequestError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *RequestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RequestError) Unwrap() error {
	return e.Cause
}

func (e *RequestError) StatusCode() int {
	return e.Kind.StatusCode()
}

// PublicMessage is the text rendered into the JSON error body. Validation
// messages are fixed; other kinds return the raw cause only when expose is set.
func (e *RequestError) PublicMessage(expose bool) string {
	if expose && e.Kind != KindValidation && e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

func newValidationError(message string, cause error) *RequestError {
	return &RequestError{Kind: KindValidation, Message: message, Cause: cause}
}

func newFetchError(message string, cause error) *RequestError {
	return &RequestError{Kind: KindFetch, Message: message, Cause: cause}
}

func newArtifactMissingError(path string, cause error) *RequestError {
	return &RequestError{
		Kind:    KindArtifactMissing,
		Message: msgArtifactMissing,
		Cause:   fmt.Errorf("expected %s: %w", path, cause),
	}
}

// asRequestError extracts a RequestError; anything unclassified becomes a fetch error.
func asRequestError(err error) *RequestError {
	var re *RequestError
	if errors.As(err, &re) {
		return re
	}
	return newFetchError(msgDownloadFailed, err)
}

func isKind(err error, kind ErrorKind) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Kind == kind
}
