// Package transport is an authenticated HTTP client for the Graph REST API.
// It hides pagination and upload-size branching behind uniform operations
// and returns typed errors. It never retries — retry policy belongs to the
// caller, so no real failure is masked by a silent retry loop.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, transport.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("transport: bad request")
	ErrUnauthorized = errors.New("transport: unauthorized")
	ErrForbidden    = errors.New("transport: forbidden")
	ErrNotFound     = errors.New("transport: not found")
	ErrConflict     = errors.New("transport: conflict")
	ErrThrottled    = errors.New("transport: throttled")
	ErrServerError  = errors.New("transport: server error")

	// ErrNetwork marks connectivity failures, as opposed to an HTTP
	// response with an error status.
	ErrNetwork = errors.New("transport: network error")
)

// HTTPError is a non-2xx response: status code, correlation id, and the
// service's error message (parsed from the structured error payload when
// present, raw body text otherwise).
type HTTPError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *HTTPError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("transport: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// UploadSessionError is a failed session initiation or chunk PUT. The whole
// upload is aborted — there is no resume, callers restart from byte zero.
type UploadSessionError struct {
	Stage  string // "create" or "chunk"
	Offset int64  // byte offset of the failed chunk, 0 for create
	Err    error
}

func (e *UploadSessionError) Error() string {
	if e.Stage == "chunk" {
		return fmt.Sprintf("transport: upload session failed at chunk offset %d: %v", e.Offset, e.Err)
	}

	return fmt.Sprintf("transport: upload session %s failed: %v", e.Stage, e.Err)
}

func (e *UploadSessionError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// apiError mirrors the service's structured error payload.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// errorMessage extracts a human-readable message from an error response
// body, falling back to the raw body text.
func errorMessage(body []byte) string {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Error.Message != "" {
		if ae.Error.Code != "" {
			return ae.Error.Code + ": " + ae.Error.Message
		}

		return ae.Error.Message
	}

	return string(body)
}
