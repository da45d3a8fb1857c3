package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ChunkAlignment is the required alignment for upload chunk sizes
// (320 KiB). All chunks except the final one must be a multiple of it.
const ChunkAlignment = 320 * 1024

// SimpleUploadMaxSize is the threshold between the simple and resumable
// upload paths (4 MiB). Payloads at or above it use a resumable session.
const SimpleUploadMaxSize = 4 * 1024 * 1024

// defaultChunkSize is the per-PUT payload for resumable uploads
// (3.125 MiB, ten alignment units).
const defaultChunkSize = 10 * ChunkAlignment

// Progress is called after each accepted chunk with cumulative progress.
type Progress func(uploaded, total int64)

// UploadSession is the transient state of one resumable upload. It is
// never persisted — a crash mid-upload restarts the whole upload.
type UploadSession struct {
	URL    string
	Expiry time.Time
}

// uploadSessionResponse mirrors the session-initiation JSON.
type uploadSessionResponse struct {
	UploadURL          string `json:"uploadUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

// Upload routes by payload size: below SimpleUploadMaxSize a single PUT,
// at or above it a chunked resumable session. path is the simple-upload
// target, sessionPath the session-initiation endpoint.
func (c *Client) Upload(
	ctx context.Context, path, sessionPath string, data []byte, contentType string, progress Progress,
) (json.RawMessage, error) {
	if int64(len(data)) < SimpleUploadMaxSize {
		meta, err := c.UploadSimple(ctx, path, data, contentType)
		if err != nil {
			return nil, err
		}

		if progress != nil {
			progress(int64(len(data)), int64(len(data)))
		}

		return meta, nil
	}

	return c.UploadResumable(ctx, sessionPath, data, progress)
}

// UploadSimple uploads the full payload in a single authenticated PUT and
// returns the created resource's metadata.
func (c *Client) UploadSimple(
	ctx context.Context, path string, data []byte, contentType string,
) (json.RawMessage, error) {
	c.logger.Info("simple upload",
		slog.String("path", path),
		slog.Int("size", len(data)),
	)

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	resp, err := c.do(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(data), contentType)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return readSuccessBody(resp)
}

// UploadResumable uploads the payload through a resumable session:
// initiate (POST sessionPath), then sequential aligned chunk PUTs with
// explicit Content-Range headers, strictly in increasing offset order.
// The final chunk's response carries the created resource's metadata.
//
// Any failed chunk aborts the whole upload with an *UploadSessionError and
// a best-effort session cancel; there is no resume — callers restart from
// byte zero.
func (c *Client) UploadResumable(
	ctx context.Context, sessionPath string, data []byte, progress Progress,
) (json.RawMessage, error) {
	total := int64(len(data))
	if total == 0 {
		return nil, &UploadSessionError{Stage: "create", Err: errors.New("empty payload")}
	}

	session, err := c.createUploadSession(ctx, sessionPath)
	if err != nil {
		return nil, &UploadSessionError{Stage: "create", Err: err}
	}

	c.logger.Info("upload session created",
		slog.String("path", sessionPath),
		slog.Int64("size", total),
		slog.Time("expires", session.Expiry),
	)

	for offset := int64(0); offset < total; offset += defaultChunkSize {
		end := offset + defaultChunkSize
		if end > total {
			end = total
		}

		meta, chunkErr := c.putChunk(ctx, session, data[offset:end], offset, total)
		if chunkErr != nil {
			c.cancelUploadSession(ctx, session)

			return nil, &UploadSessionError{Stage: "chunk", Offset: offset, Err: chunkErr}
		}

		if progress != nil {
			progress(end, total)
		}

		if end == total {
			if meta == nil {
				return nil, &UploadSessionError{
					Stage:  "chunk",
					Offset: offset,
					Err:    errors.New("final chunk accepted without completion metadata"),
				}
			}

			c.logger.Info("resumable upload complete", slog.Int64("size", total))

			return meta, nil
		}
	}

	// Unreachable: the final iteration always returns.
	return nil, &UploadSessionError{Stage: "chunk", Offset: total, Err: errors.New("upload ended without final chunk")}
}

// createUploadSession initiates the session and parses the single-use
// session URL.
func (c *Client) createUploadSession(ctx context.Context, sessionPath string) (*UploadSession, error) {
	body := map[string]any{
		"item": map[string]string{
			"@microsoft.graph.conflictBehavior": "replace",
		},
	}

	raw, err := c.Request(ctx, http.MethodPost, sessionPath, body)
	if err != nil {
		return nil, err
	}

	var usr uploadSessionResponse
	if err := json.Unmarshal(raw, &usr); err != nil {
		return nil, fmt.Errorf("decoding upload session response: %w", err)
	}

	if usr.UploadURL == "" {
		return nil, errors.New("upload session response missing uploadUrl")
	}

	expiry, parseErr := time.Parse(time.RFC3339, usr.ExpirationDateTime)
	if parseErr != nil {
		c.logger.Warn("invalid upload session expiration, using zero time",
			slog.String("raw", usr.ExpirationDateTime),
		)
	}

	return &UploadSession{URL: usr.UploadURL, Expiry: expiry}, nil
}

// putChunk PUTs one chunk to the session URL. The session URL is
// pre-authenticated, so no Authorization header is sent. Returns the
// created resource's metadata on a completion response (200/201), nil on
// an intermediate 202.
func (c *Client) putChunk(
	ctx context.Context, session *UploadSession, chunk []byte, offset, total int64,
) (json.RawMessage, error) {
	end := offset + int64(len(chunk)) - 1
	contentRange := fmt.Sprintf("bytes %d-%d/%d", offset, end, total)

	c.logger.Debug("uploading chunk",
		slog.String("content_range", contentRange),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.URL, bytes.NewReader(chunk))
	if err != nil {
		return nil, fmt.Errorf("creating chunk request: %w", err)
	}

	req.Header.Set("Content-Range", contentRange)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = int64(len(chunk))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk PUT: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		// Intermediate chunk. Drain body to reuse the connection.
		if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
			return nil, fmt.Errorf("draining chunk response: %w", drainErr)
		}

		return nil, nil

	case http.StatusOK, http.StatusCreated:
		meta, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("reading final chunk response: %w", readErr)
		}

		return json.RawMessage(meta), nil

	default:
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("request-id"),
			Message:    errorMessage(body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// cancelUploadSession best-effort deletes an aborted session so the server
// can reclaim it. Failures are logged, not propagated — the upload already
// failed.
func (c *Client) cancelUploadSession(ctx context.Context, session *UploadSession) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, session.URL, http.NoBody)
	if err != nil {
		return
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("canceling upload session failed",
			slog.String("error", err.Error()),
		)

		return
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining only

	c.logger.Debug("upload session canceled", slog.Int("status", resp.StatusCode))
}
