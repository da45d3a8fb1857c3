package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const userAgent = "m365-go/0.1"

// defaultPingTimeout bounds the connectivity self-test so a diagnostic
// call can never hang the host process. Ordinary requests rely on the
// caller's context and the underlying HTTP client's defaults.
const defaultPingTimeout = 10 * time.Second

// TokenSource provides bearer tokens for outbound calls. Defined at the
// consumer per Go convention "accept interfaces, return structs";
// *auth.Manager is the real implementation.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client performs authenticated calls against the REST API.
// It holds no per-request state and is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger

	// pingTimeout bounds Ping. Tests shorten it to avoid real waits.
	pingTimeout time.Duration
}

// NewClient creates a transport client. baseURL is typically
// "https://graph.microsoft.com/v1.0".
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
		token:       token,
		logger:      logger,
		pingTimeout: defaultPingTimeout,
	}
}

// Request issues one authenticated HTTP call and returns the response body.
// body is JSON-marshalled when non-nil. A 2xx with no content returns an
// empty RawMessage. Non-2xx returns an *HTTPError; connectivity failures
// wrap ErrNetwork. Requests are never retried.
func (c *Client) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: encoding request body: %w", err)
		}

		reqBody = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, c.baseURL+path, reqBody, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return readSuccessBody(resp)
}

// do builds and executes a single authenticated request against a full URL.
// The caller owns the response body. Non-2xx responses are consumed and
// returned as *HTTPError.
func (c *Client) do(ctx context.Context, method, url string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("transport: creating request: %w", err)
	}

	tok, err := c.token.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("client-request-id", uuid.NewString())

	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transport: request canceled: %w", ctx.Err())
		}

		c.logger.Warn("request failed",
			slog.String("method", method),
			slog.String("url", url),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, url, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	errBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	httpErr := &HTTPError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("request-id"),
		Message:    errorMessage(errBody),
		Err:        classifyStatus(resp.StatusCode),
	}

	c.logger.Warn("request returned error status",
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
	)

	return nil, httpErr
}

// readSuccessBody returns the body of a 2xx response, mapping no-content
// statuses and empty bodies to an empty RawMessage instead of a parse error.
func readSuccessBody(resp *http.Response) (json.RawMessage, error) {
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusAccepted {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return nil, fmt.Errorf("transport: draining response body: %w", err)
		}

		return nil, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: reading response body: %w", err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	return json.RawMessage(data), nil
}

// Ping is a bounded connectivity self-test, distinct from ordinary
// requests: it imposes its own timeout so diagnostics can never hang, and
// it treats any HTTP response — including an error status — as proof the
// service is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", http.NoBody)
	if err != nil {
		return fmt.Errorf("transport: creating ping request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ping: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("transport: draining ping response: %w", err)
	}

	c.logger.Debug("ping succeeded", slog.Int("status", resp.StatusCode))

	return nil
}

// stripBaseURL removes the client's base URL prefix from a full URL,
// returning the path + query string for use with Request.
// Returns an error if the URL doesn't start with the expected base.
func (c *Client) stripBaseURL(fullURL string) (string, error) {
	if !strings.HasPrefix(fullURL, c.baseURL) {
		return "", fmt.Errorf("transport: nextLink URL %q does not match base URL %q", fullURL, c.baseURL)
	}

	return fullURL[len(c.baseURL):], nil
}
