// Package api is the HTTP client of the library API: the document source
// resolver, the remote progress store and signed URL downloads.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/shelvd/internal/domain"
)

const (
	defaultTimeout  = 30 * time.Second
	downloadTimeout = 5 * time.Minute
	maxRetries      = 3
	baseRetryDelay  = 500 * time.Millisecond
	maxErrorBody    = 512
)

// Client talks to the library API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	download   *http.Client
	retryDelay time.Duration
	logger     *slog.Logger
}

var (
	_ domain.DocumentResolver = (*Client)(nil)
	_ domain.ProgressClient   = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for API calls and downloads.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		c.download = hc
	}
}

// WithRetryDelay sets the base delay of the GET retry backoff.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// NewClient creates a library API client
func NewClient(baseURL, token string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		download:   &http.Client{Timeout: downloadTimeout},
		retryDelay: baseRetryDelay,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// doRequest performs an authenticated request against the API.
// GETs are retried with exponential backoff on 5xx; writes are never retried.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	reqURL := c.baseURL + path

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	retries := 0
	if method == http.MethodGet {
		retries = maxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // 500ms, 1s, 2s
			c.logger.Debug("retrying request", "attempt", attempt, "delay", delay, "url", reqURL)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		c.logger.Debug("api request", "method", method, "url", reqURL, "attempt", attempt)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, c.transportError(ctx, err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, domain.ErrAuthFailed
		case resp.StatusCode == http.StatusNotFound:
			return nil, domain.ErrNotFound
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: %d - %s", resp.StatusCode, truncate(respBody))
			c.logger.Warn("api server error",
				"status", resp.StatusCode,
				"method", method,
				"path", path,
				"attempt", attempt,
				"maxRetries", retries,
			)
			continue
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			c.logger.Error("api request error", "status", resp.StatusCode, "body", truncate(respBody))
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		return respBody, nil
	}

	c.logger.Error("api request failed", "error", lastErr, "method", method, "path", path)
	return nil, lastErr
}

// transportError keeps context errors recognisable and maps everything else
// to ErrServerOffline
func (c *Client) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	c.logger.Error("api request failed", "error", err)
	return fmt.Errorf("%w: %v", domain.ErrServerOffline, err)
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}

// GetDocument resolves a document and freshly signed URLs to its binary and cover
func (c *Client) GetDocument(ctx context.Context, documentID int64) (*domain.Document, error) {
	body, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/books/%d", documentID), nil)
	if err != nil {
		return nil, err
	}

	var resp BookResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.ID == 0 {
		resp.ID = documentID
	}
	return MapDocument(resp), nil
}

// GetProgress returns the saved position, or ErrNotFound when there is none
func (c *Client) GetProgress(ctx context.Context, documentID int64) (*domain.ReadingPosition, error) {
	body, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/progress/%d", documentID), nil)
	if err != nil {
		return nil, err
	}

	var resp ProgressResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return MapProgress(documentID, resp), nil
}

// UpdateProgress saves a position. It is issued once; the caller decides
// whether a failure matters.
func (c *Client) UpdateProgress(ctx context.Context, documentID int64, update domain.ProgressUpdate) error {
	_, err := c.doRequest(ctx, http.MethodPatch, fmt.Sprintf("/progress/%d", documentID), update)
	return err
}

// Download fetches a signed URL. Credentials are only sent to the API's own
// host; signed storage URLs carry their authorization in the query.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" && c.sameHost(req.URL) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.download.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Expired signatures come back as 403
		return nil, domain.ErrAuthFailed
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read download: %w", err)
	}
	c.logger.Debug("downloaded", "host", req.URL.Host, "bytes", len(data), "elapsed", time.Since(start))
	return data, nil
}

func (c *Client) sameHost(u *url.URL) bool {
	base, err := url.Parse(c.baseURL)
	return err == nil && strings.EqualFold(base.Host, u.Host)
}
