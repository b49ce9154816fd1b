// Package source provides the HTTP client for the field-service ("Source")
// API: paged list endpoints for incremental sync and the export endpoint's
// opaque continuation cursor for full sync.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fieldops/crm-bridge/internal/auth"
	"github.com/fieldops/crm-bridge/internal/config"
	"github.com/fieldops/crm-bridge/internal/errs"
)

const (
	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "crm-bridge/1.0"

	// appKeyHeader is the application-identifying header sent on every call
	appKeyHeader = "ST-App-Key"

	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 10 * time.Second
)

// Page is the envelope returned by the source's list and export endpoints.
type Page struct {
	Data         []json.RawMessage `json:"data"`
	HasMore      bool              `json:"hasMore"`
	ContinueFrom string            `json:"continueFrom,omitempty"`
}

// Client calls the source API. All requests carry a bearer token from the
// credential cache and the tenant's application key.
type Client struct {
	http       *http.Client
	baseURL    string
	tenantID   string
	appKey     string
	creds      auth.Provider
	pageSize   int
	maxRetries int
	logger     *slog.Logger
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger for request attempts.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a source API client from configuration.
func New(cfg *config.SourceConfig, creds auth.Provider, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, fmt.Errorf("credential provider is required")
	}

	timeout, err := cfg.RequestTimeoutDuration()
	if err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}

	c := &Client{
		http:       &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		tenantID:   cfg.TenantID,
		appKey:     cfg.AppKey,
		creds:      creds,
		pageSize:   cfg.PageSize,
		maxRetries: cfg.MaxRetries,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// PageSize returns the configured page size.
func (c *Client) PageSize() int {
	return c.pageSize
}

// ListPage fetches one page-numbered page filtered by modification time.
// Pages start at 1.
func (c *Client) ListPage(ctx context.Context, path string, page int, modifiedOnOrAfter time.Time) (*Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(c.pageSize))
	q.Set("modifiedOnOrAfter", modifiedOnOrAfter.UTC().Format(time.RFC3339))

	return c.getPage(ctx, c.entityURL(path), q)
}

// ExportPage fetches one page from the export endpoint. An empty from starts
// a new export; otherwise the opaque continuation token resumes the previous
// watermark.
func (c *Client) ExportPage(ctx context.Context, path string, from string) (*Page, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}

	return c.getPage(ctx, c.exportURL(path), q)
}

func (c *Client) entityURL(path string) string {
	return fmt.Sprintf("%s/tenant/%s/%s", c.baseURL, url.PathEscape(c.tenantID), path)
}

func (c *Client) exportURL(path string) string {
	return fmt.Sprintf("%s/tenant/%s/export/%s", c.baseURL, url.PathEscape(c.tenantID), path)
}

// getPage executes one GET with retry on 429/5xx/network failures. Terminal
// failures (auth, other 4xx) abort immediately.
func (c *Client) getPage(ctx context.Context, rawURL string, query url.Values) (*Page, error) {
	attempt := 0

	operation := func() (*Page, error) {
		attempt++
		page, err := c.doGet(ctx, rawURL, query, attempt)
		if err == nil {
			return page, nil
		}
		if errs.IsRetryable(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
	)
}

func (c *Client) doGet(ctx context.Context, rawURL string, query url.Values, attempt int) (*Page, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, err
	}

	fullURL := rawURL
	if len(query) > 0 {
		fullURL = rawURL + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(appKeyHeader, c.appKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("source request failed", "method", http.MethodGet, "url", rawURL, "attempt", attempt, "error", err)
		return nil, &errs.RemoteServiceError{URL: rawURL, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.logger.Debug("source request", "method", http.MethodGet, "url", rawURL, "status", resp.StatusCode, "attempt", attempt)

	switch {
	case resp.StatusCode == http.StatusOK:
		// handled below
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &errs.RateLimitError{URL: rawURL, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return nil, &errs.RemoteServiceError{URL: rawURL, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &errs.AuthError{Err: fmt.Errorf("source rejected credentials: HTTP %d", resp.StatusCode)}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("source API returned HTTP %d for %s: %s", resp.StatusCode, rawURL, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, &errs.RemoteServiceError{URL: rawURL, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to parse page response: %w", err)
	}

	return &page, nil
}

// parseRetryAfter handles the seconds form of the Retry-After header.
func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	secs, err := strconv.Atoi(h)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
