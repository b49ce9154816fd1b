// Package target provides the rate-limited, retrying client used for all
// calls to the CRM ("Target") API, plus typed helpers for the opportunity and
// pipeline resources.
package target

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
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fieldops/crm-bridge/internal/config"
	"github.com/fieldops/crm-bridge/internal/errs"
)

const (
	// UserAgent is the user agent string for HTTP requests
	UserAgent = "crm-bridge/1.0"

	// versionHeader carries the target API version on every call
	versionHeader = "Version"

	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 10 * time.Second
)

// Client executes target API requests inside a bounded concurrency and rate
// envelope. Admission is FIFO through the semaphore; completion order is not
// guaranteed.
type Client struct {
	http       *http.Client
	baseURL    string
	apiKey     string
	apiVersion string
	locationID string

	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	maxRetries int
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
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

// withSleep overrides backoff sleeping. Used by tests to avoid real waits.
func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// New creates a target API client from configuration.
func New(cfg *config.TargetConfig, opts ...Option) (*Client, error) {
	apiKey, err := cfg.GetAPIKey()
	if err != nil {
		return nil, err
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
		apiKey:     apiKey,
		apiVersion: cfg.APIVersion,
		locationID: cfg.LocationID,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		maxRetries: cfg.MaxRetries,
		logger:     slog.Default(),
		sleep:      sleepContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// do executes one logical request: acquire a concurrency slot, then run the
// attempt state machine (attempt, classify, sleep, attempt+1) bounded by
// maxRetries. The rate cap applies per attempt because every attempt is a
// call against the target's documented limit.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire request slot: %w", err)
	}
	defer c.sem.Release(1)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries+1; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}

		err := c.attempt(ctx, method, path, payload, out, attempt)
		if err == nil {
			return nil
		}
		if !errs.IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == c.maxRetries+1 {
			break
		}

		wait := b.NextBackOff()
		// A server-provided hint overrides the computed backoff.
		var rateErr *errs.RateLimitError
		if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
			wait = rateErr.RetryAfter
		}

		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}

	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any, attempt int) error {
	fullURL := c.baseURL + path

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set(versionHeader, c.apiVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("target request failed", "method", method, "path", path, "attempt", attempt, "error", err)
		return &errs.RemoteServiceError{URL: fullURL, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.logger.Info("target request", "method", method, "path", path, "status", resp.StatusCode, "attempt", attempt)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// handled below
	case resp.StatusCode == http.StatusTooManyRequests:
		return &errs.RateLimitError{URL: fullURL, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &errs.RemoteServiceError{URL: fullURL, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return &errs.NotFoundError{URL: fullURL}
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("target API returned HTTP %d for %s %s: %s", resp.StatusCode, method, path, string(respBody))
	}

	if out == nil {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.RemoteServiceError{URL: fullURL, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response from %s %s: %w", method, path, err)
	}

	return nil
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

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func queryString(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
