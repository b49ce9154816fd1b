// Package auth provides the OAuth credential cache used by all calls to the
// field-service source API.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/fieldops/crm-bridge/internal/config"
	"github.com/fieldops/crm-bridge/internal/errs"
)

// DefaultExpiryBuffer is subtracted from the token expiry so a token is
// refreshed before it actually lapses mid-request.
const DefaultExpiryBuffer = 60 * time.Second

// Provider supplies a bearer token for source API calls.
type Provider interface {
	// Token returns a valid access token, refreshing it if necessary.
	Token(ctx context.Context) (string, error)
}

// Cache is a Provider that caches a client-credentials token and refreshes it
// before expiry. Concurrent callers during a refresh share one exchange.
type Cache struct {
	exchange func(ctx context.Context) (*oauth2.Token, error)
	buffer   time.Duration
	now      func() time.Time
	logger   *slog.Logger

	group singleflight.Group

	mu  sync.Mutex
	tok *oauth2.Token
}

// Option is a functional option for configuring the cache.
type Option func(*Cache)

// WithExpiryBuffer overrides the refresh-ahead window.
func WithExpiryBuffer(d time.Duration) Option {
	return func(c *Cache) {
		c.buffer = d
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger for refresh events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache creates a credential cache performing client-credentials exchanges
// against the configured token endpoint.
func NewCache(cfg *config.SourceConfig, opts ...Option) (*Cache, error) {
	secret, err := cfg.GetClientSecret()
	if err != nil {
		return nil, err
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	c := &Cache{
		// clientcredentials.Config.Token performs one exchange per call;
		// caching and single-flight are handled here so the refresh policy
		// stays testable and injectable.
		exchange: func(ctx context.Context) (*oauth2.Token, error) {
			return cc.Token(ctx)
		},
		buffer: DefaultExpiryBuffer,
		now:    time.Now,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Token returns the cached token while it is fresh, otherwise performs a
// single exchange shared by all concurrent callers. Exchange failures surface
// as *errs.AuthError and are never retried here; bad credentials are not the
// kind of failure backoff helps with.
func (c *Cache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		// Another caller may have refreshed while we queued.
		if tok, ok := c.cached(); ok {
			return tok, nil
		}

		tok, err := c.exchange(ctx)
		if err != nil {
			return nil, &errs.AuthError{Err: err}
		}
		if tok.AccessToken == "" {
			return nil, &errs.AuthError{Err: fmt.Errorf("token endpoint returned an empty access token")}
		}

		c.mu.Lock()
		c.tok = tok
		c.mu.Unlock()

		c.logger.Debug("refreshed source access token", "expires_at", tok.Expiry)
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// cached returns the current token if it is still valid past the buffer.
func (c *Cache) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tok == nil || c.tok.AccessToken == "" {
		return "", false
	}
	if !c.tok.Expiry.IsZero() && !c.now().Before(c.tok.Expiry.Add(-c.buffer)) {
		return "", false
	}
	return c.tok.AccessToken, true
}
