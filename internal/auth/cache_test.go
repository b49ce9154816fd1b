package auth_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/crm-bridge/internal/auth"
	"github.com/fieldops/crm-bridge/internal/config"
	"github.com/fieldops/crm-bridge/internal/errs"
)

// newTokenServer returns a test token endpoint counting exchanges. Keep-alives
// are disabled to avoid cross-test interference on the shared transport.
func newTokenServer(t *testing.T, status int, expiresIn int) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var exchanges atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := exchanges.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":%d}`, n, expiresIn)
	}))
	server.Config.SetKeepAlivesEnabled(false)
	t.Cleanup(server.Close)
	return server, &exchanges
}

func newCache(t *testing.T, tokenURL string, opts ...auth.Option) *auth.Cache {
	t.Helper()
	t.Setenv("CRM_BRIDGE_SOURCE_CLIENT_SECRET", "test-secret")

	cache, err := auth.NewCache(&config.SourceConfig{
		TokenURL: tokenURL,
		ClientID: "client-1",
	}, opts...)
	require.NoError(t, err)
	return cache
}

func TestCache_ReturnsCachedToken(t *testing.T) {
	server, exchanges := newTokenServer(t, http.StatusOK, 3600)
	cache := newCache(t, server.URL)
	ctx := context.Background()

	tok1, err := cache.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok1)

	tok2, err := cache.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int64(1), exchanges.Load(), "second call must hit the cache")
}

func TestCache_RefreshesBeforeExpiry(t *testing.T) {
	server, exchanges := newTokenServer(t, http.StatusOK, 120)

	now := time.Now()
	var offset time.Duration
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now.Add(offset)
	}

	cache := newCache(t, server.URL, auth.WithClock(clock), auth.WithExpiryBuffer(60*time.Second))
	ctx := context.Background()

	_, err := cache.Token(ctx)
	require.NoError(t, err)

	// 90s into a 120s token with a 60s buffer: must refresh.
	mu.Lock()
	offset = 90 * time.Second
	mu.Unlock()

	tok, err := cache.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int64(2), exchanges.Load())
}

func TestCache_SingleFlightUnderConcurrentFirstUse(t *testing.T) {
	server, exchanges := newTokenServer(t, http.StatusOK, 3600)
	cache := newCache(t, server.URL)

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errsOut := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errsOut[i] = cache.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errsOut[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
	assert.Equal(t, int64(1), exchanges.Load(), "concurrent first use must trigger exactly one exchange")
}

func TestCache_ExchangeFailureIsAuthError(t *testing.T) {
	server, _ := newTokenServer(t, http.StatusUnauthorized, 0)
	cache := newCache(t, server.URL)

	_, err := cache.Token(context.Background())
	require.Error(t, err)

	var authErr *errs.AuthError
	assert.True(t, errors.As(err, &authErr))
}

func TestNewCache_MissingSecret(t *testing.T) {
	t.Setenv("CRM_BRIDGE_SOURCE_CLIENT_SECRET", "")

	_, err := auth.NewCache(&config.SourceConfig{
		TokenURL: "https://auth.example.com/token",
		ClientID: "client-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client secret")
}
