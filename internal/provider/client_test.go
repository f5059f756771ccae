package provider

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platefinder/placegw/internal/config"
	"github.com/platefinder/placegw/internal/redis"
)

var testLogger = slog.Default()

// loopbackPolicy lets the client talk to httptest servers, which are plain
// HTTP on 127.0.0.1.
var loopbackPolicy = config.URLPolicyConfig{
	AllowedSchemes: []string{"http"},
	AllowedHosts:   []string{"127.0.0.1"},
}

func newTestClient(t *testing.T, baseURL string, cache *URICache, hooks Hooks) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:    baseURL,
		Credential: "test-key",
		URLPolicy:  loopbackPolicy,
	}, cache, hooks, testLogger)
	require.NoError(t, err)
	return c
}

// resolveServer records calls and redirects every media request to binaryURL.
func resolveServer(t *testing.T, binaryURL string, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Location", binaryURL)
		w.WriteHeader(http.StatusFound)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("follows the redirect location to the binary URI", func(t *testing.T) {
		var gotPath, gotSize, gotKey string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotSize = r.URL.Query().Get("size")
			gotKey = r.Header.Get("X-Api-Key")
			w.Header().Set("Location", "http://127.0.0.1:9/binary.jpg")
			w.WriteHeader(http.StatusFound)
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL, nil, Hooks{})
		uri, fromCache, err := c.Resolve(ctx, "place-1", "ref-a", "medium")
		require.NoError(t, err)
		assert.False(t, fromCache)
		assert.Equal(t, "http://127.0.0.1:9/binary.jpg", uri)
		assert.Equal(t, "/media/place-1/ref-a", gotPath)
		assert.Equal(t, "medium", gotSize)
		assert.Equal(t, "test-key", gotKey)
	})

	t.Run("cache hit skips the provider", func(t *testing.T) {
		var calls atomic.Int64
		srv := resolveServer(t, "http://127.0.0.1:9/binary.jpg", &calls)

		cache := NewURICache(nil, time.Minute, testLogger)
		defer cache.Close()
		c := newTestClient(t, srv.URL, cache, Hooks{})

		_, fromCache, err := c.Resolve(ctx, "place-1", "ref-a", "medium")
		require.NoError(t, err)
		assert.False(t, fromCache)
		cache.Wait()

		uri, fromCache, err := c.Resolve(ctx, "place-1", "ref-a", "medium")
		require.NoError(t, err)
		assert.True(t, fromCache)
		assert.Equal(t, "http://127.0.0.1:9/binary.jpg", uri)
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("concurrent misses collapse into one provider call", func(t *testing.T) {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			time.Sleep(50 * time.Millisecond)
			w.Header().Set("Location", "http://127.0.0.1:9/binary.jpg")
			w.WriteHeader(http.StatusFound)
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL, nil, Hooks{})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := c.Resolve(ctx, "place-1", "ref-a", "medium")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("404 maps to ErrNotFound", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL, nil, Hooks{})
		_, _, err := c.Resolve(ctx, "place-missing", "ref-a", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("429 maps to ThrottledError with retry delay", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "17")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL, nil, Hooks{})
		_, _, err := c.Resolve(ctx, "place-1", "ref-a", "")

		var throttled *ThrottledError
		require.ErrorAs(t, err, &throttled)
		assert.Equal(t, 17*time.Second, throttled.RetryAfter)
	})

	t.Run("5xx maps to UpstreamError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL, nil, Hooks{})
		_, _, err := c.Resolve(ctx, "place-1", "ref-a", "")

		var upstream *UpstreamError
		require.ErrorAs(t, err, &upstream)
		assert.Equal(t, http.StatusBadGateway, upstream.Status)
	})

	t.Run("redirect without a location is an upstream error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusFound)
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL, nil, Hooks{})
		_, _, err := c.Resolve(ctx, "place-1", "ref-a", "")

		var upstream *UpstreamError
		assert.ErrorAs(t, err, &upstream)
	})

	t.Run("binary URI violating the URL policy is rejected", func(t *testing.T) {
		var calls atomic.Int64
		srv := resolveServer(t, "http://10.0.0.1/internal.jpg", &calls)

		c, err := New(Options{
			BaseURL:    srv.URL,
			Credential: "test-key",
			URLPolicy:  config.URLPolicyConfig{AllowedSchemes: []string{"http"}},
		}, nil, Hooks{}, testLogger)
		require.NoError(t, err)

		_, _, err = c.Resolve(ctx, "place-1", "ref-a", "")
		assert.ErrorContains(t, err, "rejecting media location")
	})

	t.Run("spend hook fires for billable outcomes including 404", func(t *testing.T) {
		var status atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			code := int(status.Load())
			if code == http.StatusFound {
				w.Header().Set("Location", "http://127.0.0.1:9/binary.jpg")
			}
			w.WriteHeader(code)
		}))
		defer srv.Close()

		var spent atomic.Int64
		c := newTestClient(t, srv.URL, nil, Hooks{
			OnSpend: func(ctx context.Context, units int64) { spent.Add(units) },
		})

		status.Store(http.StatusFound)
		_, _, err := c.Resolve(ctx, "place-1", "ref-a", "")
		require.NoError(t, err)
		assert.Equal(t, int64(1), spent.Load())

		status.Store(http.StatusNotFound)
		_, _, err = c.Resolve(ctx, "place-2", "ref-a", "")
		require.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, int64(2), spent.Load())
	})

	t.Run("observe hook reports 404 as a non-failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		var failures atomic.Int64
		c := newTestClient(t, srv.URL, nil, Hooks{
			Observe: func(d time.Duration, failed bool) {
				if failed {
					failures.Add(1)
				}
			},
		})

		_, _, err := c.Resolve(ctx, "place-1", "ref-a", "")
		require.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, int64(0), failures.Load())
	})
}

func TestClientFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the binary response on 200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpeg-bytes"))
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL, nil, Hooks{})
		resp, err := c.Fetch(ctx, srv.URL+"/binary.jpg")
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "jpeg-bytes", string(body))
		assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	})

	t.Run("404 maps to ErrNotFound", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL, nil, Hooks{})
		_, err := c.Fetch(ctx, srv.URL+"/binary.jpg")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("re-checks the URL policy on cached URIs", func(t *testing.T) {
		c := newTestClient(t, "http://127.0.0.1:9", nil, Hooks{})
		_, err := c.Fetch(ctx, "http://192.168.1.10/internal.jpg")
		assert.ErrorContains(t, err, "rejecting media URI")
	})
}

func TestParseRetryAfter(t *testing.T) {
	t.Run("delta seconds", func(t *testing.T) {
		assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
		assert.Equal(t, time.Duration(0), parseRetryAfter("0"))
	})

	t.Run("http date in the future", func(t *testing.T) {
		future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
		d := parseRetryAfter(future)
		assert.Greater(t, d, 50*time.Second)
		assert.LessOrEqual(t, d, time.Minute)
	})

	t.Run("absent, negative, past, or garbage values yield zero", func(t *testing.T) {
		past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
		for _, v := range []string{"", "-5", past, "soon", "12.5"} {
			assert.Equal(t, time.Duration(0), parseRetryAfter(v), "value %q", v)
		}
	})
}

func TestURICache(t *testing.T) {
	ctx := context.Background()

	newRedisBacked := func(t *testing.T) (*URICache, *miniredis.Miniredis, redis.Client) {
		t.Helper()
		mr := miniredis.RunT(t)
		client, err := redis.NewClient(config.RedisConfig{
			Endpoints: []string{mr.Addr()},
			Mode:      config.RedisModeSingle,
		})
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })
		cache := NewURICache(client, time.Minute, testLogger)
		t.Cleanup(cache.Close)
		return cache, mr, client
	}

	t.Run("local layer round trip", func(t *testing.T) {
		cache := NewURICache(nil, time.Minute, testLogger)
		defer cache.Close()

		cache.Put(ctx, "k", "https://cdn.example.com/a.jpg")
		cache.Wait()

		uri, ok := cache.Get(ctx, "k")
		require.True(t, ok)
		assert.Equal(t, "https://cdn.example.com/a.jpg", uri)
	})

	t.Run("miss on unknown key", func(t *testing.T) {
		cache := NewURICache(nil, time.Minute, testLogger)
		defer cache.Close()

		_, ok := cache.Get(ctx, "missing")
		assert.False(t, ok)
	})

	t.Run("redis layer is shared across instances", func(t *testing.T) {
		first, _, client := newRedisBacked(t)
		first.Put(ctx, "k", "https://cdn.example.com/a.jpg")

		// A second cache simulates another replica with a cold local layer.
		second := NewURICache(client, time.Minute, testLogger)
		defer second.Close()

		uri, ok := second.Get(ctx, "k")
		require.True(t, ok)
		assert.Equal(t, "https://cdn.example.com/a.jpg", uri)
	})

	t.Run("redis entries expire with the configured ttl", func(t *testing.T) {
		cache, mr, _ := newRedisBacked(t)
		cache.Put(ctx, "k", "https://cdn.example.com/a.jpg")
		require.True(t, mr.Exists("uri:k"))

		mr.FastForward(2 * time.Minute)
		assert.False(t, mr.Exists("uri:k"))
	})

	t.Run("redis outage degrades to local-only", func(t *testing.T) {
		cache, mr, _ := newRedisBacked(t)
		mr.Close()

		cache.Put(ctx, "k", "https://cdn.example.com/a.jpg")
		cache.Wait()

		uri, ok := cache.Get(ctx, "k")
		require.True(t, ok)
		assert.Equal(t, "https://cdn.example.com/a.jpg", uri)
	})
}
