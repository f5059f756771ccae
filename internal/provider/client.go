// Package provider implements the outbound client for the upstream place
// data provider: media reference resolution, binary fetching, resolved-URI
// caching, and the URL policy guarding what the gateway will fetch.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/platefinder/placegw/internal/config"
)

// EndpointClassMedia is the breaker endpoint class for media calls.
const EndpointClassMedia = "media"

// ErrNotFound indicates the provider does not know the media reference.
var ErrNotFound = errors.New("media reference not found")

// ThrottledError indicates the provider rejected the call with 429.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("provider throttled, retry after %s", e.RetryAfter)
}

// UpstreamError indicates an unexpected provider response status.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider returned status %d", e.Status)
}

// Hooks receive call outcomes from the client. Both are optional.
type Hooks struct {
	// Observe is called once per provider HTTP call with its duration and
	// whether it failed. Feeds the mode controller's health sampler.
	Observe func(d time.Duration, failed bool)
	// OnSpend is called once per billable provider call. Cache hits and
	// transport-level failures are not billable.
	OnSpend func(ctx context.Context, units int64)
}

// Options configures the provider client.
type Options struct {
	BaseURL         string
	Credential      string
	ResolveTimeout  time.Duration
	FetchTimeout    time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	Transport       config.TransportConfig
	URLPolicy       config.URLPolicyConfig
}

// Client talks to the upstream provider. Safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	credential string
	resolver   *http.Client // does not follow redirects; the Location IS the result
	fetcher    *http.Client
	cache      *URICache
	policy     config.URLPolicyConfig
	hooks      Hooks
	logger     *slog.Logger
	sf         singleflight.Group
}

// New creates a provider client. cache may be nil to disable URI caching.
func New(opts Options, cache *URICache, hooks Hooks, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing provider base URL: %w", err)
	}

	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 10 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 100
	}
	if opts.IdleConnTimeout <= 0 {
		opts.IdleConnTimeout = 90 * time.Second
	}

	transport := buildTransport(opts.Transport, opts.MaxIdleConns, opts.IdleConnTimeout, opts.ResolveTimeout)

	return &Client{
		baseURL:    base,
		credential: opts.Credential,
		resolver: &http.Client{
			Transport: transport,
			Timeout:   opts.ResolveTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		fetcher: &http.Client{
			Transport: transport,
			Timeout:   opts.FetchTimeout,
		},
		cache:  cache,
		policy: opts.URLPolicy,
		hooks:  hooks,
		logger: logger,
	}, nil
}

// Resolve exchanges a media reference for the provider's short-lived binary
// URI. Cache hits skip the provider entirely; concurrent misses for the
// same reference are collapsed into one upstream call.
func (c *Client) Resolve(ctx context.Context, resourceID, variantRef, size string) (uri string, fromCache bool, err error) {
	key := resourceID + ":" + variantRef + ":" + size

	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, key); ok {
			return cached, true, nil
		}
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		resolved, rerr := c.doResolve(ctx, resourceID, variantRef, size)
		if rerr != nil {
			return "", rerr
		}
		if c.cache != nil {
			c.cache.Put(ctx, key, resolved)
		}
		return resolved, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), false, nil
}

func (c *Client) doResolve(ctx context.Context, resourceID, variantRef, size string) (string, error) {
	target := c.baseURL.JoinPath("media", resourceID, variantRef)
	if size != "" {
		q := target.Query()
		q.Set("size", size)
		target.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("building resolve request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.credential)

	start := time.Now()
	resp, err := c.resolver.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		// A canceled caller says nothing about provider health; keep it out
		// of the sampler's error rate.
		if !errors.Is(err, context.Canceled) {
			c.observe(elapsed, true)
		}
		return "", fmt.Errorf("resolving media reference: %w", err)
	}
	defer drainAndClose(resp.Body)

	// The provider answered, so the call is billable regardless of status.
	c.spend(ctx, 1)

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		loc := resp.Header.Get("Location")
		if loc == "" {
			c.observe(elapsed, true)
			return "", &UpstreamError{Status: resp.StatusCode}
		}
		u, err := url.Parse(loc)
		if err != nil {
			c.observe(elapsed, true)
			return "", fmt.Errorf("parsing media location: %w", err)
		}
		if err := ValidateMediaURL(u, c.policy); err != nil {
			c.observe(elapsed, true)
			return "", fmt.Errorf("rejecting media location: %w", err)
		}
		c.observe(elapsed, false)
		return u.String(), nil

	case resp.StatusCode == http.StatusNotFound:
		// A missing reference is a client-data problem, not provider
		// ill health.
		c.observe(elapsed, false)
		return "", ErrNotFound

	case resp.StatusCode == http.StatusTooManyRequests:
		c.observe(elapsed, true)
		return "", &ThrottledError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}

	default:
		c.observe(elapsed, true)
		return "", &UpstreamError{Status: resp.StatusCode}
	}
}

// Fetch retrieves the binary at a resolved URI. The caller owns the
// response body. The URL policy is re-checked because the URI may have come
// from the shared cache, written by another replica under another policy.
func (c *Client) Fetch(ctx context.Context, uri string) (*http.Response, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing media URI: %w", err)
	}
	if err := ValidateMediaURL(u, c.policy); err != nil {
		return nil, fmt.Errorf("rejecting media URI: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building fetch request: %w", err)
	}

	start := time.Now()
	resp, err := c.fetcher.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.observe(elapsed, true)
		}
		return nil, fmt.Errorf("fetching media: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		c.observe(elapsed, false)
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		drainAndClose(resp.Body)
		c.observe(elapsed, false)
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		drainAndClose(resp.Body)
		c.observe(elapsed, true)
		return nil, &ThrottledError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	default:
		drainAndClose(resp.Body)
		c.observe(elapsed, true)
		return nil, &UpstreamError{Status: resp.StatusCode}
	}
}

func (c *Client) observe(d time.Duration, failed bool) {
	if c.hooks.Observe != nil {
		c.hooks.Observe(d, failed)
	}
}

func (c *Client) spend(ctx context.Context, units int64) {
	if c.hooks.OnSpend != nil {
		c.hooks.OnSpend(ctx, units)
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms. Returns 0
// when the header is absent or unparseable.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// drainAndClose consumes up to a small cap of the body before closing so the
// underlying connection can be reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4<<10))
	_ = body.Close()
}
