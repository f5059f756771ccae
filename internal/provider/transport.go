package provider

import (
	"net"
	"net/http"
	"time"

	"github.com/platefinder/placegw/internal/config"
)

// buildTransport constructs the outbound HTTP transport for provider calls.
// Connection reuse matters here: every media request costs up to two
// upstream round trips, and the provider endpoints negotiate HTTP/2.
func buildTransport(cfg config.TransportConfig, maxIdleConns int, idleConnTimeout, responseTimeout time.Duration) *http.Transport {
	dialTimeout, _ := config.ParseDuration(cfg.DialTimeout, 30*time.Second)
	dialKeepAlive, _ := config.ParseDuration(cfg.DialKeepAlive, 30*time.Second)
	tlsHandshakeTimeout, _ := config.ParseDuration(cfg.TLSHandshakeTimeout, 10*time.Second)
	expectContinueTimeout, _ := config.ParseDuration(cfg.ExpectContinueTimeout, time.Second)

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		ResponseHeaderTimeout: responseTimeout,
		ForceAttemptHTTP2:     true,
	}
}
