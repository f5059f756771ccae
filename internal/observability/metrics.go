// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for the gateway.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refusal reasons used as the "reason" label on refused media requests.
// Bounded set, so labels are safe here.
const (
	ReasonFlagDisabled    = "flag_disabled"
	ReasonBadSignature    = "bad_signature"
	ReasonExpiredURL      = "expired_url"
	ReasonCircuitOpen     = "circuit_open"
	ReasonBudgetExhausted = "budget_exhausted"
	// ReasonCheckUnavailable marks refusals where the breaker or budget
	// state could not be read at all.
	ReasonCheckUnavailable = "check_unavailable"
)

// Metrics holds Prometheus collectors plus atomic counters for the media
// hot path.
type Metrics struct {
	// Atomic counters for hot-path access (no mutex, no allocation).
	mediaServed   int64
	mediaRefused  int64
	providerCalls int64
	providerErrs  int64
	cacheHits     int64
	redisErrors   int64

	promServed        prometheus.Counter
	promRefused       *prometheus.CounterVec
	promProviderCalls prometheus.Counter
	promProviderErrs  prometheus.Counter
	promCacheHits     prometheus.Counter
	promRedisErrors   prometheus.Counter
	promBreakerOpens  prometheus.Counter

	// PromRequestDuration tracks end-to-end media request latency.
	PromRequestDuration *prometheus.HistogramVec

	promBudgetSpent prometheus.Gauge
	promMode        *prometheus.GaugeVec
}

// NewMetrics creates and registers the gateway metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		promServed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "placegw",
			Name:      "media_served_total",
			Help:      "Total media requests served successfully.",
		}),
		promRefused: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "placegw",
			Name:      "media_refused_total",
			Help:      "Total media requests refused by the gateway, by reason.",
		}, []string{"reason"}),
		promProviderCalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "placegw",
			Name:      "provider_calls_total",
			Help:      "Total outbound calls to the upstream provider.",
		}),
		promProviderErrs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "placegw",
			Name:      "provider_errors_total",
			Help:      "Total failed outbound calls to the upstream provider.",
		}),
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "placegw",
			Name:      "uri_cache_hits_total",
			Help:      "Total media resolutions served from the URI cache.",
		}),
		promRedisErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "placegw",
			Name:      "redis_errors_total",
			Help:      "Total Redis errors encountered.",
		}),
		promBreakerOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "placegw",
			Name:      "breaker_opens_total",
			Help:      "Total circuit breaker open transitions.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "placegw",
			Name:      "request_duration_seconds",
			Help:      "Media request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status_code"}),
		promBudgetSpent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "placegw",
			Name:      "budget_spent",
			Help:      "Provider spend units consumed in the current window.",
		}),
		promMode: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "placegw",
			Name:      "service_mode",
			Help:      "Current service mode (1 for the active mode, 0 otherwise).",
		}, []string{"mode"}),
	}
}

// IncServed counts a successfully served media response.
func (m *Metrics) IncServed() {
	atomic.AddInt64(&m.mediaServed, 1)
	m.promServed.Inc()
}

// IncRefused counts a refused media request by reason.
func (m *Metrics) IncRefused(reason string) {
	atomic.AddInt64(&m.mediaRefused, 1)
	m.promRefused.WithLabelValues(reason).Inc()
}

// IncProviderCall counts an outbound provider call.
func (m *Metrics) IncProviderCall() {
	atomic.AddInt64(&m.providerCalls, 1)
	m.promProviderCalls.Inc()
}

// IncProviderError counts a failed provider call.
func (m *Metrics) IncProviderError() {
	atomic.AddInt64(&m.providerErrs, 1)
	m.promProviderErrs.Inc()
}

// IncCacheHit counts a URI cache hit.
func (m *Metrics) IncCacheHit() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncRedisErrors counts a Redis error.
func (m *Metrics) IncRedisErrors() {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.Inc()
}

// IncBreakerOpen counts a circuit open transition.
func (m *Metrics) IncBreakerOpen() {
	m.promBreakerOpens.Inc()
}

// SetBudgetSpent publishes the current window's spend.
func (m *Metrics) SetBudgetSpent(spent int64) {
	m.promBudgetSpent.Set(float64(spent))
}

// SetMode publishes the active service mode as a one-hot gauge.
func (m *Metrics) SetMode(active string, all []string) {
	for _, mode := range all {
		v := 0.0
		if mode == active {
			v = 1.0
		}
		m.promMode.WithLabelValues(mode).Set(v)
	}
}

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	MediaServed   int64
	MediaRefused  int64
	ProviderCalls int64
	ProviderErrs  int64
	CacheHits     int64
	RedisErrors   int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MediaServed:   atomic.LoadInt64(&m.mediaServed),
		MediaRefused:  atomic.LoadInt64(&m.mediaRefused),
		ProviderCalls: atomic.LoadInt64(&m.providerCalls),
		ProviderErrs:  atomic.LoadInt64(&m.providerErrs),
		CacheHits:     atomic.LoadInt64(&m.cacheHits),
		RedisErrors:   atomic.LoadInt64(&m.redisErrors),
	}
}
