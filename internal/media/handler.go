// Package media implements the signed-URL photo proxy: the public endpoint
// that exchanges a signed media reference for provider bytes without ever
// exposing the provider credential or raw provider URIs to clients.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/platefinder/placegw/internal/breaker"
	"github.com/platefinder/placegw/internal/budget"
	"github.com/platefinder/placegw/internal/config"
	"github.com/platefinder/placegw/internal/events"
	"github.com/platefinder/placegw/internal/flags"
	"github.com/platefinder/placegw/internal/observability"
	"github.com/platefinder/placegw/internal/provider"
	"github.com/platefinder/placegw/internal/sign"
)

// maxParamLen bounds path and query parameters well above any legitimate
// provider identifier.
const maxParamLen = 512

// Recomputer lets the handler nudge the mode controller after breaker or
// budget state changes instead of waiting for the next periodic tick.
type Recomputer interface {
	Recompute(ctx context.Context)
}

// Options configures the media handler.
type Options struct {
	Environment config.Environment
	// BrowserTTL, CDNTTL, StaleWhileRevalidate form the Cache-Control policy
	// on successful responses.
	BrowserTTL           time.Duration
	CDNTTL               time.Duration
	StaleWhileRevalidate time.Duration
	// RetryAfter is the hint attached to 503 refusals.
	RetryAfter time.Duration
}

// Handler serves GET /media/{resourceID}/{variantRef}.
type Handler struct {
	opts    Options
	flags   *flags.Store
	signer  *sign.Signer
	brk     *breaker.Breaker
	bdg     *budget.Tracker
	client  *provider.Client
	modeCtl Recomputer
	metrics *observability.Metrics
	emitter *events.Emitter
	logger  *slog.Logger

	cacheControl string
}

// NewHandler wires the media proxy. signer may be nil only when the
// environment is not production-like; that combination is validated at
// config load.
func NewHandler(
	opts Options,
	flagStore *flags.Store,
	signer *sign.Signer,
	brk *breaker.Breaker,
	bdg *budget.Tracker,
	client *provider.Client,
	modeCtl Recomputer,
	metrics *observability.Metrics,
	emitter *events.Emitter,
	logger *slog.Logger,
) *Handler {
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Minute
	}
	return &Handler{
		opts:    opts,
		flags:   flagStore,
		signer:  signer,
		brk:     brk,
		bdg:     bdg,
		client:  client,
		modeCtl: modeCtl,
		metrics: metrics,
		emitter: emitter,
		logger:  logger,
		cacheControl: fmt.Sprintf("public, max-age=%d, s-maxage=%d, stale-while-revalidate=%d",
			int(opts.BrowserTTL.Seconds()), int(opts.CDNTTL.Seconds()), int(opts.StaleWhileRevalidate.Seconds())),
	}
}

// validSize reports whether size is one of the published media variants.
func validSize(size string) bool {
	switch size {
	case "thumbnail", "medium", "full":
		return true
	}
	return false
}

// ServeHTTP runs the proxy decision ladder. The order is fixed: malformed
// requests are rejected before any state is consulted, signatures beat
// everything that reads shared state, the kill switch beats the upstream
// call, and the breaker is checked before the budget so an outage does not
// also burn budget-check traffic.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Media bytes must never be sniffed into another type or indexed.
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Robots-Tag", "noindex")

	resourceID := r.PathValue("resourceID")
	variantRef := r.PathValue("variantRef")
	size := r.URL.Query().Get("size")
	expStr := r.URL.Query().Get("exp")
	sig := r.URL.Query().Get("sig")

	if resourceID == "" || variantRef == "" ||
		len(resourceID) > maxParamLen || len(variantRef) > maxParamLen {
		writeJSONError(w, http.StatusBadRequest, errTypeBadRequest, "malformed media reference", 0)
		return
	}
	if !validSize(size) {
		writeJSONError(w, http.StatusBadRequest, errTypeBadRequest, "unknown media size", 0)
		return
	}

	if h.opts.Environment.ProductionLike() {
		exp, err := strconv.ParseInt(expStr, 10, 64)
		if err != nil || sig == "" {
			h.metrics.IncRefused(observability.ReasonBadSignature)
			writeJSONError(w, http.StatusForbidden, errTypeInvalidSignature, "missing signature parameters", 0)
			return
		}
		switch verr := h.signer.Verify(resourceID, variantRef, size, exp, sig); {
		case errors.Is(verr, sign.ErrExpired):
			h.metrics.IncRefused(observability.ReasonExpiredURL)
			writeJSONError(w, http.StatusForbidden, errTypeExpiredURL, "signed URL has expired", 0)
			return
		case verr != nil:
			h.metrics.IncRefused(observability.ReasonBadSignature)
			h.emitter.Emit(events.Event{Kind: events.KindRefusal, Reason: observability.ReasonBadSignature, ResourceID: resourceID, StatusCode: http.StatusForbidden})
			writeJSONError(w, http.StatusForbidden, errTypeInvalidSignature, "signature verification failed", 0)
			return
		}
	}

	// Flag lookup failures fail open: the kill switch exists to shed cost,
	// not to add an availability dependency.
	if f, found, err := h.flags.Get(ctx, flags.KeyPhotoServing); err != nil {
		h.metrics.IncRedisErrors()
		h.logger.Warn("flag lookup failed, serving anyway", "flag", flags.KeyPhotoServing, "error", err)
	} else if found && !f.Enabled {
		h.metrics.IncRefused(observability.ReasonFlagDisabled)
		h.emitter.Emit(events.Event{Kind: events.KindRefusal, Reason: observability.ReasonFlagDisabled, ResourceID: resourceID, StatusCode: http.StatusServiceUnavailable})
		reason := f.Reason
		if reason == "" {
			reason = observability.ReasonFlagDisabled
		}
		writeJSONRefusal(w, http.StatusServiceUnavailable, errTypeUnavailable, "photo serving is disabled", reason, h.opts.RetryAfter)
		return
	}

	decision, err := h.brk.Allow(ctx, provider.EndpointClassMedia)
	if err != nil {
		// The breaker and budget guard paid provider calls: when their state
		// cannot be read, the call must not proceed. Only the flag check
		// above fails open.
		h.metrics.IncRedisErrors()
		h.metrics.IncRefused(observability.ReasonCheckUnavailable)
		h.logger.Error("breaker check failed, refusing", "error", err)
		writeJSONRefusal(w, http.StatusServiceUnavailable, errTypeUnavailable, "spend protection unavailable", observability.ReasonCheckUnavailable, h.opts.RetryAfter)
		return
	}
	if !decision.Allowed {
		retryAfter := decision.RetryAfter
		if retryAfter <= 0 {
			retryAfter = h.opts.RetryAfter
		}
		h.metrics.IncRefused(observability.ReasonCircuitOpen)
		h.emitter.Emit(events.Event{Kind: events.KindRefusal, Reason: observability.ReasonCircuitOpen, ResourceID: resourceID, StatusCode: http.StatusServiceUnavailable})
		writeJSONRefusal(w, http.StatusServiceUnavailable, errTypeUnavailable, "provider circuit is open", observability.ReasonCircuitOpen, retryAfter)
		return
	}

	if st, err := h.bdg.Check(ctx); err != nil {
		h.metrics.IncRedisErrors()
		h.metrics.IncRefused(observability.ReasonCheckUnavailable)
		h.logger.Error("budget check failed, refusing", "error", err)
		writeJSONRefusal(w, http.StatusServiceUnavailable, errTypeUnavailable, "spend protection unavailable", observability.ReasonCheckUnavailable, h.opts.RetryAfter)
		return
	} else if !st.OK {
		h.metrics.IncRefused(observability.ReasonBudgetExhausted)
		h.emitter.Emit(events.Event{Kind: events.KindRefusal, Reason: observability.ReasonBudgetExhausted, ResourceID: resourceID, StatusCode: http.StatusServiceUnavailable})
		writeJSONRefusal(w, http.StatusServiceUnavailable, errTypeUnavailable, "provider budget exhausted", observability.ReasonBudgetExhausted, h.opts.RetryAfter)
		return
	}

	uri, fromCache, err := h.client.Resolve(ctx, resourceID, variantRef, size)
	if err != nil {
		h.upstreamFailure(ctx, w, err, resourceID)
		return
	}
	if fromCache {
		h.metrics.IncCacheHit()
	} else {
		h.metrics.IncProviderCall()
	}

	resp, err := h.client.Fetch(ctx, uri)
	if err != nil {
		h.upstreamFailure(ctx, w, err, resourceID)
		return
	}
	defer resp.Body.Close()

	h.recordSuccess(ctx, decision)

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.Header().Set("Cache-Control", h.cacheControl)
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Client went away mid-stream; nothing to send.
		h.logger.Debug("media stream interrupted", "resource", resourceID, "error", err)
		return
	}
	h.metrics.IncServed()
}

// upstreamFailure maps provider errors to client responses and feeds the
// breaker. A missing reference is the caller's problem and leaves the
// circuit untouched; everything else counts as a provider failure.
func (h *Handler) upstreamFailure(ctx context.Context, w http.ResponseWriter, err error, resourceID string) {
	var throttled *provider.ThrottledError
	var upstream *provider.UpstreamError

	switch {
	case errors.Is(err, provider.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, errTypeNotFound, "media reference not found", 0)
		return

	case errors.Is(err, context.Canceled):
		// The client hung up mid-request. The provider did nothing wrong,
		// so nothing here feeds the breaker or the failure counters.
		h.logger.Debug("media request canceled by client", "resource", resourceID)
		return

	case errors.As(err, &throttled):
		h.recordFailure(ctx, resourceID)
		retryAfter := throttled.RetryAfter
		if retryAfter <= 0 {
			retryAfter = h.opts.RetryAfter
		}
		writeJSONError(w, http.StatusServiceUnavailable, errTypeUnavailable, "provider is throttling requests", retryAfter)

	case errors.Is(err, context.DeadlineExceeded):
		h.recordFailure(ctx, resourceID)
		writeJSONError(w, http.StatusGatewayTimeout, errTypeTimeout, "provider timed out", 0)

	case errors.As(err, &upstream):
		h.recordFailure(ctx, resourceID)
		writeJSONError(w, http.StatusBadGateway, errTypeUpstream, "provider returned an error", 0)

	default:
		// URL policy rejections and transport errors land here.
		h.recordFailure(ctx, resourceID)
		h.logger.Error("media request failed", "resource", resourceID, "error", err)
		writeJSONError(w, http.StatusBadGateway, errTypeUpstream, "provider request failed", 0)
	}

	h.metrics.IncProviderError()
	h.emitter.Emit(events.Event{Kind: events.KindProviderError, ResourceID: resourceID, Class: provider.EndpointClassMedia})
}

func (h *Handler) recordFailure(ctx context.Context, resourceID string) {
	opened, err := h.brk.RecordFailure(ctx, provider.EndpointClassMedia)
	if err != nil {
		h.metrics.IncRedisErrors()
		h.logger.Warn("recording breaker failure failed", "error", err)
		return
	}
	if opened {
		h.metrics.IncBreakerOpen()
		h.emitter.Emit(events.Event{Kind: events.KindCircuitOpened, Class: provider.EndpointClassMedia})
		h.kickRecompute()
	}
}

func (h *Handler) recordSuccess(ctx context.Context, decision breaker.Decision) {
	if !decision.NeedsReset() {
		return
	}
	if err := h.brk.RecordSuccess(ctx, provider.EndpointClassMedia); err != nil {
		h.metrics.IncRedisErrors()
		h.logger.Warn("recording breaker success failed", "error", err)
		return
	}
	h.kickRecompute()
}

// kickRecompute refreshes the published mode off the request path.
func (h *Handler) kickRecompute() {
	if h.modeCtl == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.modeCtl.Recompute(ctx)
	}()
}
