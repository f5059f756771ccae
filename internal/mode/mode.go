// Package mode implements the service mode controller: a single derived
// signal (nominal, watch, degraded, outage) that summarizes circuit state,
// budget headroom, and provider health for clients. Rendering surfaces poll
// it to decide how much provider-backed functionality to attempt.
package mode

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platefinder/placegw/internal/breaker"
	"github.com/platefinder/placegw/internal/budget"
)

// Mode is the gateway's advertised service level.
type Mode string

const (
	Nominal  Mode = "NOMINAL"
	Watch    Mode = "WATCH"
	Degraded Mode = "DEGRADED"
	Outage   Mode = "OUTAGE"
)

// severity orders modes for hysteresis: moving to a more severe mode is
// immediate, moving to a less severe one must dwell.
func severity(m Mode) int {
	switch m {
	case Outage:
		return 3
	case Degraded:
		return 2
	case Watch:
		return 1
	default:
		return 0
	}
}

// Trigger names the condition that produced the current mode.
const (
	TriggerCircuitOpen       = "circuit_open"
	TriggerBudgetExceeded    = "budget_exceeded"
	TriggerProviderUnhealthy = "provider_unhealthy"
	TriggerElevatedLatency   = "elevated_latency"
	TriggerAllNominal        = "all_systems_nominal"
)

// Triggers are the boolean inputs the mode is derived from, published with
// the snapshot so operators can see which signal is failing.
type Triggers struct {
	CircuitClosed   bool `json:"circuit_breaker_closed"`
	BudgetOK        bool `json:"budget_ok"`
	ProviderHealthy bool `json:"provider_healthy"`
	LatencyOK       bool `json:"latency_ok"`
}

func nominalTriggers() Triggers {
	return Triggers{CircuitClosed: true, BudgetOK: true, ProviderHealthy: true, LatencyOK: true}
}

// Snapshot is the published mode state. EnteredAt is when the current mode
// was committed, not when it was last confirmed.
type Snapshot struct {
	Mode       Mode      `json:"mode"`
	Reasons    []string  `json:"reasons"`
	Triggers   Triggers  `json:"triggers"`
	EnteredAt  time.Time `json:"entered_at"`
	ComputedAt time.Time `json:"computed_at"`
}

// Options tunes the controller.
type Options struct {
	// Dwell is how long an improvement must hold before the published mode
	// moves to a less severe level.
	Dwell time.Duration
	// RecomputeInterval is the background recompute period, bounding how
	// stale the published mode can get without traffic.
	RecomputeInterval time.Duration
	// LatencyThreshold is the EWMA latency above which the controller
	// reports elevated latency.
	LatencyThreshold time.Duration
	// ErrorRateThreshold is the EWMA error rate above which the provider is
	// considered unhealthy.
	ErrorRateThreshold float64
	// Classes lists the breaker endpoint classes whose circuits feed the
	// mode computation.
	Classes []string
}

func (o *Options) defaults() {
	if o.Dwell <= 0 {
		o.Dwell = 30 * time.Second
	}
	if o.RecomputeInterval <= 0 {
		o.RecomputeInterval = 5 * time.Second
	}
	if o.LatencyThreshold <= 0 {
		o.LatencyThreshold = 2 * time.Second
	}
	if o.ErrorRateThreshold <= 0 {
		o.ErrorRateThreshold = 0.5
	}
}

// Controller derives and publishes the service mode. Reads are lock-free;
// recomputation is serialized.
type Controller struct {
	brk     *breaker.Breaker
	bdg     *budget.Tracker
	sampler *Sampler
	logger  *slog.Logger
	opts    Options

	current atomic.Pointer[Snapshot]

	// recompute state; guarded by mu so concurrent kicks don't interleave.
	mu           sync.Mutex
	improveSince time.Time
	now          func() time.Time
}

// NewController creates a mode controller. The published mode starts
// nominal.
func NewController(brk *breaker.Breaker, bdg *budget.Tracker, sampler *Sampler, opts Options, logger *slog.Logger) *Controller {
	opts.defaults()
	c := &Controller{
		brk:     brk,
		bdg:     bdg,
		sampler: sampler,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
	start := c.now()
	c.current.Store(&Snapshot{
		Mode:       Nominal,
		Reasons:    []string{TriggerAllNominal},
		Triggers:   nominalTriggers(),
		EnteredAt:  start,
		ComputedAt: start,
	})
	return c
}

// Current returns the published mode snapshot. Never blocks.
func (c *Controller) Current() Snapshot {
	return *c.current.Load()
}

// Run recomputes the mode on a fixed interval until the context is
// canceled. Bookkeeping paths also call Recompute directly, so the interval
// only bounds staleness in the absence of traffic.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.RecomputeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Recompute(ctx)
		}
	}
}

// Recompute evaluates the triggers and publishes a new snapshot. Moving to
// a more severe mode commits immediately; moving to a less severe mode is
// held back until the improvement has lasted the dwell period, which stops
// the published mode from flapping around a marginal trigger.
func (c *Controller) Recompute(ctx context.Context) Snapshot {
	candidate, reasons, trig := c.evaluate(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cur := c.current.Load()

	switch {
	case candidate == cur.Mode:
		c.improveSince = time.Time{}
		next := &Snapshot{Mode: cur.Mode, Reasons: reasons, Triggers: trig, EnteredAt: cur.EnteredAt, ComputedAt: now}
		c.current.Store(next)
		return *next

	case severity(candidate) > severity(cur.Mode):
		c.improveSince = time.Time{}
		next := &Snapshot{Mode: candidate, Reasons: reasons, Triggers: trig, EnteredAt: now, ComputedAt: now}
		c.current.Store(next)
		c.logger.Warn("service mode escalated", "from", cur.Mode, "to", candidate, "reasons", reasons)
		return *next

	default:
		// Improvement: dwell before committing.
		if c.improveSince.IsZero() {
			c.improveSince = now
		}
		if now.Sub(c.improveSince) < c.opts.Dwell {
			// Mode held back by the dwell, but the triggers shown are live.
			next := &Snapshot{Mode: cur.Mode, Reasons: cur.Reasons, Triggers: trig, EnteredAt: cur.EnteredAt, ComputedAt: now}
			c.current.Store(next)
			return *next
		}
		c.improveSince = time.Time{}
		next := &Snapshot{Mode: candidate, Reasons: reasons, Triggers: trig, EnteredAt: now, ComputedAt: now}
		c.current.Store(next)
		c.logger.Info("service mode recovered", "from", cur.Mode, "to", candidate)
		return *next
	}
}

// evaluate derives all four triggers and the candidate mode, in strict
// precedence order: an open circuit dominates everything, then budget, then
// provider health, then latency.
func (c *Controller) evaluate(ctx context.Context) (Mode, []string, Triggers) {
	trig := nominalTriggers()

	for _, class := range c.opts.Classes {
		snap, err := c.brk.Snapshot(ctx, class)
		if err != nil {
			// Unknown circuit state must not fabricate an outage.
			c.logger.Warn("mode recompute: breaker state unavailable", "class", class, "error", err)
			continue
		}
		if snap.State == breaker.StateOpen {
			trig.CircuitClosed = false
			break
		}
	}

	if st, err := c.bdg.Check(ctx); err != nil {
		c.logger.Warn("mode recompute: budget state unavailable", "error", err)
	} else {
		trig.BudgetOK = st.OK
	}

	if c.sampler.Warm() {
		trig.ProviderHealthy = c.sampler.ErrorRate() <= c.opts.ErrorRateThreshold
		trig.LatencyOK = c.sampler.Latency() <= c.opts.LatencyThreshold
	}

	switch {
	case !trig.CircuitClosed:
		return Outage, []string{TriggerCircuitOpen}, trig
	case !trig.BudgetOK:
		return Degraded, []string{TriggerBudgetExceeded}, trig
	case !trig.ProviderHealthy:
		return Degraded, []string{TriggerProviderUnhealthy}, trig
	case !trig.LatencyOK:
		return Watch, []string{TriggerElevatedLatency}, trig
	}
	return Nominal, []string{TriggerAllNominal}, trig
}
