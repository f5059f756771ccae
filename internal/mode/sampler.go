package mode

import (
	"sync"
	"time"
)

// ewmaAlpha weights recent observations. 0.2 means roughly the last ~10
// calls dominate the estimate.
const ewmaAlpha = 0.2

// minSamples is how many observations the sampler needs before its health
// verdicts count. A single failed call at startup must not degrade the
// gateway.
const minSamples = 5

// Sampler maintains exponentially weighted moving averages of provider call
// latency and error rate. All provider call sites feed it; the mode
// controller reads it.
type Sampler struct {
	mu        sync.Mutex
	latency   float64 // EWMA, seconds
	errorRate float64 // EWMA of 0/1 outcomes
	samples   int64
}

// NewSampler creates an empty sampler.
func NewSampler() *Sampler {
	return &Sampler{}
}

// Observe records one provider call outcome.
func (s *Sampler) Observe(d time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec := d.Seconds()
	outcome := 0.0
	if failed {
		outcome = 1.0
	}

	if s.samples == 0 {
		s.latency = sec
		s.errorRate = outcome
	} else {
		s.latency = ewmaAlpha*sec + (1-ewmaAlpha)*s.latency
		s.errorRate = ewmaAlpha*outcome + (1-ewmaAlpha)*s.errorRate
	}
	s.samples++
}

// Latency returns the current latency estimate.
func (s *Sampler) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latency * float64(time.Second))
}

// ErrorRate returns the current error-rate estimate in [0, 1].
func (s *Sampler) ErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorRate
}

// Warm reports whether enough observations exist for the estimates to be
// meaningful.
func (s *Sampler) Warm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples >= minSamples
}
