// Package events implements an async, buffered emitter for gateway decision
// events: refusals, provider failures, circuit transitions, and mode
// changes. Events are batched and flushed to an external HTTP service
// (webhook pattern). The emitter is entirely optional and fire-and-forget —
// it never blocks the media hot path.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/platefinder/placegw/internal/config"
)

// Event kinds.
const (
	KindRefusal       = "refusal"
	KindProviderError = "provider_error"
	KindCircuitOpened = "circuit_opened"
	KindModeChanged   = "mode_changed"
)

// Event is a single gateway decision.
type Event struct {
	Kind       string `json:"kind"`
	Reason     string `json:"reason,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	Class      string `json:"class,omitempty"` // breaker endpoint class
	Mode       string `json:"mode,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Timestamp  string `json:"timestamp"` // RFC 3339
}

// Emitter batches decision events and flushes them to an external HTTP
// receiver.
type Emitter struct {
	logger *slog.Logger

	url        string
	headers    map[string]config.RedactedString
	httpClient *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ring     []Event
	ringMu   sync.Mutex
	ringHead int
	ringLen  int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEmitter creates a decision event emitter. Returns nil if events are
// not enabled in the config; a nil *Emitter is safe to emit to.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	flushInterval := 5 * time.Second
	if d, err := config.ParseDuration(cfg.FlushInterval, flushInterval); err == nil && d > 0 {
		flushInterval = d
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		url:           cfg.URL,
		headers:       cfg.Headers,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]Event, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues an event. Fire-and-forget, never blocks; when the buffer is
// full the oldest event is dropped. Safe on a nil receiver.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	e.ringMu.Lock()
	e.ring[(e.ringHead+e.ringLen)%e.bufferSize] = ev
	if e.ringLen == e.bufferSize {
		// Buffer full — drop oldest by advancing head.
		e.ringHead = (e.ringHead + 1) % e.bufferSize
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining events and stops the flush loop. Safe on a nil
// receiver.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	close(e.done)
	e.wg.Wait()
	e.flush()
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []Event {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := min(e.ringLen, e.batchSize)
	batch := make([]Event, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []Event) {
	payload := struct {
		Events []Event `json:"events"`
	}{Events: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to create events HTTP request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range e.headers {
		req.Header.Set(name, value.Value())
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("failed to send events batch", "error", err, "count", len(batch))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		e.logger.Warn("events receiver returned error",
			"status", resp.StatusCode, "count", len(batch))
	}
}
