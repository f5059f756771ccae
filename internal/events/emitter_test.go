package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/platefinder/placegw/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitter_DisabledReturnsNil(t *testing.T) {
	e := NewEmitter(config.EventsConfig{Enabled: false}, testLogger())
	if e != nil {
		t.Fatal("expected nil emitter when disabled")
	}
}

func TestEmitter_NilReceiverIsSafe(t *testing.T) {
	var e *Emitter
	e.Emit(Event{Kind: KindRefusal})
	if err := e.Close(); err != nil {
		t.Fatalf("close on nil emitter: %v", err)
	}
}

func TestEmitter_BatchFlushing(t *testing.T) {
	var mu sync.Mutex
	var received []Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []Event `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal error: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, payload.Events...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		URL:           srv.URL,
		BatchSize:     5,
		FlushInterval: "100ms",
		BufferSize:    100,
	}, testLogger())

	for range 12 {
		e.Emit(Event{
			Kind:       KindRefusal,
			Reason:     "circuit_open",
			ResourceID: "place-1",
			StatusCode: 503,
			Timestamp:  time.Now().Format(time.RFC3339),
		})
	}

	// Wait for flush.
	time.Sleep(500 * time.Millisecond)

	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 12 {
		t.Errorf("expected 12 events, got %d", len(received))
	}
}

func TestEmitter_StampsMissingTimestamps(t *testing.T) {
	var mu sync.Mutex
	var received []Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []Event `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		mu.Lock()
		received = append(received, payload.Events...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled: true, URL: srv.URL, BatchSize: 1, FlushInterval: "50ms", BufferSize: 10,
	}, testLogger())

	e.Emit(Event{Kind: KindModeChanged, Mode: "DEGRADED"})
	time.Sleep(300 * time.Millisecond)
	e.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if _, err := time.Parse(time.RFC3339, received[0].Timestamp); err != nil {
		t.Errorf("expected RFC 3339 timestamp, got %q: %v", received[0].Timestamp, err)
	}
}

func TestEmitter_SendsConfiguredHeaders(t *testing.T) {
	var mu sync.Mutex
	var gotAuth, gotDest string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotDest = r.Header.Get("X-Destination")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled: true,
		URL:     srv.URL,
		Headers: map[string]config.RedactedString{
			"Authorization": "Bearer my-token",
			"X-Destination": "analytics",
		},
		BatchSize: 1, FlushInterval: "50ms", BufferSize: 10,
	}, testLogger())

	e.Emit(Event{Kind: KindRefusal, ResourceID: "place-1"})
	time.Sleep(300 * time.Millisecond)
	e.Close()

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer my-token" {
		t.Errorf("expected Authorization header, got %q", gotAuth)
	}
	if gotDest != "analytics" {
		t.Errorf("expected X-Destination header, got %q", gotDest)
	}
}

func TestEmitter_BufferOverflow(t *testing.T) {
	// Use a very small buffer to force overflow.
	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		URL:           "http://localhost:0/noop",
		BatchSize:     1000, // larger than buffer to prevent flushing
		FlushInterval: "1h",
		BufferSize:    5,
	}, testLogger())

	for range 10 {
		e.Emit(Event{Kind: KindRefusal, ResourceID: "overflow"})
	}

	e.ringMu.Lock()
	length := e.ringLen
	e.ringMu.Unlock()

	if length != 5 {
		t.Errorf("expected ring length 5 (capped), got %d", length)
	}

	// Don't bother flushing — close and move on.
	close(e.done)
	e.wg.Wait()
}

func TestEmitter_GracefulShutdownDrain(t *testing.T) {
	var mu sync.Mutex
	var received int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []Event `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err == nil {
			mu.Lock()
			received += len(payload.Events)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		URL:           srv.URL,
		BatchSize:     100,
		FlushInterval: "1h", // long enough that only Close() will trigger drain
		BufferSize:    100,
	}, testLogger())

	for range 7 {
		e.Emit(Event{Kind: KindProviderError, Class: "media"})
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received != 7 {
		t.Errorf("expected 7 events drained on close, got %d", received)
	}
}
