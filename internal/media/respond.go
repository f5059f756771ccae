package media

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Error types returned in JSON error bodies. Clients branch on these, so
// they are part of the public surface.
const (
	errTypeBadRequest       = "bad_request"
	errTypeInvalidSignature = "invalid_signature"
	errTypeExpiredURL       = "expired_url"
	errTypeUnavailable      = "unavailable"
	errTypeNotFound         = "not_found"
	errTypeUpstream         = "upstream_error"
	errTypeTimeout          = "upstream_timeout"
	errTypeInternal         = "internal_error"
)

// jsonErrorResponse is the structured error body returned by the gateway.
// Reason is set on refusals so clients can distinguish a kill switch from a
// budget stop without parsing the human-readable message.
type jsonErrorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	Reason     string  `json:"reason,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

// writeJSONError writes a structured JSON error response. A non-zero
// retryAfter also sets the Retry-After header, rounded up to whole seconds.
func writeJSONError(w http.ResponseWriter, code int, errType, message string, retryAfter time.Duration) {
	writeJSONRefusal(w, code, errType, message, "", retryAfter)
}

// writeJSONRefusal is writeJSONError plus a machine-readable refusal reason.
func writeJSONRefusal(w http.ResponseWriter, code int, errType, message, reason string, retryAfter time.Duration) {
	resp := jsonErrorResponse{
		Error:     errType,
		Message:   message,
		Reason:    reason,
		RequestID: w.Header().Get(requestIDHeader),
	}
	if retryAfter > 0 {
		resp.RetryAfter = retryAfter.Seconds()
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}
