package media

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/platefinder/placegw/internal/observability"
)

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

const maxRequestIDLen = 128

// newRequestID generates a random hex request ID.
func newRequestID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		binary.LittleEndian.PutUint64(buf[:8], uint64(time.Now().UnixNano()))
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to
// propagate: bounded length, alphanumeric plus hyphen, underscore, dot,
// and colon.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// Instrument wraps a handler with request-ID correlation, access logging,
// and request duration metrics.
func Instrument(next http.Handler, metrics *observability.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.code = 0
		sw.written = false
		defer func() {
			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)
		}()

		reqID := r.Header.Get(requestIDHeader)
		if !validRequestID(reqID) {
			reqID = newRequestID()
			r.Header.Set(requestIDHeader, reqID)
		}
		sw.Header().Set(requestIDHeader, reqID)

		start := time.Now()
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		code := sw.code
		if code == 0 {
			code = http.StatusOK
		}

		if metrics != nil {
			metrics.PromRequestDuration.WithLabelValues(strconv.Itoa(code)).Observe(elapsed.Seconds())
		}

		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", code,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", reqID)
	})
}
