package server

import (
	"encoding/json"
	"net/http"
)

// maxFlagBodySize bounds PUT /flags bodies. Flag updates are tiny.
const maxFlagBodySize = 4 << 10

// handleMode serves GET /mode on the public server. Rendering surfaces poll
// this to decide how much provider-backed functionality to attempt.
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	snap := s.core.Load().modeCtl.Current()

	w.Header().Set("Content-Type", "application/json")
	// Mode is a live signal; intermediaries must not serve it stale.
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	list, err := s.core.Load().flagSt.List(r.Context())
	if err != nil {
		s.metrics.IncRedisErrors()
		writeAdminError(w, http.StatusInternalServerError, "listing flags failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Flags any `json:"flags"`
	}{Flags: list})
}

func (s *Server) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !validFlagKey(key) {
		writeAdminError(w, http.StatusBadRequest, "invalid flag key")
		return
	}

	f, found, err := s.core.Load().flagSt.Get(r.Context(), key)
	if err != nil {
		s.metrics.IncRedisErrors()
		writeAdminError(w, http.StatusInternalServerError, "reading flag failed")
		return
	}
	if !found {
		writeAdminError(w, http.StatusNotFound, "unknown flag")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f)
}

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !validFlagKey(key) {
		writeAdminError(w, http.StatusBadRequest, "invalid flag key")
		return
	}

	var body struct {
		Enabled *bool  `json:"enabled"`
		Reason  string `json:"reason"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFlagBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil || body.Enabled == nil {
		writeAdminError(w, http.StatusBadRequest, `body must be {"enabled": true|false, "reason": "..."}, reason optional`)
		return
	}

	f, err := s.core.Load().flagSt.Set(r.Context(), key, *body.Enabled, body.Reason)
	if err != nil {
		s.metrics.IncRedisErrors()
		writeAdminError(w, http.StatusInternalServerError, "writing flag failed")
		return
	}

	s.logger.Info("feature flag updated", "flag", key, "enabled", *body.Enabled, "reason", body.Reason)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f)
}

// validFlagKey accepts lowercase snake_case keys up to 64 bytes.
func validFlagKey(s string) bool {
	if len(s) == 0 || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}

func writeAdminError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: message})
}
