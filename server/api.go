package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/umputun/chatwarden/pkg/domain"
)

// statusHandler returns server status with a live classifier health probe
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	classifierStatus := "ok"
	if err := s.classifier.Health(r.Context()); err != nil {
		lgr.Printf("[WARN] classifier health check failed: %v", err)
		classifierStatus = "unavailable"
	}

	status := map[string]interface{}{
		"status":        "ok",
		"version":       s.version,
		"time":          time.Now().UTC(),
		"classifier":    classifierStatus,
		"queue_length":  s.queue.Len(),
		"blocked_count": len(s.moderator.Blocked()),
	}
	renderJSON(w, r, http.StatusOK, status)
}

// statsHandler returns accumulated moderation counters
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Get(r.Context())
	if err != nil {
		lgr.Printf("[ERROR] failed to get stats: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, stats)
}

// blocklistHandler returns the blocked identities, sorted for stable output
func (s *Server) blocklistHandler(w http.ResponseWriter, r *http.Request) {
	blocked := s.moderator.Blocked()
	sort.Slice(blocked, func(i, j int) bool { return blocked[i] < blocked[j] })
	renderJSON(w, r, http.StatusOK, map[string]interface{}{
		"identities": blocked,
		"count":      len(blocked),
	})
}

// blockHandler adds an identity to the block set manually. The optional
// JSON body may carry a reason, defaulting to "manual".
func (s *Server) blockHandler(w http.ResponseWriter, r *http.Request) {
	identity := domain.Identity(r.PathValue("identity"))
	if identity == "" {
		renderError(w, r, fmt.Errorf("identity is required"), http.StatusBadRequest)
		return
	}

	reason := "manual"
	if r.Body != nil {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Reason != "" {
			reason = body.Reason
		}
	}

	s.moderator.Block(identity, reason)
	renderJSON(w, r, http.StatusOK, map[string]string{"identity": string(identity), "reason": reason})
}

// unblockHandler removes an identity from the block set
func (s *Server) unblockHandler(w http.ResponseWriter, r *http.Request) {
	identity := domain.Identity(r.PathValue("identity"))
	if identity == "" {
		renderError(w, r, fmt.Errorf("identity is required"), http.StatusBadRequest)
		return
	}

	s.moderator.Unblock(identity)
	renderJSON(w, r, http.StatusOK, map[string]string{"identity": string(identity)})
}

// decisionsHandler returns recent entries from the decision audit log
func (s *Server) decisionsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		v, err := strconv.Atoi(limitStr)
		if err != nil || v < 1 {
			renderError(w, r, fmt.Errorf("invalid limit"), http.StatusBadRequest)
			return
		}
		limit = v
	}

	entries, err := s.decisions.Recent(r.Context(), limit)
	if err != nil {
		lgr.Printf("[ERROR] failed to get decisions: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]interface{}{
		"decisions": entries,
		"count":     len(entries),
	})
}

// renderJSON sends JSON response
func renderJSON(w http.ResponseWriter, _ *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			lgr.Printf("[ERROR] can't encode response to JSON: %v", err)
		}
	}
}

// renderError sends error response as JSON
func renderError(w http.ResponseWriter, r *http.Request, err error, code int) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	renderJSON(w, r, code, map[string]string{"error": errMsg})
}
