// Package httpdebug exposes a read-only diagnostics router over PCM state:
// cached peer connections, connect-race latency, and outstanding waits.
// Narrowed from the teacher's APIHandler down to introspection only — the
// search/download/room surface belongs to the excluded client facade.
package httpdebug

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"slskpeer/pcm"
)

// New builds a chi router serving read-only diagnostics for m. Grounded on
// api.NewAPIHandler + the chi mux wiring in the teacher's cmd/main.go,
// narrowed to GET-only introspection endpoints.
func New(m *pcm.Manager, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{manager: m, logger: logger}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, req)
			logger.Debug("httpdebug request", "path", req.URL.Path, "elapsed", time.Since(start))
		})
	})
	r.Get("/stats", h.stats)
	r.Get("/peers", h.peers)
	r.Get("/waiters", h.waiters)
	return r
}

type handler struct {
	manager *pcm.Manager
	logger  *slog.Logger
}

func (h *handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("httpdebug encode failed", "error", err)
	}
}

// stats reports the connect-race latency distribution.
func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.manager.RaceStats())
}

// peers lists usernames with a currently live cached message connection.
func (h *handler) peers(w http.ResponseWriter, r *http.Request) {
	usernames := h.manager.Peers()
	details := make([]peerDetail, 0, len(usernames))
	for _, username := range usernames {
		mc := h.manager.Peek(username)
		if mc == nil {
			continue
		}
		details = append(details, peerDetail{
			Username: username,
			Remote:   mc.Connection().Remote(),
			Path:     mc.Connection().Path().String(),
		})
	}
	h.writeJSON(w, details)
}

type peerDetail struct {
	Username string `json:"username"`
	Remote   string `json:"remote"`
	Path     string `json:"path"`
}

// waiters lists wait keys PCM currently has outstanding.
func (h *handler) waiters(w http.ResponseWriter, r *http.Request) {
	keys := h.manager.PendingWaits()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	h.writeJSON(w, out)
}
