package api

import (
	"net/http"
	"strings"

	"github.com/karstenhoffmann/nexus-os/internal/server"
)

// UsageHandler reports API usage and spend.
//
// GET /api/usage?period=today|week|month|all
func UsageHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		period := r.URL.Query().Get("period")
		if period == "" {
			period = "today"
		}
		stats, err := srv.Store.GetUsageStats(r.Context(), period)
		if err != nil {
			if strings.Contains(err.Error(), "unknown usage period") {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			srv.Logger.Error("usage stats", "period", period, "error", err)
			respondError(w, http.StatusInternalServerError, "usage stats failed")
			return
		}
		respondJSON(w, http.StatusOK, stats)
	})
}

// ProvidersHandler reports the health of the configured backends. The
// embedding provider gets a live round-trip; the chat provider is
// reported by configuration since a probe would cost tokens.
//
// GET /api/providers/health
func ProvidersHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		parts := pathTail(r, "/api/providers")
		if len(parts) != 1 || parts[0] != "health" {
			respondError(w, http.StatusNotFound, "not found")
			return
		}

		embed := srv.Embedder.HealthCheck(r.Context())

		chat := map[string]any{"configured": srv.Chat != nil}
		if srv.Chat != nil {
			chat["provider"] = srv.Chat.Name()
			chat["model"] = srv.Chat.ModelID()
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"embedding": embed,
			"chat":      chat,
		})
	})
}
