package api

import (
	"net/http"

	"github.com/karstenhoffmann/nexus-os/internal/server"
)

// New builds the API router over the wired server.
func New(srv *server.Server) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/library", LibraryHandler(srv))
	mux.Handle("/api/documents/", DocumentsHandler(srv))
	mux.Handle("/api/search/", SearchHandler(srv))

	mux.Handle("/api/jobs", JobsHandler(srv))
	mux.Handle("/api/import/", ImportHandler(srv, "/api/import"))
	mux.Handle("/readwise/import/", ImportHandler(srv, "/readwise/import"))
	mux.Handle("/api/fetch/", FetchHandler(srv))
	mux.Handle("/api/embed/", EmbedHandler(srv))
	mux.Handle("/api/pipeline/", PipelineHandler(srv))

	mux.Handle("/api/digest/", DigestHandler(srv))
	mux.Handle("/api/digests", DigestsHandler(srv))
	mux.Handle("/api/digests/", DigestsHandler(srv))

	mux.Handle("/api/settings", SettingsHandler(srv))
	mux.Handle("/api/settings/", SettingsHandler(srv))
	mux.Handle("/api/prompts", PromptsHandler(srv))
	mux.Handle("/api/prompts/", PromptsHandler(srv))

	mux.Handle("/api/usage", UsageHandler(srv))
	mux.Handle("/api/usage/stats", UsageHandler(srv))
	mux.Handle("/api/providers/", ProvidersHandler(srv))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}
