// Package api implements the HTTP API. Handlers take the wired server
// and return http.Handlers; all responses are JSON except the SSE job
// streams.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/karstenhoffmann/nexus-os/internal/server"
	"github.com/karstenhoffmann/nexus-os/pkg/jobs"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// decodeJSON reads the request body into v. An empty body leaves v at its
// zero value so optional request payloads stay optional.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// parseID parses a positive integer path segment.
func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// pathTail strips prefix from the request path and returns the remaining
// segments, without empty entries from trailing slashes.
func pathTail(r *http.Request, prefix string) []string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// queryInt reads an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// queryBool reads a boolean query parameter, falling back to def when the
// parameter is absent or malformed.
func queryBool(r *http.Request, key string, def bool) bool {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

// respondJobError maps job-control failures onto HTTP statuses: unknown
// jobs are 404, conflicting state (already active, wrong status for the
// transition) is 409.
func respondJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case strings.Contains(err.Error(), "already active"),
		strings.Contains(err.Error(), "cannot"):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusBadRequest, err.Error())
	}
}

// jobIDRequest is the common body for pause/resume/cancel calls. The id may
// also arrive as a job_id query parameter.
type jobIDRequest struct {
	JobID string `json:"job_id"`
}

func jobIDFromRequest(r *http.Request) string {
	if id := r.URL.Query().Get("job_id"); id != "" {
		return id
	}
	var req jobIDRequest
	_ = decodeJSON(r, &req)
	return req.JobID
}

// activeJobID resolves an explicit id, falling back to the active job of
// the kind.
func activeJobID(srv *server.Server, kind jobs.Kind, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if active := srv.Jobs.Active(kind); active != nil {
		return active.ID, nil
	}
	return "", jobs.ErrJobNotFound
}
