package api

import (
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/karstenhoffmann/nexus-os/internal/server"
	"github.com/karstenhoffmann/nexus-os/pkg/digest"
	"github.com/karstenhoffmann/nexus-os/pkg/jobs"
	"github.com/karstenhoffmann/nexus-os/pkg/llm"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

const defaultDigestListLimit = 20

type digestStartRequest struct {
	// Days is the lookback window; zero takes the default week.
	Days int `json:"days"`

	// Name overrides the generated digest name.
	Name string `json:"name"`

	// Strategy overrides the configured clustering strategy.
	Strategy string `json:"strategy"`
}

func (req digestStartRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Days, validation.Min(0), validation.Max(365)),
		validation.Field(&req.Name, validation.Length(0, 200)),
		validation.Field(&req.Strategy,
			validation.In(digest.StrategyHybrid, digest.StrategyPureLLM)),
	)
}

func (req digestStartRequest) options() digest.Options {
	return digest.Options{Days: req.Days, Name: req.Name, Strategy: req.Strategy}
}

// DigestHandler runs and observes digest generation jobs.
//
// POST /api/digest/start
// GET  /api/digest/status?job_id=
// GET  /api/digest/stream?job_id=
func DigestHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, explicitID, ok := jobSubRoute(pathTail(r, "/api/digest"))
		if !ok {
			respondError(w, http.StatusNotFound, "not found")
			return
		}

		switch op {
		case "status":
			jobStatus(srv, jobs.KindDigest, w, r, explicitID)
		case "stream":
			jobStream(srv, jobs.KindDigest, w, r, explicitID)
		case "start":
			if r.Method != http.MethodPost {
				respondError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			var req digestStartRequest
			if err := decodeJSON(r, &req); err != nil {
				respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
			if err := req.Validate(); err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			if srv.Digest == nil {
				respondError(w, http.StatusServiceUnavailable, "no chat provider configured")
				return
			}
			job, err := srv.Digest.Start(r.Context(), req.options())
			respondJob(w, job, err)
		default:
			respondError(w, http.StatusNotFound, "not found")
		}
	})
}

// DigestsHandler reads stored digests.
//
// GET    /api/digests?limit=
// GET    /api/digests/estimate?days=
// GET    /api/digests/{id}
// DELETE /api/digests/{id}
func DigestsHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := pathTail(r, "/api/digests")

		switch {
		case len(parts) == 0:
			if r.Method != http.MethodGet {
				respondError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			limit := queryInt(r, "limit", defaultDigestListLimit)
			digests, err := srv.Store.ListDigests(r.Context(), limit)
			if err != nil {
				srv.Logger.Error("list digests", "error", err)
				respondError(w, http.StatusInternalServerError, "list digests failed")
				return
			}
			respondJSON(w, http.StatusOK, map[string]any{"digests": digests})

		case len(parts) == 1 && parts[0] == "generate":
			// Start a digest and stream its events in the same response.
			if r.Method != http.MethodPost {
				respondError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			var req digestStartRequest
			if err := decodeJSON(r, &req); err != nil {
				respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
			if err := req.Validate(); err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			if srv.Digest == nil {
				respondError(w, http.StatusServiceUnavailable, "no chat provider configured")
				return
			}
			job, err := srv.Digest.Start(r.Context(), req.options())
			if err != nil {
				respondJobError(w, err)
				return
			}
			streamJob(w, r, srv.Logger, job)

		case len(parts) == 1 && parts[0] == "estimate":
			if r.Method != http.MethodGet {
				respondError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if srv.Digest == nil {
				respondError(w, http.StatusServiceUnavailable, "no chat provider configured")
				return
			}
			est, err := srv.Digest.Estimate(r.Context(), queryInt(r, "days", 0))
			if err != nil {
				srv.Logger.Error("digest estimate", "error", err)
				respondError(w, http.StatusInternalServerError, "estimate failed")
				return
			}
			// model= reprices the same chunk count for a different model.
			if model := r.URL.Query().Get("model"); model != "" && model != est.Model {
				in, out, cost, merr := llm.EstimateDigestCost(model, est.Chunks)
				if merr != nil {
					respondError(w, http.StatusBadRequest, merr.Error())
					return
				}
				est.Model, est.TokensInput, est.TokensOutput, est.EstimatedCost = model, in, out, cost
			}
			respondJSON(w, http.StatusOK, est)

		case len(parts) == 1:
			id, err := parseID(parts[0])
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid digest id")
				return
			}
			switch r.Method {
			case http.MethodGet:
				d, err := srv.Store.GetDigest(r.Context(), id)
				if errors.Is(err, store.ErrNotFound) {
					respondError(w, http.StatusNotFound, "digest not found")
					return
				}
				if err != nil {
					srv.Logger.Error("get digest", "id", id, "error", err)
					respondError(w, http.StatusInternalServerError, "get digest failed")
					return
				}
				respondJSON(w, http.StatusOK, d)
			case http.MethodDelete:
				if err := srv.Store.DeleteDigest(r.Context(), id); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						respondError(w, http.StatusNotFound, "digest not found")
						return
					}
					srv.Logger.Error("delete digest", "id", id, "error", err)
					respondError(w, http.StatusInternalServerError, "delete digest failed")
					return
				}
				respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
			default:
				respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			}

		default:
			respondError(w, http.StatusNotFound, "not found")
		}
	})
}
