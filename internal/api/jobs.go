package api

import (
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/karstenhoffmann/nexus-os/internal/server"
	"github.com/karstenhoffmann/nexus-os/pkg/fetcher"
	"github.com/karstenhoffmann/nexus-os/pkg/jobs"
)

// JobsHandler lists every known job, newest first.
//
// GET /api/jobs
func JobsHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"jobs": srv.Jobs.List()})
	})
}

// jobSubRoute splits a job route into its operation and optional explicit
// job id: both "status" and "{job_id}/status" forms are accepted.
func jobSubRoute(parts []string) (op, id string, ok bool) {
	switch len(parts) {
	case 1:
		return parts[0], "", true
	case 2:
		return parts[1], parts[0], true
	default:
		return "", "", false
	}
}

// jobStatus responds with the snapshot of the requested or active job.
func jobStatus(srv *server.Server, kind jobs.Kind, w http.ResponseWriter, r *http.Request, explicitID string) {
	if explicitID == "" {
		explicitID = r.URL.Query().Get("job_id")
	}
	id, err := activeJobID(srv, kind, explicitID)
	if err != nil {
		respondError(w, http.StatusNotFound, "no "+string(kind)+" job")
		return
	}
	job, err := srv.Jobs.Get(id)
	if err != nil {
		respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job.Snapshot())
}

// jobStream attaches an SSE stream to the requested or active job.
func jobStream(srv *server.Server, kind jobs.Kind, w http.ResponseWriter, r *http.Request, explicitID string) {
	if explicitID == "" {
		explicitID = r.URL.Query().Get("job_id")
	}
	id, err := activeJobID(srv, kind, explicitID)
	if err != nil {
		respondError(w, http.StatusNotFound, "no "+string(kind)+" job")
		return
	}
	job, err := srv.Jobs.Get(id)
	if err != nil {
		respondJobError(w, err)
		return
	}
	streamJob(w, r, srv.Logger, job)
}

func respondJob(w http.ResponseWriter, job *jobs.Job, err error) {
	if err != nil {
		respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job.Snapshot())
}

type importStartRequest struct {
	// UpdatedAfter narrows the import to records changed since this
	// RFC3339 timestamp. Empty means everything (or the job's saved
	// cursor on resume).
	UpdatedAfter string `json:"updated_after"`
	JobID        string `json:"job_id"`
}

func (req importStartRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.UpdatedAfter, validation.Date("2006-01-02T15:04:05Z07:00")),
	)
}

// ImportHandler controls the reading-service import job. Status and
// stream also accept the /api/import/{job_id}/status path form, and the
// whole surface is mirrored under /readwise/import.
//
// POST /api/import/start
// POST /api/import/pause
// POST /api/import/resume
// POST /api/import/cancel
// GET  /api/import/status?job_id=
// GET  /api/import/stream?job_id=
func ImportHandler(srv *server.Server, prefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, explicitID, ok := jobSubRoute(pathTail(r, prefix))
		if !ok {
			respondError(w, http.StatusNotFound, "not found")
			return
		}

		switch op {
		case "status":
			jobStatus(srv, jobs.KindImport, w, r, explicitID)
			return
		case "stream":
			jobStream(srv, jobs.KindImport, w, r, explicitID)
			return
		}
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		switch op {
		case "start":
			var req importStartRequest
			if err := decodeJSON(r, &req); err != nil {
				respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
			if err := req.Validate(); err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			job, err := srv.Import.Start(r.Context(), req.UpdatedAfter)
			respondJob(w, job, err)
		case "resume":
			var req importStartRequest
			_ = decodeJSON(r, &req)
			id := explicitID
			if id == "" {
				id = req.JobID
			}
			job, err := srv.Import.Resume(r.Context(), id, req.UpdatedAfter)
			respondJob(w, job, err)
		case "pause":
			controlJob(srv, jobs.KindImport, w, r, explicitID, srv.Import.Pause)
		case "cancel":
			controlJob(srv, jobs.KindImport, w, r, explicitID, func(id string) error {
				return srv.Import.Cancel(r.Context(), id)
			})
		default:
			respondError(w, http.StatusNotFound, "not found")
		}
	})
}

// requestJobID prefers the id from the path, then the query or body.
func requestJobID(r *http.Request, explicitID string) string {
	if explicitID != "" {
		return explicitID
	}
	return jobIDFromRequest(r)
}

// controlJob resolves the target job id and applies a pause/cancel style
// control, answering with the job's fresh snapshot.
func controlJob(srv *server.Server, kind jobs.Kind, w http.ResponseWriter, r *http.Request, explicitID string, apply func(id string) error) {
	id, err := activeJobID(srv, kind, requestJobID(r, explicitID))
	if err != nil {
		respondError(w, http.StatusNotFound, "no active "+string(kind)+" job")
		return
	}
	if err := apply(id); err != nil {
		respondJobError(w, err)
		return
	}
	job, err := srv.Jobs.Get(id)
	if err != nil {
		respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job.Snapshot())
}

type fetchRetryRequest struct {
	// Kinds limits which failure kinds get cleared; empty means every
	// retriable kind.
	Kinds []string `json:"kinds"`
}

// FetchHandler controls the fulltext fetch job and its failure ledger.
//
// POST /api/fetch/start
// POST /api/fetch/pause
// POST /api/fetch/resume
// POST /api/fetch/cancel
// GET  /api/fetch/status?job_id=
// GET  /api/fetch/stream?job_id=
// GET  /api/fetch/stats
// GET  /api/fetch/failures
// POST /api/fetch/retry-failed
func FetchHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, explicitID, ok := jobSubRoute(pathTail(r, "/api/fetch"))
		if !ok {
			respondError(w, http.StatusNotFound, "not found")
			return
		}

		switch op {
		case "status":
			jobStatus(srv, jobs.KindFetch, w, r, explicitID)
			return
		case "stream":
			jobStream(srv, jobs.KindFetch, w, r, explicitID)
			return
		case "stats":
			if r.Method != http.MethodGet {
				respondError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			stats, err := srv.Store.GetFetchStats(r.Context())
			if err != nil {
				srv.Logger.Error("fetch stats", "error", err)
				respondError(w, http.StatusInternalServerError, "fetch stats failed")
				return
			}
			respondJSON(w, http.StatusOK, stats)
			return
		case "failures":
			if r.Method != http.MethodGet {
				respondError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			failures, err := srv.Store.ListFetchFailures(r.Context())
			if err != nil {
				srv.Logger.Error("list fetch failures", "error", err)
				respondError(w, http.StatusInternalServerError, "list failures failed")
				return
			}
			byKind := make(map[string]int)
			for _, f := range failures {
				byKind[f.ErrorType]++
			}
			respondJSON(w, http.StatusOK, map[string]any{
				"failures": failures,
				"by_kind":  byKind,
			})
			return
		}
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		switch op {
		case "start":
			job, err := srv.Fetch.Start(r.Context())
			respondJob(w, job, err)
		case "resume":
			job, err := srv.Fetch.Resume(r.Context(), requestJobID(r, explicitID))
			respondJob(w, job, err)
		case "pause":
			controlJob(srv, jobs.KindFetch, w, r, explicitID, srv.Fetch.Pause)
		case "cancel":
			controlJob(srv, jobs.KindFetch, w, r, explicitID, func(id string) error {
				return srv.Fetch.Cancel(r.Context(), id)
			})
		case "retry-failed":
			var req fetchRetryRequest
			if err := decodeJSON(r, &req); err != nil {
				respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
			kinds := req.Kinds
			if len(kinds) == 0 {
				kinds = fetcher.RetriableKinds()
			}
			cleared, err := srv.Store.ClearRetriableFailures(r.Context(), kinds)
			if err != nil {
				srv.Logger.Error("clear fetch failures", "error", err)
				respondError(w, http.StatusInternalServerError, "clear failures failed")
				return
			}
			respondJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
		default:
			respondError(w, http.StatusNotFound, "not found")
		}
	})
}

type embedStartRequest struct {
	// Confirm acknowledges the estimated cost when confirmation is
	// required.
	Confirm bool   `json:"confirm"`
	JobID   string `json:"job_id"`
}

// EmbedHandler controls the embedding job and its bookkeeping.
//
// POST /api/embed/start
// POST /api/embed/pause
// POST /api/embed/resume
// POST /api/embed/cancel
// GET  /api/embed/status?job_id=
// GET  /api/embed/stream?job_id=
// GET  /api/embed/estimate
// GET  /api/embed/stats
// POST /api/embed/cleanup-orphans
func EmbedHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, explicitID, ok := jobSubRoute(pathTail(r, "/api/embed"))
		if !ok {
			respondError(w, http.StatusNotFound, "not found")
			return
		}

		switch op {
		case "status":
			jobStatus(srv, jobs.KindEmbed, w, r, explicitID)
			return
		case "stream":
			jobStream(srv, jobs.KindEmbed, w, r, explicitID)
			return
		case "estimate":
			if r.Method != http.MethodGet {
				respondError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			est, err := srv.Embed.Estimate(r.Context())
			if err != nil {
				srv.Logger.Error("embed estimate", "error", err)
				respondError(w, http.StatusInternalServerError, "estimate failed")
				return
			}
			respondJSON(w, http.StatusOK, est)
			return
		case "stats":
			if r.Method != http.MethodGet {
				respondError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			stats, err := srv.Store.GetEmbedStats(r.Context(), srv.Embedder.Name(), srv.Embedder.ModelID())
			if err != nil {
				srv.Logger.Error("embed stats", "error", err)
				respondError(w, http.StatusInternalServerError, "stats failed")
				return
			}
			respondJSON(w, http.StatusOK, stats)
			return
		}
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		switch op {
		case "start":
			var req embedStartRequest
			if err := decodeJSON(r, &req); err != nil {
				respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
			job, err := srv.Embed.Start(r.Context(), req.Confirm)
			var confirm *jobs.CostConfirmError
			if errors.As(err, &confirm) {
				respondJSON(w, http.StatusConflict, map[string]any{
					"error":    "cost confirmation required",
					"estimate": confirm.Estimate,
				})
				return
			}
			respondJob(w, job, err)
		case "resume":
			job, err := srv.Embed.Resume(r.Context(), requestJobID(r, explicitID))
			respondJob(w, job, err)
		case "pause":
			controlJob(srv, jobs.KindEmbed, w, r, explicitID, srv.Embed.Pause)
		case "cancel":
			controlJob(srv, jobs.KindEmbed, w, r, explicitID, func(id string) error {
				return srv.Embed.Cancel(r.Context(), id)
			})
		case "cleanup-orphans":
			removed, err := srv.Store.CleanupOrphanVectors(r.Context())
			if err != nil {
				srv.Logger.Error("cleanup orphan vectors", "error", err)
				respondError(w, http.StatusInternalServerError, "cleanup failed")
				return
			}
			respondJSON(w, http.StatusOK, map[string]any{"removed": removed})
		default:
			respondError(w, http.StatusNotFound, "not found")
		}
	})
}

type pipelineStartRequest struct {
	// ConfirmCost pre-approves the embedding spend so the pipeline does
	// not pause at the embed phase.
	ConfirmCost bool   `json:"confirm_cost"`
	JobID       string `json:"job_id"`
}

// PipelineHandler controls the full import-chunk-embed-index pipeline.
//
// POST /api/pipeline/start
// POST /api/pipeline/pause
// POST /api/pipeline/resume
// POST /api/pipeline/cancel
// GET  /api/pipeline/status?job_id=
// GET  /api/pipeline/stream?job_id=
func PipelineHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, explicitID, ok := jobSubRoute(pathTail(r, "/api/pipeline"))
		if !ok {
			respondError(w, http.StatusNotFound, "not found")
			return
		}

		switch op {
		case "status":
			jobStatus(srv, jobs.KindPipeline, w, r, explicitID)
			return
		case "stream":
			jobStream(srv, jobs.KindPipeline, w, r, explicitID)
			return
		}
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		switch op {
		case "start":
			var req pipelineStartRequest
			if err := decodeJSON(r, &req); err != nil {
				respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
			job, err := srv.Pipeline.Start(r.Context(), req.ConfirmCost)
			respondJob(w, job, err)
		case "resume":
			id, err := activeJobID(srv, jobs.KindPipeline, requestJobID(r, explicitID))
			if err != nil {
				respondError(w, http.StatusNotFound, "no pipeline job")
				return
			}
			job, err := srv.Pipeline.Resume(id)
			respondJob(w, job, err)
		case "pause":
			controlJob(srv, jobs.KindPipeline, w, r, explicitID, srv.Pipeline.Pause)
		case "cancel":
			controlJob(srv, jobs.KindPipeline, w, r, explicitID, srv.Pipeline.Cancel)
		default:
			respondError(w, http.StatusNotFound, "not found")
		}
	})
}
