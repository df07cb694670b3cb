package jobs

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/karstenhoffmann/nexus-os/pkg/fetcher"
	"github.com/karstenhoffmann/nexus-os/pkg/fetcher/ratelimit"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

const (
	defaultFetchBatch    = 10
	defaultFetchProgress = 5
)

// FetchConfig configures a FetchManager. Zero values take the defaults.
type FetchConfig struct {
	Store    *store.Store
	Fetcher  *fetcher.Fetcher
	Limiter  *ratelimit.Limiter
	Registry *Registry
	Logger   hclog.Logger

	// BatchSize is how many candidates to load per store query.
	BatchSize int

	// ProgressEvery emits a progress event each N processed items.
	ProgressEvery int
}

// FetchManager runs content-fetch jobs: it walks documents without
// fulltext, downloads and extracts each one, and records failures so they
// are not retried blindly.
type FetchManager struct {
	store    *store.Store
	fetcher  *fetcher.Fetcher
	limiter  *ratelimit.Limiter
	registry *Registry
	logger   hclog.Logger

	batch    int
	progress int
}

// NewFetchManager builds a FetchManager.
func NewFetchManager(cfg FetchConfig) *FetchManager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultFetchBatch
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = defaultFetchProgress
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &FetchManager{
		store:    cfg.Store,
		fetcher:  cfg.Fetcher,
		limiter:  cfg.Limiter,
		registry: cfg.Registry,
		logger:   cfg.Logger.Named("fetch-job"),
		batch:    cfg.BatchSize,
		progress: cfg.ProgressEvery,
	}
}

// Start launches a new fetch job. Only one fetch job runs at a time.
func (m *FetchManager) Start(ctx context.Context) (*Job, error) {
	if active := m.registry.Active(KindFetch); active != nil {
		return nil, fmt.Errorf("fetch job %s is already active", active.ID)
	}

	job := NewJob(KindFetch)
	now := time.Now().UTC().Format(time.RFC3339)
	row := &store.FetchJobRow{
		ID:           job.ID,
		Status:       string(StatusPending),
		StartedAt:    now,
		LastActivity: now,
	}
	if err := m.store.SaveFetchJob(ctx, row); err != nil {
		return nil, err
	}

	m.registry.Add(job)
	go m.run(job, row)
	return job, nil
}

// Resume continues a paused or failed fetch job. An empty id picks the
// most recently active resumable job.
func (m *FetchManager) Resume(ctx context.Context, jobID string) (*Job, error) {
	if active := m.registry.Active(KindFetch); active != nil && active.Status() == StatusRunning {
		return nil, fmt.Errorf("fetch job %s is already running", active.ID)
	}
	if jobID == "" {
		id, err := m.store.GetResumableJobID(ctx, "fetch_jobs")
		if err != nil {
			return nil, err
		}
		jobID = id
	}

	row, err := m.loadRow(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if s := Status(row.Status); s != StatusPaused && s != StatusFailed {
		return nil, fmt.Errorf("fetch job %s is %s, not resumable", jobID, row.Status)
	}

	job, err := m.registry.Get(jobID)
	if err != nil {
		job = RestoreJob(jobID, KindFetch, Status(row.Status))
		m.registry.Add(job)
	}

	job.Publish(EventResumed, map[string]any{"items_processed": row.ItemsProcessed})
	go m.run(job, row)
	return job, nil
}

// Pause asks the running fetch job to stop at its next checkpoint.
func (m *FetchManager) Pause(jobID string) error {
	job, err := m.registry.Get(jobID)
	if err != nil {
		return err
	}
	return job.RequestPause()
}

// Cancel stops a fetch job for good.
func (m *FetchManager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.registry.Get(jobID)
	if err != nil {
		return err
	}
	immediate, err := job.RequestCancel()
	if err != nil {
		return err
	}
	if immediate {
		row, loadErr := m.loadRow(ctx, jobID)
		if loadErr == nil {
			row.Status = string(StatusCancelled)
			row.LastActivity = time.Now().UTC().Format(time.RFC3339)
			_ = m.store.SaveFetchJob(ctx, row)
		}
		job.Publish(EventCancelled, nil)
		job.Finish(StatusCancelled, "")
	}
	return nil
}

func (m *FetchManager) loadRow(ctx context.Context, jobID string) (*store.FetchJobRow, error) {
	rows, err := m.store.LoadOpenFetchJobs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].ID == jobID {
			return &rows[i], nil
		}
	}
	return nil, fmt.Errorf("fetch job %s: %w", jobID, store.ErrNotFound)
}

func (m *FetchManager) run(job *Job, row *store.FetchJobRow) {
	ctx := context.Background()

	job.MarkRunning()
	row.Status = string(StatusRunning)
	m.saveRow(ctx, row)

	remaining, err := m.store.CountFetchCandidates(ctx)
	if err != nil {
		m.fail(ctx, job, row, err)
		return
	}
	row.ItemsTotal = remaining + row.ItemsProcessed
	m.publishProgress(job, row, EventStarted)
	m.logger.Info("fetch job started", "job_id", job.ID, "items_total", row.ItemsTotal)

	for {
		if m.checkpoint(ctx, job, row) {
			return
		}
		cands, err := m.store.ListFetchCandidates(ctx, row.CursorDocID, m.batch)
		if err != nil {
			m.fail(ctx, job, row, err)
			return
		}
		if len(cands) == 0 {
			break
		}

		for _, cand := range cands {
			if m.checkpoint(ctx, job, row) {
				return
			}
			m.fetchOne(ctx, job, row, cand)
			row.CursorDocID = cand.ID
			row.ItemsProcessed++
			if row.ItemsProcessed%m.progress == 0 {
				m.publishProgress(job, row, EventProgress)
				m.saveRow(ctx, row)
			}
		}
		m.saveRow(ctx, row)
	}

	row.Status = string(StatusCompleted)
	m.saveRow(ctx, row)
	m.publishProgress(job, row, EventCompleted)
	job.Finish(StatusCompleted, "")
	m.logger.Info("fetch job completed", "job_id", job.ID,
		"succeeded", row.ItemsSucceeded, "failed", row.ItemsFailed,
		"skipped", row.ItemsSkipped)
}

func (m *FetchManager) fetchOne(ctx context.Context, job *Job, row *store.FetchJobRow, cand store.FetchCandidate) {
	fetchURL := cand.URLOriginal
	if fetchURL == "" {
		fetchURL = cand.URLCanonical
	}
	host := ""
	if u, err := url.Parse(fetchURL); err == nil {
		host = u.Hostname()
	}

	// Domains that are known dead ends fail without a request.
	if kind := fetcher.Classify(fetchURL); kind != fetcher.KindNone {
		m.recordFailure(ctx, job, row, cand, &fetcher.Result{
			Kind: kind, Message: "domain blocked"})
		row.ItemsFailed++
		job.Publish(EventItemFailed, map[string]any{
			"document_id": cand.ID, "error_type": string(kind), "error": "domain blocked"})
		return
	}

	if host != "" {
		if err := m.limiter.Wait(ctx, host); err != nil {
			return
		}
	}

	res := m.fetcher.Fetch(ctx, fetchURL)
	if res.OK() {
		if err := m.store.SaveFulltext(ctx, cand.ID, res.Text, res.HTML, "readability"); err != nil {
			m.logger.Error("save fulltext", "document_id", cand.ID, "error", err)
			row.ItemsFailed++
			return
		}
		if host != "" {
			m.limiter.ReportSuccess(host)
		}
		row.ItemsSucceeded++
		job.Publish(EventItemSuccess, map[string]any{
			"document_id": cand.ID, "title": cand.Title, "chars": len(res.Text)})
		return
	}

	if host != "" && res.Kind.Retriable() {
		m.limiter.ReportFailure(host)
	}
	m.recordFailure(ctx, job, row, cand, res)
	row.ItemsFailed++
	job.Publish(EventItemFailed, map[string]any{
		"document_id": cand.ID, "error_type": string(res.Kind), "error": res.Message})
}

func (m *FetchManager) recordFailure(ctx context.Context, job *Job, row *store.FetchJobRow, cand store.FetchCandidate, res *fetcher.Result) {
	err := m.store.RecordFetchFailure(ctx, &store.FetchFailure{
		DocumentID:   cand.ID,
		URL:          cand.URLOriginal,
		ErrorType:    string(res.Kind),
		ErrorMessage: res.Message,
		HTTPStatus:   res.HTTPStatus,
		JobID:        job.ID,
	})
	if err != nil {
		m.logger.Error("record fetch failure", "document_id", cand.ID, "error", err)
	}
}

// checkpoint honors a pending pause or cancel request. Returns true when
// the runner must stop.
func (m *FetchManager) checkpoint(ctx context.Context, job *Job, row *store.FetchJobRow) bool {
	switch job.controlRequested() {
	case ctrlPause:
		row.Status = string(StatusPaused)
		m.saveRow(ctx, row)
		m.publishProgress(job, row, EventPaused)
		job.Finish(StatusPaused, "")
		m.logger.Info("fetch job paused", "job_id", job.ID,
			"items_processed", row.ItemsProcessed)
		return true
	case ctrlCancel:
		row.Status = string(StatusCancelled)
		m.saveRow(ctx, row)
		m.publishProgress(job, row, EventCancelled)
		job.Finish(StatusCancelled, "")
		m.logger.Info("fetch job cancelled", "job_id", job.ID)
		return true
	}
	return false
}

func (m *FetchManager) fail(ctx context.Context, job *Job, row *store.FetchJobRow, err error) {
	row.Status = string(StatusFailed)
	row.Error = err.Error()
	m.saveRow(ctx, row)
	job.Publish(EventFailed, map[string]any{"error": err.Error()})
	job.Finish(StatusFailed, err.Error())
	m.logger.Error("fetch job failed", "job_id", job.ID, "error", err)
}

func (m *FetchManager) saveRow(ctx context.Context, row *store.FetchJobRow) {
	row.LastActivity = time.Now().UTC().Format(time.RFC3339)
	if err := m.store.SaveFetchJob(ctx, row); err != nil {
		m.logger.Error("persist fetch job", "job_id", row.ID, "error", err)
	}
}

func (m *FetchManager) publishProgress(job *Job, row *store.FetchJobRow, eventType string) {
	p := map[string]any{
		"items_processed": row.ItemsProcessed,
		"items_succeeded": row.ItemsSucceeded,
		"items_failed":    row.ItemsFailed,
		"items_skipped":   row.ItemsSkipped,
		"items_total":     row.ItemsTotal,
	}
	job.SetProgress(p)
	job.Publish(eventType, p)
}
