package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/karstenhoffmann/nexus-os/pkg/fetcher"
	"github.com/karstenhoffmann/nexus-os/pkg/readwise"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

const (
	defaultImportProgress = 10

	// importErrorCap bounds how many per-item errors land in the job row.
	importErrorCap = 10
)

// ImportConfig configures an ImportManager.
type ImportConfig struct {
	Store    *store.Store
	Client   *readwise.Client
	Registry *Registry
	Logger   hclog.Logger

	// Fetcher extracts inline HTML content delivered with reader records.
	// Optional; without it inline content is left for the fetch job.
	Fetcher *fetcher.Fetcher

	// ProgressEvery emits a progress event each N processed items.
	ProgressEvery int
}

// ImportManager runs reading-service imports in two phases: the reader
// list (documents with inline content) and the highlight export (books
// with nested highlights). Both phases keep their own cursor so an
// interrupted import resumes mid-phase.
type ImportManager struct {
	store    *store.Store
	client   *readwise.Client
	registry *Registry
	fetcher  *fetcher.Fetcher
	logger   hclog.Logger

	progress int
}

// NewImportManager builds an ImportManager.
func NewImportManager(cfg ImportConfig) *ImportManager {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = defaultImportProgress
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &ImportManager{
		store:    cfg.Store,
		client:   cfg.Client,
		registry: cfg.Registry,
		fetcher:  cfg.Fetcher,
		logger:   cfg.Logger.Named("import-job"),
		progress: cfg.ProgressEvery,
	}
}

// Start launches a new import job. updatedAfter narrows the import to
// records changed since that instant; empty means a full import.
func (m *ImportManager) Start(ctx context.Context, updatedAfter string) (*Job, error) {
	if active := m.registry.Active(KindImport); active != nil {
		return nil, fmt.Errorf("import job %s is already active", active.ID)
	}

	job := NewJob(KindImport)
	now := time.Now().UTC().Format(time.RFC3339)
	row := &store.ImportJobRow{
		ID:           job.ID,
		Status:       string(StatusPending),
		StartedAt:    now,
		LastActivity: now,
	}
	if err := m.store.SaveImportJob(ctx, row); err != nil {
		return nil, err
	}

	m.registry.Add(job)
	go m.run(job, row, updatedAfter)
	return job, nil
}

// Resume continues a paused or failed import job. An empty id picks the
// most recently active resumable job.
func (m *ImportManager) Resume(ctx context.Context, jobID, updatedAfter string) (*Job, error) {
	if active := m.registry.Active(KindImport); active != nil && active.Status() == StatusRunning {
		return nil, fmt.Errorf("import job %s is already running", active.ID)
	}
	if jobID == "" {
		id, err := m.store.GetResumableJobID(ctx, "import_jobs")
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
		return nil, fmt.Errorf("import job %s is %s, not resumable", jobID, row.Status)
	}

	job, err := m.registry.Get(jobID)
	if err != nil {
		job = RestoreJob(jobID, KindImport, Status(row.Status))
		m.registry.Add(job)
	}

	job.Publish(EventResumed, map[string]any{
		"items_imported": row.ItemsImported, "items_merged": row.ItemsMerged})
	go m.run(job, row, updatedAfter)
	return job, nil
}

// Pause asks the running import job to stop at its next checkpoint.
func (m *ImportManager) Pause(jobID string) error {
	job, err := m.registry.Get(jobID)
	if err != nil {
		return err
	}
	return job.RequestPause()
}

// Cancel stops an import job for good.
func (m *ImportManager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.registry.Get(jobID)
	if err != nil {
		return err
	}
	immediate, err := job.RequestCancel()
	if err != nil {
		return err
	}
	if immediate {
		if row, loadErr := m.loadRow(ctx, jobID); loadErr == nil {
			row.Status = string(StatusCancelled)
			m.saveRow(ctx, row)
		}
		job.Publish(EventCancelled, nil)
		job.Finish(StatusCancelled, "")
	}
	return nil
}

func (m *ImportManager) loadRow(ctx context.Context, jobID string) (*store.ImportJobRow, error) {
	rows, err := m.store.LoadOpenImportJobs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].ID == jobID {
			return &rows[i], nil
		}
	}
	return nil, fmt.Errorf("import job %s: %w", jobID, store.ErrNotFound)
}

func (m *ImportManager) run(job *Job, row *store.ImportJobRow, updatedAfter string) {
	ctx := context.Background()

	job.MarkRunning()
	row.Status = string(StatusRunning)
	m.saveRow(ctx, row)
	m.publishProgress(job, row, EventStarted)
	m.logger.Info("import job started", "job_id", job.ID, "updated_after", updatedAfter)

	stopped, err := m.pass(ctx, job, row, updatedAfter)
	if err != nil {
		m.fail(ctx, job, row, err)
		return
	}
	if stopped {
		switch job.controlRequested() {
		case ctrlCancel:
			m.publishProgress(job, row, EventCancelled)
			job.Finish(StatusCancelled, "")
			m.logger.Info("import job cancelled", "job_id", job.ID)
		default:
			m.publishProgress(job, row, EventPaused)
			job.Finish(StatusPaused, "")
			m.logger.Info("import job paused", "job_id", job.ID)
		}
		return
	}

	row.Status = string(StatusCompleted)
	m.saveRow(ctx, row)
	m.publishProgress(job, row, EventCompleted)
	job.Finish(StatusCompleted, "")
	m.logger.Info("import job completed", "job_id", job.ID,
		"imported", row.ItemsImported, "merged", row.ItemsMerged,
		"failed", row.ItemsFailed)
}

// pass runs both import phases until done or a control request arrives.
// On a control request the row is persisted with the matching status and
// pass returns stopped=true; the caller publishes the final events.
// Shared with the pipeline's import phase.
func (m *ImportManager) pass(ctx context.Context, job *Job, row *store.ImportJobRow, updatedAfter string) (stopped bool, err error) {
	var itemErrs *multierror.Error

	for !row.ReaderDone {
		if stop := m.persistControl(ctx, job, row); stop {
			return true, nil
		}
		page, err := m.client.ListReaderDocuments(ctx, row.ReaderCursor, updatedAfter)
		if err != nil {
			return false, fmt.Errorf("list reader documents: %w", err)
		}
		if row.ItemsTotal == 0 {
			row.ItemsTotal = page.TotalCount
		}

		for _, record := range page.Results {
			if stop := m.persistControl(ctx, job, row); stop {
				return true, nil
			}
			if err := m.importReaderRecord(ctx, job, row, record); err != nil {
				row.ItemsFailed++
				if itemErrs == nil || itemErrs.Len() < importErrorCap {
					itemErrs = multierror.Append(itemErrs, err)
				}
				job.Publish(EventItemFailed, map[string]any{"error": err.Error()})
			}
			m.maybeProgress(ctx, job, row)
		}

		row.ReaderCursor = page.NextCursor
		if page.NextCursor == "" {
			row.ReaderDone = true
		}
		m.saveRow(ctx, row)
	}

	for !row.ExportDone {
		if stop := m.persistControl(ctx, job, row); stop {
			return true, nil
		}
		page, err := m.client.ExportHighlights(ctx, row.ExportCursor, updatedAfter)
		if err != nil {
			return false, fmt.Errorf("export highlights: %w", err)
		}

		for _, record := range page.Results {
			if stop := m.persistControl(ctx, job, row); stop {
				return true, nil
			}
			if err := m.importExportRecord(ctx, job, row, record); err != nil {
				row.ItemsFailed++
				if itemErrs == nil || itemErrs.Len() < importErrorCap {
					itemErrs = multierror.Append(itemErrs, err)
				}
				job.Publish(EventItemFailed, map[string]any{"error": err.Error()})
			}
			m.maybeProgress(ctx, job, row)
		}

		row.ExportCursor = page.NextCursor
		if page.NextCursor == "" {
			row.ExportDone = true
		}
		m.saveRow(ctx, row)
	}

	if itemErrs != nil {
		row.Error = itemErrs.Error()
		m.saveRow(ctx, row)
	}
	return false, nil
}

// importReaderRecord stores one reader-phase document. Child records
// (notes and highlights the reader attaches to a parent document) are
// skipped; the export phase carries the real highlights.
func (m *ImportManager) importReaderRecord(ctx context.Context, job *Job, row *store.ImportJobRow, record map[string]any) error {
	doc, err := readwise.DecodeReaderDocument(record)
	if err != nil {
		return err
	}
	if doc.ParentID != "" {
		return nil
	}

	bestURL := doc.BestURL()
	d := &store.Document{
		Source:      "readwise",
		ProviderID:  doc.ID,
		URLOriginal: bestURL,
		Title:       doc.Title,
		Author:      doc.Author,
		PublishedAt: doc.PublishedDate,
		SavedAt:     doc.SavedAt,
		Category:    readwise.NormalizeCategory(doc.Category, bestURL),
		WordCount:   doc.WordCount,
		Summary:     doc.Summary,
		RawJSON:     readwise.RawJSON(record),
	}
	id, merged, err := m.store.SaveDocument(ctx, d)
	if err != nil {
		return fmt.Errorf("save document %s: %w", doc.ID, err)
	}
	if merged {
		row.ItemsMerged++
	} else {
		row.ItemsImported++
	}

	// Inline HTML saves a later fetch round-trip when it extracts cleanly.
	if doc.HTMLContent != "" && m.fetcher != nil {
		if res := m.fetcher.ExtractHTML(bestURL, doc.HTMLContent); res.OK() {
			if err := m.store.SaveFulltext(ctx, id, res.Text, res.HTML, "reader"); err != nil {
				m.logger.Warn("save inline fulltext", "document_id", id, "error", err)
			}
		}
	}

	job.Publish(EventItemSuccess, map[string]any{
		"document_id": id, "title": doc.Title, "merged": merged})
	return nil
}

// importExportRecord stores one export-phase book and its highlights.
// URL dedup folds books into reader-phase rows for the same page.
func (m *ImportManager) importExportRecord(ctx context.Context, job *Job, row *store.ImportJobRow, record map[string]any) error {
	book, err := readwise.DecodeExportBook(record)
	if err != nil {
		return err
	}

	bestURL := book.BestURL()
	d := &store.Document{
		Source:      "readwise",
		ProviderID:  fmt.Sprintf("book-%d", book.UserBookID),
		URLOriginal: bestURL,
		Title:       book.Title,
		Author:      book.Author,
		Category:    readwise.NormalizeCategory(book.Category, bestURL),
		RawJSON:     readwise.RawJSON(record),
	}
	id, merged, err := m.store.SaveDocument(ctx, d)
	if err != nil {
		return fmt.Errorf("save book %d: %w", book.UserBookID, err)
	}
	if merged {
		row.ItemsMerged++
	} else {
		row.ItemsImported++
	}

	for _, h := range book.Highlights {
		_, _, err := m.store.SaveHighlight(ctx, &store.Highlight{
			DocumentID:          id,
			ProviderHighlightID: fmt.Sprintf("%d", h.ID),
			Text:                h.Text,
			Note:                h.Note,
			HighlightedAt:       h.HighlightedAt,
			Provider:            "readwise",
		})
		if err != nil {
			return fmt.Errorf("save highlight %d: %w", h.ID, err)
		}
	}

	job.Publish(EventItemSuccess, map[string]any{
		"document_id": id, "title": book.Title, "merged": merged,
		"highlights": len(book.Highlights)})
	return nil
}

// persistControl persists the row with the requested pause or cancel
// status. Returns true when the runner must stop.
func (m *ImportManager) persistControl(ctx context.Context, job *Job, row *store.ImportJobRow) bool {
	switch job.controlRequested() {
	case ctrlPause:
		row.Status = string(StatusPaused)
		m.saveRow(ctx, row)
		return true
	case ctrlCancel:
		row.Status = string(StatusCancelled)
		m.saveRow(ctx, row)
		return true
	}
	return false
}

func (m *ImportManager) maybeProgress(ctx context.Context, job *Job, row *store.ImportJobRow) {
	processed := row.ItemsImported + row.ItemsMerged + row.ItemsFailed
	if processed > 0 && processed%m.progress == 0 {
		m.publishProgress(job, row, EventProgress)
		m.saveRow(ctx, row)
	}
}

func (m *ImportManager) fail(ctx context.Context, job *Job, row *store.ImportJobRow, err error) {
	row.Status = string(StatusFailed)
	row.Error = err.Error()
	m.saveRow(ctx, row)
	job.Publish(EventFailed, map[string]any{"error": err.Error()})
	job.Finish(StatusFailed, err.Error())
	m.logger.Error("import job failed", "job_id", job.ID, "error", err)
}

func (m *ImportManager) saveRow(ctx context.Context, row *store.ImportJobRow) {
	row.LastActivity = time.Now().UTC().Format(time.RFC3339)
	if err := m.store.SaveImportJob(ctx, row); err != nil {
		m.logger.Error("persist import job", "job_id", row.ID, "error", err)
	}
}

func (m *ImportManager) publishProgress(job *Job, row *store.ImportJobRow, eventType string) {
	p := map[string]any{
		"items_imported": row.ItemsImported,
		"items_merged":   row.ItemsMerged,
		"items_failed":   row.ItemsFailed,
		"items_total":    row.ItemsTotal,
	}
	job.SetProgress(p)
	job.Publish(eventType, p)
}
