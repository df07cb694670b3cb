package store

import (
	"context"
	"database/sql"
	"fmt"
)

// FetchJobRow is the persisted state of a content-fetch job.
type FetchJobRow struct {
	ID             string
	Status         string
	CursorDocID    int64
	ItemsProcessed int
	ItemsSucceeded int
	ItemsFailed    int
	ItemsSkipped   int
	ItemsTotal     int
	StartedAt      string
	LastActivity   string
	Error          string
}

// SaveFetchJob upserts a fetch job row keyed by id.
func (s *Store) SaveFetchJob(ctx context.Context, j *FetchJobRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fetch_jobs (
			id, status, cursor_doc_id, items_processed, items_succeeded,
			items_failed, items_skipped, items_total, started_at,
			last_activity, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			cursor_doc_id = excluded.cursor_doc_id,
			items_processed = excluded.items_processed,
			items_succeeded = excluded.items_succeeded,
			items_failed = excluded.items_failed,
			items_skipped = excluded.items_skipped,
			items_total = excluded.items_total,
			last_activity = excluded.last_activity,
			error = excluded.error`,
		j.ID, j.Status, nullInt64(j.CursorDocID), j.ItemsProcessed,
		j.ItemsSucceeded, j.ItemsFailed, j.ItemsSkipped, nullInt(j.ItemsTotal),
		j.StartedAt, j.LastActivity, nullString(j.Error))
	if err != nil {
		return fmt.Errorf("save fetch job %s: %w", j.ID, err)
	}
	return nil
}

// LoadOpenFetchJobs returns fetch jobs that could still run: anything not
// completed or cancelled, failed included since failed jobs are resumable.
// Jobs found in "running" were interrupted by a restart and come back as
// "paused".
func (s *Store) LoadOpenFetchJobs(ctx context.Context) ([]FetchJobRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, COALESCE(cursor_doc_id, 0), items_processed,
		       items_succeeded, items_failed, items_skipped,
		       COALESCE(items_total, 0), started_at, last_activity,
		       COALESCE(error, '')
		FROM fetch_jobs
		WHERE status NOT IN ('completed', 'cancelled')
		ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("load open fetch jobs: %w", err)
	}
	defer rows.Close()

	var out []FetchJobRow
	for rows.Next() {
		var j FetchJobRow
		if err := rows.Scan(&j.ID, &j.Status, &j.CursorDocID, &j.ItemsProcessed,
			&j.ItemsSucceeded, &j.ItemsFailed, &j.ItemsSkipped, &j.ItemsTotal,
			&j.StartedAt, &j.LastActivity, &j.Error); err != nil {
			return nil, fmt.Errorf("scan fetch job: %w", err)
		}
		if j.Status == "running" {
			j.Status = "paused"
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// EmbedJobRow is the persisted state of an embedding job.
type EmbedJobRow struct {
	ID             string
	Status         string
	CursorChunkID  int64
	ItemsProcessed int
	ItemsSucceeded int
	ItemsFailed    int
	ItemsTotal     int
	TokensUsed     int
	CostUSD        float64
	Provider       string
	Model          string
	StartedAt      string
	LastActivity   string
	Error          string
}

// SaveEmbedJob upserts an embed job row keyed by id.
func (s *Store) SaveEmbedJob(ctx context.Context, j *EmbedJobRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embed_jobs (
			id, status, cursor_chunk_id, items_processed, items_succeeded,
			items_failed, items_total, tokens_used, cost_usd, provider, model,
			started_at, last_activity, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			cursor_chunk_id = excluded.cursor_chunk_id,
			items_processed = excluded.items_processed,
			items_succeeded = excluded.items_succeeded,
			items_failed = excluded.items_failed,
			items_total = excluded.items_total,
			tokens_used = excluded.tokens_used,
			cost_usd = excluded.cost_usd,
			last_activity = excluded.last_activity,
			error = excluded.error`,
		j.ID, j.Status, nullInt64(j.CursorChunkID), j.ItemsProcessed,
		j.ItemsSucceeded, j.ItemsFailed, nullInt(j.ItemsTotal), j.TokensUsed,
		j.CostUSD, j.Provider, j.Model, j.StartedAt, j.LastActivity,
		nullString(j.Error))
	if err != nil {
		return fmt.Errorf("save embed job %s: %w", j.ID, err)
	}
	return nil
}

// LoadOpenEmbedJobs returns resumable and live embed jobs, with interrupted
// "running" jobs demoted to "paused".
func (s *Store) LoadOpenEmbedJobs(ctx context.Context) ([]EmbedJobRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, COALESCE(cursor_chunk_id, 0), items_processed,
		       items_succeeded, items_failed, COALESCE(items_total, 0),
		       tokens_used, cost_usd, provider, model, started_at,
		       last_activity, COALESCE(error, '')
		FROM embed_jobs
		WHERE status NOT IN ('completed', 'cancelled')
		ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("load open embed jobs: %w", err)
	}
	defer rows.Close()

	var out []EmbedJobRow
	for rows.Next() {
		var j EmbedJobRow
		if err := rows.Scan(&j.ID, &j.Status, &j.CursorChunkID, &j.ItemsProcessed,
			&j.ItemsSucceeded, &j.ItemsFailed, &j.ItemsTotal, &j.TokensUsed,
			&j.CostUSD, &j.Provider, &j.Model, &j.StartedAt, &j.LastActivity,
			&j.Error); err != nil {
			return nil, fmt.Errorf("scan embed job: %w", err)
		}
		if j.Status == "running" {
			j.Status = "paused"
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ImportJobRow is the persisted state of a reading-service import job.
type ImportJobRow struct {
	ID            string
	Status        string
	ReaderCursor  string
	ExportCursor  string
	ReaderDone    bool
	ExportDone    bool
	ItemsImported int
	ItemsMerged   int
	ItemsFailed   int
	ItemsTotal    int
	StartedAt     string
	LastActivity  string
	Error         string
}

// SaveImportJob upserts an import job row keyed by id.
func (s *Store) SaveImportJob(ctx context.Context, j *ImportJobRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_jobs (
			id, status, reader_cursor, export_cursor, reader_done, export_done,
			items_imported, items_merged, items_failed, items_total,
			started_at, last_activity, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reader_cursor = excluded.reader_cursor,
			export_cursor = excluded.export_cursor,
			reader_done = excluded.reader_done,
			export_done = excluded.export_done,
			items_imported = excluded.items_imported,
			items_merged = excluded.items_merged,
			items_failed = excluded.items_failed,
			items_total = excluded.items_total,
			last_activity = excluded.last_activity,
			error = excluded.error`,
		j.ID, j.Status, nullString(j.ReaderCursor), nullString(j.ExportCursor),
		j.ReaderDone, j.ExportDone, j.ItemsImported, j.ItemsMerged,
		j.ItemsFailed, nullInt(j.ItemsTotal), j.StartedAt, j.LastActivity,
		nullString(j.Error))
	if err != nil {
		return fmt.Errorf("save import job %s: %w", j.ID, err)
	}
	return nil
}

// LoadOpenImportJobs returns resumable and live import jobs, with interrupted
// "running" jobs demoted to "paused".
func (s *Store) LoadOpenImportJobs(ctx context.Context) ([]ImportJobRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, COALESCE(reader_cursor, ''), COALESCE(export_cursor, ''),
		       reader_done, export_done, items_imported, items_merged,
		       items_failed, COALESCE(items_total, 0), started_at,
		       last_activity, COALESCE(error, '')
		FROM import_jobs
		WHERE status NOT IN ('completed', 'cancelled')
		ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("load open import jobs: %w", err)
	}
	defer rows.Close()

	var out []ImportJobRow
	for rows.Next() {
		var j ImportJobRow
		if err := rows.Scan(&j.ID, &j.Status, &j.ReaderCursor, &j.ExportCursor,
			&j.ReaderDone, &j.ExportDone, &j.ItemsImported, &j.ItemsMerged,
			&j.ItemsFailed, &j.ItemsTotal, &j.StartedAt, &j.LastActivity,
			&j.Error); err != nil {
			return nil, fmt.Errorf("scan import job: %w", err)
		}
		if j.Status == "running" {
			j.Status = "paused"
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// GetResumableJobID returns the most recent paused or failed job id in the
// given table ("fetch_jobs", "embed_jobs" or "import_jobs"), or "" when
// nothing is resumable.
func (s *Store) GetResumableJobID(ctx context.Context, table string) (string, error) {
	switch table {
	case "fetch_jobs", "embed_jobs", "import_jobs":
	default:
		return "", fmt.Errorf("unknown job table %q", table)
	}
	var id string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status IN ('paused', 'failed')
		ORDER BY last_activity DESC LIMIT 1`, table)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find resumable job: %w", err)
	}
	return id, nil
}
