package store

import (
	"context"
	"fmt"
)

// FetchFailure records why a document's content fetch failed, one row per
// document.
type FetchFailure struct {
	ID            int64  `json:"id"`
	DocumentID    int64  `json:"document_id"`
	URL           string `json:"url"`
	ErrorType     string `json:"error_type"`
	ErrorMessage  string `json:"error_message"`
	HTTPStatus    int    `json:"http_status,omitempty"`
	RetryCount    int    `json:"retry_count"`
	LastAttemptAt string `json:"last_attempt_at"`
	JobID         string `json:"job_id,omitempty"`
}

// RecordFetchFailure upserts a failure for a document, bumping the retry
// count when the document already has one.
func (s *Store) RecordFetchFailure(ctx context.Context, f *FetchFailure) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fetch_failures (
			document_id, url, error_type, error_message, http_status,
			retry_count, last_attempt_at, job_id
		) VALUES (?, ?, ?, ?, ?, 0, datetime('now'), ?)
		ON CONFLICT(document_id) DO UPDATE SET
			url = excluded.url,
			error_type = excluded.error_type,
			error_message = excluded.error_message,
			http_status = excluded.http_status,
			retry_count = retry_count + 1,
			last_attempt_at = datetime('now'),
			job_id = excluded.job_id`,
		f.DocumentID, nullString(f.URL), f.ErrorType,
		nullString(f.ErrorMessage), nullInt(f.HTTPStatus), nullString(f.JobID))
	if err != nil {
		return fmt.Errorf("record fetch failure for document %d: %w", f.DocumentID, err)
	}
	return nil
}

// ListFetchFailures returns all recorded failures, most recent first.
func (s *Store) ListFetchFailures(ctx context.Context) ([]FetchFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, COALESCE(url, ''), error_type,
		       COALESCE(error_message, ''), COALESCE(http_status, 0),
		       retry_count, last_attempt_at, COALESCE(job_id, '')
		FROM fetch_failures
		ORDER BY last_attempt_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list fetch failures: %w", err)
	}
	defer rows.Close()

	var out []FetchFailure
	for rows.Next() {
		var f FetchFailure
		if err := rows.Scan(&f.ID, &f.DocumentID, &f.URL, &f.ErrorType,
			&f.ErrorMessage, &f.HTTPStatus, &f.RetryCount, &f.LastAttemptAt,
			&f.JobID); err != nil {
			return nil, fmt.Errorf("scan fetch failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ClearRetriableFailures deletes failures of transient kinds so the next
// fetch job picks those documents up again. Returns the number cleared.
func (s *Store) ClearRetriableFailures(ctx context.Context, kinds []string) (int, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	placeholders := ""
	args := make([]any, len(kinds))
	for i, k := range kinds {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = k
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM fetch_failures WHERE error_type IN (%s)`, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("clear retriable failures: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FetchStats summarizes fetch coverage across the library.
type FetchStats struct {
	Total          int            `json:"total"`
	WithURL        int            `json:"with_url"`
	WithFulltext   int            `json:"with_fulltext"`
	Failed         int            `json:"failed"`
	Pending        int            `json:"pending"`
	WithoutChunks  int            `json:"without_chunks"`
	FailuresByType map[string]int `json:"failures_by_type"`
}

// GetFetchStats counts documents by fetch state. Pending matches the fetch
// job's candidate query: has a URL, no fulltext, no recorded failure.
func (s *Store) GetFetchStats(ctx context.Context) (*FetchStats, error) {
	stats := &FetchStats{FailuresByType: make(map[string]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN d.url_canonical IS NOT NULL AND d.url_canonical != '' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN d.fulltext IS NOT NULL AND d.fulltext != '' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN d.fulltext IS NOT NULL AND d.fulltext != ''
		                          AND NOT EXISTS (SELECT 1 FROM document_chunks c WHERE c.document_id = d.id)
		                     THEN 1 ELSE 0 END), 0)
		FROM documents d`).Scan(&stats.Total, &stats.WithURL, &stats.WithFulltext, &stats.WithoutChunks)
	if err != nil {
		return nil, fmt.Errorf("fetch stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT document_id) FROM fetch_failures`).Scan(&stats.Failed); err != nil {
		return nil, fmt.Errorf("fetch stats failed count: %w", err)
	}

	if stats.Pending, err = s.CountFetchCandidates(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT error_type, COUNT(*) FROM fetch_failures GROUP BY error_type`)
	if err != nil {
		return nil, fmt.Errorf("fetch stats by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan fetch stat: %w", err)
		}
		stats.FailuresByType[kind] = n
	}
	return stats, rows.Err()
}
