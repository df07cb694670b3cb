package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Document is a saved item from a reading service plus everything the
// pipeline attaches to it afterwards.
type Document struct {
	ID               int64
	Source           string
	ProviderID       string
	URLOriginal      string
	URLCanonical     string
	Title            string
	Author           string
	PublishedAt      string
	SavedAt          string
	Category         string
	WordCount        int
	Summary          string
	Fulltext         string
	FulltextHTML     string
	FulltextSource   string
	FulltextFetchedAt string
	RawJSON          string
	CreatedAt        string
	UpdatedAt        string
}

// SaveDocument inserts or merges a document. Dedup is URL-first within the
// same source: when (source, url_canonical) already exists the row is
// merged, so a later export-phase record folds into the reader-phase row
// for the same page. Otherwise the row upserts on (source, provider_id).
// Merges keep existing values where the incoming record has none.
func (s *Store) SaveDocument(ctx context.Context, d *Document) (id int64, merged bool, err error) {
	if d.Source == "" || d.ProviderID == "" {
		return 0, false, fmt.Errorf("document requires source and provider_id")
	}
	if d.URLCanonical == "" && d.URLOriginal != "" {
		d.URLCanonical = NormalizeURL(d.URLOriginal)
	}

	if d.URLCanonical != "" {
		var existing int64
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM documents WHERE source = ? AND url_canonical = ? LIMIT 1`,
			d.Source, d.URLCanonical).Scan(&existing)
		switch {
		case err == nil:
			if err := s.mergeDocument(ctx, existing, d); err != nil {
				return 0, false, err
			}
			return existing, true, nil
		case err != sql.ErrNoRows:
			return 0, false, fmt.Errorf("lookup by canonical url: %w", err)
		}
	}

	var existing int64
	lookupErr := s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE source = ? AND provider_id = ?`,
		d.Source, d.ProviderID).Scan(&existing)
	if lookupErr != nil && lookupErr != sql.ErrNoRows {
		return 0, false, fmt.Errorf("lookup by provider id: %w", lookupErr)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (
			source, provider_id, url_original, url_canonical, title, author,
			published_at, saved_at, category, word_count, summary, raw_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, provider_id) DO UPDATE SET
			url_original  = COALESCE(excluded.url_original, url_original),
			url_canonical = COALESCE(excluded.url_canonical, url_canonical),
			title         = COALESCE(excluded.title, title),
			author        = COALESCE(excluded.author, author),
			published_at  = COALESCE(excluded.published_at, published_at),
			saved_at      = COALESCE(excluded.saved_at, saved_at),
			category      = COALESCE(excluded.category, category),
			word_count    = COALESCE(excluded.word_count, word_count),
			summary       = COALESCE(excluded.summary, summary),
			raw_json      = COALESCE(excluded.raw_json, raw_json),
			updated_at    = datetime('now')`,
		d.Source, d.ProviderID,
		nullString(d.URLOriginal), nullString(d.URLCanonical),
		nullString(d.Title), nullString(d.Author),
		nullString(d.PublishedAt), nullString(d.SavedAt),
		nullString(d.Category), nullInt(d.WordCount),
		nullString(d.Summary), nullString(d.RawJSON))
	if err != nil {
		return 0, false, fmt.Errorf("upsert document: %w", err)
	}

	if lookupErr == nil {
		return existing, true, nil
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("resolve document id: %w", err)
	}
	return newID, false, nil
}

func (s *Store) mergeDocument(ctx context.Context, id int64, d *Document) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET
			title        = COALESCE(?, title),
			author       = COALESCE(?, author),
			published_at = COALESCE(?, published_at),
			saved_at     = COALESCE(?, saved_at),
			category     = COALESCE(?, category),
			word_count   = COALESCE(?, word_count),
			summary      = COALESCE(?, summary),
			raw_json     = COALESCE(?, raw_json),
			updated_at   = datetime('now')
		WHERE id = ?`,
		nullString(d.Title), nullString(d.Author),
		nullString(d.PublishedAt), nullString(d.SavedAt),
		nullString(d.Category), nullInt(d.WordCount),
		nullString(d.Summary), nullString(d.RawJSON), id)
	if err != nil {
		return fmt.Errorf("merge document %d: %w", id, err)
	}
	return nil
}

// SaveFulltext stores extracted content on a document and stamps the fetch
// time. wordCount is recomputed from the text.
func (s *Store) SaveFulltext(ctx context.Context, docID int64, text, html, source string) error {
	wordCount := len(strings.Fields(text))
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET
			fulltext = ?, fulltext_html = ?, fulltext_source = ?,
			fulltext_fetched_at = datetime('now'),
			word_count = ?,
			updated_at = datetime('now')
		WHERE id = ?`,
		text, nullString(html), source, wordCount, docID)
	if err != nil {
		return fmt.Errorf("save fulltext for document %d: %w", docID, err)
	}
	return nil
}

// GetDocument loads one document by id.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, provider_id, url_original, url_canonical, title,
		       author, published_at, saved_at, category, word_count, summary,
		       fulltext, fulltext_html, fulltext_source, fulltext_fetched_at,
		       raw_json, created_at, updated_at
		FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}
	return d, nil
}

// DeleteDocument removes a document; highlights, chunks and embeddings
// follow through foreign keys. Vector-table rows are left for the orphan
// cleanup pass.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	return nil
}

// FetchCandidate is a document awaiting content fetch.
type FetchCandidate struct {
	ID           int64
	URLOriginal  string
	URLCanonical string
	Title        string
}

// ListFetchCandidates returns documents past afterID that have a URL but no
// fulltext and no recorded fetch failure, in id order.
func (s *Store) ListFetchCandidates(ctx context.Context, afterID int64, limit int) ([]FetchCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, COALESCE(d.url_original, ''), COALESCE(d.url_canonical, ''),
		       COALESCE(d.title, '')
		FROM documents d
		WHERE d.id > ?
		  AND (d.fulltext IS NULL OR d.fulltext = '')
		  AND d.url_canonical IS NOT NULL AND d.url_canonical != ''
		  AND NOT EXISTS (SELECT 1 FROM fetch_failures f WHERE f.document_id = d.id)
		ORDER BY d.id
		LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list fetch candidates: %w", err)
	}
	defer rows.Close()

	var out []FetchCandidate
	for rows.Next() {
		var c FetchCandidate
		if err := rows.Scan(&c.ID, &c.URLOriginal, &c.URLCanonical, &c.Title); err != nil {
			return nil, fmt.Errorf("scan fetch candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountFetchCandidates counts documents that would be picked up by a fetch
// job started now.
func (s *Store) CountFetchCandidates(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM documents d
		WHERE (d.fulltext IS NULL OR d.fulltext = '')
		  AND d.url_canonical IS NOT NULL AND d.url_canonical != ''
		  AND NOT EXISTS (SELECT 1 FROM fetch_failures f WHERE f.document_id = d.id)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count fetch candidates: %w", err)
	}
	return n, nil
}

// ChunkCandidate is a document with fulltext but no chunks yet.
type ChunkCandidate struct {
	ID       int64
	Title    string
	Fulltext string
}

// ListChunkCandidates returns documents past afterID with fulltext and no
// chunks, in id order.
func (s *Store) ListChunkCandidates(ctx context.Context, afterID int64, limit int) ([]ChunkCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, COALESCE(d.title, ''), d.fulltext
		FROM documents d
		WHERE d.id > ?
		  AND d.fulltext IS NOT NULL AND d.fulltext != ''
		  AND NOT EXISTS (SELECT 1 FROM document_chunks c WHERE c.document_id = d.id)
		ORDER BY d.id
		LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chunk candidates: %w", err)
	}
	defer rows.Close()

	var out []ChunkCandidate
	for rows.Next() {
		var c ChunkCandidate
		if err := rows.Scan(&c.ID, &c.Title, &c.Fulltext); err != nil {
			return nil, fmt.Errorf("scan chunk candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RebuildFTS repopulates both FTS indexes from their content tables.
func (s *Store) RebuildFTS(ctx context.Context) error {
	for _, stmt := range []string{
		`INSERT INTO documents_fts(documents_fts) VALUES ('rebuild')`,
		`INSERT INTO chunks_fts(chunks_fts) VALUES ('rebuild')`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild fts: %w", err)
		}
	}
	return nil
}

func scanDocument(row *sql.Row) (*Document, error) {
	var d Document
	var urlOrig, urlCanon, title, author, published, saved, category sql.NullString
	var summary, fulltext, fulltextHTML, fulltextSource, fetchedAt, rawJSON sql.NullString
	var createdAt, updatedAt sql.NullString
	var wordCount sql.NullInt64

	err := row.Scan(&d.ID, &d.Source, &d.ProviderID, &urlOrig, &urlCanon,
		&title, &author, &published, &saved, &category, &wordCount, &summary,
		&fulltext, &fulltextHTML, &fulltextSource, &fetchedAt, &rawJSON,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.URLOriginal = urlOrig.String
	d.URLCanonical = urlCanon.String
	d.Title = title.String
	d.Author = author.String
	d.PublishedAt = published.String
	d.SavedAt = saved.String
	d.Category = category.String
	d.WordCount = int(wordCount.Int64)
	d.Summary = summary.String
	d.Fulltext = fulltext.String
	d.FulltextHTML = fulltextHTML.String
	d.FulltextSource = fulltextSource.String
	d.FulltextFetchedAt = fetchedAt.String
	d.RawJSON = rawJSON.String
	d.CreatedAt = createdAt.String
	d.UpdatedAt = updatedAt.String
	return &d, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
