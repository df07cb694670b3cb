package store

import (
	"context"
	"fmt"
	"strings"
)

// effectiveDate is the date used for range filtering and sorting: when the
// item was saved, otherwise the earliest highlight date, so highlight-only
// documents still order chronologically.
const effectiveDate = `COALESCE(d.saved_at,
	(SELECT MIN(h.highlighted_at) FROM highlights h WHERE h.document_id = d.id))`

// LibraryQuery filters the document listing.
type LibraryQuery struct {
	Q        string
	Category string
	Source   string
	Limit    int
	Offset   int

	// ExcludeFulltext drops documents that have full text;
	// ExcludeHighlightsOnly drops documents that have none. Both classes
	// are included by default.
	ExcludeFulltext       bool
	ExcludeHighlightsOnly bool

	// SortKey is one of effective_date, title, author, word_count or
	// created_at; empty keeps the default order (FTS rank when searching,
	// effective_date descending otherwise). SortDir is asc or desc.
	SortKey string
	SortDir string
}

// LibraryItem is one row of the library listing.
type LibraryItem struct {
	ID             int64  `json:"id"`
	Source         string `json:"source"`
	Title          string `json:"title"`
	Author         string `json:"author"`
	URL            string `json:"url"`
	Category       string `json:"category"`
	WordCount      int    `json:"word_count"`
	EffectiveDate  string `json:"effective_date"`
	HasFulltext    bool   `json:"has_fulltext"`
	HighlightCount int    `json:"highlight_count"`
	Snippet        string `json:"snippet,omitempty"`
}

// librarySortKeys whitelists the ORDER BY targets of the library listing.
var librarySortKeys = map[string]string{
	"effective_date": effectiveDate,
	"title":          "d.title",
	"author":         "d.author",
	"word_count":     "d.word_count",
	"created_at":     "d.created_at",
}

const libraryColumns = `d.id, d.source, COALESCE(d.title, ''),
	       COALESCE(d.author, ''), COALESCE(d.url_canonical, ''),
	       COALESCE(d.category, ''), COALESCE(d.word_count, 0),
	       COALESCE(` + effectiveDate + `, ''),
	       d.fulltext IS NOT NULL AND d.fulltext != '',
	       (SELECT COUNT(*) FROM highlights h WHERE h.document_id = d.id)`

// SearchLibrary lists documents, optionally narrowed by an FTS query over
// title/author/fulltext/summary and by category, source and fulltext-class
// filters. Results order by FTS rank when searching, newest-first
// otherwise, unless an explicit sort key is given.
func (s *Store) SearchLibrary(ctx context.Context, q LibraryQuery) ([]LibraryItem, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	var (
		sb   strings.Builder
		args []any
	)

	if q.Q != "" {
		sb.WriteString(`
			SELECT ` + libraryColumns + `,
			       COALESCE(snippet(documents_fts, 2, '<b>', '</b>', '…', 20), '')
			FROM documents_fts f
			JOIN documents d ON d.id = f.rowid
			WHERE documents_fts MATCH ?`)
		args = append(args, ftsQuote(q.Q))
	} else {
		sb.WriteString(`
			SELECT ` + libraryColumns + `,
			       ''
			FROM documents d
			WHERE 1=1`)
	}

	if q.Category != "" {
		sb.WriteString(` AND d.category = ?`)
		args = append(args, q.Category)
	}
	if q.Source != "" {
		sb.WriteString(` AND d.source = ?`)
		args = append(args, q.Source)
	}
	if q.ExcludeFulltext {
		sb.WriteString(` AND (d.fulltext IS NULL OR d.fulltext = '')`)
	}
	if q.ExcludeHighlightsOnly {
		sb.WriteString(` AND d.fulltext IS NOT NULL AND d.fulltext != ''`)
	}

	switch {
	case q.SortKey != "":
		expr, ok := librarySortKeys[q.SortKey]
		if !ok {
			return nil, fmt.Errorf("unknown library sort key %q", q.SortKey)
		}
		dir := "DESC"
		if strings.EqualFold(q.SortDir, "asc") {
			dir = "ASC"
		}
		sb.WriteString(` ORDER BY ` + expr + ` ` + dir + ` NULLS LAST`)
	case q.Q != "":
		sb.WriteString(` ORDER BY rank`)
	default:
		sb.WriteString(` ORDER BY ` + effectiveDate + ` DESC`)
	}
	sb.WriteString(` LIMIT ? OFFSET ?`)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search library: %w", err)
	}
	defer rows.Close()

	var out []LibraryItem
	for rows.Next() {
		var it LibraryItem
		if err := rows.Scan(&it.ID, &it.Source, &it.Title, &it.Author, &it.URL,
			&it.Category, &it.WordCount, &it.EffectiveDate, &it.HasFulltext,
			&it.HighlightCount, &it.Snippet); err != nil {
			return nil, fmt.Errorf("scan library item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// LibraryItems materializes library rows for the given document ids,
// preserving the order of ids. Unknown ids are dropped.
func (s *Store) LibraryItems(ctx context.Context, ids []int64) ([]LibraryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+libraryColumns+`, ''
		FROM documents d
		WHERE d.id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("load library items: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]LibraryItem, len(ids))
	for rows.Next() {
		var it LibraryItem
		if err := rows.Scan(&it.ID, &it.Source, &it.Title, &it.Author, &it.URL,
			&it.Category, &it.WordCount, &it.EffectiveDate, &it.HasFulltext,
			&it.HighlightCount, &it.Snippet); err != nil {
			return nil, fmt.Errorf("scan library item: %w", err)
		}
		byID[it.ID] = it
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]LibraryItem, 0, len(ids))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// ChunkHit is one retrieved chunk with its provenance and surrounding
// context for display.
type ChunkHit struct {
	ChunkID       int64   `json:"chunk_id"`
	DocumentID    int64   `json:"document_id"`
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Category      string  `json:"category"`
	Text          string  `json:"text"`
	Score         float64 `json:"score"`
	ContextBefore string  `json:"context_before,omitempty"`
	ContextAfter  string  `json:"context_after,omitempty"`
}

// SemanticQuery is a KNN search over chunk embeddings.
type SemanticQuery struct {
	// Vector is the query embedding as a little-endian float32 blob.
	Vector     []byte
	Dimensions int
	Provider   string
	Model      string
	K          int
	Category   string
	DateFrom   string
	DateTo     string
}

// SearchChunksSemantic runs a KNN query against the vec0 table for the
// query's dimensionality and joins back to chunks and documents. When
// filters are set the KNN over-fetches 2x and filters afterwards, since
// vec0 cannot combine MATCH with extra predicates.
func (s *Store) SearchChunksSemantic(ctx context.Context, q SemanticQuery) ([]ChunkHit, error) {
	table, err := VectorTableName(q.Dimensions)
	if err != nil {
		return nil, err
	}
	if q.K <= 0 {
		q.K = 10
	}
	fetchK := q.K
	if q.Category != "" || q.DateFrom != "" || q.DateTo != "" {
		fetchK = q.K * 2
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT e.chunk_id, c.document_id, COALESCE(d.title, ''),
		       COALESCE(d.url_canonical, ''), COALESCE(d.category, ''),
		       c.chunk_text, knn.distance, COALESCE(%s, '')
		FROM (
			SELECT embedding_id, distance FROM %s
			WHERE embedding MATCH ? AND k = ?
		) knn
		JOIN embeddings e ON e.id = knn.embedding_id
		JOIN document_chunks c ON c.id = e.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE e.provider = ? AND e.model = ?
		ORDER BY knn.distance`, effectiveDate, table),
		q.Vector, fetchK, q.Provider, q.Model)
	if err != nil {
		return nil, fmt.Errorf("semantic chunk search: %w", err)
	}
	defer rows.Close()

	var out []ChunkHit
	for rows.Next() {
		var (
			hit      ChunkHit
			distance float64
			date     string
		)
		if err := rows.Scan(&hit.ChunkID, &hit.DocumentID, &hit.Title, &hit.URL,
			&hit.Category, &hit.Text, &distance, &date); err != nil {
			return nil, fmt.Errorf("scan semantic hit: %w", err)
		}
		if q.Category != "" && hit.Category != q.Category {
			continue
		}
		if q.DateFrom != "" && date < q.DateFrom {
			continue
		}
		if q.DateTo != "" && date > q.DateTo {
			continue
		}
		hit.Score = 1.0 / (1.0 + distance)
		out = append(out, hit)
		if len(out) == q.K {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachContext(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchChunksLexical runs an FTS5 match over chunk text.
func (s *Store) SearchChunksLexical(ctx context.Context, query, category string, limit int) ([]ChunkHit, error) {
	if limit <= 0 {
		limit = 10
	}

	sql := `
		SELECT c.id, c.document_id, COALESCE(d.title, ''),
		       COALESCE(d.url_canonical, ''), COALESCE(d.category, ''),
		       c.chunk_text, rank
		FROM chunks_fts f
		JOIN document_chunks c ON c.id = f.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ?`
	args := []any{ftsQuote(query)}
	if category != "" {
		sql += ` AND d.category = ?`
		args = append(args, category)
	}
	sql += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical chunk search: %w", err)
	}
	defer rows.Close()

	var out []ChunkHit
	for rows.Next() {
		var (
			hit  ChunkHit
			rank float64
		)
		if err := rows.Scan(&hit.ChunkID, &hit.DocumentID, &hit.Title, &hit.URL,
			&hit.Category, &hit.Text, &rank); err != nil {
			return nil, fmt.Errorf("scan lexical hit: %w", err)
		}
		// bm25 rank is more negative for better matches.
		hit.Score = -rank
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachContext(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachContext fills ContextBefore/ContextAfter from the neighboring
// chunks of each hit.
func (s *Store) attachContext(ctx context.Context, hits []ChunkHit) error {
	for i := range hits {
		rows, err := s.db.QueryContext(ctx, `
			SELECT n.chunk_index - me.chunk_index, n.chunk_text
			FROM document_chunks me
			JOIN document_chunks n
			  ON n.document_id = me.document_id
			 AND n.chunk_index IN (me.chunk_index - 1, me.chunk_index + 1)
			WHERE me.id = ?`, hits[i].ChunkID)
		if err != nil {
			return fmt.Errorf("load chunk context: %w", err)
		}
		for rows.Next() {
			var offset int
			var text string
			if err := rows.Scan(&offset, &text); err != nil {
				rows.Close()
				return fmt.Errorf("scan chunk context: %w", err)
			}
			if offset < 0 {
				hits[i].ContextBefore = text
			} else {
				hits[i].ContextAfter = text
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	return nil
}

// DigestChunk is a chunk in a digest's date window, optionally with its
// embedding vector for hybrid clustering.
type DigestChunk struct {
	ChunkID    int64
	DocumentID int64
	Title      string
	URL        string
	Text       string
	Blob       []byte
	Dimensions int
}

// ListChunksInDateRange returns chunks whose document's effective date falls
// in [from, to], newest first, capped at limit. When provider and model are
// set, only embedded chunks are returned and each carries its vector blob.
func (s *Store) ListChunksInDateRange(ctx context.Context, from, to, provider, model string, limit int) ([]DigestChunk, error) {
	if limit <= 0 {
		limit = 2000
	}

	var (
		sql  string
		args []any
	)
	if provider != "" && model != "" {
		sql = `
			SELECT c.id, c.document_id, COALESCE(d.title, ''),
			       COALESCE(d.url_canonical, ''), c.chunk_text,
			       e.embedding, e.dimensions
			FROM document_chunks c
			JOIN documents d ON d.id = c.document_id
			JOIN embeddings e ON e.chunk_id = c.id AND e.provider = ? AND e.model = ?
			WHERE ` + effectiveDate + ` BETWEEN ? AND ?
			ORDER BY ` + effectiveDate + ` DESC, c.id
			LIMIT ?`
		args = []any{provider, model, from, to, limit}
	} else {
		sql = `
			SELECT c.id, c.document_id, COALESCE(d.title, ''),
			       COALESCE(d.url_canonical, ''), c.chunk_text, NULL, 0
			FROM document_chunks c
			JOIN documents d ON d.id = c.document_id
			WHERE ` + effectiveDate + ` BETWEEN ? AND ?
			ORDER BY ` + effectiveDate + ` DESC, c.id
			LIMIT ?`
		args = []any{from, to, limit}
	}

	rows, err := s.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list chunks in date range: %w", err)
	}
	defer rows.Close()

	var out []DigestChunk
	for rows.Next() {
		var c DigestChunk
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.Title, &c.URL,
			&c.Text, &c.Blob, &c.Dimensions); err != nil {
			return nil, fmt.Errorf("scan digest chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ftsQuote wraps each whitespace-separated term in double quotes so user
// input cannot hit FTS5 query syntax errors.
func ftsQuote(q string) string {
	fields := strings.Fields(q)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}
