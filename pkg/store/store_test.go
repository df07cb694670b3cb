package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Logger: hclog.NewNullLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s1, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Reopening an existing database must not reapply migrations.
	s2, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer s2.Close()

	var count int
	require.NoError(t, s2.DB().QueryRow(
		`SELECT COUNT(*) FROM schema_version`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSaveDocumentInsertAndUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, merged, err := s.SaveDocument(ctx, &Document{
		Source:      "reader",
		ProviderID:  "doc-1",
		URLOriginal: "http://www.example.com/post?utm=1",
		Title:       "First Title",
	})
	require.NoError(t, err)
	assert.False(t, merged)
	assert.Greater(t, id1, int64(0))

	// Same provider id again: updates in place, same row.
	id2, merged, err := s.SaveDocument(ctx, &Document{
		Source:     "reader",
		ProviderID: "doc-1",
		Author:     "Jane Doe",
	})
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, id1, id2)

	doc, err := s.GetDocument(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "First Title", doc.Title, "existing value survives a nil merge")
	assert.Equal(t, "Jane Doe", doc.Author)
	assert.Equal(t, "https://example.com/post", doc.URLCanonical)
}

func TestSaveDocumentMergesByCanonicalURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, _, err := s.SaveDocument(ctx, &Document{
		Source:      "readwise",
		ProviderID:  "reader-9",
		URLOriginal: "https://www.example.com/essay/",
		Title:       "An Essay",
	})
	require.NoError(t, err)

	// Different provider id but the same page and source: merges into the
	// existing row instead of creating a duplicate.
	id2, merged, err := s.SaveDocument(ctx, &Document{
		Source:      "readwise",
		ProviderID:  "book-42",
		URLOriginal: "http://example.com/essay?ref=twitter",
		Author:      "A. Author",
	})
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, id1, id2)

	doc, err := s.GetDocument(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "An Essay", doc.Title)
	assert.Equal(t, "A. Author", doc.Author)
}

func TestSaveDocumentSameURLDifferentSourceStaysSeparate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, _, err := s.SaveDocument(ctx, &Document{
		Source:      "readwise",
		ProviderID:  "rw-1",
		URLOriginal: "https://example.com/essay",
		Title:       "An Essay",
	})
	require.NoError(t, err)

	id2, merged, err := s.SaveDocument(ctx, &Document{
		Source:      "pocket",
		ProviderID:  "pk-1",
		URLOriginal: "https://example.com/essay",
		Title:       "An Essay (Pocket)",
	})
	require.NoError(t, err)
	assert.False(t, merged)
	assert.NotEqual(t, id1, id2)
}

func TestGetDocumentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDocument(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveHighlightDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, err := s.SaveDocument(ctx, &Document{
		Source: "export", ProviderID: "b1", URLOriginal: "https://example.com/b1",
	})
	require.NoError(t, err)

	id1, created, err := s.SaveHighlight(ctx, &Highlight{
		DocumentID: docID,
		Text:       "A memorable line.",
	})
	require.NoError(t, err)
	assert.True(t, created)

	// Same text with different whitespace hashes identically.
	id2, created, err := s.SaveHighlight(ctx, &Highlight{
		DocumentID: docID,
		Text:       "A  memorable\nline.",
		Note:       "added later",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	hs, err := s.ListHighlights(ctx, docID)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, "added later", hs[0].Note)
}

func TestReplaceChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, err := s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: "d1", URLOriginal: "https://example.com/d1",
	})
	require.NoError(t, err)

	require.NoError(t, s.ReplaceChunks(ctx, docID, []Chunk{
		{ChunkIndex: 0, Text: "first chunk", CharStart: 0, CharEnd: 11, TokenCount: 2},
		{ChunkIndex: 1, Text: "second chunk", CharStart: 11, CharEnd: 23, TokenCount: 3},
	}))

	// Replacing swaps the whole set.
	require.NoError(t, s.ReplaceChunks(ctx, docID, []Chunk{
		{ChunkIndex: 0, Text: "only chunk", CharStart: 0, CharEnd: 10, TokenCount: 2},
	}))

	var count int
	require.NoError(t, s.DB().QueryRow(
		`SELECT COUNT(*) FROM document_chunks WHERE document_id = ?`, docID).
		Scan(&count))
	assert.Equal(t, 1, count)
}

func TestListFetchCandidatesSkipsFailedAndFetched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mkDoc := func(pid, url string) int64 {
		id, _, err := s.SaveDocument(ctx, &Document{
			Source: "reader", ProviderID: pid, URLOriginal: url,
		})
		require.NoError(t, err)
		return id
	}

	pending := mkDoc("p1", "https://example.com/p1")
	fetched := mkDoc("p2", "https://example.com/p2")
	failed := mkDoc("p3", "https://example.com/p3")
	mkDoc("p4", "") // no URL, never a candidate

	require.NoError(t, s.SaveFulltext(ctx, fetched, "some text here", "", "readability"))
	require.NoError(t, s.RecordFetchFailure(ctx, &FetchFailure{
		DocumentID: failed, ErrorType: "paywall",
	}))

	cands, err := s.ListFetchCandidates(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, pending, cands[0].ID)

	n, err := s.CountFetchCandidates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClearRetriableFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docA, _, err := s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: "a", URLOriginal: "https://example.com/a"})
	require.NoError(t, err)
	docB, _, err := s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: "b", URLOriginal: "https://example.com/b"})
	require.NoError(t, err)

	require.NoError(t, s.RecordFetchFailure(ctx, &FetchFailure{
		DocumentID: docA, ErrorType: "timeout"}))
	require.NoError(t, s.RecordFetchFailure(ctx, &FetchFailure{
		DocumentID: docB, ErrorType: "paywall"}))

	n, err := s.ClearRetriableFailures(ctx, []string{"timeout", "http_5xx", "connection_error"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The timeout document is a candidate again, the paywalled one is not.
	cands, err := s.ListFetchCandidates(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, docA, cands[0].ID)
}
