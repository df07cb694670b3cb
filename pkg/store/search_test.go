package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchLibraryLexical(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, _, err := s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: "a",
		URLOriginal: "https://example.com/a",
		Title:       "Postgres Performance Tuning",
		Category:    "article",
		SavedAt:     "2026-08-01T00:00:00Z",
	})
	require.NoError(t, err)
	_, _, err = s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: "b",
		URLOriginal: "https://example.com/b",
		Title:       "Sourdough Basics",
		Category:    "article",
		SavedAt:     "2026-08-02T00:00:00Z",
	})
	require.NoError(t, err)

	require.NoError(t, s.RebuildFTS(ctx))

	items, err := s.SearchLibrary(ctx, LibraryQuery{Q: "postgres"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id1, items[0].ID)

	// No query: newest first.
	items, err = s.SearchLibrary(ctx, LibraryQuery{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Sourdough Basics", items[0].Title)
}

func TestSearchLibraryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: "a",
		URLOriginal: "https://example.com/a",
		Title:       "A Podcast Episode", Category: "podcast",
	})
	require.NoError(t, err)
	_, _, err = s.SaveDocument(ctx, &Document{
		Source: "export", ProviderID: "b",
		URLOriginal: "https://example.com/b",
		Title:       "An Article", Category: "article",
	})
	require.NoError(t, err)

	items, err := s.SearchLibrary(ctx, LibraryQuery{Category: "podcast"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "A Podcast Episode", items[0].Title)

	items, err = s.SearchLibrary(ctx, LibraryQuery{Source: "export"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "An Article", items[0].Title)
}

func TestSearchChunksLexical(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedDocWithChunks(t, s, "lex-doc", []string{
		"kubernetes cluster networking deep dive",
		"a recipe for tomato soup",
	})

	hits, err := s.SearchChunksLexical(ctx, "kubernetes networking", "", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Text, "kubernetes")
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestFTSQuoteNeutralizesOperators(t *testing.T) {
	// Raw FTS syntax in user input must not produce a query error.
	s := newTestStore(t)
	ctx := context.Background()

	seedDocWithChunks(t, s, "q-doc", []string{"plain text chunk"})

	_, err := s.SearchChunksLexical(ctx, `"unbalanced AND (weird`, "", 5)
	assert.NoError(t, err)
}

func TestListChunksInDateRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inRange, _, err := s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: "in",
		URLOriginal: "https://example.com/in",
		SavedAt:     "2026-08-10T00:00:00Z",
	})
	require.NoError(t, err)
	outOfRange, _, err := s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: "out",
		URLOriginal: "https://example.com/out",
		SavedAt:     "2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	// A document with no saved_at takes its earliest highlight date.
	highlightOnly, _, err := s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: "hl",
		URLOriginal: "https://example.com/hl",
	})
	require.NoError(t, err)
	_, _, err = s.SaveHighlight(ctx, &Highlight{
		DocumentID: highlightOnly, Text: "late pass",
		HighlightedAt: "2026-08-20T00:00:00Z",
	})
	require.NoError(t, err)
	_, _, err = s.SaveHighlight(ctx, &Highlight{
		DocumentID: highlightOnly, Text: "early pass",
		HighlightedAt: "2026-08-12T00:00:00Z",
	})
	require.NoError(t, err)

	// published_at alone carries no effective date.
	publishedOnly, _, err := s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: "pub",
		URLOriginal: "https://example.com/pub",
		PublishedAt: "2026-08-15T00:00:00Z",
	})
	require.NoError(t, err)

	for id, text := range map[int64]string{
		inRange:       "recent chunk",
		outOfRange:    "old chunk",
		highlightOnly: "highlighted chunk",
		publishedOnly: "published chunk",
	} {
		require.NoError(t, s.ReplaceChunks(ctx, id, []Chunk{
			{ChunkIndex: 0, Text: text, CharStart: 0, CharEnd: len(text)}}))
	}

	chunks, err := s.ListChunksInDateRange(ctx,
		"2026-08-01", "2026-08-31T23:59:59Z", "", "", 0)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	// The highlight-only document's earliest highlight (08-12) sorts after
	// the saved one (08-10) in the newest-first order.
	assert.Equal(t, "highlighted chunk", chunks[0].Text)
	assert.Equal(t, "recent chunk", chunks[1].Text)
	assert.Nil(t, chunks[0].Blob)
}

func TestLibraryEffectiveDateFallsBackToHighlights(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved, _, err := s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: "saved",
		URLOriginal: "https://example.com/saved",
		Title:       "Saved", SavedAt: "2026-08-01T00:00:00Z",
	})
	require.NoError(t, err)

	hlOnly, _, err := s.SaveDocument(ctx, &Document{
		Source: "readwise", ProviderID: "hl-only",
		URLOriginal: "https://example.com/hl-only",
		Title:       "Highlights Only",
	})
	require.NoError(t, err)
	_, _, err = s.SaveHighlight(ctx, &Highlight{
		DocumentID: hlOnly, Text: "first pass",
		HighlightedAt: "2026-08-05T00:00:00Z",
	})
	require.NoError(t, err)
	_, _, err = s.SaveHighlight(ctx, &Highlight{
		DocumentID: hlOnly, Text: "second pass",
		HighlightedAt: "2026-08-09T00:00:00Z",
	})
	require.NoError(t, err)

	items, err := s.SearchLibrary(ctx, LibraryQuery{})
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Earliest highlight wins, which still beats the saved document here.
	assert.Equal(t, hlOnly, items[0].ID)
	assert.Equal(t, "2026-08-05T00:00:00Z", items[0].EffectiveDate)
	assert.Equal(t, 2, items[0].HighlightCount)
	assert.Equal(t, saved, items[1].ID)
	assert.Equal(t, 0, items[1].HighlightCount)
}

func TestSearchLibrarySortAndClassFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	full, _, err := s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: "full",
		URLOriginal: "https://example.com/full",
		Title:       "Beta", WordCount: 100,
		SavedAt: "2026-08-01T00:00:00Z",
	})
	require.NoError(t, err)
	require.NoError(t, s.SaveFulltext(ctx, full, "full body text here", "", "test"))

	bare, _, err := s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: "bare",
		URLOriginal: "https://example.com/bare",
		Title:       "Alpha", WordCount: 900,
		SavedAt: "2026-08-02T00:00:00Z",
	})
	require.NoError(t, err)

	items, err := s.SearchLibrary(ctx, LibraryQuery{ExcludeFulltext: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, bare, items[0].ID)
	assert.False(t, items[0].HasFulltext)

	items, err = s.SearchLibrary(ctx, LibraryQuery{ExcludeHighlightsOnly: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, full, items[0].ID)
	assert.True(t, items[0].HasFulltext)

	items, err = s.SearchLibrary(ctx, LibraryQuery{SortKey: "title", SortDir: "asc"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Alpha", items[0].Title)

	items, err = s.SearchLibrary(ctx, LibraryQuery{SortKey: "word_count", SortDir: "desc"})
	require.NoError(t, err)
	assert.Equal(t, 900, items[0].WordCount)

	_, err = s.SearchLibrary(ctx, LibraryQuery{SortKey: "drop table"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown library sort key")
}

func TestLibraryItemsPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for _, p := range []string{"x", "y", "z"} {
		id, _, err := s.SaveDocument(ctx, &Document{
			Source: "reader", ProviderID: p,
			URLOriginal: "https://example.com/" + p,
			Title:       "Doc " + p,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	items, err := s.LibraryItems(ctx, []int64{ids[2], ids[0], 9999})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ids[2], items[0].ID)
	assert.Equal(t, ids[0], items[1].ID)
}
