package store

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karstenhoffmann/nexus-os/pkg/embeddings"
)

// seedDocWithChunks creates a document with n chunks and returns the chunk ids.
func seedDocWithChunks(t *testing.T, s *Store, pid string, texts []string) (int64, []int64) {
	t.Helper()
	ctx := context.Background()

	docID, _, err := s.SaveDocument(ctx, &Document{
		Source: "reader", ProviderID: pid,
		URLOriginal: "https://example.com/" + pid,
		Title:       "Doc " + pid,
		SavedAt:     "2026-08-20T10:00:00Z",
	})
	require.NoError(t, err)

	chunks := make([]Chunk, len(texts))
	pos := 0
	for i, txt := range texts {
		chunks[i] = Chunk{
			ChunkIndex: i, Text: txt,
			CharStart: pos, CharEnd: pos + len(txt),
			TokenCount: len(txt) / 4,
		}
		pos += len(txt)
	}
	require.NoError(t, s.ReplaceChunks(ctx, docID, chunks))

	rows, err := s.DB().Query(
		`SELECT id FROM document_chunks WHERE document_id = ? ORDER BY chunk_index`, docID)
	require.NoError(t, err)
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	return docID, ids
}

func testVector(dims int, seed float32) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

func TestVectorBlobRoundTripAllDims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, dims := range VectorDims {
		vec := testVector(dims, 0.5)
		// A few awkward values that must survive bit-exactly.
		vec[0] = float32(math.Pi)
		vec[1] = -0.0
		vec[2] = 1e-38

		_, chunkIDs := seedDocWithChunks(t, s, "dims-doc", []string{"text for round trip"})
		blob := embeddings.SerializeFloat32(vec)

		n, err := s.SaveEmbeddingsBatch(ctx, []EmbeddingRow{{
			ChunkID: chunkIDs[0], Provider: "test", Model: "m", Dimensions: dims, Blob: blob,
		}})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetChunkEmbeddings(ctx, "test", "m", chunkIDs)
		require.NoError(t, err)
		require.Len(t, got, 1)

		decoded, err := embeddings.DeserializeFloat32(got[0].Blob)
		require.NoError(t, err)
		require.Len(t, decoded, dims)
		for i := range vec {
			assert.Equal(t, math.Float32bits(vec[i]), math.Float32bits(decoded[i]),
				"dims %d index %d", dims, i)
		}
	}
}

func TestSaveEmbeddingsBatchRejectsBadBlob(t *testing.T) {
	s := newTestStore(t)
	_, chunkIDs := seedDocWithChunks(t, s, "bad-blob", []string{"text"})

	_, err := s.SaveEmbeddingsBatch(context.Background(), []EmbeddingRow{{
		ChunkID: chunkIDs[0], Provider: "test", Model: "m",
		Dimensions: 768, Blob: []byte{1, 2, 3},
	}})
	assert.Error(t, err)
}

func TestListEmbedCandidatesCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, chunkIDs := seedDocWithChunks(t, s, "embed-doc",
		[]string{"alpha text", "beta text", "gamma text"})

	// Embed the first chunk only.
	saved, err := s.SaveEmbeddingsBatch(ctx, []EmbeddingRow{{
		ChunkID: chunkIDs[0], Provider: "openai", Model: "text-embedding-3-small",
		Dimensions: 1536, Blob: embeddings.SerializeFloat32(testVector(1536, 0.1)),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, saved)

	cands, err := s.ListEmbedCandidates(ctx, "openai", "text-embedding-3-small", 0, 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, chunkIDs[1], cands[0].ChunkID)

	// Cursor excludes already-processed chunks.
	cands, err = s.ListEmbedCandidates(ctx, "openai", "text-embedding-3-small", chunkIDs[1], 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, chunkIDs[2], cands[0].ChunkID)

	// A different model sees all chunks as pending.
	cands, err = s.ListEmbedCandidates(ctx, "ollama", "nomic-embed-text", 0, 10)
	require.NoError(t, err)
	assert.Len(t, cands, 3)
}

func TestSemanticSearchOrdersByDistance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, chunkIDs := seedDocWithChunks(t, s, "sem-doc",
		[]string{"about cooking", "about databases", "about gardening"})

	vecs := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	}
	rows := make([]EmbeddingRow, len(chunkIDs))
	for i, id := range chunkIDs {
		full := make([]float32, 768)
		copy(full, vecs[i])
		rows[i] = EmbeddingRow{
			ChunkID: id, Provider: "test", Model: "m", Dimensions: 768,
			Blob: embeddings.SerializeFloat32(full),
		}
	}
	saved, err := s.SaveEmbeddingsBatch(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, len(rows), saved)

	query := make([]float32, 768)
	query[1] = 1 // closest to the second chunk
	hits, err := s.SearchChunksSemantic(ctx, SemanticQuery{
		Vector: embeddings.SerializeFloat32(query), Dimensions: 768,
		Provider: "test", Model: "m", K: 2,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, chunkIDs[1], hits[0].ChunkID)
	assert.Equal(t, "about databases", hits[0].Text)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	// Neighboring chunk text comes back as context.
	assert.Equal(t, "about cooking", hits[0].ContextBefore)
	assert.Equal(t, "about gardening", hits[0].ContextAfter)
}

func TestDocumentLevelSemanticSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	axisVector := func(axis int) []float32 {
		v := make([]float32, DocVectorDims)
		v[axis] = 1
		return v
	}

	var docIDs []int64
	for d := 0; d < 2; d++ {
		docID, chunkIDs := seedDocWithChunks(t, s, fmt.Sprintf("dv-%d", d),
			[]string{"first passage", "second passage"})
		docIDs = append(docIDs, docID)

		rows := make([]EmbeddingRow, len(chunkIDs))
		for i, id := range chunkIDs {
			rows[i] = EmbeddingRow{
				ChunkID: id, Provider: "openai", Model: "text-embedding-3-small",
				Dimensions: DocVectorDims,
				Blob:       embeddings.SerializeFloat32(axisVector(d)),
			}
		}
		_, err := s.SaveEmbeddingsBatch(ctx, rows)
		require.NoError(t, err)
	}

	require.NoError(t, s.RefreshDocEmbeddings(ctx,
		"openai", "text-embedding-3-small", docIDs))

	// A query on the second document's axis returns it first.
	items, err := s.SearchDocumentsSemantic(ctx,
		embeddings.SerializeFloat32(axisVector(1)), 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, docIDs[1], items[0].ID)
	assert.Equal(t, docIDs[0], items[1].ID)

	// Refreshing again replaces rather than duplicates the vector row.
	require.NoError(t, s.RefreshDocEmbeddings(ctx,
		"openai", "text-embedding-3-small", docIDs))
	items, err = s.SearchDocumentsSemantic(ctx,
		embeddings.SerializeFloat32(axisVector(0)), 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = s.SearchDocumentsSemantic(ctx, []byte{1, 2, 3}, 2)
	assert.Error(t, err)
}

func TestCleanupOrphanVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, chunkIDs := seedDocWithChunks(t, s, "orphan-doc", []string{"text one", "text two"})
	rows := make([]EmbeddingRow, len(chunkIDs))
	for i, id := range chunkIDs {
		rows[i] = EmbeddingRow{
			ChunkID: id, Provider: "test", Model: "m", Dimensions: 768,
			Blob: embeddings.SerializeFloat32(testVector(768, float32(i))),
		}
	}
	_, err := s.SaveEmbeddingsBatch(ctx, rows)
	require.NoError(t, err)

	// Re-chunking drops the embeddings rows via cascade but leaves the
	// vector rows behind.
	require.NoError(t, s.ReplaceChunks(ctx, docID, []Chunk{
		{ChunkIndex: 0, Text: "new text", CharStart: 0, CharEnd: 8, TokenCount: 2},
	}))

	stats, err := s.GetEmbedStats(ctx, "test", "m")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Orphaned)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Pending)

	removed, err := s.CleanupOrphanVectors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	stats, err = s.GetEmbedStats(ctx, "test", "m")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Orphaned)
}
