package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func combinedText(title, body string) string {
	if strings.TrimSpace(title) == "" {
		return body
	}
	return title + "\n\n" + body
}

// Every chunk must be exactly the slice of the combined text named by its
// positions. This is the anchor invariant the retrieval layer relies on.
func assertAnchored(t *testing.T, title, body string, chunks []Chunk) {
	t.Helper()
	combined := combinedText(title, body)
	for _, c := range chunks {
		require.GreaterOrEqual(t, c.CharStart, 0)
		require.LessOrEqual(t, c.CharEnd, len(combined))
		assert.Equal(t, combined[c.CharStart:c.CharEnd], c.Text,
			"chunk %d not anchored", c.Index)
	}
}

func para(word string, n int) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}

func TestChunkSmallDocumentSingleChunk(t *testing.T) {
	c := New(Config{})
	body := "A short note that fits comfortably in one chunk. It has a few " +
		"sentences of ordinary prose, enough to clear the minimum chunk " +
		"size but nowhere near the target size."
	chunks := c.Chunk("Short Note", body)

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assertAnchored(t, "Short Note", body, chunks)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "Short Note"),
		"title lands in the first chunk")
}

func TestChunkSubMinimumTextProducesNoChunks(t *testing.T) {
	c := New(Config{})
	assert.Empty(t, c.Chunk("", "Tiny."))
	assert.Empty(t, c.Chunk("T", strings.Repeat("x", defaultMinChunk-4)))
}

func TestChunkEmptyInput(t *testing.T) {
	c := New(Config{})
	assert.Nil(t, c.Chunk("", ""))
	assert.Nil(t, c.Chunk("", "   \n\n  "))
}

func TestChunkParagraphAccumulation(t *testing.T) {
	c := New(Config{ChunkSize: 200, Overlap: 40, MinChunkSize: 30})

	paras := []string{
		para("alpha", 20),  // ~120 chars
		para("beta", 20),   // ~100 chars, overflows with the first
		para("gamma", 20),  // ~120 chars
		para("delta", 20),  // ~120 chars
	}
	body := strings.Join(paras, "\n\n")
	chunks := c.Chunk("", body)

	require.Greater(t, len(chunks), 1)
	assertAnchored(t, "", body, chunks)

	// Indexes are sequential and starts are monotonically increasing.
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, i, chunks[i].Index)
		assert.Greater(t, chunks[i].CharStart, chunks[i-1].CharStart)
	}

	// Consecutive chunks overlap: each new chunk starts at or before the
	// previous chunk's end.
	for i := 1; i < len(chunks); i++ {
		assert.LessOrEqual(t, chunks[i].CharStart, chunks[i-1].CharEnd)
	}
}

func TestChunkOverlapSeedsTail(t *testing.T) {
	c := New(Config{ChunkSize: 100, Overlap: 20, MinChunkSize: 10})
	body := para("one", 20) + "\n\n" + para("two", 20)
	chunks := c.Chunk("", body)

	require.Len(t, chunks, 2)
	assertAnchored(t, "", body, chunks)
	assert.Equal(t, chunks[0].CharEnd-20, chunks[1].CharStart)
}

func TestChunkOversizeParagraphSplitsOnSentences(t *testing.T) {
	c := New(Config{ChunkSize: 120, Overlap: 20, MinChunkSize: 20})

	var sb strings.Builder
	for i := 0; i < 10; i++ {
		sb.WriteString("This sentence talks about the topic at some length to fill space. ")
	}
	body := strings.TrimSpace(sb.String())
	chunks := c.Chunk("", body)

	require.Greater(t, len(chunks), 2)
	assertAnchored(t, "", body, chunks)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Text), 140, "chunk stays near the size cap")
	}
}

func TestChunkHardSplitsGiantSentence(t *testing.T) {
	c := New(Config{ChunkSize: 100, Overlap: 20, MinChunkSize: 20})
	body := strings.Repeat("x", 350) // no sentence boundaries at all
	chunks := c.Chunk("", body)

	require.NotEmpty(t, chunks)
	assertAnchored(t, "", body, chunks)

	total := 0
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Text), 100)
		total += len(ch.Text)
	}
	assert.Equal(t, 350, total, "hard split loses no text")
}

func TestChunkDeterministic(t *testing.T) {
	c := New(Config{})
	body := para("word", 300) + "\n\n" + para("term", 300) + "\n\n" + para("noun", 300)

	first := c.Chunk("A Title", body)
	for i := 0; i < 5; i++ {
		again := c.Chunk("A Title", body)
		require.Equal(t, first, again)
	}
}

func TestChunkTokenCount(t *testing.T) {
	c := New(Config{MinChunkSize: 1})
	chunks := c.Chunk("", "abcdefgh")
	require.Len(t, chunks, 1)
	assert.Equal(t, 2, chunks[0].TokenCount, "chars/4 heuristic")
}
