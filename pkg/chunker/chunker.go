// Package chunker splits document fulltext into overlapping,
// position-anchored chunks for embedding and retrieval.
package chunker

import (
	"regexp"
	"strings"
)

const (
	defaultChunkSize = 800
	defaultOverlap   = 160
	defaultMinChunk  = 100
)

// Chunk is one slice of the combined title+body text. Text is always
// exactly the [CharStart, CharEnd) slice of the combined text, so a chunk
// can be re-anchored in its source at any time.
type Chunk struct {
	Index      int
	Text       string
	CharStart  int
	CharEnd    int
	TokenCount int
}

// Config tunes the chunker. Zero values take the defaults.
type Config struct {
	// ChunkSize is the target chunk length in characters.
	ChunkSize int

	// Overlap is how many trailing characters of a chunk seed the next one.
	Overlap int

	// MinChunkSize drops fragments shorter than this. A document whose
	// whole text is below the minimum produces no chunks at all.
	MinChunkSize int
}

// Chunker is a deterministic text splitter. Safe for concurrent use.
type Chunker struct {
	size    int
	overlap int
	min     int
}

// New builds a Chunker, filling zero config values with the defaults.
func New(cfg Config) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = defaultOverlap
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = defaultMinChunk
	}
	return &Chunker{size: cfg.ChunkSize, overlap: cfg.Overlap, min: cfg.MinChunkSize}
}

var (
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)

	// Sentence boundary: terminal punctuation, whitespace, then an
	// uppercase letter (including German umlauts).
	sentenceBoundary = regexp.MustCompile(`[.!?]\s+[A-ZÄÖÜ]`)
)

// Chunk splits a document into chunks. The title, when present, is
// prepended to the body with a blank line so it lands in the first chunk;
// all positions are offsets into that combined text.
func (c *Chunker) Chunk(title, body string) []Chunk {
	combined := body
	if strings.TrimSpace(title) != "" {
		combined = title + "\n\n" + body
	}
	if strings.TrimSpace(combined) == "" {
		return nil
	}

	spans := c.paragraphSpans(combined)

	var (
		chunks           []Chunk
		curStart, curEnd = -1, -1
	)

	flush := func() {
		if curStart < 0 {
			return
		}
		if curEnd-curStart >= c.min {
			chunks = append(chunks, c.makeChunk(combined, curStart, curEnd))
		}
		curStart, curEnd = -1, -1
	}

	for _, sp := range spans {
		paraLen := sp[1] - sp[0]

		if paraLen > c.size {
			// Oversize paragraph: flush what we have and split it on
			// sentence boundaries.
			flush()
			chunks = append(chunks, c.splitOversize(combined, sp[0], sp[1])...)
			continue
		}

		if curStart < 0 {
			curStart, curEnd = sp[0], sp[1]
			continue
		}

		if (curEnd-curStart)+2+paraLen <= c.size {
			curEnd = sp[1]
			continue
		}

		// Finalize and seed the next chunk with the overlap tail.
		if curEnd-curStart >= c.min {
			chunks = append(chunks, c.makeChunk(combined, curStart, curEnd))
		}
		nextStart := curEnd - c.overlap
		if nextStart < curStart {
			nextStart = curStart
		}
		curStart, curEnd = nextStart, sp[1]
	}
	flush()

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// paragraphSpans returns [start, end) offsets of paragraphs in text,
// splitting on blank-line runs.
func (c *Chunker) paragraphSpans(text string) [][2]int {
	var spans [][2]int
	pos := 0
	for _, gap := range paragraphSplit.FindAllStringIndex(text, -1) {
		if gap[0] > pos {
			spans = append(spans, c.trimSpan(text, pos, gap[0]))
		}
		pos = gap[1]
	}
	if pos < len(text) {
		spans = append(spans, c.trimSpan(text, pos, len(text)))
	}

	out := spans[:0]
	for _, sp := range spans {
		if sp[1] > sp[0] {
			out = append(out, sp)
		}
	}
	return out
}

// trimSpan shrinks a span to exclude leading and trailing whitespace.
func (c *Chunker) trimSpan(text string, start, end int) [2]int {
	for start < end && isSpace(text[start]) {
		start++
	}
	for end > start && isSpace(text[end-1]) {
		end--
	}
	return [2]int{start, end}
}

// splitOversize breaks one oversize paragraph into chunks on sentence
// boundaries, with the same overlap seeding as the paragraph loop.
// Sentences longer than the chunk size are hard-split.
func (c *Chunker) splitOversize(text string, start, end int) []Chunk {
	boundaries := sentenceBoundary.FindAllStringIndex(text[start:end], -1)

	// Sentence spans relative to the full text.
	var sentences [][2]int
	pos := start
	for _, b := range boundaries {
		cut := start + b[0] + 1 // just after the terminal punctuation
		sentences = append(sentences, c.trimSpan(text, pos, cut))
		pos = cut
	}
	sentences = append(sentences, c.trimSpan(text, pos, end))

	var chunks []Chunk
	curStart, curEnd := -1, -1

	emit := func() {
		if curStart >= 0 && curEnd-curStart >= c.min {
			chunks = append(chunks, c.makeChunk(text, curStart, curEnd))
		}
	}

	for _, sn := range sentences {
		snLen := sn[1] - sn[0]

		if snLen > c.size {
			emit()
			curStart, curEnd = -1, -1
			for p := sn[0]; p < sn[1]; p += c.size {
				q := p + c.size
				if q > sn[1] {
					q = sn[1]
				}
				if q-p >= c.min {
					chunks = append(chunks, c.makeChunk(text, p, q))
				}
			}
			continue
		}

		if curStart < 0 {
			curStart, curEnd = sn[0], sn[1]
			continue
		}
		if (curEnd-curStart)+1+snLen <= c.size {
			curEnd = sn[1]
			continue
		}

		emit()
		nextStart := curEnd - c.overlap
		if nextStart < curStart {
			nextStart = curStart
		}
		curStart, curEnd = nextStart, sn[1]
	}
	emit()

	return chunks
}

func (c *Chunker) makeChunk(text string, start, end int) Chunk {
	t := text[start:end]
	return Chunk{
		Text:       t,
		CharStart:  start,
		CharEnd:    end,
		TokenCount: len(t) / 4,
	}
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
