package readwise

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mitchellh/mapstructure"
)

// ReaderDocument is one Reader (v3) list item, decoded from the loose API
// map. Raw carries the original record for archival.
type ReaderDocument struct {
	ID            string `mapstructure:"id"`
	URL           string `mapstructure:"url"`
	SourceURL     string `mapstructure:"source_url"`
	Title         string `mapstructure:"title"`
	Author        string `mapstructure:"author"`
	Category      string `mapstructure:"category"`
	Summary       string `mapstructure:"summary"`
	PublishedDate string `mapstructure:"published_date"`
	SavedAt       string `mapstructure:"saved_at"`
	UpdatedAt     string `mapstructure:"updated_at"`
	WordCount     int    `mapstructure:"word_count"`
	HTMLContent   string `mapstructure:"html_content"`
	ParentID      string `mapstructure:"parent_id"`

	Raw map[string]any `mapstructure:"-"`
}

// BestURL prefers the original source URL over the Reader-internal one.
func (d *ReaderDocument) BestURL() string {
	if d.SourceURL != "" {
		return d.SourceURL
	}
	return d.URL
}

// ExportHighlight is one highlight inside an export book.
type ExportHighlight struct {
	ID            int64  `mapstructure:"id"`
	Text          string `mapstructure:"text"`
	Note          string `mapstructure:"note"`
	HighlightedAt string `mapstructure:"highlighted_at"`
}

// ExportBook is one Export (v2) record with its highlights.
type ExportBook struct {
	UserBookID int64             `mapstructure:"user_book_id"`
	Title      string            `mapstructure:"title"`
	Author     string            `mapstructure:"author"`
	SourceURL  string            `mapstructure:"source_url"`
	UniqueURL  string            `mapstructure:"unique_url"`
	Category   string            `mapstructure:"category"`
	Highlights []ExportHighlight `mapstructure:"highlights"`

	Raw map[string]any `mapstructure:"-"`
}

// BestURL prefers the source URL over the Readwise-hosted unique URL.
func (b *ExportBook) BestURL() string {
	if b.SourceURL != "" {
		return b.SourceURL
	}
	return b.UniqueURL
}

// DecodeReaderDocument decodes one Reader list record. Decoding is weakly
// typed because the API mixes numbers and strings across accounts.
func DecodeReaderDocument(record map[string]any) (*ReaderDocument, error) {
	var doc ReaderDocument
	if err := decodeLoose(record, &doc); err != nil {
		return nil, fmt.Errorf("decode reader document: %w", err)
	}
	doc.Raw = record
	doc.PublishedDate = normalizeTimestamp(doc.PublishedDate)
	doc.SavedAt = normalizeTimestamp(doc.SavedAt)
	doc.UpdatedAt = normalizeTimestamp(doc.UpdatedAt)
	return &doc, nil
}

// DecodeExportBook decodes one Export record.
func DecodeExportBook(record map[string]any) (*ExportBook, error) {
	var book ExportBook
	if err := decodeLoose(record, &book); err != nil {
		return nil, fmt.Errorf("decode export book: %w", err)
	}
	book.Raw = record
	for i := range book.Highlights {
		book.Highlights[i].HighlightedAt = normalizeTimestamp(book.Highlights[i].HighlightedAt)
	}
	return &book, nil
}

func decodeLoose(record map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(record)
}

// normalizeTimestamp parses the API's assorted date formats into RFC 3339
// UTC. Unparseable values pass through untouched rather than being lost.
func normalizeTimestamp(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return raw
	}
	return t.UTC().Format(time.RFC3339)
}

// RawJSON marshals a record map for the raw_json archival column.
func RawJSON(record map[string]any) string {
	b, err := json.Marshal(record)
	if err != nil {
		return ""
	}
	return string(b)
}
