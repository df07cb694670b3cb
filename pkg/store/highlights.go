package store

import (
	"context"
	"fmt"
)

// Highlight is a saved passage attached to a document.
type Highlight struct {
	ID                  int64
	DocumentID          int64
	ProviderHighlightID string
	Text                string
	TextHash            string
	Note                string
	HighlightedAt       string
	Provider            string
}

// SaveHighlight inserts a highlight, deduplicating on the normalized text
// hash per document. Returns the row id and whether a new row was created.
func (s *Store) SaveHighlight(ctx context.Context, h *Highlight) (int64, bool, error) {
	if h.DocumentID == 0 || h.Text == "" {
		return 0, false, fmt.Errorf("highlight requires document_id and text")
	}
	if h.TextHash == "" {
		h.TextHash = TextHash(h.Text)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO highlights (
			document_id, provider_highlight_id, text, text_hash, note,
			highlighted_at, provider
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, text_hash) DO UPDATE SET
			note           = COALESCE(excluded.note, note),
			highlighted_at = COALESCE(excluded.highlighted_at, highlighted_at)`,
		h.DocumentID, nullString(h.ProviderHighlightID), h.Text, h.TextHash,
		nullString(h.Note), nullString(h.HighlightedAt), nullString(h.Provider))
	if err != nil {
		return 0, false, fmt.Errorf("save highlight: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM highlights WHERE document_id = ? AND text_hash = ?`,
		h.DocumentID, h.TextHash).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("resolve highlight id: %w", err)
	}

	n, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	created := n > 0 && lastID == id
	return id, created, nil
}

// ListHighlights returns the highlights for a document in save order.
func (s *Store) ListHighlights(ctx context.Context, docID int64) ([]Highlight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, COALESCE(provider_highlight_id, ''), text,
		       text_hash, COALESCE(note, ''), COALESCE(highlighted_at, ''),
		       COALESCE(provider, '')
		FROM highlights WHERE document_id = ? ORDER BY id`, docID)
	if err != nil {
		return nil, fmt.Errorf("list highlights: %w", err)
	}
	defer rows.Close()

	var out []Highlight
	for rows.Next() {
		var h Highlight
		if err := rows.Scan(&h.ID, &h.DocumentID, &h.ProviderHighlightID,
			&h.Text, &h.TextHash, &h.Note, &h.HighlightedAt, &h.Provider); err != nil {
			return nil, fmt.Errorf("scan highlight: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
