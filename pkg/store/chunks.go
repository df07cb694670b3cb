package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Chunk is one position-anchored slice of a document's fulltext.
type Chunk struct {
	ID         int64
	DocumentID int64
	ChunkIndex int
	Text       string
	CharStart  int
	CharEnd    int
	TokenCount int
}

// ReplaceChunks atomically replaces a document's chunks. Old chunk rows are
// deleted (their embeddings cascade) and the new set is inserted in one
// transaction, so readers never see a partial chunk set.
func (s *Store) ReplaceChunks(ctx context.Context, docID int64, chunks []Chunk) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM document_chunks WHERE document_id = ?`, docID); err != nil {
			return fmt.Errorf("delete old chunks for document %d: %w", docID, err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO document_chunks (
				document_id, chunk_index, chunk_text, char_start, char_end, token_count
			) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare chunk insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, docID, c.ChunkIndex, c.Text,
				c.CharStart, c.CharEnd, c.TokenCount); err != nil {
				return fmt.Errorf("insert chunk %d for document %d: %w",
					c.ChunkIndex, docID, err)
			}
		}
		return nil
	})
}

// EmbedCandidate is a chunk awaiting an embedding for a provider/model pair.
type EmbedCandidate struct {
	ChunkID    int64
	DocumentID int64
	Text       string
	TokenCount int
}

// ListEmbedCandidates returns chunks past afterChunkID that have no
// embedding for the given provider and model, in chunk id order.
func (s *Store) ListEmbedCandidates(ctx context.Context, provider, model string, afterChunkID int64, limit int) ([]EmbedCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.chunk_text, COALESCE(c.token_count, 0)
		FROM document_chunks c
		WHERE c.id > ?
		  AND NOT EXISTS (
			SELECT 1 FROM embeddings e
			WHERE e.chunk_id = c.id AND e.provider = ? AND e.model = ?
		  )
		ORDER BY c.id
		LIMIT ?`, afterChunkID, provider, model, limit)
	if err != nil {
		return nil, fmt.Errorf("list embed candidates: %w", err)
	}
	defer rows.Close()

	var out []EmbedCandidate
	for rows.Next() {
		var c EmbedCandidate
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.Text, &c.TokenCount); err != nil {
			return nil, fmt.Errorf("scan embed candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EmbedStats summarizes embedding coverage for a provider/model pair.
type EmbedStats struct {
	Total    int `json:"total"`
	Embedded int `json:"embedded"`
	Pending  int `json:"pending"`
	Orphaned int `json:"orphaned"`
}

// GetEmbedStats counts total chunks, chunks embedded for the provider/model,
// pending chunks, and orphaned vector rows.
func (s *Store) GetEmbedStats(ctx context.Context, provider, model string) (*EmbedStats, error) {
	var st EmbedStats
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_chunks`).Scan(&st.Total); err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM document_chunks c
		WHERE EXISTS (
			SELECT 1 FROM embeddings e
			WHERE e.chunk_id = c.id AND e.provider = ? AND e.model = ?
		)`, provider, model).Scan(&st.Embedded); err != nil {
		return nil, fmt.Errorf("count embedded chunks: %w", err)
	}
	st.Pending = st.Total - st.Embedded

	orphaned, err := s.countOrphanVectors(ctx)
	if err != nil {
		return nil, err
	}
	st.Orphaned = orphaned
	return &st, nil
}
