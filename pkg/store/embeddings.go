package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
)

// DocVectorDims is the dimensionality of the legacy document-level vector
// table. Only embeddings of this size feed it.
const DocVectorDims = 1536

// EmbeddingRow is one chunk embedding to persist. Blob is the little-endian
// float32 encoding produced by the embeddings package.
type EmbeddingRow struct {
	ChunkID    int64
	DocumentID int64
	Provider   string
	Model      string
	Dimensions int
	Blob       []byte
}

// SaveEmbeddingsBatch writes a batch of chunk embeddings and mirrors each
// into the vec0 table for its dimensionality, all in one transaction. A
// crash mid-batch therefore leaves no embedding without its vector row.
// Returns the number of rows written.
func (s *Store) SaveEmbeddingsBatch(ctx context.Context, rows []EmbeddingRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			table, err := VectorTableName(r.Dimensions)
			if err != nil {
				return err
			}
			if len(r.Blob) != r.Dimensions*4 {
				return fmt.Errorf("embedding blob for chunk %d: got %d bytes, want %d",
					r.ChunkID, len(r.Blob), r.Dimensions*4)
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO embeddings (chunk_id, provider, model, dimensions, embedding)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(chunk_id, provider, model) DO UPDATE SET
					dimensions = excluded.dimensions,
					embedding  = excluded.embedding,
					created_at = datetime('now')`,
				r.ChunkID, r.Provider, r.Model, r.Dimensions, r.Blob); err != nil {
				return fmt.Errorf("save embedding for chunk %d: %w", r.ChunkID, err)
			}

			var embID int64
			if err := tx.QueryRowContext(ctx,
				`SELECT id FROM embeddings WHERE chunk_id = ? AND provider = ? AND model = ?`,
				r.ChunkID, r.Provider, r.Model).Scan(&embID); err != nil {
				return fmt.Errorf("resolve embedding id for chunk %d: %w", r.ChunkID, err)
			}

			// vec0 has no upsert; replace any previous vector row.
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE embedding_id = ?`, table), embID); err != nil {
				return fmt.Errorf("clear vector row %d: %w", embID, err)
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO %s (embedding_id, embedding) VALUES (?, ?)`, table),
				embID, r.Blob); err != nil {
				return fmt.Errorf("insert vector row %d: %w", embID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// ChunkEmbedding pairs a chunk with its stored vector blob.
type ChunkEmbedding struct {
	ChunkID    int64
	DocumentID int64
	Dimensions int
	Blob       []byte
}

// GetChunkEmbeddings loads the stored vectors for the given chunk ids under
// one provider/model pair. Chunks without an embedding are simply absent
// from the result.
func (s *Store) GetChunkEmbeddings(ctx context.Context, provider, model string, chunkIDs []int64) ([]ChunkEmbedding, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	placeholders := ""
	args := make([]any, 0, len(chunkIDs)+2)
	args = append(args, provider, model)
	for i, id := range chunkIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT e.chunk_id, c.document_id, e.dimensions, e.embedding
		FROM embeddings e
		JOIN document_chunks c ON c.id = e.chunk_id
		WHERE e.provider = ? AND e.model = ? AND e.chunk_id IN (%s)
		ORDER BY e.chunk_id`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("get chunk embeddings: %w", err)
	}
	defer rows.Close()

	var out []ChunkEmbedding
	for rows.Next() {
		var ce ChunkEmbedding
		if err := rows.Scan(&ce.ChunkID, &ce.DocumentID, &ce.Dimensions, &ce.Blob); err != nil {
			return nil, fmt.Errorf("scan chunk embedding: %w", err)
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}

// RefreshDocEmbeddings recomputes the legacy document-level vectors for
// the given documents as the mean of their chunk embeddings under one
// provider/model pair. Documents with no 1536-dimension chunk embeddings
// are left untouched.
func (s *Store) RefreshDocEmbeddings(ctx context.Context, provider, model string, docIDs []int64) error {
	for _, docID := range docIDs {
		rows, err := s.db.QueryContext(ctx, `
			SELECT e.embedding
			FROM embeddings e
			JOIN document_chunks c ON c.id = e.chunk_id
			WHERE c.document_id = ? AND e.provider = ? AND e.model = ?
			  AND e.dimensions = ?`,
			docID, provider, model, DocVectorDims)
		if err != nil {
			return fmt.Errorf("load chunk vectors for document %d: %w", docID, err)
		}

		sums := make([]float64, DocVectorDims)
		count := 0
		for rows.Next() {
			var blob []byte
			if err := rows.Scan(&blob); err != nil {
				rows.Close()
				return fmt.Errorf("scan chunk vector: %w", err)
			}
			if len(blob) != DocVectorDims*4 {
				continue
			}
			for i := range sums {
				sums[i] += float64(math.Float32frombits(
					binary.LittleEndian.Uint32(blob[i*4:])))
			}
			count++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if count == 0 {
			continue
		}

		mean := make([]byte, DocVectorDims*4)
		for i := range sums {
			binary.LittleEndian.PutUint32(mean[i*4:],
				math.Float32bits(float32(sums[i]/float64(count))))
		}

		err = s.inTx(ctx, func(tx *sql.Tx) error {
			// vec0 has no upsert; replace any previous vector row.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM doc_embeddings WHERE document_id = ?`, docID); err != nil {
				return fmt.Errorf("clear document vector %d: %w", docID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO doc_embeddings (document_id, embedding) VALUES (?, ?)`,
				docID, mean); err != nil {
				return fmt.Errorf("insert document vector %d: %w", docID, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SearchDocumentsSemantic runs the legacy document-level KNN over the mean
// document vectors and returns the matching documents, nearest first.
func (s *Store) SearchDocumentsSemantic(ctx context.Context, vector []byte, k int) ([]LibraryItem, error) {
	if len(vector) != DocVectorDims*4 {
		return nil, fmt.Errorf("document vector: got %d bytes, want %d",
			len(vector), DocVectorDims*4)
	}
	if k <= 0 {
		k = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id FROM doc_embeddings
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, vector, k)
	if err != nil {
		return nil, fmt.Errorf("semantic document search: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document hit: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s.LibraryItems(ctx, ids)
}

func (s *Store) countOrphanVectors(ctx context.Context) (int, error) {
	total := 0
	for _, dims := range VectorDims {
		table, _ := VectorTableName(dims)
		var n int
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT COUNT(*) FROM %s v
			WHERE NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.id = v.embedding_id)`,
			table)).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("count orphans in %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}

// CleanupOrphanVectors removes vector rows whose embedding row is gone
// (cascade-deleted with its chunk). Deletes run in batches of at most 500
// rows per transaction so a large cleanup never holds the write lock long.
// Returns the number of rows removed.
func (s *Store) CleanupOrphanVectors(ctx context.Context) (int, error) {
	const batchSize = 500

	removed := 0
	for _, dims := range VectorDims {
		table, _ := VectorTableName(dims)
		for {
			var n int64
			err := s.inTx(ctx, func(tx *sql.Tx) error {
				res, err := tx.ExecContext(ctx, fmt.Sprintf(`
					DELETE FROM %s WHERE rowid IN (
						SELECT v.rowid FROM %s v
						WHERE NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.id = v.embedding_id)
						LIMIT ?
					)`, table, table), batchSize)
				if err != nil {
					return fmt.Errorf("delete orphans from %s: %w", table, err)
				}
				n, err = res.RowsAffected()
				return err
			})
			if err != nil {
				return removed, err
			}
			removed += int(n)
			if n < batchSize {
				break
			}
		}
	}

	if removed > 0 {
		s.logger.Info("removed orphan vector rows", "count", removed)
	}
	return removed, nil
}
