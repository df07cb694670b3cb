package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Digest is a generated reading digest with its topics and citations.
type Digest struct {
	ID             int64         `json:"id"`
	Name           string        `json:"name"`
	TimeRangeDays  int           `json:"time_range_days"`
	DateFrom       string        `json:"date_from"`
	DateTo         string        `json:"date_to"`
	Strategy       string        `json:"strategy"`
	ModelID        string        `json:"model_id"`
	SummaryText    string        `json:"summary_text"`
	TopicsJSON     string        `json:"-"`
	HighlightsJSON string        `json:"-"`
	Highlights     []string      `json:"highlights,omitempty"`
	DocsAnalyzed   int           `json:"docs_analyzed"`
	ChunksAnalyzed int           `json:"chunks_analyzed"`
	TokensInput    int           `json:"tokens_input"`
	TokensOutput   int           `json:"tokens_output"`
	CostUSD        float64       `json:"cost_usd"`
	CreatedAt      string        `json:"created_at"`
	Topics         []DigestTopic `json:"topics,omitempty"`
}

// DigestTopic is one clustered topic within a digest.
type DigestTopic struct {
	TopicIndex    int              `json:"topic_index"`
	TopicName     string           `json:"topic_name"`
	Summary       string           `json:"summary"`
	KeyPointsJSON string           `json:"-"`
	KeyPoints     []string         `json:"key_points,omitempty"`
	ChunkCount    int              `json:"chunk_count"`
	Citations     []DigestCitation `json:"citations,omitempty"`
}

// DigestCitation ties a topic back to a source chunk.
type DigestCitation struct {
	ChunkID    int64  `json:"chunk_id"`
	DocumentID int64  `json:"document_id"`
	Excerpt    string `json:"excerpt"`
}

// SaveDigest writes a digest with its topics and citations in one
// transaction and returns the digest id.
func (s *Store) SaveDigest(ctx context.Context, d *Digest) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO generated_digests (
				name, time_range_days, date_from, date_to, strategy, model_id,
				summary_text, topics_json, highlights_json, docs_analyzed,
				chunks_analyzed, tokens_input, tokens_output, cost_usd
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.Name, d.TimeRangeDays, d.DateFrom, d.DateTo, d.Strategy,
			d.ModelID, nullString(d.SummaryText), nullString(d.TopicsJSON),
			nullString(d.HighlightsJSON), d.DocsAnalyzed, d.ChunksAnalyzed,
			d.TokensInput, d.TokensOutput, d.CostUSD)
		if err != nil {
			return fmt.Errorf("insert digest: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("digest id: %w", err)
		}

		for _, t := range d.Topics {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO digest_topics (
					digest_id, topic_index, topic_name, summary,
					key_points_json, chunk_count
				) VALUES (?, ?, ?, ?, ?, ?)`,
				id, t.TopicIndex, t.TopicName, nullString(t.Summary),
				nullString(t.KeyPointsJSON), t.ChunkCount); err != nil {
				return fmt.Errorf("insert digest topic %d: %w", t.TopicIndex, err)
			}
			for _, c := range t.Citations {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO digest_citations (
						digest_id, topic_index, chunk_id, document_id, excerpt
					) VALUES (?, ?, ?, ?, ?)`,
					id, t.TopicIndex, c.ChunkID, c.DocumentID,
					nullString(c.Excerpt)); err != nil {
					return fmt.Errorf("insert digest citation: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListDigests returns digest headers, newest first, without topics.
func (s *Store) ListDigests(ctx context.Context, limit int) ([]Digest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, time_range_days, date_from, date_to, strategy,
		       model_id, COALESCE(summary_text, ''), docs_analyzed,
		       chunks_analyzed, tokens_input, tokens_output, cost_usd,
		       created_at
		FROM generated_digests
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list digests: %w", err)
	}
	defer rows.Close()

	var out []Digest
	for rows.Next() {
		var d Digest
		if err := rows.Scan(&d.ID, &d.Name, &d.TimeRangeDays, &d.DateFrom,
			&d.DateTo, &d.Strategy, &d.ModelID, &d.SummaryText,
			&d.DocsAnalyzed, &d.ChunksAnalyzed, &d.TokensInput,
			&d.TokensOutput, &d.CostUSD, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan digest: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDigest loads one digest with its topics and citations.
func (s *Store) GetDigest(ctx context.Context, id int64) (*Digest, error) {
	var d Digest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, time_range_days, date_from, date_to, strategy,
		       model_id, COALESCE(summary_text, ''), COALESCE(topics_json, ''),
		       COALESCE(highlights_json, ''), docs_analyzed, chunks_analyzed,
		       tokens_input, tokens_output, cost_usd, created_at
		FROM generated_digests WHERE id = ?`, id).
		Scan(&d.ID, &d.Name, &d.TimeRangeDays, &d.DateFrom, &d.DateTo,
			&d.Strategy, &d.ModelID, &d.SummaryText, &d.TopicsJSON,
			&d.HighlightsJSON, &d.DocsAnalyzed, &d.ChunksAnalyzed,
			&d.TokensInput, &d.TokensOutput, &d.CostUSD, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("digest %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get digest %d: %w", id, err)
	}
	if d.HighlightsJSON != "" {
		// Malformed rows from older builds just lose their highlights.
		_ = json.Unmarshal([]byte(d.HighlightsJSON), &d.Highlights)
	}

	topicRows, err := s.db.QueryContext(ctx, `
		SELECT topic_index, topic_name, COALESCE(summary, ''),
		       COALESCE(key_points_json, ''), chunk_count
		FROM digest_topics WHERE digest_id = ? ORDER BY topic_index`, id)
	if err != nil {
		return nil, fmt.Errorf("load digest topics: %w", err)
	}
	defer topicRows.Close()

	for topicRows.Next() {
		var t DigestTopic
		if err := topicRows.Scan(&t.TopicIndex, &t.TopicName, &t.Summary,
			&t.KeyPointsJSON, &t.ChunkCount); err != nil {
			return nil, fmt.Errorf("scan digest topic: %w", err)
		}
		if t.KeyPointsJSON != "" {
			_ = json.Unmarshal([]byte(t.KeyPointsJSON), &t.KeyPoints)
		}
		d.Topics = append(d.Topics, t)
	}
	if err := topicRows.Err(); err != nil {
		return nil, err
	}

	byIndex := make(map[int]*DigestTopic, len(d.Topics))
	for i := range d.Topics {
		byIndex[d.Topics[i].TopicIndex] = &d.Topics[i]
	}

	citRows, err := s.db.QueryContext(ctx, `
		SELECT topic_index, chunk_id, document_id, COALESCE(excerpt, '')
		FROM digest_citations WHERE digest_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load digest citations: %w", err)
	}
	defer citRows.Close()

	for citRows.Next() {
		var idx int
		var c DigestCitation
		if err := citRows.Scan(&idx, &c.ChunkID, &c.DocumentID, &c.Excerpt); err != nil {
			return nil, fmt.Errorf("scan digest citation: %w", err)
		}
		if t, ok := byIndex[idx]; ok {
			t.Citations = append(t.Citations, c)
		}
	}
	if err := citRows.Err(); err != nil {
		return nil, err
	}

	return &d, nil
}

// DeleteDigest removes a digest; topics and citations cascade.
func (s *Store) DeleteDigest(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM generated_digests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete digest %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("digest %d: %w", id, ErrNotFound)
	}
	return nil
}
