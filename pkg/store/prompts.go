package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CustomPrompt is a user override for one prompt key.
type CustomPrompt struct {
	Key         string  `json:"key"`
	Template    string  `json:"template"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// GetCustomPrompt returns the override for a prompt key, or nil when the
// default is in effect.
func (s *Store) GetCustomPrompt(ctx context.Context, key string) (*CustomPrompt, error) {
	var p CustomPrompt
	p.Key = key
	err := s.db.QueryRowContext(ctx, `
		SELECT template, temperature, max_tokens
		FROM custom_prompts WHERE key = ?`, key).
		Scan(&p.Template, &p.Temperature, &p.MaxTokens)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get custom prompt %q: %w", key, err)
	}
	return &p, nil
}

// SaveCustomPrompt upserts a prompt override.
func (s *Store) SaveCustomPrompt(ctx context.Context, p *CustomPrompt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_prompts (key, template, temperature, max_tokens)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			template = excluded.template,
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			updated_at = datetime('now')`,
		p.Key, p.Template, p.Temperature, p.MaxTokens)
	if err != nil {
		return fmt.Errorf("save custom prompt %q: %w", p.Key, err)
	}
	return nil
}

// DeleteCustomPrompt removes an override, restoring the default.
func (s *Store) DeleteCustomPrompt(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM custom_prompts WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete custom prompt %q: %w", key, err)
	}
	return nil
}

// ListCustomPrompts returns all overrides keyed by prompt key.
func (s *Store) ListCustomPrompts(ctx context.Context) (map[string]CustomPrompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, template, temperature, max_tokens FROM custom_prompts`)
	if err != nil {
		return nil, fmt.Errorf("list custom prompts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]CustomPrompt)
	for rows.Next() {
		var p CustomPrompt
		if err := rows.Scan(&p.Key, &p.Template, &p.Temperature, &p.MaxTokens); err != nil {
			return nil, fmt.Errorf("scan custom prompt: %w", err)
		}
		out[p.Key] = p
	}
	return out, rows.Err()
}
