package store

import (
	"context"
	"fmt"
)

// UsageEntry is one metered API call.
type UsageEntry struct {
	Provider     string
	Model        string
	Operation    string
	TokensInput  int
	TokensOutput int
	CostUSD      float64
	LatencyMS    int
	Success      bool
	ErrorMessage string
	Metadata     string
}

// RecordUsage appends an entry to the usage ledger.
func (s *Store) RecordUsage(ctx context.Context, e *UsageEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_usage (
			provider, model, operation, tokens_input, tokens_output,
			cost_usd, latency_ms, success, error_message, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Provider, e.Model, e.Operation, e.TokensInput, e.TokensOutput,
		e.CostUSD, e.LatencyMS, e.Success, nullString(e.ErrorMessage),
		nullString(e.Metadata))
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// UsageBucket aggregates calls, tokens, cost, latency and failures.
type UsageBucket struct {
	Calls        int     `json:"calls"`
	TokensInput  int     `json:"tokens_input"`
	TokensOutput int     `json:"tokens_output"`
	CostUSD      float64 `json:"cost_usd"`
	AvgLatencyMS float64 `json:"avg_latency"`
	Errors       int     `json:"errors"`
}

// UsageStats is the usage summary for one period.
type UsageStats struct {
	Period      string                 `json:"period"`
	Total       UsageBucket            `json:"total"`
	ByProvider  map[string]UsageBucket `json:"by_provider"`
	ByOperation map[string]UsageBucket `json:"by_operation"`
}

func periodClause(period string) (string, error) {
	switch period {
	case "today":
		return `ts >= date('now')`, nil
	case "week":
		return `ts >= date('now', '-7 days')`, nil
	case "month":
		return `ts >= date('now', '-30 days')`, nil
	case "all", "":
		return `1=1`, nil
	default:
		return "", fmt.Errorf("unknown usage period %q", period)
	}
}

// GetUsageStats aggregates the ledger for a period ("today", "week",
// "month", "all").
func (s *Store) GetUsageStats(ctx context.Context, period string) (*UsageStats, error) {
	clause, err := periodClause(period)
	if err != nil {
		return nil, err
	}
	if period == "" {
		period = "all"
	}

	stats := &UsageStats{
		Period:      period,
		ByProvider:  make(map[string]UsageBucket),
		ByOperation: make(map[string]UsageBucket),
	}

	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(tokens_input), 0),
		       COALESCE(SUM(tokens_output), 0), COALESCE(SUM(cost_usd), 0),
		       COALESCE(AVG(latency_ms), 0),
		       COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		FROM api_usage WHERE %s`, clause)).
		Scan(&stats.Total.Calls, &stats.Total.TokensInput,
			&stats.Total.TokensOutput, &stats.Total.CostUSD,
			&stats.Total.AvgLatencyMS, &stats.Total.Errors); err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}

	for _, group := range []struct {
		column string
		dest   map[string]UsageBucket
	}{
		{"provider", stats.ByProvider},
		{"operation", stats.ByOperation},
	} {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s, COUNT(*), COALESCE(SUM(tokens_input), 0),
			       COALESCE(SUM(tokens_output), 0), COALESCE(SUM(cost_usd), 0),
			       COALESCE(AVG(latency_ms), 0),
			       COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
			FROM api_usage WHERE %s GROUP BY %s`,
			group.column, clause, group.column))
		if err != nil {
			return nil, fmt.Errorf("usage by %s: %w", group.column, err)
		}
		for rows.Next() {
			var key string
			var b UsageBucket
			if err := rows.Scan(&key, &b.Calls, &b.TokensInput,
				&b.TokensOutput, &b.CostUSD, &b.AvgLatencyMS, &b.Errors); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan usage bucket: %w", err)
			}
			group.dest[key] = b
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return stats, nil
}

// CountCallsToday counts today's successful ledger entries for an
// operation. Used for the daily call caps.
func (s *Store) CountCallsToday(ctx context.Context, operation string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM api_usage
		WHERE operation = ? AND success = 1 AND ts >= date('now')`,
		operation).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count calls today: %w", err)
	}
	return n, nil
}
