// Package embeddings provides text-embedding providers behind a common
// interface, plus the vector blob codec used by the store.
package embeddings

import (
	"context"
	"fmt"
)

// maxInputChars truncates any single input before it is sent upstream.
const maxInputChars = 20000

// Provider is a text-embedding backend.
type Provider interface {
	// Name is the provider id ("openai", "ollama").
	Name() string

	// ModelID is the embedding model in use.
	ModelID() string

	// Dimensions is the vector width the model produces.
	Dimensions() int

	// CostPer1MTokens is the input price in USD, zero for local models.
	CostPer1MTokens() float64

	// Embed embeds a batch of texts, preserving order.
	Embed(ctx context.Context, texts []string) (*BatchResult, error)

	// EmbedSingle embeds one text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)

	// HealthCheck probes the backend.
	HealthCheck(ctx context.Context) *HealthStatus

	// EstimateCost predicts the cost of embedding texts, in USD.
	EstimateCost(texts []string) float64
}

// BatchResult is one successful embedding batch.
type BatchResult struct {
	Vectors    [][]float32
	TokensUsed int
	CostUSD    float64
}

// HealthStatus is the result of a provider probe.
type HealthStatus struct {
	Healthy   bool           `json:"healthy"`
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	Message   string         `json:"message"`
	LatencyMS int64          `json:"latency_ms"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorCode classifies a provider failure.
type ErrorCode string

const (
	ErrAuth              ErrorCode = "auth"
	ErrQuotaExhausted    ErrorCode = "quota_exhausted"
	ErrRateLimited       ErrorCode = "rate_limited"
	ErrModelNotInstalled ErrorCode = "model_not_installed"
	ErrConnection        ErrorCode = "connection"
	ErrServer            ErrorCode = "server"
	ErrBadResponse       ErrorCode = "bad_response"
)

// ProviderError is a typed upstream failure. Retriable reports whether a
// later attempt could succeed; the retry loop has already given up by the
// time a caller sees one.
type ProviderError struct {
	Provider  string
	Code      ErrorCode
	Message   string
	Retriable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// truncateInput caps one input text at the provider limit.
func truncateInput(text string) string {
	if len(text) > maxInputChars {
		return text[:maxInputChars]
	}
	return text
}

// estimateTokens is the chars/4 heuristic used for cost estimates.
func estimateTokens(texts []string) int {
	total := 0
	for _, t := range texts {
		total += len(truncateInput(t))
	}
	return total / 4
}
