// Package llm provides chat-completion providers for digest generation.
package llm

import (
	"context"
	"fmt"
)

// Provider is a chat-completion backend.
type Provider interface {
	// Name is the provider id.
	Name() string

	// ModelID is the chat model in use.
	ModelID() string

	// Chat runs one completion.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// EstimateCost predicts the USD cost of a call from token counts.
	EstimateCost(tokensInput, tokensOutput int) float64
}

// ChatRequest is one completion request.
type ChatRequest struct {
	// System is the optional system prompt.
	System string

	// User is the user message.
	User string

	// Temperature in [0, 2].
	Temperature float64

	// MaxTokens caps the completion length. Zero leaves it to the model.
	MaxTokens int
}

// ChatResponse is one completion result with its token accounting.
type ChatResponse struct {
	Content      string  `json:"content"`
	Model        string  `json:"model"`
	TokensInput  int     `json:"tokens_input"`
	TokensOutput int     `json:"tokens_output"`
	FinishReason string  `json:"finish_reason"`
	LatencyMS    int64   `json:"latency_ms"`
	CostUSD      float64 `json:"cost_usd"`
}

// ErrorCode classifies a chat failure.
type ErrorCode string

const (
	ErrAuth           ErrorCode = "auth"
	ErrQuotaExhausted ErrorCode = "quota_exhausted"
	ErrRateLimited    ErrorCode = "rate_limited"
	ErrModelNotFound  ErrorCode = "model_not_found"
	ErrConnection     ErrorCode = "connection"
	ErrServer         ErrorCode = "server"
	ErrBadResponse    ErrorCode = "bad_response"
)

// Error is a typed chat-provider failure.
type Error struct {
	Provider  string
	Code      ErrorCode
	Message   string
	Retriable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}
