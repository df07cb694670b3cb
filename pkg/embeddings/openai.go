package embeddings

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIDefaultModel   = "text-embedding-3-small"

	// openAIMaxBatch is the API's input-array limit per request.
	openAIMaxBatch = 2048

	retryInitialInterval = 2 * time.Second
	retryMaxInterval     = 60 * time.Second
	retryMaxAttempts     = 5
)

// OpenAIConfig configures the hosted embedding provider.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, for tests and proxies.
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// HTTPClient defaults to a client with a 60s timeout.
	HTTPClient *http.Client

	// Logger defaults to a null logger.
	Logger hclog.Logger
}

// OpenAIProvider embeds text through the OpenAI embeddings API. Batches
// request base64 vectors to cut response size roughly in half.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	model   ModelInfo
	client  *http.Client
	logger  hclog.Logger
}

// NewOpenAI builds the provider, validating the model against the catalog.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openAIDefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	model, ok := openAIModels[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("openai: unknown embedding model %q", cfg.Model)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   model,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger.Named("openai-embeddings"),
	}, nil
}

func (p *OpenAIProvider) Name() string             { return "openai" }
func (p *OpenAIProvider) ModelID() string          { return p.model.ID }
func (p *OpenAIProvider) Dimensions() int          { return p.model.Dimensions }
func (p *OpenAIProvider) CostPer1MTokens() float64 { return p.model.CostPer1MTokens }

// EstimateCost predicts batch cost with the chars/4 token heuristic.
func (p *OpenAIProvider) EstimateCost(texts []string) float64 {
	return float64(estimateTokens(texts)) * p.model.CostPer1MTokens / 1e6
}

type openAIEmbeddingRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int    `json:"index"`
		Embedding string `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Embed embeds texts, splitting into API-sized batches and retrying
// transient failures with exponential backoff.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) (*BatchResult, error) {
	if len(texts) == 0 {
		return &BatchResult{}, nil
	}

	result := &BatchResult{Vectors: make([][]float32, 0, len(texts))}
	for start := 0; start < len(texts); start += openAIMaxBatch {
		end := start + openAIMaxBatch
		if end > len(texts) {
			end = len(texts)
		}
		batch := make([]string, end-start)
		for i, t := range texts[start:end] {
			batch[i] = truncateInput(t)
		}

		resp, err := p.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}

		vectors := make([][]float32, len(batch))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, &ProviderError{Provider: "openai", Code: ErrBadResponse,
					Message: fmt.Sprintf("embedding index %d out of range", d.Index)}
			}
			raw, err := base64.StdEncoding.DecodeString(d.Embedding)
			if err != nil {
				return nil, &ProviderError{Provider: "openai", Code: ErrBadResponse,
					Message: fmt.Sprintf("decode base64 embedding: %v", err)}
			}
			vec, err := DeserializeFloat32(raw)
			if err != nil {
				return nil, &ProviderError{Provider: "openai", Code: ErrBadResponse,
					Message: err.Error()}
			}
			if len(vec) != p.model.Dimensions {
				return nil, &ProviderError{Provider: "openai", Code: ErrBadResponse,
					Message: fmt.Sprintf("got %d dims, want %d", len(vec), p.model.Dimensions)}
			}
			vectors[d.Index] = vec
		}
		for i, v := range vectors {
			if v == nil {
				return nil, &ProviderError{Provider: "openai", Code: ErrBadResponse,
					Message: fmt.Sprintf("missing embedding for input %d", start+i)}
			}
		}

		result.Vectors = append(result.Vectors, vectors...)
		result.TokensUsed += resp.Usage.PromptTokens
	}

	result.CostUSD = float64(result.TokensUsed) * p.model.CostPer1MTokens / 1e6
	return result, nil
}

// EmbedSingle embeds one text.
func (p *OpenAIProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	res, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return res.Vectors[0], nil
}

// HealthCheck embeds a short probe string and reports latency.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) *HealthStatus {
	status := &HealthStatus{Provider: "openai", Model: p.model.ID}

	start := time.Now()
	_, err := p.EmbedSingle(ctx, "health check")
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Message = err.Error()
		return status
	}
	status.Healthy = true
	status.Message = "ok"
	status.Details = map[string]any{"dimensions": p.model.Dimensions}
	return status
}

// embedBatch performs one API call with retries.
func (p *OpenAIProvider) embedBatch(ctx context.Context, inputs []string) (*openAIEmbeddingResponse, error) {
	op := func() (*openAIEmbeddingResponse, error) {
		return p.doEmbedRequest(ctx, inputs)
	}

	resp, err := retryWithBackoff(ctx, op)
	if err != nil {
		var pe *ProviderError
		if !errors.As(err, &pe) {
			return nil, &ProviderError{Provider: "openai", Code: ErrConnection,
				Message: err.Error(), Retriable: true}
		}
		return nil, err
	}
	return resp, nil
}

func (p *OpenAIProvider) doEmbedRequest(ctx context.Context, inputs []string) (*openAIEmbeddingResponse, error) {
	body, err := json.Marshal(openAIEmbeddingRequest{
		Model:          p.model.ID,
		Input:          inputs,
		EncodingFormat: "base64",
	})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		// Transport failures are worth retrying.
		return nil, &ProviderError{Provider: "openai", Code: ErrConnection,
			Message: err.Error(), Retriable: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Code: ErrConnection,
			Message: err.Error(), Retriable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyOpenAIError(resp.StatusCode, respBody)
	}

	var parsed openAIEmbeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, backoff.Permanent(&ProviderError{Provider: "openai",
			Code: ErrBadResponse, Message: err.Error()})
	}
	return &parsed, nil
}

// classifyOpenAIError maps an error status to a ProviderError, marking it
// permanent for the retry loop when a retry cannot help.
func classifyOpenAIError(status int, body []byte) error {
	var parsed openAIErrorResponse
	_ = json.Unmarshal(body, &parsed)
	msg := parsed.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusUnauthorized:
		return backoff.Permanent(&ProviderError{Provider: "openai", Code: ErrAuth,
			Message: msg})
	case status == http.StatusTooManyRequests:
		lower := strings.ToLower(msg + parsed.Error.Type + parsed.Error.Code)
		if strings.Contains(lower, "quota") {
			// Out of credit: retrying burns time for nothing.
			return backoff.Permanent(&ProviderError{Provider: "openai",
				Code: ErrQuotaExhausted, Message: msg})
		}
		return &ProviderError{Provider: "openai", Code: ErrRateLimited,
			Message: msg, Retriable: true}
	case status >= 500:
		return &ProviderError{Provider: "openai", Code: ErrServer,
			Message: msg, Retriable: true}
	default:
		return backoff.Permanent(&ProviderError{Provider: "openai",
			Code: ErrBadResponse, Message: fmt.Sprintf("status %d: %s", status, msg)})
	}
}

// retryWithBackoff runs op with the shared retry policy: exponential
// backoff from 2s, doubling, capped at 60s, at most 5 attempts.
func retryWithBackoff[T any](ctx context.Context, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.Multiplier = 2
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = 0

	var zero T
	var result T
	err := backoff.Retry(func() error {
		var opErr error
		result, opErr = op()
		return opErr
	}, backoff.WithContext(backoff.WithMaxRetries(b, retryMaxAttempts-1), ctx))
	if err != nil {
		return zero, err
	}
	return result, nil
}
