package embeddings

import (
	"bytes"
	"context"
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
	ollamaDefaultBaseURL = "http://localhost:11434"
	ollamaDefaultModel   = "nomic-embed-text"
)

// OllamaConfig configures the local embedding provider.
type OllamaConfig struct {
	// BaseURL defaults to http://localhost:11434.
	BaseURL string

	// Model defaults to nomic-embed-text.
	Model string

	// HTTPClient defaults to a client with a 120s timeout; local models
	// can be slow on first load.
	HTTPClient *http.Client

	// Logger defaults to a null logger.
	Logger hclog.Logger
}

// OllamaProvider embeds text through a local Ollama server. The API takes
// one prompt per call, so batches loop.
type OllamaProvider struct {
	baseURL string
	model   ModelInfo
	client  *http.Client
	logger  hclog.Logger
}

// NewOllama builds the provider, validating the model against the catalog.
func NewOllama(cfg OllamaConfig) (*OllamaProvider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ollamaDefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	model, ok := ollamaModels[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("ollama: unknown embedding model %q", cfg.Model)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   model,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger.Named("ollama-embeddings"),
	}, nil
}

func (p *OllamaProvider) Name() string             { return "ollama" }
func (p *OllamaProvider) ModelID() string          { return p.model.ID }
func (p *OllamaProvider) Dimensions() int          { return p.model.Dimensions }
func (p *OllamaProvider) CostPer1MTokens() float64 { return 0 }

// EstimateCost is always zero for local models.
func (p *OllamaProvider) EstimateCost([]string) float64 { return 0 }

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed embeds texts one at a time, preserving order.
func (p *OllamaProvider) Embed(ctx context.Context, texts []string) (*BatchResult, error) {
	result := &BatchResult{Vectors: make([][]float32, 0, len(texts))}
	for _, text := range texts {
		vec, err := p.EmbedSingle(ctx, text)
		if err != nil {
			return nil, err
		}
		result.Vectors = append(result.Vectors, vec)
		result.TokensUsed += len(truncateInput(text)) / 4
	}
	return result, nil
}

// EmbedSingle embeds one text with the shared retry policy.
func (p *OllamaProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vec, err := retryWithBackoff(ctx, func() ([]float32, error) {
		return p.doEmbedRequest(ctx, truncateInput(text))
	})
	if err != nil {
		var pe *ProviderError
		if !errors.As(err, &pe) {
			return nil, &ProviderError{Provider: "ollama", Code: ErrConnection,
				Message: err.Error(), Retriable: true}
		}
		return nil, err
	}
	return vec, nil
}

func (p *OllamaProvider) doEmbedRequest(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbeddingRequest{Model: p.model.ID, Prompt: text})
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		// Server not running or unreachable.
		return nil, &ProviderError{Provider: "ollama", Code: ErrConnection,
			Message: err.Error(), Retriable: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: "ollama", Code: ErrConnection,
			Message: err.Error(), Retriable: true}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(&ProviderError{Provider: "ollama",
			Code: ErrModelNotInstalled,
			Message: fmt.Sprintf("model %q not installed (ollama pull %s)",
				p.model.ID, p.model.ID)})
	case resp.StatusCode >= 500:
		return nil, &ProviderError{Provider: "ollama", Code: ErrServer,
			Message: strings.TrimSpace(string(respBody)), Retriable: true}
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(&ProviderError{Provider: "ollama",
			Code:    ErrBadResponse,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, respBody)})
	}

	var parsed ollamaEmbeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, backoff.Permanent(&ProviderError{Provider: "ollama",
			Code: ErrBadResponse, Message: err.Error()})
	}
	if len(parsed.Embedding) != p.model.Dimensions {
		return nil, backoff.Permanent(&ProviderError{Provider: "ollama",
			Code: ErrBadResponse,
			Message: fmt.Sprintf("got %d dims, want %d",
				len(parsed.Embedding), p.model.Dimensions)})
	}
	return parsed.Embedding, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// HealthCheck asks the server for its installed models and verifies ours
// is present.
func (p *OllamaProvider) HealthCheck(ctx context.Context) *HealthStatus {
	status := &HealthStatus{Provider: "ollama", Model: p.model.ID}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		status.Message = err.Error()
		return status
	}
	resp, err := p.client.Do(req)
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Message = fmt.Sprintf("server unreachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		status.Message = fmt.Sprintf("bad response: %v", err)
		return status
	}

	installed := make([]string, 0, len(tags.Models))
	found := false
	for _, m := range tags.Models {
		installed = append(installed, m.Name)
		// Tags come back as "name:tag"; match on the bare name too.
		if m.Name == p.model.ID || strings.HasPrefix(m.Name, p.model.ID+":") {
			found = true
		}
	}
	status.Details = map[string]any{"installed_models": installed}

	if !found {
		status.Message = fmt.Sprintf("model %q not installed", p.model.ID)
		return status
	}
	status.Healthy = true
	status.Message = "ok"
	return status
}
