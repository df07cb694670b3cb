package embeddings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOllama(t *testing.T, baseURL string) *OllamaProvider {
	t.Helper()
	p, err := NewOllama(OllamaConfig{BaseURL: baseURL, Model: "nomic-embed-text"})
	require.NoError(t, err)
	return p
}

func TestNewOllamaDefaults(t *testing.T) {
	p, err := NewOllama(OllamaConfig{})
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", p.ModelID())
	assert.Equal(t, 768, p.Dimensions())
	assert.Zero(t, p.CostPer1MTokens())

	_, err = NewOllama(OllamaConfig{Model: "unknown-model"})
	assert.Error(t, err)
}

func TestOllamaEmbedOneCallPerText(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req ollamaEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		vec := make([]float32, 768)
		vec[0] = float32(calls)
		resp, _ := json.Marshal(ollamaEmbeddingResponse{Embedding: vec})
		w.Write(resp)
	}))
	defer srv.Close()

	p := newTestOllama(t, srv.URL)
	res, err := p.Embed(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, res.Vectors, 3)
	assert.Equal(t, float32(1), res.Vectors[0][0])
	assert.Equal(t, float32(3), res.Vectors[2][0])
	assert.Zero(t, res.CostUSD)
}

func TestOllamaModelNotInstalled(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": "model not found"}`)
	}))
	defer srv.Close()

	p := newTestOllama(t, srv.URL)
	_, err := p.EmbedSingle(context.Background(), "text")
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrModelNotInstalled, pe.Code)
	assert.Contains(t, pe.Message, "ollama pull")
	assert.Equal(t, 1, attempts, "missing model must not retry")
}

func TestOllamaDimensionMismatchRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := json.Marshal(ollamaEmbeddingResponse{Embedding: make([]float32, 42)})
		w.Write(resp)
	}))
	defer srv.Close()

	p := newTestOllama(t, srv.URL)
	_, err := p.EmbedSingle(context.Background(), "text")
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrBadResponse, pe.Code)
}

func TestOllamaHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprint(w, `{"models": [{"name": "nomic-embed-text:latest"}, {"name": "llama3:8b"}]}`)
	}))
	defer srv.Close()

	p := newTestOllama(t, srv.URL)
	status := p.HealthCheck(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, "ollama", status.Provider)
}

func TestOllamaHealthCheckMissingModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models": [{"name": "llama3:8b"}]}`)
	}))
	defer srv.Close()

	p := newTestOllama(t, srv.URL)
	status := p.HealthCheck(context.Background())
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Message, "not installed")
}

func TestLookupModel(t *testing.T) {
	m, ok := LookupModel("openai", "text-embedding-3-large")
	require.True(t, ok)
	assert.Equal(t, 3072, m.Dimensions)

	m, ok = LookupModel("ollama", "mxbai-embed-large")
	require.True(t, ok)
	assert.Equal(t, 1024, m.Dimensions)

	_, ok = LookupModel("openai", "nope")
	assert.False(t, ok)
	_, ok = LookupModel("bedrock", "titan")
	assert.False(t, ok)
}
