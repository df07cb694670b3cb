package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karstenhoffmann/nexus-os/internal/config"
	"github.com/karstenhoffmann/nexus-os/internal/server"
	"github.com/karstenhoffmann/nexus-os/pkg/digest"
	"github.com/karstenhoffmann/nexus-os/pkg/embeddings"
	"github.com/karstenhoffmann/nexus-os/pkg/jobs"
	"github.com/karstenhoffmann/nexus-os/pkg/llm"
	"github.com/karstenhoffmann/nexus-os/pkg/prompts"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

// fakeEmbedder returns a fixed-axis vector per text: texts mentioning
// "systems" land on axis 0, everything else on axis 1. Queries therefore
// rank axis-0 chunks first.
type fakeEmbedder struct {
	healthy bool
}

func (f *fakeEmbedder) Name() string             { return "fake" }
func (f *fakeEmbedder) ModelID() string          { return "fake-embed" }
func (f *fakeEmbedder) Dimensions() int          { return 768 }
func (f *fakeEmbedder) CostPer1MTokens() float64 { return 0.02 }

func (f *fakeEmbedder) vector(text string) []float32 {
	v := make([]float32, 768)
	if strings.Contains(text, "systems") {
		v[0] = 1
	} else {
		v[1] = 1
	}
	return v
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) (*embeddings.BatchResult, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return &embeddings.BatchResult{Vectors: out, TokensUsed: len(texts) * 10}, nil
}

func (f *fakeEmbedder) EmbedSingle(_ context.Context, text string) ([]float32, error) {
	return f.vector(text), nil
}

func (f *fakeEmbedder) HealthCheck(context.Context) *embeddings.HealthStatus {
	return &embeddings.HealthStatus{Healthy: f.healthy, Provider: "fake", Model: "fake-embed"}
}

func (f *fakeEmbedder) EstimateCost(texts []string) float64 { return 0 }

type fakeChat struct{}

func (fakeChat) Name() string    { return "fake-llm" }
func (fakeChat) ModelID() string { return "gpt-4.1-mini" }
func (fakeChat) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: "ok", Model: "gpt-4.1-mini"}, nil
}
func (fakeChat) EstimateCost(int, int) float64 { return 0 }

type fixture struct {
	srv   *server.Server
	store *store.Store
	ts    *httptest.Server
}

func newFixture(t *testing.T, requireConfirm bool) *fixture {
	t.Helper()

	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	embedder := &fakeEmbedder{healthy: true}
	registry := jobs.NewRegistry()
	promptReg := prompts.NewRegistry(s)

	srv := &server.Server{
		Config:   &config.Config{},
		Store:    s,
		Embedder: embedder,
		Chat:     fakeChat{},
		Prompts:  promptReg,
		Jobs:     registry,
		Logger:   hclog.NewNullLogger(),
		Embed: jobs.NewEmbedManager(jobs.EmbedConfig{
			Store:              s,
			Provider:           embedder,
			Registry:           registry,
			RequireCostConfirm: requireConfirm,
		}),
		Digest: digest.NewGenerator(digest.Config{
			Store:         s,
			LLM:           fakeChat{},
			Prompts:       promptReg,
			Registry:      registry,
			EmbedProvider: "fake",
			EmbedModel:    "fake-embed",
		}),
	}

	ts := httptest.NewServer(New(srv))
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, store: s, ts: ts}
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	return decodeBody(t, resp)
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) (int, map[string]any) {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out
}

// seedCorpus writes two documents with three chunks each; document 0 is
// about systems, document 1 about gardens. With vectors, chunks land on
// the axis their document's theme maps to.
func seedCorpus(t *testing.T, f *fixture, embed bool) (ids []int64) {
	t.Helper()
	ctx := context.Background()
	themes := []string{"distributed systems consensus", "garden soil compost"}

	for d, theme := range themes {
		id, _, err := f.store.SaveDocument(ctx, &store.Document{
			Source:     "readwise",
			ProviderID: fmt.Sprintf("doc-%d", d),
			Title:      fmt.Sprintf("Document %d on %s", d, theme),
			SavedAt:    time.Now().UTC().Format(time.RFC3339),
		})
		require.NoError(t, err)
		ids = append(ids, id)
		require.NoError(t, f.store.SaveFulltext(ctx, id, strings.Repeat(theme+" ", 30), "", "test"))

		chunks := make([]store.Chunk, 3)
		for i := range chunks {
			chunks[i] = store.Chunk{
				ChunkIndex: i,
				Text:       fmt.Sprintf("passage %d about %s", i, theme),
				CharStart:  i * 40,
				CharEnd:    i*40 + 39,
				TokenCount: 10,
			}
		}
		require.NoError(t, f.store.ReplaceChunks(ctx, id, chunks))
	}

	if embed {
		cands, err := f.store.ListEmbedCandidates(ctx, "fake", "fake-embed", 0, 100)
		require.NoError(t, err)
		rows := make([]store.EmbeddingRow, len(cands))
		embedder := &fakeEmbedder{}
		for i, c := range cands {
			rows[i] = store.EmbeddingRow{
				ChunkID:    c.ChunkID,
				Provider:   "fake",
				Model:      "fake-embed",
				Dimensions: 768,
				Blob:       embeddings.SerializeFloat32(embedder.vector(c.Text)),
			}
		}
		_, err = f.store.SaveEmbeddingsBatch(ctx, rows)
		require.NoError(t, err)
	}
	return ids
}

func TestLibraryAndDocuments(t *testing.T) {
	f := newFixture(t, false)
	ids := seedCorpus(t, f, false)

	status, body := f.get(t, "/api/library")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["items"], 2)

	status, body = f.get(t, "/api/library?q=garden")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["items"], 1)

	status, body = f.get(t, fmt.Sprintf("/api/documents/%d", ids[0]))
	require.Equal(t, http.StatusOK, status)
	doc := body["document"].(map[string]any)
	assert.Contains(t, doc["title"], "systems")

	status, _ = f.do(t, http.MethodDelete, fmt.Sprintf("/api/documents/%d", ids[0]), nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = f.get(t, fmt.Sprintf("/api/documents/%d", ids[0]))
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.get(t, "/api/documents/notanumber")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLibrarySemanticModeAndFilters(t *testing.T) {
	f := newFixture(t, false)
	ids := seedCorpus(t, f, true)

	// Semantic mode maps chunk hits back to documents; the systems query
	// puts the systems document first.
	status, body := f.get(t, "/api/library?mode=semantic&q=distributed+systems+consensus")
	require.Equal(t, http.StatusOK, status)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.EqualValues(t, ids[0], first["id"])
	assert.EqualValues(t, true, first["has_fulltext"])

	// Highlight-only documents carry no embeddings, so excluding full text
	// leaves nothing for a semantic query.
	status, body = f.get(t, "/api/library?mode=semantic&q=systems&include_fulltext=false")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["items"])

	// Lexical listing honors the class filters and sort parameters.
	status, body = f.get(t, "/api/library?include_highlights_only=false")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["items"], 2, "both seeded documents have full text")

	status, body = f.get(t, "/api/library?include_fulltext=false")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["items"])

	status, body = f.get(t, "/api/library?sort=title&dir=asc")
	require.Equal(t, http.StatusOK, status)
	items = body["items"].([]any)
	require.Len(t, items, 2)
	assert.Contains(t, items[0].(map[string]any)["title"], "Document 0")

	status, _ = f.get(t, "/api/library?sort=nonsense")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSearchModes(t *testing.T) {
	f := newFixture(t, false)
	seedCorpus(t, f, true)

	status, body := f.do(t, http.MethodPost, "/api/search/lexical",
		map[string]any{"query": "garden"})
	require.Equal(t, http.StatusOK, status)
	hits := body["hits"].([]any)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Contains(t, h.(map[string]any)["text"], "garden")
	}

	status, body = f.do(t, http.MethodPost, "/api/search/semantic",
		map[string]any{"query": "how do distributed systems agree", "limit": 3})
	require.Equal(t, http.StatusOK, status)
	hits = body["hits"].([]any)
	require.Len(t, hits, 3)
	// Query lands on the systems axis, so systems chunks come back first.
	assert.Contains(t, hits[0].(map[string]any)["text"], "systems")

	status, body = f.do(t, http.MethodPost, "/api/search/hybrid",
		map[string]any{"query": "systems", "limit": 5})
	require.Equal(t, http.StatusOK, status)
	hits = body["hits"].([]any)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].(map[string]any)["text"], "systems")

	status, _ = f.do(t, http.MethodPost, "/api/search/lexical", map[string]any{"query": ""})
	assert.Equal(t, http.StatusBadRequest, status)

	// Document-level search needs a 1536-dimension model; the fixture
	// embedder is 768.
	status, _ = f.do(t, http.MethodPost, "/api/search/documents", map[string]any{"query": "systems"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/api/search/psychic", map[string]any{"query": "x"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSettingsEndpoints(t *testing.T) {
	f := newFixture(t, false)

	status, _ := f.do(t, http.MethodPut, "/api/settings/theme", map[string]string{"value": "dark"})
	require.Equal(t, http.StatusOK, status)

	status, body := f.get(t, "/api/settings/theme")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "dark", body["value"])

	status, body = f.get(t, "/api/settings")
	require.Equal(t, http.StatusOK, status)
	settings := body["settings"].(map[string]any)
	assert.Equal(t, "dark", settings["theme"])
}

func TestPromptsEndpoints(t *testing.T) {
	f := newFixture(t, false)

	status, body := f.get(t, "/api/prompts")
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["prompts"])

	key := prompts.KeyTopicNaming
	status, body = f.do(t, http.MethodPut, "/api/prompts/"+key,
		map[string]any{"template": "name these: {samples_joined}"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["custom"])

	status, _ = f.do(t, http.MethodDelete, "/api/prompts/"+key, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = f.get(t, "/api/prompts/"+key)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["custom"])

	status, _ = f.do(t, http.MethodPut, "/api/prompts/no-such-key",
		map[string]any{"template": "x"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPut, "/api/prompts/"+key, map[string]any{"template": ""})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEmbedJobOverHTTP(t *testing.T) {
	f := newFixture(t, false)
	seedCorpus(t, f, false)

	status, body := f.do(t, http.MethodPost, "/api/embed/start", map[string]any{})
	require.Equal(t, http.StatusAccepted, status)
	jobID := body["id"].(string)

	require.Eventually(t, func() bool {
		_, snap := f.get(t, "/api/embed/status?job_id="+jobID)
		return snap["status"] == string(jobs.StatusCompleted)
	}, 10*time.Second, 20*time.Millisecond)

	status, body = f.get(t, "/api/embed/stats")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 6, body["embedded"])
	assert.EqualValues(t, 0, body["pending"])

	// A second start has nothing to do but still completes.
	status, _ = f.do(t, http.MethodPost, "/api/embed/cleanup-orphans", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestEmbedCostConfirmationOverHTTP(t *testing.T) {
	f := newFixture(t, true)
	seedCorpus(t, f, false)

	status, body := f.do(t, http.MethodPost, "/api/embed/start", map[string]any{})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "cost confirmation required", body["error"])
	est := body["estimate"].(map[string]any)
	assert.EqualValues(t, 6, est["pending_chunks"])

	status, body = f.do(t, http.MethodPost, "/api/embed/start", map[string]any{"confirm": true})
	require.Equal(t, http.StatusAccepted, status)
	jobID := body["id"].(string)
	require.Eventually(t, func() bool {
		_, snap := f.get(t, "/api/embed/status?job_id="+jobID)
		return snap["status"] == string(jobs.StatusCompleted)
	}, 10*time.Second, 20*time.Millisecond)
}

func TestJobStatusWithoutJob(t *testing.T) {
	f := newFixture(t, false)

	status, _ := f.get(t, "/api/import/status")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.get(t, "/api/pipeline/status?job_id=nope")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestJobStreamReplaysTerminalJob(t *testing.T) {
	f := newFixture(t, false)

	// No pending chunks: the job completes immediately.
	status, body := f.do(t, http.MethodPost, "/api/embed/start", nil)
	require.Equal(t, http.StatusAccepted, status)
	jobID := body["id"].(string)

	require.Eventually(t, func() bool {
		_, snap := f.get(t, "/api/embed/status?job_id="+jobID)
		return snap["status"] == string(jobs.StatusCompleted)
	}, 10*time.Second, 20*time.Millisecond)

	resp, err := http.Get(f.ts.URL + "/api/embed/stream?job_id=" + jobID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "event: status")
	assert.Contains(t, string(raw), jobID)
}

func TestDigestEndpoints(t *testing.T) {
	f := newFixture(t, false)

	status, body := f.get(t, "/api/digests")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["digests"])

	status, body = f.get(t, "/api/digests/estimate?days=7")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["chunks"])

	status, _ = f.get(t, "/api/digests/999")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodPost, "/api/digest/start", map[string]any{"days": -1})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestFetchFailuresAndRetry(t *testing.T) {
	f := newFixture(t, false)
	ids := seedCorpus(t, f, false)

	require.NoError(t, f.store.RecordFetchFailure(context.Background(), &store.FetchFailure{
		DocumentID:   ids[0],
		URL:          "https://example.com/a",
		ErrorType:    "timeout",
		ErrorMessage: "deadline exceeded",
	}))

	status, body := f.get(t, "/api/fetch/failures")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["failures"], 1)

	status, body = f.do(t, http.MethodPost, "/api/fetch/retry-failed", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["cleared"])

	status, body = f.get(t, "/api/fetch/failures")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["failures"])
}

func TestUsageAndHealth(t *testing.T) {
	f := newFixture(t, false)

	status, body := f.get(t, "/api/usage")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "today", body["period"])

	status, _ = f.get(t, "/api/usage?period=fortnight")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.get(t, "/api/providers/health")
	require.Equal(t, http.StatusOK, status)
	embed := body["embedding"].(map[string]any)
	assert.Equal(t, true, embed["healthy"])
	chat := body["chat"].(map[string]any)
	assert.Equal(t, "gpt-4.1-mini", chat["model"])
}

func TestFetchStats(t *testing.T) {
	f := newFixture(t, false)
	ids := seedCorpus(t, f, false)

	require.NoError(t, f.store.RecordFetchFailure(context.Background(), &store.FetchFailure{
		DocumentID: ids[1],
		URL:        "https://example.com/b",
		ErrorType:  "paywall",
	}))

	status, body := f.get(t, "/api/fetch/stats")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["total"])
	assert.EqualValues(t, 2, body["with_fulltext"])
	assert.EqualValues(t, 1, body["failed"])
	assert.EqualValues(t, 0, body["pending"], "both documents already have fulltext")
	byType := body["failures_by_type"].(map[string]any)
	assert.EqualValues(t, 1, byType["paywall"])
}

func TestDigestGenerateStreamsEvents(t *testing.T) {
	f := newFixture(t, false)
	seedCorpus(t, f, false)

	payload, err := json.Marshal(map[string]any{"days": 7, "strategy": "pure_llm"})
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+"/api/digests/generate", "application/json",
		bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The stream ends when the job finishes, so EOF means the digest is
	// persisted.
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "event: status")

	status, body := f.get(t, "/api/digests")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["digests"], 1)
}

func TestUsageStatsAlias(t *testing.T) {
	f := newFixture(t, false)
	status, body := f.get(t, "/api/usage/stats?period=week")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "week", body["period"])
}
