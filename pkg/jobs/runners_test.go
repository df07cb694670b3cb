package jobs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karstenhoffmann/nexus-os/pkg/chunker"
	"github.com/karstenhoffmann/nexus-os/pkg/embeddings"
	"github.com/karstenhoffmann/nexus-os/pkg/fetcher"
	"github.com/karstenhoffmann/nexus-os/pkg/fetcher/ratelimit"
	"github.com/karstenhoffmann/nexus-os/pkg/readwise"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitStatus(t *testing.T, job *Job, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return job.Status() == want },
		10*time.Second, 10*time.Millisecond,
		"job %s: want %s, last %s (%s)", job.ID, want, job.Status(), job.Snapshot().Error)
}

// fakeEmbedder is an in-process embedding backend for runner tests.
type fakeEmbedder struct {
	dims  int
	price float64
	calls atomic.Int64
}

func (f *fakeEmbedder) Name() string             { return "fake" }
func (f *fakeEmbedder) ModelID() string          { return "fake-embed" }
func (f *fakeEmbedder) Dimensions() int          { return f.dims }
func (f *fakeEmbedder) CostPer1MTokens() float64 { return f.price }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) (*embeddings.BatchResult, error) {
	f.calls.Add(1)
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, f.dims)
		vec[0] = float32(i + 1)
		vectors[i] = vec
	}
	tokens := len(texts) * 10
	return &embeddings.BatchResult{
		Vectors:    vectors,
		TokensUsed: tokens,
		CostUSD:    float64(tokens) * f.price / 1e6,
	}, nil
}

func (f *fakeEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	res, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return res.Vectors[0], nil
}

func (f *fakeEmbedder) HealthCheck(context.Context) *embeddings.HealthStatus {
	return &embeddings.HealthStatus{Healthy: true, Provider: "fake", Model: "fake-embed"}
}

func (f *fakeEmbedder) EstimateCost(texts []string) float64 {
	return float64(len(texts)*10) * f.price / 1e6
}

func articleHTML(title string) string {
	para := strings.Repeat("A reasonably long sentence about something interesting. ", 5)
	return fmt.Sprintf(`<html><head><title>%s</title></head><body><article>
		<h1>%s</h1><p>%s</p><p>%s</p><p>%s</p></article></body></html>`,
		title, title, para, para, para)
}

func seedDocument(t *testing.T, s *store.Store, providerID, rawURL string) int64 {
	t.Helper()
	id, _, err := s.SaveDocument(context.Background(), &store.Document{
		Source:      "readwise",
		ProviderID:  providerID,
		URLOriginal: rawURL,
		Title:       "Doc " + providerID,
	})
	require.NoError(t, err)
	return id
}

func TestFetchJobRunsToCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, articleHTML("Fetched Article"))
	}))
	defer srv.Close()

	s := newTestStore(t)
	ctx := context.Background()

	okID := seedDocument(t, s, "ok", srv.URL+"/article")
	seedDocument(t, s, "gone", srv.URL+"/missing")
	seedDocument(t, s, "walled", "https://medium.com/@a/post")

	m := NewFetchManager(FetchConfig{
		Store:    s,
		Fetcher:  fetcher.New(fetcher.Config{MinContentLength: 10}),
		Limiter:  ratelimit.New(ratelimit.Config{MinDelay: time.Millisecond}),
		Registry: NewRegistry(),
	})

	job, err := m.Start(ctx)
	require.NoError(t, err)
	waitStatus(t, job, StatusCompleted)

	snap := job.Snapshot()
	assert.Equal(t, 3, snap.Progress["items_processed"])
	assert.Equal(t, 1, snap.Progress["items_succeeded"])
	// The pre-classified paywall domain counts as a failure, not a skip.
	assert.Equal(t, 2, snap.Progress["items_failed"])
	assert.Equal(t, 0, snap.Progress["items_skipped"])

	doc, err := s.GetDocument(ctx, okID)
	require.NoError(t, err)
	assert.Contains(t, doc.Fulltext, "reasonably long sentence")
	assert.Equal(t, "readability", doc.FulltextSource)

	failures, err := s.ListFetchFailures(ctx)
	require.NoError(t, err)
	assert.Len(t, failures, 2)
	kinds := map[string]bool{}
	for _, f := range failures {
		kinds[f.ErrorType] = true
	}
	assert.True(t, kinds[string(fetcher.KindPaywall)])
}

func TestFetchJobSingleActive(t *testing.T) {
	s := newTestStore(t)
	reg := NewRegistry()
	m := NewFetchManager(FetchConfig{
		Store:    s,
		Fetcher:  fetcher.New(fetcher.Config{}),
		Limiter:  ratelimit.New(ratelimit.Config{MinDelay: time.Millisecond}),
		Registry: reg,
	})

	job, err := m.Start(context.Background())
	require.NoError(t, err)

	// A second start while the first is live is rejected.
	if job.Status() != StatusCompleted {
		_, err = m.Start(context.Background())
		assert.Error(t, err)
	}
	waitStatus(t, job, StatusCompleted)
}

func seedChunkedDocument(t *testing.T, s *store.Store, providerID string, n int) int64 {
	t.Helper()
	ctx := context.Background()
	id := seedDocument(t, s, providerID, "https://example.com/"+providerID)
	require.NoError(t, s.SaveFulltext(ctx, id, strings.Repeat("text ", 100), "", "test"))

	chunks := make([]store.Chunk, n)
	for i := range chunks {
		chunks[i] = store.Chunk{
			ChunkIndex: i,
			Text:       fmt.Sprintf("chunk %d of %s", i, providerID),
			CharStart:  i * 10,
			CharEnd:    i*10 + 9,
			TokenCount: 3,
		}
	}
	require.NoError(t, s.ReplaceChunks(ctx, id, chunks))
	return id
}

func TestEmbedJobRunsToCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChunkedDocument(t, s, "e1", 3)

	provider := &fakeEmbedder{dims: 768, price: 0.02}
	m := NewEmbedManager(EmbedConfig{
		Store:    s,
		Provider: provider,
		Registry: NewRegistry(),
	})

	job, err := m.Start(ctx, false)
	require.NoError(t, err)
	waitStatus(t, job, StatusCompleted)

	stats, err := s.GetEmbedStats(ctx, "fake", "fake-embed")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Embedded)
	assert.Equal(t, 0, stats.Pending)
	assert.EqualValues(t, 1, provider.calls.Load(), "three chunks fit one batch")

	usage, err := s.GetUsageStats(ctx, "today")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Total.Calls)
	assert.Equal(t, 30, usage.Total.TokensInput)
}

func TestEmbedJobParallelBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChunkedDocument(t, s, "e4", 5)

	provider := &fakeEmbedder{dims: 768, price: 0.02}
	m := NewEmbedManager(EmbedConfig{
		Store:         s,
		Provider:      provider,
		Registry:      NewRegistry(),
		BatchSize:     2,
		MaxConcurrent: 2,
	})

	job, err := m.Start(ctx, false)
	require.NoError(t, err)
	waitStatus(t, job, StatusCompleted)

	stats, err := s.GetEmbedStats(ctx, "fake", "fake-embed")
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Embedded)
	assert.Equal(t, 0, stats.Pending)

	// Five chunks in batches of two make three provider calls, each with
	// its own usage row.
	assert.EqualValues(t, 3, provider.calls.Load())
	usage, err := s.GetUsageStats(ctx, "today")
	require.NoError(t, err)
	assert.Equal(t, 3, usage.Total.Calls)
	assert.Equal(t, 50, usage.Total.TokensInput)

	snap := job.Snapshot()
	assert.Equal(t, 5, snap.Progress["items_processed"])
	assert.Equal(t, 5, snap.Progress["items_succeeded"])
}

func TestEmbedJobCostConfirmation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChunkedDocument(t, s, "e2", 4)

	m := NewEmbedManager(EmbedConfig{
		Store:              s,
		Provider:           &fakeEmbedder{dims: 768, price: 0.02},
		Registry:           NewRegistry(),
		RequireCostConfirm: true,
	})

	_, err := m.Start(ctx, false)
	var confirm *CostConfirmError
	require.ErrorAs(t, err, &confirm)
	assert.Equal(t, 4, confirm.Estimate.PendingChunks)
	assert.InDelta(t, 4*200*0.02/1e6, confirm.Estimate.EstimatedCost, 1e-12)

	// Confirming starts the job.
	job, err := m.Start(ctx, true)
	require.NoError(t, err)
	waitStatus(t, job, StatusCompleted)
}

func TestEmbedJobDailyCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChunkedDocument(t, s, "e3", 2)

	// One successful call already made today exhausts a cap of one.
	require.NoError(t, s.RecordUsage(ctx, &store.UsageEntry{
		Provider: "fake", Model: "fake-embed", Operation: "embed", Success: true,
	}))

	m := NewEmbedManager(EmbedConfig{
		Store:          s,
		Provider:       &fakeEmbedder{dims: 768},
		Registry:       NewRegistry(),
		MaxCallsPerDay: 1,
	})

	job, err := m.Start(ctx, false)
	require.NoError(t, err)
	waitStatus(t, job, StatusFailed)
	assert.Contains(t, job.Snapshot().Error, "limit")
}

func readwiseTestServer(t *testing.T, docURL string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/list/":
			fmt.Fprintf(w, `{
				"count": 2,
				"nextPageCursor": "",
				"results": [
					{"id": "r1", "source_url": %q, "title": "Alpha",
					 "category": "articles", "saved_at": "2026-08-20T10:00:00Z",
					 "word_count": 321},
					{"id": "r2", "parent_id": "r1", "title": "attached note"}
				]
			}`, docURL)
		case "/api/v2/export/":
			fmt.Fprintf(w, `{
				"count": 1,
				"nextPageCursor": "",
				"results": [
					{"user_book_id": 42, "title": "Alpha", "source_url": %q,
					 "category": "books", "highlights": [
						{"id": 1, "text": "First passage highlighted.", "note": "nb"},
						{"id": 2, "text": "Second passage."}
					]}
				]
			}`, docURL)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestImportJobTwoPhases(t *testing.T) {
	docURL := "https://example.com/alpha"
	srv := readwiseTestServer(t, docURL)
	defer srv.Close()

	s := newTestStore(t)
	ctx := context.Background()

	client, err := readwise.NewClient(readwise.Config{Token: "tok", BaseURL: srv.URL})
	require.NoError(t, err)

	m := NewImportManager(ImportConfig{
		Store:    s,
		Client:   client,
		Registry: NewRegistry(),
	})

	job, err := m.Start(ctx, "")
	require.NoError(t, err)
	waitStatus(t, job, StatusCompleted)

	snap := job.Snapshot()
	assert.Equal(t, 1, snap.Progress["items_imported"], "reader doc is new")
	assert.Equal(t, 1, snap.Progress["items_merged"], "export book folds into the same URL")
	assert.Equal(t, 0, snap.Progress["items_failed"])
	assert.Equal(t, 2, snap.Progress["items_total"])

	var docID int64
	require.NoError(t, s.DB().QueryRow(
		`SELECT id FROM documents WHERE url_canonical = ?`,
		store.NormalizeURL(docURL)).Scan(&docID))

	doc, err := s.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", doc.Title)
	assert.Equal(t, "book", doc.Category, "merge takes the later record's category")
	assert.Equal(t, 321, doc.WordCount)

	hls, err := s.ListHighlights(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, hls, 2)

	var docCount int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&docCount))
	assert.Equal(t, 1, docCount, "child record skipped, book merged")
}

func newPipelineFixture(t *testing.T, s *store.Store, provider embeddings.Provider, requireConfirm bool) *PipelineManager {
	t.Helper()
	srv := readwiseEmptyServer(t)
	t.Cleanup(srv.Close)

	client, err := readwise.NewClient(readwise.Config{Token: "tok", BaseURL: srv.URL})
	require.NoError(t, err)

	reg := NewRegistry()
	return NewPipelineManager(PipelineConfig{
		Store:              s,
		Importer:           NewImportManager(ImportConfig{Store: s, Client: client, Registry: reg}),
		Embedder:           NewEmbedManager(EmbedConfig{Store: s, Provider: provider, Registry: reg}),
		Chunker:            chunker.New(chunker.Config{}),
		Registry:           reg,
		RequireCostConfirm: requireConfirm,
	})
}

func readwiseEmptyServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"count": 0, "nextPageCursor": "", "results": []}`)
	}))
}

func TestPipelineRunsAllPhases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := seedDocument(t, s, "p1", "https://example.com/pipeline")
	body := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 20)
	require.NoError(t, s.SaveFulltext(ctx, id, body, "", "test"))

	pm := newPipelineFixture(t, s, &fakeEmbedder{dims: 768}, false)

	job, err := pm.Start(ctx, false)
	require.NoError(t, err)
	waitStatus(t, job, StatusCompleted)
	assert.Equal(t, PhaseDone, job.Phase())

	stats, err := s.GetEmbedStats(ctx, "fake", "fake-embed")
	require.NoError(t, err)
	assert.Greater(t, stats.Total, 0, "chunk phase produced chunks")
	assert.Equal(t, stats.Total, stats.Embedded, "embed phase caught up")

	lastSync, err := s.GetSetting(ctx, "last_sync_at", "")
	require.NoError(t, err)
	assert.NotEmpty(t, lastSync)
}

func TestPipelinePausesForCostConfirmation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := seedDocument(t, s, "p2", "https://example.com/costly")
	body := strings.Repeat("Sentences that will become chunks and cost money to embed. ", 20)
	require.NoError(t, s.SaveFulltext(ctx, id, body, "", "test"))

	pm := newPipelineFixture(t, s, &fakeEmbedder{dims: 768, price: 0.02}, true)

	job, err := pm.Start(ctx, false)
	require.NoError(t, err)
	waitStatus(t, job, StatusPaused)
	assert.Equal(t, PhaseEmbed, job.Phase())

	// Resuming confirms the spend and finishes the run.
	resumed, err := pm.Resume(job.ID)
	require.NoError(t, err)
	waitStatus(t, resumed, StatusCompleted)

	stats, err := s.GetEmbedStats(ctx, "fake", "fake-embed")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

func TestRestoreOpenJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFetchJob(ctx, &store.FetchJobRow{
		ID: "f1", Status: "running", ItemsProcessed: 7,
		StartedAt: "2026-08-24T09:00:00Z", LastActivity: "2026-08-24T09:05:00Z",
	}))
	require.NoError(t, s.SaveImportJob(ctx, &store.ImportJobRow{
		ID: "i1", Status: "paused", ItemsImported: 3,
		StartedAt: "2026-08-24T08:00:00Z", LastActivity: "2026-08-24T08:30:00Z",
	}))

	reg := NewRegistry()
	require.NoError(t, RestoreOpenJobs(ctx, s, reg))

	fetchJob, err := reg.Get("f1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, fetchJob.Status(), "interrupted running job comes back paused")
	assert.Equal(t, 7, fetchJob.Snapshot().Progress["items_processed"])

	importJob, err := reg.Get("i1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, importJob.Status())

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
