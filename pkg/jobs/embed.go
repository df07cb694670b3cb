package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/karstenhoffmann/nexus-os/pkg/embeddings"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

const (
	defaultEmbedBatch       = 200
	defaultEmbedConcurrency = 2

	// estTokensPerChunk is the planning figure for cost estimates; actual
	// usage comes back from the provider.
	estTokensPerChunk = 200
)

// CostEstimate predicts what an embedding run will cost.
type CostEstimate struct {
	PendingChunks   int     `json:"pending_chunks"`
	EstimatedTokens int     `json:"estimated_tokens"`
	EstimatedCost   float64 `json:"estimated_cost_usd"`
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
}

// CostConfirmError is returned when a run needs explicit confirmation
// before spending money.
type CostConfirmError struct {
	Estimate CostEstimate
}

func (e *CostConfirmError) Error() string {
	return fmt.Sprintf("confirmation required: embedding %d chunks costs an estimated $%.4f",
		e.Estimate.PendingChunks, e.Estimate.EstimatedCost)
}

// EmbedConfig configures an EmbedManager. Zero values take the defaults.
type EmbedConfig struct {
	Store    *store.Store
	Provider embeddings.Provider
	Registry *Registry
	Logger   hclog.Logger

	// BatchSize is how many chunks go into one provider call.
	BatchSize int

	// MaxConcurrent is how many provider calls run at once.
	MaxConcurrent int

	// MaxCallsPerDay caps successful provider calls per day; zero disables
	// the cap.
	MaxCallsPerDay int

	// RequireCostConfirm makes Start demand confirmation when the
	// estimated cost is non-zero.
	RequireCostConfirm bool
}

// EmbedManager runs embedding jobs: it walks chunks without vectors for
// the active provider/model, embeds them in batches and writes the
// vectors, metering every call in the usage ledger.
type EmbedManager struct {
	store    *store.Store
	provider embeddings.Provider
	registry *Registry
	logger   hclog.Logger

	batch          int
	concurrency    int
	maxCalls       int
	requireConfirm bool
}

// NewEmbedManager builds an EmbedManager.
func NewEmbedManager(cfg EmbedConfig) *EmbedManager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultEmbedBatch
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultEmbedConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &EmbedManager{
		store:          cfg.Store,
		provider:       cfg.Provider,
		registry:       cfg.Registry,
		logger:         cfg.Logger.Named("embed-job"),
		batch:          cfg.BatchSize,
		concurrency:    cfg.MaxConcurrent,
		maxCalls:       cfg.MaxCallsPerDay,
		requireConfirm: cfg.RequireCostConfirm,
	}
}

// Estimate predicts the cost of embedding everything currently pending.
func (m *EmbedManager) Estimate(ctx context.Context) (*CostEstimate, error) {
	stats, err := m.store.GetEmbedStats(ctx, m.provider.Name(), m.provider.ModelID())
	if err != nil {
		return nil, err
	}
	tokens := stats.Pending * estTokensPerChunk
	return &CostEstimate{
		PendingChunks:   stats.Pending,
		EstimatedTokens: tokens,
		EstimatedCost:   float64(tokens) * m.provider.CostPer1MTokens() / 1e6,
		Provider:        m.provider.Name(),
		Model:           m.provider.ModelID(),
	}, nil
}

// Start launches a new embedding job. When cost confirmation is required
// and confirmed is false, Start returns a CostConfirmError carrying the
// estimate instead of starting.
func (m *EmbedManager) Start(ctx context.Context, confirmed bool) (*Job, error) {
	if active := m.registry.Active(KindEmbed); active != nil {
		return nil, fmt.Errorf("embed job %s is already active", active.ID)
	}

	if m.requireConfirm && !confirmed {
		est, err := m.Estimate(ctx)
		if err != nil {
			return nil, err
		}
		if est.EstimatedCost > 0 {
			return nil, &CostConfirmError{Estimate: *est}
		}
	}

	job := NewJob(KindEmbed)
	now := time.Now().UTC().Format(time.RFC3339)
	row := &store.EmbedJobRow{
		ID:           job.ID,
		Status:       string(StatusPending),
		Provider:     m.provider.Name(),
		Model:        m.provider.ModelID(),
		StartedAt:    now,
		LastActivity: now,
	}
	if err := m.store.SaveEmbedJob(ctx, row); err != nil {
		return nil, err
	}

	m.registry.Add(job)
	go m.run(job, row)
	return job, nil
}

// Resume continues a paused or failed embedding job; resuming counts as
// cost confirmation. An empty id picks the most recently active
// resumable job.
func (m *EmbedManager) Resume(ctx context.Context, jobID string) (*Job, error) {
	if active := m.registry.Active(KindEmbed); active != nil && active.Status() == StatusRunning {
		return nil, fmt.Errorf("embed job %s is already running", active.ID)
	}
	if jobID == "" {
		id, err := m.store.GetResumableJobID(ctx, "embed_jobs")
		if err != nil {
			return nil, err
		}
		jobID = id
	}

	row, err := m.loadRow(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if s := Status(row.Status); s != StatusPaused && s != StatusFailed {
		return nil, fmt.Errorf("embed job %s is %s, not resumable", jobID, row.Status)
	}

	job, err := m.registry.Get(jobID)
	if err != nil {
		job = RestoreJob(jobID, KindEmbed, Status(row.Status))
		m.registry.Add(job)
	}

	job.Publish(EventResumed, map[string]any{"items_processed": row.ItemsProcessed})
	go m.run(job, row)
	return job, nil
}

// Pause asks the running embedding job to stop after its current round of
// batches.
func (m *EmbedManager) Pause(jobID string) error {
	job, err := m.registry.Get(jobID)
	if err != nil {
		return err
	}
	return job.RequestPause()
}

// Cancel stops an embedding job for good.
func (m *EmbedManager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.registry.Get(jobID)
	if err != nil {
		return err
	}
	immediate, err := job.RequestCancel()
	if err != nil {
		return err
	}
	if immediate {
		if row, loadErr := m.loadRow(ctx, jobID); loadErr == nil {
			row.Status = string(StatusCancelled)
			m.saveRow(ctx, row)
		}
		job.Publish(EventCancelled, nil)
		job.Finish(StatusCancelled, "")
	}
	return nil
}

func (m *EmbedManager) loadRow(ctx context.Context, jobID string) (*store.EmbedJobRow, error) {
	rows, err := m.store.LoadOpenEmbedJobs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].ID == jobID {
			return &rows[i], nil
		}
	}
	return nil, fmt.Errorf("embed job %s: %w", jobID, store.ErrNotFound)
}

func (m *EmbedManager) run(job *Job, row *store.EmbedJobRow) {
	ctx := context.Background()

	job.MarkRunning()
	row.Status = string(StatusRunning)
	m.saveRow(ctx, row)

	stats, err := m.store.GetEmbedStats(ctx, m.provider.Name(), m.provider.ModelID())
	if err != nil {
		m.fail(ctx, job, row, err)
		return
	}
	row.ItemsTotal = stats.Pending + row.ItemsProcessed
	m.publishProgress(job, row, EventStarted)
	m.logger.Info("embed job started", "job_id", job.ID,
		"items_total", row.ItemsTotal, "provider", row.Provider, "model", row.Model)

	stopped, err := m.pass(ctx, job, row)
	if err != nil {
		m.fail(ctx, job, row, err)
		return
	}
	if stopped {
		switch job.controlRequested() {
		case ctrlCancel:
			m.publishProgress(job, row, EventCancelled)
			job.Finish(StatusCancelled, "")
			m.logger.Info("embed job cancelled", "job_id", job.ID)
		default:
			m.publishProgress(job, row, EventPaused)
			job.Finish(StatusPaused, "")
			m.logger.Info("embed job paused", "job_id", job.ID,
				"items_processed", row.ItemsProcessed)
		}
		return
	}

	row.Status = string(StatusCompleted)
	m.saveRow(ctx, row)
	m.publishProgress(job, row, EventCompleted)
	job.Finish(StatusCompleted, "")
	m.logger.Info("embed job completed", "job_id", job.ID,
		"items_processed", row.ItemsProcessed, "tokens_used", row.TokensUsed,
		"cost_usd", row.CostUSD)
}

// pass embeds rounds of batches until the backlog is empty or a control
// request arrives. Each round loads up to batch*concurrency candidates,
// splits them into batches and embeds the batches concurrently; the
// cursor only advances once the whole round lands, so a failed round is
// retried from its start on resume. On a control request the row is
// persisted with the matching status and pass returns stopped=true; the
// caller publishes the final events. Shared with the pipeline's embed
// phase.
func (m *EmbedManager) pass(ctx context.Context, job *Job, row *store.EmbedJobRow) (stopped bool, err error) {
	for {
		switch job.controlRequested() {
		case ctrlPause:
			row.Status = string(StatusPaused)
			m.saveRow(ctx, row)
			return true, nil
		case ctrlCancel:
			row.Status = string(StatusCancelled)
			m.saveRow(ctx, row)
			return true, nil
		}

		cands, err := m.store.ListEmbedCandidates(ctx,
			m.provider.Name(), m.provider.ModelID(), row.CursorChunkID, m.batch*m.concurrency)
		if err != nil {
			return false, err
		}
		if len(cands) == 0 {
			return false, nil
		}

		if m.maxCalls > 0 {
			calls, err := m.store.CountCallsToday(ctx, "embed")
			if err != nil {
				return false, err
			}
			if calls >= m.maxCalls {
				return false, fmt.Errorf("daily embedding call limit reached (%d)", m.maxCalls)
			}
		}

		batches := splitBatches(cands, m.batch)
		tokens, cost, err := m.embedRound(ctx, batches)
		if err != nil {
			return false, err
		}

		row.CursorChunkID = cands[len(cands)-1].ChunkID
		row.ItemsProcessed += len(cands)
		row.ItemsSucceeded += len(cands)
		row.TokensUsed += tokens
		row.CostUSD += cost
		m.saveRow(ctx, row)

		m.refreshDocVectors(ctx, cands)

		p := m.progressMap(row)
		p["batch_size"] = len(cands)
		p["batches"] = len(batches)
		job.SetProgress(m.progressMap(row))
		job.Publish(EventBatchComplete, p)
	}
}

func splitBatches(cands []store.EmbedCandidate, size int) [][]store.EmbedCandidate {
	var out [][]store.EmbedCandidate
	for len(cands) > size {
		out = append(out, cands[:size])
		cands = cands[size:]
	}
	return append(out, cands)
}

// refreshDocVectors keeps the legacy document-level vector table in step
// with the chunk embeddings just written. Only 1536-dimension models feed
// it, and a failure here never fails the job.
func (m *EmbedManager) refreshDocVectors(ctx context.Context, cands []store.EmbedCandidate) {
	if m.provider.Dimensions() != store.DocVectorDims {
		return
	}
	seen := make(map[int64]bool)
	var docIDs []int64
	for _, c := range cands {
		if !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			docIDs = append(docIDs, c.DocumentID)
		}
	}
	if err := m.store.RefreshDocEmbeddings(ctx,
		m.provider.Name(), m.provider.ModelID(), docIDs); err != nil {
		m.logger.Error("refresh document vectors", "error", err)
	}
}

// embedRound runs the round's batches through the provider, at most
// concurrency at a time, and returns the summed token and cost usage. Any
// batch failure fails the round.
func (m *EmbedManager) embedRound(ctx context.Context, batches [][]store.EmbedCandidate) (tokens int, cost float64, err error) {
	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs *multierror.Error

	for _, batch := range batches {
		wg.Add(1)
		go func(cands []store.EmbedCandidate) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			bTokens, bCost, bErr := m.embedBatch(ctx, cands)
			mu.Lock()
			defer mu.Unlock()
			if bErr != nil {
				errs = multierror.Append(errs, bErr)
				return
			}
			tokens += bTokens
			cost += bCost
		}(batch)
	}
	wg.Wait()
	return tokens, cost, errs.ErrorOrNil()
}

// embedBatch is one provider call: embed the batch, meter it in the usage
// ledger and persist the vectors.
func (m *EmbedManager) embedBatch(ctx context.Context, cands []store.EmbedCandidate) (tokens int, cost float64, err error) {
	texts := make([]string, len(cands))
	for i, c := range cands {
		texts[i] = c.Text
	}

	start := time.Now()
	res, err := m.provider.Embed(ctx, texts)
	latency := int(time.Since(start).Milliseconds())

	usage := &store.UsageEntry{
		Provider:  m.provider.Name(),
		Model:     m.provider.ModelID(),
		Operation: "embed",
		LatencyMS: latency,
	}
	if err != nil {
		usage.ErrorMessage = err.Error()
		if recErr := m.store.RecordUsage(ctx, usage); recErr != nil {
			m.logger.Error("record usage", "error", recErr)
		}
		return 0, 0, fmt.Errorf("embed batch: %w", err)
	}
	usage.Success = true
	usage.TokensInput = res.TokensUsed
	usage.CostUSD = res.CostUSD
	if recErr := m.store.RecordUsage(ctx, usage); recErr != nil {
		m.logger.Error("record usage", "error", recErr)
	}

	dims := m.provider.Dimensions()
	embRows := make([]store.EmbeddingRow, len(cands))
	for i, c := range cands {
		embRows[i] = store.EmbeddingRow{
			ChunkID:    c.ChunkID,
			Provider:   m.provider.Name(),
			Model:      m.provider.ModelID(),
			Dimensions: dims,
			Blob:       embeddings.SerializeFloat32(res.Vectors[i]),
		}
	}
	if _, err := m.store.SaveEmbeddingsBatch(ctx, embRows); err != nil {
		return 0, 0, err
	}
	return res.TokensUsed, res.CostUSD, nil
}

func (m *EmbedManager) fail(ctx context.Context, job *Job, row *store.EmbedJobRow, err error) {
	row.Status = string(StatusFailed)
	row.Error = err.Error()
	m.saveRow(ctx, row)
	job.Publish(EventFailed, map[string]any{"error": err.Error()})
	job.Finish(StatusFailed, err.Error())
	m.logger.Error("embed job failed", "job_id", job.ID, "error", err)
}

func (m *EmbedManager) saveRow(ctx context.Context, row *store.EmbedJobRow) {
	row.LastActivity = time.Now().UTC().Format(time.RFC3339)
	if err := m.store.SaveEmbedJob(ctx, row); err != nil {
		m.logger.Error("persist embed job", "job_id", row.ID, "error", err)
	}
}

func (m *EmbedManager) progressMap(row *store.EmbedJobRow) map[string]any {
	return map[string]any{
		"items_processed": row.ItemsProcessed,
		"items_succeeded": row.ItemsSucceeded,
		"items_failed":    row.ItemsFailed,
		"items_total":     row.ItemsTotal,
		"tokens_used":     row.TokensUsed,
		"cost_usd":        row.CostUSD,
	}
}

func (m *EmbedManager) publishProgress(job *Job, row *store.EmbedJobRow, eventType string) {
	p := m.progressMap(row)
	job.SetProgress(p)
	job.Publish(eventType, p)
}
