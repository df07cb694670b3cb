package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/karstenhoffmann/nexus-os/pkg/chunker"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

const (
	defaultChunkBatch        = 50
	defaultHeartbeatInterval = 2 * time.Second

	// settingLastSync is the app setting holding the last successful
	// pipeline sync instant, used as the next run's updatedAfter.
	settingLastSync = "last_sync_at"
)

// PipelineConfig configures a PipelineManager. Zero values take the
// defaults.
type PipelineConfig struct {
	Store    *store.Store
	Importer *ImportManager
	Embedder *EmbedManager
	Chunker  *chunker.Chunker
	Registry *Registry
	Logger   hclog.Logger

	// RequireCostConfirm pauses the pipeline before the embed phase when
	// the estimated cost is non-zero and the run was not confirmed.
	RequireCostConfirm bool

	// ChunkBatch is how many documents the chunk phase loads per query.
	ChunkBatch int

	// HeartbeatInterval spaces heartbeat events while the pipeline runs.
	HeartbeatInterval time.Duration
}

// PipelineManager runs the combined sync pipeline: import new records,
// chunk fetched fulltext, embed pending chunks, rebuild the lexical
// index. The import and embed phases reuse the standalone runners and
// persist their cursors under the pipeline's job id, so a paused pipeline
// resumes mid-phase.
type PipelineManager struct {
	store    *store.Store
	importer *ImportManager
	embedder *EmbedManager
	chunker  *chunker.Chunker
	registry *Registry
	logger   hclog.Logger

	requireConfirm bool
	chunkBatch     int
	heartbeat      time.Duration
}

// NewPipelineManager builds a PipelineManager.
func NewPipelineManager(cfg PipelineConfig) *PipelineManager {
	if cfg.ChunkBatch <= 0 {
		cfg.ChunkBatch = defaultChunkBatch
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &PipelineManager{
		store:          cfg.Store,
		importer:       cfg.Importer,
		embedder:       cfg.Embedder,
		chunker:        cfg.Chunker,
		registry:       cfg.Registry,
		logger:         cfg.Logger.Named("pipeline"),
		requireConfirm: cfg.RequireCostConfirm,
		chunkBatch:     cfg.ChunkBatch,
		heartbeat:      cfg.HeartbeatInterval,
	}
}

// Start launches a pipeline run. confirmCost pre-approves the embed
// phase's spend.
func (m *PipelineManager) Start(ctx context.Context, confirmCost bool) (*Job, error) {
	if active := m.registry.Active(KindPipeline); active != nil {
		return nil, fmt.Errorf("pipeline %s is already active", active.ID)
	}

	job := NewJob(KindPipeline)
	job.SetPhase(PhaseIdle)
	m.registry.Add(job)
	go m.run(job, confirmCost)
	return job, nil
}

// Resume continues a paused pipeline from the phase it stopped in.
// Resuming counts as cost confirmation.
func (m *PipelineManager) Resume(jobID string) (*Job, error) {
	job, err := m.registry.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status() != StatusPaused {
		return nil, fmt.Errorf("pipeline %s is %s, not resumable", jobID, job.Status())
	}

	job.Publish(EventResumed, map[string]any{"phase": string(job.Phase())})
	go m.run(job, true)
	return job, nil
}

// Pause asks the running pipeline to stop at its next checkpoint.
func (m *PipelineManager) Pause(jobID string) error {
	job, err := m.registry.Get(jobID)
	if err != nil {
		return err
	}
	return job.RequestPause()
}

// Cancel stops a pipeline for good.
func (m *PipelineManager) Cancel(jobID string) error {
	job, err := m.registry.Get(jobID)
	if err != nil {
		return err
	}
	immediate, err := job.RequestCancel()
	if err != nil {
		return err
	}
	if immediate {
		job.Publish(EventPipelineCancelled, nil)
		job.Finish(StatusCancelled, "")
	}
	return nil
}

// pipelinePhases is the phase order; a resumed pipeline skips the phases
// before the one it stopped in.
var pipelinePhases = []Phase{PhaseImport, PhaseChunk, PhaseEmbed, PhaseIndex}

func (m *PipelineManager) run(job *Job, confirmCost bool) {
	ctx := context.Background()

	startPhase := job.Phase()
	job.MarkRunning()
	m.logger.Info("pipeline started", "job_id", job.ID, "phase", startPhase)

	stopHeartbeat := m.startHeartbeat(job)
	defer stopHeartbeat()

	updatedAfter, err := m.store.GetSetting(ctx, settingLastSync, "")
	if err != nil {
		m.fail(job, err)
		return
	}
	syncStart := time.Now().UTC().Format(time.RFC3339)

	started := startPhase == PhaseIdle || startPhase == ""
	for _, phase := range pipelinePhases {
		if !started {
			if phase == startPhase {
				started = true
			} else {
				continue
			}
		}

		job.SetPhase(phase)
		job.Publish(EventPhaseStart, nil)

		var stopped bool
		var phaseErr error
		switch phase {
		case PhaseImport:
			stopped, phaseErr = m.runImport(ctx, job, updatedAfter)
		case PhaseChunk:
			stopped, phaseErr = m.runChunk(ctx, job)
		case PhaseEmbed:
			stopped, phaseErr = m.runEmbed(ctx, job, confirmCost)
		case PhaseIndex:
			phaseErr = m.store.RebuildFTS(ctx)
		}

		if phaseErr != nil {
			m.fail(job, phaseErr)
			return
		}
		if stopped {
			m.finishStopped(job)
			return
		}
		job.Publish(EventPhaseComplete, nil)
	}

	if err := m.store.SetSetting(ctx, settingLastSync, syncStart); err != nil {
		m.fail(job, err)
		return
	}

	job.SetPhase(PhaseDone)
	job.Publish(EventPipelineComplete, map[string]any{"synced_at": syncStart})
	job.Finish(StatusCompleted, "")
	m.logger.Info("pipeline completed", "job_id", job.ID, "synced_at", syncStart)
}

// runImport delegates to the import runner, persisting its cursors under
// the pipeline's job id, then rebuilds the lexical index so imported
// titles are searchable before chunking finishes.
func (m *PipelineManager) runImport(ctx context.Context, job *Job, updatedAfter string) (bool, error) {
	row, err := m.importer.loadRow(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		row = &store.ImportJobRow{
			ID:        job.ID,
			StartedAt: time.Now().UTC().Format(time.RFC3339),
		}
	}
	row.Status = string(StatusRunning)
	m.importer.saveRow(ctx, row)

	stopped, err := m.importer.pass(ctx, job, row, updatedAfter)
	if err != nil || stopped {
		return stopped, err
	}
	row.Status = string(StatusCompleted)
	m.importer.saveRow(ctx, row)

	return false, m.store.RebuildFTS(ctx)
}

func (m *PipelineManager) runChunk(ctx context.Context, job *Job) (bool, error) {
	var cursor int64
	var processed int
	for {
		if stop := m.controlStop(job); stop {
			return true, nil
		}
		cands, err := m.store.ListChunkCandidates(ctx, cursor, m.chunkBatch)
		if err != nil {
			return false, err
		}
		if len(cands) == 0 {
			return false, nil
		}

		for _, cand := range cands {
			if stop := m.controlStop(job); stop {
				return true, nil
			}
			pieces := m.chunker.Chunk(cand.Title, cand.Fulltext)
			if len(pieces) == 0 {
				m.logger.Debug("fulltext below minimum chunk size, skipping",
					"document_id", cand.ID)
			}
			rows := make([]store.Chunk, len(pieces))
			for i, p := range pieces {
				rows[i] = store.Chunk{
					ChunkIndex: p.Index,
					Text:       p.Text,
					CharStart:  p.CharStart,
					CharEnd:    p.CharEnd,
					TokenCount: p.TokenCount,
				}
			}
			if err := m.store.ReplaceChunks(ctx, cand.ID, rows); err != nil {
				return false, err
			}
			cursor = cand.ID
			processed++
		}
		job.Publish(EventPhaseProgress, map[string]any{"documents_chunked": processed})
	}
}

// runEmbed delegates to the embed runner. When cost confirmation is
// required and missing, the pipeline pauses in the embed phase and emits
// the estimate; resuming confirms the spend.
func (m *PipelineManager) runEmbed(ctx context.Context, job *Job, confirmed bool) (bool, error) {
	if m.requireConfirm && !confirmed {
		est, err := m.embedder.Estimate(ctx)
		if err != nil {
			return false, err
		}
		if est.EstimatedCost > 0 {
			job.Publish(EventCostConfirm, map[string]any{
				"pending_chunks":     est.PendingChunks,
				"estimated_tokens":   est.EstimatedTokens,
				"estimated_cost_usd": est.EstimatedCost,
				"provider":           est.Provider,
				"model":              est.Model,
			})
			m.logger.Info("pipeline paused for cost confirmation",
				"job_id", job.ID, "estimated_cost_usd", est.EstimatedCost)
			return true, nil
		}
	}

	row, err := m.embedder.loadRow(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		row = &store.EmbedJobRow{
			ID:        job.ID,
			Provider:  m.embedder.provider.Name(),
			Model:     m.embedder.provider.ModelID(),
			StartedAt: time.Now().UTC().Format(time.RFC3339),
		}
	}
	row.Status = string(StatusRunning)
	m.embedder.saveRow(ctx, row)

	stopped, err := m.embedder.pass(ctx, job, row)
	if err != nil || stopped {
		return stopped, err
	}
	row.Status = string(StatusCompleted)
	m.embedder.saveRow(ctx, row)
	return false, nil
}

// controlStop reports whether a pause or cancel request is pending. The
// caller returns stopped=true and finishStopped publishes the outcome.
func (m *PipelineManager) controlStop(job *Job) bool {
	return job.controlRequested() != ctrlNone
}

func (m *PipelineManager) finishStopped(job *Job) {
	switch job.controlRequested() {
	case ctrlCancel:
		job.Publish(EventPipelineCancelled, nil)
		job.Finish(StatusCancelled, "")
		m.logger.Info("pipeline cancelled", "job_id", job.ID, "phase", job.Phase())
	default:
		job.Publish(EventPipelinePaused, nil)
		job.Finish(StatusPaused, "")
		m.logger.Info("pipeline paused", "job_id", job.ID, "phase", job.Phase())
	}
}

func (m *PipelineManager) fail(job *Job, err error) {
	job.Publish(EventPipelineFailed, map[string]any{"error": err.Error()})
	job.Finish(StatusFailed, err.Error())
	m.logger.Error("pipeline failed", "job_id", job.ID, "phase", job.Phase(), "error", err)
}

// startHeartbeat publishes heartbeat events until the returned stop func
// is called.
func (m *PipelineManager) startHeartbeat(job *Job) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				job.Publish(EventHeartbeat, map[string]any{
					"status": string(job.Status()),
				})
			}
		}
	}()
	return func() { close(done) }
}
