// Package jobs runs the library's long-lived background work: imports,
// content fetching, embedding, and the combined pipeline. Runners are
// cooperative: they poll for pause and cancel requests at item and batch
// boundaries and persist their cursors, so interrupted work resumes where
// it stopped.
package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names a category of background work.
type Kind string

const (
	KindImport   Kind = "import"
	KindFetch    Kind = "fetch"
	KindEmbed    Kind = "embed"
	KindPipeline Kind = "pipeline"
	KindDigest   Kind = "digest"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Phase is a stage of the combined pipeline.
type Phase string

const (
	PhaseIdle   Phase = "idle"
	PhaseImport Phase = "import"
	PhaseChunk  Phase = "chunk"
	PhaseEmbed  Phase = "embed"
	PhaseIndex  Phase = "index"
	PhaseDone   Phase = "done"
)

type control int

const (
	ctrlNone control = iota
	ctrlPause
	ctrlCancel
)

// Job is one unit of background work with its live state and event stream.
// All state access is synchronized; runners and HTTP handlers share it.
type Job struct {
	ID   string
	Kind Kind

	mu         sync.Mutex
	status     Status
	phase      Phase
	startedAt  time.Time
	finishedAt time.Time
	errMsg     string
	progress   map[string]any
	ctrl       control

	events *Broadcaster
}

// NewJob builds a pending job with a fresh id.
func NewJob(kind Kind) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		status:    StatusPending,
		startedAt: time.Now().UTC(),
		events:    NewBroadcaster(),
	}
}

// RestoreJob rebuilds a job from a persisted row so it can be resumed.
func RestoreJob(id string, kind Kind, status Status) *Job {
	return &Job{
		ID:        id,
		Kind:      kind,
		status:    status,
		startedAt: time.Now().UTC(),
		events:    NewBroadcaster(),
	}
}

// Status returns the current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Phase returns the current pipeline phase, empty for non-pipeline jobs.
func (j *Job) Phase() Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase
}

// SetPhase records the pipeline phase.
func (j *Job) SetPhase(p Phase) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.phase = p
}

// MarkRunning moves the job into running and clears any stale control
// request left over from a pause.
func (j *Job) MarkRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = StatusRunning
	j.ctrl = ctrlNone
	j.errMsg = ""
}

// RequestPause asks the runner to stop at its next checkpoint. Only a
// running job can be paused.
func (j *Job) RequestPause() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusRunning {
		return fmt.Errorf("cannot pause job in status %q", j.status)
	}
	j.ctrl = ctrlPause
	return nil
}

// RequestCancel asks the runner to stop for good. A job with no active
// runner (pending or paused) is cancelled on the spot; the immediate
// return tells the caller to persist and publish the final state itself.
func (j *Job) RequestCancel() (immediate bool, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false, fmt.Errorf("cannot cancel job in status %q", j.status)
	}
	j.ctrl = ctrlCancel
	if j.status != StatusRunning {
		j.status = StatusCancelled
		j.finishedAt = time.Now().UTC()
		return true, nil
	}
	return false, nil
}

// controlRequested returns the pending control request, if any.
func (j *Job) controlRequested() control {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ctrl
}

// Finish moves the job into a resting state. Terminal states close the
// event stream; publish any final event before calling Finish.
func (j *Job) Finish(status Status, errMsg string) {
	j.mu.Lock()
	j.status = status
	j.errMsg = errMsg
	j.ctrl = ctrlNone
	if status.Terminal() {
		j.finishedAt = time.Now().UTC()
	}
	j.mu.Unlock()

	if status.Terminal() {
		j.events.Close()
	}
}

// SetProgress replaces the job's progress counters.
func (j *Job) SetProgress(p map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress = p
}

// Subscribe attaches an event listener. The returned cancel func must be
// called when the listener goes away.
func (j *Job) Subscribe() (<-chan Event, func()) {
	return j.events.Subscribe()
}

// Publish emits an event on the job's stream, stamping job id, phase and
// timestamp.
func (j *Job) Publish(eventType string, data map[string]any) {
	j.mu.Lock()
	phase := j.phase
	j.mu.Unlock()

	j.events.Publish(Event{
		Type:      eventType,
		JobID:     j.ID,
		Phase:     string(phase),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
}

// Snapshot is a point-in-time view of a job for status endpoints.
type Snapshot struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Status     Status         `json:"status"`
	Phase      Phase          `json:"phase,omitempty"`
	StartedAt  string         `json:"started_at,omitempty"`
	FinishedAt string         `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	Progress   map[string]any `json:"progress,omitempty"`
}

// Snapshot copies the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := Snapshot{
		ID:     j.ID,
		Kind:   j.Kind,
		Status: j.status,
		Phase:  j.phase,
		Error:  j.errMsg,
	}
	if !j.startedAt.IsZero() {
		snap.StartedAt = j.startedAt.Format(time.RFC3339)
	}
	if !j.finishedAt.IsZero() {
		snap.FinishedAt = j.finishedAt.Format(time.RFC3339)
	}
	if len(j.progress) > 0 {
		snap.Progress = make(map[string]any, len(j.progress))
		for k, v := range j.progress {
			snap.Progress[k] = v
		}
	}
	return snap
}
