package jobs

import (
	"fmt"
	"sort"
	"sync"
)

// ErrJobNotFound is returned when an id is unknown to the registry.
var ErrJobNotFound = fmt.Errorf("job not found")

// Registry tracks every job the process knows about, live and finished.
// One job of each kind may be active at a time.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Add registers a job.
func (r *Registry) Add(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j
}

// Get returns a job by id.
func (r *Registry) Get(id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// Active returns the non-terminal job of the given kind, or nil.
func (r *Registry) Active(kind Kind) *Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, j := range r.jobs {
		if j.Kind == kind && !j.Status().Terminal() {
			return j
		}
	}
	return nil
}

// List returns snapshots of all known jobs, newest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Snapshot())
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].StartedAt > out[k].StartedAt
	})
	return out
}
