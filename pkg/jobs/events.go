package jobs

import (
	"encoding/json"
	"sync"
)

// Event types shared by the item-oriented jobs (import, fetch, embed).
const (
	EventStarted       = "started"
	EventProgress      = "progress"
	EventItemSuccess   = "item_success"
	EventItemFailed    = "item_failed"
	EventItemSkipped   = "item_skipped"
	EventBatchComplete = "batch_complete"
	EventPaused        = "paused"
	EventResumed       = "resumed"
	EventCompleted     = "completed"
	EventFailed        = "failed"
	EventCancelled     = "cancelled"
)

// Event types specific to the combined pipeline.
const (
	EventPhaseStart        = "phase_start"
	EventPhaseProgress     = "phase_progress"
	EventPhaseComplete     = "phase_complete"
	EventPipelineComplete  = "pipeline_complete"
	EventPipelinePaused    = "pipeline_paused"
	EventPipelineCancelled = "pipeline_cancelled"
	EventPipelineFailed    = "pipeline_failed"
	EventCostConfirm       = "cost_confirm"
	EventHeartbeat         = "heartbeat"
)

// Event is one job stream message.
type Event struct {
	Type      string
	JobID     string
	Phase     string
	Timestamp string
	Data      map[string]any
}

// Payload flattens the event into one JSON object: the data fields plus
// type, job_id, phase and timestamp. This is the body of an SSE data line.
func (e Event) Payload() ([]byte, error) {
	merged := make(map[string]any, len(e.Data)+4)
	for k, v := range e.Data {
		merged[k] = v
	}
	merged["type"] = e.Type
	if e.JobID != "" {
		merged["job_id"] = e.JobID
	}
	if e.Phase != "" {
		merged["phase"] = e.Phase
	}
	merged["timestamp"] = e.Timestamp
	return json.Marshal(merged)
}

// subscriber channels are buffered; a stalled listener loses events rather
// than blocking the runner.
const subscriberBuffer = 64

// Broadcaster fans one job's events out to any number of subscribers.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroadcaster builds an open broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. After Close the returned channel is
// already closed.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the stream; all subscriber channels are closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
