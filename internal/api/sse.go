package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/karstenhoffmann/nexus-os/pkg/jobs"
)

// sseHeartbeatInterval is how often a comment frame keeps an idle stream's
// connection from being reaped by proxies.
const sseHeartbeatInterval = 15 * time.Second

// streamJob serves a job's event feed as server-sent events. The first
// frame is a status event with the job snapshot so late subscribers see
// where the job stands; the stream ends when the job reaches a terminal
// status or the client goes away.
func streamJob(w http.ResponseWriter, r *http.Request, logger hclog.Logger, job *jobs.Job) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// The stream is long-lived; a server write deadline would kill it.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch, unsubscribe := job.Subscribe()
	defer unsubscribe()

	if err := writeSSE(w, "status", job.Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := ev.Payload()
			if err != nil {
				logger.Debug("sse payload encode failed", "job_id", job.ID, "error", err)
				return
			}
			if err := writeSSE(w, ev.Type, json.RawMessage(payload)); err != nil {
				logger.Debug("sse write failed", "job_id", job.ID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
