// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/lazyaf/internal/protocol"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

const defaultSSEPingInterval = 15 * time.Second

// StreamJobLogs handles GET /api/v1/jobs/{jobID}/logs/stream.
func (h *Handlers) StreamJobLogs(w http.ResponseWriter, r *http.Request) {
	h.streamJob(w, r, chi.URLParam(r, "jobID"))
}

// StreamPlayground handles GET /api/v1/playground/{session}/stream. A
// playground session is its ephemeral job's ID.
func (h *Handlers) StreamPlayground(w http.ResponseWriter, r *http.Request) {
	h.streamJob(w, r, chi.URLParam(r, "session"))
}

// streamJob tails one job's logs over SSE. The bus subscription is
// taken before the job row is read so no delta between the read and the
// loop can be missed; Last-Event-Id replay is served from the persisted
// log with the stored sequence number, so a reconnecting client sees no
// duplicates.
func (h *Handlers) streamJob(w http.ResponseWriter, r *http.Request, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sub := h.bus.Subscribe(protocol.EventJobChanged)
	defer sub.Close()

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		notFound(w, "job", jobID)
		return
	}

	lastSeq := 0
	if id := r.Header.Get("Last-Event-Id"); id != "" {
		if parsed, err := strconv.Atoi(id); err == nil && parsed > 0 {
			lastSeq = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Replay: everything the client has not seen, as one batch.
	if job.LogSeq > lastSeq && job.Logs != "" {
		writeSSE(w, flusher, protocol.SSELogsBatch, job.LogSeq, map[string]interface{}{
			"logs": job.Logs,
			"seq":  job.LogSeq,
		})
		lastSeq = job.LogSeq
	}
	if job.Status.Terminal() {
		h.writeTerminal(w, flusher, job)
		return
	}
	writeSSE(w, flusher, protocol.SSEStatus, 0, map[string]string{"status": job.Status.String()})

	ping := h.cfg.Broadcast.SSEPingInterval
	if ping <= 0 {
		ping = defaultSSEPingInterval
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			jc, isJob := ev.(protocol.JobChangedEvent)
			if !isJob || jc.JobID != jobID {
				continue
			}
			if jc.LogDelta != "" {
				if jc.LogSeq > lastSeq {
					writeSSE(w, flusher, protocol.SSELog, jc.LogSeq, map[string]interface{}{
						"chunk": jc.LogDelta,
						"seq":   jc.LogSeq,
					})
					lastSeq = jc.LogSeq
				}
				continue
			}
			if jc.NewStatus.Terminal() {
				terminal := jc.Job
				if terminal == nil {
					terminal = job
					terminal.Status = jc.NewStatus
				}
				h.writeTerminal(w, flusher, terminal)
				return
			}
			writeSSE(w, flusher, protocol.SSEStatus, 0, map[string]string{"status": jc.NewStatus.String()})
		case <-ticker.C:
			writeSSE(w, flusher, protocol.SSEPing, 0, map[string]int64{"ts": time.Now().Unix()})
		case <-r.Context().Done():
			return
		}
	}
}

// writeTerminal emits the closing frame: complete for a successful job,
// error for anything else.
func (h *Handlers) writeTerminal(w http.ResponseWriter, flusher http.Flusher, job *models.Job) {
	if job.Status == models.JobStatusCompleted {
		writeSSE(w, flusher, protocol.SSEComplete, 0, job)
		return
	}
	msg := job.Error
	if msg == "" {
		msg = job.Status.String()
	}
	writeSSE(w, flusher, protocol.SSEError, 0, map[string]interface{}{
		"error": msg,
		"job":   job,
	})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, id int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		getLog().Error().Err(err).Str("event", event).Msg("Failed to marshal SSE payload")
		return
	}
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
