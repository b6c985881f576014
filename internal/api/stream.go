package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const sseHeartbeatInterval = 15 * time.Second

// Stream serves GET /api/websets/{id}/stream as a Server-Sent Events feed:
// it subscribes to the job's broadcast bus, replays any buffered item
// events so a client connecting mid-job still gets the full running set
// (§4.9, §9 Open Question — only item events replay, not rejections), and
// then forwards live events until the client disconnects. Grounded on the
// heartbeat/flush discipline of other_examples' SSE streaming handler,
// adapted to push from internal/events.Bus instead of polling a store.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/api/websets/")
	jobID = strings.TrimSuffix(jobID, "/stream")
	if jobID == "" {
		WriteError(w, http.StatusNotFound, NotFoundError("websetId is required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, RequestError{Status: http.StatusInternalServerError, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	bus := h.busFor(jobID)
	sub, unsubscribe := bus.Subscribe(jobID)
	defer unsubscribe()

	h.Metrics.StreamStarted()
	defer h.Metrics.StreamStopped()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if evt.Type == "finished" || evt.Type == "error" {
				return
			}
		}
	}
}
