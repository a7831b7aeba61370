package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shrinklab/ffengine/internal/jobs"
)

// sseEvent is the envelope every SSE message carries on /api/jobs/stream.
type sseEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// JobStream handles GET /api/jobs/stream: sends the current job list,
// then a delta on every state change (C7), until the client disconnects.
func (h *Handler) JobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events := make(chan sseEvent, 32)
	unsubscribe := h.state.SubscribeDelta(func(d jobs.Delta) {
		select {
		case events <- sseEvent{Type: "delta", Data: d}:
		default:
			// slow client: drop rather than block the broadcaster
		}
	})
	defer unsubscribe()

	unsubscribeBatch := h.state.SubscribeBatch(func(b *jobs.Batch) {
		select {
		case events <- sseEvent{Type: "batch", Data: b}:
		default:
		}
	})
	defer unsubscribeBatch()

	initialData, _ := json.Marshal(sseEvent{Type: "init", Data: map[string]interface{}{
		"jobs":           h.state.GetAll(),
		"stats":          h.state.Stats(),
		"activity_today": h.state.ActivityToday(),
	}})
	fmt.Fprintf(w, "data: %s\n\n", initialData)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
