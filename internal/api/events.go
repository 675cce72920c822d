package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cinder/internal/events"
	"github.com/seantiz/cinder/internal/model"
)

// handleBundleEvents streams state changes of one bundle as server-sent
// events. The current state is sent first; the stream ends with a done
// event once the bundle is final.
func (s *Server) handleBundleEvents(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if !s.authorize(w, r, uuid, ActionRead) {
		return
	}

	// Subscribe before reading the state so no transition falls in between.
	ch, unsub := s.hub.Subscribe(uuid)
	defer unsub()

	b, ok := s.bundleExists(w, r, uuid)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	current := events.Event{
		Type:       events.TypeStateChanged,
		BundleUUID: b.UUID,
		To:         b.State,
		WorkerID:   b.WorkerID,
		Reason:     b.ErrorMsg,
		Terminal:   model.IsTerminal(b.State),
		Timestamp:  b.UpdatedAt,
	}
	if err := writeSSEEvent(w, "state", current); err != nil {
		return
	}
	flush()
	if current.Terminal {
		_ = writeSSEDone(w)
		flush()
		return
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEDone(w)
				flush()
				return
			}
			if err := writeSSEEvent(w, "state", ev); err != nil {
				return // Client gone.
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes a named SSE event with a JSON data line.
func writeSSEEvent(w http.ResponseWriter, eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}

func writeSSEDone(w http.ResponseWriter) error {
	_, err := fmt.Fprint(w, "event: done\ndata: stream complete\n\n")
	return err
}
