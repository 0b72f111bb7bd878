package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/camforge/camforge/internal/progress"
)

// handleRunEvents streams a run's progress events as SSE. A fresh
// client gets live events only; a client reconnecting with a
// Last-Event-ID cursor is replayed everything the hub still buffers
// past that sequence.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}

	afterSeq := s.hub.LastSeq(runID)
	if lastEventID != "" {
		seq, err := strconv.ParseInt(lastEventID, 10, 64)
		if err != nil || seq < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid Last-Event-ID %q", lastEventID))
			return
		}
		afterSeq = seq
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	ctx := r.Context()
	sub := s.hub.Subscribe(ctx, runID, afterSeq)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("retry: 2000\n")); err != nil {
		return
	}
	if _, err := w.Write([]byte(":connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := w.Write([]byte(":keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev progress.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", ev.Seq, data); err != nil {
		return err
	}
	return nil
}
