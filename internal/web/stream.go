package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lucasnoah/handoff/internal/events"
	"github.com/lucasnoah/handoff/internal/pipeline"
)

// handleStream serves a Server-Sent Events stream of one instance. The first
// message is a "snapshot" of the current state; every bus event follows as a
// message named after its type. When the instance reaches a terminal status
// the stream sends a "done" event and ends.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if s.bus == nil {
		http.Error(w, "event stream not configured", http.StatusServiceUnavailable)
		return
	}

	// Subscribe before reading the snapshot so no transition falls between.
	ch, sub := s.bus.SubscribeChan(id, 64)
	defer sub.Cancel()

	inst, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", inst.EventSeq, inst); err != nil {
		return
	}
	flusher.Flush()
	if inst.Status.Terminal() {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", inst.Status)
		flusher.Flush()
		return
	}

	tick := time.NewTicker(s.heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Seq <= inst.EventSeq {
				continue
			}
			if err := writeSSE(w, string(e.Type), e.Seq, e); err != nil {
				return
			}
			flusher.Flush()
			if e.Type == events.StatusChanged && pipeline.Status(e.CurrentStatus).Terminal() {
				fmt.Fprintf(w, "event: done\ndata: %s\n\n", e.CurrentStatus)
				flusher.Flush()
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, name string, seq int64, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, name, data)
	return err
}
