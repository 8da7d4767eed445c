package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"subtitler/pkg/models"
)

// writeSSE drains sub onto w as Server-Sent Events until the client
// disconnects or the bus disconnects the subscriber (non-droppable
// overflow). It never writes an error response mid-stream (spec.md
// §4.8): reconnect is entirely client-driven.
func writeSSE(w http.ResponseWriter, r *http.Request, sub *eventReader) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

// eventReader is the minimal surface writeSSE needs from an
// *eventbus.Subscriber; named as its own type so tests can substitute a
// fake without importing eventbus internals.
type eventReader interface {
	Events() <-chan models.Event
	Done() <-chan struct{}
	Close()
}

func (s *Server) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	sub := s.bus.Subscribe(models.JobChannel(id))
	writeSSE(w, r, sub)
}

func (s *Server) handleStreamGlobal(w http.ResponseWriter, r *http.Request) {
	sub := s.bus.Subscribe(models.GlobalChannel)
	writeSSE(w, r, sub)
}
