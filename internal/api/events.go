package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// EventsStreamHandler serves GET /v1/events/stream: an SSE feed of derived
// events for the caller's seller.
func (s *Server) EventsStreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/events/stream" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	fl, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(p.Seller)
	defer s.Broker.Unsubscribe(p.Seller, ch)

	// initial heartbeat so proxies commit the stream
	fmt.Fprintf(w, ": connected\n\n")
	fl.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			fl.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(evt.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			fl.Flush()
		}
	}
}
