package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/events"
)

// keepAliveInterval is how often an idle event stream sends a comment line.
var keepAliveInterval = 25 * time.Second

// eventsHandler streams engine events as server-sent events. The optional contact and
// flow query parameters filter the stream.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	contact := r.URL.Query().Get("contact")
	flowID := r.URL.Query().Get("flow")

	stream, err := s.events.Subscribe(r.Context())
	if err != nil {
		slog.Error("Server.eventsHandler: subscribe failed", "error", err)
		http.Error(w, "Failed to subscribe to events", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	slog.Debug("Server.eventsHandler: client subscribed", "contact", contact, "flow", flowID)
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			slog.Debug("Server.eventsHandler: client disconnected")
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case e, ok := <-stream:
			if !ok {
				return
			}
			if !matches(e, contact, flowID) {
				continue
			}
			if err := writeEvent(w, e); err != nil {
				slog.Warn("Server.eventsHandler: write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func matches(e events.Event, contact, flowID string) bool {
	return (contact == "" || e.ContactID == contact) && (flowID == "" || e.FlowID == flowID)
}

func writeEvent(w http.ResponseWriter, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
	return err
}
