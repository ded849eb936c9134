package devassets

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/conneroisu/hotswap/internal/logging"
)

// DefaultHeartbeat is how often an idle event stream gets a keepalive.
const DefaultHeartbeat = 10 * time.Second

// EventStream serves hot events as server-sent events.
type EventStream struct {
	hub       *Hub
	heartbeat time.Duration
	logger    logging.Logger
}

// NewEventStream creates a stream over hub.
func NewEventStream(hub *Hub, heartbeat time.Duration, logger logging.Logger) *EventStream {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &EventStream{hub: hub, heartbeat: heartbeat, logger: logger}
}

// ServeHTTP implements http.Handler.
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream;charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before the sync message so nothing published in between is lost.
	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)
	s.logger.Debug(r.Context(), "Hot client connected", "transport", "sse", "clients", s.hub.Clients())

	if _, err := fmt.Fprint(w, "\n"); err != nil {
		return
	}
	if data, ok := s.hub.Sync(); ok {
		if err := writeEvent(w, data); err != nil {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(s.heartbeat)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, data); err != nil {
				s.logger.Debug(context.Background(), "Hot client write failed", "error", err)
				return
			}
			flusher.Flush()
			keepalive.Reset(s.heartbeat)
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, "data: \U0001F493\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
