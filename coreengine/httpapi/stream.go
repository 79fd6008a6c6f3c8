package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/runtime"
)

// streamBuffer bounds node events queued for a slow client.
const streamBuffer = 64

// sseEvent is one server-sent event.
type sseEvent struct {
	name string
	data any
}

func writeEvent(w http.ResponseWriter, ev sseEvent) error {
	data, err := json.Marshal(ev.data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data)
	return err
}

// handleChatStream runs a turn and streams its node progress as server-sent
// events, ending with a "response" event carrying the chat response.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	req := body.request()
	req.RequestID = envelope.NewRequestID()

	events := make(chan sseEvent, streamBuffer)
	unsubscribe := s.subscribe(ctx, req.RequestID, events)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := make(chan runtime.ChatResponse, 1)
	go func() {
		done <- s.backend.Chat(ctx, req)
	}()

	send := func(ev sseEvent) bool {
		if err := writeEvent(w, ev); err != nil {
			s.logger.Debug("stream_write_failed", "request_id", req.RequestID, "error", err.Error())
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case ev := <-events:
			if !send(ev) {
				<-done
				return
			}
		case resp := <-done:
			// Publishing is synchronous, so every node event of the turn is
			// already queued.
			for drained := false; !drained; {
				select {
				case ev := <-events:
					send(ev)
				default:
					drained = true
				}
			}
			send(sseEvent{name: "response", data: resp})
			return
		}
	}
}

// subscribe forwards this request's node events into out until the
// returned function is called.
func (s *Server) subscribe(ctx context.Context, requestID string, out chan<- sseEvent) func() {
	if s.bus == nil {
		return func() {}
	}
	return runtime.WatchNodes(s.bus, requestID, func(ev runtime.NodeEvent) {
		select {
		case out <- sseEvent{name: ev.Name, data: ev.Event}:
		case <-ctx.Done():
		}
	})
}
