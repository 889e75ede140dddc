package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/keepsake-labs/keepsake/internal/data"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
	"github.com/keepsake-labs/keepsake/internal/service"
)

// defaultSSEHeartbeat keeps idle streams alive through proxies.
const defaultSSEHeartbeat = 15 * time.Second

// EventHandlers serves the push delivery surface: server-sent event streams.
type EventHandlers struct {
	Delivery  *service.DeliveryService
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// Stream handles GET /api/jobs/{id}/events. The stream replays the durable
// record first, then forwards live events, and closes after the terminal
// event. Idle periods carry heartbeat comments so intermediaries keep the
// connection open.
func (h *EventHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "streaming_unsupported",
			Err:     errors.New("response writer does not support streaming"),
		})
		return
	}

	events, err := h.Delivery.Stream(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: err})
			return
		}
		if h.Logger != nil {
			h.Logger.ErrorContext(r.Context(), "event stream setup failed", "job_id", id, "error", err)
		}
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "stream_failed", Err: err})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultSSEHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-events:
			if !open {
				// Terminal event delivered (or the feed shut down); the
				// durable record has anything the client still needs.
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent renders one event in SSE framing: the kind as the event name,
// the kind-specific payload as JSON data, and the event id for Last-Event-ID
// bookkeeping on the client side.
func writeSSEEvent(w http.ResponseWriter, event model.JobEvent) error {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Kind, payload)
	return err
}
