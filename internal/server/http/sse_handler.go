package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskstream/internal/logging"
	"taskstream/internal/server/app"
	"taskstream/internal/server/ports"
)

const defaultPingInterval = 15 * time.Second

// SSEHandler serves the push protocol: replay of buffered history followed by
// live forwarding, with keepalive pings while idle. The stream closes for good
// once a terminal event has been written.
type SSEHandler struct {
	registry     *app.TaskRegistry
	pingInterval time.Duration
	logger       logging.Logger
}

// NewSSEHandler creates the stream handler.
func NewSSEHandler(registry *app.TaskRegistry, pingInterval time.Duration) *SSEHandler {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &SSEHandler{
		registry:     registry,
		pingInterval: pingInterval,
		logger:       logging.NewComponentLogger("SSEHandler"),
	}
}

// HandleTaskEvents serves GET /tasks/{id}/events. Authentication has already
// run in the middleware, so a bad token never reaches this handler and the
// client sees a plain 401 with zero event frames.
func (h *SSEHandler) HandleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	lastSeen := lastSeenSeq(r)

	replay, live, err := h.registry.Subscribe(r.Context(), taskID, lastSeen)
	if err != nil {
		if errors.Is(err, app.ErrTaskNotFound) {
			writeJSONError(w, h.logger, http.StatusNotFound, "task not found", nil)
			return
		}
		writeJSONError(w, h.logger, http.StatusInternalServerError, "failed to subscribe", err)
		return
	}
	if live != nil {
		defer h.registry.Unsubscribe(taskID, live)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, h.logger, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	h.logger.Info("stream opened: task=%s subject=%s last_seen=%d", taskID, SubjectFromContext(r.Context()), lastSeen)

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"task_id\":%q}\n\n", taskID); err != nil {
		h.logger.Error("failed to send connected frame: %v", err)
		return
	}
	flusher.Flush()

	for _, event := range replay {
		if !h.writeEvent(w, flusher, event) {
			return
		}
		if event.Kind.Terminal() {
			h.logger.Info("stream closed after replayed terminal event: task=%s", taskID)
			return
		}
	}

	// Channel already terminal and fully replayed; nothing live will come.
	if live == nil {
		h.logger.Info("stream closed: task %s already terminal", taskID)
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-live:
			if !ok {
				// Channel torn down behind us (idle GC); end the stream and
				// let the client reconnect for the buffered tail.
				h.logger.Info("stream ended: channel released for task %s", taskID)
				return
			}
			if !h.writeEvent(w, flusher, event) {
				return
			}
			if event.Kind.Terminal() {
				h.logger.Info("stream closed after terminal event: task=%s seq=%d", taskID, event.Seq)
				return
			}

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, "event: ping\n\n"); err != nil {
				h.logger.Debug("keepalive write failed, client gone: task=%s", taskID)
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			h.logger.Info("stream disconnected by client: task=%s", taskID)
			return
		}
	}
}

// eventFrame is the wire shape of one data payload.
type eventFrame struct {
	ID        int64     `json:"id"`
	Content   any       `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *SSEHandler) writeEvent(w http.ResponseWriter, flusher http.Flusher, event ports.Event) bool {
	data, err := json.Marshal(eventFrame{
		ID:        event.Seq,
		Content:   event.Payload,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		h.logger.Error("failed to serialize event seq=%d: %v", event.Seq, err)
		return true
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data); err != nil {
		h.logger.Debug("event write failed, client gone: task=%s seq=%d", event.TaskID, event.Seq)
		return false
	}
	flusher.Flush()
	return true
}

// lastSeenSeq reads the client's last delivered sequence id from the
// `last_event_id` query parameter or the standard Last-Event-ID header set by
// EventSource on automatic reconnects. Defaults to 0 (full replay).
func lastSeenSeq(r *http.Request) int64 {
	raw := strings.TrimSpace(r.URL.Query().Get("last_event_id"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}
