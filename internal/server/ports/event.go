package ports

import "time"

// EventKind identifies the type of a progress event. The set is closed; code
// that switches on it should handle every constant below.
type EventKind string

const (
	// EventConnected is synthesized by the stream gateway when a subscriber
	// attaches. It is never appended to a channel's log.
	EventConnected EventKind = "connected"

	// Progress kinds emitted while the agent runs.
	EventStep  EventKind = "step"
	EventThink EventKind = "think"
	EventTool  EventKind = "tool"
	EventLog   EventKind = "log"

	// EventResult carries the final artifact before the terminal complete.
	EventResult EventKind = "result"

	// Terminal kinds. Appending either one closes the owning channel.
	EventError    EventKind = "error"
	EventComplete EventKind = "complete"

	// EventPing is a keepalive frame emitted by the stream gateway when no
	// real event has been sent for a while. Never appended to the log.
	EventPing EventKind = "ping"
)

// Terminal reports whether the kind ends the owning channel.
func (k EventKind) Terminal() bool {
	return k == EventError || k == EventComplete
}

// Appendable reports whether the kind may be written to a channel's log.
// Synthetic transport kinds (connected, ping) exist only on the wire.
func (k EventKind) Appendable() bool {
	switch k {
	case EventStep, EventThink, EventTool, EventLog, EventResult, EventError, EventComplete:
		return true
	case EventConnected, EventPing:
		return false
	default:
		return false
	}
}

// Event is one unit of progress/result information tied to a task. Seq is
// strictly increasing per task, starting at 1.
type Event struct {
	TaskID    string    `json:"task_id"`
	Seq       int64     `json:"id"`
	Kind      EventKind `json:"kind"`
	Payload   any       `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
