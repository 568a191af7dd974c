// Package eventbus provides per-session ordered progress streams.
package eventbus

// Type tags a progress event.
type Type string

const (
	TypeLog       Type = "log"
	TypeResult    Type = "result"
	TypeComplete  Type = "complete"
	TypeHeartbeat Type = "heartbeat"
)

// Event is one progress frame. ID is assigned on publish and is monotonic
// within the process.
type Event struct {
	ID      string `json:"-"`
	Type    Type   `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Droppable reports whether the event may be discarded under backpressure.
func (e Event) Droppable() bool {
	return e.Type == TypeLog || e.Type == TypeHeartbeat
}

// Log builds a log event.
func Log(message string) Event {
	return Event{Type: TypeLog, Message: message}
}

// Result builds a result event.
func Result(message string, data any) Event {
	return Event{Type: TypeResult, Message: message, Data: data}
}

// Complete builds the terminal event of a run.
func Complete(message string, data any) Event {
	return Event{Type: TypeComplete, Message: message, Data: data}
}
