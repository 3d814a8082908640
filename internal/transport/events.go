package transport

import "livecast/internal/live"

// EventKind discriminates Event.
type EventKind int

const (
	// StateChanged carries the new connection state and, for failures, the cause.
	StateChanged EventKind = iota
	// StreamStarted is the ingest acknowledgement of a start-stream message.
	StreamStarted
	// StreamError is a stream-error reported by the ingest service.
	StreamError
)

func (k EventKind) String() string {
	switch k {
	case StateChanged:
		return "state-changed"
	case StreamStarted:
		return "stream-started"
	case StreamError:
		return "stream-error"
	default:
		return "unknown"
	}
}

// Event is delivered on Channel.Events.
type Event struct {
	Kind     EventKind
	State    live.ConnectionState
	StreamID live.StreamID
	Err      error
}
