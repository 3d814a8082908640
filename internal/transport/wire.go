package transport

import (
	"encoding/json"

	"livecast/internal/live"
)

// Message types of the ingest protocol.
const (
	MsgStartStream   = "start-stream"
	MsgStopStream    = "stop-stream"
	MsgStreamChunk   = "stream-chunk"
	MsgStreamStarted = "stream-started"
	MsgStreamError   = "stream-error"
)

// Envelope is the JSON header carried in every text frame. A stream-chunk
// envelope is followed by exactly one binary frame holding Size bytes.
type Envelope struct {
	Type      string        `json:"type"`
	StreamKey live.StreamID `json:"streamKey"`
	Sequence  *uint64       `json:"sequence,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
	Size      int           `json:"size,omitempty"`
	Final     bool          `json:"final,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func chunkEnvelope(id live.StreamID, c live.MediaChunk) Envelope {
	seq := c.Sequence
	return Envelope{
		Type:      MsgStreamChunk,
		StreamKey: id,
		Sequence:  &seq,
		Timestamp: c.CapturedAt.UnixMilli(),
		Size:      len(c.Payload),
		Final:     c.Final,
	}
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
