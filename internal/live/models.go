// Package live holds the data model shared by the capture, transport and
// playback clients.
package live

import (
	"fmt"
	"time"
)

// StreamID uniquely identifies a live stream. It is assigned by the directory
// service when the stream is created and never changes afterwards.
type StreamID string

// MediaChunk is one bounded-duration slice of encoded media produced by the
// segmenter. Sequence numbers are strictly increasing within a capture session.
type MediaChunk struct {
	Sequence   uint64
	Payload    []byte
	CapturedAt time.Time

	// Final marks the terminal flush emitted when the segmenter is stopped.
	Final bool
}

// ConnectionState is the lifecycle state of the ingest connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

var connectionStateNames = [...]string{"disconnected", "connecting", "connected", "reconnecting"}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(connectionStateNames) {
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
	return connectionStateNames[s]
}

// MarshalText renders the state name in status payloads.
func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CaptureState is the lifecycle state of a capture session.
type CaptureState int

const (
	Idle CaptureState = iota
	Acquiring
	Streaming
	Stopping
	Errored
)

var captureStateNames = [...]string{"idle", "acquiring", "streaming", "stopping", "errored"}

func (s CaptureState) String() string {
	if s < 0 || int(s) >= len(captureStateNames) {
		return fmt.Sprintf("CaptureState(%d)", int(s))
	}
	return captureStateNames[s]
}

// MarshalText renders the state name in status payloads.
func (s CaptureState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active reports whether the session holds (or is acquiring) resources.
func (s CaptureState) Active() bool {
	return s == Acquiring || s == Streaming || s == Stopping
}

// PlaybackState is the lifecycle state of a playback session.
type PlaybackState int

const (
	Loading PlaybackState = iota
	Ready
	Playing
	Recovering
	Failed
)

var playbackStateNames = [...]string{"loading", "ready", "playing", "recovering", "failed"}

func (s PlaybackState) String() string {
	if s < 0 || int(s) >= len(playbackStateNames) {
		return fmt.Sprintf("PlaybackState(%d)", int(s))
	}
	return playbackStateNames[s]
}

// MarshalText renders the state name in status payloads.
func (s PlaybackState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
