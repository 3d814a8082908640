package studio

import (
	"livecast/internal/capture"
	"livecast/internal/live"
	"livecast/internal/playback"
)

// StartRequest is the body of POST /capture/start. Empty fields fall back to
// the configured stream title and description.
type StartRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// StartResponse is returned once the directory has assigned a stream key.
type StartResponse struct {
	StreamKey live.StreamID `json:"streamKey"`
	WatchURL  string        `json:"watchUrl"`
}

// CaptureStatus is the capture session status plus the watch link of the
// current stream.
type CaptureStatus struct {
	capture.Status
	WatchURL string `json:"watchUrl,omitempty"`
}

// Watch is one open playback of a stream. Output is the recording file, empty
// when an external player renders the stream.
type Watch struct {
	StreamID live.StreamID
	Session  *playback.Session
	Output   string
}

// WatchStatus is the playback status plus where the stream is being recorded.
type WatchStatus struct {
	playback.Status
	Output string `json:"output,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
