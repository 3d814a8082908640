// Package device acquires live capture sources. A source is exclusively
// owned by one capture session until it is closed.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"livecast/internal/segmenter"
)

// ErrBusy is wrapped (together with live.ErrDeviceUnavailable) when the
// device is still held by another session.
var ErrBusy = errors.New("device busy")

// Constraints describes the requested capture format. Acquirers that drive an
// external encoder expand these into its command line.
type Constraints struct {
	Width            int
	Height           int
	FrameRate        int
	FacingMode       string
	EchoCancellation bool
	NoiseSuppression bool
	SampleRate       int
	VideoBitrate     int
	AudioBitrate     int
	MimeType         string
}

// DefaultConstraints is 720p30 VP8/Opus WebM at 2.5 Mbps video, 128 kbps audio.
func DefaultConstraints() Constraints {
	return Constraints{
		Width:            1280,
		Height:           720,
		FrameRate:        30,
		FacingMode:       "user",
		EchoCancellation: true,
		NoiseSuppression: true,
		SampleRate:       44100,
		VideoBitrate:     2_500_000,
		AudioBitrate:     128_000,
		MimeType:         "video/webm;codecs=vp8,opus",
	}
}

// Acquirer hands out a capture source. Errors wrap live.ErrPermissionDenied
// or live.ErrDeviceUnavailable.
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (segmenter.Source, error)
}

// exclusive guards a device against concurrent owners.
type exclusive struct {
	mu   sync.Mutex
	busy bool
}

func (e *exclusive) claim(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return fmt.Errorf("%s: %w", name, ErrBusy)
	}
	e.busy = true
	return nil
}

func (e *exclusive) free() {
	e.mu.Lock()
	e.busy = false
	e.mu.Unlock()
}
