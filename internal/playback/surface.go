package playback

import (
	"context"
	"errors"
	"time"
)

// HLSMimeType is the manifest type native surfaces are asked about.
const HLSMimeType = "application/vnd.apple.mpegurl"

var (
	// ErrAutoplayBlocked is returned by Surface.Play when playback needs a
	// user gesture. It is not a failure.
	ErrAutoplayBlocked = errors.New("autoplay blocked: user interaction required")

	// ErrSurfaceInUse is returned when a surface is already attached to an
	// open session.
	ErrSurfaceInUse = errors.New("surface already in use")

	// ErrNativeLoad is reported when the native player cannot load the stream.
	ErrNativeLoad = errors.New("failed to load stream")
)

// Segment is one fetched media segment handed to a sink.
type Segment struct {
	Sequence      uint64
	URI           string
	Duration      time.Duration
	Discontinuity bool
	Data          []byte
}

// Surface is a rendering target owned by one session at a time. Surfaces are
// used as map keys and must be pointer types.
type Surface interface {
	// Play starts rendering. gesture is true when the call comes from an
	// explicit user action.
	Play(gesture bool) error
	Close() error
}

// MediaSink is a surface fed segment by segment by the library engine.
// Append may return an error wrapping live.ErrDecode; Reset drops decoder and
// buffer state so appending can resume.
type MediaSink interface {
	Surface
	Append(seg Segment) error
	Reset() error
}

// NativeSurface plays a manifest URL by itself.
type NativeSurface interface {
	Surface
	CanPlayType(mime string) bool
	// Load plays url until ctx is canceled or playback ends, reporting
	// progress through notify. It blocks.
	Load(ctx context.Context, url string, notify func(EngineEvent)) error
}
