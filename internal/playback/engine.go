package playback

import "context"

// ErrorClass drives the session's recovery policy.
type ErrorClass int

const (
	// ClassNetwork covers manifest and segment fetch failures. Fatal.
	ClassNetwork ErrorClass = iota
	// ClassMedia covers decode failures. Recovered once per window.
	ClassMedia
	// ClassOther is any other fatal engine condition.
	ClassOther
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassMedia:
		return "media"
	default:
		return "other"
	}
}

// EventKind is the closed set of engine notifications.
type EventKind int

const (
	ManifestParsed EventKind = iota
	BufferAppended
	EngineError
	Ended
)

// EngineEvent is emitted by an Engine while it runs.
type EngineEvent struct {
	Kind     EventKind
	Sequence uint64
	Class    ErrorClass
	Err      error
}

// Engine drives one surface from a manifest URL.
type Engine interface {
	// Name identifies the engine in status output.
	Name() string
	// Run blocks until ctx is canceled, the stream ends, or a fatal error
	// has been emitted.
	Run(ctx context.Context, emit func(EngineEvent))
	// RecoverMediaError resets decoder and buffer state without reloading
	// the manifest.
	RecoverMediaError() error
}
