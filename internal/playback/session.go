package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"livecast/internal/live"
	"livecast/internal/platform/metrics"
)

// transitions lists the legal successors of every playback state. A session
// never goes back to Loading.
var transitions = map[live.PlaybackState][]live.PlaybackState{
	live.Loading:    {live.Ready, live.Failed},
	live.Ready:      {live.Playing, live.Recovering, live.Failed},
	live.Playing:    {live.Recovering, live.Failed},
	live.Recovering: {live.Ready, live.Playing, live.Failed},
	live.Failed:     nil,
}

func canTransition(from, to live.PlaybackState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Status is a point-in-time view of a playback session.
type Status struct {
	ID               string             `json:"id"`
	StreamID         live.StreamID      `json:"streamKey"`
	ManifestURL      string             `json:"manifestUrl"`
	Engine           string             `json:"engine"`
	State            live.PlaybackState `json:"state"`
	NeedsInteraction bool               `json:"needsInteraction"`
	Ended            bool               `json:"ended"`
	Error            string             `json:"error,omitempty"`
	Segments         uint64             `json:"segments"`
	Recoveries       int                `json:"recoveries"`
}

// Session plays one stream on one surface. Engine events are applied by a
// single loop goroutine; the state is guarded by mu.
type Session struct {
	id          string
	streamID    live.StreamID
	manifestURL string
	surface     Surface
	engine      Engine
	window      time.Duration
	log         *slog.Logger
	met         *metrics.Metrics
	release     func()
	failed      func()

	events      chan EngineEvent
	cancel      context.CancelFunc
	stopEngine  context.CancelFunc
	engineDone  chan struct{}
	loopDone    chan struct{}
	closeOnce   sync.Once
	releaseOnce sync.Once

	mu               sync.Mutex
	state            live.PlaybackState
	needsInteraction bool
	ended            bool
	err              error
	lastMediaErr     time.Time
	segments         uint64
	recoveries       int
}

func (s *Session) start() {
	ctx, cancel := context.WithCancel(context.Background())
	engineCtx, stopEngine := context.WithCancel(ctx)
	s.cancel, s.stopEngine = cancel, stopEngine
	s.events = make(chan EngineEvent, 32)
	s.engineDone = make(chan struct{})
	s.loopDone = make(chan struct{})

	emit := func(ev EngineEvent) {
		select {
		case s.events <- ev:
		case <-engineCtx.Done():
		}
	}
	go func() {
		defer close(s.engineDone)
		s.engine.Run(engineCtx, emit)
	}()
	go s.loop(ctx)
}

// ID is the session handle.
func (s *Session) ID() string { return s.id }

// StreamID is the stream being played.
func (s *Session) StreamID() live.StreamID { return s.streamID }

// State returns the current playback state.
func (s *Session) State() live.PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for display.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:               s.id,
		StreamID:         s.streamID,
		ManifestURL:      s.manifestURL,
		Engine:           s.engine.Name(),
		State:            s.state,
		NeedsInteraction: s.needsInteraction,
		Ended:            s.ended,
		Segments:         s.segments,
		Recoveries:       s.recoveries,
	}
	if s.err != nil {
		st.Error = userMessage(s.err)
	}
	return st
}

// Play is the user play gesture. It is needed only after autoplay was
// blocked; in other states it is a no-op.
func (s *Session) Play() error {
	s.mu.Lock()
	if s.state != live.Ready {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.play(true)
}

// CloseStream stops the engine, releases the surface and unregisters the
// session. Idempotent.
func (s *Session) CloseStream() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.engineDone
		<-s.loopDone
		s.releaseSurface()
		s.log.Info("playback closed")
	})
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev EngineEvent) {
	switch ev.Kind {
	case ManifestParsed:
		s.log.Debug("manifest parsed")

	case BufferAppended:
		s.mu.Lock()
		s.segments++
		first := s.state == live.Loading
		if first {
			s.setStateLocked(live.Ready)
		}
		s.mu.Unlock()
		if first {
			_ = s.play(false)
		}

	case Ended:
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		s.log.Info("stream ended")

	case EngineError:
		s.met.PlaybackError(ev.Class.String())
		switch ev.Class {
		case ClassNetwork:
			s.fail(ev.Err, false)
		case ClassMedia:
			s.recoverMedia(ev.Err)
		default:
			s.fail(ev.Err, true)
		}
	}
}

// play asks the surface to start rendering. A blocked autoplay is reported
// through NeedsInteraction and leaves the session Ready.
func (s *Session) play(gesture bool) error {
	err := s.surface.Play(gesture)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.needsInteraction = false
		if s.state == live.Ready {
			s.setStateLocked(live.Playing)
		}
		return nil
	case errors.Is(err, ErrAutoplayBlocked):
		s.needsInteraction = true
		s.log.Info("autoplay blocked, waiting for user interaction")
		return err
	default:
		s.log.Warn("play failed", slog.String("error", err.Error()))
		return err
	}
}

// recoverMedia resets the decoder once. A second decode failure inside the
// recovery window, or one before anything was buffered, is fatal.
func (s *Session) recoverMedia(cause error) {
	s.mu.Lock()
	now := time.Now()
	prev := s.state
	escalate := !s.lastMediaErr.IsZero() && now.Sub(s.lastMediaErr) < s.window
	s.lastMediaErr = now
	if escalate || !canTransition(prev, live.Recovering) {
		s.mu.Unlock()
		s.fail(cause, false)
		return
	}
	s.setStateLocked(live.Recovering)
	s.mu.Unlock()

	s.log.Warn("media error, recovering", slog.String("error", cause.Error()))
	if err := s.engine.RecoverMediaError(); err != nil {
		s.fail(err, true)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != live.Recovering {
		return
	}
	s.recoveries++
	s.met.IncPlaybackRecoveries()
	s.setStateLocked(prev)
}

// fail moves the session to Failed and stops the engine. No retry is made;
// release also frees the surface.
func (s *Session) fail(err error, release bool) {
	s.mu.Lock()
	if s.state == live.Failed {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.setStateLocked(live.Failed)
	s.mu.Unlock()

	s.stopEngine()
	s.log.Error("playback failed", slog.String("error", err.Error()), slog.Bool("release", release))
	if release {
		s.releaseSurface()
	} else if s.failed != nil {
		s.failed()
	}
}

func (s *Session) releaseSurface() {
	s.releaseOnce.Do(func() {
		if err := s.surface.Close(); err != nil {
			s.log.Warn("surface close", slog.String("error", err.Error()))
		}
		s.release()
	})
}

func (s *Session) setStateLocked(to live.PlaybackState) {
	if s.state == to {
		return
	}
	if !canTransition(s.state, to) {
		s.log.Warn("illegal playback transition ignored", slog.String("from", s.state.String()), slog.String("to", to.String()))
		return
	}
	s.log.Debug("playback state", slog.String("from", s.state.String()), slog.String("to", to.String()))
	s.state = to
}

func userMessage(err error) string {
	if errors.Is(err, ErrNativeLoad) {
		return "Failed to load stream"
	}
	return live.UserMessage(err)
}
