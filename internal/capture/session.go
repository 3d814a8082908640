// Package capture runs the capture session state machine: it creates the
// stream, acquires the source, waits for the ingest connection and pumps
// chunks from the segmenter into the transport until stopped or failed.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"livecast/internal/device"
	"livecast/internal/directory"
	"livecast/internal/live"
	"livecast/internal/platform/logger"
	"livecast/internal/platform/metrics"
	"livecast/internal/segmenter"
	"livecast/internal/transport"
)

var (
	// ErrSessionActive is returned by StartCapture while a session is running.
	ErrSessionActive = errors.New("capture session already active")

	// ErrStopped is returned by StartCapture when StopCapture interrupted it.
	ErrStopped = errors.New("capture stopped during start")
)

// Directory creates stream records.
type Directory interface {
	CreateStream(ctx context.Context, md directory.Metadata) (live.StreamID, error)
}

// Acquirer grants the capture source.
type Acquirer interface {
	Acquire(ctx context.Context, c device.Constraints) (segmenter.Source, error)
}

// Transport is the ingest channel as seen by the session.
type Transport interface {
	Connect(ctx context.Context) error
	State() live.ConnectionState
	Events() <-chan transport.Event
	SendChunk(id live.StreamID, chunk live.MediaChunk) error
	AnnounceStart(id live.StreamID) error
	AnnounceStop(id live.StreamID) error
	Disconnect()
}

// Config describes one capture attempt.
type Config struct {
	Metadata    directory.Metadata
	Constraints device.Constraints
	Interval    time.Duration
}

// Status is a point-in-time view of the session for the UI.
type Status struct {
	State         live.CaptureState    `json:"state"`
	StreamID      live.StreamID        `json:"streamKey,omitempty"`
	Connection    live.ConnectionState `json:"connection"`
	Live          bool                 `json:"live"`
	Error         string               `json:"error,omitempty"`
	ChunksSent    uint64               `json:"chunksSent"`
	ChunksDropped uint64               `json:"chunksDropped"`
}

// Session owns at most one capture attempt at a time.
type Session struct {
	dir Directory
	acq Acquirer
	tr  Transport
	log *slog.Logger
	met *metrics.Metrics

	mu       sync.Mutex
	state    live.CaptureState
	epoch    uint64
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	starting chan struct{}
	streamID live.StreamID
	live     bool
	lastErr  error
	sent     uint64
	dropped  uint64
}

// New returns an idle session.
func New(dir Directory, acq Acquirer, tr Transport, log *slog.Logger, met *metrics.Metrics) *Session {
	return &Session{
		dir:   dir,
		acq:   acq,
		tr:    tr,
		log:   logger.WithComponent(log, "capture"),
		met:   met,
		state: live.Idle,
	}
}

// StartCapture creates a stream, acquires the source and starts streaming in
// the background. It returns once the source is held; the session moves to
// Streaming when the ingest connection is up.
func (s *Session) StartCapture(ctx context.Context, cfg Config) (live.StreamID, error) {
	s.mu.Lock()
	if s.state.Active() {
		s.mu.Unlock()
		return "", ErrSessionActive
	}
	s.epoch++
	epoch := s.epoch
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	starting := make(chan struct{})
	s.starting = starting
	s.running = false
	s.streamID, s.live, s.lastErr = "", false, nil
	s.sent, s.dropped = 0, 0
	s.setStateLocked(live.Acquiring)
	s.mu.Unlock()
	defer close(starting)

	opCtx, opCancel := context.WithCancel(ctx)
	defer opCancel()
	stopWatch := context.AfterFunc(runCtx, opCancel)
	defer stopWatch()

	id, err := s.dir.CreateStream(opCtx, cfg.Metadata)
	if err != nil {
		cancel()
		return "", s.abortStart(epoch, err)
	}
	s.log.Info("stream created", slog.String("stream_id", string(id)))

	raw, err := s.acq.Acquire(opCtx, cfg.Constraints)
	if err != nil {
		cancel()
		return "", s.abortStart(epoch, err)
	}
	src := &onceSource{Source: raw}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		src.Close()
		s.log.Info("discarding source acquired after stop", slog.String("stream_id", string(id)))
		return "", ErrStopped
	}
	s.streamID = id
	s.running = true
	done := s.done
	s.mu.Unlock()

	s.drainEvents()
	connected := make(chan struct{})
	go func() {
		defer close(connected)
		if err := s.tr.Connect(runCtx); err != nil {
			s.log.Warn("ingest connect failed", slog.String("error", err.Error()))
		}
	}()
	go s.run(runCtx, cancel, epoch, id, src, cfg.Interval, connected, done)
	return id, nil
}

// StopCapture tears the session down. It always succeeds, may be called from
// any state and is idempotent. A running session is stopped synchronously.
func (s *Session) StopCapture() {
	s.mu.Lock()
	if !s.state.Active() {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	if !s.running {
		// start still in flight: invalidate it and wait until it has released
		// whatever it acquired, so a restart finds the source free
		first := s.state != live.Stopping
		if first {
			s.epoch++
			s.setStateLocked(live.Stopping)
		}
		starting := s.starting
		s.mu.Unlock()
		cancel()
		<-starting

		s.mu.Lock()
		if s.state == live.Stopping && !s.running {
			s.setStateLocked(live.Idle)
		}
		s.mu.Unlock()
		if first {
			s.met.CaptureFinished("aborted")
			s.log.Info("capture aborted during start")
		}
		return
	}
	s.mu.Unlock()
	cancel()
	<-done
}

// Close is StopCapture, for component teardown.
func (s *Session) Close() error {
	s.StopCapture()
	return nil
}

// State returns the current capture state.
func (s *Session) State() live.CaptureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for display.
func (s *Session) Status() Status {
	conn := s.tr.State()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:         s.state,
		StreamID:      s.streamID,
		Connection:    conn,
		Live:          s.live,
		ChunksSent:    s.sent,
		ChunksDropped: s.dropped,
	}
	if s.lastErr != nil {
		st.Error = live.UserMessage(s.lastErr)
	}
	return st
}

func (s *Session) abortStart(epoch uint64, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return fmt.Errorf("%w: %v", ErrStopped, err)
	}
	s.lastErr = err
	s.setStateLocked(live.Errored)
	s.met.CaptureFinished("errored")
	s.log.Warn("capture start failed", slog.String("error", err.Error()))
	return err
}

// drainEvents discards transport events left over from a previous session.
func (s *Session) drainEvents() {
	for {
		select {
		case <-s.tr.Events():
		default:
			return
		}
	}
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, epoch uint64, id live.StreamID, src segmenter.Source, interval time.Duration, connected <-chan struct{}, done chan struct{}) {
	defer close(done)

	seg := segmenter.New(src, segmenter.Config{Interval: interval}, s.log)
	var chunks <-chan live.MediaChunk
	var cause error

	if s.tr.State() == live.Connected {
		chunks = s.begin(epoch, id, seg)
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case ev := <-s.tr.Events():
			switch ev.Kind {
			case transport.StateChanged:
				if ev.State == live.Connected && chunks == nil {
					chunks = s.begin(epoch, id, seg)
				}
				if ev.State == live.Disconnected && ev.Err != nil {
					cause = ev.Err
					break loop
				}
			case transport.StreamStarted:
				if ev.StreamID == id {
					s.mu.Lock()
					s.live = true
					s.mu.Unlock()
				}
			case transport.StreamError:
				if ev.StreamID == id || ev.StreamID == "" {
					cause = ev.Err
					break loop
				}
			}

		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				cause = seg.Err()
				if cause == nil {
					cause = live.ErrSourceLost
				}
				break loop
			}
			s.forward(id, c)
		}
	}

	// the connect attempt must be over before the channel is disconnected
	cancel()
	<-connected
	s.teardown(epoch, id, seg, src, chunks, cause)
}

// begin announces the stream and starts the segmenter. It returns nil when
// the announcement could not be queued; the next Connected event retries.
func (s *Session) begin(epoch uint64, id live.StreamID, seg *segmenter.Segmenter) <-chan live.MediaChunk {
	if err := s.tr.AnnounceStart(id); err != nil {
		s.log.Warn("start announcement not sent", slog.String("error", err.Error()))
		return nil
	}
	chunks, err := seg.Start(context.Background())
	if err != nil {
		s.log.Error("segmenter start failed", slog.String("error", err.Error()))
		return nil
	}
	s.mu.Lock()
	if epoch == s.epoch {
		s.setStateLocked(live.Streaming)
	}
	s.mu.Unlock()
	s.log.Info("streaming", slog.String("stream_id", string(id)))
	return chunks
}

func (s *Session) forward(id live.StreamID, c live.MediaChunk) {
	var err error
	if s.tr.State() != live.Connected {
		s.met.ChunkDropped(metrics.DropPaused)
		err = transport.ErrNotConnected
	} else {
		err = s.tr.SendChunk(id, c)
	}
	s.mu.Lock()
	if err != nil {
		s.dropped++
	} else {
		s.sent++
	}
	s.mu.Unlock()
}

func (s *Session) teardown(epoch uint64, id live.StreamID, seg *segmenter.Segmenter, src segmenter.Source, chunks <-chan live.MediaChunk, cause error) {
	stopping := cause == nil
	if stopping {
		s.mu.Lock()
		if epoch == s.epoch {
			s.setStateLocked(live.Stopping)
		}
		s.mu.Unlock()
	}

	seg.Stop()
	if chunks != nil {
		for c := range chunks {
			if stopping {
				s.forward(id, c)
			}
		}
	}
	<-seg.Done()
	if err := src.Close(); err != nil {
		s.log.Debug("source close", slog.String("error", err.Error()))
	}
	if err := s.tr.AnnounceStop(id); err != nil {
		s.log.Warn("stop announcement not sent", slog.String("error", err.Error()))
	}
	s.tr.Disconnect()

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return
	}
	s.running = false
	if stopping {
		s.setStateLocked(live.Idle)
		s.met.CaptureFinished("stopped")
		s.log.Info("capture stopped", slog.String("stream_id", string(id)), slog.Uint64("chunks_sent", s.sent))
		return
	}
	s.lastErr = cause
	s.setStateLocked(live.Errored)
	s.met.CaptureFinished("errored")
	s.log.Error("capture failed", slog.String("stream_id", string(id)), slog.String("error", cause.Error()))
}

func (s *Session) setStateLocked(st live.CaptureState) {
	if s.state == st {
		return
	}
	s.log.Debug("capture state", slog.String("from", s.state.String()), slog.String("to", st.String()))
	s.state = st
}

// onceSource makes Close idempotent so the source is released exactly once
// whichever teardown path reaches it first.
type onceSource struct {
	segmenter.Source
	once sync.Once
	err  error
}

func (o *onceSource) Close() error {
	o.once.Do(func() { o.err = o.Source.Close() })
	return o.err
}
