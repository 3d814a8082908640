// Package segmenter slices a live encoded media source into time-bounded
// chunks.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"livecast/internal/live"
	"livecast/internal/platform/logger"
)

// DefaultInterval is the chunk duration used when Config.Interval is zero.
const DefaultInterval = 500 * time.Millisecond

const (
	readBufferSize = 32 * 1024
	flushTimeout   = 2 * time.Second
)

// ErrAlreadyStarted is returned by Start on a segmenter that was already
// started or stopped. Segmenters are not restartable.
var ErrAlreadyStarted = errors.New("segmenter already started")

// Source is a live feed of encoded media. Read blocks until bytes are
// available; Close releases the underlying tracks and unblocks Read.
type Source interface {
	io.Reader
	io.Closer
}

// Config tunes a Segmenter. Shorter intervals lower latency at the cost of
// more, smaller messages.
type Config struct {
	Interval time.Duration
}

// Segmenter turns a Source into a lazy sequence of MediaChunks, one per
// interval with buffered data, until stopped or the source fails.
type Segmenter struct {
	src      Source
	interval time.Duration
	log      *slog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu  sync.Mutex
	err error
	seq uint64
}

// New returns a Segmenter reading from src.
func New(src Source, cfg Config, log *slog.Logger) *Segmenter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Segmenter{
		src:      src,
		interval: interval,
		log:      logger.WithComponent(log, "segmenter"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins reading the source and returns the chunk sequence. The channel
// is closed after the terminal flush chunk, or without one when the source is
// lost. The consumer must keep receiving until the channel closes.
func (s *Segmenter) Start(ctx context.Context) (<-chan live.MediaChunk, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	out := make(chan live.MediaChunk)
	data := make(chan []byte, 8)
	readErr := make(chan error, 1)

	go s.read(data, readErr)
	go s.run(ctx, out, data, readErr)
	return out, nil
}

// Stop requests the terminal flush. It never blocks and is idempotent. A
// segmenter stopped before Start releases its source immediately.
func (s *Segmenter) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.started.CompareAndSwap(false, true) {
			s.release()
			close(s.done)
		}
	})
}

// Done is closed once the segmenter has released its source and exited.
func (s *Segmenter) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal error that ended the sequence, if any. It wraps
// live.ErrSourceLost.
func (s *Segmenter) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Segmenter) read(data chan<- []byte, readErr chan<- error) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.src.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case data <- b:
			case <-s.done:
				return
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}

func (s *Segmenter) run(ctx context.Context, out chan<- live.MediaChunk, data <-chan []byte, readErr <-chan error) {
	defer close(s.done)
	defer close(out)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var buf []byte
	for {
		select {
		case b := <-data:
			buf = append(buf, b...)

		case <-ticker.C:
			if len(buf) == 0 {
				continue
			}
			if !s.emit(ctx, out, buf) {
				s.flush(out, buf, data)
				return
			}
			buf = nil

		case err := <-readErr:
			if s.stopping(ctx) {
				s.flush(out, buf, data)
				return
			}
			s.fail(err)
			return

		case <-s.stop:
			s.flush(out, buf, data)
			return

		case <-ctx.Done():
			s.flush(out, buf, data)
			return
		}
	}
}

// emit delivers a regular chunk. It reports false when stop or cancellation
// won the race, in which case the payload was not consumed.
func (s *Segmenter) emit(ctx context.Context, out chan<- live.MediaChunk, payload []byte) bool {
	c := live.MediaChunk{Sequence: s.seq, Payload: payload, CapturedAt: time.Now()}
	select {
	case out <- c:
		s.seq++
		s.log.Debug("chunk emitted", slog.Uint64("sequence", c.Sequence), slog.String("size", humanize.Bytes(uint64(len(payload)))))
		return true
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// flush emits the single terminal chunk with whatever is still buffered, then
// releases the source.
func (s *Segmenter) flush(out chan<- live.MediaChunk, buf []byte, data <-chan []byte) {
	defer s.release()
drain:
	for {
		select {
		case b := <-data:
			buf = append(buf, b...)
		default:
			break drain
		}
	}

	final := live.MediaChunk{Sequence: s.seq, Payload: buf, CapturedAt: time.Now(), Final: true}
	timer := time.NewTimer(flushTimeout)
	defer timer.Stop()
	select {
	case out <- final:
		s.seq++
		s.log.Debug("final chunk flushed", slog.Uint64("sequence", final.Sequence), slog.Int("size", len(buf)))
	case <-timer.C:
		s.log.Warn("final chunk not consumed, dropping", slog.Uint64("sequence", final.Sequence))
	}
}

func (s *Segmenter) fail(err error) {
	if errors.Is(err, io.EOF) {
		err = errors.New("source ended")
	}
	s.mu.Lock()
	s.err = fmt.Errorf("%w: %v", live.ErrSourceLost, err)
	s.mu.Unlock()
	s.log.Error("capture source lost", slog.String("error", err.Error()))
	s.release()
}

func (s *Segmenter) release() {
	if err := s.src.Close(); err != nil {
		s.log.Warn("release source failed", slog.String("error", err.Error()))
	}
}

func (s *Segmenter) stopping(ctx context.Context) bool {
	select {
	case <-s.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
