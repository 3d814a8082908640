package playback

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"livecast/internal/live"
)

const tsPacketSize = 188

var (
	ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
	id3Magic  = []byte("ID3")
	mp4Boxes  = [][]byte{[]byte("ftyp"), []byte("styp"), []byte("moof"), []byte("sidx"), []byte("emsg"), []byte("moov")}
)

// WriterSink renders a stream by writing every segment, in order, to w.
// Segments whose container cannot be recognised are rejected with
// live.ErrDecode.
type WriterSink struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer
	autoplay bool
	playing  bool
	closed   bool
	appended int
	resets   int
	bytes    int64
}

// NewWriterSink wraps w. When autoplay is false, Play without a user gesture
// returns ErrAutoplayBlocked.
func NewWriterSink(w io.Writer, autoplay bool) *WriterSink {
	s := &WriterSink{w: w, autoplay: autoplay}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// NewFileSink creates path (and its directory) and records the stream to it.
func NewFileSink(path string, autoplay bool) (*WriterSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return NewWriterSink(f, autoplay), nil
}

func (s *WriterSink) Play(gesture bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	if !s.autoplay && !gesture {
		return ErrAutoplayBlocked
	}
	s.playing = true
	return nil
}

func (s *WriterSink) Append(seg Segment) error {
	if err := checkContainer(seg.Data); err != nil {
		return fmt.Errorf("%w: segment %d: %v", live.ErrDecode, seg.Sequence, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	n, err := s.w.Write(seg.Data)
	s.bytes += int64(n)
	if err != nil {
		return err
	}
	s.appended++
	return nil
}

// Reset starts a fresh decode run. Already written segments are kept.
func (s *WriterSink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	s.resets++
	return nil
}

func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.playing = false
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Stats reports what the sink has rendered so far.
func (s *WriterSink) Stats() (segments, resets int, written int64, playing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended, s.resets, s.bytes, s.playing
}

// checkContainer accepts MPEG-TS, fragmented MP4, WebM and ID3-tagged
// packed audio.
func checkContainer(b []byte) error {
	switch {
	case len(b) == 0:
		return fmt.Errorf("empty segment")
	case b[0] == 0x47:
		if len(b) > tsPacketSize && b[tsPacketSize] != 0x47 {
			return fmt.Errorf("lost MPEG-TS sync at offset %d", tsPacketSize)
		}
		return nil
	case bytes.HasPrefix(b, ebmlMagic), bytes.HasPrefix(b, id3Magic):
		return nil
	case len(b) >= 8:
		for _, box := range mp4Boxes {
			if bytes.Equal(b[4:8], box) {
				return nil
			}
		}
	}
	return fmt.Errorf("unrecognised container (first byte 0x%02x)", b[0])
}
