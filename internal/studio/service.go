package studio

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"livecast/internal/capture"
	"livecast/internal/device"
	"livecast/internal/directory"
	"livecast/internal/live"
	"livecast/internal/platform/logger"
	"livecast/internal/playback"
)

// Capturer is the capture session as driven by the studio.
type Capturer interface {
	StartCapture(ctx context.Context, cfg capture.Config) (live.StreamID, error)
	StopCapture()
	Status() capture.Status
}

// Directory lists live streams.
type Directory interface {
	ListLiveStreams(ctx context.Context) ([]directory.Stream, error)
}

// Options holds the studio defaults.
type Options struct {
	Title       string
	Description string
	Constraints device.Constraints
	Interval    time.Duration
	// OutputDir receives one recording per watched stream.
	OutputDir string
	// Autoplay lets watches start rendering without a play request.
	Autoplay bool
	// PlayerCommand, when set, plays watches with an external player
	// instead of recording them.
	PlayerCommand string
}

// Service ties the capture session, the player and the directory together
// behind the studio API.
type Service struct {
	capture  Capturer
	dir      Directory
	player   *playback.Player
	registry Registry
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

// NewService returns a Service. Zero options fall back to the capture defaults.
func NewService(c Capturer, dir Directory, player *playback.Player, registry Registry, opts Options, log *slog.Logger) *Service {
	if opts.Constraints == (device.Constraints{}) {
		opts.Constraints = device.DefaultConstraints()
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "recordings"
	}
	return &Service{
		capture:  c,
		dir:      dir,
		player:   player,
		registry: registry,
		opts:     opts,
		log:      logger.WithComponent(log, "studio"),
		now:      time.Now,
	}
}

// WatchURL is the studio link that opens playback of id.
func WatchURL(id live.StreamID) string {
	return "/watch/" + url.PathEscape(string(id))
}

// ListStreams returns the streams the directory reports as live.
func (s *Service) ListStreams(ctx context.Context) ([]directory.Stream, error) {
	return s.dir.ListLiveStreams(ctx)
}

// StartCapture starts a capture session for a new stream.
func (s *Service) StartCapture(ctx context.Context, req StartRequest) (StartResponse, error) {
	md := directory.Metadata{Title: req.Title, Description: req.Description, IsLive: true}
	if md.Title == "" {
		md.Title = s.opts.Title
	}
	if md.Description == "" {
		md.Description = s.opts.Description
	}
	id, err := s.capture.StartCapture(ctx, capture.Config{
		Metadata:    md,
		Constraints: s.opts.Constraints,
		Interval:    s.opts.Interval,
	})
	if err != nil {
		return StartResponse{}, err
	}
	return StartResponse{StreamKey: id, WatchURL: WatchURL(id)}, nil
}

// StopCapture stops the capture session. Idempotent.
func (s *Service) StopCapture() {
	s.capture.StopCapture()
}

// CaptureStatus reports the capture session.
func (s *Service) CaptureStatus() CaptureStatus {
	st := CaptureStatus{Status: s.capture.Status()}
	if st.StreamID != "" {
		st.WatchURL = WatchURL(st.StreamID)
	}
	return st
}

// Watch opens playback of id. A failed watch of the same stream is replaced.
func (s *Service) Watch(id live.StreamID) (WatchStatus, error) {
	if w, ok := s.registry.Get(id); ok {
		if w.Session.State() != live.Failed {
			return WatchStatus{}, ErrAlreadyWatching
		}
		s.close(id)
	}
	if _, err := playback.ManifestURL(s.manifestTemplate(), id); err != nil {
		return WatchStatus{}, err
	}

	surface, output, err := s.surface(id)
	if err != nil {
		return WatchStatus{}, err
	}
	sess, err := s.player.OpenStream(id, surface)
	if err != nil {
		_ = surface.Close()
		return WatchStatus{}, err
	}

	w := &Watch{StreamID: id, Session: sess, Output: output}
	if err := s.registry.Add(w); err != nil {
		sess.CloseStream()
		return WatchStatus{}, err
	}
	s.log.Info("watching stream", slog.String("stream_id", string(id)), slog.String("output", output))
	return statusOf(w), nil
}

// WatchStatus reports the playback of id.
func (s *Service) WatchStatus(id live.StreamID) (WatchStatus, error) {
	w, ok := s.registry.Get(id)
	if !ok {
		return WatchStatus{}, ErrNotWatching
	}
	return statusOf(w), nil
}

// Watches reports every open playback.
func (s *Service) Watches() []WatchStatus {
	ws := s.registry.List()
	out := make([]WatchStatus, 0, len(ws))
	for _, w := range ws {
		out = append(out, statusOf(w))
	}
	return out
}

// Play is the user gesture for a watch whose autoplay was blocked.
func (s *Service) Play(id live.StreamID) (WatchStatus, error) {
	w, ok := s.registry.Get(id)
	if !ok {
		return WatchStatus{}, ErrNotWatching
	}
	if err := w.Session.Play(); err != nil {
		return statusOf(w), err
	}
	return statusOf(w), nil
}

// Unwatch closes the playback of id.
func (s *Service) Unwatch(id live.StreamID) error {
	if !s.close(id) {
		return ErrNotWatching
	}
	return nil
}

// ActiveWatches counts watches that have not failed.
func (s *Service) ActiveWatches() int {
	n := 0
	for _, w := range s.registry.List() {
		if w.Session.State() != live.Failed {
			n++
		}
	}
	return n
}

// Close stops the capture session and closes every watch.
func (s *Service) Close() {
	s.capture.StopCapture()
	for _, w := range s.registry.List() {
		s.close(w.StreamID)
	}
}

func (s *Service) close(id live.StreamID) bool {
	w, ok := s.registry.Remove(id)
	if !ok {
		return false
	}
	w.Session.CloseStream()
	s.log.Info("stopped watching", slog.String("stream_id", string(id)))
	return true
}

// surface picks where a watch renders: an external player when one is
// configured, otherwise a recording file.
func (s *Service) surface(id live.StreamID) (playback.Surface, string, error) {
	if s.opts.PlayerCommand != "" {
		return playback.NewCommandSurface(s.opts.PlayerCommand, s.log), "", nil
	}
	output := filepath.Join(s.opts.OutputDir, fmt.Sprintf("%s-%d.ts", sanitize(id), s.now().Unix()))
	sink, err := playback.NewFileSink(output, s.opts.Autoplay)
	if err != nil {
		return nil, "", fmt.Errorf("create recording: %w", err)
	}
	return sink, output, nil
}

func (s *Service) manifestTemplate() string {
	return s.player.ManifestTemplate()
}

func statusOf(w *Watch) WatchStatus {
	return WatchStatus{Status: w.Session.Status(), Output: w.Output}
}

// sanitize keeps stream ids usable as file names.
func sanitize(id live.StreamID) string {
	b := []byte(id)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}
