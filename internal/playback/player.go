// Package playback opens live streams by manifest URL and drives a rendering
// surface through the Loading, Ready, Playing, Recovering and Failed states.
package playback

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"livecast/internal/live"
	"livecast/internal/platform/logger"
	"livecast/internal/platform/metrics"
)

// DefaultManifestTemplate locates the manifest of a stream on the origin.
const DefaultManifestTemplate = "http://localhost:5000/hls/{streamId}/index.m3u8"

// Config configures a Player.
type Config struct {
	ManifestTemplate string
	Engine           EngineConfig
	// RecoveryWindow is how long after a media error a second one is fatal.
	RecoveryWindow time.Duration
}

// Player opens playback sessions and keeps every surface bound to at most
// one open session.
type Player struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
	met    *metrics.Metrics

	mu       sync.Mutex
	surfaces map[Surface]*Session
}

// NewPlayer returns a Player. A nil client uses http.DefaultClient.
func NewPlayer(cfg Config, client *http.Client, log *slog.Logger, met *metrics.Metrics) *Player {
	if cfg.ManifestTemplate == "" {
		cfg.ManifestTemplate = DefaultManifestTemplate
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 5 * time.Second
	}
	return &Player{
		cfg:      cfg,
		client:   client,
		log:      logger.WithComponent(log, "playback"),
		met:      met,
		surfaces: make(map[Surface]*Session),
	}
}

// ManifestURL expands template for id.
func ManifestURL(template string, id live.StreamID) (string, error) {
	if strings.TrimSpace(string(id)) == "" {
		return "", fmt.Errorf("%w: empty stream id", live.ErrManifestUnavailable)
	}
	if !strings.Contains(template, "{streamId}") {
		return "", fmt.Errorf("%w: template %q has no {streamId}", live.ErrManifestUnavailable, template)
	}
	raw := strings.ReplaceAll(template, "{streamId}", url.PathEscape(string(id)))
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: invalid manifest url %q", live.ErrManifestUnavailable, raw)
	}
	return u.String(), nil
}

// OpenStream starts playing id on surface and returns the session handle.
// Library playback is used when the surface is a MediaSink, native playback
// when it is a NativeSurface that can play HLS.
func (p *Player) OpenStream(id live.StreamID, surface Surface) (*Session, error) {
	manifest, err := ManifestURL(p.cfg.ManifestTemplate, id)
	if err != nil {
		return nil, err
	}

	var engine Engine
	if sink, ok := surface.(MediaSink); ok {
		engine = NewHLSEngine(manifest, p.client, sink, p.cfg.Engine, p.log, p.met)
	} else if native, ok := surface.(NativeSurface); ok && native.CanPlayType(HLSMimeType) {
		engine = NewNativeEngine(manifest, native)
	} else {
		return nil, fmt.Errorf("%w: surface supports neither media source playback nor native HLS", live.ErrUnsupportedPlayback)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.surfaces[surface]; busy {
		return nil, ErrSurfaceInUse
	}

	sid := uuid.NewString()
	s := &Session{
		id:          sid,
		streamID:    id,
		manifestURL: manifest,
		surface:     surface,
		engine:      engine,
		window:      p.cfg.RecoveryWindow,
		log: p.log.With(
			slog.String("session_id", sid),
			slog.String("stream_id", string(id)),
			slog.String("engine", engine.Name())),
		met:   p.met,
		state: live.Loading,
	}
	s.release = func() { p.unregister(surface, s) }
	s.failed = p.updateGauge
	p.surfaces[surface] = s
	p.updateGaugeLocked()

	s.start()
	s.log.Info("playback opened", slog.String("manifest", manifest))
	return s, nil
}

// ManifestTemplate is the template stream ids are resolved with.
func (p *Player) ManifestTemplate() string { return p.cfg.ManifestTemplate }

// Active returns the number of sessions holding a surface.
func (p *Player) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.surfaces)
}

func (p *Player) unregister(surface Surface, s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.surfaces[surface] == s {
		delete(p.surfaces, surface)
	}
	p.updateGaugeLocked()
}

func (p *Player) updateGauge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateGaugeLocked()
}

// updateGaugeLocked publishes the number of sessions that have not failed.
// A failed session may still hold its surface until it is closed.
func (p *Player) updateGaugeLocked() {
	n := 0
	for _, s := range p.surfaces {
		if s.State() != live.Failed {
			n++
		}
	}
	p.met.SetActivePlayback(n)
}
