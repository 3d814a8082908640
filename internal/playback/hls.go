package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/grafov/m3u8"

	"livecast/internal/live"
	"livecast/internal/platform/logger"
	"livecast/internal/platform/metrics"
)

const minPollInterval = 50 * time.Millisecond

// EngineConfig holds the low-latency tunables of the library engine.
type EngineConfig struct {
	// LiveSyncCount is how many segments behind the live edge playback starts.
	LiveSyncCount int
	// MaxBufferLength caps the backlog fetched in one pass; older segments
	// are skipped to stay near the live edge.
	MaxBufferLength time.Duration
	// FetchTimeout bounds each manifest and segment request.
	FetchTimeout time.Duration
}

// HLSEngine fetches and parses the manifest itself and feeds segments to a
// MediaSink. Live playlists are polled at half the target duration.
type HLSEngine struct {
	url    string
	client *http.Client
	sink   MediaSink
	cfg    EngineConfig
	log    *slog.Logger
	met    *metrics.Metrics
}

// NewHLSEngine returns an engine for the manifest at manifestURL.
func NewHLSEngine(manifestURL string, client *http.Client, sink MediaSink, cfg EngineConfig, log *slog.Logger, met *metrics.Metrics) *HLSEngine {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.LiveSyncCount <= 0 {
		cfg.LiveSyncCount = 3
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &HLSEngine{
		url:    manifestURL,
		client: client,
		sink:   sink,
		cfg:    cfg,
		log:    logger.WithComponent(log, "hls"),
		met:    met,
	}
}

func (e *HLSEngine) Name() string { return "hls" }

// RecoverMediaError resets the sink. The manifest is not reloaded.
func (e *HLSEngine) RecoverMediaError() error {
	return e.sink.Reset()
}

func (e *HLSEngine) Run(ctx context.Context, emit func(EngineEvent)) {
	mediaURL, pl, err := e.load(ctx)
	if err != nil {
		if ctx.Err() == nil {
			emit(EngineEvent{Kind: EngineError, Class: ClassNetwork, Err: err})
		}
		return
	}
	emit(EngineEvent{Kind: ManifestParsed})

	var next uint64
	first := true
	for {
		segs, err := segments(pl, mediaURL)
		if err != nil {
			emit(EngineEvent{Kind: EngineError, Class: ClassOther, Err: err})
			return
		}
		if first {
			segs = liveEdge(segs, e.cfg.LiveSyncCount, pl.Closed)
			first = false
		} else {
			segs = after(segs, next)
		}
		if e.cfg.MaxBufferLength > 0 {
			var skipped int
			segs, skipped = trimBacklog(segs, e.cfg.MaxBufferLength)
			if skipped > 0 {
				e.log.Info("skipping to live edge", slog.Int("segments", skipped))
			}
		}

		for _, seg := range segs {
			data, err := e.get(ctx, seg.URI)
			if err != nil {
				if ctx.Err() == nil {
					emit(EngineEvent{Kind: EngineError, Class: ClassNetwork, Sequence: seg.Sequence, Err: err})
				}
				return
			}
			e.met.IncSegmentsFetched()
			seg.Data = data
			next = seg.Sequence + 1
			e.log.Debug("segment fetched", slog.Uint64("sequence", seg.Sequence), slog.String("size", humanize.Bytes(uint64(len(data)))))

			if err := e.sink.Append(seg); err != nil {
				if errors.Is(err, live.ErrDecode) {
					emit(EngineEvent{Kind: EngineError, Class: ClassMedia, Sequence: seg.Sequence, Err: err})
					continue
				}
				emit(EngineEvent{Kind: EngineError, Class: ClassOther, Sequence: seg.Sequence, Err: err})
				return
			}
			emit(EngineEvent{Kind: BufferAppended, Sequence: seg.Sequence})
		}

		if pl.Closed {
			emit(EngineEvent{Kind: Ended})
			return
		}

		wait := time.Duration(pl.TargetDuration * float64(time.Second) / 2)
		if wait < minPollInterval {
			wait = minPollInterval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		pl, err = e.mediaPlaylist(ctx, mediaURL)
		if err != nil {
			if ctx.Err() == nil {
				emit(EngineEvent{Kind: EngineError, Class: ClassNetwork, Err: err})
			}
			return
		}
	}
}

// load resolves the manifest to a media playlist, picking the highest
// bandwidth variant of a master playlist.
func (e *HLSEngine) load(ctx context.Context) (string, *m3u8.MediaPlaylist, error) {
	p, err := e.playlist(ctx, e.url)
	if err != nil {
		return "", nil, err
	}
	switch pl := p.(type) {
	case *m3u8.MediaPlaylist:
		return e.url, pl, nil
	case *m3u8.MasterPlaylist:
		v := pickVariant(pl)
		if v == nil {
			return "", nil, fmt.Errorf("%w: no variants in %s", live.ErrManifestUnavailable, e.url)
		}
		mediaURL, err := resolve(e.url, v.URI)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", live.ErrManifestUnavailable, err)
		}
		e.log.Info("variant selected",
			slog.Uint64("bandwidth", uint64(v.Bandwidth)),
			slog.String("resolution", v.Resolution),
			slog.String("uri", mediaURL))
		mp, err := e.mediaPlaylist(ctx, mediaURL)
		return mediaURL, mp, err
	default:
		return "", nil, fmt.Errorf("%w: unknown playlist type", live.ErrManifestUnavailable)
	}
}

func (e *HLSEngine) mediaPlaylist(ctx context.Context, u string) (*m3u8.MediaPlaylist, error) {
	p, err := e.playlist(ctx, u)
	if err != nil {
		return nil, err
	}
	mp, ok := p.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a media playlist", live.ErrManifestUnavailable, u)
	}
	return mp, nil
}

func (e *HLSEngine) playlist(ctx context.Context, u string) (m3u8.Playlist, error) {
	body, err := e.get(ctx, u)
	if err != nil {
		return nil, err
	}
	p, _, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", live.ErrManifestUnavailable, u, err)
	}
	return p, nil
}

func (e *HLSEngine) get(ctx context.Context, u string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", live.ErrNetworkFetch, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", live.ErrNetworkFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", live.ErrNetworkFetch, u, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", live.ErrNetworkFetch, err)
	}
	return b, nil
}

func pickVariant(master *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

// segments lists the playlist window with absolute URIs and sequence numbers.
func segments(pl *m3u8.MediaPlaylist, base string) ([]Segment, error) {
	var out []Segment
	seq := pl.SeqNo
	for _, s := range pl.Segments {
		if s == nil {
			continue
		}
		u, err := resolve(base, s.URI)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", seq, err)
		}
		out = append(out, Segment{
			Sequence:      seq,
			URI:           u,
			Duration:      time.Duration(s.Duration * float64(time.Second)),
			Discontinuity: s.Discontinuity,
		})
		seq++
	}
	return out, nil
}

// liveEdge keeps the last n segments of a live window. Ended playlists are
// played from the start.
func liveEdge(segs []Segment, n int, closed bool) []Segment {
	if closed || len(segs) <= n {
		return segs
	}
	return segs[len(segs)-n:]
}

func after(segs []Segment, next uint64) []Segment {
	for i, s := range segs {
		if s.Sequence >= next {
			return segs[i:]
		}
	}
	return nil
}

// trimBacklog drops the oldest segments until the rest fits in max.
func trimBacklog(segs []Segment, max time.Duration) ([]Segment, int) {
	var total time.Duration
	for i := len(segs) - 1; i >= 0; i-- {
		total += segs[i].Duration
		if total > max && i < len(segs)-1 {
			return segs[i+1:], i + 1
		}
	}
	return segs, 0
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
