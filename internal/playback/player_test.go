package playback_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"livecast/internal/live"
	"livecast/internal/platform/logger"
	"livecast/internal/platform/metrics"
	"livecast/internal/playback"
	"livecast/internal/playback/playbacktest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const manifestPath = "/hls/abc123/index.m3u8"

// publish serves a playlist for abc123 whose segments are data, in order,
// starting at sequence first.
func publish(o *playbacktest.Origin, first uint64, data [][]byte, ended bool) {
	var segs []playbacktest.Segment
	for i, d := range data {
		seq := first + uint64(i)
		name := fmt.Sprintf("seg%d.ts", seq)
		segs = append(segs, playbacktest.Segment{Sequence: seq, Duration: 1, Path: name})
		o.SetSegment("/hls/abc123/"+name, d)
	}
	o.SetPlaylist(manifestPath, playbacktest.BuildLivePlaylist(segs, ended))
}

func newPlayer(o *playbacktest.Origin, met *metrics.Metrics) *playback.Player {
	return playback.NewPlayer(playback.Config{
		ManifestTemplate: o.ManifestTemplate(),
		Engine:           playback.EngineConfig{LiveSyncCount: 3, FetchTimeout: time.Second},
		RecoveryWindow:   5 * time.Second,
	}, o.Server.Client(), logger.Discard(), met)
}

func waitPlayback(t *testing.T, s *playback.Session, want live.PlaybackState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 3*time.Second, 5*time.Millisecond,
		"playback state: want %s, have %s", want, s.State())
}

func TestPlayer_OpenStream_playsEndedStream(t *testing.T) {
	o := playbacktest.NewOrigin()
	defer o.Close()
	publish(o, 0, [][]byte{playbacktest.TSSegment(0), playbacktest.TSSegment(1), playbacktest.TSSegment(2)}, true)

	var out bytes.Buffer
	sink := playback.NewWriterSink(&out, true)
	p := newPlayer(o, nil)

	s, err := p.OpenStream("abc123", sink)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, 1, p.Active())

	waitPlayback(t, s, live.Playing)
	require.Eventually(t, func() bool { return s.Status().Ended }, 3*time.Second, 5*time.Millisecond)

	appended, resets, written, playing := sink.Stats()
	assert.Equal(t, 3, appended)
	assert.Zero(t, resets)
	assert.Equal(t, int64(3*2*188), written)
	assert.True(t, playing)
	assert.Equal(t, "hls", s.Status().Engine)
	assert.Equal(t, uint64(3), s.Status().Segments)

	s.CloseStream()
	s.CloseStream()
	assert.Equal(t, 0, p.Active())
}

func TestPlayer_OpenStream_manifestNetworkFailure(t *testing.T) {
	o := playbacktest.NewOrigin()
	defer o.Close()
	o.Fail(manifestPath, 503)
	met := metrics.New()
	p := newPlayer(o, met)

	s, err := p.OpenStream("abc123", playback.NewWriterSink(&bytes.Buffer{}, true))
	require.NoError(t, err)
	defer s.CloseStream()

	waitPlayback(t, s, live.Failed)
	assert.Equal(t, "Network error - stream may be offline", s.Status().Error)
	assert.Zero(t, s.Status().Recoveries)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, o.TotalHits(), "no automatic retry after a network failure")
	assert.Equal(t, 1.0, met.Value("livecast_playback_errors_total", "network"))
}

func TestPlayer_OpenStream_segmentNetworkFailure(t *testing.T) {
	o := playbacktest.NewOrigin()
	defer o.Close()
	publish(o, 0, [][]byte{playbacktest.TSSegment(0), playbacktest.TSSegment(1)}, true)
	o.Fail("/hls/abc123/seg1.ts", 500)
	p := newPlayer(o, nil)

	s, err := p.OpenStream("abc123", playback.NewWriterSink(&bytes.Buffer{}, true))
	require.NoError(t, err)
	defer s.CloseStream()

	waitPlayback(t, s, live.Failed)
	assert.Zero(t, s.Status().Recoveries)
	assert.Equal(t, "Network error - stream may be offline", s.Status().Error)
}

func TestSession_singleDecodeErrorRecovers(t *testing.T) {
	o := playbacktest.NewOrigin()
	defer o.Close()
	publish(o, 0, [][]byte{playbacktest.TSSegment(0), playbacktest.CorruptSegment(), playbacktest.TSSegment(2)}, true)
	met := metrics.New()
	sink := playback.NewWriterSink(&bytes.Buffer{}, true)
	p := newPlayer(o, met)

	s, err := p.OpenStream("abc123", sink)
	require.NoError(t, err)
	defer s.CloseStream()

	require.Eventually(t, func() bool { return s.Status().Ended }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Status().Recoveries == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, live.Playing, s.State())

	appended, resets, _, _ := sink.Stats()
	assert.Equal(t, 2, appended)
	assert.Equal(t, 1, resets)
	assert.Equal(t, 1, o.Hits(manifestPath), "recovery does not refetch the manifest")
	assert.Equal(t, 1.0, met.Value("livecast_playback_recoveries_total"))
	assert.Equal(t, 1.0, met.Value("livecast_playback_errors_total", "media"))
}

func TestSession_secondDecodeErrorFails(t *testing.T) {
	o := playbacktest.NewOrigin()
	defer o.Close()
	publish(o, 0, [][]byte{playbacktest.TSSegment(0), playbacktest.CorruptSegment(), playbacktest.CorruptSegment()}, true)
	p := newPlayer(o, nil)

	s, err := p.OpenStream("abc123", playback.NewWriterSink(&bytes.Buffer{}, true))
	require.NoError(t, err)
	defer s.CloseStream()

	waitPlayback(t, s, live.Failed)
	st := s.Status()
	assert.Equal(t, 1, st.Recoveries)
	assert.Equal(t, "Media error - playback could not recover", st.Error)
}

func TestSession_decodeErrorAfterWindowRecoversAgain(t *testing.T) {
	o := playbacktest.NewOrigin()
	defer o.Close()
	publish(o, 0, [][]byte{playbacktest.TSSegment(0), playbacktest.CorruptSegment()}, false)
	met := metrics.New()
	sink := playback.NewWriterSink(&bytes.Buffer{}, true)
	p := playback.NewPlayer(playback.Config{
		ManifestTemplate: o.ManifestTemplate(),
		Engine:           playback.EngineConfig{LiveSyncCount: 3, FetchTimeout: time.Second},
		RecoveryWindow:   50 * time.Millisecond,
	}, o.Server.Client(), logger.Discard(), met)

	s, err := p.OpenStream("abc123", sink)
	require.NoError(t, err)
	defer s.CloseStream()

	require.Eventually(t, func() bool { return s.Status().Recoveries == 1 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	publish(o, 0, [][]byte{
		playbacktest.TSSegment(0), playbacktest.CorruptSegment(),
		playbacktest.CorruptSegment(), playbacktest.TSSegment(3),
	}, true)

	require.Eventually(t, func() bool { return s.Status().Ended }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Status().Recoveries == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, live.Playing, s.State())
	assert.Empty(t, s.Status().Error)

	appended, resets, _, _ := sink.Stats()
	assert.Equal(t, 2, appended)
	assert.Equal(t, 2, resets)
	assert.Equal(t, 2.0, met.Value("livecast_playback_recoveries_total"))
}

func TestPlayer_activeGaugeSkipsFailedSessions(t *testing.T) {
	o := playbacktest.NewOrigin()
	defer o.Close()
	publish(o, 0, [][]byte{playbacktest.TSSegment(0)}, false)
	o.Fail("/hls/broken/index.m3u8", 503)
	met := metrics.New()
	p := newPlayer(o, met)

	healthy, err := p.OpenStream("abc123", playback.NewWriterSink(&bytes.Buffer{}, true))
	require.NoError(t, err)
	broken, err := p.OpenStream("broken", playback.NewWriterSink(&bytes.Buffer{}, true))
	require.NoError(t, err)

	waitPlayback(t, broken, live.Failed)
	waitPlayback(t, healthy, live.Playing)
	assert.Equal(t, 2, p.Active(), "a network failure keeps its surface until closed")
	require.Eventually(t, func() bool {
		return met.Value("livecast_active_playback_sessions") == 1
	}, time.Second, 5*time.Millisecond)

	broken.CloseStream()
	assert.Equal(t, 1.0, met.Value("livecast_active_playback_sessions"))
	healthy.CloseStream()
	assert.Zero(t, met.Value("livecast_active_playback_sessions"))
}

func TestSession_autoplayBlockedNeedsInteraction(t *testing.T) {
	o := playbacktest.NewOrigin()
	defer o.Close()
	publish(o, 0, [][]byte{playbacktest.TSSegment(0)}, true)
	sink := playback.NewWriterSink(&bytes.Buffer{}, false)
	p := newPlayer(o, nil)

	s, err := p.OpenStream("abc123", sink)
	require.NoError(t, err)
	defer s.CloseStream()

	require.Eventually(t, func() bool { return s.Status().NeedsInteraction }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, live.Ready, s.State())
	assert.Empty(t, s.Status().Error, "blocked autoplay is not an error")

	require.NoError(t, s.Play())
	assert.Equal(t, live.Playing, s.State())
	assert.False(t, s.Status().NeedsInteraction)
	require.NoError(t, s.Play(), "play while playing is a no-op")
}

func TestPlayer_OpenStream_rejections(t *testing.T) {
	o := playbacktest.NewOrigin()
	defer o.Close()
	p := newPlayer(o, nil)

	_, err := p.OpenStream("", playback.NewWriterSink(&bytes.Buffer{}, true))
	assert.ErrorIs(t, err, live.ErrManifestUnavailable)

	_, err = p.OpenStream("abc123", &plainSurface{})
	assert.ErrorIs(t, err, live.ErrUnsupportedPlayback)

	_, err = p.OpenStream("abc123", &fakeNative{canPlay: false})
	assert.ErrorIs(t, err, live.ErrUnsupportedPlayback)
	assert.Equal(t, "HLS not supported in this environment", live.UserMessage(err))
	assert.Zero(t, o.TotalHits())
}

func TestPlayer_OpenStream_surfaceExclusive(t *testing.T) {
	o := playbacktest.NewOrigin()
	defer o.Close()
	publish(o, 0, [][]byte{playbacktest.TSSegment(0)}, true)
	p := newPlayer(o, nil)
	sink := &recordingSink{autoplay: true}

	first, err := p.OpenStream("abc123", sink)
	require.NoError(t, err)
	_, err = p.OpenStream("abc123", sink)
	assert.ErrorIs(t, err, playback.ErrSurfaceInUse)

	first.CloseStream()
	second, err := p.OpenStream("abc123", sink)
	require.NoError(t, err)
	second.CloseStream()
	assert.Equal(t, 2, sink.closeCount())
}

func TestHLSEngine_followsLiveEdge(t *testing.T) {
	o := playbacktest.NewOrigin()
	defer o.Close()
	seg := playbacktest.TSSegment
	publish(o, 10, [][]byte{seg(10), seg(11), seg(12), seg(13), seg(14)}, false)
	sink := &recordingSink{autoplay: true}
	p := newPlayer(o, nil)

	s, err := p.OpenStream("abc123", sink)
	require.NoError(t, err)
	defer s.CloseStream()

	require.Eventually(t, func() bool { return len(sink.sequences()) == 3 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{12, 13, 14}, sink.sequences(), "starts three segments behind the live edge")

	publish(o, 11, [][]byte{seg(11), seg(12), seg(13), seg(14), seg(15)}, false)
	require.Eventually(t, func() bool { return len(sink.sequences()) == 4 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{12, 13, 14, 15}, sink.sequences())
	assert.Equal(t, live.Playing, s.State())
	assert.False(t, s.Status().Ended)
}

func TestHLSEngine_picksHighestBandwidthVariant(t *testing.T) {
	o := playbacktest.NewOrigin()
	defer o.Close()
	o.SetPlaylist(manifestPath, playbacktest.BuildMasterPlaylist(map[uint32]string{
		200000:  "low/index.m3u8",
		1800000: "high/index.m3u8",
	}))
	o.Fail("/hls/abc123/low/index.m3u8", 404)
	o.SetPlaylist("/hls/abc123/high/index.m3u8", playbacktest.BuildLivePlaylist(
		[]playbacktest.Segment{{Sequence: 0, Duration: 1, Path: "0.ts"}}, true))
	o.SetSegment("/hls/abc123/high/0.ts", playbacktest.TSSegment(0))
	p := newPlayer(o, nil)

	s, err := p.OpenStream("abc123", playback.NewWriterSink(&bytes.Buffer{}, true))
	require.NoError(t, err)
	defer s.CloseStream()

	require.Eventually(t, func() bool { return s.Status().Ended }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, live.Playing, s.State())
	assert.Zero(t, o.Hits("/hls/abc123/low/index.m3u8"))
}

func TestNativeEngine_playsAndReportsLoadFailure(t *testing.T) {
	o := playbacktest.NewOrigin()
	defer o.Close()
	p := newPlayer(o, nil)

	ok := &fakeNative{canPlay: true}
	s, err := p.OpenStream("abc123", ok)
	require.NoError(t, err)
	waitPlayback(t, s, live.Playing)
	assert.Equal(t, "native", s.Status().Engine)
	assert.Contains(t, ok.loadedURL(), "/hls/abc123/index.m3u8")
	s.CloseStream()

	broken := &fakeNative{canPlay: true, loadErr: errors.New("decoder missing")}
	s, err = p.OpenStream("abc123", broken)
	require.NoError(t, err)
	waitPlayback(t, s, live.Failed)
	assert.Equal(t, "Failed to load stream", s.Status().Error)
	require.Eventually(t, func() bool { return p.Active() == 0 }, time.Second, 5*time.Millisecond,
		"a fatal engine error releases the surface")
	s.CloseStream()
}

func TestManifestURL(t *testing.T) {
	got, err := playback.ManifestURL(playback.DefaultManifestTemplate, "abc 123")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5000/hls/abc%20123/index.m3u8", got)

	_, err = playback.ManifestURL("http://origin/live.m3u8", "abc123")
	assert.ErrorIs(t, err, live.ErrManifestUnavailable)

	_, err = playback.ManifestURL("/hls/{streamId}.m3u8", "abc123")
	assert.ErrorIs(t, err, live.ErrManifestUnavailable)
}

// plainSurface supports neither engine.
type plainSurface struct{}

func (*plainSurface) Play(bool) error { return nil }
func (*plainSurface) Close() error    { return nil }

// recordingSink accepts everything and remembers the sequences it was given.
type recordingSink struct {
	autoplay bool

	mu     sync.Mutex
	seqs   []uint64
	closed int
}

func (r *recordingSink) Play(gesture bool) error {
	if !r.autoplay && !gesture {
		return playback.ErrAutoplayBlocked
	}
	return nil
}

func (r *recordingSink) Append(seg playback.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, seg.Sequence)
	return nil
}

func (r *recordingSink) Reset() error { return nil }

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recordingSink) sequences() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func (r *recordingSink) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// fakeNative reports readiness immediately and plays until canceled, or
// fails to load when loadErr is set.
type fakeNative struct {
	canPlay bool
	loadErr error

	mu  sync.Mutex
	url string
}

func (f *fakeNative) CanPlayType(mime string) bool { return f.canPlay && mime == playback.HLSMimeType }

func (f *fakeNative) Load(ctx context.Context, url string, notify func(playback.EngineEvent)) error {
	f.mu.Lock()
	f.url = url
	f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	notify(playback.EngineEvent{Kind: playback.ManifestParsed})
	notify(playback.EngineEvent{Kind: playback.BufferAppended})
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeNative) loadedURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *fakeNative) Play(bool) error { return nil }
func (f *fakeNative) Close() error    { return nil }
