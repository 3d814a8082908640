package playbacktest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Origin is an in-process HLS origin. Paths are served from what the test
// registered; anything else is 404.
type Origin struct {
	Server *httptest.Server

	mu        sync.Mutex
	playlists map[string]string
	segments  map[string][]byte
	failing   map[string]int
	hits      map[string]int
}

// NewOrigin starts an origin. Call Close when done.
func NewOrigin() *Origin {
	o := &Origin{
		playlists: make(map[string]string),
		segments:  make(map[string][]byte),
		failing:   make(map[string]int),
		hits:      make(map[string]int),
	}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	return o
}

// ManifestTemplate is the template that resolves stream ids on this origin.
func (o *Origin) ManifestTemplate() string {
	return o.Server.URL + "/hls/{streamId}/index.m3u8"
}

// SetPlaylist serves body at path.
func (o *Origin) SetPlaylist(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.playlists[path] = body
}

// SetSegment serves data at path.
func (o *Origin) SetSegment(path string, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.segments[path] = data
}

// Fail answers path with status until cleared with status 0.
func (o *Origin) Fail(path string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if status == 0 {
		delete(o.failing, path)
		return
	}
	o.failing[path] = status
}

// Hits returns how often path was requested.
func (o *Origin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// TotalHits returns the number of requests served.
func (o *Origin) TotalHits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, h := range o.hits {
		n += h
	}
	return n
}

// Close shuts the origin down.
func (o *Origin) Close() { o.Server.Close() }

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	status, failing := o.failing[r.URL.Path]
	body, isPlaylist := o.playlists[r.URL.Path]
	data, isSegment := o.segments[r.URL.Path]
	o.mu.Unlock()

	switch {
	case failing:
		http.Error(w, http.StatusText(status), status)
	case isPlaylist:
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte(body))
	case isSegment:
		w.Header().Set("Content-Type", segmentType(r.URL.Path))
		_, _ = w.Write(data)
	default:
		http.NotFound(w, r)
	}
}

func segmentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".m4s"), strings.HasSuffix(path, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(path, ".webm"):
		return "video/webm"
	default:
		return "video/mp2t"
	}
}

// TSSegment returns two MPEG-TS packets tagged with n.
func TSSegment(n byte) []byte {
	b := make([]byte, 2*188)
	b[0], b[188] = 0x47, 0x47
	b[1], b[189] = n, n
	return b
}

// CorruptSegment returns bytes no container check accepts.
func CorruptSegment() []byte {
	return []byte("this is not a media segment")
}
